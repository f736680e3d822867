package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"easel/api/internal/auth"
	"easel/api/internal/authpw"
	"easel/api/internal/capture"
	"easel/api/internal/config"
	"easel/api/internal/email"
	"easel/api/internal/export"
	"easel/api/internal/llm"
	"easel/api/internal/rbac"
	"easel/api/internal/scene"
	"easel/api/internal/search"
	"easel/api/internal/session"
	"easel/api/internal/store"
	"easel/api/internal/tutor"
	"easel/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	CreateBoard(context.Context, store.Board) error
	GetBoard(context.Context, string) (store.Board, error)
	ListBoardsForUser(context.Context, string) ([]store.Board, error)
	UpdateBoardTitle(context.Context, string, string) error
	DeleteBoard(context.Context, string) error
	UpsertBoardMember(context.Context, string, string, string) error
	RemoveBoardMember(context.Context, string, string) error
	GetBoardRole(context.Context, string, string) (string, error)
	ListBoardMembers(context.Context, string) ([]store.BoardMember, error)
	GetBoardScene(context.Context, string) (json.RawMessage, error)
	UpdateBoardScene(context.Context, string, func(json.RawMessage) (json.RawMessage, error)) (json.RawMessage, error)
	EnsureConversation(context.Context, string, string, string) (store.Conversation, error)
	InsertMessage(context.Context, store.Message) error
	ListMessages(context.Context, string, int) ([]store.Message, error)
	SearchMessages(context.Context, string, string, int) ([]store.MessageHit, error)
	GetTutorSession(context.Context, string) (*store.TutorSessionRow, error)
	PutTutorSession(context.Context, store.TutorSessionRow) error
	InsertCapture(context.Context, store.CaptureMeta) error
	GetCapture(context.Context, string) (store.CaptureMeta, error)
	Ping(context.Context) error
}

// refreshStore holds refresh-token sessions outside the database so
// revocation and expiry stay cheap.
type refreshStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type blobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, string, error)
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions refreshStore
	authpw   *authpw.Service
	email    *email.Service
	search   *search.Service
	blobs    blobStore
	captures *capture.Builder
	exports  *export.Exporter
	llm      llm.Client
	tutors   *tutor.Machine
}

func New(cfg config.Config, dataStore *store.PostgresStore, sessions *session.RedisStore) *Service {
	svc := &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
	}
	svc.authpw = authpw.NewService(dataStore)
	return svc
}

func (s *Service) WithEmail(mail *email.Service) *Service {
	s.email = mail
	return s
}

func (s *Service) WithSearch(idx *search.Service) *Service {
	s.search = idx
	return s
}

func (s *Service) WithBlobs(blobs blobStore) *Service {
	s.blobs = blobs
	return s
}

func (s *Service) WithExport(exp *export.Exporter) *Service {
	s.exports = exp
	return s
}

func (s *Service) WithAI(client llm.Client, captures *capture.Builder) *Service {
	s.llm = client
	s.captures = captures
	s.tutors = tutor.NewMachine(&tutorStore{store: s.store}, client)
	return s
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

func (s *Service) SMTPConfigured() bool {
	return s.email != nil && s.email.IsConfigured()
}

// SendVerificationEmail is fire-and-forget: signup never fails on a
// mail transport error.
func (s *Service) SendVerificationEmail(to, displayName, token string) {
	if !s.SMTPConfigured() || token == "" {
		return
	}
	verifyURL := strings.TrimRight(s.cfg.AppBaseURL, "/") + "/verify-email?token=" + token
	if err := s.email.SendVerificationEmail(to, displayName, verifyURL); err != nil {
		log.Printf(`{"msg":"verification email failed","error":"%v"}`, err)
	}
}

func (s *Service) SendPasswordResetEmail(to, token string) {
	if !s.SMTPConfigured() || token == "" {
		return
	}
	resetURL := strings.TrimRight(s.cfg.AppBaseURL, "/") + "/reset-password?token=" + token
	if err := s.email.SendPasswordResetEmail(to, to, resetURL); err != nil {
		log.Printf(`{"msg":"password reset email failed","error":"%v"}`, err)
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := uuid.NewString()

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:   user.ID,
		Name:  user.DisplayName,
		Email: user.Email,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewToken("rft", 32)
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Email:        user.Email,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken trusts the signed claims for identity so request
// auth never touches the database. Access tokens are short-lived;
// logout revokes the refresh token only.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		Email:     claims.Email,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// requireBoardRole resolves the caller's membership on a board and
// checks the action against it. Non-members get a not-found answer
// rather than a forbidden one so board IDs are not probeable.
func (s *Service) requireBoardRole(ctx context.Context, boardID, userID string, action rbac.Action) (rbac.Role, error) {
	raw, err := s.store.GetBoardRole(ctx, boardID, userID)
	if err != nil {
		return "", err
	}
	if raw == "" {
		return "", sql.ErrNoRows
	}
	role := rbac.Role(raw)
	if !rbac.Can(role, action) {
		return "", forbiddenError("Forbidden")
	}
	return role, nil
}

func (s *Service) CreateBoard(ctx context.Context, session Session, title string) (store.Board, error) {
	boardTitle := strings.TrimSpace(title)
	if boardTitle == "" {
		boardTitle = "Untitled board"
	}
	board := store.Board{
		ID:      util.NewID("brd"),
		Title:   boardTitle,
		OwnerID: session.UserID,
	}
	if err := s.store.CreateBoard(ctx, board); err != nil {
		return store.Board{}, err
	}
	if s.search != nil {
		s.search.IndexBoard(search.BoardRecord{ID: board.ID, Title: board.Title})
	}
	board.Role = string(rbac.RoleOwner)
	return board, nil
}

func (s *Service) ListBoards(ctx context.Context, session Session) ([]store.Board, error) {
	return s.store.ListBoardsForUser(ctx, session.UserID)
}

func (s *Service) GetBoard(ctx context.Context, session Session, boardID string) (store.Board, error) {
	role, err := s.requireBoardRole(ctx, boardID, session.UserID, rbac.ActionView)
	if err != nil {
		return store.Board{}, err
	}
	board, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return store.Board{}, err
	}
	board.Role = string(role)
	return board, nil
}

func (s *Service) RenameBoard(ctx context.Context, session Session, boardID, title string) (store.Board, error) {
	if _, err := s.requireBoardRole(ctx, boardID, session.UserID, rbac.ActionManage); err != nil {
		return store.Board{}, err
	}
	boardTitle := strings.TrimSpace(title)
	if boardTitle == "" {
		return store.Board{}, validationError("title is required")
	}
	if err := s.store.UpdateBoardTitle(ctx, boardID, boardTitle); err != nil {
		return store.Board{}, err
	}
	if s.search != nil {
		s.search.IndexBoard(search.BoardRecord{ID: boardID, Title: boardTitle})
	}
	return s.GetBoard(ctx, session, boardID)
}

func (s *Service) DeleteBoard(ctx context.Context, session Session, boardID string) error {
	if _, err := s.requireBoardRole(ctx, boardID, session.UserID, rbac.ActionManage); err != nil {
		return err
	}
	if err := s.store.DeleteBoard(ctx, boardID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteBoard(boardID)
	}
	return nil
}

func (s *Service) ListMembers(ctx context.Context, session Session, boardID string) ([]store.BoardMember, error) {
	if _, err := s.requireBoardRole(ctx, boardID, session.UserID, rbac.ActionView); err != nil {
		return nil, err
	}
	return s.store.ListBoardMembers(ctx, boardID)
}

func (s *Service) InviteMember(ctx context.Context, session Session, boardID, inviteeEmail, role string) (store.BoardMember, error) {
	if _, err := s.requireBoardRole(ctx, boardID, session.UserID, rbac.ActionInvite); err != nil {
		return store.BoardMember{}, err
	}
	memberRole := rbac.Normalize(role)
	if memberRole == rbac.RoleOwner {
		return store.BoardMember{}, validationError("role must be editor or viewer")
	}

	invitee, err := s.store.GetUserByEmail(ctx, inviteeEmail)
	if err != nil {
		if err == sql.ErrNoRows {
			return store.BoardMember{}, domainError(http.StatusNotFound, "USER_NOT_FOUND", "No account exists for that email", nil)
		}
		return store.BoardMember{}, err
	}
	if invitee.ID == session.UserID {
		return store.BoardMember{}, validationError("cannot change your own membership")
	}
	if err := s.store.UpsertBoardMember(ctx, boardID, invitee.ID, string(memberRole)); err != nil {
		return store.BoardMember{}, err
	}

	if s.SMTPConfigured() {
		board, err := s.store.GetBoard(ctx, boardID)
		if err == nil {
			boardURL := strings.TrimRight(s.cfg.AppBaseURL, "/") + "/boards/" + boardID
			_ = s.email.SendBoardInviteEmail(invitee.Email, invitee.DisplayName, session.UserName, board.Title, boardURL)
		}
	}

	return store.BoardMember{
		BoardID:     boardID,
		UserID:      invitee.ID,
		DisplayName: invitee.DisplayName,
		Email:       invitee.Email,
		Role:        string(memberRole),
	}, nil
}

func (s *Service) RemoveMember(ctx context.Context, session Session, boardID, userID string) error {
	// Members may always remove themselves; removing anyone else takes
	// invite rights.
	if userID != session.UserID {
		if _, err := s.requireBoardRole(ctx, boardID, session.UserID, rbac.ActionInvite); err != nil {
			return err
		}
	} else {
		if _, err := s.requireBoardRole(ctx, boardID, session.UserID, rbac.ActionView); err != nil {
			return err
		}
	}
	return s.store.RemoveBoardMember(ctx, boardID, userID)
}

func (s *Service) GetScene(ctx context.Context, session Session, boardID string) (json.RawMessage, error) {
	if _, err := s.requireBoardRole(ctx, boardID, session.UserID, rbac.ActionView); err != nil {
		return nil, err
	}
	return s.store.GetBoardScene(ctx, boardID)
}

// ExportBoardPDF prints the board's current scene for download. Any
// member can export; it reveals nothing a viewer cannot already see.
func (s *Service) ExportBoardPDF(ctx context.Context, session Session, boardID string) (*export.Result, error) {
	if _, err := s.requireBoardRole(ctx, boardID, session.UserID, rbac.ActionView); err != nil {
		return nil, err
	}
	if s.exports == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not available on this deployment", nil)
	}
	board, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}
	raw, err := s.store.GetBoardScene(ctx, boardID)
	if err != nil {
		return nil, err
	}
	var snap scene.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode scene for export: %w", err)
	}
	result, err := s.exports.BoardPDF(ctx, board.Title, snap)
	if err != nil {
		log.Printf(`{"msg":"board export failed","board_id":"%s","error":"%v"}`, boardID, err)
		return nil, domainError(http.StatusBadGateway, "EXPORT_FAILED", "Could not render the board", nil)
	}
	return result, nil
}

// PutScene merges the submitted scene into the stored one instead of
// overwriting it, so a stale writer can never erase another client's
// newer elements. The merged document is what gets persisted and
// returned.
func (s *Service) PutScene(ctx context.Context, session Session, boardID string, raw json.RawMessage) (json.RawMessage, error) {
	if _, err := s.requireBoardRole(ctx, boardID, session.UserID, rbac.ActionDraw); err != nil {
		return nil, err
	}
	var incoming scene.Snapshot
	if err := json.Unmarshal(raw, &incoming); err != nil {
		return nil, validationError("invalid scene document")
	}

	// The merge runs inside the store's scene row lock: a concurrent
	// writer that commits first is part of what this write merges over.
	return s.store.UpdateBoardScene(ctx, boardID, func(storedRaw json.RawMessage) (json.RawMessage, error) {
		var stored scene.Snapshot
		if len(storedRaw) > 0 {
			if err := json.Unmarshal(storedRaw, &stored); err != nil {
				return nil, fmt.Errorf("decode stored scene: %w", err)
			}
		}
		stored.Apply(scene.Delta{
			Elements: incoming.Elements,
			Assets:   incoming.Assets,
		})
		return json.Marshal(stored)
	})
}

func (s *Service) ListBoardMessages(ctx context.Context, session Session, boardID, mode string, limit int) ([]store.Message, error) {
	if _, err := s.requireBoardRole(ctx, boardID, session.UserID, rbac.ActionView); err != nil {
		return nil, err
	}
	if err := validateChatMode(mode); err != nil {
		return nil, err
	}
	conv, err := s.store.EnsureConversation(ctx, util.NewID("conv"), boardID, mode)
	if err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, conv.ID, limit)
}

func (s *Service) Search(ctx context.Context, session Session, text, filterType string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	boards, err := s.store.ListBoardsForUser(ctx, session.UserID)
	if err != nil {
		return search.Response{}, err
	}
	boardIDs := make([]string, 0, len(boards))
	for _, b := range boards {
		boardIDs = append(boardIDs, b.ID)
	}
	return s.search.Search(ctx, search.Query{
		Text:       text,
		UserID:     session.UserID,
		BoardIDs:   boardIDs,
		FilterType: search.ResultType(filterType),
		Limit:      limit,
		Offset:     offset,
	}), nil
}

func validateChatMode(mode string) error {
	if mode != "board" && mode != "tutor" {
		return validationError("mode must be 'board' or 'tutor'")
	}
	return nil
}
