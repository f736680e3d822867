package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"easel/api/internal/blob"
	"easel/api/internal/capture"
	"easel/api/internal/llm"
	"easel/api/internal/rbac"
	"easel/api/internal/scene"
	"easel/api/internal/search"
	"easel/api/internal/store"
	"easel/api/internal/tutor"
	"easel/api/internal/util"
)

// tutorStore adapts the relational row shape to the tutor package's
// typed session. The tutor package owns the JSON schema; the store only
// sees opaque documents.
type tutorStore struct {
	store dataStore
}

func (t *tutorStore) GetTutorSession(ctx context.Context, boardID string) (*tutor.Session, error) {
	row, err := t.store.GetTutorSession(ctx, boardID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	var sess tutor.Session
	if err := json.Unmarshal(row.Plan, &sess.Plan); err != nil {
		return nil, fmt.Errorf("decode tutor plan: %w", err)
	}
	if err := json.Unmarshal(row.State, &sess.State); err != nil {
		return nil, fmt.Errorf("decode tutor state: %w", err)
	}
	return &sess, nil
}

func (t *tutorStore) PutTutorSession(ctx context.Context, boardID string, sess tutor.Session) error {
	plan, err := json.Marshal(sess.Plan)
	if err != nil {
		return err
	}
	state, err := json.Marshal(sess.State)
	if err != nil {
		return err
	}
	return t.store.PutTutorSession(ctx, store.TutorSessionRow{
		BoardID: boardID,
		Plan:    plan,
		State:   state,
	})
}

type ChatTurnInput struct {
	Mode   string `json:"mode"`
	Text   string `json:"text"`
	TempID string `json:"tempId"`
	Locale string `json:"locale"`
}

type ChatTurnResult struct {
	TempID           string
	UserMessage      store.Message
	AssistantMessage store.Message
	Capture          *store.CaptureMeta
	Tutor            *tutor.Session
	Degraded         bool
}

// ChatTurn runs one full assistant turn: snapshot the scene into a
// capture, advance the tutor machine when in tutor mode, stream the
// model response through the supplied callback, and persist both sides
// of the exchange. The user message is committed before inference so a
// model failure never loses what the user typed.
func (s *Service) ChatTurn(ctx context.Context, session Session, boardID string, input ChatTurnInput, stream llm.StreamFunc) (ChatTurnResult, error) {
	if s.llm == nil {
		return ChatTurnResult{}, domainError(http.StatusServiceUnavailable, "AI_UNAVAILABLE", "AI assistant is not configured", nil)
	}
	if _, err := s.requireBoardRole(ctx, boardID, session.UserID, rbac.ActionChat); err != nil {
		return ChatTurnResult{}, err
	}
	if err := validateChatMode(input.Mode); err != nil {
		return ChatTurnResult{}, err
	}
	text := strings.TrimSpace(input.Text)
	if text == "" {
		return ChatTurnResult{}, validationError("text is required")
	}

	conv, err := s.store.EnsureConversation(ctx, util.NewID("conv"), boardID, input.Mode)
	if err != nil {
		return ChatTurnResult{}, err
	}

	shot, capMeta := s.snapshotBoard(ctx, boardID)

	authorID := session.UserID
	userMsg := store.Message{
		ID:             util.NewID("msg"),
		ConversationID: conv.ID,
		AuthorID:       &authorID,
		Role:           "user",
		Body:           text,
		CreatedAt:      time.Now(),
	}
	if capMeta != nil {
		userMsg.CaptureID = &capMeta.ID
	}
	if err := s.store.InsertMessage(ctx, userMsg); err != nil {
		return ChatTurnResult{}, err
	}

	result := ChatTurnResult{
		TempID:      input.TempID,
		UserMessage: userMsg,
		Capture:     capMeta,
	}

	req := llm.TurnRequest{
		Prompt: text,
		Locale: input.Locale,
	}
	if shot != nil {
		req.CaptureDataURL = shot.DataURL()
		req.CaptureMime = shot.MimeType
	}

	var completion llm.Completion
	if input.Mode == "tutor" {
		planReq := llm.PlanRequest{Prompt: text, Locale: input.Locale}
		if shot != nil {
			planReq.CaptureSummary = shot.Summary
			planReq.CaptureDataURL = shot.DataURL()
			planReq.CaptureMime = shot.MimeType
		}
		sess, _, err := s.tutors.EnsureSession(ctx, boardID, planReq)
		if err != nil {
			if sess == nil {
				return ChatTurnResult{}, err
			}
			// Stale plan kept after a failed regeneration: the turn
			// proceeds against it and the client is told.
			result.Degraded = true
		}
		result.Tutor = sess
		req.PlanContext = renderPlanContext(sess)
		completion, err = s.llm.TutorTurn(ctx, req, stream)
		if err != nil {
			return result, err
		}
	} else {
		completion, err = s.llm.BoardTurn(ctx, req, stream)
		if err != nil {
			return result, err
		}
	}

	assistantMsg := store.Message{
		ID:             util.NewID("msg"),
		ConversationID: conv.ID,
		Role:           "assistant",
		Body:           completion.Text,
		CreatedAt:      time.Now(),
	}
	if capMeta != nil {
		assistantMsg.CaptureID = &capMeta.ID
	}
	if err := s.store.InsertMessage(ctx, assistantMsg); err != nil {
		return result, err
	}
	result.AssistantMessage = assistantMsg

	if s.search != nil {
		if board, err := s.store.GetBoard(ctx, boardID); err == nil {
			s.search.IndexMessage(search.MessageRecord{ID: userMsg.ID, Body: userMsg.Body, Role: userMsg.Role, BoardID: boardID, BoardTitle: board.Title})
			s.search.IndexMessage(search.MessageRecord{ID: assistantMsg.ID, Body: assistantMsg.Body, Role: assistantMsg.Role, BoardID: boardID, BoardTitle: board.Title})
		}
	}

	return result, nil
}

// snapshotBoard builds and stores the capture a turn is grounded on.
// Capture failures degrade the turn to text-only instead of failing it.
func (s *Service) snapshotBoard(ctx context.Context, boardID string) (*capture.Capture, *store.CaptureMeta) {
	if s.captures == nil {
		return nil, nil
	}
	sceneRaw, err := s.store.GetBoardScene(ctx, boardID)
	if err != nil {
		log.Printf(`{"msg":"capture scene load failed","board_id":"%s","error":"%v"}`, boardID, err)
		return nil, nil
	}
	var snap scene.Snapshot
	if len(sceneRaw) > 0 {
		if err := json.Unmarshal(sceneRaw, &snap); err != nil {
			log.Printf(`{"msg":"capture scene decode failed","board_id":"%s","error":"%v"}`, boardID, err)
			return nil, nil
		}
	}

	shot, err := s.captures.Build(ctx, boardID, snap)
	if err != nil {
		log.Printf(`{"msg":"capture build failed","board_id":"%s","error":"%v"}`, boardID, err)
		return nil, nil
	}

	meta := &store.CaptureMeta{
		ID:         shot.ID,
		BoardID:    boardID,
		MimeType:   shot.MimeType,
		Width:      shot.Width,
		Height:     shot.Height,
		ByteSize:   len(shot.Image),
		OverBudget: shot.OverBudget,
		CreatedAt:  shot.CreatedAt,
	}
	if s.blobs != nil {
		key := blob.CaptureKey(boardID, shot.ID)
		if err := s.blobs.Put(ctx, key, shot.Image, shot.MimeType); err != nil {
			log.Printf(`{"msg":"capture upload failed","board_id":"%s","capture_id":"%s","error":"%v"}`, boardID, shot.ID, err)
		} else {
			meta.ObjectKey = key
		}
	}
	if err := s.store.InsertCapture(ctx, *meta); err != nil {
		log.Printf(`{"msg":"capture persist failed","board_id":"%s","capture_id":"%s","error":"%v"}`, boardID, shot.ID, err)
		return &shot, nil
	}
	return &shot, meta
}

// CaptureBoard builds a capture on demand, outside a chat turn.
func (s *Service) CaptureBoard(ctx context.Context, session Session, boardID string) (store.CaptureMeta, error) {
	if _, err := s.requireBoardRole(ctx, boardID, session.UserID, rbac.ActionView); err != nil {
		return store.CaptureMeta{}, err
	}
	shot, meta := s.snapshotBoard(ctx, boardID)
	if shot == nil || meta == nil {
		return store.CaptureMeta{}, domainError(http.StatusBadGateway, "CAPTURE_FAILED", "Could not capture the board", nil)
	}
	return *meta, nil
}

// CaptureImageURL resolves a stored capture to a short-lived download
// URL for the caller.
func (s *Service) CaptureImageURL(ctx context.Context, session Session, captureID string) (string, error) {
	meta, err := s.store.GetCapture(ctx, captureID)
	if err != nil {
		return "", err
	}
	if _, err := s.requireBoardRole(ctx, meta.BoardID, session.UserID, rbac.ActionView); err != nil {
		return "", err
	}
	if s.blobs == nil || meta.ObjectKey == "" {
		return "", domainError(http.StatusNotFound, "NOT_FOUND", "Capture image is not stored", nil)
	}
	return s.blobs.PresignGet(ctx, meta.ObjectKey, 15*time.Minute)
}

func (s *Service) TutorSession(ctx context.Context, session Session, boardID string) (*tutor.Session, error) {
	if _, err := s.requireBoardRole(ctx, boardID, session.UserID, rbac.ActionView); err != nil {
		return nil, err
	}
	if s.tutors == nil {
		return nil, domainError(http.StatusServiceUnavailable, "AI_UNAVAILABLE", "AI assistant is not configured", nil)
	}
	adapter := &tutorStore{store: s.store}
	return adapter.GetTutorSession(ctx, boardID)
}

type TutorStateInput struct {
	CurrentStepID   *string  `json:"currentStepId"`
	CompleteStepIDs []string `json:"completeStepIds"`
	Abandon         bool     `json:"abandon"`
}

func (s *Service) PatchTutorState(ctx context.Context, session Session, boardID string, input TutorStateInput) (*tutor.Session, error) {
	if _, err := s.requireBoardRole(ctx, boardID, session.UserID, rbac.ActionChat); err != nil {
		return nil, err
	}
	if s.tutors == nil {
		return nil, domainError(http.StatusServiceUnavailable, "AI_UNAVAILABLE", "AI assistant is not configured", nil)
	}
	return s.tutors.Patch(ctx, boardID, tutor.StatePatch{
		CurrentStepID:   input.CurrentStepID,
		CompleteStepIDs: input.CompleteStepIDs,
		Abandon:         input.Abandon,
	})
}

// renderPlanContext flattens the active plan and progress into the
// prompt context a tutor turn is conditioned on.
func renderPlanContext(sess *tutor.Session) string {
	if sess == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", sess.Plan.Goal)
	if len(sess.Plan.Prerequisites) > 0 {
		fmt.Fprintf(&b, "Prerequisites: %s\n", strings.Join(sess.Plan.Prerequisites, "; "))
	}
	fmt.Fprintf(&b, "Status: %s\n", sess.State.Status)
	for i, step := range sess.Plan.Steps {
		marker := " "
		if sess.State.Completed(step.ID) {
			marker = "x"
		} else if step.ID == sess.State.CurrentStepID {
			marker = ">"
		}
		fmt.Fprintf(&b, "[%s] Step %d: %s (%s)\n", marker, i+1, step.Title, step.SuccessCriteria)
	}
	if len(sess.Plan.CommonMistakes) > 0 {
		fmt.Fprintf(&b, "Common mistakes: %s\n", strings.Join(sess.Plan.CommonMistakes, "; "))
	}
	return b.String()
}
