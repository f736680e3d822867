package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const userColumns = `id, display_name, email, password_hash, is_email_verified,
	COALESCE(verification_token, ''), verification_expires_at,
	COALESCE(reset_token, ''), reset_expires_at, created_at, updated_at`

func scanUser(row *sql.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.DisplayName, &u.Email, &u.PasswordHash, &u.IsEmailVerified,
		&u.VerificationToken, &u.VerificationExpiresAt,
		&u.ResetToken, &u.ResetExpiresAt, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

func (s *PostgresStore) CreateUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, verification_token, verification_expires_at)
		VALUES ($1, $2, LOWER($3), $4, $5, $6)
	`, u.ID, u.DisplayName, u.Email, u.PasswordHash, nullString(u.VerificationToken), u.VerificationExpiresAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email=LOWER($1)`, email))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
}

// VerifyEmail consumes a verification token. sql.ErrNoRows means the
// token is unknown or expired.
func (s *PostgresStore) VerifyEmail(ctx context.Context, token string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token=NULL, verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND verification_expires_at > NOW()
		RETURNING `+userColumns, token))
}

func (s *PostgresStore) SetResetToken(ctx context.Context, email, token string, expiresAt time.Time) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		UPDATE users
		SET reset_token=$2, reset_expires_at=$3, updated_at=NOW()
		WHERE email=LOWER($1)
		RETURNING `+userColumns, email, token, expiresAt))
}

func (s *PostgresStore) ResetPassword(ctx context.Context, token, passwordHash string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		UPDATE users
		SET password_hash=$2, reset_token=NULL, reset_expires_at=NULL, updated_at=NOW()
		WHERE reset_token=$1 AND reset_expires_at > NOW()
		RETURNING `+userColumns, token, passwordHash))
}

func (s *PostgresStore) CreateBoard(ctx context.Context, b Board) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create board: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO boards (id, owner_id, title)
		VALUES ($1, $2, $3)
	`, b.ID, b.OwnerID, b.Title); err != nil {
		return fmt.Errorf("insert board: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO board_members (board_id, user_id, role)
		VALUES ($1, $2, 'owner')
	`, b.ID, b.OwnerID); err != nil {
		return fmt.Errorf("insert owner membership: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create board: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBoard(ctx context.Context, boardID string) (Board, error) {
	var b Board
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, scene_updated_at, created_at, updated_at
		FROM boards
		WHERE id=$1
	`, boardID).Scan(&b.ID, &b.OwnerID, &b.Title, &b.SceneUpdatedAt, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return Board{}, err
	}
	return b, nil
}

func (s *PostgresStore) ListBoardsForUser(ctx context.Context, userID string) ([]Board, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.id, b.owner_id, b.title, b.scene_updated_at, b.created_at, b.updated_at, bm.role
		FROM boards b
		JOIN board_members bm ON bm.board_id = b.id
		WHERE bm.user_id = $1
		ORDER BY b.updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list boards: %w", err)
	}
	defer rows.Close()

	items := make([]Board, 0)
	for rows.Next() {
		var b Board
		if err := rows.Scan(&b.ID, &b.OwnerID, &b.Title, &b.SceneUpdatedAt, &b.CreatedAt, &b.UpdatedAt, &b.Role); err != nil {
			return nil, fmt.Errorf("scan board: %w", err)
		}
		items = append(items, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate boards: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateBoardTitle(ctx context.Context, boardID, title string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE boards SET title=$2, updated_at=NOW() WHERE id=$1
	`, boardID, title)
	if err != nil {
		return fmt.Errorf("update board title: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteBoard(ctx context.Context, boardID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM boards WHERE id=$1`, boardID)
	if err != nil {
		return fmt.Errorf("delete board: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertBoardMember(ctx context.Context, boardID, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO board_members (board_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (board_id, user_id) DO UPDATE SET role=EXCLUDED.role
	`, boardID, userID, role)
	if err != nil {
		return fmt.Errorf("upsert board member: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveBoardMember(ctx context.Context, boardID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM board_members WHERE board_id=$1 AND user_id=$2 AND role <> 'owner'
	`, boardID, userID)
	if err != nil {
		return fmt.Errorf("remove board member: %w", err)
	}
	return nil
}

// GetBoardRole returns the caller's membership role on a board, or ""
// when they are not a member.
func (s *PostgresStore) GetBoardRole(ctx context.Context, boardID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM board_members WHERE board_id=$1 AND user_id=$2
	`, boardID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read board role: %w", err)
	}
	return role, nil
}

func (s *PostgresStore) ListBoardMembers(ctx context.Context, boardID string) ([]BoardMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bm.board_id, bm.user_id, bm.role, u.display_name, u.email, bm.created_at
		FROM board_members bm
		JOIN users u ON u.id = bm.user_id
		WHERE bm.board_id = $1
		ORDER BY bm.created_at ASC
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list board members: %w", err)
	}
	defer rows.Close()

	items := make([]BoardMember, 0)
	for rows.Next() {
		var m BoardMember
		if err := rows.Scan(&m.BoardID, &m.UserID, &m.Role, &m.DisplayName, &m.Email, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan board member: %w", err)
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate board members: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetBoardScene(ctx context.Context, boardID string) (json.RawMessage, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT scene FROM boards WHERE id=$1`, boardID).Scan(&raw)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// UpdateBoardScene runs a read-merge-write cycle under a row lock, so
// two concurrent writers serialize and the second merges over what the
// first one committed instead of over the snapshot both started from.
func (s *PostgresStore) UpdateBoardScene(ctx context.Context, boardID string, merge func(stored json.RawMessage) (json.RawMessage, error)) (json.RawMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin scene update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw []byte
	if err := tx.QueryRowContext(ctx,
		`SELECT scene FROM boards WHERE id=$1 FOR UPDATE`, boardID).Scan(&raw); err != nil {
		return nil, err
	}
	merged, err := merge(raw)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE boards SET scene=$2, scene_updated_at=NOW(), updated_at=NOW() WHERE id=$1
	`, boardID, []byte(merged)); err != nil {
		return nil, fmt.Errorf("put board scene: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit scene update: %w", err)
	}
	return merged, nil
}

// EnsureConversation finds the board's conversation for a chat mode,
// creating it on first use.
func (s *PostgresStore) EnsureConversation(ctx context.Context, id, boardID, mode string) (Conversation, error) {
	var c Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, board_id, mode, created_at FROM conversations WHERE board_id=$1 AND mode=$2
	`, boardID, mode).Scan(&c.ID, &c.BoardID, &c.Mode, &c.CreatedAt)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, fmt.Errorf("lookup conversation: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO conversations (id, board_id, mode)
		VALUES ($1, $2, $3)
		ON CONFLICT (board_id, mode) DO UPDATE SET mode=EXCLUDED.mode
		RETURNING id, board_id, mode, created_at
	`, id, boardID, mode).Scan(&c.ID, &c.BoardID, &c.Mode, &c.CreatedAt)
	if err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, m Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, author_id, role, body, capture_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, m.ID, m.ConversationID, m.AuthorID, m.Role, m.Body, m.CaptureID)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, author_id, role, body, capture_id, created_at
		FROM messages
		WHERE conversation_id=$1
		ORDER BY created_at ASC
		LIMIT $2
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.AuthorID, &m.Role, &m.Body, &m.CaptureID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

// SearchMessages is the fallback search path when the search service is
// unavailable: a case-insensitive substring match over boards the user
// can see.
func (s *PostgresStore) SearchMessages(ctx context.Context, userID, query string, limit int) ([]MessageHit, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.conversation_id, m.author_id, m.role, m.body, m.capture_id, m.created_at,
			b.id, b.title
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		JOIN boards b ON b.id = c.board_id
		JOIN board_members bm ON bm.board_id = b.id AND bm.user_id = $1
		WHERE m.body ILIKE '%' || $2 || '%'
		ORDER BY m.created_at DESC
		LIMIT $3
	`, userID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	items := make([]MessageHit, 0)
	for rows.Next() {
		var h MessageHit
		if err := rows.Scan(&h.ID, &h.ConversationID, &h.AuthorID, &h.Role, &h.Body, &h.CaptureID, &h.CreatedAt,
			&h.BoardID, &h.BoardTitle); err != nil {
			return nil, fmt.Errorf("scan message hit: %w", err)
		}
		items = append(items, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message hits: %w", err)
	}
	return items, nil
}

// GetTutorSession returns nil when the board has no tutoring episode yet.
func (s *PostgresStore) GetTutorSession(ctx context.Context, boardID string) (*TutorSessionRow, error) {
	var row TutorSessionRow
	err := s.db.QueryRowContext(ctx, `
		SELECT board_id, plan, state, updated_at FROM tutor_sessions WHERE board_id=$1
	`, boardID).Scan(&row.BoardID, &row.Plan, &row.State, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tutor session: %w", err)
	}
	return &row, nil
}

// PutTutorSession writes plan and progress in one statement so a crash
// can never leave a plan paired with another plan's progress.
func (s *PostgresStore) PutTutorSession(ctx context.Context, row TutorSessionRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tutor_sessions (board_id, plan, state, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (board_id) DO UPDATE SET plan=EXCLUDED.plan, state=EXCLUDED.state, updated_at=NOW()
	`, row.BoardID, []byte(row.Plan), []byte(row.State))
	if err != nil {
		return fmt.Errorf("put tutor session: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertCapture(ctx context.Context, c CaptureMeta) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO captures (id, board_id, mime_type, width, height, byte_size, over_budget, object_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, c.ID, c.BoardID, c.MimeType, c.Width, c.Height, c.ByteSize, c.OverBudget, c.ObjectKey)
	if err != nil {
		return fmt.Errorf("insert capture: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCapture(ctx context.Context, captureID string) (CaptureMeta, error) {
	var c CaptureMeta
	err := s.db.QueryRowContext(ctx, `
		SELECT id, board_id, mime_type, width, height, byte_size, over_budget, object_key, created_at
		FROM captures
		WHERE id=$1
	`, captureID).Scan(&c.ID, &c.BoardID, &c.MimeType, &c.Width, &c.Height, &c.ByteSize, &c.OverBudget, &c.ObjectKey, &c.CreatedAt)
	if err != nil {
		return CaptureMeta{}, err
	}
	return c, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
