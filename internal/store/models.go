package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	ResetToken            string
	ResetExpiresAt        *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type Board struct {
	ID             string
	OwnerID        string
	Title          string
	SceneUpdatedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	// Role is the joined membership role of the requesting user, when
	// the query carries one.
	Role string
}

type BoardMember struct {
	BoardID     string
	UserID      string
	Role        string
	DisplayName string
	Email       string
	CreatedAt   time.Time
}

type Conversation struct {
	ID        string
	BoardID   string
	Mode      string // "board" or "tutor"
	CreatedAt time.Time
}

type Message struct {
	ID             string
	ConversationID string
	AuthorID       *string // nil for assistant turns
	Role           string  // "user" or "assistant"
	Body           string
	CaptureID      *string
	CreatedAt      time.Time
}

// MessageHit is a search result row: the message plus enough context to
// link back to its board.
type MessageHit struct {
	Message
	BoardID    string
	BoardTitle string
}

type CaptureMeta struct {
	ID         string
	BoardID    string
	MimeType   string
	Width      int
	Height     int
	ByteSize   int
	OverBudget bool
	ObjectKey  string
	CreatedAt  time.Time
}

// TutorSessionRow carries the persisted plan and progress documents as
// raw JSON; the tutor package owns their shape.
type TutorSessionRow struct {
	BoardID   string
	Plan      json.RawMessage
	State     json.RawMessage
	UpdatedAt time.Time
}
