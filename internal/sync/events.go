// Package sync implements the per-board realtime channel: membership,
// fan-out of scene deltas and cursors over websockets, and the
// client-side broadcast discipline (coalescing, suppression, deferral).
package sync

import (
	"encoding/json"
	"errors"
	"fmt"

	"easel/api/internal/scene"
)

type EventType string

const (
	EventJoin             EventType = "join"
	EventLeave            EventType = "leave"
	EventSceneDelta       EventType = "scene-delta"
	EventCursor           EventType = "cursor"
	EventParticipantCount EventType = "participant-count"
)

var ErrUnknownEvent = errors.New("unknown event type")

// CursorPosition is a live pointer location in scene coordinates.
type CursorPosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Frame is the wire envelope for every channel event. The Type tag is a
// closed set; decoding rejects anything outside it so a new event kind
// is an explicit code change, not a silently-dropped default case.
type Frame struct {
	Type          EventType       `json:"type"`
	BoardID       string          `json:"boardId,omitempty"`
	ParticipantID string          `json:"participantId,omitempty"`
	DisplayName   string          `json:"displayName,omitempty"`
	Delta         *scene.Delta    `json:"delta,omitempty"`
	Cursor        *CursorPosition `json:"cursor,omitempty"`
	Count         int             `json:"count,omitempty"`
}

// DecodeFrame parses and validates one inbound frame.
func DecodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	switch f.Type {
	case EventJoin:
		if f.BoardID == "" || f.ParticipantID == "" {
			return Frame{}, errors.New("join requires boardId and participantId")
		}
	case EventLeave:
		// No payload beyond the envelope.
	case EventSceneDelta:
		if f.Delta == nil {
			return Frame{}, errors.New("scene-delta requires a delta payload")
		}
	case EventCursor:
		if f.Cursor == nil {
			return Frame{}, errors.New("cursor requires a position")
		}
	case EventParticipantCount:
		// Server-originated only; clients never send it.
		return Frame{}, errors.New("participant-count is not a client event")
	default:
		return Frame{}, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Type)
	}
	return f, nil
}

func countFrame(boardID string, count int) Frame {
	return Frame{Type: EventParticipantCount, BoardID: boardID, Count: count}
}
