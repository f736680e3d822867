// Package llm is the model-inference boundary: plan generation, plan
// continuation and chat turns, with an explicit truncation signal so
// callers can tell a complete response from one cut off by token limits.
package llm

import (
	"context"
	"encoding/json"
)

// Completion is one model response. Truncated means the model stopped
// because of its output length limit, so structured output is suspect.
type Completion struct {
	Text      string
	Truncated bool
}

// PlanRequest carries the context a tutor plan is generated from.
type PlanRequest struct {
	Prompt         string
	Locale         string
	CaptureSummary json.RawMessage
	CaptureDataURL string
	CaptureMime    string
	// Strict asks for a corrective, schema-only retry after a parse
	// failure.
	Strict bool
}

// TurnRequest carries the context for one chat turn, board or tutor.
type TurnRequest struct {
	Prompt         string
	Locale         string
	CaptureDataURL string
	CaptureMime    string
	// PlanContext is a rendered view of the active plan and progress,
	// present on tutor turns only.
	PlanContext string
}

// StreamFunc receives ordered text deltas during a streaming turn.
type StreamFunc func(delta string) error

// Client is the inference boundary consumed by the tutor machine and
// the chat service.
type Client interface {
	GeneratePlan(ctx context.Context, req PlanRequest) (Completion, error)
	// ContinuePlan asks the model to resume truncated structured output
	// exactly where it stopped.
	ContinuePlan(ctx context.Context, req PlanRequest, partial string) (Completion, error)
	TutorTurn(ctx context.Context, req TurnRequest, stream StreamFunc) (Completion, error)
	BoardTurn(ctx context.Context, req TurnRequest, stream StreamFunc) (Completion, error)
}
