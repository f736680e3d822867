package tutor

import (
	"context"
	"errors"
	"fmt"

	"easel/api/internal/llm"
)

var (
	// ErrNoSession is returned by Patch when the conversation has no
	// persisted tutor session yet.
	ErrNoSession = errors.New("no tutor session for conversation")

	// ErrUnknownStep is returned when a patch references a step ID the
	// plan does not contain.
	ErrUnknownStep = errors.New("step not in plan")

	// ErrStepCompleted is returned when a patch tries to re-focus onto
	// an already-completed step.
	ErrStepCompleted = errors.New("step already completed")

	// ErrDegraded signals that plan generation failed but a prior
	// session is still usable; callers should show a fallback message
	// instead of failing the turn.
	ErrDegraded = errors.New("tutor plan generation degraded")
)

// SessionStore is the persistence boundary. Get returns nil when the
// conversation has no session; Put writes the {plan, state} pair
// atomically.
type SessionStore interface {
	GetTutorSession(ctx context.Context, conversationID string) (*Session, error)
	PutTutorSession(ctx context.Context, conversationID string, sess Session) error
}

// Generator produces raw plan output, possibly truncated.
type Generator interface {
	GeneratePlan(ctx context.Context, req llm.PlanRequest) (llm.Completion, error)
	ContinuePlan(ctx context.Context, req llm.PlanRequest, partial string) (llm.Completion, error)
}

// Machine owns every tutor-state mutation. State is never assigned from
// outside, and no mutation is visible until the store confirms the
// write.
type Machine struct {
	store            SessionStore
	gen              Generator
	maxContinuations int
}

func NewMachine(store SessionStore, gen Generator) *Machine {
	return &Machine{store: store, gen: gen, maxContinuations: 2}
}

// EnsureSession runs the turn-start transition for a tutor-mode turn:
// generate lazily on the first turn, regenerate a fresh episode when
// every step is complete, otherwise repair a stale current step. The
// returned bool reports whether a new plan was generated this turn.
//
// When regeneration fails but a prior plan exists, the prior session is
// returned together with an error wrapping ErrDegraded; the persisted
// state is left untouched.
func (m *Machine) EnsureSession(ctx context.Context, conversationID string, req llm.PlanRequest) (*Session, bool, error) {
	sess, err := m.store.GetTutorSession(ctx, conversationID)
	if err != nil {
		return nil, false, fmt.Errorf("load tutor session: %w", err)
	}

	if sess == nil {
		fresh, err := m.newEpisode(ctx, conversationID, req)
		if err != nil {
			return nil, false, err
		}
		return fresh, true, nil
	}

	if len(sess.remaining()) == 0 {
		// Every step done: the next turn starts a new exercise.
		fresh, err := m.newEpisode(ctx, conversationID, req)
		if err != nil {
			return sess, false, fmt.Errorf("%w: %v", ErrDegraded, err)
		}
		return fresh, true, nil
	}

	if fixed := m.fixCurrentStep(sess); fixed {
		if err := m.store.PutTutorSession(ctx, conversationID, *sess); err != nil {
			return nil, false, fmt.Errorf("persist tutor session: %w", err)
		}
	}
	return sess, false, nil
}

// newEpisode generates and persists a brand-new {plan, state} pair.
func (m *Machine) newEpisode(ctx context.Context, conversationID string, req llm.PlanRequest) (*Session, error) {
	plan, err := m.generatePlan(ctx, req)
	if err != nil {
		return nil, err
	}
	sess := Session{
		Plan: plan,
		State: State{
			CurrentStepID:    plan.Steps[0].ID,
			CompletedStepIDs: []string{},
			Status:           StatusActive,
		},
	}
	if err := m.store.PutTutorSession(ctx, conversationID, sess); err != nil {
		return nil, fmt.Errorf("persist tutor session: %w", err)
	}
	return &sess, nil
}

// fixCurrentStep advances a missing, stale or already-completed current
// step to the first remaining step in plan order. Reports whether the
// state changed.
func (m *Machine) fixCurrentStep(sess *Session) bool {
	cur := sess.State.CurrentStepID
	if cur != "" && sess.Plan.HasStep(cur) && !sess.State.Completed(cur) {
		return false
	}
	remaining := sess.remaining()
	if len(remaining) == 0 {
		return false
	}
	sess.State.CurrentStepID = remaining[0]
	return true
}

// StatePatch is an explicit user action against tutor state: re-focus
// the current step, mark steps complete, or abandon the session.
type StatePatch struct {
	CurrentStepID   *string
	CompleteStepIDs []string
	Abandon         bool
}

// Patch applies a user state update under the machine's invariants:
// completions are monotonic, the current step is never a completed one,
// and status follows from the remaining set. The updated pair is
// persisted before it is returned.
func (m *Machine) Patch(ctx context.Context, conversationID string, patch StatePatch) (*Session, error) {
	sess, err := m.store.GetTutorSession(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load tutor session: %w", err)
	}
	if sess == nil {
		return nil, ErrNoSession
	}

	for _, id := range patch.CompleteStepIDs {
		if !sess.Plan.HasStep(id) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownStep, id)
		}
		if !sess.State.Completed(id) {
			sess.State.CompletedStepIDs = append(sess.State.CompletedStepIDs, id)
		}
	}

	if patch.CurrentStepID != nil {
		id := *patch.CurrentStepID
		if !sess.Plan.HasStep(id) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownStep, id)
		}
		if sess.State.Completed(id) {
			return nil, fmt.Errorf("%w: %q", ErrStepCompleted, id)
		}
		sess.State.CurrentStepID = id
	} else if len(patch.CompleteStepIDs) > 0 {
		remaining := sess.remaining()
		if len(remaining) == 0 {
			sess.State.CurrentStepID = ""
		} else {
			sess.State.CurrentStepID = remaining[0]
		}
	}

	if len(sess.remaining()) == 0 {
		sess.State.Status = StatusCompleted
		sess.State.CurrentStepID = ""
	} else {
		sess.State.Status = StatusActive
	}
	if patch.Abandon {
		sess.State.Status = StatusAbandoned
	}

	if err := m.store.PutTutorSession(ctx, conversationID, *sess); err != nil {
		return nil, fmt.Errorf("persist tutor session: %w", err)
	}
	return sess, nil
}
