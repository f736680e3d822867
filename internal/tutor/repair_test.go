package tutor

import (
	"context"
	"errors"
	"testing"

	"easel/api/internal/llm"
)

func TestBalanced(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"complete object", `{"a":[1,2],"b":{"c":3}}`, true},
		{"cut mid-array", `{"a":[1,2`, false},
		{"cut mid-string", `{"a":"hel`, false},
		{"brace inside string", `{"a":"ends with }"}`, true},
		{"escaped quote", `{"a":"say \"hi\""}`, true},
		{"extra closer", `{"a":1}}`, false},
		{"empty", ``, false},
		{"no structure at all", `just prose`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := balanced(tt.in); got != tt.want {
				t.Errorf("balanced(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestMergeContinuation(t *testing.T) {
	tests := []struct {
		name                  string
		partial, continuation string
		want                  string
	}{
		{
			name:         "overlap at seam removed",
			partial:      `{"steps":[{"id":"s1","ti`,
			continuation: `"ti tle" no wait`,
			want:         `{"steps":[{"id":"s1","ti tle" no wait`,
		},
		{
			name:         "no overlap appends",
			partial:      `{"goal":"x","steps":[`,
			continuation: `{"id":"s1"}]}`,
			want:         `{"goal":"x","steps":[{"id":"s1"}]}`,
		},
		{
			name:         "full duplication collapses",
			partial:      `{"goal":`,
			continuation: `{"goal":`,
			want:         `{"goal":`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mergeContinuation(tt.partial, tt.continuation); got != tt.want {
				t.Errorf("mergeContinuation = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParsePlan(t *testing.T) {
	t.Run("valid with fences", func(t *testing.T) {
		plan, err := parsePlan("```json\n" + planJSON("step", 2) + "\n```")
		if err != nil {
			t.Fatalf("parsePlan failed: %v", err)
		}
		if plan.ID == "" {
			t.Error("plan was not assigned an identity")
		}
		if len(plan.Steps) != 2 {
			t.Errorf("steps = %d, want 2", len(plan.Steps))
		}
	})

	t.Run("rejects duplicate step ids", func(t *testing.T) {
		raw := `{"goal":"g","steps":[{"id":"s1","title":"a"},{"id":"s1","title":"b"}]}`
		if _, err := parsePlan(raw); err == nil {
			t.Error("duplicate step ids accepted")
		}
	})

	t.Run("rejects empty steps", func(t *testing.T) {
		if _, err := parsePlan(`{"goal":"g","steps":[]}`); err == nil {
			t.Error("empty plan accepted")
		}
	})
}

func TestTruncatedPlanIsContinued(t *testing.T) {
	full := planJSON("step", 3)
	cut := len(full) - 40

	store := newFakeStore()
	gen := &fakeGen{
		plans: []llm.Completion{{Text: full[:cut], Truncated: true}},
		conts: []llm.Completion{{Text: full[cut:]}},
	}
	m := NewMachine(store, gen)

	sess, _, err := m.EnsureSession(context.Background(), "conv1", llm.PlanRequest{})
	if err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	if len(sess.Plan.Steps) != 3 {
		t.Errorf("continued plan has %d steps, want 3", len(sess.Plan.Steps))
	}
	if len(gen.conts) != 0 {
		t.Error("continuation was never requested")
	}
}

func TestContinuationWithSeamOverlap(t *testing.T) {
	full := planJSON("step", 3)
	cut := len(full) - 40

	store := newFakeStore()
	gen := &fakeGen{
		plans: []llm.Completion{{Text: full[:cut], Truncated: true}},
		// Model re-emits the last 10 characters before continuing.
		conts: []llm.Completion{{Text: full[cut-10:]}},
	}
	m := NewMachine(store, gen)

	sess, _, err := m.EnsureSession(context.Background(), "conv1", llm.PlanRequest{})
	if err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	if len(sess.Plan.Steps) != 3 {
		t.Errorf("seam merge produced %d steps, want 3", len(sess.Plan.Steps))
	}
}

func TestCleanRetryAfterUnparsableOutput(t *testing.T) {
	store := newFakeStore()
	gen := &fakeGen{
		plans: []llm.Completion{
			{Text: `{"goal": oops this is not json}`},
			{Text: planJSON("step", 2)},
		},
	}
	m := NewMachine(store, gen)

	sess, _, err := m.EnsureSession(context.Background(), "conv1", llm.PlanRequest{})
	if err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	if len(sess.Plan.Steps) != 2 {
		t.Errorf("retry plan has %d steps, want 2", len(sess.Plan.Steps))
	}
	if len(gen.requests) != 2 {
		t.Fatalf("expected 2 generation requests, got %d", len(gen.requests))
	}
	if !gen.requests[1].Strict {
		t.Error("clean retry was not marked strict")
	}
}

func TestExhaustedRepairFailsWithoutCorruption(t *testing.T) {
	store := newFakeStore()
	gen := &fakeGen{
		plans: []llm.Completion{
			{Text: `broken`, Truncated: true},
			{Text: `still broken`},
		},
		conts: []llm.Completion{
			{Text: `more broken`},
			{Text: `even more`},
		},
	}
	m := NewMachine(store, gen)

	_, _, err := m.EnsureSession(context.Background(), "conv1", llm.PlanRequest{})
	if !errors.Is(err, ErrUnparsablePlan) {
		t.Fatalf("expected ErrUnparsablePlan, got %v", err)
	}
	if len(store.sessions) != 0 {
		t.Error("failed generation persisted state")
	}
	if len(gen.conts) != 0 {
		t.Errorf("continuation budget not exhausted, %d left", len(gen.conts))
	}
}
