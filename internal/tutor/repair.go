package tutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"easel/api/internal/llm"
	"easel/api/internal/util"
)

// ErrUnparsablePlan is returned once continuations and the clean retry
// are exhausted. Callers fall back to a degraded message; previously
// persisted plan/state is never touched on this path.
var ErrUnparsablePlan = errors.New("plan output unparsable after retries")

// DegradedMessage is the user-facing fallback when plan generation
// cannot produce usable structured output.
const DegradedMessage = "I couldn't put together a step-by-step plan just now. " +
	"Let's keep going from where we were - ask me again or rephrase the exercise."

// generatePlan runs the full repair pipeline: detect truncation, ask for
// bounded continuations merged at the seam, then one strict clean retry.
func (m *Machine) generatePlan(ctx context.Context, req llm.PlanRequest) (Plan, error) {
	comp, err := m.gen.GeneratePlan(ctx, req)
	if err != nil {
		return Plan{}, fmt.Errorf("generate plan: %w", err)
	}

	text := comp.Text
	for i := 0; i < m.maxContinuations && looksTruncated(comp, text); i++ {
		cont, err := m.gen.ContinuePlan(ctx, req, text)
		if err != nil {
			log.Printf("tutor: plan continuation %d failed: %v", i+1, err)
			break
		}
		text = mergeContinuation(text, cont.Text)
		comp = cont
	}

	if plan, err := parsePlan(text); err == nil {
		return plan, nil
	}

	// One full clean retry with a corrective instruction.
	strict := req
	strict.Strict = true
	retry, err := m.gen.GeneratePlan(ctx, strict)
	if err != nil {
		return Plan{}, fmt.Errorf("strict plan retry: %w", err)
	}
	plan, err := parsePlan(retry.Text)
	if err != nil {
		return Plan{}, fmt.Errorf("%w: %v", ErrUnparsablePlan, err)
	}
	return plan, nil
}

// looksTruncated combines the model's own stop reason with a bracket
// balance heuristic over the text.
func looksTruncated(comp llm.Completion, text string) bool {
	return comp.Truncated || !balanced(text)
}

// balanced reports whether every brace and bracket outside of string
// literals is closed. Unbalanced output is the fingerprint of a
// token-limit cut in the middle of JSON.
func balanced(s string) bool {
	depth := 0
	inString := false
	escaped := false
	opened := false
	for _, r := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{', '[':
			depth++
			opened = true
		case '}', ']':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return opened && depth == 0 && !inString
}

// mergeContinuation joins a continuation onto the prior partial output,
// removing duplicated content at the seam by finding the longest suffix
// of the partial that is also a prefix of the continuation.
func mergeContinuation(partial, continuation string) string {
	continuation = stripFences(continuation)
	max := len(partial)
	if len(continuation) < max {
		max = len(continuation)
	}
	for k := max; k > 0; k-- {
		if strings.HasSuffix(partial, continuation[:k]) {
			return partial + continuation[k:]
		}
	}
	return partial + continuation
}

// planWire is the strict structure the model is asked for.
type planWire struct {
	Goal           string   `json:"goal"`
	Prerequisites  []string `json:"prerequisites"`
	CommonMistakes []string `json:"commonMistakes"`
	Steps          []Step   `json:"steps"`
}

// parsePlan validates raw model output into an immutable Plan with a
// fresh identity.
func parsePlan(text string) (Plan, error) {
	cleaned := stripFences(text)
	var wire planWire
	if err := json.Unmarshal([]byte(cleaned), &wire); err != nil {
		return Plan{}, fmt.Errorf("unmarshal plan: %w", err)
	}
	if wire.Goal == "" {
		return Plan{}, errors.New("plan has no goal")
	}
	if len(wire.Steps) == 0 {
		return Plan{}, errors.New("plan has no steps")
	}
	seen := make(map[string]struct{}, len(wire.Steps))
	for i, step := range wire.Steps {
		if step.ID == "" || step.Title == "" {
			return Plan{}, fmt.Errorf("step %d missing id or title", i)
		}
		if _, dup := seen[step.ID]; dup {
			return Plan{}, fmt.Errorf("duplicate step id %q", step.ID)
		}
		seen[step.ID] = struct{}{}
	}
	return Plan{
		ID:             util.NewID("plan"),
		Goal:           wire.Goal,
		Prerequisites:  wire.Prerequisites,
		CommonMistakes: wire.CommonMistakes,
		Steps:          wire.Steps,
	}, nil
}

// stripFences removes a wrapping markdown code fence, which models add
// despite instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
