// Package tutor implements the server-persisted tutoring session: an
// immutable model-generated plan, a mutable progress state with
// monotonic completion, and the repair pipeline for truncated model
// output.
package tutor

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
)

// Step is one pedagogical unit of a plan. IDs are model-assigned,
// unique within the plan and stable for its lifetime.
type Step struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	SuccessCriteria string `json:"successCriteria"`
	HintPolicy      string `json:"hintPolicy,omitempty"`
}

// Plan is one exercise episode. Immutable once generated: a new episode
// means a new plan, never an edit.
type Plan struct {
	ID             string   `json:"id"`
	Goal           string   `json:"goal"`
	Prerequisites  []string `json:"prerequisites,omitempty"`
	CommonMistakes []string `json:"commonMistakes,omitempty"`
	Steps          []Step   `json:"steps"`
}

func (p Plan) HasStep(id string) bool {
	for _, s := range p.Steps {
		if s.ID == id {
			return true
		}
	}
	return false
}

// State is the mutable progress record against a plan. CompletedStepIDs
// only ever grows within one episode; CurrentStepID is empty when every
// step is done.
type State struct {
	CurrentStepID    string   `json:"currentStepId,omitempty"`
	CompletedStepIDs []string `json:"completedStepIds"`
	Status           Status   `json:"status"`
}

func (s State) Completed(stepID string) bool {
	for _, id := range s.CompletedStepIDs {
		if id == stepID {
			return true
		}
	}
	return false
}

// Session pairs a plan with its progress. The two are persisted as one
// unit: a turn either commits the full recomputed pair or nothing.
type Session struct {
	Plan  Plan  `json:"plan"`
	State State `json:"state"`
}

// remaining returns the not-yet-completed step IDs in plan order.
func (s Session) remaining() []string {
	var out []string
	for _, step := range s.Plan.Steps {
		if !s.State.Completed(step.ID) {
			out = append(out, step.ID)
		}
	}
	return out
}
