package harness

import "github.com/dimagi/caseledger/internal/model"

// TraceEvent records one executed step.
type TraceEvent struct {
	Step int    `json:"step"`
	Op   string `json:"op"`

	// Target is the form or case id named by the step.
	Target string `json:"target,omitempty"`

	// Outcome is the submit outcome. FormID is the id the form was stored
	// under, which differs from Target for duplicates.
	Outcome string `json:"outcome,omitempty"`
	FormID  string `json:"form_id,omitempty"`

	// Error is the ledger error code the step failed with.
	Error string `json:"error,omitempty"`

	// Rebuilt lists cases whose aggregate changed.
	Rebuilt []string `json:"rebuilt,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true if every expect clause and assertion held.
	Pass bool `json:"pass"`

	Trace []TraceEvent `json:"trace"`

	// Errors lists failed expectations and assertions.
	Errors []string `json:"errors,omitempty"`

	// Cases holds every aggregate of the scenario domain after the last
	// step, sorted by case id.
	Cases []*model.Case `json:"cases,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a step record.
func (r *Result) AddTrace(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}
