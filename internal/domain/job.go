package domain

import (
	"time"

	"github.com/google/uuid"
)

// Job is the durable document describing one pipeline run. It is the single
// source of truth for the pipeline's state; queue messages carry only
// identifiers into it.
type Job struct {
	ID     uuid.UUID `json:"job_id"`
	UserID string    `json:"user_id,omitempty"`

	Status      JobStatus        `json:"status"`
	Steps       []JobStep        `json:"steps"`
	Transitions []StepTransition `json:"step_transitions,omitempty"`

	// Cursor is the declared index of the current resume point. It advances
	// to the earliest failed step on retry.
	Cursor int `json:"cursor"`
	// Generation counts retries; terminal transitions happen at most once
	// per generation.
	Generation int `json:"generation"`

	// Revision is the storage concurrency token for compare-and-set saves.
	Revision int64 `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Step returns the step with the given name, or nil.
func (j *Job) Step(name string) *JobStep {
	for i := range j.Steps {
		if j.Steps[i].Name == name {
			return &j.Steps[i]
		}
	}
	return nil
}

// Incoming returns the transitions targeting the named step.
func (j *Job) Incoming(name string) []StepTransition {
	var out []StepTransition
	for _, t := range j.Transitions {
		if t.To == name {
			out = append(out, t)
		}
	}
	return out
}

// Outgoing returns the transitions originating at the named step.
func (j *Job) Outgoing(name string) []StepTransition {
	var out []StepTransition
	for _, t := range j.Transitions {
		if t.From == name {
			out = append(out, t)
		}
	}
	return out
}

// AllSatisfied reports whether every step produced usable outputs.
func (j *Job) AllSatisfied() bool {
	for i := range j.Steps {
		if !j.Steps[i].AggregateStatus().Satisfied() {
			return false
		}
	}
	return len(j.Steps) > 0
}

// HasInFlight reports whether any step (or instance) is dispatched or
// processing.
func (j *Job) HasInFlight() bool {
	for i := range j.Steps {
		s := &j.Steps[i]
		if s.FannedOut() {
			for k := range s.Instances {
				if s.Instances[k].Status.InFlight() {
					return true
				}
			}
			continue
		}
		if s.Status.InFlight() {
			return true
		}
	}
	return false
}

// HasFailed reports whether any step (or instance) failed.
func (j *Job) HasFailed() bool {
	for i := range j.Steps {
		if j.Steps[i].AggregateStatus() == StepFailed {
			return true
		}
	}
	return false
}

// EarliestFailed returns the failed step with the lowest declared order,
// the resume point for retries.
func (j *Job) EarliestFailed() *JobStep {
	for i := range j.Steps {
		if j.Steps[i].AggregateStatus() == StepFailed {
			return &j.Steps[i]
		}
	}
	return nil
}

// Downstream computes the set of step names transitively depending on the
// named step, including the step itself.
func (j *Job) Downstream(name string) map[string]bool {
	closure := map[string]bool{name: true}
	for changed := true; changed; {
		changed = false
		for _, t := range j.Transitions {
			if closure[t.From] && !closure[t.To] {
				closure[t.To] = true
				changed = true
			}
		}
	}
	return closure
}

// Touch bumps the document's updated timestamp.
func (j *Job) Touch() { j.UpdatedAt = time.Now().UTC() }
