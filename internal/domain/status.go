package domain

// JobStatus is the overall lifecycle status of a job document.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobComplete   JobStatus = "complete"
	JobFailed     JobStatus = "failed"
	JobRetrying   JobStatus = "retrying"
)

// StepStatus is the lifecycle status of a single step (or step instance).
type StepStatus string

const (
	StepPending       StepStatus = "pending"
	StepReady         StepStatus = "ready"
	StepDispatched    StepStatus = "dispatched"
	StepProcessing    StepStatus = "processing"
	StepComplete      StepStatus = "complete"
	StepFailed        StepStatus = "failed"
	StepSkippedCached StepStatus = "skipped-cached"
)

// Satisfied reports whether the step produced usable outputs.
func (s StepStatus) Satisfied() bool {
	return s == StepComplete || s == StepSkippedCached
}

// InFlight reports whether a worker may still be acting on the step.
func (s StepStatus) InFlight() bool {
	return s == StepDispatched || s == StepProcessing
}

// Terminal reports whether the step cannot change without a retry reset.
func (s StepStatus) Terminal() bool {
	return s.Satisfied() || s == StepFailed
}

// ErrorType distinguishes worker-surfaced failures from environment failures.
type ErrorType string

const (
	ErrTypeApplication    ErrorType = "APPLICATION_ERROR"
	ErrTypeInfrastructure ErrorType = "INFRASTRUCTURE_ERROR"
)

// StepError is the structured error recorded on a failed step.
type StepError struct {
	Type    ErrorType      `json:"error_type"`
	Code    string         `json:"error_code"`
	Message string         `json:"error_message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *StepError) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Type) + "/" + e.Code + ": " + e.Message
}
