package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// StatusQueue is the queue workers report step outcomes to.
const StatusQueue = "job_status_events"

// ServiceQueue returns the request queue name for a worker service.
func ServiceQueue(service string) string { return service + "_queue" }

// JoinCounterKey is the bus key for a fan-in counter.
func JoinCounterKey(jobID uuid.UUID, stepName string) string {
	return fmt.Sprintf("job:%s:join:%s", jobID, stepName)
}

// StepReadyMessage is the thin message dispatched onto a service queue.
// Workers hydrate the full step context through the orchestration API.
type StepReadyMessage struct {
	JobID         uuid.UUID `json:"job_id"`
	StepName      string    `json:"step_name"`
	InstanceIndex *int      `json:"instance_index,omitempty"`
}

// Outcome values carried by StepStatusEvent.
const (
	OutcomeComplete = "complete"
	OutcomeFailed   = "failed"
)

// StepStatusEvent is a worker's report on the status queue.
type StepStatusEvent struct {
	JobID           uuid.UUID         `json:"job_id"`
	StepName        string            `json:"step_name"`
	InstanceIndex   *int              `json:"instance_index,omitempty"`
	Outcome         string            `json:"outcome"`
	Outputs         map[string]string `json:"outputs,omitempty"`
	OutputChecksums map[string]string `json:"output_checksums,omitempty"`
	Error           *StepError        `json:"error,omitempty"`
}
