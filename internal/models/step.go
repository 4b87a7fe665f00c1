package models

import "time"

// StepStatus is the lifecycle state of a StepExecution.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
	StepTimeout   StepStatus = "TIMEOUT"
)

// IsTerminal reports whether the status admits no further transitions.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepTimeout:
		return true
	default:
		return false
	}
}

// SatisfiesDependency reports whether a step in this status lets a
// downstream step consider the dependency met. SKIPPED satisfies soft
// dependencies; hard dependencies require COMPLETED.
func (s StepStatus) SatisfiesDependency(hard bool) bool {
	if s == StepCompleted {
		return true
	}
	if hard {
		return false
	}
	return s == StepSkipped
}

// StepExecution is the durable record of one step within a PipelineExecution.
type StepExecution struct {
	ID                 string                 `db:"id" json:"id"`
	ExecutionID        string                 `db:"execution_id" json:"execution_id"`
	Version            int64                  `db:"version" json:"version"`
	StepID             string                 `db:"step_id" json:"step_id"`
	StepName           string                 `db:"step_name" json:"step_name"`
	Status             StepStatus             `db:"status" json:"status"`
	StartTime          *time.Time             `db:"start_time" json:"start_time,omitempty"`
	EndTime            *time.Time             `db:"end_time" json:"end_time,omitempty"`
	ProgressPercentage float64                `db:"progress_percentage" json:"progress_percentage"`
	Outputs            map[string]interface{} `db:"outputs" json:"outputs,omitempty"`
	ErrorMessage        string                `db:"error_message" json:"error_message,omitempty"`
	RetryCount          int                   `db:"retry_count" json:"retry_count"`
	SequenceNumber      int                   `db:"sequence_number" json:"sequence_number"`
	HandlerType         string                `db:"handler_type" json:"handler_type"`
	AwaitingEvent       bool                  `db:"awaiting_event" json:"awaiting_event"`
	ExternalWorkflowID  string                `db:"external_workflow_id" json:"external_workflow_id,omitempty"`
	EventDeadline       *time.Time            `db:"event_deadline" json:"event_deadline,omitempty"`
	CreatedAt           time.Time             `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time             `db:"updated_at" json:"updated_at"`
}
