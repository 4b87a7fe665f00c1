package models

import "time"

// ProgressEventType enumerates the kinds of append-only progress events the
// engine and event router emit.
type ProgressEventType string

const (
	EventWorkflowProgress  ProgressEventType = "workflow_progress"
	EventStepCompleted     ProgressEventType = "step_completed"
	EventETAUpdate         ProgressEventType = "eta_update"
	EventWorkflowCompleted ProgressEventType = "workflow_completed"
)

// ProgressEvent is an immutable, append-only record of a moment in an
// execution's life. SequenceNumber is strictly increasing per execution.
type ProgressEvent struct {
	ID                 string                 `db:"id" json:"id"`
	ExecutionID        string                 `db:"execution_id" json:"execution_id"`
	EventType          ProgressEventType      `db:"event_type" json:"event_type"`
	ProgressPercentage float64                `db:"progress_percentage" json:"progress_percentage"`
	ETASeconds         *int                   `db:"eta_seconds" json:"eta_seconds,omitempty"`
	CurrentStepDesc    string                 `db:"current_step_desc" json:"current_step_desc,omitempty"`
	EventDetails       map[string]interface{} `db:"event_details" json:"event_details,omitempty"`
	Timestamp          time.Time              `db:"timestamp" json:"timestamp"`
	SequenceNumber     int64                  `db:"sequence_number" json:"sequence_number"`
}

const maxCurrentStepDescLen = 256

// TruncateStepDesc bounds current_step_desc to the documented max length.
func TruncateStepDesc(desc string) string {
	if len(desc) <= maxCurrentStepDescLen {
		return desc
	}
	return desc[:maxCurrentStepDescLen]
}
