// Package store implements the persistence layer: durable CRUD for
// executions, steps, progress events, and subscriptions, with optimistic
// concurrency control via monotonically increasing versions. Every updating
// method takes the version the caller last read and fails with an
// optimistic-lock error if a concurrent writer got there first.
package store

import (
	"context"
	"time"

	"github.com/pipeflow/engine/internal/models"
)

// ExecutionFilter narrows a paginated execution listing.
type ExecutionFilter struct {
	Status       models.ExecutionStatus
	Initiator    string
	PipelineID   string
	CreatedAfter *time.Time
	CreatedBefore *time.Time
	Page         int
	PageSize     int
}

// ExecutionPatch is a partial update applied under optimistic locking.
type ExecutionPatch struct {
	Status             *models.ExecutionStatus
	ProgressPercentage *float64
	StartTime          *time.Time
	EndTime            *time.Time
	FinalOutputs       map[string]interface{}
	ErrorInfo          *models.ErrorInfo
}

// StepPatch is a partial update applied to a StepExecution under optimistic
// locking.
type StepPatch struct {
	Status             *models.StepStatus
	ProgressPercentage *float64
	Outputs            map[string]interface{}
	ErrorMessage       *string
	RetryCount         *int
	AwaitingEvent      *bool
	ExternalWorkflowID *string
	EventDeadline      *time.Time
	StartTime          *time.Time
	EndTime            *time.Time
}

// ProgressFilter narrows a progress-event listing.
type ProgressFilter struct {
	EventType       models.ProgressEventType
	Since           *time.Time
	OrderBySequence bool
	Limit           int
}

// Store is the full persistence contract. A Postgres-backed implementation
// (postgres.go) and an in-memory fake for unit tests (memory.go) both
// satisfy it.
type Store interface {
	// Executions
	CreateExecution(ctx context.Context, exec *models.PipelineExecution) error
	GetExecution(ctx context.Context, id string) (*models.PipelineExecution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*models.PipelineExecution, int, error)
	UpdateExecutionWithVersion(ctx context.Context, id string, expectedVersion int64, patch ExecutionPatch) (int64, error)
	DeleteExecution(ctx context.Context, id string) error

	// Steps
	CreateStep(ctx context.Context, step *models.StepExecution) error
	GetStep(ctx context.Context, id string) (*models.StepExecution, error)
	GetStepByExternalWorkflowID(ctx context.Context, externalWorkflowID string) (*models.StepExecution, error)
	GetStepsByExecution(ctx context.Context, executionID string) ([]*models.StepExecution, error)
	GetAwaitingStepsForExecution(ctx context.Context, executionID string) ([]*models.StepExecution, error)
	ListAwaitingPastDeadline(ctx context.Context, now time.Time) ([]*models.StepExecution, error)
	UpdateStepWithVersion(ctx context.Context, id string, expectedVersion int64, patch StepPatch) (int64, error)
	CompleteStepFromEvent(ctx context.Context, id string, expectedVersion int64, status models.StepStatus, outputs map[string]interface{}, errMsg string) (int64, error)
	DeleteStepsByExecution(ctx context.Context, executionID string) error

	// Progress events
	AppendProgressEvent(ctx context.Context, event *models.ProgressEvent) error
	ListProgressEvents(ctx context.Context, executionID string, filter ProgressFilter) ([]*models.ProgressEvent, error)
	GetLatestProgressEvent(ctx context.Context, executionID string) (*models.ProgressEvent, error)
	DeleteProgressEventsByExecution(ctx context.Context, executionID string) error

	// Subscriptions
	CreateSubscriptions(ctx context.Context, subs []*models.ExecutionSubscription) error
	GetActiveTopics(ctx context.Context, executionID string) ([]string, error)
	MarkDeliverySuccess(ctx context.Context, id string) error
	MarkDeliveryFailed(ctx context.Context, id string, reason string) error
	ExpireSubscription(ctx context.Context, id string) error
	DeleteSubscriptionsByExecution(ctx context.Context, executionID string) error

	// Retention
	ListExecutionsForRetention(ctx context.Context, cutoff time.Time, batchSize int) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}
