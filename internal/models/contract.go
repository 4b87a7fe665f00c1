package models

import "context"

// InvokeServiceFunc is the bound helper an ActionContext hands to executors
// for calling out to downstream microservices. The engine supplies a concrete
// implementation backed by internal/invoker; tests may supply a stub.
type InvokeServiceFunc func(ctx context.Context, appID, path, method string, data map[string]interface{}, timeoutSeconds int) (map[string]interface{}, error)

// ActionContext is everything an executor's Execute needs: identity,
// resolved parameters, read-only visibility into prior step outputs, and the
// bound invoke_service helper. Executors hold no back-reference to the
// registry or the store; all effects flow through this value.
type ActionContext struct {
	Context       context.Context
	StepID        string
	ExecutionID   string
	Params        map[string]interface{}
	WorkflowParams map[string]interface{}
	PriorOutputs  map[string]map[string]interface{} // step_id -> outputs
	InvokeService InvokeServiceFunc
}

// ActionResult is what Execute returns. For event-driven actions
// AwaitingEvent is true and ExternalWorkflowID/TimeoutSeconds are populated;
// Success/Outputs/Error are used for the synchronous case.
type ActionResult struct {
	Success            bool
	Outputs            map[string]interface{}
	Error              string
	AwaitingEvent      bool
	ExternalWorkflowID string
	TimeoutSeconds     int
}

// EventContext is passed to on_event when an inbound event is routed to a
// step awaiting completion.
type EventContext struct {
	StepExecutionID    string
	ExecutionID        string
	ExternalWorkflowID string
	Payload            map[string]interface{}
	CurrentOutputs     map[string]interface{}
}

// EventAction is the verb half of an EventResult.
type EventAction string

const (
	EventActionComplete       EventAction = "COMPLETE"
	EventActionUpdateProgress EventAction = "UPDATE_PROGRESS"
	EventActionIgnore         EventAction = "IGNORE"
)

// EventResult is what on_event returns.
type EventResult struct {
	Action             EventAction
	Status             StepStatus // meaningful only when Action == COMPLETE
	Outputs            map[string]interface{}
	Error              string
	ProgressPercentage *float64 // set only when Action == UPDATE_PROGRESS
}

// Ignore is the zero-effort EventResult used when an event doesn't match.
func Ignore() EventResult { return EventResult{Action: EventActionIgnore} }

// Executor is the two-operation contract every registered action type must
// implement.
type Executor interface {
	Execute(ctx ActionContext) ActionResult
	OnEvent(ctx EventContext) EventResult
}
