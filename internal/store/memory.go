package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pipeflow/engine/internal/errs"
	"github.com/pipeflow/engine/internal/models"
)

// MemoryStore is an in-process fake satisfying Store, used by unit tests in
// the engine, eventrouter, timeout, and retention packages so they exercise
// the same optimistic-locking contract as postgres.go without a live
// database.
type MemoryStore struct {
	mu            sync.Mutex
	executions    map[string]*models.PipelineExecution
	steps         map[string]*models.StepExecution
	progress      map[string][]*models.ProgressEvent
	sequences     map[string]int64
	subscriptions map[string][]*models.ExecutionSubscription
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		executions:    make(map[string]*models.PipelineExecution),
		steps:         make(map[string]*models.StepExecution),
		progress:      make(map[string][]*models.ProgressEvent),
		sequences:     make(map[string]int64),
		subscriptions: make(map[string][]*models.ExecutionSubscription),
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
func (m *MemoryStore) Close() error                   { return nil }

func cloneExecution(e *models.PipelineExecution) *models.PipelineExecution {
	cp := *e
	return &cp
}

func (m *MemoryStore) CreateExecution(ctx context.Context, exec *models.PipelineExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[exec.ID] = cloneExecution(exec)
	return nil
}

func (m *MemoryStore) GetExecution(ctx context.Context, id string) (*models.PipelineExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, nil
	}
	return cloneExecution(e), nil
}

func (m *MemoryStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*models.PipelineExecution, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	matched := make([]*models.PipelineExecution, 0)
	for _, e := range m.executions {
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.Initiator != "" && e.Initiator != filter.Initiator {
			continue
		}
		if filter.CreatedAfter != nil && e.CreatedAt.Before(*filter.CreatedAfter) {
			continue
		}
		if filter.CreatedBefore != nil && !e.CreatedAt.Before(*filter.CreatedBefore) {
			continue
		}
		matched = append(matched, e)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	total := len(matched)

	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	start := (page - 1) * pageSize
	if start >= total {
		return []*models.PipelineExecution{}, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	out := make([]*models.PipelineExecution, 0, end-start)
	for _, e := range matched[start:end] {
		out = append(out, cloneExecution(e))
	}
	return out, total, nil
}

func (m *MemoryStore) UpdateExecutionWithVersion(ctx context.Context, id string, expectedVersion int64, patch ExecutionPatch) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return 0, errs.New(errs.KindPersistenceUnavail, "execution not found: "+id)
	}
	if e.Version != expectedVersion {
		return 0, errs.Wrap(errs.KindOptimisticLock, "execution version mismatch: "+id, nil)
	}
	if patch.Status != nil {
		e.Status = *patch.Status
	}
	if patch.ProgressPercentage != nil {
		e.ProgressPercentage = *patch.ProgressPercentage
	}
	if patch.StartTime != nil {
		e.StartTime = patch.StartTime
	}
	if patch.EndTime != nil {
		e.EndTime = patch.EndTime
	}
	if patch.FinalOutputs != nil {
		e.FinalOutputs = patch.FinalOutputs
	}
	if patch.ErrorInfo != nil {
		e.ErrorInfo = patch.ErrorInfo
	}
	e.Version++
	e.UpdatedAt = time.Now().UTC()
	return e.Version, nil
}

func (m *MemoryStore) DeleteExecution(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.executions, id)
	return nil
}

func cloneStep(s *models.StepExecution) *models.StepExecution {
	cp := *s
	return &cp
}

func (m *MemoryStore) CreateStep(ctx context.Context, step *models.StepExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps[step.ID] = cloneStep(step)
	return nil
}

func (m *MemoryStore) GetStep(ctx context.Context, id string) (*models.StepExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.steps[id]
	if !ok {
		return nil, nil
	}
	return cloneStep(s), nil
}

func (m *MemoryStore) GetStepByExternalWorkflowID(ctx context.Context, externalWorkflowID string) (*models.StepExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.steps {
		if s.ExternalWorkflowID == externalWorkflowID {
			return cloneStep(s), nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) GetStepsByExecution(ctx context.Context, executionID string) ([]*models.StepExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.StepExecution, 0)
	for _, s := range m.steps {
		if s.ExecutionID == executionID {
			out = append(out, cloneStep(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out, nil
}

func (m *MemoryStore) GetAwaitingStepsForExecution(ctx context.Context, executionID string) ([]*models.StepExecution, error) {
	all, _ := m.GetStepsByExecution(ctx, executionID)
	out := make([]*models.StepExecution, 0)
	for _, s := range all {
		if s.AwaitingEvent {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListAwaitingPastDeadline(ctx context.Context, now time.Time) ([]*models.StepExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.StepExecution, 0)
	for _, s := range m.steps {
		if s.AwaitingEvent && s.EventDeadline != nil && s.EventDeadline.Before(now) {
			out = append(out, cloneStep(s))
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateStepWithVersion(ctx context.Context, id string, expectedVersion int64, patch StepPatch) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.steps[id]
	if !ok {
		return 0, errs.New(errs.KindPersistenceUnavail, "step not found: "+id)
	}
	if s.Version != expectedVersion {
		return 0, errs.Wrap(errs.KindOptimisticLock, "step version mismatch: "+id, nil)
	}
	applyStepPatch(s, patch)
	s.Version++
	s.UpdatedAt = time.Now().UTC()
	return s.Version, nil
}

func applyStepPatch(s *models.StepExecution, patch StepPatch) {
	if patch.Status != nil {
		s.Status = *patch.Status
	}
	if patch.ProgressPercentage != nil {
		s.ProgressPercentage = *patch.ProgressPercentage
	}
	if patch.Outputs != nil {
		s.Outputs = patch.Outputs
	}
	if patch.ErrorMessage != nil {
		s.ErrorMessage = *patch.ErrorMessage
	}
	if patch.RetryCount != nil {
		s.RetryCount = *patch.RetryCount
	}
	if patch.AwaitingEvent != nil {
		s.AwaitingEvent = *patch.AwaitingEvent
	}
	if patch.ExternalWorkflowID != nil {
		s.ExternalWorkflowID = *patch.ExternalWorkflowID
	}
	if patch.EventDeadline != nil {
		s.EventDeadline = patch.EventDeadline
	}
	if patch.StartTime != nil {
		s.StartTime = patch.StartTime
	}
	if patch.EndTime != nil {
		s.EndTime = patch.EndTime
	}
}

func (m *MemoryStore) CompleteStepFromEvent(ctx context.Context, id string, expectedVersion int64, status models.StepStatus, outputs map[string]interface{}, errMsg string) (int64, error) {
	patch := StepPatch{
		Status:        &status,
		Outputs:       outputs,
		AwaitingEvent: boolPtr(false),
		EndTime:       timePtr(time.Now().UTC()),
	}
	if errMsg != "" {
		patch.ErrorMessage = &errMsg
	}
	return m.UpdateStepWithVersion(ctx, id, expectedVersion, patch)
}

func (m *MemoryStore) DeleteStepsByExecution(ctx context.Context, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.steps {
		if s.ExecutionID == executionID {
			delete(m.steps, id)
		}
	}
	return nil
}

func (m *MemoryStore) AppendProgressEvent(ctx context.Context, event *models.ProgressEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequences[event.ExecutionID]++
	event.SequenceNumber = m.sequences[event.ExecutionID]
	cp := *event
	m.progress[event.ExecutionID] = append(m.progress[event.ExecutionID], &cp)
	return nil
}

func (m *MemoryStore) ListProgressEvents(ctx context.Context, executionID string, filter ProgressFilter) ([]*models.ProgressEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := m.progress[executionID]
	out := make([]*models.ProgressEvent, 0, len(events))
	for _, e := range events {
		if filter.EventType != "" && e.EventType != filter.EventType {
			continue
		}
		if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
			continue
		}
		out = append(out, e)
	}
	if filter.OrderBySequence {
		sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	}
	limit := filter.Limit
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) GetLatestProgressEvent(ctx context.Context, executionID string) (*models.ProgressEvent, error) {
	events, err := m.ListProgressEvents(ctx, executionID, ProgressFilter{OrderBySequence: true})
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return events[len(events)-1], nil
}

func (m *MemoryStore) DeleteProgressEventsByExecution(ctx context.Context, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.progress, executionID)
	delete(m.sequences, executionID)
	return nil
}

func (m *MemoryStore) CreateSubscriptions(ctx context.Context, subs []*models.ExecutionSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range subs {
		cp := *sub
		m.subscriptions[sub.ExecutionID] = append(m.subscriptions[sub.ExecutionID], &cp)
	}
	return nil
}

func (m *MemoryStore) GetActiveTopics(ctx context.Context, executionID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0)
	for _, sub := range m.subscriptions[executionID] {
		if sub.DeliveryStatus == models.DeliveryActive {
			out = append(out, sub.CallbackTopic)
		}
	}
	return out, nil
}

func (m *MemoryStore) findSubscription(id string) *models.ExecutionSubscription {
	for _, subs := range m.subscriptions {
		for _, s := range subs {
			if s.ID == id {
				return s
			}
		}
	}
	return nil
}

func (m *MemoryStore) MarkDeliverySuccess(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.findSubscription(id); s != nil {
		s.DeliveryStatus = models.DeliveryActive
	}
	return nil
}

func (m *MemoryStore) MarkDeliveryFailed(ctx context.Context, id string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.findSubscription(id); s != nil {
		s.DeliveryStatus = models.DeliveryFailed
	}
	return nil
}

func (m *MemoryStore) ExpireSubscription(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.findSubscription(id); s != nil {
		s.DeliveryStatus = models.DeliveryExpired
	}
	return nil
}

func (m *MemoryStore) DeleteSubscriptionsByExecution(ctx context.Context, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscriptions, executionID)
	return nil
}

func (m *MemoryStore) ListExecutionsForRetention(ctx context.Context, cutoff time.Time, batchSize int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0)
	for id, e := range m.executions {
		if !e.Status.IsTerminal() {
			continue
		}
		if e.CreatedAt.Before(cutoff) {
			out = append(out, id)
			if len(out) >= batchSize {
				break
			}
		}
	}
	return out, nil
}
