// Package subscription validates callback topic names and tracks delivery
// status for an execution's outbound notification channels.
package subscription

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pipeflow/engine/internal/models"
	"github.com/pipeflow/engine/internal/store"
)

var topicPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.\-]*$`)

// Manager validates callback topics and manages ExecutionSubscription
// lifecycle on top of a Store.
type Manager struct {
	store      store.Store
	cacheMu    sync.RWMutex
	validCache map[string]bool
}

func New(s store.Store) *Manager {
	return &Manager{store: s, validCache: make(map[string]bool)}
}

// ClearTopicCache resets the in-process validation cache. Exposed for tests
// that need a clean cache between cases.
func (m *Manager) ClearTopicCache() {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	m.validCache = make(map[string]bool)
}

func (m *Manager) isValidTopic(topic string) bool {
	if topic == "" {
		return false
	}
	m.cacheMu.RLock()
	if v, ok := m.validCache[topic]; ok {
		m.cacheMu.RUnlock()
		return v
	}
	m.cacheMu.RUnlock()

	v := topicPattern.MatchString(topic)
	m.cacheMu.Lock()
	m.validCache[topic] = v
	m.cacheMu.Unlock()
	return v
}

// ValidateTopics partitions topics into valid and invalid per the topic
// name rule, using and populating the in-process cache.
func (m *Manager) ValidateTopics(topics []string) (valid []string, invalid []string) {
	for _, t := range topics {
		if m.isValidTopic(t) {
			valid = append(valid, t)
		} else {
			invalid = append(invalid, t)
		}
	}
	return valid, invalid
}

// CreateSubscriptions filters out invalid topics and batch-inserts active
// ExecutionSubscription rows for the rest, returning the ids created. Empty
// or all-invalid input returns an empty (non-nil) slice.
func (m *Manager) CreateSubscriptions(ctx context.Context, executionID string, topics []string) ([]string, error) {
	valid, _ := m.ValidateTopics(topics)
	if len(valid) == 0 {
		return []string{}, nil
	}

	now := time.Now().UTC()
	subs := make([]*models.ExecutionSubscription, 0, len(valid))
	ids := make([]string, 0, len(valid))
	for _, topic := range valid {
		id := uuid.NewString()
		subs = append(subs, &models.ExecutionSubscription{
			ID:               id,
			ExecutionID:      executionID,
			CallbackTopic:    topic,
			SubscriptionTime: now,
			DeliveryStatus:   models.DeliveryActive,
		})
		ids = append(ids, id)
	}

	if err := m.store.CreateSubscriptions(ctx, subs); err != nil {
		return nil, err
	}
	return ids, nil
}

func (m *Manager) GetActiveTopics(ctx context.Context, executionID string) ([]string, error) {
	return m.store.GetActiveTopics(ctx, executionID)
}

func (m *Manager) MarkDeliverySuccess(ctx context.Context, id string) error {
	return m.store.MarkDeliverySuccess(ctx, id)
}

func (m *Manager) MarkDeliveryFailed(ctx context.Context, id string, reason string) error {
	return m.store.MarkDeliveryFailed(ctx, id, reason)
}

func (m *Manager) ExpireSubscription(ctx context.Context, id string) error {
	return m.store.ExpireSubscription(ctx, id)
}
