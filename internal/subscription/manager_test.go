package subscription

import (
	"context"
	"testing"

	"github.com/pipeflow/engine/internal/store"
)

func TestValidateTopics(t *testing.T) {
	m := New(store.NewMemory())
	valid, invalid := m.ValidateTopics([]string{"order.created", "1bad", "", "_ok.topic-1"})
	if len(valid) != 2 {
		t.Fatalf("expected 2 valid topics, got %v", valid)
	}
	if len(invalid) != 2 {
		t.Fatalf("expected 2 invalid topics, got %v", invalid)
	}
}

func TestCreateSubscriptionsFiltersInvalid(t *testing.T) {
	ctx := context.Background()
	m := New(store.NewMemory())
	ids, err := m.CreateSubscriptions(ctx, "exec-1", []string{"valid.topic", "1invalid"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected 1 created subscription, got %d", len(ids))
	}

	topics, err := m.GetActiveTopics(ctx, "exec-1")
	if err != nil {
		t.Fatalf("get active topics: %v", err)
	}
	if len(topics) != 1 || topics[0] != "valid.topic" {
		t.Fatalf("expected [valid.topic], got %v", topics)
	}
}

func TestCreateSubscriptionsAllInvalidReturnsEmpty(t *testing.T) {
	ctx := context.Background()
	m := New(store.NewMemory())
	ids, err := m.CreateSubscriptions(ctx, "exec-1", []string{"1bad", "$bad"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected 0 ids, got %v", ids)
	}
}

func TestDeliveryStatusTransitions(t *testing.T) {
	ctx := context.Background()
	m := New(store.NewMemory())
	ids, err := m.CreateSubscriptions(ctx, "exec-1", []string{"topic.a"})
	if err != nil || len(ids) != 1 {
		t.Fatalf("create: %v %v", ids, err)
	}

	if err := m.MarkDeliveryFailed(ctx, ids[0], "endpoint unreachable"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := m.ExpireSubscription(ctx, ids[0]); err != nil {
		t.Fatalf("expire: %v", err)
	}

	topics, _ := m.GetActiveTopics(ctx, "exec-1")
	if len(topics) != 0 {
		t.Fatalf("expected no active topics after expiry, got %v", topics)
	}
}

func TestTopicCacheClear(t *testing.T) {
	m := New(store.NewMemory())
	m.ValidateTopics([]string{"topic.a"})
	if len(m.validCache) != 1 {
		t.Fatalf("expected cache populated, got %d entries", len(m.validCache))
	}
	m.ClearTopicCache()
	if len(m.validCache) != 0 {
		t.Fatalf("expected cache cleared, got %d entries", len(m.validCache))
	}
}
