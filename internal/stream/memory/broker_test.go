package memory

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/sellerpulse/internal/domain"
	"github.com/djlord-it/sellerpulse/internal/testutil"
)

func testEnvelope(t *testing.T, tenantID uuid.UUID, eventType string, category domain.Category) domain.Envelope {
	t.Helper()
	env, err := domain.NewEnvelope(eventType, category, tenantID, nil, domain.Metadata{Source: "test", Confidence: 0.8, Importance: 5})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	return env
}

func TestBroker_PublishPollAck(t *testing.T) {
	ctx := testutil.TestContext(t)
	b := New()
	tenantID := uuid.New()

	if err := b.Subscribe(ctx, "dispatch", "*"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	env := testEnvelope(t, tenantID, "inventory.low_stock", domain.CategoryInventory)
	if _, err := b.Publish(ctx, env); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	deliveries, err := b.Poll(ctx, "dispatch", "c1", 10, 0)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(deliveries) != 1 {
		t.Fatalf("got %d deliveries, want 1", len(deliveries))
	}
	if deliveries[0].Envelope.ID != env.ID {
		t.Errorf("delivered envelope %v, want %v", deliveries[0].Envelope.ID, env.ID)
	}

	if err := b.Ack(ctx, "dispatch", deliveries[0].ID); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}

	// Acked entries stay invisible even after the window elapses.
	deliveries, err = b.Poll(ctx, "dispatch", "c1", 10, 0)
	if err != nil {
		t.Fatalf("second Poll failed: %v", err)
	}
	if len(deliveries) != 0 {
		t.Errorf("got %d deliveries after ack, want 0", len(deliveries))
	}
}

func TestBroker_SubscribeAtEarliestOffset(t *testing.T) {
	ctx := testutil.TestContext(t)
	b := New()
	tenantID := uuid.New()

	// Publish before any subscriber exists.
	env := testEnvelope(t, tenantID, "pricing.opportunity_found", domain.CategoryPricing)
	if _, err := b.Publish(ctx, env); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if err := b.Subscribe(ctx, "late", "pricing:*"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	deliveries, err := b.Poll(ctx, "late", "c1", 10, 0)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(deliveries) != 1 {
		t.Fatalf("got %d deliveries, want 1 (group should start at earliest offset)", len(deliveries))
	}
}

func TestBroker_RedeliveryAfterVisibilityWindow(t *testing.T) {
	ctx := testutil.TestContext(t)
	clock := testutil.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	b := New(WithVisibilityWindow(30*time.Second), WithClock(clock.Now))
	tenantID := uuid.New()

	if err := b.Subscribe(ctx, "dispatch", "*"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	env := testEnvelope(t, tenantID, "inventory.low_stock", domain.CategoryInventory)
	if _, err := b.Publish(ctx, env); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// First consumer polls but never acks (simulated crash).
	first, err := b.Poll(ctx, "dispatch", "c1", 10, 0)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("got %d deliveries, want 1", len(first))
	}

	// Within the window the entry stays claimed.
	clock.Advance(10 * time.Second)
	mid, err := b.Poll(ctx, "dispatch", "c2", 10, 0)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(mid) != 0 {
		t.Errorf("got %d deliveries inside visibility window, want 0", len(mid))
	}

	// After the window it becomes redeliverable to another consumer.
	clock.Advance(30 * time.Second)
	second, err := b.Poll(ctx, "dispatch", "c2", 10, 0)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(second) != 1 {
		t.Fatalf("got %d redeliveries, want 1", len(second))
	}
	if second[0].Envelope.ID != env.ID {
		t.Errorf("redelivered envelope %v, want %v", second[0].Envelope.ID, env.ID)
	}
}

func TestBroker_PartitionOrdering(t *testing.T) {
	ctx := testutil.TestContext(t)
	b := New()
	tenantID := uuid.New()

	if err := b.Subscribe(ctx, "dispatch", "inventory:*"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	a := testEnvelope(t, tenantID, "inventory.low_stock", domain.CategoryInventory)
	bb := testEnvelope(t, tenantID, "inventory.out_of_stock", domain.CategoryInventory)
	if _, err := b.Publish(ctx, a); err != nil {
		t.Fatalf("Publish A failed: %v", err)
	}
	if _, err := b.Publish(ctx, bb); err != nil {
		t.Fatalf("Publish B failed: %v", err)
	}

	deliveries, err := b.Poll(ctx, "dispatch", "c1", 10, 0)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(deliveries) != 2 {
		t.Fatalf("got %d deliveries, want 2", len(deliveries))
	}
	if deliveries[0].Envelope.ID != a.ID || deliveries[1].Envelope.ID != bb.ID {
		t.Errorf("deliveries out of publish order: got [%v %v], want [%v %v]",
			deliveries[0].Envelope.ID, deliveries[1].Envelope.ID, a.ID, bb.ID)
	}
}

func TestBroker_PatternScopesPartitions(t *testing.T) {
	ctx := testutil.TestContext(t)
	b := New()
	tenantID := uuid.New()

	if err := b.Subscribe(ctx, "inv-only", "inventory:*"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if _, err := b.Publish(ctx, testEnvelope(t, tenantID, "pricing.changed", domain.CategoryPricing)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if _, err := b.Publish(ctx, testEnvelope(t, tenantID, "inventory.low_stock", domain.CategoryInventory)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	deliveries, err := b.Poll(ctx, "inv-only", "c1", 10, 0)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(deliveries) != 1 {
		t.Fatalf("got %d deliveries, want 1", len(deliveries))
	}
	if deliveries[0].Envelope.Category != domain.CategoryInventory {
		t.Errorf("delivered category %q, want inventory", deliveries[0].Envelope.Category)
	}
}

func TestBroker_RetryPartitionIsGroupPrivate(t *testing.T) {
	ctx := testutil.TestContext(t)
	b := New()
	tenantID := uuid.New()

	if err := b.Subscribe(ctx, "owner", "*"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := b.Subscribe(ctx, "other", "*"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	env := testEnvelope(t, tenantID, "inventory.low_stock", domain.CategoryInventory)
	retry := domain.Retry{Envelope: env, HandlerName: "low-stock", Attempt: 1, NotBefore: time.Now().UTC()}
	if err := b.PublishRetry(ctx, "owner", retry); err != nil {
		t.Fatalf("PublishRetry failed: %v", err)
	}

	owned, err := b.Poll(ctx, "owner", "c1", 10, 0)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(owned) != 1 || owned[0].Retry == nil {
		t.Fatalf("owner group: got %d deliveries (retry=%v), want 1 retry delivery", len(owned), owned)
	}
	if owned[0].Retry.HandlerName != "low-stock" {
		t.Errorf("retry handler = %q, want low-stock", owned[0].Retry.HandlerName)
	}

	foreign, err := b.Poll(ctx, "other", "c1", 10, 0)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(foreign) != 0 {
		t.Errorf("other group saw %d retry deliveries, want 0", len(foreign))
	}
}

func TestBroker_PollBlocksUntilPublish(t *testing.T) {
	ctx := testutil.TestContext(t)
	b := New()
	tenantID := uuid.New()

	if err := b.Subscribe(ctx, "dispatch", "*"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	done := make(chan []domain.Delivery, 1)
	go func() {
		deliveries, err := b.Poll(ctx, "dispatch", "c1", 10, 2*time.Second)
		if err != nil {
			t.Errorf("Poll failed: %v", err)
		}
		done <- deliveries
	}()

	time.Sleep(50 * time.Millisecond)
	if _, err := b.Publish(ctx, testEnvelope(t, tenantID, "inventory.low_stock", domain.CategoryInventory)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case deliveries := <-done:
		if len(deliveries) != 1 {
			t.Errorf("got %d deliveries, want 1", len(deliveries))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Poll did not return after publish")
	}
}

func TestBroker_PollUnknownGroup(t *testing.T) {
	ctx := testutil.TestContext(t)
	b := New()

	if _, err := b.Poll(ctx, "ghost", "c1", 10, 0); err == nil {
		t.Error("expected error polling unknown group")
	}
}
