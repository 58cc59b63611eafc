package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/djlord-it/sellerpulse/internal/domain"
	"github.com/djlord-it/sellerpulse/internal/registry"
)

type fakePublisher struct {
	mu        sync.Mutex
	published []domain.Envelope
	err       error
}

func (p *fakePublisher) Publish(ctx context.Context, env domain.Envelope) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.published = append(p.published, env)
	return env.ID.String(), nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notifyCall
	err   error
}

type notifyCall struct {
	tenantID uuid.UUID
	title    string
	urgency  int
}

func (n *fakeNotifier) Notify(ctx context.Context, tenantID uuid.UUID, title, message string, urgency int, link string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notifyCall{tenantID: tenantID, title: title, urgency: urgency})
	return n.err
}

type fakeChecker struct {
	done map[uuid.UUID]bool
	err  error
}

func (c *fakeChecker) HasSuccessfulOutcome(ctx context.Context, eventID uuid.UUID, handlerName string) (bool, error) {
	if c.err != nil {
		return false, c.err
	}
	return c.done[eventID], nil
}

func lowStockEnvelope(t *testing.T, importance int) domain.Envelope {
	t.Helper()
	env, err := domain.NewEnvelope("inventory.low_stock", domain.CategoryInventory, uuid.New(),
		map[string]any{"sku": "SKU-123", "stock": 4, "daily_sales": 2.0, "reorder_days": 7},
		domain.Metadata{Source: "inventory-feed", Confidence: 0.95, Importance: importance})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	env.EntityRef = &domain.EntityRef{SKU: "SKU-123", MarketplaceID: "US"}
	return env
}

func TestLowStock_EmitsCorrelatedRecommendation(t *testing.T) {
	pub := &fakePublisher{}
	h := LowStock(pub, &fakeChecker{})

	env := lowStockEnvelope(t, 6)
	if err := h.Handle(context.Background(), env); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	if len(pub.published) != 1 {
		t.Fatalf("published %d envelopes, want 1", len(pub.published))
	}
	rec := pub.published[0]
	if rec.Type != "recommendation.created" {
		t.Errorf("type = %q, want recommendation.created", rec.Type)
	}
	if rec.CorrelationID != env.ID {
		t.Errorf("correlation = %v, want source event id %v", rec.CorrelationID, env.ID)
	}
	if rec.TenantID != env.TenantID {
		t.Errorf("tenant = %v, want %v", rec.TenantID, env.TenantID)
	}
	if rec.EntityRef == nil || rec.EntityRef.SKU != "SKU-123" {
		t.Errorf("entity ref = %+v, want source SKU carried over", rec.EntityRef)
	}

	var payload map[string]any
	if err := json.Unmarshal(rec.Payload, &payload); err != nil {
		t.Fatalf("unmarshal recommendation payload: %v", err)
	}
	if payload["kind"] != "restock" {
		t.Errorf("kind = %v, want restock", payload["kind"])
	}
	if payload["days_left"] != 2.0 {
		t.Errorf("days_left = %v, want 2", payload["days_left"])
	}
}

func TestLowStock_PreservesExistingCorrelation(t *testing.T) {
	pub := &fakePublisher{}
	h := LowStock(pub, &fakeChecker{})

	env := lowStockEnvelope(t, 6)
	chainRoot := uuid.New()
	env.CorrelationID = chainRoot

	if err := h.Handle(context.Background(), env); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if pub.published[0].CorrelationID != chainRoot {
		t.Errorf("correlation = %v, want chain root %v", pub.published[0].CorrelationID, chainRoot)
	}
}

func TestLowStock_IgnoresOtherInventoryEvents(t *testing.T) {
	pub := &fakePublisher{}
	h := LowStock(pub, &fakeChecker{})

	env, err := domain.NewEnvelope("inventory.restocked", domain.CategoryInventory, uuid.New(),
		map[string]int{"stock": 500},
		domain.Metadata{Source: "test", Confidence: 1, Importance: 2})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	if err := h.Handle(context.Background(), env); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if len(pub.published) != 0 {
		t.Errorf("published %d envelopes for unrelated type, want 0", len(pub.published))
	}
}

func TestLowStock_SkipsReplayedEvent(t *testing.T) {
	pub := &fakePublisher{}
	env := lowStockEnvelope(t, 6)
	checker := &fakeChecker{done: map[uuid.UUID]bool{env.ID: true}}
	h := LowStock(pub, checker)

	if err := h.Handle(context.Background(), env); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if len(pub.published) != 0 {
		t.Errorf("replayed event published %d envelopes, want 0", len(pub.published))
	}
}

func TestLowStock_PublishFailurePropagates(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	h := LowStock(pub, &fakeChecker{})

	if err := h.Handle(context.Background(), lowStockEnvelope(t, 6)); err == nil {
		t.Fatal("expected error when publish fails")
	}
}

func TestBuyBoxLost_EmitsRepriceRecommendation(t *testing.T) {
	pub := &fakePublisher{}
	h := BuyBoxLost(pub, &fakeChecker{})

	env, err := domain.NewEnvelope("competition.buy_box_lost", domain.CategoryCompetition, uuid.New(),
		map[string]any{"asin": "B0TEST", "own_price": 24.99, "winning_price": 22.49, "winning_seller": "rival"},
		domain.Metadata{Source: "competition-feed", Confidence: 0.9, Importance: 8})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	if err := h.Handle(context.Background(), env); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	if len(pub.published) != 1 {
		t.Fatalf("published %d envelopes, want 1", len(pub.published))
	}
	var payload map[string]any
	if err := json.Unmarshal(pub.published[0].Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["kind"] != "reprice" || payload["asin"] != "B0TEST" {
		t.Errorf("payload = %v, want reprice for B0TEST", payload)
	}
}

func TestNotificationBridge_OnlyUrgentEvents(t *testing.T) {
	notifier := &fakeNotifier{}
	h := NotificationBridge(notifier)

	urgent := lowStockEnvelope(t, 8)
	mild := lowStockEnvelope(t, 3)

	if err := h.Handle(context.Background(), urgent); err != nil {
		t.Fatalf("Handle urgent failed: %v", err)
	}
	if err := h.Handle(context.Background(), mild); err != nil {
		t.Fatalf("Handle mild failed: %v", err)
	}

	if len(notifier.calls) != 1 {
		t.Fatalf("notified %d times, want 1", len(notifier.calls))
	}
	if notifier.calls[0].tenantID != urgent.TenantID {
		t.Errorf("notified tenant = %v, want %v", notifier.calls[0].tenantID, urgent.TenantID)
	}
	if notifier.calls[0].urgency != 8 {
		t.Errorf("urgency = %d, want 8", notifier.calls[0].urgency)
	}
}

func TestNotificationBridge_SwallowsNotifyErrors(t *testing.T) {
	notifier := &fakeNotifier{err: errors.New("channel down")}
	h := NotificationBridge(notifier)

	if err := h.Handle(context.Background(), lowStockEnvelope(t, 9)); err != nil {
		t.Fatalf("bridge surfaced notify error: %v", err)
	}
}

func TestRegister_AddsAllHandlersWithBridgeLast(t *testing.T) {
	reg := registry.New()
	if err := Register(reg, &fakePublisher{}, &fakeNotifier{}, &fakeChecker{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if reg.Len() != 3 {
		t.Fatalf("registry holds %d handlers, want 3", reg.Len())
	}

	matched := reg.Match("inventory.low_stock")
	if len(matched) != 2 {
		t.Fatalf("matched %d handlers for inventory.low_stock, want 2", len(matched))
	}
	if matched[len(matched)-1].Name != "urgent-notification-bridge" {
		t.Errorf("last handler = %q, want the bridge to run last", matched[len(matched)-1].Name)
	}
}
