// Package handlers provides the built-in event handlers: stock and
// buy-box recommendation derivation plus the urgent notification
// bridge. Handlers are idempotent under redelivery; each checks its
// own prior success before acting.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/sellerpulse/internal/domain"
	"github.com/djlord-it/sellerpulse/internal/registry"
)

// Publisher emits derived recommendation envelopes.
type Publisher interface {
	Publish(ctx context.Context, env domain.Envelope) (string, error)
}

// Notifier delivers urgent notifications to the seller.
type Notifier interface {
	Notify(ctx context.Context, tenantID uuid.UUID, title, message string, urgency int, link string) error
}

// OutcomeChecker reports whether a handler already succeeded against
// an event. Redelivered events skip the side effect.
type OutcomeChecker interface {
	HasSuccessfulOutcome(ctx context.Context, eventID uuid.UUID, handlerName string) (bool, error)
}

// defaultRetry backs the recommendation handlers. Notification
// delivery is fire-and-forget and carries no retry budget.
var defaultRetry = registry.RetryPolicy{
	MaxRetries:  2,
	BaseDelay:   5 * time.Second,
	Exponential: true,
}

// Register adds the built-in handlers to reg.
func Register(reg *registry.Registry, publisher Publisher, notifier Notifier, checker OutcomeChecker) error {
	handlers := []registry.Handler{
		LowStock(publisher, checker),
		BuyBoxLost(publisher, checker),
		NotificationBridge(notifier),
	}
	for _, h := range handlers {
		if err := reg.Register(h); err != nil {
			return fmt.Errorf("register %s: %w", h.Name, err)
		}
	}
	return nil
}

type lowStockPayload struct {
	SKU         string  `json:"sku"`
	Stock       int     `json:"stock"`
	DailySales  float64 `json:"daily_sales"`
	ReorderDays int     `json:"reorder_days"`
}

// LowStock derives a restock recommendation from inventory.low_stock
// events.
func LowStock(publisher Publisher, checker OutcomeChecker) registry.Handler {
	const name = "low-stock-recommendation"
	return registry.Handler{
		Name:     name,
		Pattern:  registry.MustParsePattern("inventory.*"),
		Priority: 10,
		Retry:    defaultRetry,
		Handle: func(ctx context.Context, env domain.Envelope) error {
			if env.Type != "inventory.low_stock" {
				return nil
			}
			if done, err := alreadyDone(ctx, checker, env.ID, name); err != nil || done {
				return err
			}

			var payload lowStockPayload
			if err := json.Unmarshal(env.Payload, &payload); err != nil {
				return fmt.Errorf("decode low_stock payload: %w", err)
			}

			daysLeft := 0.0
			if payload.DailySales > 0 {
				daysLeft = float64(payload.Stock) / payload.DailySales
			}

			return publishRecommendation(ctx, publisher, env, map[string]any{
				"kind":      "restock",
				"sku":       payload.SKU,
				"stock":     payload.Stock,
				"days_left": daysLeft,
				"reason":    fmt.Sprintf("stock for %s covers %.1f days of sales", payload.SKU, daysLeft),
			})
		},
	}
}

type buyBoxPayload struct {
	ASIN          string  `json:"asin"`
	OwnPrice      float64 `json:"own_price"`
	WinningPrice  float64 `json:"winning_price"`
	WinningSeller string  `json:"winning_seller"`
}

// BuyBoxLost derives a repricing recommendation from
// competition.buy_box_lost events.
func BuyBoxLost(publisher Publisher, checker OutcomeChecker) registry.Handler {
	const name = "buy-box-repricing"
	return registry.Handler{
		Name:     name,
		Pattern:  registry.MustParsePattern("competition.*"),
		Priority: 10,
		Retry:    defaultRetry,
		Handle: func(ctx context.Context, env domain.Envelope) error {
			if env.Type != "competition.buy_box_lost" {
				return nil
			}
			if done, err := alreadyDone(ctx, checker, env.ID, name); err != nil || done {
				return err
			}

			var payload buyBoxPayload
			if err := json.Unmarshal(env.Payload, &payload); err != nil {
				return fmt.Errorf("decode buy_box_lost payload: %w", err)
			}

			gap := payload.OwnPrice - payload.WinningPrice
			return publishRecommendation(ctx, publisher, env, map[string]any{
				"kind":      "reprice",
				"asin":      payload.ASIN,
				"own_price": payload.OwnPrice,
				"gap":       gap,
				"reason":    fmt.Sprintf("buy box lost to %s, price gap %.2f", payload.WinningSeller, gap),
			})
		},
	}
}

// NotificationBridge forwards every action-requiring event to the
// notification channel. It matches everything and runs last; delivery
// failures are logged and swallowed so a flaky channel never poisons
// the event's processing status.
func NotificationBridge(notifier Notifier) registry.Handler {
	return registry.Handler{
		Name:     "urgent-notification-bridge",
		Pattern:  registry.MustParsePattern("*"),
		Priority: -10,
		Handle: func(ctx context.Context, env domain.Envelope) error {
			if !env.RequiresAction() {
				return nil
			}
			title := fmt.Sprintf("Urgent: %s", env.Type)
			message := fmt.Sprintf("event %s in category %s requires your attention", env.ID, env.Category)
			if err := notifier.Notify(ctx, env.TenantID, title, message, env.Metadata.Importance, ""); err != nil {
				log.Printf("handlers: notify tenant=%s event=%s: %v", env.TenantID, env.ID, err)
			}
			return nil
		},
	}
}

func alreadyDone(ctx context.Context, checker OutcomeChecker, eventID uuid.UUID, name string) (bool, error) {
	if checker == nil {
		return false, nil
	}
	done, err := checker.HasSuccessfulOutcome(ctx, eventID, name)
	if err != nil {
		// Fail open: redelivery plus a duplicate recommendation beats
		// dropping one.
		log.Printf("handlers: outcome check event=%s handler=%s: %v", eventID, name, err)
		return false, nil
	}
	return done, nil
}

// publishRecommendation emits a recommendation.created envelope
// correlated to the source event, so the causal chain is queryable.
func publishRecommendation(ctx context.Context, publisher Publisher, source domain.Envelope, payload map[string]any) error {
	correlation := source.CorrelationID
	if correlation == uuid.Nil {
		correlation = source.ID
	}

	rec, err := domain.NewEnvelope("recommendation.created", source.Category, source.TenantID, payload,
		domain.Metadata{
			Source:     "handlers",
			Confidence: source.Metadata.Confidence,
			Importance: source.Metadata.Importance,
		})
	if err != nil {
		return fmt.Errorf("build recommendation envelope: %w", err)
	}
	rec.EntityRef = source.EntityRef
	rec.CorrelationID = correlation

	if _, err := publisher.Publish(ctx, rec); err != nil {
		return fmt.Errorf("publish recommendation: %w", err)
	}
	return nil
}
