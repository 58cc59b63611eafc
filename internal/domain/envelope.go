package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Category is the closed set of business areas an event can belong to.
// The (Category, TenantID) pair identifies the broker partition.
type Category string

const (
	CategoryInventory   Category = "inventory"
	CategoryPricing     Category = "pricing"
	CategoryCompetition Category = "competition"
	CategoryReviews     Category = "reviews"
	CategoryPerformance Category = "performance"
	CategoryAdvertising Category = "advertising"
)

// Categories lists all valid categories, in a fixed order.
var Categories = []Category{
	CategoryInventory,
	CategoryPricing,
	CategoryCompetition,
	CategoryReviews,
	CategoryPerformance,
	CategoryAdvertising,
}

// Valid reports whether c is a member of the closed category set.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// UrgentImportance is the threshold at or above which an event requires
// downstream action.
const UrgentImportance = 7

var (
	ErrInvalidCategory   = errors.New("invalid category")
	ErrMissingTenant     = errors.New("tenant id is required")
	ErrMissingType       = errors.New("event type is required")
	ErrInvalidConfidence = errors.New("confidence must be in [0,1]")
	ErrInvalidImportance = errors.New("importance must be in [1,10]")
)

// EntityRef identifies the product/marketplace an event concerns.
type EntityRef struct {
	SKU           string `json:"sku,omitempty"`
	ASIN          string `json:"asin,omitempty"`
	MarketplaceID string `json:"marketplace_id,omitempty"`
}

// Metadata carries envelope provenance and weighting.
type Metadata struct {
	Source        string  `json:"source"`
	Confidence    float64 `json:"confidence"`
	Importance    int     `json:"importance"`
	SchemaVersion int     `json:"schema_version"`
}

// Envelope is the immutable record of one domain event. Once published
// it is never mutated; corrections are new envelopes linked by
// CorrelationID.
type Envelope struct {
	ID            uuid.UUID       `json:"id"`
	Type          string          `json:"type"`
	Category      Category        `json:"category"`
	TenantID      uuid.UUID       `json:"tenant_id"`
	EntityRef     *EntityRef      `json:"entity_ref,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Metadata      Metadata        `json:"metadata"`
	CorrelationID uuid.UUID       `json:"correlation_id,omitempty"`
}

// NewEnvelope builds a validated envelope with a fresh ID and timestamp.
// The payload is marshalled once here and treated as opaque afterwards.
func NewEnvelope(eventType string, category Category, tenantID uuid.UUID, payload any, meta Metadata) (Envelope, error) {
	if eventType == "" {
		return Envelope{}, ErrMissingType
	}
	if !category.Valid() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}
	if tenantID == uuid.Nil {
		return Envelope{}, ErrMissingTenant
	}
	if meta.Confidence < 0 || meta.Confidence > 1 {
		return Envelope{}, ErrInvalidConfidence
	}
	if meta.Importance < 1 || meta.Importance > 10 {
		return Envelope{}, ErrInvalidImportance
	}
	if meta.SchemaVersion == 0 {
		meta.SchemaVersion = 1
	}

	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal payload: %w", err)
		}
		raw = b
	}

	return Envelope{
		ID:        uuid.New(),
		Type:      eventType,
		Category:  category,
		TenantID:  tenantID,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
		Metadata:  meta,
	}, nil
}

// RequiresAction reports whether the event is urgent enough to demand
// downstream action.
func (e Envelope) RequiresAction() bool {
	return e.Metadata.Importance >= UrgentImportance
}

// PartitionKey returns the broker partition the envelope belongs to.
// Ordering is guaranteed only within one partition.
func (e Envelope) PartitionKey() string {
	return string(e.Category) + ":" + e.TenantID.String()
}
