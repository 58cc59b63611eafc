package api

import (
	"encoding/json"
	"time"
)

// PublishEventRequest is the POST /events body.
type PublishEventRequest struct {
	Type          string          `json:"type"`
	Category      string          `json:"category"`
	TenantID      string          `json:"tenant_id"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Source        string          `json:"source"`
	Confidence    float64         `json:"confidence"`
	Importance    int             `json:"importance"`
	CorrelationID string          `json:"correlation_id,omitempty"`

	EntityRef *EntityRefRequest `json:"entity_ref,omitempty"`
}

type EntityRefRequest struct {
	SKU           string `json:"sku,omitempty"`
	ASIN          string `json:"asin,omitempty"`
	MarketplaceID string `json:"marketplace_id,omitempty"`
}

// PublishEventResponse confirms a published envelope.
type PublishEventResponse struct {
	ID         string `json:"id"`
	DeliveryID string `json:"delivery_id"`
	Partition  string `json:"partition"`
	Timestamp  string `json:"timestamp"`
}

// EventResponse is one audited event row.
type EventResponse struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"`
	Category       string            `json:"category"`
	TenantID       string            `json:"tenant_id"`
	EntityRef      *EntityRefRequest `json:"entity_ref,omitempty"`
	Timestamp      string            `json:"timestamp"`
	Payload        json.RawMessage   `json:"payload,omitempty"`
	Source         string            `json:"source"`
	Confidence     float64           `json:"confidence"`
	Importance     int               `json:"importance"`
	CorrelationID  string            `json:"correlation_id,omitempty"`
	RequiresAction bool              `json:"requires_action"`
	Status         string            `json:"processing_status"`
	ProcessedBy    []string          `json:"processed_by_handler_names"`
}

type ListEventsResponse struct {
	Events []EventResponse `json:"events"`
}

type StatsResponse struct {
	TenantID string           `json:"tenant_id"`
	Counts   map[string]int64 `json:"publish_counts"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
