package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/sellerpulse/internal/domain"
)

func validatePublishEvent(req PublishEventRequest) error {
	if req.Type == "" {
		return fmt.Errorf("type is required")
	}
	if req.Category == "" {
		return fmt.Errorf("category is required")
	}
	if !domain.Category(req.Category).Valid() {
		return fmt.Errorf("invalid category %q", req.Category)
	}
	if req.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if req.Source == "" {
		return fmt.Errorf("source is required")
	}
	if req.Confidence < 0 || req.Confidence > 1 {
		return fmt.Errorf("confidence must be between 0 and 1")
	}
	if req.Importance < 1 || req.Importance > 10 {
		return fmt.Errorf("importance must be between 1 and 10")
	}
	return nil
}

type eventStreamQuery struct {
	tenantID uuid.UUID
	category domain.Category
	after    time.Time
	limit    int
}

func parseEventStreamQuery(r *http.Request) (eventStreamQuery, error) {
	var query eventStreamQuery

	rawTenant := r.URL.Query().Get("tenant_id")
	if rawTenant == "" {
		return query, fmt.Errorf("tenant_id is required")
	}
	tenantID, err := uuid.Parse(rawTenant)
	if err != nil {
		return query, fmt.Errorf("invalid tenant_id")
	}
	query.tenantID = tenantID

	if rawCategory := r.URL.Query().Get("category"); rawCategory != "" {
		category := domain.Category(rawCategory)
		if !category.Valid() {
			return query, fmt.Errorf("invalid category %q", rawCategory)
		}
		query.category = category
	}

	if rawAfter := r.URL.Query().Get("after"); rawAfter != "" {
		after, err := time.Parse(time.RFC3339, rawAfter)
		if err != nil {
			return query, fmt.Errorf("after must be RFC3339")
		}
		query.after = after
	}

	limit, err := parseLimit(r)
	if err != nil {
		return query, err
	}
	query.limit = limit

	return query, nil
}

// parseLimit extracts and validates the limit query parameter.
// Zero or absent falls back to DefaultLimit; values above MaxLimit
// are rejected.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return DefaultLimit, nil
	}

	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("limit must be an integer")
	}
	if limit < 0 {
		return 0, fmt.Errorf("limit must not be negative")
	}
	if limit > MaxLimit {
		return 0, fmt.Errorf("limit must not exceed %d", MaxLimit)
	}
	if limit == 0 {
		limit = DefaultLimit
	}
	return limit, nil
}

const (
	defaultStatsBuckets = 60
	maxStatsBuckets     = 1440
)

func parseBuckets(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("buckets")
	if raw == "" {
		return defaultStatsBuckets, nil
	}

	buckets, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("buckets must be an integer")
	}
	if buckets <= 0 || buckets > maxStatsBuckets {
		return 0, fmt.Errorf("buckets must be between 1 and %d", maxStatsBuckets)
	}
	return buckets, nil
}
