package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/sellerpulse/internal/domain"
	"github.com/djlord-it/sellerpulse/internal/producer"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Store reads audited events.
type Store interface {
	GetEventStream(ctx context.Context, tenantID uuid.UUID, category domain.Category, after time.Time, limit int) ([]domain.EventRecord, error)
	GetRelatedEvents(ctx context.Context, correlationID uuid.UUID, limit int) ([]domain.EventRecord, error)
}

// Publisher is the write path for POST /events.
type Publisher interface {
	Publish(ctx context.Context, env domain.Envelope) (string, error)
}

// HealthProvider supplies the cached system verdict for /health.
type HealthProvider interface {
	Last(ctx context.Context) domain.SystemHealth
}

// StatsProvider reads windowed publish counters.
type StatsProvider interface {
	TenantCounts(ctx context.Context, tenantID string, buckets int) (map[string]int64, error)
}

type Handler struct {
	store     Store
	publisher Publisher
	health    HealthProvider // optional
	stats     StatsProvider  // optional
}

func NewHandler(store Store, publisher Publisher) *Handler {
	return &Handler{store: store, publisher: publisher}
}

// WithHealth sets the health provider for verbose /health responses.
func (h *Handler) WithHealth(health HealthProvider) *Handler {
	h.health = health
	return h
}

// WithStats sets the publish-counter provider for /stats responses.
func (h *Handler) WithStats(stats StatsProvider) *Handler {
	h.stats = stats
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case path == "/health" && r.Method == http.MethodGet:
		h.getHealth(w, r)

	case path == "/events" && r.Method == http.MethodPost:
		h.publishEvent(w, r)

	case path == "/events" && r.Method == http.MethodGet:
		h.listEvents(w, r)

	case strings.HasPrefix(path, "/events/related/") && r.Method == http.MethodGet:
		h.relatedEvents(w, r)

	case strings.HasPrefix(path, "/stats/") && r.Method == http.MethodGet:
		h.tenantStats(w, r)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (h *Handler) getHealth(w http.ResponseWriter, r *http.Request) {
	if h.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	verdict := h.health.Last(r.Context())
	statusCode := http.StatusOK
	if verdict.Status == domain.HealthStatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, verdict)
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

func (h *Handler) publishEvent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req PublishEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err.Error() == "http: request body too large" {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	env, err := buildEnvelope(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	deliveryID, err := h.publisher.Publish(r.Context(), env)
	if err != nil {
		if errors.Is(err, producer.ErrDuplicateEvent) {
			writeError(w, http.StatusConflict, "duplicate event id")
			return
		}
		log.Printf("api: publish event error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to publish event")
		return
	}

	writeJSON(w, http.StatusCreated, PublishEventResponse{
		ID:         env.ID.String(),
		DeliveryID: deliveryID,
		Partition:  env.PartitionKey(),
		Timestamp:  formatTime(env.Timestamp),
	})
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	query, err := parseEventStreamQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := h.store.GetEventStream(r.Context(), query.tenantID, query.category, query.after, query.limit)
	if err != nil {
		log.Printf("api: list events error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	writeJSON(w, http.StatusOK, toListResponse(events))
}

func (h *Handler) relatedEvents(w http.ResponseWriter, r *http.Request) {
	// Extract the event ID from /events/related/{id}
	raw := strings.TrimPrefix(r.URL.Path, "/events/related/")
	correlationID, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid event id")
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := h.store.GetRelatedEvents(r.Context(), correlationID, limit)
	if err != nil {
		log.Printf("api: related events error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list related events")
		return
	}

	writeJSON(w, http.StatusOK, toListResponse(events))
}

func (h *Handler) tenantStats(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		writeError(w, http.StatusNotFound, "stats not enabled")
		return
	}

	raw := strings.TrimPrefix(r.URL.Path, "/stats/")
	tenantID, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid tenant id")
		return
	}

	buckets, err := parseBuckets(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	counts, err := h.stats.TenantCounts(r.Context(), tenantID.String(), buckets)
	if err != nil {
		log.Printf("api: tenant stats error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to read stats")
		return
	}

	writeJSON(w, http.StatusOK, StatsResponse{TenantID: tenantID.String(), Counts: counts})
}

func buildEnvelope(req PublishEventRequest) (domain.Envelope, error) {
	if err := validatePublishEvent(req); err != nil {
		return domain.Envelope{}, err
	}

	tenantID, err := uuid.Parse(req.TenantID)
	if err != nil {
		return domain.Envelope{}, errors.New("invalid tenant_id")
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = json.RawMessage(req.Payload)
	}

	env, err := domain.NewEnvelope(req.Type, domain.Category(req.Category), tenantID, payload,
		domain.Metadata{
			Source:     req.Source,
			Confidence: req.Confidence,
			Importance: req.Importance,
		})
	if err != nil {
		return domain.Envelope{}, err
	}

	if req.EntityRef != nil {
		env.EntityRef = &domain.EntityRef{
			SKU:           req.EntityRef.SKU,
			ASIN:          req.EntityRef.ASIN,
			MarketplaceID: req.EntityRef.MarketplaceID,
		}
	}
	if req.CorrelationID != "" {
		correlation, err := uuid.Parse(req.CorrelationID)
		if err != nil {
			return domain.Envelope{}, errors.New("invalid correlation_id")
		}
		env.CorrelationID = correlation
	}

	return env, nil
}

func toListResponse(events []domain.EventRecord) ListEventsResponse {
	resp := ListEventsResponse{Events: make([]EventResponse, len(events))}
	for i, rec := range events {
		e := EventResponse{
			ID:             rec.ID.String(),
			Type:           rec.Type,
			Category:       string(rec.Category),
			TenantID:       rec.TenantID.String(),
			Timestamp:      formatTime(rec.Timestamp),
			Payload:        rec.Payload,
			Source:         rec.Metadata.Source,
			Confidence:     rec.Metadata.Confidence,
			Importance:     rec.Metadata.Importance,
			RequiresAction: rec.RequiresAction,
			Status:         string(rec.Status),
			ProcessedBy:    rec.ProcessedBy,
		}
		if rec.CorrelationID != uuid.Nil {
			e.CorrelationID = rec.CorrelationID.String()
		}
		if rec.EntityRef != nil {
			e.EntityRef = &EntityRefRequest{
				SKU:           rec.EntityRef.SKU,
				ASIN:          rec.EntityRef.ASIN,
				MarketplaceID: rec.EntityRef.MarketplaceID,
			}
		}
		resp.Events[i] = e
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
