// Package audit persists the relational record of every envelope:
// the event rows, per-attempt handler outcomes, and per-tenant
// orchestrator state. PostgreSQL is the system of record for queries;
// the broker remains the system of record for delivery.
package audit

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/djlord-it/sellerpulse/internal/dispatch"
	"github.com/djlord-it/sellerpulse/internal/domain"
	"github.com/djlord-it/sellerpulse/internal/producer"
)

// Store implements the audit surfaces of the pipeline using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a store with the given database connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// InsertEvent records a freshly published envelope with status pending.
// Returns producer.ErrDuplicateEvent if the envelope ID already exists.
func (s *Store) InsertEvent(ctx context.Context, env domain.Envelope, deliveryID string) error {
	var sku, asin, marketplace sql.NullString
	if env.EntityRef != nil {
		sku = nullString(env.EntityRef.SKU)
		asin = nullString(env.EntityRef.ASIN)
		marketplace = nullString(env.EntityRef.MarketplaceID)
	}

	correlation := uuid.NullUUID{UUID: env.CorrelationID, Valid: env.CorrelationID != uuid.Nil}

	_, err := s.db.ExecContext(ctx, queryInsertEvent,
		env.ID,
		env.Type,
		string(env.Category),
		env.TenantID,
		sku,
		asin,
		marketplace,
		env.Timestamp,
		[]byte(env.Payload),
		env.Metadata.Source,
		env.Metadata.Confidence,
		env.Metadata.Importance,
		env.Metadata.SchemaVersion,
		correlation,
		deliveryID,
		env.RequiresAction(),
		time.Now().UTC(),
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return producer.ErrDuplicateEvent
		}
		return err
	}
	return nil
}

// MarkEventProcessing moves an event to processing.
// Returns dispatch.ErrStatusTransitionDenied if the event is already
// terminal. The guard lives in the WHERE clause so concurrent
// consumers cannot race past it.
func (s *Store) MarkEventProcessing(ctx context.Context, eventID uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, queryMarkEventProcessing, eventID)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		// Either the event is unknown or it is already terminal.
		var currentStatus string
		err := s.db.QueryRowContext(ctx, queryGetEventStatus, eventID).Scan(&currentStatus)
		if err == sql.ErrNoRows {
			return sql.ErrNoRows
		}
		if err != nil {
			return err
		}
		return dispatch.ErrStatusTransitionDenied
	}

	return nil
}

// RecordDispatchOutcome folds the fresh dispatch pass into the event
// row: scheduled retries keep it processing, terminal failures with no
// pending retries fail it, otherwise it completes. The update and the
// status derivation are one atomic statement.
func (s *Store) RecordDispatchOutcome(ctx context.Context, eventID uuid.UUID, scheduledRetries, failedHandlers int) (domain.ProcessingStatus, error) {
	return s.foldOutcome(ctx, queryRecordDispatchOutcome, eventID, scheduledRetries, failedHandlers)
}

// ResolveRetryOutcome decrements the pending retry counter for one
// terminal retry and re-derives the event status.
func (s *Store) ResolveRetryOutcome(ctx context.Context, eventID uuid.UUID, failed bool) (domain.ProcessingStatus, error) {
	failure := 0
	if failed {
		failure = 1
	}

	var status string
	err := s.db.QueryRowContext(ctx, queryResolveRetryOutcome, eventID, failure).Scan(&status)
	if err == sql.ErrNoRows {
		return s.deniedStatus(ctx, eventID)
	}
	if err != nil {
		return "", err
	}
	return domain.ProcessingStatus(status), nil
}

func (s *Store) foldOutcome(ctx context.Context, query string, eventID uuid.UUID, scheduledRetries, failedHandlers int) (domain.ProcessingStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, query, eventID, scheduledRetries, failedHandlers).Scan(&status)
	if err == sql.ErrNoRows {
		return s.deniedStatus(ctx, eventID)
	}
	if err != nil {
		return "", err
	}
	return domain.ProcessingStatus(status), nil
}

// deniedStatus distinguishes a missing row from a terminal one after
// a guarded update matched nothing.
func (s *Store) deniedStatus(ctx context.Context, eventID uuid.UUID) (domain.ProcessingStatus, error) {
	var current string
	err := s.db.QueryRowContext(ctx, queryGetEventStatus, eventID).Scan(&current)
	if err == sql.ErrNoRows {
		return "", sql.ErrNoRows
	}
	if err != nil {
		return "", err
	}
	return domain.ProcessingStatus(current), dispatch.ErrStatusTransitionDenied
}

// MarkEventProcessed appends handlerName to the event's processed_by
// list. Appending an already-present name is a no-op.
func (s *Store) MarkEventProcessed(ctx context.Context, eventID uuid.UUID, handlerName string) error {
	_, err := s.db.ExecContext(ctx, queryMarkEventProcessed, eventID, handlerName)
	return err
}

// InsertOutcome records one handler attempt. Rows are append-only.
func (s *Store) InsertOutcome(ctx context.Context, outcome domain.Outcome) error {
	_, err := s.db.ExecContext(ctx, queryInsertOutcome,
		outcome.ID,
		outcome.EventID,
		outcome.HandlerName,
		outcome.Success,
		outcome.DurationMs,
		outcome.RetryCount,
		nullString(outcome.Error),
		outcome.CreatedAt,
	)
	return err
}

// HasSuccessfulOutcome reports whether handlerName already succeeded
// against eventID. Handlers use this for idempotent replay.
func (s *Store) HasSuccessfulOutcome(ctx context.Context, eventID uuid.UUID, handlerName string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, queryHasSuccessfulOutcome, eventID, handlerName).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// GetEventStream returns a tenant's events newest-first. Category and
// after are optional filters; a zero value disables each.
func (s *Store) GetEventStream(ctx context.Context, tenantID uuid.UUID, category domain.Category, after time.Time, limit int) ([]domain.EventRecord, error) {
	var afterArg sql.NullTime
	if !after.IsZero() {
		afterArg = sql.NullTime{Time: after, Valid: true}
	}

	rows, err := s.db.QueryContext(ctx, queryGetEventStream, tenantID, string(category), afterArg, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEventRecords(rows)
}

// GetRelatedEvents returns the envelope with the given ID plus every
// envelope correlated to it, oldest-first, reconstructing the causal
// chain.
func (s *Store) GetRelatedEvents(ctx context.Context, correlationID uuid.UUID, limit int) ([]domain.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, queryGetRelatedEvents, correlationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEventRecords(rows)
}

// GetStaleEvents returns non-terminal events created before olderThan,
// oldest first. The reconciler re-emits these.
func (s *Store) GetStaleEvents(ctx context.Context, olderThan time.Time, maxResults int) ([]domain.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, queryGetStaleEvents, olderThan, maxResults)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEventRecords(rows)
}

// ListTenantsWithUrgentPending returns tenants holding at least one
// non-terminal event at or above urgent importance.
func (s *Store) ListTenantsWithUrgentPending(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, queryListTenantsWithUrgentPending, domain.UrgentImportance)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		tenants = append(tenants, id)
	}
	return tenants, rows.Err()
}

// HasRecentRecommendations reports whether any recommendation event
// was recorded after since.
func (s *Store) HasRecentRecommendations(ctx context.Context, since time.Time) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, queryHasRecentRecommendations, since).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// UpsertTenantState records the orchestrator's per-tenant cursor.
// Last writer wins.
func (s *Store) UpsertTenantState(ctx context.Context, state domain.TenantState) error {
	_, err := s.db.ExecContext(ctx, queryUpsertTenantState,
		state.TenantID,
		state.LastRunAt,
		state.RecommendationCount,
		state.ErrorCount,
	)
	return err
}

// ListTenantStates returns every tenant cursor, least recently run
// first.
func (s *Store) ListTenantStates(ctx context.Context) ([]domain.TenantState, error) {
	rows, err := s.db.QueryContext(ctx, queryListTenantStates)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.TenantState
	for rows.Next() {
		var st domain.TenantState
		if err := rows.Scan(&st.TenantID, &st.LastRunAt, &st.RecommendationCount, &st.ErrorCount); err != nil {
			return nil, err
		}
		result = append(result, st)
	}
	return result, rows.Err()
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func scanEventRecords(rows *sql.Rows) ([]domain.EventRecord, error) {
	var result []domain.EventRecord
	for rows.Next() {
		rec, err := scanEventRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func scanEventRecord(rows *sql.Rows) (domain.EventRecord, error) {
	var (
		rec               domain.EventRecord
		category, status  string
		sku, asin, market sql.NullString
		correlation       uuid.NullUUID
		payload           []byte
		processedBy       pq.StringArray
	)

	err := rows.Scan(
		&rec.ID,
		&rec.Type,
		&category,
		&rec.TenantID,
		&sku,
		&asin,
		&market,
		&rec.Timestamp,
		&payload,
		&rec.Metadata.Source,
		&rec.Metadata.Confidence,
		&rec.Metadata.Importance,
		&rec.Metadata.SchemaVersion,
		&correlation,
		&rec.DeliveryID,
		&rec.RequiresAction,
		&status,
		&processedBy,
	)
	if err != nil {
		return domain.EventRecord{}, err
	}

	rec.Category = domain.Category(category)
	rec.Status = domain.ProcessingStatus(status)
	rec.Payload = payload
	rec.ProcessedBy = processedBy
	if correlation.Valid {
		rec.CorrelationID = correlation.UUID
	}
	if sku.Valid || asin.Valid || market.Valid {
		rec.EntityRef = &domain.EntityRef{
			SKU:           sku.String,
			ASIN:          asin.String,
			MarketplaceID: market.String,
		}
	}
	return rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// isDuplicateKeyError checks for a PostgreSQL unique violation.
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	msg := err.Error()
	return strings.Contains(msg, "23505") || strings.Contains(msg, "duplicate key")
}

var (
	_ dispatch.AuditStore = (*Store)(nil)
	_ producer.Audit      = (*Store)(nil)
)
