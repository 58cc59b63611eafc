package audit

const queryInsertEvent = `
INSERT INTO events (
    id, event_type, category, tenant_id,
    entity_sku, entity_asin, entity_marketplace,
    occurred_at, payload,
    source, confidence, importance, schema_version,
    correlation_id, delivery_id, requires_action,
    status, processed_by, pending_retries, failed_handlers, created_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, 'pending', '{}', 0, 0, $17)
`

const queryMarkEventProcessing = `
UPDATE events
SET status = 'processing'
WHERE id = $1
  AND status NOT IN ('completed', 'failed')
`

const queryGetEventStatus = `
SELECT status FROM events WHERE id = $1
`

const queryRecordDispatchOutcome = `
UPDATE events
SET pending_retries = pending_retries + $2,
    failed_handlers = failed_handlers + $3,
    status = CASE
        WHEN pending_retries + $2 > 0 THEN 'processing'
        WHEN failed_handlers + $3 > 0 THEN 'failed'
        ELSE 'completed'
    END
WHERE id = $1
  AND status NOT IN ('completed', 'failed')
RETURNING status
`

const queryResolveRetryOutcome = `
UPDATE events
SET pending_retries = GREATEST(pending_retries - 1, 0),
    failed_handlers = failed_handlers + $2,
    status = CASE
        WHEN GREATEST(pending_retries - 1, 0) > 0 THEN 'processing'
        WHEN failed_handlers + $2 > 0 THEN 'failed'
        ELSE 'completed'
    END
WHERE id = $1
  AND status NOT IN ('completed', 'failed')
RETURNING status
`

const queryMarkEventProcessed = `
UPDATE events
SET processed_by = array_append(processed_by, $2)
WHERE id = $1
  AND NOT ($2 = ANY(processed_by))
`

const queryInsertOutcome = `
INSERT INTO outcomes (id, event_id, handler_name, success, duration_ms, retry_count, error, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

const queryHasSuccessfulOutcome = `
SELECT EXISTS (
    SELECT 1 FROM outcomes
    WHERE event_id = $1 AND handler_name = $2 AND success = true
)
`

const eventColumns = `
    id, event_type, category, tenant_id,
    entity_sku, entity_asin, entity_marketplace,
    occurred_at, payload,
    source, confidence, importance, schema_version,
    correlation_id, delivery_id, requires_action,
    status, processed_by
`

const queryGetEventStream = `
SELECT` + eventColumns + `
FROM events
WHERE tenant_id = $1
  AND ($2 = '' OR category = $2)
  AND ($3::timestamptz IS NULL OR occurred_at > $3)
ORDER BY occurred_at DESC, id DESC
LIMIT $4
`

const queryGetRelatedEvents = `
SELECT` + eventColumns + `
FROM events
WHERE id = $1 OR correlation_id = $1
ORDER BY occurred_at ASC, id ASC
LIMIT $2
`

const queryGetStaleEvents = `
SELECT` + eventColumns + `
FROM events
WHERE status NOT IN ('completed', 'failed')
  AND created_at < $1
ORDER BY created_at ASC
LIMIT $2
`

const queryListTenantsWithUrgentPending = `
SELECT DISTINCT tenant_id
FROM events
WHERE status NOT IN ('completed', 'failed')
  AND importance >= $1
`

const queryHasRecentRecommendations = `
SELECT EXISTS (
    SELECT 1 FROM events
    WHERE event_type = 'recommendation.created'
      AND created_at > $1
)
`

const queryUpsertTenantState = `
INSERT INTO tenant_states (tenant_id, last_run_at, recommendation_count, error_count, updated_at)
VALUES ($1, $2, $3, $4, NOW())
ON CONFLICT (tenant_id) DO UPDATE
SET last_run_at = EXCLUDED.last_run_at,
    recommendation_count = EXCLUDED.recommendation_count,
    error_count = EXCLUDED.error_count,
    updated_at = NOW()
`

const queryListTenantStates = `
SELECT tenant_id, last_run_at, recommendation_count, error_count
FROM tenant_states
ORDER BY last_run_at ASC
`
