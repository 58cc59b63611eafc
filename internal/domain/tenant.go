package domain

import (
	"time"

	"github.com/google/uuid"
)

// TenantState is the orchestrator's per-tenant cursor. Only the
// orchestrator writes it; the health monitor reads it to detect
// staleness. Updates are last-writer-wins on LastRunAt.
type TenantState struct {
	TenantID            uuid.UUID
	LastRunAt           time.Time
	RecommendationCount int
	ErrorCount          int
}

// CycleKind selects which tenants a cycle visits.
type CycleKind string

const (
	// CycleFull visits every active tenant.
	CycleFull CycleKind = "full"
	// CycleUrgentSweep visits only tenants with pending urgent events.
	CycleUrgentSweep CycleKind = "urgent_sweep"
)

// CycleSummary aggregates one orchestrator cycle.
type CycleSummary struct {
	Kind            CycleKind
	TenantsVisited  int
	Recommendations int
	Errors          int
	StartedAt       time.Time
	Duration        time.Duration
}
