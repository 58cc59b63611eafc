package domain

import "time"

// HealthStatus is the tri-state result of a system probe.
// Degraded means partial capability loss without total outage;
// unhealthy means core storage or broker is unreachable.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// SystemHealth is returned by the health probe and the /health endpoint.
type SystemHealth struct {
	Status     HealthStatus    `json:"status"`
	Components map[string]bool `json:"components"`
	Metrics    HealthMetrics   `json:"metrics"`
	CheckedAt  time.Time       `json:"checked_at"`
}

// HealthMetrics carries the probe's supporting measurements.
type HealthMetrics struct {
	StaleTenants    int           `json:"stale_tenants"`
	OldestStaleness time.Duration `json:"-"`
	OldestStaleStr  string        `json:"oldest_staleness,omitempty"`
}
