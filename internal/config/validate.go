package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	// DATABASE_URL is required
	if cfg.DatabaseURL == "" {
		errs = append(errs, ValidationError{
			Field:   "DATABASE_URL",
			Message: "required",
		})
	}

	// BROKER_MODE must be "memory" or "redis"
	if cfg.BrokerMode != "" && cfg.BrokerMode != "memory" && cfg.BrokerMode != "redis" {
		errs = append(errs, ValidationError{
			Field:   "BROKER_MODE",
			Message: fmt.Sprintf("must be 'memory' or 'redis', got %q", cfg.BrokerMode),
		})
	}

	// The Redis broker and the publish stats both need an address.
	if cfg.BrokerMode == "redis" && cfg.RedisAddr == "" {
		errs = append(errs, ValidationError{
			Field:   "REDIS_ADDR",
			Message: "required when BROKER_MODE is 'redis'",
		})
	}

	errs = appendDurationErrors(errs, "VISIBILITY_WINDOW", cfg.VisibilityWindowStr)
	errs = appendDurationErrors(errs, "BLOCK_TIMEOUT", cfg.BlockTimeoutStr)
	errs = appendDurationErrors(errs, "ORCHESTRATOR_BATCH_PAUSE", cfg.OrchestratorBatchPauseStr)
	errs = appendDurationErrors(errs, "HEALTH_INTERVAL", cfg.HealthIntervalStr)

	errs = appendScheduleErrors(errs, "CYCLE_SCHEDULE", cfg.CycleSchedule)
	errs = appendScheduleErrors(errs, "URGENT_SWEEP_SCHEDULE", cfg.UrgentSweepSchedule)

	if cfg.TenantIDs != "" {
		for _, raw := range strings.Split(cfg.TenantIDs, ",") {
			if _, err := uuid.Parse(strings.TrimSpace(raw)); err != nil {
				errs = append(errs, ValidationError{
					Field:   "TENANT_IDS",
					Message: fmt.Sprintf("invalid tenant id %q: %v", strings.TrimSpace(raw), err),
				})
			}
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func appendDurationErrors(errs ValidationErrors, field, value string) ValidationErrors {
	if value == "" {
		return errs
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return append(errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("invalid duration: %v", err),
		})
	}
	if d <= 0 {
		return append(errs, ValidationError{
			Field:   field,
			Message: "must be positive",
		})
	}
	return errs
}

func appendScheduleErrors(errs ValidationErrors, field, expr string) ValidationErrors {
	if expr == "" {
		return errs
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return append(errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("invalid cron expression: %v", err),
		})
	}
	return errs
}

// ParseTenantIDs parses the comma-separated TENANT_IDS value.
// Invalid entries are skipped; Validate reports them.
func ParseTenantIDs(s string) []uuid.UUID {
	if s == "" {
		return nil
	}
	var ids []uuid.UUID
	for _, raw := range strings.Split(s, ",") {
		if id, err := uuid.Parse(strings.TrimSpace(raw)); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}
