package config

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestValidate_ValidConfig(t *testing.T) {
	cfg := Config{
		DatabaseURL:         "postgres://localhost/sellerpulse",
		BrokerMode:          "memory",
		VisibilityWindowStr: "30s",
		CycleSchedule:       "0 * * * *",
	}

	if err := Validate(cfg); err != nil {
		t.Errorf("valid config should not return error, got: %v", err)
	}
}

func TestValidate_MissingDatabaseURL(t *testing.T) {
	cfg := Config{
		DatabaseURL: "",
		BrokerMode:  "memory",
	}

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error for missing DATABASE_URL")
	}

	if !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Errorf("error should mention DATABASE_URL: %q", err.Error())
	}
}

func TestValidate_InvalidBrokerMode(t *testing.T) {
	cfg := Config{
		DatabaseURL: "postgres://localhost/sellerpulse",
		BrokerMode:  "kafka",
	}

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error for BROKER_MODE=kafka")
	}
	if !strings.Contains(err.Error(), "BROKER_MODE") {
		t.Errorf("error should mention BROKER_MODE: %q", err.Error())
	}
}

func TestValidate_RedisModeRequiresAddr(t *testing.T) {
	cfg := Config{
		DatabaseURL: "postgres://localhost/sellerpulse",
		BrokerMode:  "redis",
	}

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error for redis mode without REDIS_ADDR")
	}
	if !strings.Contains(err.Error(), "REDIS_ADDR") {
		t.Errorf("error should mention REDIS_ADDR: %q", err.Error())
	}

	cfg.RedisAddr = "localhost:6379"
	if err := Validate(cfg); err != nil {
		t.Errorf("redis mode with addr should validate, got: %v", err)
	}
}

func TestValidate_InvalidVisibilityWindow(t *testing.T) {
	tests := []struct {
		name    string
		window  string
		wantErr string
	}{
		{"non-parseable", "invalid", "invalid duration"},
		{"negative", "-1s", "must be positive"},
		{"zero", "0s", "must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{
				DatabaseURL:         "postgres://localhost/sellerpulse",
				VisibilityWindowStr: tt.window,
			}

			err := Validate(cfg)
			if err == nil {
				t.Fatalf("expected error for visibility_window=%q", tt.window)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidate_InvalidCronSchedule(t *testing.T) {
	cfg := Config{
		DatabaseURL:   "postgres://localhost/sellerpulse",
		CycleSchedule: "not a cron",
	}

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error for invalid CYCLE_SCHEDULE")
	}
	if !strings.Contains(err.Error(), "CYCLE_SCHEDULE") {
		t.Errorf("error should mention CYCLE_SCHEDULE: %q", err.Error())
	}
}

func TestValidate_InvalidTenantIDs(t *testing.T) {
	cfg := Config{
		DatabaseURL: "postgres://localhost/sellerpulse",
		TenantIDs:   "3c5e9d2a-0000-0000-0000-000000000001,not-a-uuid",
	}

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error for invalid tenant id")
	}
	if !strings.Contains(err.Error(), "TENANT_IDS") {
		t.Errorf("error should mention TENANT_IDS: %q", err.Error())
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := Config{
		DatabaseURL:         "", // missing
		VisibilityWindowStr: "invalid",
	}

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}

	errs, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}

	if len(errs) != 2 {
		t.Errorf("expected 2 validation errors, got %d: %v", len(errs), errs)
	}
}

func TestValidationError_Format(t *testing.T) {
	err := ValidationError{Field: "DATABASE_URL", Message: "required"}
	got := err.Error()
	want := "DATABASE_URL: required"
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestValidationErrors_Format(t *testing.T) {
	// Single error
	single := ValidationErrors{{Field: "F1", Message: "M1"}}
	if single.Error() != "F1: M1" {
		t.Errorf("single error = %q, want 'F1: M1'", single.Error())
	}

	// Multiple errors
	multi := ValidationErrors{
		{Field: "F1", Message: "M1"},
		{Field: "F2", Message: "M2"},
	}
	got := multi.Error()
	if !strings.Contains(got, "2 validation errors") {
		t.Errorf("multi error should contain '2 validation errors': %q", got)
	}
	if !strings.Contains(got, "F1: M1") || !strings.Contains(got, "F2: M2") {
		t.Errorf("multi error should contain both errors: %q", got)
	}

	// Empty
	empty := ValidationErrors{}
	if empty.Error() != "" {
		t.Errorf("empty errors should return empty string, got %q", empty.Error())
	}
}

func TestParseTenantIDs(t *testing.T) {
	a := uuid.MustParse("3c5e9d2a-0000-0000-0000-000000000001")
	b := uuid.MustParse("3c5e9d2a-0000-0000-0000-000000000002")

	got := ParseTenantIDs(" " + a.String() + " , " + b.String())
	if len(got) != 2 || got[0] != a || got[1] != b {
		t.Errorf("ParseTenantIDs = %v, want [%s %s]", got, a, b)
	}

	if got := ParseTenantIDs(""); got != nil {
		t.Errorf("ParseTenantIDs(\"\") = %v, want nil", got)
	}

	// Invalid entries are dropped.
	if got := ParseTenantIDs(a.String() + ",junk"); len(got) != 1 || got[0] != a {
		t.Errorf("ParseTenantIDs with junk = %v, want [%s]", got, a)
	}
}
