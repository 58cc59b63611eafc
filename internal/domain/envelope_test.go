package domain

import (
	"testing"

	"github.com/google/uuid"
)

func validMetadata() Metadata {
	return Metadata{Source: "test", Confidence: 0.9, Importance: 5}
}

func TestNewEnvelope_Valid(t *testing.T) {
	tenantID := uuid.New()

	env, err := NewEnvelope("inventory.low_stock", CategoryInventory, tenantID, map[string]int{"stock": 2}, validMetadata())
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}

	if env.ID == uuid.Nil {
		t.Error("expected non-nil ID")
	}
	if env.TenantID != tenantID {
		t.Errorf("TenantID = %v, want %v", env.TenantID, tenantID)
	}
	if env.Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}
	if env.Metadata.SchemaVersion != 1 {
		t.Errorf("SchemaVersion = %d, want 1", env.Metadata.SchemaVersion)
	}
	if len(env.Payload) == 0 {
		t.Error("expected payload to be marshalled")
	}
}

func TestNewEnvelope_Invalid(t *testing.T) {
	tenantID := uuid.New()

	tests := []struct {
		name     string
		typ      string
		category Category
		tenantID uuid.UUID
		meta     Metadata
	}{
		{"empty type", "", CategoryInventory, tenantID, validMetadata()},
		{"unknown category", "x.y", Category("bogus"), tenantID, validMetadata()},
		{"nil tenant", "x.y", CategoryPricing, uuid.Nil, validMetadata()},
		{"confidence too high", "x.y", CategoryPricing, tenantID, Metadata{Confidence: 1.5, Importance: 5}},
		{"importance zero", "x.y", CategoryPricing, tenantID, Metadata{Confidence: 0.5, Importance: 0}},
		{"importance too high", "x.y", CategoryPricing, tenantID, Metadata{Confidence: 0.5, Importance: 11}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewEnvelope(tt.typ, tt.category, tt.tenantID, nil, tt.meta); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestEnvelope_RequiresAction(t *testing.T) {
	tests := []struct {
		importance int
		want       bool
	}{
		{1, false},
		{6, false},
		{7, true},
		{10, true},
	}

	for _, tt := range tests {
		env := Envelope{Metadata: Metadata{Importance: tt.importance}}
		if got := env.RequiresAction(); got != tt.want {
			t.Errorf("RequiresAction(importance=%d) = %v, want %v", tt.importance, got, tt.want)
		}
	}
}

func TestEnvelope_PartitionKey(t *testing.T) {
	tenantID := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	env := Envelope{Category: CategoryPricing, TenantID: tenantID}

	want := "pricing:00000000-0000-0000-0000-000000000001"
	if got := env.PartitionKey(); got != want {
		t.Errorf("PartitionKey() = %q, want %q", got, want)
	}
}

func TestProcessingStatus_Terminal(t *testing.T) {
	tests := []struct {
		status ProcessingStatus
		want   bool
	}{
		{ProcessingStatusPending, false},
		{ProcessingStatusProcessing, false},
		{ProcessingStatusCompleted, true},
		{ProcessingStatusFailed, true},
	}

	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("Terminal(%q) = %v, want %v", tt.status, got, tt.want)
		}
	}
}
