package orchestrator

import (
	"context"

	"github.com/google/uuid"

	"github.com/djlord-it/sellerpulse/internal/domain"
)

// StaticDirectory serves a fixed tenant list, typically loaded from
// the TENANT_IDS environment variable.
type StaticDirectory struct {
	tenants []uuid.UUID
}

// NewStaticDirectory copies ids into a directory.
func NewStaticDirectory(ids []uuid.UUID) *StaticDirectory {
	tenants := make([]uuid.UUID, len(ids))
	copy(tenants, ids)
	return &StaticDirectory{tenants: tenants}
}

func (d *StaticDirectory) ListActiveTenants(ctx context.Context) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, len(d.tenants))
	copy(out, d.tenants)
	return out, nil
}

// TenantStateLister reads recorded per-tenant state.
type TenantStateLister interface {
	ListTenantStates(ctx context.Context) ([]domain.TenantState, error)
}

// StateDirectory discovers tenants from recorded tenant state. A
// tenant appears here once any cycle has visited it, so a fresh
// deployment should seed via TENANT_IDS until state accumulates.
type StateDirectory struct {
	lister TenantStateLister
}

// NewStateDirectory wraps lister as a directory.
func NewStateDirectory(lister TenantStateLister) *StateDirectory {
	return &StateDirectory{lister: lister}
}

func (d *StateDirectory) ListActiveTenants(ctx context.Context) ([]uuid.UUID, error) {
	states, err := d.lister.ListTenantStates(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(states))
	for _, s := range states {
		ids = append(ids, s.TenantID)
	}
	return ids, nil
}

var (
	_ TenantDirectory = (*StaticDirectory)(nil)
	_ TenantDirectory = (*StateDirectory)(nil)
)
