package audit

import (
	"context"
	"errors"
)

// ErrEmptyTenantID is returned when a query names no tenant.
var ErrEmptyTenantID = errors.New("audit: tenant_id must not be empty")

// Query is the read surface used by reporting and inspection layers.
// Every call is scoped to one tenant.
type Query struct {
	ledger   Ledger
	verifier *Verifier
}

// NewQuery creates a Query. verifier may be nil, in which case one is
// built over the same ledger.
func NewQuery(l Ledger, verifier *Verifier) *Query {
	if verifier == nil {
		verifier = NewVerifier(l, nil)
	}
	return &Query{ledger: l, verifier: verifier}
}

// ListByTenant returns the tenant's events, newest first.
func (q *Query) ListByTenant(ctx context.Context, tenantID string) ([]Record, error) {
	if tenantID == "" {
		return nil, ErrEmptyTenantID
	}
	events, err := q.ledger.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, persistenceErr("list by tenant", err)
	}
	return NewRecords(events), nil
}

// ListByEntity returns the tenant's events about one entity, newest first.
func (q *Query) ListByEntity(ctx context.Context, tenantID string, entityType EntityType, entityID int64) ([]Record, error) {
	if tenantID == "" {
		return nil, ErrEmptyTenantID
	}
	events, err := q.ledger.ListByEntity(ctx, tenantID, NormalizeEntityType(entityType), entityID)
	if err != nil {
		return nil, persistenceErr("list by entity", err)
	}
	return NewRecords(events), nil
}

// ListChain returns the tenant's chained events, oldest first.
func (q *Query) ListChain(ctx context.Context, tenantID string) ([]Record, error) {
	if tenantID == "" {
		return nil, ErrEmptyTenantID
	}
	events, err := q.ledger.ListChain(ctx, tenantID)
	if err != nil {
		return nil, persistenceErr("list chain", err)
	}
	return NewRecords(events), nil
}

// VerifyChain delegates to the Verifier.
func (q *Query) VerifyChain(ctx context.Context, tenantID string) (bool, error) {
	if tenantID == "" {
		return false, ErrEmptyTenantID
	}
	return q.verifier.VerifyChain(ctx, tenantID)
}

// Inspect delegates to the Verifier.
func (q *Query) Inspect(ctx context.Context, tenantID string) (ChainReport, error) {
	if tenantID == "" {
		return ChainReport{BrokenAt: -1}, ErrEmptyTenantID
	}
	return q.verifier.Inspect(ctx, tenantID)
}
