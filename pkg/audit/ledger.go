package audit

import "context"

// Ledger is the append-only, tenant-partitioned event store.
//
// Implementations assign ID on Append, persist CreatedAt exactly as given
// and return copies so stored events cannot be altered through results.
type Ledger interface {
	// Append stores e and sets e.ID.
	Append(ctx context.Context, e *Event) error

	// ListByTenant returns every event of the tenant, newest first.
	ListByTenant(ctx context.Context, tenantID string) ([]*Event, error)

	// ListByEntity returns the tenant's events about one entity, newest first.
	ListByEntity(ctx context.Context, tenantID string, entityType EntityType, entityID int64) ([]*Event, error)

	// ListChain returns the tenant's chained events, oldest first.
	ListChain(ctx context.Context, tenantID string) ([]*Event, error)

	// LatestChainEvent returns the tenant's most recent chained event, or nil.
	LatestChainEvent(ctx context.Context, tenantID string) (*Event, error)
}

// ChainAppender is implemented by ledgers that serialize chained appends
// themselves (for example with a database lock). AppendChained must call
// build with the tenant's latest chained event (nil if none) and append the
// result while no other chained append for that tenant can interleave.
type ChainAppender interface {
	AppendChained(ctx context.Context, tenantID string, build func(prev *Event) (*Event, error)) (*Event, error)
}
