package ledger

import (
	"context"
	"sync"

	"github.com/agrotrace/tracecore/pkg/audit"
)

// MemoryLedger is an in-process ledger. Stored events are private copies;
// every read returns fresh copies.
type MemoryLedger struct {
	mu       sync.RWMutex
	seq      int64
	entries  []*audit.Event
	byTenant map[string][]*audit.Event
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		entries:  make([]*audit.Event, 0),
		byTenant: make(map[string][]*audit.Event),
	}
}

func (m *MemoryLedger) Append(ctx context.Context, e *audit.Event) error {
	if err := validate(e); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	e.ID = m.seq
	stored := e.Clone()
	m.entries = append(m.entries, stored)
	m.byTenant[stored.TenantID] = append(m.byTenant[stored.TenantID], stored)
	return nil
}

func (m *MemoryLedger) ListByTenant(ctx context.Context, tenantID string) ([]*audit.Event, error) {
	return m.collect(ctx, tenantID, func(*audit.Event) bool { return true }, sortNewestFirst)
}

func (m *MemoryLedger) ListByEntity(ctx context.Context, tenantID string, entityType audit.EntityType, entityID int64) ([]*audit.Event, error) {
	return m.collect(ctx, tenantID, func(e *audit.Event) bool {
		return e.EntityType == entityType && e.EntityID == entityID
	}, sortNewestFirst)
}

func (m *MemoryLedger) ListChain(ctx context.Context, tenantID string) ([]*audit.Event, error) {
	return m.collect(ctx, tenantID, func(e *audit.Event) bool { return e.InChain }, sortOldestFirst)
}

func (m *MemoryLedger) LatestChainEvent(ctx context.Context, tenantID string) (*audit.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *audit.Event
	for _, e := range m.byTenant[tenantID] {
		if e.InChain && (latest == nil || before(latest, e)) {
			latest = e
		}
	}
	return latest.Clone(), nil
}

// Size returns the number of stored events across all tenants.
func (m *MemoryLedger) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *MemoryLedger) collect(ctx context.Context, tenantID string, keep func(*audit.Event) bool, order func([]*audit.Event)) ([]*audit.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]*audit.Event, 0)
	for _, e := range m.byTenant[tenantID] {
		if keep(e) {
			out = append(out, e.Clone())
		}
	}
	m.mu.RUnlock()

	order(out)
	return out, nil
}
