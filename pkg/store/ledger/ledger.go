// Package ledger provides the append-only audit event stores: an in-memory
// ledger for tests and single-process use, SQLite for lite mode and
// Postgres for production.
package ledger

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/agrotrace/tracecore/pkg/audit"
)

var (
	// ErrInvalidEvent is returned when an event lacks fields the ledger must not default.
	ErrInvalidEvent = errors.New("ledger: invalid event")
)

var (
	_ audit.Ledger        = (*MemoryLedger)(nil)
	_ audit.Ledger        = (*SQLiteLedger)(nil)
	_ audit.Ledger        = (*PostgresLedger)(nil)
	_ audit.ChainAppender = (*SQLiteLedger)(nil)
	_ audit.ChainAppender = (*PostgresLedger)(nil)
)

// validate rejects events the ledger would otherwise have to complete.
// CreatedAt in particular is part of the hash and is never assigned here.
func validate(e *audit.Event) error {
	switch {
	case e == nil:
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	case e.TenantID == "":
		return fmt.Errorf("%w: tenant_id is empty", ErrInvalidEvent)
	case e.CreatedAt.IsZero():
		return fmt.Errorf("%w: created_at is not set", ErrInvalidEvent)
	case e.EventHash == "":
		return fmt.Errorf("%w: event_hash is not set", ErrInvalidEvent)
	case e.InChain && e.PreviousHash == "":
		return fmt.Errorf("%w: chained event without previous_hash", ErrInvalidEvent)
	}
	return nil
}

// before reports whether a precedes b in insertion order (created_at, then id).
func before(a, b *audit.Event) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func sortNewestFirst(events []*audit.Event) {
	sort.SliceStable(events, func(i, j int) bool { return before(events[j], events[i]) })
}

func sortOldestFirst(events []*audit.Event) {
	sort.SliceStable(events, func(i, j int) bool { return before(events[i], events[j]) })
}

const eventColumns = `id, actor_id, actor_email, tenant_id, tenant_name, entity_type, entity_id, entity_code,
	operation_type, description, prior_state, new_state, changed_fields, module, severity, in_chain,
	event_hash, previous_hash, created_at`

type scanner interface {
	Scan(dest ...any) error
}

// scanEvent reads one row of eventColumns. created receives the created_at
// column in whatever shape the driver returns; finish converts it.
func scanEvent(s scanner, created any, finish func(e *audit.Event) error) (*audit.Event, error) {
	var (
		e                                audit.Event
		entityType, op, module, severity string
		prior, next                      sql.NullString
		inChain                          bool
	)
	if err := s.Scan(&e.ID, &e.ActorID, &e.ActorEmail, &e.TenantID, &e.TenantName, &entityType, &e.EntityID, &e.EntityCode,
		&op, &e.Description, &prior, &next, &e.ChangedFields, &module, &severity, &inChain,
		&e.EventHash, &e.PreviousHash, created); err != nil {
		return nil, err
	}
	e.EntityType = audit.EntityType(entityType)
	e.OperationType = audit.OperationType(op)
	e.Module = audit.Module(module)
	e.Severity = audit.Severity(severity)
	e.InChain = inChain
	if prior.Valid {
		e.PriorState = json.RawMessage(prior.String)
	}
	if next.Valid {
		e.NewState = json.RawMessage(next.String)
	}
	if err := finish(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

func nullJSON(raw json.RawMessage) sql.NullString {
	if raw == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func scanAll(rows *sql.Rows, scan func(scanner) (*audit.Event, error)) ([]*audit.Event, error) {
	defer func() { _ = rows.Close() }()

	result := make([]*audit.Event, 0)
	for rows.Next() {
		e, err := scan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
