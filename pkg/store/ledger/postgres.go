package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agrotrace/tracecore/pkg/audit"
)

// PostgresLedger is the durable ledger. Rows are protected by a tenant
// isolation policy and an append-only trigger; every statement runs in a
// transaction scoped to one tenant via app.current_tenant.
type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id BIGSERIAL PRIMARY KEY,
	actor_id TEXT NOT NULL,
	actor_email TEXT NOT NULL DEFAULT '',
	tenant_id TEXT NOT NULL,
	tenant_name TEXT NOT NULL DEFAULT '',
	entity_type TEXT NOT NULL,
	entity_id BIGINT NOT NULL,
	entity_code TEXT NOT NULL DEFAULT '',
	operation_type TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	prior_state TEXT,
	new_state TEXT,
	changed_fields TEXT NOT NULL DEFAULT '',
	module TEXT NOT NULL,
	severity TEXT NOT NULL,
	in_chain BOOLEAN NOT NULL DEFAULT FALSE,
	event_hash TEXT NOT NULL,
	previous_hash TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_events_tenant ON audit_events (tenant_id, created_at, id);
CREATE INDEX IF NOT EXISTS idx_audit_events_entity ON audit_events (tenant_id, entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_audit_events_chain ON audit_events (tenant_id, created_at, id) WHERE in_chain;

ALTER TABLE audit_events ENABLE ROW LEVEL SECURITY;

DO $$
BEGIN
    IF NOT EXISTS (
        SELECT 1 FROM pg_policies WHERE tablename = 'audit_events' AND policyname = 'audit_tenant_isolation'
    ) THEN
        CREATE POLICY audit_tenant_isolation ON audit_events
        USING (tenant_id = current_setting('app.current_tenant', true)::text);
    END IF;
END
$$;

CREATE OR REPLACE FUNCTION audit_events_append_only() RETURNS trigger AS $$
BEGIN
    RAISE EXCEPTION 'audit_events is append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS audit_events_no_mutation ON audit_events;
CREATE TRIGGER audit_events_no_mutation
    BEFORE UPDATE OR DELETE ON audit_events
    FOR EACH ROW EXECUTE FUNCTION audit_events_append_only();
`

func (l *PostgresLedger) Init(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, pgSchema)
	return err
}

const pgInsertEvent = `INSERT INTO audit_events (
	actor_id, actor_email, tenant_id, tenant_name, entity_type, entity_id, entity_code,
	operation_type, description, prior_state, new_state, changed_fields, module, severity, in_chain,
	event_hash, previous_hash, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
RETURNING id`

const pgLatestChain = `SELECT ` + eventColumns + `
	FROM audit_events
	WHERE tenant_id = $1 AND in_chain
	ORDER BY created_at DESC, id DESC
	LIMIT 1`

func (l *PostgresLedger) Append(ctx context.Context, e *audit.Event) error {
	if err := validate(e); err != nil {
		return err
	}
	return l.withTenant(ctx, e.TenantID, func(tx *sql.Tx) error {
		return insertEvent(ctx, tx, e)
	})
}

// AppendChained serializes chained appends per tenant with a transaction
// scoped advisory lock, so concurrent processes cannot fork the chain.
func (l *PostgresLedger) AppendChained(ctx context.Context, tenantID string, build func(prev *audit.Event) (*audit.Event, error)) (*audit.Event, error) {
	var stored *audit.Event
	err := l.withTenant(ctx, tenantID, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, audit.ChainLockKey(tenantID)); err != nil {
			return fmt.Errorf("acquire chain lock: %w", err)
		}

		prev, err := scanPostgresEvent(tx.QueryRowContext(ctx, pgLatestChain, tenantID))
		if errors.Is(err, sql.ErrNoRows) {
			prev, err = nil, nil
		}
		if err != nil {
			return fmt.Errorf("load chain head: %w", err)
		}

		e, err := build(prev)
		if err != nil {
			return err
		}
		if err := validate(e); err != nil {
			return err
		}
		if e.TenantID != tenantID {
			return fmt.Errorf("%w: event tenant %q does not match chain tenant %q", ErrInvalidEvent, e.TenantID, tenantID)
		}
		if err := insertEvent(ctx, tx, e); err != nil {
			return err
		}
		stored = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, e *audit.Event) error {
	err := tx.QueryRowContext(ctx, pgInsertEvent,
		e.ActorID, e.ActorEmail, e.TenantID, e.TenantName, string(e.EntityType), e.EntityID, e.EntityCode,
		string(e.OperationType), e.Description, nullJSON(e.PriorState), nullJSON(e.NewState), e.ChangedFields,
		string(e.Module), string(e.Severity), e.InChain,
		e.EventHash, e.PreviousHash, e.CreatedAt.UTC(),
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

func (l *PostgresLedger) ListByTenant(ctx context.Context, tenantID string) ([]*audit.Event, error) {
	query := `SELECT ` + eventColumns + `
		FROM audit_events
		WHERE tenant_id = $1
		ORDER BY created_at DESC, id DESC`
	return l.query(ctx, tenantID, query, tenantID)
}

func (l *PostgresLedger) ListByEntity(ctx context.Context, tenantID string, entityType audit.EntityType, entityID int64) ([]*audit.Event, error) {
	query := `SELECT ` + eventColumns + `
		FROM audit_events
		WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3
		ORDER BY created_at DESC, id DESC`
	return l.query(ctx, tenantID, query, tenantID, string(entityType), entityID)
}

func (l *PostgresLedger) ListChain(ctx context.Context, tenantID string) ([]*audit.Event, error) {
	query := `SELECT ` + eventColumns + `
		FROM audit_events
		WHERE tenant_id = $1 AND in_chain
		ORDER BY created_at ASC, id ASC`
	return l.query(ctx, tenantID, query, tenantID)
}

func (l *PostgresLedger) LatestChainEvent(ctx context.Context, tenantID string) (*audit.Event, error) {
	events, err := l.query(ctx, tenantID, pgLatestChain, tenantID)
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return events[0], nil
}

func (l *PostgresLedger) query(ctx context.Context, tenantID, query string, args ...any) ([]*audit.Event, error) {
	var events []*audit.Event
	err := l.withTenant(ctx, tenantID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		events, err = scanAll(rows, scanPostgresEvent)
		return err
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// withTenant runs fn in a transaction whose row level security context is tenantID.
func (l *PostgresLedger) withTenant(ctx context.Context, tenantID string, fn func(tx *sql.Tx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT set_config('app.current_tenant', $1, true)`, tenantID); err != nil {
		return fmt.Errorf("set tenant context: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func scanPostgresEvent(s scanner) (*audit.Event, error) {
	var created time.Time
	return scanEvent(s, &created, func(e *audit.Event) error {
		e.CreatedAt = created.UTC()
		return nil
	})
}
