package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/agrotrace/tracecore/pkg/audit"

	_ "modernc.org/sqlite"
)

// sqliteTimeLayout is fixed width so lexical order matches chronological order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS audit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		actor_id TEXT NOT NULL,
		actor_email TEXT NOT NULL DEFAULT '',
		tenant_id TEXT NOT NULL,
		tenant_name TEXT NOT NULL DEFAULT '',
		entity_type TEXT NOT NULL,
		entity_id INTEGER NOT NULL,
		entity_code TEXT NOT NULL DEFAULT '',
		operation_type TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		prior_state TEXT,
		new_state TEXT,
		changed_fields TEXT NOT NULL DEFAULT '',
		module TEXT NOT NULL,
		severity TEXT NOT NULL,
		in_chain INTEGER NOT NULL DEFAULT 0,
		event_hash TEXT NOT NULL,
		previous_hash TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_events_tenant ON audit_events (tenant_id, created_at, id)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_events_entity ON audit_events (tenant_id, entity_type, entity_id)`,
	`CREATE TRIGGER IF NOT EXISTS audit_events_no_update BEFORE UPDATE ON audit_events
	BEGIN
		SELECT RAISE(ABORT, 'audit_events is append-only');
	END`,
	`CREATE TRIGGER IF NOT EXISTS audit_events_no_delete BEFORE DELETE ON audit_events
	BEGIN
		SELECT RAISE(ABORT, 'audit_events is append-only');
	END`,
}

// sqliteBusyTimeout is how long a connection waits for another process's
// write lock before failing with SQLITE_BUSY.
const sqliteBusyTimeout = 5 * time.Second

// sqliteDSN adds the pragmas every handle needs to path.
func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout(%d)", path, sep, sqliteBusyTimeout.Milliseconds())
}

// OpenSQLite opens (creating if needed) a SQLite database file. A single
// connection is kept per handle; other processes sharing the file wait on
// the busy timeout instead of failing.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	return db, nil
}

// SQLiteLedger stores audit events in SQLite. Used by lite mode.
type SQLiteLedger struct {
	db *sql.DB
}

func NewSQLiteLedger(db *sql.DB) (*SQLiteLedger, error) {
	l := &SQLiteLedger{db: db}
	if err := l.migrate(context.Background()); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLedger) migrate(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite ledger migrate: %w", err)
		}
	}
	return nil
}

// sqliteConn is satisfied by *sql.DB and *sql.Conn.
type sqliteConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const sqliteInsertEvent = `INSERT INTO audit_events (
		actor_id, actor_email, tenant_id, tenant_name, entity_type, entity_id, entity_code,
		operation_type, description, prior_state, new_state, changed_fields, module, severity, in_chain,
		event_hash, previous_hash, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const sqliteLatestChain = `SELECT ` + eventColumns + `
		FROM audit_events
		WHERE tenant_id = ? AND in_chain = 1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`

func (l *SQLiteLedger) Append(ctx context.Context, e *audit.Event) error {
	if err := validate(e); err != nil {
		return err
	}
	return insertSQLiteEvent(ctx, l.db, e)
}

// AppendChained reads the chain head and appends the next link inside one
// BEGIN IMMEDIATE transaction. The reserved lock it takes is file-wide, so
// separate processes sharing the database cannot fork a tenant's chain.
func (l *SQLiteLedger) AppendChained(ctx context.Context, tenantID string, build func(prev *audit.Event) (*audit.Event, error)) (*audit.Event, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire sqlite connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return nil, fmt.Errorf("acquire chain lock: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	prev, err := querySQLite(ctx, conn, sqliteLatestChain, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load chain head: %w", err)
	}
	var head *audit.Event
	if len(prev) > 0 {
		head = prev[0]
	}

	e, err := build(head)
	if err != nil {
		return nil, err
	}
	if err := validate(e); err != nil {
		return nil, err
	}
	if e.TenantID != tenantID {
		return nil, fmt.Errorf("%w: event tenant %q does not match chain tenant %q", ErrInvalidEvent, e.TenantID, tenantID)
	}
	if err := insertSQLiteEvent(ctx, conn, e); err != nil {
		return nil, err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return nil, fmt.Errorf("commit chained event: %w", err)
	}
	committed = true
	return e, nil
}

func insertSQLiteEvent(ctx context.Context, c sqliteConn, e *audit.Event) error {
	res, err := c.ExecContext(ctx, sqliteInsertEvent,
		e.ActorID, e.ActorEmail, e.TenantID, e.TenantName, string(e.EntityType), e.EntityID, e.EntityCode,
		string(e.OperationType), e.Description, nullJSON(e.PriorState), nullJSON(e.NewState), e.ChangedFields,
		string(e.Module), string(e.Severity), e.InChain,
		e.EventHash, e.PreviousHash, e.CreatedAt.UTC().Format(sqliteTimeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read audit event id: %w", err)
	}
	e.ID = id
	return nil
}

func (l *SQLiteLedger) ListByTenant(ctx context.Context, tenantID string) ([]*audit.Event, error) {
	query := `SELECT ` + eventColumns + `
		FROM audit_events
		WHERE tenant_id = ?
		ORDER BY created_at DESC, id DESC`
	return l.query(ctx, query, tenantID)
}

func (l *SQLiteLedger) ListByEntity(ctx context.Context, tenantID string, entityType audit.EntityType, entityID int64) ([]*audit.Event, error) {
	query := `SELECT ` + eventColumns + `
		FROM audit_events
		WHERE tenant_id = ? AND entity_type = ? AND entity_id = ?
		ORDER BY created_at DESC, id DESC`
	return l.query(ctx, query, tenantID, string(entityType), entityID)
}

func (l *SQLiteLedger) ListChain(ctx context.Context, tenantID string) ([]*audit.Event, error) {
	query := `SELECT ` + eventColumns + `
		FROM audit_events
		WHERE tenant_id = ? AND in_chain = 1
		ORDER BY created_at ASC, id ASC`
	return l.query(ctx, query, tenantID)
}

func (l *SQLiteLedger) LatestChainEvent(ctx context.Context, tenantID string) (*audit.Event, error) {
	events, err := l.query(ctx, sqliteLatestChain, tenantID)
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return events[0], nil
}

func (l *SQLiteLedger) query(ctx context.Context, query string, args ...any) ([]*audit.Event, error) {
	return querySQLite(ctx, l.db, query, args...)
}

func querySQLite(ctx context.Context, c sqliteConn, query string, args ...any) ([]*audit.Event, error) {
	rows, err := c.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanAll(rows, scanSQLiteEvent)
}

func scanSQLiteEvent(s scanner) (*audit.Event, error) {
	var created string
	return scanEvent(s, &created, func(e *audit.Event) error {
		t, err := parseSQLiteTime(created)
		if err != nil {
			return err
		}
		e.CreatedAt = t
		return nil
	})
}

func parseSQLiteTime(s string) (time.Time, error) {
	if t, err := time.Parse(sqliteTimeLayout, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt created_at %q: %w", s, err)
	}
	return t.UTC(), nil
}
