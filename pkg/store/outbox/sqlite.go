package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agrotrace/tracecore/pkg/audit"

	_ "modernc.org/sqlite"
)

// SQLiteOutbox is the lite-mode outbox, sharing the ledger's database file.
type SQLiteOutbox struct {
	db *sql.DB
}

func NewSQLiteOutbox(db *sql.DB) (*SQLiteOutbox, error) {
	o := &SQLiteOutbox{db: db}
	query := `
	CREATE TABLE IF NOT EXISTS audit_outbox (
		id TEXT PRIMARY KEY,
		intent_json TEXT NOT NULL,
		scheduled_at TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING'
	);`
	if _, err := db.ExecContext(context.Background(), query); err != nil {
		return nil, fmt.Errorf("sqlite outbox migrate: %w", err)
	}
	return o, nil
}

func (o *SQLiteOutbox) Schedule(ctx context.Context, task audit.Task) error {
	if task.ID == "" {
		return ErrInvalidTask
	}
	intentJSON, err := encodeIntent(task.Intent)
	if err != nil {
		return err
	}
	query := `INSERT INTO audit_outbox (id, intent_json, scheduled_at, status)
		VALUES (?, ?, ?, 'PENDING')
		ON CONFLICT (id) DO NOTHING`
	_, err = o.db.ExecContext(ctx, query, task.ID, string(intentJSON), task.ScheduledAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to schedule audit task: %w", err)
	}
	return nil
}

func (o *SQLiteOutbox) Pending(ctx context.Context, limit int) ([]audit.Task, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT id, intent_json, scheduled_at
		FROM audit_outbox
		WHERE status = 'PENDING'
		ORDER BY scheduled_at ASC, id ASC
		LIMIT ?`
	rows, err := o.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	tasks := make([]audit.Task, 0)
	for rows.Next() {
		var id, intentJSON, scheduled string
		if err := rows.Scan(&id, &intentJSON, &scheduled); err != nil {
			return nil, err
		}
		in, err := decodeIntent(id, []byte(intentJSON))
		if err != nil {
			return nil, err
		}
		at, err := time.Parse(time.RFC3339Nano, scheduled)
		if err != nil {
			return nil, fmt.Errorf("corrupt scheduled_at in outbox record %s: %w", id, err)
		}
		tasks = append(tasks, audit.Task{ID: id, Intent: in, ScheduledAt: at.UTC()})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortTasks(tasks)
	return tasks, nil
}

func (o *SQLiteOutbox) MarkDone(ctx context.Context, id string) error {
	_, err := o.db.ExecContext(ctx, `UPDATE audit_outbox SET status = 'DONE' WHERE id = ?`, id)
	return err
}
