package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agrotrace/tracecore/pkg/audit"
)

// DefaultLease is how long a claimed task is hidden from other workers.
const DefaultLease = 5 * time.Minute

// PostgresOutbox is the durable outbox. Pending claims rows with
// FOR UPDATE SKIP LOCKED and a lease so several dispatchers can share it.
type PostgresOutbox struct {
	db    *sql.DB
	lease time.Duration
	now   func() time.Time
}

func NewPostgresOutbox(db *sql.DB) *PostgresOutbox {
	return &PostgresOutbox{db: db, lease: DefaultLease, now: time.Now}
}

// WithLease sets the claim lease.
func (o *PostgresOutbox) WithLease(d time.Duration) *PostgresOutbox {
	if d > 0 {
		o.lease = d
	}
	return o
}

const pgOutboxSchema = `
CREATE TABLE IF NOT EXISTS audit_outbox (
	id TEXT PRIMARY KEY,
	intent_json JSONB NOT NULL,
	scheduled_at TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL DEFAULT 'PENDING',
	claimed_until TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_audit_outbox_pending ON audit_outbox (scheduled_at) WHERE status = 'PENDING';
`

func (o *PostgresOutbox) Init(ctx context.Context) error {
	_, err := o.db.ExecContext(ctx, pgOutboxSchema)
	return err
}

func (o *PostgresOutbox) Schedule(ctx context.Context, task audit.Task) error {
	if task.ID == "" {
		return ErrInvalidTask
	}
	intentJSON, err := encodeIntent(task.Intent)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO audit_outbox (id, intent_json, scheduled_at, status)
		VALUES ($1, $2, $3, 'PENDING')
		ON CONFLICT (id) DO NOTHING
	`
	_, err = o.db.ExecContext(ctx, query, task.ID, intentJSON, task.ScheduledAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to schedule audit task: %w", err)
	}
	return nil
}

// Pending claims up to limit unleased tasks, oldest first.
func (o *PostgresOutbox) Pending(ctx context.Context, limit int) ([]audit.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	now := o.now().UTC()
	query := `
		UPDATE audit_outbox
		SET claimed_until = $1
		WHERE id IN (
			SELECT id FROM audit_outbox
			WHERE status = 'PENDING' AND (claimed_until IS NULL OR claimed_until < $2)
			ORDER BY scheduled_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, intent_json, scheduled_at
	`
	rows, err := o.db.QueryContext(ctx, query, now.Add(o.lease), now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	tasks := make([]audit.Task, 0)
	for rows.Next() {
		var (
			id          string
			intentJSON  []byte
			scheduledAt time.Time
		)
		if err := rows.Scan(&id, &intentJSON, &scheduledAt); err != nil {
			return nil, err
		}
		in, err := decodeIntent(id, intentJSON)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, audit.Task{ID: id, Intent: in, ScheduledAt: scheduledAt.UTC()})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortTasks(tasks)
	return tasks, nil
}

func (o *PostgresOutbox) MarkDone(ctx context.Context, id string) error {
	query := `UPDATE audit_outbox SET status = 'DONE', claimed_until = NULL WHERE id = $1`
	_, err := o.db.ExecContext(ctx, query, id)
	return err
}
