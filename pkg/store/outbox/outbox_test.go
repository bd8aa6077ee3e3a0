package outbox

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrotrace/tracecore/pkg/audit"
	"github.com/agrotrace/tracecore/pkg/auth"
	"github.com/agrotrace/tracecore/pkg/store/ledger"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func task(id string, at time.Time) audit.Task {
	return audit.Task{
		ID: id,
		Intent: audit.Intent{
			Operation:   audit.OperationClose,
			EntityType:  audit.EntityShipment,
			EntityID:    11,
			EntityCode:  "SHP-11",
			Description: "shipment closed",
			NewState:    json.RawMessage(`{"containers":2}`),
			Actor:       &auth.User{ID: "u-1", Email: "log@example.com", TenantID: "t1"},
		},
		ScheduledAt: at,
	}
}

func runOutboxContract(t *testing.T, newOutbox func(t *testing.T) audit.Outbox) {
	ctx := context.Background()

	t.Run("PendingOldestFirst", func(t *testing.T) {
		o := newOutbox(t)
		require.NoError(t, o.Schedule(ctx, task("b", t0.Add(time.Second))))
		require.NoError(t, o.Schedule(ctx, task("a", t0)))
		require.NoError(t, o.Schedule(ctx, task("c", t0.Add(2*time.Second))))

		got, err := o.Pending(ctx, 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "a", got[0].ID)
		assert.Equal(t, "b", got[1].ID)
	})

	t.Run("ScheduleIsIdempotent", func(t *testing.T) {
		o := newOutbox(t)
		require.NoError(t, o.Schedule(ctx, task("a", t0)))
		dup := task("a", t0.Add(time.Hour))
		dup.Intent.Description = "second copy"
		require.NoError(t, o.Schedule(ctx, dup))

		got, err := o.Pending(ctx, 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "shipment closed", got[0].Intent.Description)
	})

	t.Run("MarkDone", func(t *testing.T) {
		o := newOutbox(t)
		require.NoError(t, o.Schedule(ctx, task("a", t0)))
		require.NoError(t, o.Schedule(ctx, task("b", t0)))
		require.NoError(t, o.MarkDone(ctx, "a"))
		require.NoError(t, o.MarkDone(ctx, "missing"))

		got, err := o.Pending(ctx, 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "b", got[0].ID)
	})

	t.Run("IntentRoundTrip", func(t *testing.T) {
		o := newOutbox(t)
		require.NoError(t, o.Schedule(ctx, task("a", t0)))
		got, err := o.Pending(ctx, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)

		in := got[0].Intent
		assert.Equal(t, audit.OperationClose, in.Operation)
		assert.Equal(t, int64(11), in.EntityID)
		assert.JSONEq(t, `{"containers":2}`, string(in.NewState))
		require.NotNil(t, in.Actor)
		assert.Equal(t, "t1", in.Actor.TenantID)
		assert.True(t, got[0].ScheduledAt.Equal(t0))
	})

	t.Run("RejectsEmptyID", func(t *testing.T) {
		o := newOutbox(t)
		assert.ErrorIs(t, o.Schedule(ctx, task("", t0)), ErrInvalidTask)
	})
}

func TestMemoryOutbox(t *testing.T) {
	runOutboxContract(t, func(t *testing.T) audit.Outbox { return NewMemoryOutbox() })
}

func TestMemoryOutbox_PendingCount(t *testing.T) {
	o := NewMemoryOutbox()
	ctx := context.Background()
	require.NoError(t, o.Schedule(ctx, task("a", t0)))
	require.NoError(t, o.Schedule(ctx, task("b", t0)))
	require.NoError(t, o.MarkDone(ctx, "b"))
	assert.Equal(t, 1, o.PendingCount())
}

func TestSQLiteOutbox(t *testing.T) {
	runOutboxContract(t, func(t *testing.T) audit.Outbox {
		db, err := ledger.OpenSQLite(filepath.Join(t.TempDir(), "outbox.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		o, err := NewSQLiteOutbox(db)
		require.NoError(t, err)
		return o
	})
}

func TestPostgresOutbox_Schedule(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec(`INSERT INTO audit_outbox .* ON CONFLICT \(id\) DO NOTHING`).
		WithArgs("a", sqlmock.AnyArg(), t0).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, NewPostgresOutbox(db).Schedule(context.Background(), task("a", t0)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresOutbox_PendingClaimsWithSkipLocked(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	intentJSON, err := json.Marshal(task("a", t0).Intent)
	require.NoError(t, err)

	o := NewPostgresOutbox(db).WithLease(time.Minute)
	o.now = func() time.Time { return t0 }

	mock.ExpectQuery(`UPDATE audit_outbox SET claimed_until = \$1 .* FOR UPDATE SKIP LOCKED .* RETURNING id, intent_json, scheduled_at`).
		WithArgs(t0.Add(time.Minute), t0, int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "intent_json", "scheduled_at"}).
			AddRow("b", intentJSON, t0.Add(time.Second)).
			AddRow("a", intentJSON, t0))

	got, err := o.Pending(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
	assert.Equal(t, audit.EntityShipment, got[0].Intent.EntityType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresOutbox_PendingCorruptIntent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(`UPDATE audit_outbox`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "intent_json", "scheduled_at"}).
			AddRow("a", []byte(`{not json`), t0))

	_, err = NewPostgresOutbox(db).Pending(context.Background(), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt intent JSON in outbox record a")
}

func TestPostgresOutbox_MarkDone(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec(`UPDATE audit_outbox SET status = 'DONE'`).
		WithArgs("a").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, NewPostgresOutbox(db).MarkDone(context.Background(), "a"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
