package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRecord_IntegrityVerified(t *testing.T) {
	l := &fakeLedger{}
	rec := newTestRecorder(l)
	ctx := context.Background()

	plain, err := rec.RecordCreate(ctx, EntityLot, 1, "L-1", "created", testActor("t1"))
	require.NoError(t, err)
	chained, err := rec.RecordCriticalClose(ctx, EntityLot, 1, "L-1", "closed", nil, testActor("t1"))
	require.NoError(t, err)

	assert.Nil(t, NewRecord(plain).IntegrityVerified)

	r := NewRecord(chained)
	require.NotNil(t, r.IntegrityVerified)
	assert.True(t, *r.IntegrityVerified)

	chained.Description = "edited"
	r = NewRecord(chained)
	require.NotNil(t, r.IntegrityVerified)
	assert.False(t, *r.IntegrityVerified)
}

func TestRecord_JSONShape(t *testing.T) {
	rec := newTestRecorder(&fakeLedger{})
	e, err := rec.RecordCriticalClose(context.Background(), EntityShipment, 4, "S-4", "shipment closed",
		map[string]any{"containers": 3}, testActor("t1"))
	require.NoError(t, err)

	b, err := json.Marshal(NewRecord(e))
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	for _, key := range []string{
		"id", "actorId", "actorEmail", "tenantId", "tenantName", "entityType", "entityId", "entityCode",
		"operationType", "description", "newState", "module", "severity", "inChain", "eventHash",
		"previousHash", "createdAt", "integrityVerified",
	} {
		assert.Contains(t, m, key)
	}
	assert.Equal(t, "2025-02-03T04:05:06Z", m["createdAt"])
	assert.Equal(t, true, m["integrityVerified"])
	assert.NotContains(t, m, "priorState")
}

func TestQuery(t *testing.T) {
	l := &fakeLedger{}
	rec := newTestRecorder(l)
	ctx := context.Background()
	actor := testActor("t1")

	_, err := rec.RecordCreate(ctx, EntityLot, 1, "L-1", "created", actor)
	require.NoError(t, err)
	_, err = rec.RecordCreate(ctx, EntityLot, 2, "L-2", "created", actor)
	require.NoError(t, err)
	closed, err := rec.RecordCriticalClose(ctx, EntityLot, 1, "L-1", "closed", nil, actor)
	require.NoError(t, err)
	_, err = rec.RecordCreate(ctx, EntityLot, 1, "L-1", "other tenant", testActor("t2"))
	require.NoError(t, err)

	q := NewQuery(l, nil)

	all, err := q.ListByTenant(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, closed.ID, all[0].ID, "newest first")

	entity, err := q.ListByEntity(ctx, "t1", "lot", 1)
	require.NoError(t, err)
	require.Len(t, entity, 2)
	for _, r := range entity {
		assert.Equal(t, "t1", r.TenantID)
		assert.Equal(t, int64(1), r.EntityID)
	}

	chain, err := q.ListChain(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, chain, 1)
	require.NotNil(t, chain[0].IntegrityVerified)
	assert.True(t, *chain[0].IntegrityVerified)

	ok, err := q.VerifyChain(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, ok)

	report, err := q.Inspect(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Length)
}

func TestQuery_RequiresTenant(t *testing.T) {
	q := NewQuery(&fakeLedger{}, nil)
	ctx := context.Background()

	_, err := q.ListByTenant(ctx, "")
	assert.ErrorIs(t, err, ErrEmptyTenantID)
	_, err = q.ListByEntity(ctx, "", EntityLot, 1)
	assert.ErrorIs(t, err, ErrEmptyTenantID)
	_, err = q.ListChain(ctx, "")
	assert.ErrorIs(t, err, ErrEmptyTenantID)
	_, err = q.VerifyChain(ctx, "")
	assert.ErrorIs(t, err, ErrEmptyTenantID)
	_, err = q.Inspect(ctx, "")
	assert.ErrorIs(t, err, ErrEmptyTenantID)
}

func TestQuery_LedgerFailure(t *testing.T) {
	q := NewQuery(&fakeLedger{listErr: errors.New("boom")}, nil)
	_, err := q.ListByTenant(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrPersistence)
}

func TestPersistenceError_NotDoubleWrapped(t *testing.T) {
	inner := &PersistenceError{Op: "append event", Err: errors.New("x")}
	err := persistenceErr("outer", inner)
	assert.Same(t, inner, err)
	assert.Nil(t, persistenceErr("noop", nil))
	assert.Equal(t, "audit: append event failed: x", err.Error())
}
