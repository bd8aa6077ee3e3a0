package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvent() *Event {
	return &Event{
		ActorID:       "user-7",
		TenantID:      "t1",
		EntityType:    EntityHarvest,
		EntityID:      42,
		OperationType: OperationClose,
		Description:   "harvest closed",
		PreviousHash:  SentinelHash,
		CreatedAt:     testTime,
	}
}

func TestCanonicalEncoding(t *testing.T) {
	e := sampleEvent()
	assert.Equal(t, "0|user-7|42|HARVEST|CLOSE|harvest closed|t1|2025-02-03T04:05:06Z", CanonicalEncoding(e))

	e.PreviousHash = ""
	assert.Equal(t, "0|user-7|42|HARVEST|CLOSE|harvest closed|t1|2025-02-03T04:05:06Z", CanonicalEncoding(e),
		"empty previous hash encodes as the sentinel")

	e.PreviousHash = "abc"
	e.CreatedAt = time.Date(2025, 2, 3, 1, 5, 6, 0, time.FixedZone("BRT", -3*3600))
	assert.Equal(t, "abc|user-7|42|HARVEST|CLOSE|harvest closed|t1|2025-02-03T04:05:06Z", CanonicalEncoding(e),
		"createdAt is rendered in UTC")
}

func TestCanonicalEncoding_IgnoresUnhashedFields(t *testing.T) {
	a := sampleEvent()
	b := sampleEvent()
	b.ActorEmail = "other@example.com"
	b.TenantName = "Other"
	b.NewState = []byte(`{"x":1}`)
	b.Module = ModuleLogistics
	assert.Equal(t, CanonicalEncoding(a), CanonicalEncoding(b))
}

func TestCanonicalEncoding_SeparatorIsNotEscaped(t *testing.T) {
	a := sampleEvent()
	a.Description = "closed|t1"
	a.TenantID = "x"
	b := sampleEvent()
	b.Description = "closed"
	b.TenantID = "t1|x"

	assert.Equal(t, CanonicalEncoding(a), CanonicalEncoding(b))
	assert.Contains(t, CanonicalEncoding(a), "|closed|t1|x|")
}

func TestComputeHash(t *testing.T) {
	e := sampleEvent()
	got, err := ComputeHash(e)
	require.NoError(t, err)

	sum := sha256.Sum256([]byte(CanonicalEncoding(e)))
	assert.Equal(t, hex.EncodeToString(sum[:]), got)
	assert.Len(t, got, 64)

	again, err := ComputeHash(sampleEvent())
	require.NoError(t, err)
	assert.Equal(t, got, again, "identical inputs hash identically")
}

func TestComputeHash_EveryHashedFieldMatters(t *testing.T) {
	base, err := ComputeHash(sampleEvent())
	require.NoError(t, err)

	mutations := map[string]func(e *Event){
		"previousHash":  func(e *Event) { e.PreviousHash = "ff" },
		"actorId":       func(e *Event) { e.ActorID = "user-8" },
		"entityId":      func(e *Event) { e.EntityID = 43 },
		"entityType":    func(e *Event) { e.EntityType = EntityLot },
		"operationType": func(e *Event) { e.OperationType = OperationUpdate },
		"description":   func(e *Event) { e.Description = "harvest closed!" },
		"tenantId":      func(e *Event) { e.TenantID = "t2" },
		"createdAt":     func(e *Event) { e.CreatedAt = e.CreatedAt.Add(time.Second) },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			e := sampleEvent()
			mutate(e)
			h, err := ComputeHash(e)
			require.NoError(t, err)
			assert.NotEqual(t, base, h)
		})
	}
}

func TestVerifyEventHash(t *testing.T) {
	e := sampleEvent()
	assert.False(t, VerifyEventHash(e), "no stored hash")
	assert.False(t, VerifyEventHash(nil))

	h, err := ComputeHash(e)
	require.NoError(t, err)
	e.EventHash = h
	assert.True(t, VerifyEventHash(e))

	e.Description = "edited"
	assert.False(t, VerifyEventHash(e))
}

func TestHashComputationError(t *testing.T) {
	var err error = &HashComputationError{Algorithm: "SHA-256"}
	assert.ErrorIs(t, err, ErrHashComputation)
	assert.NotErrorIs(t, err, ErrPersistence)
	assert.Contains(t, err.Error(), "SHA-256")
}
