package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/agrotrace/tracecore/pkg/auth"
	"github.com/agrotrace/tracecore/pkg/lock"
	"github.com/agrotrace/tracecore/pkg/observability"
)

// Intent is a request to record one event. It is what post-commit tasks carry.
type Intent struct {
	Operation   OperationType   `json:"operation"`
	EntityType  EntityType      `json:"entity_type"`
	EntityID    int64           `json:"entity_id"`
	EntityCode  string          `json:"entity_code,omitempty"`
	Description string          `json:"description"`
	PriorState  json.RawMessage `json:"prior_state,omitempty"`
	NewState    json.RawMessage `json:"new_state,omitempty"`
	Actor       *auth.User      `json:"actor,omitempty"`
}

// Recorder builds, hashes and appends audit events. It is the only writer
// of the ledger.
type Recorder struct {
	ledger Ledger
	locker lock.Locker
	clock  func() time.Time
	logger *slog.Logger
	obs    *observability.Provider
}

// Option customises a Recorder.
type Option func(*Recorder)

// WithLocker replaces the in-process tenant lock, e.g. with a RedisLocker.
func WithLocker(l lock.Locker) Option {
	return func(r *Recorder) { r.locker = l }
}

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(r *Recorder) { r.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) { r.logger = logger }
}

// WithObservability attaches telemetry.
func WithObservability(p *observability.Provider) Option {
	return func(r *Recorder) { r.obs = p }
}

// NewRecorder creates a Recorder appending to l.
func NewRecorder(l Ledger, opts ...Option) *Recorder {
	r := &Recorder{
		ledger: l,
		locker: lock.NewLocalLocker(),
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "audit.recorder")
	return r
}

// RecordCreate records the creation of an entity.
func (r *Recorder) RecordCreate(ctx context.Context, entityType EntityType, entityID int64, entityCode, description string, actor auth.Principal) (*Event, error) {
	return r.record(ctx, Intent{
		Operation:   OperationCreate,
		EntityType:  entityType,
		EntityID:    entityID,
		EntityCode:  entityCode,
		Description: description,
	}, actor)
}

// RecordUpdate records a change; prior and next are snapshots of any
// JSON-serializable shape.
func (r *Recorder) RecordUpdate(ctx context.Context, entityType EntityType, entityID int64, entityCode, description string, prior, next any, actor auth.Principal) (*Event, error) {
	in := Intent{
		Operation:   OperationUpdate,
		EntityType:  entityType,
		EntityID:    entityID,
		EntityCode:  entityCode,
		Description: description,
	}
	var err error
	if in.PriorState, err = Snapshot(prior); err != nil {
		return nil, err
	}
	if in.NewState, err = Snapshot(next); err != nil {
		return nil, err
	}
	return r.record(ctx, in, actor)
}

// RecordDelete records the removal of an entity.
func (r *Recorder) RecordDelete(ctx context.Context, entityType EntityType, entityID int64, entityCode, description string, actor auth.Principal) (*Event, error) {
	return r.record(ctx, Intent{
		Operation:   OperationDelete,
		EntityType:  entityType,
		EntityID:    entityID,
		EntityCode:  entityCode,
		Description: description,
	}, actor)
}

// RecordCriticalClose records a critical close and links it into the
// tenant's hash chain.
func (r *Recorder) RecordCriticalClose(ctx context.Context, entityType EntityType, entityID int64, entityCode, description string, newStateSummary any, actor auth.Principal) (*Event, error) {
	next, err := Snapshot(newStateSummary)
	if err != nil {
		return nil, err
	}
	return r.record(ctx, Intent{
		Operation:   OperationClose,
		EntityType:  entityType,
		EntityID:    entityID,
		EntityCode:  entityCode,
		Description: description,
		NewState:    next,
	}, actor)
}

// Record records a prepared intent. Snapshots must already be JSON.
func (r *Recorder) Record(ctx context.Context, in Intent) (*Event, error) {
	var actor auth.Principal
	if in.Actor != nil {
		actor = in.Actor
	}
	return r.record(ctx, in, actor)
}

func (r *Recorder) record(ctx context.Context, in Intent, actor auth.Principal) (*Event, error) {
	start := time.Now()
	ctx, span := r.obs.StartSpan(ctx, "audit.record",
		attribute.String("audit.operation", string(in.Operation)),
		attribute.String("audit.entity_type", string(in.EntityType)),
	)
	defer span.End()

	user := auth.FromPrincipal(actor)
	switch {
	case user == nil:
		r.obs.RecordFailure(ctx, "missing_actor")
		return nil, &MissingActorError{Operation: in.Operation, Reason: "no actor"}
	case user.TenantID == "":
		r.obs.RecordFailure(ctx, "missing_actor")
		return nil, &MissingActorError{Operation: in.Operation, Reason: "actor has no tenant"}
	case user.ID == "":
		r.obs.RecordFailure(ctx, "missing_actor")
		return nil, &MissingActorError{Operation: in.Operation, Reason: "actor has no id"}
	}

	entityType := NormalizeEntityType(in.EntityType)
	e := &Event{
		ActorID:       user.ID,
		ActorEmail:    user.Email,
		TenantID:      user.TenantID,
		TenantName:    user.TenantName,
		EntityType:    entityType,
		EntityID:      in.EntityID,
		EntityCode:    in.EntityCode,
		OperationType: in.Operation,
		Description:   in.Description,
		PriorState:    in.PriorState,
		NewState:      in.NewState,
		ChangedFields: ChangedFields(in.PriorState, in.NewState),
		Module:        ClassifyModule(entityType),
		Severity:      SeverityFor(in.Operation),
		InChain:       ChainEligible(in.Operation),
		CreatedAt:     canonicalTime(r.clock()),
	}

	var err error
	if e.InChain {
		e, err = r.appendChained(ctx, e)
	} else {
		err = r.appendPlain(ctx, e)
	}
	if err != nil {
		r.obs.RecordFailure(ctx, failureReason(err))
		span.RecordError(err)
		r.logger.ErrorContext(ctx, "audit event not recorded",
			"tenant_id", user.TenantID,
			"operation", in.Operation,
			"entity_type", entityType,
			"entity_id", in.EntityID,
			"error", err,
		)
		return nil, err
	}

	r.obs.RecordEvent(ctx, string(e.Module), string(e.Severity), e.InChain)
	r.obs.RecordDuration(ctx, time.Since(start), string(in.Operation))
	r.logger.DebugContext(ctx, "audit event recorded",
		"id", e.ID,
		"tenant_id", e.TenantID,
		"operation", e.OperationType,
		"module", e.Module,
		"in_chain", e.InChain,
		"event_hash", e.EventHash,
	)
	return e.Clone(), nil
}

func (r *Recorder) appendPlain(ctx context.Context, e *Event) error {
	hash, err := ComputeHash(e)
	if err != nil {
		return err
	}
	e.EventHash = hash
	return persistenceErr("append event", r.ledger.Append(ctx, e))
}

// appendChained runs read-latest, hash and append as one critical section
// per tenant: inside the ledger when it can serialize, else under the locker.
func (r *Recorder) appendChained(ctx context.Context, e *Event) (*Event, error) {
	if ca, ok := r.ledger.(ChainAppender); ok {
		var sealErr error
		stored, err := ca.AppendChained(ctx, e.TenantID, func(prev *Event) (*Event, error) {
			if sealErr = seal(e, prev); sealErr != nil {
				return nil, sealErr
			}
			return e, nil
		})
		if sealErr != nil {
			return nil, sealErr
		}
		if err != nil {
			return nil, persistenceErr("append chained event", err)
		}
		return stored, nil
	}

	unlock, err := r.locker.Lock(ctx, ChainLockKey(e.TenantID))
	if err != nil {
		return nil, persistenceErr("lock tenant chain", err)
	}
	defer unlock()

	prev, err := r.ledger.LatestChainEvent(ctx, e.TenantID)
	if err != nil {
		return nil, persistenceErr("read chain head", err)
	}
	if err := seal(e, prev); err != nil {
		return nil, err
	}
	if err := r.ledger.Append(ctx, e); err != nil {
		return nil, persistenceErr("append chained event", err)
	}
	return e, nil
}

// seal links e after prev and computes its hash. CreatedAt never precedes
// the previous link so chain order and creation order agree.
func seal(e, prev *Event) error {
	e.PreviousHash = SentinelHash
	if prev != nil {
		e.PreviousHash = prev.EventHash
		if e.CreatedAt.Before(prev.CreatedAt) {
			e.CreatedAt = prev.CreatedAt
		}
	}
	hash, err := ComputeHash(e)
	if err != nil {
		return err
	}
	e.EventHash = hash
	return nil
}

// ChainLockKey is the lock key guarding a tenant's chain tail.
func ChainLockKey(tenantID string) string {
	return "audit-chain:" + tenantID
}

func failureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrHashComputation):
		return "hash"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	default:
		return "other"
	}
}
