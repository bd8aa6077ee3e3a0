package audit

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/agrotrace/tracecore/pkg/observability"
)

// BreakReason says which check failed first.
type BreakReason string

const (
	BreakNone    BreakReason = ""
	BreakGenesis BreakReason = "genesis" // first event does not start from the sentinel
	BreakHash    BreakReason = "hash"    // stored hash differs from the recomputed one
	BreakLink    BreakReason = "link"    // previousHash differs from the predecessor's hash
)

// ChainReport is the detailed outcome of a chain walk.
type ChainReport struct {
	TenantID      string      `json:"tenant_id"`
	Valid         bool        `json:"valid"`
	Length        int         `json:"length"`
	HeadHash      string      `json:"head_hash,omitempty"`
	BrokenAt      int         `json:"broken_at"`
	BrokenEventID int64       `json:"broken_event_id,omitempty"`
	Reason        BreakReason `json:"reason,omitempty"`
}

// VerifyEvents walks events in chain order and stops at the first failure.
// An empty slice is valid.
func VerifyEvents(events []*Event) ChainReport {
	report := ChainReport{Valid: true, Length: len(events), BrokenAt: -1}
	if len(events) > 0 {
		report.TenantID = events[0].TenantID
		report.HeadHash = events[len(events)-1].EventHash
	}

	broken := func(i int, reason BreakReason) ChainReport {
		report.Valid = false
		report.BrokenAt = i
		report.BrokenEventID = events[i].ID
		report.Reason = reason
		return report
	}

	for i, e := range events {
		if i == 0 && e.PreviousHash != SentinelHash {
			return broken(i, BreakGenesis)
		}
		if !VerifyEventHash(e) {
			return broken(i, BreakHash)
		}
		if i > 0 && e.PreviousHash != events[i-1].EventHash {
			return broken(i, BreakLink)
		}
	}
	return report
}

// Verifier checks a tenant's chain against the ledger. It never writes.
type Verifier struct {
	ledger Ledger
	obs    *observability.Provider
	logger *slog.Logger
}

// NewVerifier creates a Verifier. obs may be nil.
func NewVerifier(l Ledger, obs *observability.Provider) *Verifier {
	return &Verifier{
		ledger: l,
		obs:    obs,
		logger: slog.Default().With("component", "audit.verifier"),
	}
}

// VerifyChain reports whether the tenant's chain is intact. A broken chain
// is (false, nil); the error is reserved for ledger failures.
func (v *Verifier) VerifyChain(ctx context.Context, tenantID string) (bool, error) {
	report, err := v.Inspect(ctx, tenantID)
	if err != nil {
		return false, err
	}
	return report.Valid, nil
}

// Inspect is VerifyChain with the position and reason of the first break.
func (v *Verifier) Inspect(ctx context.Context, tenantID string) (ChainReport, error) {
	ctx, span := v.obs.StartSpan(ctx, "audit.verify_chain", attribute.String("audit.tenant_id", tenantID))
	defer span.End()

	events, err := v.ledger.ListChain(ctx, tenantID)
	if err != nil {
		span.RecordError(err)
		return ChainReport{TenantID: tenantID, BrokenAt: -1}, persistenceErr("list chain", err)
	}

	report := VerifyEvents(events)
	report.TenantID = tenantID
	v.obs.RecordVerification(ctx, report.Valid)
	if !report.Valid {
		v.logger.WarnContext(ctx, "audit chain broken",
			"tenant_id", tenantID,
			"index", report.BrokenAt,
			"event_id", report.BrokenEventID,
			"reason", report.Reason,
		)
	}
	return report, nil
}
