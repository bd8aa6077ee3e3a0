package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agrotrace/tracecore/pkg/canonicalize"
)

var (
	// ErrInvalidTimeRange is returned when start time is after end time.
	ErrInvalidTimeRange = errors.New("audit: start_time must be before end_time")
	// ErrLedgerNotConfigured is returned when export is invoked without a backing ledger.
	ErrLedgerNotConfigured = errors.New("audit: ledger not configured (fail-closed)")
)

// ExportRequest defines what to export. Zero times leave the window open.
type ExportRequest struct {
	TenantID  string    `json:"tenant_id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// Manifest describes an evidence pack.
type Manifest struct {
	BundleID    string      `json:"bundle_id"`
	TenantID    string      `json:"tenant_id"`
	GeneratedAt time.Time   `json:"generated_at"`
	PeriodStart *time.Time  `json:"period_start,omitempty"`
	PeriodEnd   *time.Time  `json:"period_end,omitempty"`
	EventCount  int         `json:"event_count"`
	Chain       ChainReport `json:"chain"`
}

// EvidencePack is a zip of a tenant's audit trail plus its checksum.
type EvidencePack struct {
	Manifest Manifest
	Zip      []byte
	Checksum string // sha256 hex of Zip
}

// Exporter builds evidence packs for auditors and importers.
type Exporter struct {
	ledger Ledger
	clock  func() time.Time
}

// NewExporter creates an Exporter.
func NewExporter(l Ledger) *Exporter {
	return &Exporter{ledger: l, clock: time.Now}
}

// GeneratePack writes events.json (window-filtered, newest first),
// chain.json (the whole chain, oldest first), manifest.json and README.txt.
// The chain verdict always covers the whole chain.
func (x *Exporter) GeneratePack(ctx context.Context, req ExportRequest) (*EvidencePack, error) {
	if req.TenantID == "" {
		return nil, ErrEmptyTenantID
	}
	if !req.StartTime.IsZero() && !req.EndTime.IsZero() && req.StartTime.After(req.EndTime) {
		return nil, ErrInvalidTimeRange
	}
	if x.ledger == nil {
		return nil, ErrLedgerNotConfigured
	}

	all, err := x.ledger.ListByTenant(ctx, req.TenantID)
	if err != nil {
		return nil, persistenceErr("list by tenant", err)
	}
	chain, err := x.ledger.ListChain(ctx, req.TenantID)
	if err != nil {
		return nil, persistenceErr("list chain", err)
	}

	events := make([]*Event, 0, len(all))
	for _, e := range all {
		if !req.StartTime.IsZero() && e.CreatedAt.Before(req.StartTime) {
			continue
		}
		if !req.EndTime.IsZero() && e.CreatedAt.After(req.EndTime) {
			continue
		}
		events = append(events, e)
	}

	report := VerifyEvents(chain)
	report.TenantID = req.TenantID
	manifest := Manifest{
		BundleID:    uuid.NewString(),
		TenantID:    req.TenantID,
		GeneratedAt: x.clock().UTC().Truncate(time.Second),
		EventCount:  len(events),
		Chain:       report,
	}
	if !req.StartTime.IsZero() {
		s := req.StartTime.UTC()
		manifest.PeriodStart = &s
	}
	if !req.EndTime.IsZero() {
		e := req.EndTime.UTC()
		manifest.PeriodEnd = &e
	}

	eventsJSON, err := json.MarshalIndent(NewRecords(events), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("audit: failed to marshal events: %w", err)
	}
	chainJSON, err := json.MarshalIndent(NewRecords(chain), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("audit: failed to marshal chain: %w", err)
	}
	manifestJSON, err := canonicalize.JCS(manifest)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	files := []struct {
		name string
		body []byte
	}{
		{"events.json", eventsJSON},
		{"chain.json", chainJSON},
		{"manifest.json", manifestJSON},
		{"README.txt", []byte(fmt.Sprintf(
			"Audit evidence pack for tenant %s\nGenerated at %s\nChain valid: %t (%d chained events)\n",
			req.TenantID, manifest.GeneratedAt.Format(time.RFC3339), report.Valid, report.Length))},
	}
	for _, f := range files {
		fw, err := w.Create(f.name)
		if err != nil {
			return nil, err
		}
		if _, err := fw.Write(f.body); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	zipBytes := buf.Bytes()
	return &EvidencePack{
		Manifest: manifest,
		Zip:      zipBytes,
		Checksum: canonicalize.HashBytes(zipBytes),
	}, nil
}
