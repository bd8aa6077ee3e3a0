package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/agrotrace/tracecore/pkg/audit"
	"github.com/agrotrace/tracecore/pkg/auth"
)

// runRecordCmd implements `traceaudit record`.
//
// Without --async the event is recorded synchronously and printed. With
// --async it goes through the outbox and dispatcher, as a business service
// would after its commit.
func runRecordCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("record", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		tenantID    string
		tenantName  string
		actorID     string
		actorEmail  string
		op          string
		entityType  string
		entityID    int64
		entityCode  string
		description string
		prior       string
		next        string
		async       bool
	)

	cmd.StringVar(&tenantID, "tenant", "", "Tenant ID (REQUIRED)")
	cmd.StringVar(&tenantName, "tenant-name", "", "Tenant display name")
	cmd.StringVar(&actorID, "actor", "", "Actor user ID (REQUIRED)")
	cmd.StringVar(&actorEmail, "email", "", "Actor email")
	cmd.StringVar(&op, "op", "", "Operation: CREATE, UPDATE, DELETE or CLOSE (REQUIRED)")
	cmd.StringVar(&entityType, "type", "", "Entity type, e.g. LOT, PALLET, SHIPMENT (REQUIRED)")
	cmd.Int64Var(&entityID, "id", 0, "Entity ID (REQUIRED)")
	cmd.StringVar(&entityCode, "code", "", "Human-readable entity code")
	cmd.StringVar(&description, "desc", "", "Description")
	cmd.StringVar(&prior, "prior", "", "Prior state snapshot (JSON)")
	cmd.StringVar(&next, "next", "", "New state snapshot (JSON)")
	cmd.BoolVar(&async, "async", false, "Record through the outbox and dispatcher")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	operation, err := parseOperation(op)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if entityType == "" || !flagSet(cmd, "id") {
		_, _ = fmt.Fprintln(stderr, "Error: --type and --id are required")
		return 2
	}

	in := audit.Intent{
		Operation:   operation,
		EntityType:  audit.EntityType(entityType),
		EntityID:    entityID,
		EntityCode:  entityCode,
		Description: description,
		Actor: &auth.User{
			ID:         actorID,
			Email:      actorEmail,
			TenantID:   tenantID,
			TenantName: tenantName,
		},
	}
	if in.PriorState, err = snapshotFlag(prior); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: --prior: %v\n", err)
		return 2
	}
	if in.NewState, err = snapshotFlag(next); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: --next: %v\n", err)
		return 2
	}

	ctx := context.Background()
	svc, err := openServices(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer svc.close()

	if async {
		d := svc.dispatcher()
		d.Start(ctx)
		taskID, err := d.Submit(ctx, in)
		d.Stop()
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		_, _ = fmt.Fprintf(stdout, "submitted task %s\n", taskID)
		return 0
	}

	e, err := svc.recorder.Record(ctx, in)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	return writeJSON(stdout, stderr, audit.NewRecord(e))
}

// flagSet reports whether name was given on the command line, so an
// explicit zero is told apart from an omitted flag.
func flagSet(cmd *flag.FlagSet, name string) bool {
	found := false
	cmd.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func parseOperation(op string) (audit.OperationType, error) {
	switch o := audit.OperationType(strings.ToUpper(strings.TrimSpace(op))); o {
	case audit.OperationCreate, audit.OperationUpdate, audit.OperationDelete, audit.OperationClose:
		return o, nil
	case "":
		return "", fmt.Errorf("--op is required")
	default:
		return "", fmt.Errorf("unknown operation %q", op)
	}
}

// snapshotFlag canonicalizes a snapshot flag value; non-JSON text is kept as a JSON string.
func snapshotFlag(v string) (json.RawMessage, error) {
	if v == "" {
		return nil, nil
	}
	return audit.Snapshot([]byte(v))
}

func writeJSON(stdout, stderr io.Writer, v any) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	return 0
}
