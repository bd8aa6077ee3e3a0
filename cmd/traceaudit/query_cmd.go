package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/agrotrace/tracecore/pkg/audit"
)

// runListCmd implements `traceaudit list`.
func runListCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("list", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	tenantID := cmd.String("tenant", "", "Tenant ID (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	return withQuery(stdout, stderr, func(ctx context.Context, q *audit.Query) ([]audit.Record, error) {
		return q.ListByTenant(ctx, *tenantID)
	})
}

// runEntityCmd implements `traceaudit entity`.
func runEntityCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("entity", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	tenantID := cmd.String("tenant", "", "Tenant ID (REQUIRED)")
	entityType := cmd.String("type", "", "Entity type (REQUIRED)")
	entityID := cmd.Int64("id", 0, "Entity ID (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *entityType == "" || !flagSet(cmd, "id") {
		_, _ = fmt.Fprintln(stderr, "Error: --type and --id are required")
		return 2
	}
	return withQuery(stdout, stderr, func(ctx context.Context, q *audit.Query) ([]audit.Record, error) {
		return q.ListByEntity(ctx, *tenantID, audit.EntityType(*entityType), *entityID)
	})
}

// runChainCmd implements `traceaudit chain`.
func runChainCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("chain", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	tenantID := cmd.String("tenant", "", "Tenant ID (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	return withQuery(stdout, stderr, func(ctx context.Context, q *audit.Query) ([]audit.Record, error) {
		return q.ListChain(ctx, *tenantID)
	})
}

func withQuery(stdout, stderr io.Writer, fn func(ctx context.Context, q *audit.Query) ([]audit.Record, error)) int {
	ctx := context.Background()
	svc, err := openServices(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer svc.close()

	records, err := fn(ctx, svc.query)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	return writeJSON(stdout, stderr, records)
}
