package main

import (
	"context"
	"flag"
	"fmt"
	"io"
)

// runVerifyCmd implements `traceaudit verify`.
//
// Exit codes:
//
//	0 = chain intact
//	1 = chain broken
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		tenantID   string
		jsonOutput bool
	)
	cmd.StringVar(&tenantID, "tenant", "", "Tenant ID (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the chain report as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	svc, err := openServices(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer svc.close()

	report, err := svc.query.Inspect(ctx, tenantID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		if code := writeJSON(stdout, stderr, report); code != 0 {
			return code
		}
	} else if report.Valid {
		_, _ = fmt.Fprintf(stdout, "%s✓ chain intact%s tenant=%s events=%d head=%s\n",
			ColorGreen, ColorReset, report.TenantID, report.Length, report.HeadHash)
	} else {
		_, _ = fmt.Fprintf(stdout, "%s✗ chain broken%s tenant=%s index=%d event=%d reason=%s\n",
			ColorRed, ColorReset, report.TenantID, report.BrokenAt, report.BrokenEventID, report.Reason)
	}

	if !report.Valid {
		return 1
	}
	return 0
}
