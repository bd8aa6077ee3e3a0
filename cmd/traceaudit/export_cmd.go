package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/agrotrace/tracecore/pkg/audit"
)

// runExportCmd implements `traceaudit export`.
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		tenantID string
		outPath  string
		from     string
		to       string
		upload   bool
	)
	cmd.StringVar(&tenantID, "tenant", "", "Tenant ID (REQUIRED)")
	cmd.StringVar(&outPath, "out", "", "Write the zip to this path")
	cmd.StringVar(&from, "from", "", "Only events at or after this RFC 3339 time")
	cmd.StringVar(&to, "to", "", "Only events at or before this RFC 3339 time")
	cmd.BoolVar(&upload, "upload", false, "Upload the pack to ARCHIVE_S3_BUCKET")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if outPath == "" && !upload {
		_, _ = fmt.Fprintln(stderr, "Error: --out or --upload is required")
		return 2
	}

	req := audit.ExportRequest{TenantID: tenantID}
	var err error
	if req.StartTime, err = parseTimeFlag(from); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: --from: %v\n", err)
		return 2
	}
	if req.EndTime, err = parseTimeFlag(to); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: --to: %v\n", err)
		return 2
	}

	ctx := context.Background()
	svc, err := openServices(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer svc.close()

	pack, err := svc.exporter.GeneratePack(ctx, req)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if outPath != "" {
		if err := os.WriteFile(outPath, pack.Zip, 0600); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: failed to write pack: %v\n", err)
			return 2
		}
		_, _ = fmt.Fprintf(stdout, "wrote %s\n", outPath)
	}

	if upload {
		sink, err := svc.archiveSink(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		if sink == nil {
			_, _ = fmt.Fprintln(stderr, "Error: --upload requires ARCHIVE_S3_BUCKET")
			return 2
		}
		key, err := sink.Upload(ctx, pack)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		_, _ = fmt.Fprintf(stdout, "uploaded s3://%s/%s\n", svc.cfg.Archive.Bucket, key)
	}

	_, _ = fmt.Fprintf(stdout, "bundle=%s events=%d chain_valid=%t sha256=%s\n",
		pack.Manifest.BundleID, pack.Manifest.EventCount, pack.Manifest.Chain.Valid, pack.Checksum)
	return 0
}

func parseTimeFlag(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}
