package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/agrotrace/tracecore/pkg/audit"
	"github.com/agrotrace/tracecore/pkg/store/ledger"
	"github.com/agrotrace/tracecore/pkg/store/outbox"
)

// setupLiteMode opens the SQLite ledger and outbox at dbPath.
func setupLiteMode(_ context.Context, dbPath string) (*sql.DB, audit.Ledger, audit.Outbox, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create data dir: %w", err)
		}
	}
	log.Printf("[traceaudit] lite mode: using sqlite at %s", dbPath)

	db, err := ledger.OpenSQLite(dbPath)
	if err != nil {
		return nil, nil, nil, err
	}

	lgr, err := ledger.NewSQLiteLedger(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, nil, fmt.Errorf("failed to init sqlite ledger: %w", err)
	}

	ob, err := outbox.NewSQLiteOutbox(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, nil, fmt.Errorf("failed to init sqlite outbox: %w", err)
	}

	return db, lgr, ob, nil
}
