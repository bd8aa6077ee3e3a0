package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"log/slog"

	"github.com/agrotrace/tracecore/pkg/archive"
	"github.com/agrotrace/tracecore/pkg/audit"
	"github.com/agrotrace/tracecore/pkg/config"
	"github.com/agrotrace/tracecore/pkg/lock"
	"github.com/agrotrace/tracecore/pkg/observability"
	"github.com/agrotrace/tracecore/pkg/retry"
	"github.com/agrotrace/tracecore/pkg/store/ledger"
	"github.com/agrotrace/tracecore/pkg/store/outbox"

	_ "github.com/lib/pq" // Postgres Driver
)

// services is the wired audit stack for one command invocation.
type services struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *sql.DB
	ledger   audit.Ledger
	outbox   audit.Outbox
	obs      *observability.Provider
	recorder *audit.Recorder
	query    *audit.Query
	exporter *audit.Exporter
	closers  []func() error
}

// openServices wires config, telemetry, storage and locking.
func openServices(ctx context.Context, stderr io.Writer) (*services, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	s := &services{cfg: cfg, logger: logger}

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.OTel.Enabled
	obsCfg.OTLPEndpoint = cfg.OTel.Endpoint
	obsCfg.Insecure = cfg.OTel.Insecure
	s.obs, err = observability.New(ctx, obsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to init observability: %w", err)
	}
	s.closers = append(s.closers, func() error { return s.obs.Shutdown(context.Background()) })

	if cfg.UsePostgres() {
		log.Println("[traceaudit] connecting to postgres")
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		s.db = db
		pl := ledger.NewPostgresLedger(db)
		if err := pl.Init(ctx); err != nil {
			s.close()
			return nil, fmt.Errorf("failed to init postgres ledger: %w", err)
		}
		po := outbox.NewPostgresOutbox(db)
		if err := po.Init(ctx); err != nil {
			s.close()
			return nil, fmt.Errorf("failed to init postgres outbox: %w", err)
		}
		s.ledger, s.outbox = pl, po
	} else {
		db, lgr, ob, err := setupLiteMode(ctx, cfg.SQLitePath)
		if err != nil {
			s.close()
			return nil, err
		}
		s.db, s.ledger, s.outbox = db, lgr, ob
	}
	s.closers = append(s.closers, s.db.Close)

	opts := []audit.Option{audit.WithLogger(logger), audit.WithObservability(s.obs)}
	if cfg.Redis.Addr != "" {
		log.Printf("[traceaudit] chain lock: redis at %s", cfg.Redis.Addr)
		rl := lock.NewRedisLockerFromAddr(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, lock.WithTTL(cfg.Redis.LockTTL))
		s.closers = append(s.closers, rl.Close)
		opts = append(opts, audit.WithLocker(rl))
	}

	s.recorder = audit.NewRecorder(s.ledger, opts...)
	s.query = audit.NewQuery(s.ledger, audit.NewVerifier(s.ledger, s.obs))
	s.exporter = audit.NewExporter(s.ledger)
	return s, nil
}

// dispatcher builds a post-commit dispatcher over the configured outbox.
func (s *services) dispatcher() *audit.Dispatcher {
	policy := retry.DefaultPolicy()
	policy.MaxAttempts = s.cfg.Dispatch.MaxAttempts
	if s.cfg.Dispatch.BaseBackoff > 0 {
		policy.Base = s.cfg.Dispatch.BaseBackoff
	}
	return audit.NewDispatcher(s.recorder, s.outbox, audit.DispatcherConfig{
		Workers:   s.cfg.Dispatch.Workers,
		QueueSize: s.cfg.Dispatch.QueueSize,
		Retry:     policy,
	}, s.logger)
}

// archiveSink returns the S3 sink, or nil when no bucket is configured.
func (s *services) archiveSink(ctx context.Context) (*archive.S3Sink, error) {
	if s.cfg.Archive.Bucket == "" {
		return nil, nil
	}
	return archive.NewS3Sink(ctx, archive.S3Config{
		Bucket:   s.cfg.Archive.Bucket,
		Region:   s.cfg.Archive.Region,
		Endpoint: s.cfg.Archive.Endpoint,
		Prefix:   s.cfg.Archive.Prefix,
	})
}

func (s *services) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Warn("shutdown step failed", "error", err)
		}
	}
	s.closers = nil
}
