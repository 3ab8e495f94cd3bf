// equbd runs the equb ledger core: it opens the ledger store, wires the
// single-writer lock backend and the abort pipeline, and sweeps every equb
// for drift between its live state and its audit history.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	natsgo "github.com/nats-io/nats.go"

	"github.com/plaenen/equbledger/pkg/archive"
	"github.com/plaenen/equbledger/pkg/config"
	"github.com/plaenen/equbledger/pkg/engine"
	"github.com/plaenen/equbledger/pkg/guard"
	"github.com/plaenen/equbledger/pkg/middleware"
	equbnats "github.com/plaenen/equbledger/pkg/nats"
	"github.com/plaenen/equbledger/pkg/observability"
	equbredis "github.com/plaenen/equbledger/pkg/redis"
	"github.com/plaenen/equbledger/pkg/runner"
	"github.com/plaenen/equbledger/pkg/store/sqlite"
)

func main() {
	var (
		verifyOnce bool
		exportID   string
	)
	flag.BoolVar(&verifyOnce, "verify-once", false, "Verify every equb once and exit")
	flag.StringVar(&exportID, "export", "", "Archive the audit trail of the given equb and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "equbd: %v\n", err)
		os.Exit(2)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := run(context.Background(), cfg, logger, verifyOnce, exportID); err != nil {
		logger.Error("equbd failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	var h slog.Handler = slog.NewJSONHandler(os.Stderr, opts)
	if cfg.LogFormat == "text" {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(h).With(
		slog.String("service", cfg.ServiceName),
		slog.String("environment", cfg.Environment),
	)
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, verifyOnce bool, exportID string) (err error) {
	storeOpts := []sqlite.Option{sqlite.WithDSN(cfg.DatabaseDSN)}
	if cfg.DatabaseDSN == "" {
		logger.Warn("EQUB_DATABASE_DSN not set, ledger is kept in memory")
		storeOpts = []sqlite.Option{sqlite.WithMemoryDatabase(), sqlite.WithWALMode(false)}
	}
	st, err := sqlite.NewStore(ctx, storeOpts...)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, st.Close()) }()

	telCfg := observability.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.Version,
		Environment:    cfg.Environment,
		SampleRate:     cfg.TraceSampleRate,
		Logger:         logger,
	}
	if cfg.StoreSpans {
		spans, err := observability.NewSpanStore(ctx, st.DB(), observability.WithSpanRetention(cfg.SpanRetention))
		if err != nil {
			return err
		}
		telCfg.SpanExporter = spans
	}
	tel, err := observability.Init(ctx, telCfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		err = errors.Join(err, tel.Shutdown(shutdownCtx))
	}()

	var js natsgo.JetStreamContext
	if cfg.NeedsNATS() {
		nc, stream, shutdown, err := connectNATS(cfg, logger)
		if err != nil {
			return err
		}
		defer shutdown()
		defer nc.Close()
		js = stream
	}

	locker, err := newLocker(ctx, cfg, js)
	if err != nil {
		return err
	}

	if cfg.PublishAborts {
		publisher, err := equbnats.NewAbortPublisher(js, equbnats.DefaultAbortStreamConfig())
		if err != nil {
			return err
		}
		defer publisher.Close()
		tel.Pipeline.Register(publisher)
		// Deliver pending aborts while the connection is still open.
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
			defer cancel()
			_ = tel.Pipeline.Flush(flushCtx)
		}()
	}

	eng := engine.New(st,
		engine.WithGuard(guard.New(locker,
			guard.WithLogger(logger),
			guard.WithFutureTolerance(cfg.FutureTolerance),
		)),
		engine.WithPipeline(tel.Pipeline),
		engine.WithMetrics(tel.Metrics),
		engine.WithTracer(tel.Tracer),
		engine.WithLogger(logger),
		engine.WithMiddleware(
			middleware.RecoveryMiddleware(logger),
			middleware.LoggingMiddleware(logger),
			middleware.OpenTelemetryMiddlewareWithTracer(tel.Tracer),
			middleware.MetricsMiddleware(tel.Metrics),
		),
	)
	verification := engine.NewVerificationService(eng, cfg.VerifyInterval)

	switch {
	case exportID != "":
		return exportTrail(ctx, cfg, eng, exportID)
	case verifyOnce:
		report := verification.Sweep(ctx)
		if len(report.Failed) > 0 {
			return fmt.Errorf("%d of %d equbs failed verification: %v", len(report.Failed), report.Checked, report.Failed)
		}
		return nil
	}

	return runner.New([]runner.Service{verification},
		runner.WithLogger(logger),
		runner.WithShutdownTimeout(cfg.ShutdownTimeout),
	).Run(ctx)
}

// connectNATS connects to EQUB_NATS_URL or, when it is empty, to an
// embedded server started for this process.
func connectNATS(cfg config.Config, logger *slog.Logger) (*natsgo.Conn, natsgo.JetStreamContext, func(), error) {
	connCfg := equbnats.DefaultConnConfig()
	connCfg.Name = cfg.ServiceName
	connCfg.Logger = logger

	shutdown := func() {}
	if cfg.NATSURL != "" {
		connCfg.URL = cfg.NATSURL
	} else {
		srv, err := equbnats.StartEmbeddedServer(equbnats.WithStoreDir(cfg.NATSStoreDir))
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Info("embedded NATS server started", slog.String("url", srv.URL()))
		connCfg.URL = srv.URL()
		shutdown = srv.Shutdown
	}

	nc, js, err := equbnats.Connect(connCfg)
	if err != nil {
		shutdown()
		return nil, nil, nil, err
	}
	return nc, js, shutdown, nil
}

func newLocker(ctx context.Context, cfg config.Config, js natsgo.JetStreamContext) (guard.Locker, error) {
	switch cfg.LockBackend {
	case config.LockNATS:
		lockCfg := equbnats.DefaultKVLockConfig()
		lockCfg.TTL = cfg.LockTTL
		return equbnats.NewKVLocker(js, lockCfg)
	case config.LockRedis:
		rdb, err := equbredis.Dial(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, err
		}
		return equbredis.NewLocker(rdb, equbredis.WithTTL(cfg.LockTTL)), nil
	default:
		return guard.NewMemoryLocker(), nil
	}
}

func exportTrail(ctx context.Context, cfg config.Config, eng *engine.Engine, equbID string) error {
	if cfg.ArchiveURL == "" {
		return errors.New("EQUB_ARCHIVE_URL is required for -export")
	}
	a, err := archive.Open(ctx, cfg.ArchiveURL, cfg.ArchiveKeeperURL)
	if err != nil {
		return err
	}
	defer a.Close()

	m, err := a.ExportLog(ctx, eng.Log(), equbID)
	if err != nil {
		return err
	}
	fmt.Println(m.Key)
	return nil
}
