package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ingestq/internal/api"
	"ingestq/internal/config"
	"ingestq/internal/diagnostics"
	"ingestq/internal/diagnostics/selfcheck"
	"ingestq/internal/ingest"
	"ingestq/internal/metrics"
	"ingestq/internal/platform/logger"
	"ingestq/internal/processors"
	"ingestq/internal/secrets"
	"ingestq/internal/secrets/vault"
	"ingestq/internal/telemetry"
	"ingestq/internal/version"
	"ingestq/pkg/pipeline"
	"ingestq/pkg/queue"
	tlsutil "ingestq/pkg/tls"
)

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	printConfig := flag.String("print-config", "", "Print the effective (redacted) config as yaml|json and exit")
	diag := flag.String("diagnostics", "", "Print diagnostics as text|json and exit")
	diagEnv := flag.Bool("diagnostics-env", false, "Include safe environment variables in diagnostics")
	cfg := config.Load()

	// CLI overrides
	hostFlag := flag.String("host", "", "Admin host to bind (overrides config)")
	portFlag := flag.Int("port", 0, "Admin port to bind (overrides config, default 9444)")
	ingestHost := flag.String("ingest-host", "", "Ingest host to bind (overrides config)")
	ingestPort := flag.Int("ingest-port", 0, "Ingest port to bind (overrides config, default 8080)")
	maxMemory := flag.Int64("max-memory", 0, "Memory budget for queued messages in bytes")
	maxMessage := flag.Int64("max-message-size", 0, "Largest accepted message in bytes")
	policy := flag.String("shutdown-policy", "", "What to do with queued messages on shutdown (drain|discard)")
	processor := flag.String("processor", "", "Message processor (log|discard|forward|azure_blob)")
	tlsCert := flag.String("tls-cert", "", "Path to ingest TLS certificate (PEM); enables TLS")
	tlsKey := flag.String("tls-key", "", "Path to ingest TLS private key (PEM)")
	tlsMin := flag.String("tls-min", "", "Minimum TLS version (1.2 or 1.3)")
	flag.Parse()
	if *showVersion {
		fmt.Printf("ingestq %s (commit %s, date %s)\n", version.Version, version.Commit, version.Date)
		return
	}

	if *hostFlag != "" {
		cfg.Server.Host = *hostFlag
	}
	if *portFlag > 0 {
		cfg.Server.Port = *portFlag
	}
	if *ingestHost != "" {
		cfg.Ingest.Host = *ingestHost
	}
	if *ingestPort > 0 {
		cfg.Ingest.Port = *ingestPort
	}
	if *maxMemory > 0 {
		cfg.Ingest.MaxMemory = *maxMemory
	}
	if *maxMessage > 0 {
		cfg.Ingest.MaxMessageSize = *maxMessage
	}
	if *policy != "" {
		cfg.Ingest.ShutdownPolicy = strings.ToLower(*policy)
	}
	if *processor != "" {
		cfg.Processor.Type = strings.ToLower(*processor)
	}
	if *tlsCert != "" {
		cfg.Ingest.TLS.Enabled = true
		cfg.Ingest.TLS.CertFile = *tlsCert
	}
	if *tlsKey != "" {
		cfg.Ingest.TLS.KeyFile = *tlsKey
	}
	if *tlsMin != "" {
		cfg.Ingest.TLS.MinVersion = *tlsMin
	}

	// Validate config early (separate errors and warnings)
	if errs, warns := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "config error: %s\n", e)
		}
		os.Exit(2)
	} else if len(warns) > 0 {
		for _, w := range warns {
			fmt.Fprintf(os.Stderr, "config warning: %s\n", w)
		}
	}
	if *printConfig != "" {
		out, err := cfg.MarshalEffective(*printConfig)
		if err != nil {
			fmt.Fprintf(os.Stderr, "print-config: %v\n", err)
			os.Exit(2)
		}
		_, _ = os.Stdout.Write(out)
		return
	}

	if *diag != "" {
		if err := diagnostics.Print(os.Stdout, diagnostics.Collect(cfg, *diagEnv), *diag); err != nil {
			fmt.Fprintf(os.Stderr, "diagnostics: %v\n", err)
			os.Exit(2)
		}
		return
	}

	logger.Init(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	log := logger.Slog()
	log.Info("starting ingestq", "version", version.Version, "commit", version.Commit, "date", version.Date)

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Error("fatal", "err", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config) error {
	log := logger.Slog()

	shutdownTracer, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(fctx); err != nil {
			log.Warn("tracer flush failed", "err", err)
		}
	}()

	vc, err := vault.New(cfg.Secrets.Vault)
	if err != nil {
		return err
	}
	if err := selfcheck.Run(ctx, cfg, selfcheck.Dependencies{Vault: vaultPinger(vc)}); err != nil {
		log.Warn("startup self-check failed", "err", err)
	}
	resolved, err := secrets.ReplacePlaceholders(ctx, cfg, vc)
	if err != nil {
		return fmt.Errorf("resolve secrets: %w", err)
	}
	if len(resolved) > 0 {
		log.Info("secrets resolved from vault", "fields", resolved)
	}

	q, err := queue.NewForBudget(cfg.Ingest.MaxMemory, cfg.Ingest.MaxMessageSize)
	if err != nil {
		return err
	}
	metrics.SetQueue(0, q.Cap())
	log.Info("queue sized", "capacity", q.Cap(), "max_memory", cfg.Ingest.MaxMemory, "max_message_size", cfg.Ingest.MaxMessageSize)

	ctrl, err := ingest.NewController(q, cfg.Ingest.MaxMessageSize)
	if err != nil {
		return err
	}

	proc, err := processors.New(ctx, cfg.Processor, processors.Options{
		Logger:          logger.Zap(),
		OnBreakerChange: func(name string, s pipeline.CircuitState) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(s))
			if s != pipeline.StateClosed {
				log.Warn("circuit breaker", "name", name, "state", s.String())
			}
		},
	})
	if err != nil {
		return fmt.Errorf("processor: %w", err)
	}

	shutdownPolicy, err := pipeline.ParseShutdownPolicy(cfg.Ingest.ShutdownPolicy)
	if err != nil {
		return err
	}
	worker, err := pipeline.NewWorker(q, proc, pipeline.WorkerConfig{
		Policy:         shutdownPolicy,
		DrainTimeout:   cfg.Ingest.DrainTimeout,
		ProcessTimeout: cfg.Ingest.ProcessTimeout,
		Logger:         log,
		Hooks: pipeline.Hooks{
			OnState:     func(s pipeline.WorkerState) { metrics.WorkerState.Set(float64(s)) },
			OnProcessed: func(status string, _ int, took time.Duration) { metrics.RecordProcessed(status, took) },
			OnDiscarded: func(n int) { metrics.WorkerDiscarded.Add(float64(n)) },
		},
	})
	if err != nil {
		return err
	}

	opts := api.IngestOptions{
		Addr:         cfg.IngestAddr(),
		ReadTimeout:  cfg.Ingest.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		Logger:       log,
	}
	if cfg.Ingest.TLS.Enabled {
		hosts := []string{"localhost", "127.0.0.1", cfg.Ingest.Host}
		opts.TLS, err = tlsutil.ServerConfig(cfg.Ingest.TLS.CertFile, cfg.Ingest.TLS.KeyFile, cfg.Ingest.TLS.MinVersion, hosts)
		if err != nil {
			return err
		}
	}
	ingestSrv, err := api.NewIngestServer(ctrl, opts)
	if err != nil {
		return err
	}
	adminSrv := api.NewAdminServer(api.AdminDeps{Config: cfg, Queue: q, Worker: worker, Logger: log})

	// The worker outlives the signal context so it can be stopped after the listeners.
	worker.Start(context.WithoutCancel(ctx))

	errCh := make(chan error, 2)
	go func() {
		if err := ingestSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("ingest server: %w", err)
		}
	}()
	go func() {
		if err := adminSrv.Start(cfg.AdminAddr()); err != nil {
			errCh <- fmt.Errorf("admin server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case runErr = <-errCh:
	}

	sdCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ingestSrv.Shutdown(sdCtx); err != nil {
		log.Error("ingest shutdown", "err", err)
	}

	wctx, wcancel := context.WithTimeout(context.Background(), cfg.Ingest.DrainTimeout+cfg.Ingest.ProcessTimeout+time.Second)
	defer wcancel()
	if err := worker.Stop(wctx); err != nil {
		log.Error("worker did not stop in time", "err", err)
	}
	snap := worker.Snapshot()
	log.Info("worker stopped", "policy", string(shutdownPolicy), "processed", snap.Processed, "failed", snap.Failed,
		"drained", snap.Drained, "discarded", snap.Discarded, "queue_len", q.Len())

	if err := adminSrv.Shutdown(sdCtx); err != nil {
		log.Error("admin shutdown", "err", err)
	}
	return runErr
}

// vaultPinger keeps a nil client from turning into a non-nil interface.
func vaultPinger(c *vault.Client) interface{ Ping(context.Context) error } {
	if c == nil {
		return nil
	}
	return c
}
