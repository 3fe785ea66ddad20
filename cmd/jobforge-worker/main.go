// Package main provides the jobforge-worker daemon entrypoint.
//
// The daemon loads a YAML config, opens the Postgres store, builds the
// notification bus and artifact exporter from config, and runs the
// worker pool until SIGINT or SIGTERM.
//
// Usage:
//
//	jobforge-worker run [-config <path>]
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/pithecene-io/jobforge/artifact"
	"github.com/pithecene-io/jobforge/backoff"
	"github.com/pithecene-io/jobforge/config"
	"github.com/pithecene-io/jobforge/flags"
	"github.com/pithecene-io/jobforge/log"
	"github.com/pithecene-io/jobforge/metrics"
	"github.com/pithecene-io/jobforge/notify"
	"github.com/pithecene-io/jobforge/notify/redis"
	"github.com/pithecene-io/jobforge/notify/webhook"
	"github.com/pithecene-io/jobforge/registry"
	"github.com/pithecene-io/jobforge/store"
	"github.com/pithecene-io/jobforge/types"
	"github.com/pithecene-io/jobforge/worker"
)

// Commit is set via ldflags at build time.
var commit = "unknown"

func main() {
	app := &cli.App{
		Name:           "jobforge-worker",
		Usage:          "Jobforge worker daemon",
		Version:        fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			runCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

// exitErrHandler handles errors from the CLI, respecting cli.ExitCoder.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run the worker pool until SIGINT or SIGTERM",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   "jobforge.yaml",
				EnvVars: []string{"JOBFORGE_CONFIG"},
			},
			&cli.BoolFlag{
				Name:  "migrate",
				Usage: "Apply pending migrations before starting",
			},
		},
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return cli.Exit("config is missing database_url", 1)
	}

	// Fails fast when action jobs require policy tokens but no signing
	// secret is configured.
	flagReg, err := cfg.FlagRegistry()
	if err != nil {
		return err
	}

	logger := log.NewLogger(cfg.Worker.WorkerID)
	zlog := logger.Zap()
	defer func() { _ = zlog.Sync() }()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := store.New(ctx, cfg.DatabaseURL, backoff.SystemClock{})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	if flagReg.Enabled(flags.RateLimitingEnabled) {
		s.Limits.MaxQueuedPerTenant = cfg.Limits.MaxQueuedPerTenant
	}

	if c.Bool("migrate") {
		if err := s.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		zlog.Info("migrations applied")
	}

	manifests, replays, err := buildSinks(ctx, cfg, s)
	if err != nil {
		return err
	}

	bus, err := buildNotifyBus(cfg, zlog)
	if err != nil {
		return err
	}
	defer func() { _ = bus.Close() }()

	reg := registry.New()
	if err := registerBuiltins(reg); err != nil {
		return err
	}

	pool := worker.New(worker.Options{
		Queue:           s,
		Registry:        reg,
		Flags:           flagReg,
		Logger:          zlog,
		Metrics:         metrics.NewCollector(cfg.Worker.WorkerID),
		Manifests:       manifests,
		Replays:         replays,
		Notifier:        bus,
		WorkerID:        cfg.Worker.WorkerID,
		Concurrency:     cfg.Worker.Concurrency,
		ClaimBatch:      cfg.Worker.ClaimBatch,
		PollInterval:    cfg.Worker.PollInterval.Duration,
		HeartbeatPeriod: cfg.Worker.HeartbeatPeriod.Duration,
		ReapThreshold:   cfg.Worker.ReapThreshold.Duration,
		ShutdownGrace:   cfg.Worker.ShutdownGrace.Duration,
		EnvFingerprint:  cfg.Worker.EnvFingerprint,
	})

	zlog.Info("worker starting",
		zap.String("worker_id", pool.WorkerID()),
		zap.Int("concurrency", cfg.Worker.Concurrency))

	if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("worker pool: %w", err)
	}
	zlog.Info("worker stopped")
	return nil
}

// buildSinks selects where manifests and replay bundles land. Manifests
// always persist in Postgres; when an artifact backend is configured
// they are also exported there, and replay bundles become available.
func buildSinks(ctx context.Context, cfg *config.Config, s *store.PGStore) (worker.ManifestSink, worker.ReplaySink, error) {
	var st artifact.Store
	switch cfg.Artifacts.Backend {
	case "":
		return s, nil, nil
	case "fs":
		fs, err := artifact.NewFSStore(cfg.Artifacts.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("artifact store: %w", err)
		}
		st = fs
	case "s3":
		bucket, prefix, _ := strings.Cut(cfg.Artifacts.Path, "/")
		s3, err := artifact.NewS3Store(ctx, artifact.S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       cfg.Artifacts.Region,
			Endpoint:     cfg.Artifacts.Endpoint,
			UsePathStyle: cfg.Artifacts.S3PathStyle,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("artifact store: %w", err)
		}
		st = s3
	}

	exp := artifact.NewExporter(st)
	return manifestFanout{s, exp}, exp, nil
}

// manifestFanout writes each manifest to every sink, failing on the
// first error so the worker retries the export.
type manifestFanout []worker.ManifestSink

func (f manifestFanout) SaveManifest(ctx context.Context, m *types.Manifest) error {
	for _, sink := range f {
		if err := sink.SaveManifest(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func buildNotifyBus(cfg *config.Config, zlog *zap.Logger) (*notify.Bus, error) {
	var adapters []notify.Adapter
	for i, n := range cfg.Notify {
		var (
			a   notify.Adapter
			err error
		)
		switch n.Type {
		case "redis":
			rc := redis.Config{
				URL:     n.URL,
				Channel: n.Channel,
				Timeout: n.Timeout.Duration,
				Retries: redis.DefaultRetries,
			}
			if n.Retries != nil {
				rc.Retries = *n.Retries
			}
			a, err = redis.New(rc)
		case "webhook":
			wc := webhook.Config{
				URL:     n.URL,
				Headers: n.Headers,
				Timeout: n.Timeout.Duration,
				Retries: webhook.DefaultRetries,
			}
			if n.SecretEnv != "" {
				if v := os.Getenv(n.SecretEnv); v != "" {
					wc.Secret = []byte(v)
				}
			}
			if n.Retries != nil {
				wc.Retries = *n.Retries
			}
			a, err = webhook.New(wc)
		}
		if err != nil {
			return nil, fmt.Errorf("notify[%d]: %w", i, err)
		}
		adapters = append(adapters, a)
	}
	return notify.NewBus(zlog, adapters...), nil
}

// registerBuiltins installs the handlers every deployment carries.
// jobforge.echo returns its payload unchanged, for smoke tests.
func registerBuiltins(reg *registry.Registry) error {
	return reg.Register(registry.Registration{
		Type: "jobforge.echo",
		Handler: registry.HandlerFunc(func(_ context.Context, _ *registry.Run, payload map[string]any) (map[string]any, error) {
			return payload, nil
		}),
	})
}
