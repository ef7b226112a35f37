package commands

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/inopsio/modeld/pkg/api"
	"github.com/inopsio/modeld/pkg/config"
	"github.com/inopsio/modeld/pkg/executor"
	"github.com/inopsio/modeld/pkg/lifecycle"
	"github.com/inopsio/modeld/pkg/policy"
	"github.com/inopsio/modeld/pkg/stores"
	"github.com/inopsio/modeld/pkg/telemetry"
	"github.com/inopsio/modeld/pkg/transports/ssh"
)

const badgerGCInterval = 5 * time.Minute

func newServeCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the lifecycle API server",
		Long: `Run the HTTP API and the background job executor.

On start the store is opened (and migrated for SQLite), deploy policies
are loaded, and models left mid-transition by a previous run of this
instance (lifecycle.instance_id) are moved to failed. Jobs owned by
another instance are left alone until they exceed the job timeout. The server stops gracefully on SIGINT or SIGTERM.`,
		Example: `  # Run with defaults (SQLite under ./data, API on :8080)
  modeld serve

  # Run with a config file
  modeld serve -c /etc/modeld/modeld.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Telemetry.ServiceVersion == "" || cfg.Telemetry.ServiceVersion == "dev" {
				cfg.Telemetry.ServiceVersion = version
			}
			return runServer(cmd.Context(), cfg, version)
		},
	}
}

// runServer starts every component, blocks until ctx ends or the API
// fails, then stops them in reverse order.
func runServer(ctx context.Context, cfg *config.Config, version string) error {
	tel, err := telemetry.NewTelemetry(cfg.TelemetryConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger.Component("server")

	shutdownCtx := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	}
	defer func() {
		sctx, cancel := shutdownCtx()
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			logger.Warn().Err(err).Msg("Telemetry shutdown incomplete")
		}
	}()

	store, err := stores.Open(ctx, cfg.StoreConfig(), tel.Logger.Component("store"))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer closeStore(store, logger)

	if b, ok := store.(*stores.BadgerStore); ok {
		// Deferred after closeStore, so GC stops before the store closes.
		stopGC := startBadgerGC(ctx, b, badgerGCInterval, logger)
		defer stopGC()
	}

	runner, closeRunner, err := buildRunner(cfg, tel.Logger.Component("executor"))
	if err != nil {
		return err
	}
	defer closeRunner()

	pool := executor.NewPool(cfg.ExecutorConfig(), runner, tel.Logger.Component("executor"),
		executor.WithMetrics(tel.Metrics),
		executor.WithTracer(otel.Tracer("github.com/inopsio/modeld/pkg/executor")),
	)
	defer func() {
		sctx, cancel := shutdownCtx()
		defer cancel()
		if err := pool.Stop(sctx); err != nil {
			logger.Warn().Err(err).Msg("Executor did not drain before shutdown")
		}
	}()

	opts := cfg.LifecycleOptions(tel.Logger.Component("lifecycle"))
	opts.Observers = append(opts.Observers, tel.Observer())
	opts.OnCASConflict = func(string) { tel.Metrics.RecordCASConflict() }

	if cfg.Policy.Enabled {
		engine, err := startPolicyEngine(ctx, cfg.Policy, tel.Logger.Component("policy"))
		if err != nil {
			return err
		}
		defer engine.Close()
		opts.Admission = engine
	}

	coord := lifecycle.NewCoordinator(store, pool, opts)
	defer coord.Close()

	if cfg.Lifecycle.RecoverOnStart {
		if _, err := coord.Recover(ctx); err != nil {
			return fmt.Errorf("failed to recover models: %w", err)
		}
	}

	if err := tel.Metrics.RegisterModelCounter(modelCounter(store), tel.Logger.Component("metrics")); err != nil {
		return fmt.Errorf("failed to register model gauge: %w", err)
	}
	if err := tel.StartMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	apiOpts := api.Options{
		Name:     "modeld",
		Version:  version,
		LogLevel: cfg.Telemetry.Logging.Level,
		Service:  coord,
		Metrics:  tel.Metrics,
		Logger:   tel.Logger.Zerolog(),
	}
	if hc, ok := store.(api.HealthChecker); ok {
		apiOpts.Health = append(apiOpts.Health, hc)
	}
	server := api.NewServer(cfg.Server.Address, cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, apiOpts)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	logger.Info().
		Str("version", version).
		Str("address", cfg.Server.Address).
		Str("store", cfg.Store.Driver).
		Bool("remote", cfg.Remote.Enabled).
		Bool("policy", cfg.Policy.Enabled).
		Msg("modeld started")

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	sctx, cancel := shutdownCtx()
	defer cancel()
	return server.Shutdown(sctx)
}

// buildRunner maps job kinds to runners. Initialization validates the
// artifact; deploys go over SSH when a serving host is configured and are
// simulated otherwise.
func buildRunner(cfg *config.Config, logger zerolog.Logger) (executor.Runner, func(), error) {
	simulated := &executor.SimulatedRunner{DefaultDelay: cfg.Executor.SimulatedDelay}
	artifacts := &executor.ArtifactRunner{
		CacheDir: cfg.Models.CacheDir,
		MaxSize:  cfg.Models.MaxModelSize,
		Required: cfg.Models.RequireArtifact,
	}

	mux := executor.NewMux(simulated)
	mux.Handle(lifecycle.JobInitialize, executor.Chain{artifacts, simulated})

	if !cfg.Remote.Enabled {
		return mux, func() {}, nil
	}

	client, err := ssh.NewClient(cfg.SSHConfig(), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create ssh client: %w", err)
	}
	remote, err := executor.NewRemoteRunner(client, cfg.RemoteRunnerConfig(), logger)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	mux.Handle(lifecycle.JobDeploy, remote)
	mux.Handle(lifecycle.JobUndeploy, remote)

	return mux, func() {
		if err := client.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close ssh client")
		}
	}, nil
}

func startPolicyEngine(ctx context.Context, cfg config.PolicyConfig, logger zerolog.Logger) (*policy.Engine, error) {
	engine, err := policy.NewEngine(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(cfg.Paths) == 0 {
		return engine, nil
	}
	if err := engine.LoadPolicies(ctx, cfg.Paths); err != nil {
		_ = engine.Close()
		return nil, err
	}
	if cfg.Watch {
		if err := engine.Watch(ctx, cfg.Paths); err != nil {
			_ = engine.Close()
			return nil, err
		}
	}
	return engine, nil
}

type stateCounter interface {
	CountByState(ctx context.Context) (map[lifecycle.State]int, error)
}

// modelCounter uses the store's aggregate query when it has one and pages
// through List otherwise. Deleted models are not counted.
func modelCounter(store lifecycle.Store) telemetry.ModelCounter {
	sc, ok := store.(stateCounter)
	if !ok {
		return telemetry.CountModelsByState(store)
	}
	return func(ctx context.Context) (map[string]int, error) {
		counts, err := sc.CountByState(ctx)
		if err != nil {
			return nil, err
		}
		out := make(map[string]int, len(counts))
		for state, n := range counts {
			if state == lifecycle.StateDeleted {
				continue
			}
			out[string(state)] = n
		}
		return out, nil
	}
}

type valueLogGC interface {
	RunGC(discardRatio float64) error
}

// startBadgerGC runs value log GC every interval until ctx ends or the
// returned stop func is called. stop waits for an in-progress run.
func startBadgerGC(ctx context.Context, store valueLogGC, interval time.Duration, logger zerolog.Logger) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := store.RunGC(0.5); err != nil {
					logger.Warn().Err(err).Msg("Badger value log GC failed")
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func closeStore(store lifecycle.Store, logger zerolog.Logger) {
	c, ok := store.(interface{ Close() error })
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		logger.Warn().Err(err).Msg("Failed to close store")
	}
}
