package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/hostforge/hostforge/pkg/config"
	"github.com/hostforge/hostforge/pkg/domain"
	"github.com/hostforge/hostforge/pkg/engine"
	"github.com/hostforge/hostforge/pkg/hostfactory"
	"github.com/hostforge/hostforge/pkg/policy"
	"github.com/hostforge/hostforge/pkg/provider"
	"github.com/hostforge/hostforge/pkg/resilience"
	"github.com/hostforge/hostforge/pkg/stores"
	"github.com/hostforge/hostforge/pkg/telemetry"
	"github.com/hostforge/hostforge/pkg/template"
)

// app holds the wired components a command works with.
type app struct {
	cfg       *config.Config
	tel       *telemetry.Telemetry
	store     stores.Store
	templates *template.Store
	registry  *provider.Registry
	policies  *policy.Engine
	eng       *engine.Engine
	facade    *hostfactory.Facade
}

// newApp loads the configuration and wires the full component graph.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	tel, err := newTelemetry(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger.Zerolog()

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	templates := template.NewStore(template.StoreOptions{
		Path:   cfg.Templates.Path,
		Logger: logger,
	})
	if cfg.Templates.Watch {
		if err := templates.Watch(ctx); err != nil {
			logger.Warn().Err(err).Msg("template watching unavailable")
		}
	}

	resolver, err := template.NewResolver(template.ResolverOptions{
		BasePath:       cfg.Templates.SpecDir,
		FallbackToBase: cfg.Templates.FallbackToBase,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build template resolver: %w", err)
	}

	registry, err := buildRegistry(logger)
	if err != nil {
		return nil, err
	}

	policies, err := policy.NewEngine(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build policy engine: %w", err)
	}
	if len(cfg.Policies.Paths) > 0 {
		if err := policies.LoadPolicies(ctx, cfg.Policies.Paths); err != nil {
			return nil, err
		}
	}

	eng, err := engine.New(engine.Options{
		Requests:        stores.NewRequestRepository(store),
		Machines:        stores.NewMachineRepository(store),
		Templates:       templates,
		Resolver:        resolver,
		Registry:        registry,
		Admission:       policies,
		Invokers:        newInvokers(cfg.Resilience),
		Selection:       cfg.Selection.Criteria(),
		DefaultTimeout:  cfg.Requests.Timeout,
		ConflictRetries: cfg.Requests.ConflictRetries,
		Package:         domain.PackageInfo{Name: cfg.Service.Name, Version: buildVersion},
		Logger:          logger,
		Metrics:         tel.Metrics,
	})
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:       cfg,
		tel:       tel,
		store:     store,
		templates: templates,
		registry:  registry,
		policies:  policies,
		eng:       eng,
		facade:    hostfactory.NewFacade(eng, templates, hostfactory.FacadeOptions{Logger: logger}),
	}, nil
}

// instrument binds the telemetry stack into ctx so engine operations
// emit spans.
func (a *app) instrument(ctx context.Context) context.Context {
	return a.tel.WithContext(ctx)
}

// Close flushes telemetry and releases the store.
func (a *app) Close(ctx context.Context) {
	if err := a.store.Close(); err != nil {
		zl := a.tel.Logger.Zerolog()
		zl.Warn().Err(err).Msg("store close failed")
	}
	_ = a.tel.Shutdown(ctx)
}

func newTelemetry(cfg *config.Config) (*telemetry.Telemetry, error) {
	tc := telemetry.DefaultConfig()
	tc.ServiceName = cfg.Service.Name
	tc.Environment = cfg.Service.Environment
	tc.Logging.Level = cfg.Telemetry.LogLevel
	tc.Logging.Format = cfg.Telemetry.LogFormat
	tc.Logging.Output = "stderr"
	tc.Metrics.Enabled = cfg.Telemetry.MetricsEnabled
	tc.Tracing.Enabled = cfg.Telemetry.TracingEnabled
	tc.Tracing.SamplingRate = cfg.Telemetry.SamplingRate
	if verbose {
		tc.Logging.Level = "debug"
	}
	return telemetry.NewTelemetry(tc)
}

func openStore(ctx context.Context, cfg config.StoreConfig) (stores.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		store, err := stores.NewSQLiteStore(stores.SQLiteConfig{
			Path:            cfg.Path,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		if err := store.Init(ctx); err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			return nil, err
		}
		return store, nil
	case "json":
		return stores.NewJSONStore(cfg.Path)
	case "badger":
		return stores.NewBadgerStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// buildRegistry registers the in-process backends: the plain sim
// strategy and a spot-first composite over two sim pools. Cloud
// strategies register here once their SDK bindings exist.
func buildRegistry(logger zerolog.Logger) (*provider.Registry, error) {
	registry := provider.NewRegistry(logger)

	sim := provider.NewSimStrategy(provider.SimOptions{PollsToReady: 2})
	if err := registry.Register(provider.Registration{Strategy: sim, Priority: 10}); err != nil {
		return nil, err
	}

	spotPool := provider.NewSimStrategy(provider.SimOptions{
		Name:         "sim-spot",
		Capabilities: []string{"sim", "compute", "spot"},
		PollsToReady: 1,
		FailEvery:    5,
	})
	onDemandPool := provider.NewSimStrategy(provider.SimOptions{
		Name:         "sim-ondemand",
		Capabilities: []string{"sim", "compute"},
		PollsToReady: 2,
	})
	mixed, err := provider.NewHeterogeneousStrategy("sim-mixed", spotPool, onDemandPool)
	if err != nil {
		return nil, err
	}
	if err := registry.Register(provider.Registration{Strategy: mixed, Priority: 5}); err != nil {
		return nil, err
	}

	return registry, nil
}

func newInvokers(cfg config.ResilienceConfig) *resilience.Set {
	return resilience.NewSet(cfg.Retry, cfg.Breaker, engine.BackendRetryable)
}

// printJSON renders v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
