package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/terrane-dev/terrane/pkg/config"
	"github.com/terrane-dev/terrane/pkg/engine"
	"github.com/terrane-dev/terrane/pkg/policy"
	"github.com/terrane-dev/terrane/pkg/remote/sim"
	"github.com/terrane-dev/terrane/pkg/stores"
	"github.com/terrane-dev/terrane/pkg/telemetry"
)

var (
	// Global flags
	settingsPath string
	verbose      bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "terrane",
		Short: "Terrane - Declarative Resource Provisioning Engine",
		Long: `Terrane reconciles declared resources against their last applied state:
it derives a dependency graph from attribute references, plans the minimal
set of changes, and drives them against a control plane with bounded
parallelism, retry, and policy gating.

Deployments are written in CUE or YAML; state lives in SQLite.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVarP(&settingsPath, "config", "c", "terrane.yaml", "engine settings file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newDestroyCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newStateCommand())
	rootCmd.AddCommand(newDevCommand())

	return rootCmd
}

// runtime bundles everything a command needs wired together.
type runtime struct {
	settings *config.Settings
	logger   zerolog.Logger
	loader   *config.Loader
	store    *stores.SQLiteStore
	policies *policy.Engine
	bus      *telemetry.Bus
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	client   engine.CloudClient
}

// setup loads settings and wires the shared components. Commands that do
// not touch state can pass withStore=false.
func setup(ctx context.Context, withStore bool) (*runtime, error) {
	settings, err := config.LoadSettings(settingsPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		settings.LogLevel = "debug"
	}

	logger := telemetry.NewLogger(settings.LogLevel, settings.LogFormat, os.Stderr)

	rt := &runtime{
		settings: settings,
		logger:   logger,
		loader:   config.NewLoader(),
		metrics:  telemetry.NewMetrics(),
	}

	rt.tracer, err = telemetry.NewTracer(
		settings.Telemetry.Tracing, settings.Telemetry.OTLPEndpoint, "dev")
	if err != nil {
		return nil, err
	}

	rt.policies, err = policy.NewEngine(logger)
	if err != nil {
		return nil, err
	}
	if settings.PolicyDir != "" {
		if err := rt.policies.LoadDir(ctx, settings.PolicyDir); err != nil {
			return nil, err
		}
	}

	rt.bus = telemetry.NewBus(logger, 256)
	rt.bus.Subscribe(telemetry.LogSubscriber(logger))
	rt.bus.Subscribe(telemetry.MetricsSubscriber(rt.metrics))

	if withStore {
		rt.store, err = stores.NewSQLiteStore(stores.Config{Path: settings.StatePath})
		if err != nil {
			return nil, err
		}
		if err := rt.store.Init(ctx); err != nil {
			return nil, err
		}
		if err := rt.store.Migrate(ctx); err != nil {
			_ = rt.store.Close()
			return nil, err
		}
		rt.bus.Subscribe(func(event *engine.Event) {
			if err := rt.store.SaveEvent(context.Background(), event); err != nil {
				logger.Debug().Err(err).Msg("failed to persist event")
			}
		})
	}

	rt.client = sim.New(logger)

	if settings.Telemetry.MetricsAddr != "" {
		go func() {
			if err := rt.metrics.Serve(settings.Telemetry.MetricsAddr); err != nil {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	return rt, nil
}

// close releases runtime resources.
func (rt *runtime) close(ctx context.Context) {
	rt.bus.Close()
	if rt.store != nil {
		_ = rt.store.Close()
	}
	if rt.tracer != nil {
		_ = rt.tracer.Shutdown(ctx)
	}
}

// buildPlan loads the deployment, builds the graph, and plans it against
// the latest snapshot.
func (rt *runtime) buildPlan(ctx context.Context, source string) (*engine.Plan, *engine.DeploymentGraph, *engine.StateSnapshot, error) {
	ctx, span := rt.tracer.StartPlanSpan(ctx, source)
	defer span.End()

	dep, err := rt.loader.Load(source)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, nil, nil, err
	}
	graph, err := engine.NewGraphBuilder().Build(dep.Specs())
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, nil, nil, err
	}
	schemas, err := dep.SchemaRegistry()
	if err != nil {
		return nil, nil, nil, err
	}

	snap := engine.NewSnapshot()
	if rt.store != nil {
		snap, err = rt.store.LoadLatest(ctx)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	plan, err := engine.NewPlanner(schemas).BuildPlan(ctx, graph, snap)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, nil, nil, err
	}
	return plan, graph, snap, nil
}

// gate evaluates policies and reports violations. It returns an error when
// the plan is denied.
func (rt *runtime) gate(ctx context.Context, plan *engine.Plan, graph *engine.DeploymentGraph, snap *engine.StateSnapshot) error {
	result, err := rt.policies.EvaluatePlan(ctx, plan, graph, snap)
	if err != nil {
		return err
	}
	for _, w := range result.Warnings {
		rt.logger.Warn().
			Str("policy", w.Policy).
			Str("resource_id", w.ResourceID).
			Msg(w.Message)
	}
	if !result.Allowed {
		for _, v := range result.Violations {
			rt.logger.Error().
				Str("policy", v.Policy).
				Str("resource_id", v.ResourceID).
				Msg(v.Message)
		}
		return fmt.Errorf("plan denied by %d policy violation(s)", len(result.Violations))
	}
	return nil
}
