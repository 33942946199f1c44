package commands

import (
	"context"
	"fmt"

	"github.com/kudzuproject/kudzu/pkg/agent"
	"github.com/kudzuproject/kudzu/pkg/config"
	"github.com/kudzuproject/kudzu/pkg/facts"
	"github.com/kudzuproject/kudzu/pkg/pluginsync"
	"github.com/kudzuproject/kudzu/pkg/report"
	"github.com/kudzuproject/kudzu/pkg/stores"
	"github.com/kudzuproject/kudzu/pkg/telemetry"
	"github.com/kudzuproject/kudzu/pkg/terminus"
)

// runtime is the wired-up agent stack shared by the run-oriented
// commands.
type runtime struct {
	settings *config.Settings
	log      *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	store    stores.Store
	agent    *agent.Agent
}

// newRuntime loads settings and builds the full agent stack. overrides
// applies command-line flag overrides before the stack is wired, so
// components that copy settings at construction see them.
func newRuntime(version string, overrides func(*config.Settings)) (*runtime, error) {
	return buildRuntime(version, overrides, nil)
}

// buildRuntime wires the stack, reusing an existing metrics collector
// when one is passed so its registry survives settings reloads.
func buildRuntime(version string, overrides func(*config.Settings), metrics *telemetry.Metrics) (*runtime, error) {
	settings, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		settings.Logging.Level = "debug"
	}
	if overrides != nil {
		overrides(settings)
	}

	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceVersion = version
	tcfg.Environment = "agent"
	if settings.Logging.Level != "" {
		tcfg.Logging.Level = settings.Logging.Level
	}
	if settings.Logging.Format != "" {
		tcfg.Logging.Format = settings.Logging.Format
	}
	if settings.Logging.Output != "" {
		tcfg.Logging.Output = settings.Logging.Output
	}
	tcfg.Tracing.Enabled = settings.Tracing.Enabled
	if settings.Tracing.Exporter != "" {
		tcfg.Tracing.Exporter = settings.Tracing.Exporter
	}
	tcfg.Tracing.Endpoint = settings.Tracing.Endpoint
	tcfg.Tracing.SamplingRate = settings.Tracing.Sampling
	tcfg.Metrics.Enabled = settings.Metrics.Enabled
	if settings.Metrics.ListenAddress != "" {
		tcfg.Metrics.ListenAddress = settings.Metrics.ListenAddress
	}
	if err := tcfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry configuration: %w", err)
	}

	log, err := telemetry.NewLogger(tcfg.Logging)
	if err != nil {
		return nil, err
	}

	if metrics == nil {
		metrics, err = telemetry.NewMetrics(tcfg.Metrics)
		if err != nil {
			return nil, err
		}
	}

	tracer, err := telemetry.NewTracer(tcfg.Tracing, tcfg.ServiceName, tcfg.ServiceVersion, tcfg.Environment)
	if err != nil {
		return nil, err
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: settings.CacheDB})
	if err != nil {
		return nil, err
	}

	cache, err := terminus.NewCache(store)
	if err != nil {
		return nil, err
	}

	var remote terminus.Terminus
	if settings.ServerURL != "" {
		rest, err := terminus.NewRest(terminus.RestConfig{BaseURL: settings.ServerURL})
		if err != nil {
			return nil, err
		}
		remote = rest
	}

	route, err := terminus.NewRoute(remote, cache)
	if err != nil {
		return nil, err
	}

	reports := report.NewManager(report.ManagerConfig{
		Summarize:   settings.Summarize,
		Persist:     settings.Report,
		LastRunFile: settings.LastRunFile,
	}, route, log, metrics)

	var syncer pluginsync.Syncer
	if settings.PluginSync.Enabled {
		cfg := pluginsync.DefaultConfig(settings.PluginSync.Host, settings.PluginSync.User)
		cfg.Port = settings.PluginSync.Port
		cfg.PrivateKeyPath = settings.PluginSync.PrivateKeyPath
		cfg.RemoteDir = settings.PluginSync.RemoteDir
		cfg.LocalDir = settings.PluginSync.LocalDir

		syncer, err = pluginsync.NewSFTPSyncer(cfg, log)
		if err != nil {
			return nil, err
		}
	}

	applier := agent.NewGraphApplier(agent.DefaultResourceFunc(log), log)
	a := agent.New(settings, route, applier, reports, facts.NewCollector(log), syncer, store, log, metrics, tracer)

	return &runtime{
		settings: settings,
		log:      log,
		metrics:  metrics,
		tracer:   tracer,
		store:    store,
		agent:    a,
	}, nil
}

// Close releases the runtime's resources.
func (rt *runtime) Close(ctx context.Context) {
	if err := rt.tracer.Shutdown(ctx); err != nil {
		rt.log.WithError(err).Warn("Failed to shut down tracer")
	}
	if err := rt.store.Close(); err != nil {
		rt.log.WithError(err).Warn("Failed to close local store")
	}
}
