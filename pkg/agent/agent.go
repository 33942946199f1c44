// Package agent implements the run orchestrator: the sequence that
// acquires the node lock, prepares the run, retrieves and applies a
// catalog, and guarantees a report is sent and the lock released on
// every exit path.
package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kudzuproject/kudzu/pkg/catalog"
	"github.com/kudzuproject/kudzu/pkg/config"
	"github.com/kudzuproject/kudzu/pkg/facts"
	"github.com/kudzuproject/kudzu/pkg/pluginsync"
	"github.com/kudzuproject/kudzu/pkg/report"
	"github.com/kudzuproject/kudzu/pkg/stores"
	"github.com/kudzuproject/kudzu/pkg/telemetry"
	"github.com/kudzuproject/kudzu/pkg/terminus"
)

// RunOptions controls a single run.
type RunOptions struct {
	// Report is a caller-supplied report. When nil a fresh one is
	// created for the run.
	Report *report.Report

	// Catalog bypasses retrieval entirely; the locator is never
	// consulted when one is supplied.
	Catalog *catalog.Catalog

	// Noop simulates the run without making changes.
	Noop bool
}

// Agent orchestrates runs for one node.
type Agent struct {
	settings  *config.Settings
	route     *terminus.Route
	retriever *Retriever
	applier   Applier
	reports   *report.Manager
	collector *facts.Collector
	syncer    pluginsync.Syncer
	store     stores.Store
	lock      *Lockfile
	log       *telemetry.Logger
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer

	storeReady bool
}

// New creates an agent. syncer and store may be nil when plugin sync or
// local persistence is not configured.
func New(
	settings *config.Settings,
	route *terminus.Route,
	applier Applier,
	reports *report.Manager,
	collector *facts.Collector,
	syncer pluginsync.Syncer,
	store stores.Store,
	log *telemetry.Logger,
	metrics *telemetry.Metrics,
	tracer *telemetry.Tracer,
) *Agent {
	if tracer == nil {
		tracer, _ = telemetry.NewTracer(telemetry.TracingConfig{}, "kudzu", "", "")
	}

	converter := catalog.NewConverter(settings.ClassFile, settings.ResourceFile)
	retriever := NewRetriever(RetrieverConfig{
		Certname:          settings.Certname,
		UseCachedCatalog:  settings.UseCachedCatalog,
		UseCacheOnFailure: settings.UseCacheOnFailure,
	}, route, converter, log, metrics)

	return &Agent{
		settings:  settings,
		route:     route,
		retriever: retriever,
		applier:   applier,
		reports:   reports,
		collector: collector,
		syncer:    syncer,
		store:     store,
		lock:      NewLockfile(settings.Lockfile),
		log:       log.WithNode(settings.Certname),
		metrics:   metrics,
		tracer:    tracer,
	}
}

// Run executes one agent run. The returned report is always populated
// and has already been sent; the returned error is non-nil only for
// lock contention and hook failures, and a hook failure propagates only
// after the report was sent, the log sink removed, and the lock
// released.
func (a *Agent) Run(ctx context.Context, opts RunOptions) (*report.Report, error) {
	a.metrics.RunStarted()
	startTime := time.Now()

	if err := a.lock.Acquire(); err != nil {
		return nil, err
	}
	defer a.lock.Release()

	ctx, span := a.tracer.Start(ctx, "agent.run")
	defer span.End()

	r := opts.Report
	if r == nil {
		r = report.New(a.settings.Certname)
	}

	var txn *Transaction

	// Guaranteed-cleanup region: whatever happens below, the report is
	// sent, the sink removed, and run metrics recorded.
	telemetry.RegisterSink(r)
	defer func() {
		transactionUUID := ""
		if txn != nil {
			transactionUUID = txn.UUID
		}
		a.reports.Send(ctx, r, transactionUUID)
		telemetry.UnregisterSink(r)
		a.metrics.RunCompleted(r.Status, time.Since(startTime))
	}()

	prepCtx, prepSpan := a.tracer.Start(ctx, "agent.prepare")
	nodeFacts, err := a.prepare(prepCtx, opts)
	telemetry.RecordError(prepSpan, err)
	prepSpan.End()
	if err != nil {
		telemetry.RecordError(span, err)
		return r, err
	}

	cat := opts.Catalog
	if cat == nil {
		findCtx, findSpan := a.tracer.Start(ctx, "agent.retrieve")
		cat = a.retriever.Retrieve(findCtx, nodeFacts, facts.Format)
		findSpan.End()
	}

	if cat == nil {
		a.log.Error("Could not retrieve catalog; skipping run")
	} else {
		r.RetrievalDuration = cat.RetrievalDuration

		applyStart := time.Now()
		applyCtx, applySpan := a.tracer.Start(ctx, "agent.apply")
		txn, err = a.applier.Apply(applyCtx, cat, r, ApplyOptions{
			Noop: opts.Noop || a.settings.Noop,
		})
		telemetry.RecordError(applySpan, err)
		applySpan.End()
		if err != nil {
			a.log.WithError(err).Error("Failed to apply catalog")
			r.MarkFailed()
		} else {
			a.log.Noticef("Applied catalog in %.2f seconds", time.Since(applyStart).Seconds())
		}
	}

	if err := RunHook(ctx, a.settings.PostrunCommand, a.log); err != nil {
		telemetry.RecordError(span, err)
		return r, err
	}

	return r, nil
}

// prepare runs the pre-catalog steps: local storage, plugin sync, fact
// collection, and the pre-run hook. Only a hook failure aborts the run.
func (a *Agent) prepare(ctx context.Context, opts RunOptions) (map[string]any, error) {
	a.initStore(ctx)
	a.syncPlugins(ctx)

	var nodeFacts map[string]any
	// Facts are only needed when a remote strategy will answer the
	// catalog find; local-only setups skip collection entirely.
	if opts.Catalog == nil && a.route.Remote() {
		nodeFacts = a.collector.Collect()
		a.persistFacts(ctx, nodeFacts)
	}

	if err := RunHook(ctx, a.settings.PrerunCommand, a.log); err != nil {
		return nil, err
	}

	return nodeFacts, nil
}

// initStore opens and migrates the local metadata store once per
// process. Failures are logged; the run proceeds without local
// persistence.
func (a *Agent) initStore(ctx context.Context) {
	if a.store == nil || a.storeReady {
		return
	}
	if err := a.store.Init(ctx); err != nil {
		a.log.WithError(err).Warn("Failed to initialize local store")
		return
	}
	if err := a.store.Migrate(ctx); err != nil {
		a.log.WithError(err).Warn("Failed to migrate local store")
		return
	}
	a.storeReady = true
}

// syncPlugins mirrors server-side plugin code. A failed sync is logged
// and the run continues with whatever plugins are already local.
func (a *Agent) syncPlugins(ctx context.Context) {
	if a.syncer == nil {
		return
	}
	result, err := a.syncer.Sync(ctx)
	if err != nil {
		a.log.WithError(err).Warn("Plugin sync failed")
		return
	}
	if result.FilesSynced > 0 || result.FilesPurged > 0 {
		a.log.Infof("Plugin sync: %d files synced, %d purged", result.FilesSynced, result.FilesPurged)
	}
}

// persistFacts stores the collected fact set locally for introspection.
// Best effort.
func (a *Agent) persistFacts(ctx context.Context, nodeFacts map[string]any) {
	if a.store == nil || !a.storeReady || nodeFacts == nil {
		return
	}
	payload, err := json.Marshal(nodeFacts)
	if err != nil {
		return
	}
	err = a.store.UpsertFacts(ctx, &stores.NodeFacts{
		Node:        a.settings.Certname,
		Format:      facts.Format,
		Payload:     payload,
		CollectedAt: time.Now(),
	})
	if err != nil {
		a.log.WithError(err).Warn("Failed to store facts")
	}
}
