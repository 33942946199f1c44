package agent

import (
	"context"
	"time"

	"github.com/kudzuproject/kudzu/pkg/catalog"
	"github.com/kudzuproject/kudzu/pkg/telemetry"
	"github.com/kudzuproject/kudzu/pkg/terminus"
)

// RetrieverConfig controls the retrieval resilience policy.
type RetrieverConfig struct {
	// Certname is the node identity key catalogs are found by.
	Certname string

	// UseCachedCatalog forces cache-only operation: the cache answers
	// first and the remote path is consulted only when the cache is
	// empty.
	UseCachedCatalog bool

	// UseCacheOnFailure falls back to the cache when the remote
	// retrieval fails or returns nothing.
	UseCacheOnFailure bool
}

// Retriever obtains an executable catalog for the node. Every find
// failure is caught here; only the final nil-or-catalog result crosses
// the boundary, so a retrieval problem can never crash a run.
type Retriever struct {
	config    RetrieverConfig
	route     *terminus.Route
	converter *catalog.Converter
	log       *telemetry.Logger
	metrics   *telemetry.Metrics
}

// NewRetriever creates a catalog retriever.
func NewRetriever(cfg RetrieverConfig, route *terminus.Route, converter *catalog.Converter, log *telemetry.Logger, metrics *telemetry.Metrics) *Retriever {
	return &Retriever{
		config:    cfg,
		route:     route,
		converter: converter,
		log:       log.NewComponentLogger("retriever"),
		metrics:   metrics,
	}
}

// Retrieve obtains and converts a catalog, or returns nil when no
// catalog could be obtained this run. Facts ride along on remote finds
// so the server can compile node-specific configuration; cache lookups
// ignore them.
func (rt *Retriever) Retrieve(ctx context.Context, facts map[string]any, factsFormat string) *catalog.Catalog {
	startTime := time.Now()

	res, source := rt.find(ctx, facts, factsFormat)
	if res == nil {
		rt.metrics.RetrievalFailed()
		return nil
	}

	rt.metrics.CatalogRetrieved(source)

	raw, err := catalog.ParseRaw(res.Body)
	if err != nil {
		rt.log.WithError(err).Error("Retrieved catalog is not usable")
		rt.metrics.RetrievalFailed()
		return nil
	}

	executable, err := rt.converter.Convert(raw, time.Since(startTime))
	if err != nil {
		rt.log.WithError(err).Error("Catalog conversion failed")
		rt.metrics.RetrievalFailed()
		return nil
	}

	if source == "remote" {
		rt.saveThrough(ctx, res)
	}

	return executable
}

// find runs the policy over the locator strategies and reports which
// source answered.
func (rt *Retriever) find(ctx context.Context, facts map[string]any, factsFormat string) (*terminus.Resource, string) {
	if rt.config.UseCachedCatalog {
		return rt.findCacheFirst(ctx, facts, factsFormat)
	}
	return rt.findRemoteFirst(ctx, facts, factsFormat)
}

// findCacheFirst implements cache-only operation. An empty cache still
// triggers one fresh remote compile; the retriever never silently
// returns nothing just because the cache is empty.
func (rt *Retriever) findCacheFirst(ctx context.Context, facts map[string]any, factsFormat string) (*terminus.Resource, string) {
	res, err := rt.route.Find(ctx, terminus.KindCatalog, rt.config.Certname, terminus.FindOptions{
		IgnoreTerminus: true,
	})
	if err != nil {
		rt.log.WithError(err).Warn("Cached catalog lookup failed")
	} else if res != nil {
		rt.log.Notice("Using cached catalog")
		return res, "cache"
	}

	res, err = rt.route.Find(ctx, terminus.KindCatalog, rt.config.Certname, terminus.FindOptions{
		IgnoreCache: true,
		Facts:       facts,
		FactsFormat: factsFormat,
	})
	if err != nil {
		rt.log.WithError(err).Warn("Could not retrieve catalog from server")
		return nil, ""
	}
	if res == nil {
		return nil, ""
	}
	return res, "remote"
}

// findRemoteFirst implements the primary path with optional cache
// fallback.
func (rt *Retriever) findRemoteFirst(ctx context.Context, facts map[string]any, factsFormat string) (*terminus.Resource, string) {
	res, err := rt.route.Find(ctx, terminus.KindCatalog, rt.config.Certname, terminus.FindOptions{
		IgnoreCache: true,
		Facts:       facts,
		FactsFormat: factsFormat,
	})
	if err == nil && res != nil {
		return res, "remote"
	}
	if err != nil {
		rt.log.WithError(err).Warn("Could not retrieve catalog from server")
	}

	if !rt.config.UseCacheOnFailure {
		rt.log.Warn("Not using cache on failed catalog retrieval")
		return nil, ""
	}

	res, err = rt.route.Find(ctx, terminus.KindCatalog, rt.config.Certname, terminus.FindOptions{
		IgnoreTerminus: true,
	})
	if err != nil {
		rt.log.WithError(err).Warn("Cached catalog lookup failed")
		return nil, ""
	}
	if res == nil {
		return nil, ""
	}

	rt.log.Notice("Using cached catalog")
	return res, "cache"
}

// saveThrough stores a freshly retrieved catalog in the cache so later
// runs can fall back to it. Failures are logged and swallowed.
func (rt *Retriever) saveThrough(ctx context.Context, res *terminus.Resource) {
	if err := rt.route.SaveCache(ctx, terminus.KindCatalog, res); err != nil {
		rt.log.WithError(err).Warn("Failed to cache retrieved catalog")
	}
}
