package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kudzuproject/kudzu/pkg/catalog"
	"github.com/kudzuproject/kudzu/pkg/report"
	"github.com/kudzuproject/kudzu/pkg/telemetry"
)

// Transaction is the record of applying one executable catalog. It is
// created per run and not retained beyond report transmission.
type Transaction struct {
	// UUID identifies the transaction for report cross-referencing.
	UUID string

	// CatalogVersion is the version of the catalog that was applied.
	CatalogVersion string

	// ResourcesApplied is the number of resources that were applied.
	ResourcesApplied int

	// ResourcesSkipped is the number of resources skipped because a
	// dependency failed.
	ResourcesSkipped int

	// ResourcesFailed is the number of resources that failed.
	ResourcesFailed int

	// Duration is the total application time.
	Duration time.Duration
}

// ApplyOptions are pass-through options forwarded to the applier.
type ApplyOptions struct {
	// Noop simulates the run without making changes.
	Noop bool
}

// Applier is the resource-graph execution boundary. It applies a
// finalized catalog against a report and returns a transaction handle.
type Applier interface {
	Apply(ctx context.Context, c *catalog.Catalog, r *report.Report, opts ApplyOptions) (*Transaction, error)
}

// ResourceFunc reconciles a single resource, returning whether it
// changed. Noop requests must report the would-be change without
// making it.
type ResourceFunc func(ctx context.Context, res catalog.Resource, noop bool) (changed bool, err error)

// GraphApplier walks the catalog's resolved order, reconciling each
// resource and recording its outcome on the report. A resource whose
// dependency failed or was skipped is skipped itself; resource failures
// never abort the walk.
type GraphApplier struct {
	apply ResourceFunc
	log   *telemetry.Logger
}

// NewGraphApplier creates an applier driven by the given resource
// reconciliation function.
func NewGraphApplier(apply ResourceFunc, log *telemetry.Logger) *GraphApplier {
	return &GraphApplier{
		apply: apply,
		log:   log.NewComponentLogger("apply"),
	}
}

// Apply walks the catalog in dependency order.
func (g *GraphApplier) Apply(ctx context.Context, c *catalog.Catalog, r *report.Report, opts ApplyOptions) (*Transaction, error) {
	if c == nil {
		return nil, fmt.Errorf("no catalog to apply")
	}
	if !c.Finalized() {
		return nil, fmt.Errorf("catalog is not finalized")
	}

	startTime := time.Now()
	txn := &Transaction{
		UUID:           uuid.New().String(),
		CatalogVersion: c.Version,
	}

	// Refs whose application failed or was skipped; their dependents
	// are skipped in turn.
	blocked := make(map[string]bool, c.Len())

	for _, ref := range c.Order() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, ok := c.Resource(ref)
		if !ok {
			continue
		}

		if dep := firstBlockedDependency(c, ref, blocked); dep != "" {
			g.log.Warnf("Skipping %s: dependency %s failed", ref, dep)
			blocked[ref] = true
			txn.ResourcesSkipped++
			r.AddResourceStatus(&report.ResourceStatus{
				Ref:     ref,
				Skipped: true,
			})
			continue
		}

		resStart := time.Now()
		changed, err := g.apply(ctx, res, opts.Noop)
		status := &report.ResourceStatus{
			Ref:      ref,
			Changed:  changed,
			Noop:     opts.Noop,
			Duration: time.Since(resStart),
		}

		if err != nil {
			g.log.WithError(err).Errorf("Failed to apply %s", ref)
			status.Failed = true
			blocked[ref] = true
			txn.ResourcesFailed++
		} else {
			if changed {
				g.log.Noticef("Applied %s", ref)
			}
			txn.ResourcesApplied++
		}

		r.AddResourceStatus(status)
	}

	txn.Duration = time.Since(startTime)
	r.ApplyDuration = txn.Duration
	r.Environment = c.Environment
	r.CatalogVersion = c.Version
	r.Noop = opts.Noop

	if txn.ResourcesFailed == 0 {
		r.MarkApplied()
	}

	return txn, nil
}

// firstBlockedDependency returns a failed or skipped dependency of ref,
// or empty when all dependencies succeeded.
func firstBlockedDependency(c *catalog.Catalog, ref string, blocked map[string]bool) string {
	for _, dep := range c.Dependencies(ref) {
		if blocked[dep] {
			return dep
		}
	}
	return ""
}
