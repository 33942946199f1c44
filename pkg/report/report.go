// Package report owns the run report lifecycle: accumulation of log
// events and resource statuses during a run, finalization, the
// human-readable summary, and durable persistence of the outcome.
package report

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kudzuproject/kudzu/pkg/telemetry"
)

// Run statuses.
const (
	StatusApplied = "applied"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// ResourceStatus records the outcome of applying one resource.
type ResourceStatus struct {
	// Ref is the resource reference, e.g. "File[/etc/motd]".
	Ref string `json:"ref"`

	// Changed indicates the resource was modified.
	Changed bool `json:"changed"`

	// Failed indicates the resource failed to apply.
	Failed bool `json:"failed"`

	// Skipped indicates the resource was skipped, typically because a
	// dependency failed.
	Skipped bool `json:"skipped"`

	// Noop indicates the change was simulated, not applied.
	Noop bool `json:"noop"`

	// Duration is how long the resource took.
	Duration time.Duration `json:"duration"`
}

// Report is the durable record of one run. It acts as a log sink for
// the run's duration (implements telemetry.Sink) and is owned
// exclusively by the run that created or received it.
type Report struct {
	mu sync.Mutex

	// ID is the report UUID.
	ID string `json:"id"`

	// Host is the node the run executed on.
	Host string `json:"host"`

	// Status is the run's final status.
	Status string `json:"status"`

	// Environment is the catalog environment, when known.
	Environment string `json:"environment,omitempty"`

	// CatalogVersion is the applied catalog's version, when known.
	CatalogVersion string `json:"catalog_version,omitempty"`

	// TransactionUUID cross-references the transaction that applied the
	// catalog, when one exists.
	TransactionUUID string `json:"transaction_uuid,omitempty"`

	// Time is when the run started.
	Time time.Time `json:"time"`

	// EndTime is when the report was finalized.
	EndTime time.Time `json:"end_time"`

	// Noop indicates the run was a simulation.
	Noop bool `json:"noop"`

	// Logs are the log events captured during the run.
	Logs []telemetry.Entry `json:"logs"`

	// ResourceStatuses maps resource refs to their outcomes.
	ResourceStatuses map[string]*ResourceStatus `json:"resource_statuses"`

	// RetrievalDuration is how long catalog retrieval took.
	RetrievalDuration time.Duration `json:"retrieval_duration"`

	// ApplyDuration is how long catalog application took.
	ApplyDuration time.Duration `json:"apply_duration"`

	// TotalDuration is the sealed total run duration.
	TotalDuration time.Duration `json:"total_duration"`

	finalized bool
	failed    bool
	applied   bool
}

// New creates a report for a run starting now.
func New(host string) *Report {
	return &Report{
		ID:               uuid.New().String(),
		Host:             host,
		Status:           StatusSkipped,
		Time:             time.Now(),
		Logs:             make([]telemetry.Entry, 0),
		ResourceStatuses: make(map[string]*ResourceStatus),
	}
}

// WriteEntry implements telemetry.Sink. Entries arriving after
// finalization are dropped; the report is sealed.
func (r *Report) WriteEntry(e telemetry.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}
	r.Logs = append(r.Logs, e)
}

// AddResourceStatus records the outcome of one resource.
func (r *Report) AddResourceStatus(rs *ResourceStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ResourceStatuses[rs.Ref] = rs
	if rs.Failed {
		r.failed = true
	}
}

// MarkApplied records that a catalog was applied during this run.
func (r *Report) MarkApplied() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = true
}

// MarkFailed records that the run failed.
func (r *Report) MarkFailed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = true
}

// Finalize seals the report: it stamps the end time and total duration,
// attaches the transaction reference, and computes the final status.
// Finalizing twice is a no-op.
func (r *Report) Finalize(transactionUUID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}

	r.TransactionUUID = transactionUUID
	r.EndTime = time.Now()
	r.TotalDuration = r.EndTime.Sub(r.Time)

	switch {
	case r.failed:
		r.Status = StatusFailed
	case r.applied:
		r.Status = StatusApplied
	default:
		r.Status = StatusSkipped
	}

	r.finalized = true
}

// Finalized reports whether the report has been sealed.
func (r *Report) Finalized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finalized
}

// counts tallies resource outcomes.
func (r *Report) counts() (total, changed, failed, skipped int) {
	for _, rs := range r.ResourceStatuses {
		total++
		if rs.Changed {
			changed++
		}
		if rs.Failed {
			failed++
		}
		if rs.Skipped {
			skipped++
		}
	}
	return total, changed, failed, skipped
}

// Summary returns the human-readable run summary.
func (r *Report) Summary() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	total, changed, failed, skipped := r.counts()

	var b strings.Builder
	fmt.Fprintf(&b, "Run summary for %s\n", r.Host)
	fmt.Fprintf(&b, "  Status: %s\n", r.Status)
	if r.CatalogVersion != "" {
		fmt.Fprintf(&b, "  Catalog version: %s\n", r.CatalogVersion)
	}
	fmt.Fprintf(&b, "  Resources: %d total, %d changed, %d failed, %d skipped\n",
		total, changed, failed, skipped)
	fmt.Fprintf(&b, "  Events: %d log entries\n", len(r.Logs))
	fmt.Fprintf(&b, "  Time: retrieval %.2fs, apply %.2fs, total %.2fs\n",
		r.RetrievalDuration.Seconds(), r.ApplyDuration.Seconds(), r.TotalDuration.Seconds())
	return b.String()
}

// RawSummary returns the structured snapshot persisted as the last-run
// summary. Keys are stable; values are plain scalars so the snapshot
// serializes cleanly.
func (r *Report) RawSummary() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	total, changed, failed, skipped := r.counts()

	levels := make(map[string]int)
	for _, e := range r.Logs {
		levels[e.Level]++
	}
	// Deterministic key set for the events section
	eventKeys := make([]string, 0, len(levels))
	for k := range levels {
		eventKeys = append(eventKeys, k)
	}
	sort.Strings(eventKeys)
	events := make(map[string]int, len(levels)+1)
	for _, k := range eventKeys {
		events[k] = levels[k]
	}
	events["total"] = len(r.Logs)

	return map[string]any{
		"version": map[string]any{
			"config": r.CatalogVersion,
		},
		"run": map[string]any{
			"id":          r.ID,
			"host":        r.Host,
			"status":      r.Status,
			"transaction": r.TransactionUUID,
			"noop":        r.Noop,
		},
		"resources": map[string]any{
			"total":   total,
			"changed": changed,
			"failed":  failed,
			"skipped": skipped,
		},
		"events": events,
		"time": map[string]any{
			"last_run":  r.Time.Unix(),
			"retrieval": r.RetrievalDuration.Seconds(),
			"apply":     r.ApplyDuration.Seconds(),
			"total":     r.TotalDuration.Seconds(),
		},
	}
}

// Payload returns the report serialized for persistence through a
// terminus.
func (r *Report) Payload() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.Marshal(struct {
		ID                string                     `json:"id"`
		Host              string                     `json:"host"`
		Status            string                     `json:"status"`
		Environment       string                     `json:"environment,omitempty"`
		CatalogVersion    string                     `json:"catalog_version,omitempty"`
		TransactionUUID   string                     `json:"transaction_uuid,omitempty"`
		Time              time.Time                  `json:"time"`
		EndTime           time.Time                  `json:"end_time"`
		Noop              bool                       `json:"noop"`
		Logs              []telemetry.Entry          `json:"logs"`
		ResourceStatuses  map[string]*ResourceStatus `json:"resource_statuses"`
		RetrievalDuration time.Duration              `json:"retrieval_duration"`
		ApplyDuration     time.Duration              `json:"apply_duration"`
		TotalDuration     time.Duration              `json:"total_duration"`
	}{
		ID:                r.ID,
		Host:              r.Host,
		Status:            r.Status,
		Environment:       r.Environment,
		CatalogVersion:    r.CatalogVersion,
		TransactionUUID:   r.TransactionUUID,
		Time:              r.Time,
		EndTime:           r.EndTime,
		Noop:              r.Noop,
		Logs:              r.Logs,
		ResourceStatuses:  r.ResourceStatuses,
		RetrievalDuration: r.RetrievalDuration,
		ApplyDuration:     r.ApplyDuration,
		TotalDuration:     r.TotalDuration,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize report: %w", err)
	}
	return data, nil
}
