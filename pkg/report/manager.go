package report

import (
	"context"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/kudzuproject/kudzu/pkg/telemetry"
	"github.com/kudzuproject/kudzu/pkg/terminus"
)

// lastRunFileMode is the fixed permission mode of the last-run summary.
const lastRunFileMode = 0640

// ManagerConfig configures report handling.
type ManagerConfig struct {
	// Summarize prints the human-readable summary to the console.
	Summarize bool

	// Persist sends the report through the locator's save path.
	Persist bool

	// LastRunFile is where the raw-summary snapshot is written.
	LastRunFile string
}

// Manager finalizes and emits run reports. Persistence is best-effort:
// failures are logged and swallowed, never raised.
type Manager struct {
	cfg     ManagerConfig
	route   *terminus.Route
	log     *telemetry.Logger
	metrics *telemetry.Metrics

	// Out receives the console summary. Defaults to stdout.
	Out io.Writer
}

// NewManager creates a report manager.
func NewManager(cfg ManagerConfig, route *terminus.Route, log *telemetry.Logger, metrics *telemetry.Metrics) *Manager {
	return &Manager{
		cfg:     cfg,
		route:   route,
		log:     log.NewComponentLogger("report"),
		metrics: metrics,
		Out:     os.Stdout,
	}
}

// Send finalizes the report with the transaction reference, optionally
// prints the console summary, always writes the last-run summary, and
// optionally persists the report through the locator. It never returns
// an error: every failure on this path is logged and swallowed.
func (m *Manager) Send(ctx context.Context, r *Report, transactionUUID string) {
	r.Finalize(transactionUUID)

	if m.cfg.Summarize {
		fmt.Fprint(m.Out, r.Summary())
	}

	m.SaveLastRunSummary(r)

	if !m.cfg.Persist {
		return
	}

	payload, err := r.Payload()
	if err != nil {
		m.log.WithError(err).Error("Could not serialize report for persistence")
		m.metrics.ReportSaveFailed()
		return
	}

	err = m.route.Save(ctx, terminus.KindReport, &terminus.Resource{
		Key:  r.ID,
		Body: payload,
	})
	if err != nil {
		m.log.WithError(err).Errorf("Could not save report for %s", r.Host)
		m.metrics.ReportSaveFailed()
	}
}

// SaveLastRunSummary writes the report's raw-summary snapshot to the
// configured path under an exclusive write lock. Any failure is logged
// and swallowed.
func (m *Manager) SaveLastRunSummary(r *Report) {
	if m.cfg.LastRunFile == "" {
		return
	}
	if err := m.writeLastRunSummary(r); err != nil {
		m.log.WithError(err).Errorf("Could not save last run summary to %s", m.cfg.LastRunFile)
	}
}

// writeLastRunSummary does the locked write.
func (m *Manager) writeLastRunSummary(r *Report) error {
	data, err := yaml.Marshal(r.RawSummary())
	if err != nil {
		return fmt.Errorf("failed to serialize summary: %w", err)
	}

	f, err := os.OpenFile(m.cfg.LastRunFile, os.O_CREATE|os.O_WRONLY, lastRunFileMode)
	if err != nil {
		return fmt.Errorf("failed to open summary file: %w", err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to lock summary file: %w", err)
	}
	defer func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	}()

	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate summary file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write summary file: %w", err)
	}

	return nil
}
