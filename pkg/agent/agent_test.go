package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/kudzuproject/kudzu/pkg/catalog"
	"github.com/kudzuproject/kudzu/pkg/config"
	"github.com/kudzuproject/kudzu/pkg/facts"
	"github.com/kudzuproject/kudzu/pkg/report"
	"github.com/kudzuproject/kudzu/pkg/telemetry"
	"github.com/kudzuproject/kudzu/pkg/terminus"
)

type mockApplier struct {
	calls     int
	gotReport *report.Report
	txn       *Transaction
	err       error
}

func (m *mockApplier) Apply(_ context.Context, c *catalog.Catalog, r *report.Report, _ ApplyOptions) (*Transaction, error) {
	m.calls++
	m.gotReport = r
	if m.err != nil {
		return nil, m.err
	}
	if m.txn == nil {
		m.txn = &Transaction{UUID: uuid.New().String(), CatalogVersion: c.Version}
	}
	r.MarkApplied()
	return m.txn, nil
}

func testSettings(t *testing.T) *config.Settings {
	t.Helper()
	dir := t.TempDir()
	return &config.Settings{
		Certname:          "web01",
		Vardir:            dir,
		CacheDB:           filepath.Join(dir, "cache.db"),
		Lockfile:          filepath.Join(dir, "agent.lock"),
		LastRunFile:       filepath.Join(dir, "last_run_summary.yaml"),
		ClassFile:         filepath.Join(dir, "classes.txt"),
		ResourceFile:      filepath.Join(dir, "resources.txt"),
		Report:            true,
		UseCacheOnFailure: true,
	}
}

type agentFixture struct {
	agent    *Agent
	settings *config.Settings
	remote   *scriptedTerminus
	cache    *scriptedTerminus
	applier  *mockApplier
}

// newTestAgent wires an agent over scripted termini. remote may be nil
// for cache-only setups.
func newTestAgent(t *testing.T, settings *config.Settings, remote, cache *scriptedTerminus) *agentFixture {
	t.Helper()

	var remoteTerminus terminus.Terminus
	if remote != nil {
		remoteTerminus = remote
	}
	route, err := terminus.NewRoute(remoteTerminus, cache)
	if err != nil {
		t.Fatal(err)
	}

	log := testLogger(t)
	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{})
	if err != nil {
		t.Fatal(err)
	}
	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{}, "kudzu", "test", "test")
	if err != nil {
		t.Fatal(err)
	}

	reports := report.NewManager(report.ManagerConfig{
		Persist:     settings.Report,
		Summarize:   settings.Summarize,
		LastRunFile: settings.LastRunFile,
	}, route, log, metrics)

	applier := &mockApplier{}
	a := New(settings, route, applier, reports, facts.NewCollector(log), nil, nil, log, metrics, tracer)

	return &agentFixture{
		agent:    a,
		settings: settings,
		remote:   remote,
		cache:    cache,
		applier:  applier,
	}
}

func reportLogged(r *report.Report, msg string) bool {
	for _, e := range r.Logs {
		if strings.Contains(e.Message, msg) {
			return true
		}
	}
	return false
}

func TestRunWithoutCatalogStillSendsOneReport(t *testing.T) {
	fx := newTestAgent(t, testSettings(t), nil, &scriptedTerminus{name: "cache"})

	r, err := fx.agent.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r == nil {
		t.Fatal("expected a report")
	}

	if !r.Finalized() {
		t.Error("report should be finalized")
	}
	if !reportLogged(r, "Could not retrieve catalog; skipping run") {
		t.Error("report should contain the skip message")
	}
	// remote is nil so the report save lands on the cache terminus
	if fx.cache.saveCalls != 1 {
		t.Errorf("expected exactly one report save, got %d", fx.cache.saveCalls)
	}
	if telemetry.SinkRegistered(r) {
		t.Error("report must not remain a log sink after the run")
	}
	if fx.applier.calls != 0 {
		t.Error("nothing should be applied without a catalog")
	}
}

func TestRunSuccessSetsTransactionReference(t *testing.T) {
	remote := &scriptedTerminus{name: "rest", res: catalogResource(t)}
	fx := newTestAgent(t, testSettings(t), remote, &scriptedTerminus{name: "cache"})

	r, err := fx.agent.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if fx.applier.calls != 1 {
		t.Fatalf("applier called %d times, want 1", fx.applier.calls)
	}
	if r.TransactionUUID == "" || r.TransactionUUID != fx.applier.txn.UUID {
		t.Errorf("report transaction %q does not match %q", r.TransactionUUID, fx.applier.txn.UUID)
	}
	if r.Status != report.StatusApplied {
		t.Errorf("unexpected status: %q", r.Status)
	}
	if telemetry.SinkRegistered(r) {
		t.Error("report must not remain a log sink after the run")
	}
	// run report persisted through the remote terminus
	if remote.saveCalls == 0 {
		t.Error("expected the report persisted remotely")
	}
}

func TestRunSuppliedCatalogAndReportSkipsRetrieval(t *testing.T) {
	remote := &scriptedTerminus{name: "rest", res: catalogResource(t)}
	fx := newTestAgent(t, testSettings(t), remote, &scriptedTerminus{name: "cache"})

	supplied := report.New("web01")
	r, err := fx.agent.Run(context.Background(), RunOptions{
		Catalog: testCatalog(t),
		Report:  supplied,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if remote.finds() != 0 {
		t.Errorf("retrieval consulted the locator %d times, want 0", remote.finds())
	}
	if r != supplied {
		t.Error("the supplied report should be the one returned")
	}
	if fx.applier.gotReport != supplied {
		t.Error("application should receive the supplied report")
	}
}

func TestRunPrerunHookFailure(t *testing.T) {
	settings := testSettings(t)
	settings.PrerunCommand = "exit 7"
	fx := newTestAgent(t, settings, nil, &scriptedTerminus{name: "cache"})

	r, err := fx.agent.Run(context.Background(), RunOptions{})

	var hookErr *HookError
	if !errors.As(err, &hookErr) {
		t.Fatalf("expected HookError, got %v", err)
	}
	if r == nil {
		t.Fatal("a report must still be produced")
	}
	if telemetry.SinkRegistered(r) {
		t.Error("log sink must be removed even on hook failure")
	}
	// report was still attempted
	if fx.cache.saveCalls != 1 {
		t.Errorf("expected one report save attempt, got %d", fx.cache.saveCalls)
	}
	// catalog work never began
	if fx.applier.calls != 0 {
		t.Error("nothing should be applied after a pre-run hook failure")
	}
}

func TestRunPostrunHookFailureReportStillSent(t *testing.T) {
	settings := testSettings(t)
	settings.PostrunCommand = "exit 1"
	fx := newTestAgent(t, settings, nil, &scriptedTerminus{name: "cache"})

	r, err := fx.agent.Run(context.Background(), RunOptions{Catalog: testCatalog(t)})

	var hookErr *HookError
	if !errors.As(err, &hookErr) {
		t.Fatalf("expected HookError, got %v", err)
	}
	if fx.applier.calls != 1 {
		t.Error("catalog application should happen before the post-run hook")
	}
	if !r.Finalized() {
		t.Error("report should be finalized despite the hook failure")
	}
	if fx.cache.saveCalls != 1 {
		t.Errorf("expected one report save, got %d", fx.cache.saveCalls)
	}
	if telemetry.SinkRegistered(r) {
		t.Error("log sink must be removed")
	}
}

func TestRunFailsFastOnLockContention(t *testing.T) {
	settings := testSettings(t)
	if err := os.WriteFile(settings.Lockfile, []byte("12345"), 0644); err != nil {
		t.Fatal(err)
	}

	fx := newTestAgent(t, settings, nil, &scriptedTerminus{name: "cache"})

	r, err := fx.agent.Run(context.Background(), RunOptions{})
	if err == nil {
		t.Fatal("expected a lock contention error")
	}
	if r != nil {
		t.Error("no report should be produced when the lock is held elsewhere")
	}
	if fx.cache.saveCalls != 0 {
		t.Error("no report should be sent when the lock is held elsewhere")
	}
}

func TestRunReleasesLockOnEveryPath(t *testing.T) {
	settings := testSettings(t)
	settings.PrerunCommand = "exit 1"
	fx := newTestAgent(t, settings, nil, &scriptedTerminus{name: "cache"})

	if _, err := fx.agent.Run(context.Background(), RunOptions{}); err == nil {
		t.Fatal("expected the hook failure")
	}
	if _, err := os.Stat(settings.Lockfile); !os.IsNotExist(err) {
		t.Error("lockfile should be removed after a failed run")
	}

	// the next run can acquire the lock again
	fx.settings.PrerunCommand = ""
	if _, err := fx.agent.Run(context.Background(), RunOptions{}); err != nil {
		t.Errorf("subsequent run failed: %v", err)
	}
}

func TestRunWritesLastRunSummary(t *testing.T) {
	settings := testSettings(t)
	fx := newTestAgent(t, settings, nil, &scriptedTerminus{name: "cache"})

	if _, err := fx.agent.Run(context.Background(), RunOptions{Catalog: testCatalog(t)}); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(settings.LastRunFile); err != nil {
		t.Errorf("last-run summary not written: %v", err)
	}
}
