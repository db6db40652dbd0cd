package supervisor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/aegis-run/aegis/internal/kernel/types"
	"github.com/aegis-run/aegis/internal/watchdog/fix"
	"github.com/aegis-run/aegis/internal/watchdog/health"
	"github.com/aegis-run/aegis/internal/watchdog/statedb"
	"github.com/aegis-run/aegis/internal/watchdog/stats"
	"github.com/aegis-run/aegis/internal/watchdog/update"
	"github.com/aegis-run/aegis/internal/watchdog/watcher"
	"github.com/aegis-run/aegis/internal/watchdog/wconfig"
)

type fakeNotifier struct {
	alerts      []types.PatternMatch
	fixesSent   []types.Fix
	messages    []string
}

func (f *fakeNotifier) SendAlert(ctx context.Context, match types.PatternMatch) error {
	f.alerts = append(f.alerts, match)
	return nil
}
func (f *fakeNotifier) SendFixApplied(ctx context.Context, fx types.Fix) error {
	f.fixesSent = append(f.fixesSent, fx)
	return nil
}
func (f *fakeNotifier) SendMessage(ctx context.Context, text string) error {
	f.messages = append(f.messages, text)
	return nil
}

type fakeUpdater struct {
	release        *update.Release
	applyHealthy   bool
	applyErr       error
	downloadCalled bool
	selfUpdateCalled bool
}

func (f *fakeUpdater) CheckForUpdate(ctx context.Context, currentVersion string) (*update.Release, error) {
	return f.release, nil
}
func (f *fakeUpdater) DownloadRelease(ctx context.Context, release *update.Release, components []string) error {
	f.downloadCalled = true
	return nil
}
func (f *fakeUpdater) ApplyUpdate(ctx context.Context, release *update.Release, w *watcher.Watcher) (bool, error) {
	return f.applyHealthy, f.applyErr
}
func (f *fakeUpdater) SelfUpdate(release *update.Release, watchdogComponent string) error {
	f.selfUpdateCalled = true
	return nil
}

func newTestSupervisor(t *testing.T) (*Supervisor, *fakeNotifier, *fakeUpdater) {
	t.Helper()
	dir := t.TempDir()

	cfg, err := wconfig.Load(filepath.Join(dir, "missing.toml"))
	if err != nil {
		t.Fatal(err)
	}
	cfg.AutoFix.Enabled = true
	cfg.AutoFix.RestartOnCrash = true
	cfg.AutoFix.MaxAutoRestartsPerHour = 2

	db, err := statedb.Open(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	w := watcher.New(filepath.Join(dir, "logs"), filepath.Join(dir, "health.json"))
	notifier := &fakeNotifier{}
	upd := &fakeUpdater{}

	sup := New(Deps{
		Config:   cfg,
		Watcher:  w,
		Stats:    stats.New(db),
		DB:       db,
		Notifier: notifier,
		Updater:  upd,
		FixPaths: fix.Paths{LogsDir: filepath.Join(dir, "logs")},
		PidPath:  filepath.Join(dir, "kernel.pid"),
		CurrentVersion:    "1.0.0",
		KernelComponent:   "kernel",
		WatchdogComponent: "watchdog",
	})
	return sup, notifier, upd
}

func TestProcessMatch_AlertsWhenAutoFixDisabled(t *testing.T) {
	sup, notifier, _ := newTestSupervisor(t)
	sup.deps.Config.AutoFix.Enabled = false

	sup.processMatch(context.Background(), types.PatternMatch{
		Pattern:     types.PatternMemoryBloat,
		Severity:    types.SeverityLow,
		Diagnosis:   "bloat",
		AutoFixable: false,
	})

	if len(notifier.alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(notifier.alerts))
	}
	if len(notifier.fixesSent) != 0 {
		t.Errorf("expected no fix-applied notification, got %d", len(notifier.fixesSent))
	}
}

func TestProcessMatch_SuppressedPatternSkipped(t *testing.T) {
	sup, notifier, _ := newTestSupervisor(t)
	if err := sup.deps.DB.Suppress(context.Background(), types.PatternMemoryBloat, time.Hour); err != nil {
		t.Fatal(err)
	}

	sup.processMatch(context.Background(), types.PatternMatch{Pattern: types.PatternMemoryBloat})

	if len(notifier.alerts) != 0 {
		t.Errorf("expected suppressed pattern to produce no alert, got %d", len(notifier.alerts))
	}
}

func TestProcessMatch_NonAutoFixablePatternAlerts(t *testing.T) {
	sup, notifier, _ := newTestSupervisor(t)

	sup.processMatch(context.Background(), types.PatternMatch{
		Pattern:     types.PatternDynamicToolSprawl,
		Severity:    types.SeverityLow,
		Diagnosis:   "too many tools",
		AutoFixable: false,
	})

	if len(notifier.alerts) != 1 {
		t.Fatalf("expected DynamicToolSprawl (never auto-fixable) to alert, got %d alerts", len(notifier.alerts))
	}
}

func TestAllowAutoRestart_RateLimited(t *testing.T) {
	sup, _, _ := newTestSupervisor(t)
	// MaxAutoRestartsPerHour is 2 in the test fixture.
	if !sup.allowAutoRestart() {
		t.Error("expected first restart to be allowed")
	}
	if !sup.allowAutoRestart() {
		t.Error("expected second restart to be allowed")
	}
	if sup.allowAutoRestart() {
		t.Error("expected third restart within the hour to be denied")
	}
}

func TestMaybeCheckForUpdate_NoReleaseIsNoop(t *testing.T) {
	sup, notifier, upd := newTestSupervisor(t)
	sup.deps.Config.Update.CheckTime = "00:00"
	sup.deps.Config.Checks.IntervalSecs = 24 * 60 * 60 // force the whole day to be "check time"
	upd.release = nil

	sup.maybeCheckForUpdate(context.Background())

	if sup.pendingRelease != nil {
		t.Error("expected no pending release when updater reports none available")
	}
	if len(notifier.messages) != 0 {
		t.Errorf("expected no notification without a release, got %v", notifier.messages)
	}
}

func TestMaybeCheckForUpdate_DownloadsAndSetsPending(t *testing.T) {
	sup, notifier, upd := newTestSupervisor(t)
	sup.deps.Config.Update.CheckTime = "00:00"
	sup.deps.Config.Checks.IntervalSecs = 24 * 60 * 60
	sup.deps.Config.Update.AutoApply = true
	upd.release = &update.Release{Version: "1.1.0", TagName: "v1.1.0"}

	sup.maybeCheckForUpdate(context.Background())

	if sup.pendingRelease == nil || sup.pendingRelease.Version != "1.1.0" {
		t.Fatalf("expected pending release to be set, got %+v", sup.pendingRelease)
	}
	if !upd.downloadCalled {
		t.Error("expected DownloadRelease to be called")
	}
	if !sup.updateApproved {
		t.Error("expected auto_apply to approve the update immediately")
	}
	if len(notifier.messages) != 1 {
		t.Errorf("expected one notification about the pending update, got %v", notifier.messages)
	}
}

func TestMaybeApplyPendingUpdate_WaitsForIdle(t *testing.T) {
	sup, _, upd := newTestSupervisor(t)
	sup.pendingRelease = &update.Release{Version: "1.1.0"}
	sup.updateApproved = true
	sup.deps.Config.Update.IdlePatienceHours = 24

	busy := health.Report{ActiveSessions: 3}
	sup.maybeApplyPendingUpdate(context.Background(), busy)

	if upd.selfUpdateCalled {
		t.Error("expected no self-update while kernel is busy")
	}
	if sup.idleWaitStart == nil {
		t.Error("expected idle-wait tracking to start")
	}
	if sup.pendingRelease == nil {
		t.Error("expected pending release to remain set while waiting")
	}
}

func TestMaybeApplyPendingUpdate_AppliesWhenIdle(t *testing.T) {
	sup, notifier, upd := newTestSupervisor(t)
	sup.pendingRelease = &update.Release{Version: "1.1.0"}
	sup.updateApproved = true
	upd.applyHealthy = true

	idle := health.Report{ActiveSessions: 0}
	sup.maybeApplyPendingUpdate(context.Background(), idle)

	if !upd.selfUpdateCalled {
		t.Error("expected self-update to be invoked after a healthy kernel update")
	}
	if len(notifier.messages) == 0 {
		t.Error("expected a success notification before self-update")
	}
}

func TestMaybeApplyPendingUpdate_RollsBackOnUnhealthy(t *testing.T) {
	sup, notifier, upd := newTestSupervisor(t)
	sup.pendingRelease = &update.Release{Version: "1.1.0"}
	sup.updateApproved = true
	upd.applyHealthy = false

	idle := health.Report{ActiveSessions: 0}
	sup.maybeApplyPendingUpdate(context.Background(), idle)

	if upd.selfUpdateCalled {
		t.Error("expected no self-update after a failed health watch")
	}
	if sup.pendingRelease != nil {
		t.Error("expected pending release to be cleared after rollback")
	}
	if len(notifier.messages) == 0 {
		t.Error("expected a rollback notification")
	}
}

func TestMaybeApplyPendingUpdate_AbandonsAfterPatienceExpires(t *testing.T) {
	sup, notifier, upd := newTestSupervisor(t)
	sup.pendingRelease = &update.Release{Version: "1.1.0"}
	sup.updateApproved = true
	sup.deps.Config.Update.IdlePatienceHours = 1
	past := time.Now().Add(-2 * time.Hour)
	sup.idleWaitStart = &past

	busy := health.Report{ActiveSessions: 1}
	sup.maybeApplyPendingUpdate(context.Background(), busy)

	if sup.pendingRelease != nil {
		t.Error("expected pending release cleared once patience expires")
	}
	if upd.selfUpdateCalled {
		t.Error("expected no self-update when abandoning")
	}
	if len(notifier.messages) == 0 {
		t.Error("expected an abandonment notification")
	}
}
