// Package supervisor is the watchdog's daemon loop: every tick it polls
// logs and health, evaluates failure patterns, proposes and applies fixes
// within the configured auto-fix policy, and checks for and rolls out
// self-updates during idle windows.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-run/aegis/internal/kernel/types"
	"github.com/aegis-run/aegis/internal/watchdog/fix"
	"github.com/aegis-run/aegis/internal/watchdog/health"
	"github.com/aegis-run/aegis/internal/watchdog/notify"
	"github.com/aegis-run/aegis/internal/watchdog/patterns"
	"github.com/aegis-run/aegis/internal/watchdog/statedb"
	"github.com/aegis-run/aegis/internal/watchdog/stats"
	"github.com/aegis-run/aegis/internal/watchdog/update"
	"github.com/aegis-run/aegis/internal/watchdog/watcher"
	"github.com/aegis-run/aegis/internal/watchdog/wconfig"
)

// updater is the subset of *update.Updater the supervisor depends on, kept
// narrow so a test can substitute a fake without making real network calls.
type updater interface {
	CheckForUpdate(ctx context.Context, currentVersion string) (*update.Release, error)
	DownloadRelease(ctx context.Context, release *update.Release, components []string) error
	ApplyUpdate(ctx context.Context, release *update.Release, w *watcher.Watcher) (bool, error)
	SelfUpdate(release *update.Release, watchdogComponent string) error
}

// Deps bundles the collaborators Supervisor ticks against. Every field is
// required; Supervisor does not construct its own dependencies so tests
// can substitute fakes freely.
type Deps struct {
	Config     *wconfig.Config
	Watcher    *watcher.Watcher
	Stats      *stats.Engine
	DB         *statedb.DB
	Notifier   notify.Notifier
	Updater    updater
	FixPaths   fix.Paths
	GitLogDir  string // scripts directory read for tool-change correlation
	PidPath    string
	Logger     *slog.Logger
	CurrentVersion    string
	KernelComponent   string // release asset name prefix for the supervised kernel binary
	WatchdogComponent string // release asset name prefix for the watchdog's own binary
}

// Supervisor runs the fixed-interval tick loop described above.
type Supervisor struct {
	deps Deps

	restartTimes    []time.Time
	pendingRelease  *update.Release
	updateApproved  bool
	idleWaitStart   *time.Time
	lastUpdateCheck time.Time
}

// New builds a Supervisor over deps. A nil Logger is replaced with a
// discarding logger so callers never need a nil check.
func New(deps Deps) *Supervisor {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	return &Supervisor{deps: deps}
}

// Run blocks, ticking at the configured interval until ctx is canceled.
func (s *Supervisor) Run(ctx context.Context) error {
	interval := time.Duration(s.deps.Config.Checks.IntervalSecs) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.deps.Logger.Error("watchdog tick failed", "error", err)
			}
		}
	}
}

// Tick runs exactly one iteration of the loop: poll, evaluate, act, check
// for and roll out updates. Exported so a `watchdog check` CLI subcommand
// can run a single pass without starting the full daemon.
func (s *Supervisor) Tick(ctx context.Context) error {
	events, err := s.deps.Watcher.PollLogs()
	if err != nil {
		s.deps.Logger.Warn("poll logs failed", "error", err)
	}
	if err := s.deps.Stats.Ingest(ctx, events); err != nil {
		s.deps.Logger.Warn("ingest stats failed", "error", err)
	}

	report, healthErr := s.deps.Watcher.ReadHealth()
	var healthPtr *health.Report
	if healthErr == nil {
		healthPtr = &report
	}

	rawLog, err := patterns.ReadGitLog(s.deps.GitLogDir, 20)
	if err != nil {
		s.deps.Logger.Debug("read git log failed", "error", err)
	}

	matches := patterns.Evaluate(ctx, patterns.Inputs{
		Stats:   s.deps.Stats,
		Health:  healthPtr,
		GitLog:  rawLog,
		Config:  s.deps.Config,
		Watcher: s.deps.Watcher,
		PidPath: s.deps.PidPath,
	})

	for _, m := range matches {
		s.processMatch(ctx, m)
	}

	s.maybeCheckForUpdate(ctx)
	if healthPtr != nil {
		s.maybeApplyPendingUpdate(ctx, *healthPtr)
	}

	return nil
}

func (s *Supervisor) processMatch(ctx context.Context, match types.PatternMatch) {
	suppressed, err := s.deps.DB.IsSuppressed(ctx, match.Pattern)
	if err != nil {
		s.deps.Logger.Warn("check suppression failed", "pattern", match.Pattern, "error", err)
	}
	if suppressed {
		return
	}

	action := fix.Propose(match, s.deps.Config)
	actionJSON, err := json.Marshal(action)
	if err != nil {
		s.deps.Logger.Error("marshal fix action failed", "error", err)
		actionJSON = []byte("{}")
	}

	fixID := uuid.New()
	record := types.Fix{
		ID:        fixID,
		DetectedAt: time.Now(),
		Pattern:   match.Pattern,
		Diagnosis: match.Diagnosis,
		Action:    action,
	}
	if err := s.deps.DB.InsertFix(ctx, record, string(actionJSON)); err != nil {
		s.deps.Logger.Error("persist fix failed", "error", err)
	}

	if !match.AutoFixable || !s.deps.Config.AutoFix.Enabled {
		if err := s.deps.Notifier.SendAlert(ctx, match); err != nil {
			s.deps.Logger.Error("send alert failed", "error", err)
		}
		return
	}

	if match.Pattern == types.PatternProcessDown {
		if !s.allowAutoRestart() {
			if err := s.deps.Notifier.SendAlert(ctx, match); err != nil {
				s.deps.Logger.Error("send alert failed", "error", err)
			}
			return
		}
	}

	applyErr := fix.Apply(action, s.deps.FixPaths)
	if applyErr != nil {
		s.deps.Logger.Error("apply fix failed", "pattern", match.Pattern, "error", applyErr)
		if err := s.deps.Notifier.SendAlert(ctx, match); err != nil {
			s.deps.Logger.Error("send alert failed", "error", err)
		}
		return
	}

	verified := fix.Verify(action, s.deps.Watcher, s.deps.Config)
	appliedAt := time.Now()
	if err := s.deps.DB.UpdateFix(ctx, fixID, appliedAt, verified); err != nil {
		s.deps.Logger.Error("update fix record failed", "error", err)
	}
	record.AppliedAt = &appliedAt
	record.Verified = &verified
	if err := s.deps.Notifier.SendFixApplied(ctx, record); err != nil {
		s.deps.Logger.Error("send fix-applied notification failed", "error", err)
	}
}

// allowAutoRestart enforces the hourly auto-restart rate limit, recording
// the attempt if it is allowed.
func (s *Supervisor) allowAutoRestart() bool {
	cutoff := time.Now().Add(-time.Hour)
	var kept []time.Time
	for _, t := range s.restartTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.restartTimes = kept

	if uint64(len(s.restartTimes)) >= s.deps.Config.AutoFix.MaxAutoRestartsPerHour {
		return false
	}
	s.restartTimes = append(s.restartTimes, time.Now())
	return true
}

func (s *Supervisor) maybeCheckForUpdate(ctx context.Context) {
	if s.pendingRelease != nil {
		return
	}
	if !s.lastUpdateCheck.IsZero() && time.Since(s.lastUpdateCheck) < 20*time.Hour {
		return
	}
	if !update.IsCheckTime(s.deps.Config.Update.CheckTime, time.Now(), s.deps.Config.Checks.IntervalSecs) {
		return
	}
	s.lastUpdateCheck = time.Now()

	release, err := s.deps.Updater.CheckForUpdate(ctx, s.deps.CurrentVersion)
	if err != nil {
		s.deps.Logger.Warn("check for update failed", "error", err)
		return
	}
	if release == nil {
		return
	}

	if _, err := s.deps.DB.InsertUpdate(ctx, statedb.UpdateRecord{
		CheckedAt:   s.lastUpdateCheck,
		FromVersion: s.deps.CurrentVersion,
		ToVersion:   release.Version,
		Status:      "pending",
	}); err != nil {
		s.deps.Logger.Error("record update check failed", "error", err)
	}

	if err := s.deps.Updater.DownloadRelease(ctx, release, []string{s.deps.KernelComponent, s.deps.WatchdogComponent}); err != nil {
		s.deps.Logger.Error("download release failed", "error", err)
		return
	}

	if err := s.deps.Notifier.SendMessage(ctx, fmt.Sprintf("update %s available, downloaded and awaiting idle window", release.Version)); err != nil {
		s.deps.Logger.Warn("notify about pending update failed", "error", err)
	}

	s.pendingRelease = release
	s.updateApproved = s.deps.Config.Update.AutoApply
}

func (s *Supervisor) maybeApplyPendingUpdate(ctx context.Context, report health.Report) {
	if s.pendingRelease == nil || !s.updateApproved {
		return
	}

	if !update.IsIdle(report) {
		if s.idleWaitStart == nil {
			now := time.Now()
			s.idleWaitStart = &now
			return
		}
		patience := time.Duration(s.deps.Config.Update.IdlePatienceHours) * time.Hour
		if time.Since(*s.idleWaitStart) < patience {
			return
		}
		s.deps.Logger.Warn("giving up waiting for an idle window", "release", s.pendingRelease.Version)
		if err := s.deps.Notifier.SendMessage(ctx, fmt.Sprintf("abandoned update %s: no idle window within patience limit", s.pendingRelease.Version)); err != nil {
			s.deps.Logger.Warn("notify about abandoned update failed", "error", err)
		}
		s.clearPendingUpdate()
		return
	}

	release := s.pendingRelease
	healthy, err := s.deps.Updater.ApplyUpdate(ctx, release, s.deps.Watcher)
	if err != nil {
		s.deps.Logger.Error("apply update failed", "error", err)
		if notifyErr := s.deps.Notifier.SendMessage(ctx, fmt.Sprintf("update %s failed: %v", release.Version, err)); notifyErr != nil {
			s.deps.Logger.Warn("notify about failed update failed", "error", notifyErr)
		}
		s.clearPendingUpdate()
		return
	}
	if !healthy {
		s.deps.Logger.Warn("update rolled back after failing health watch", "release", release.Version)
		if notifyErr := s.deps.Notifier.SendMessage(ctx, fmt.Sprintf("update %s rolled back after failing health watch", release.Version)); notifyErr != nil {
			s.deps.Logger.Warn("notify about rollback failed", "error", notifyErr)
		}
		s.clearPendingUpdate()
		return
	}

	if err := s.deps.Notifier.SendMessage(ctx, fmt.Sprintf("update %s applied and healthy; restarting watchdog", release.Version)); err != nil {
		s.deps.Logger.Warn("notify about successful update failed", "error", err)
	}

	// SelfUpdate does not return on success -- it replaces this process.
	if err := s.deps.Updater.SelfUpdate(release, s.deps.WatchdogComponent); err != nil {
		s.deps.Logger.Error("self update failed", "error", err)
		s.clearPendingUpdate()
	}
}

func (s *Supervisor) clearPendingUpdate() {
	s.pendingRelease = nil
	s.updateApproved = false
	s.idleWaitStart = nil
}
