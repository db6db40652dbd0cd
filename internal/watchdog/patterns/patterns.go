// Package patterns implements the watchdog's rule-based diagnostics: eight
// closed failure patterns evaluated every tick from logs, health.json, and
// recent git history, with no LLM call required.
package patterns

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/aegis-run/aegis/internal/kernel/types"
	"github.com/aegis-run/aegis/internal/watchdog/health"
	"github.com/aegis-run/aegis/internal/watchdog/stats"
	"github.com/aegis-run/aegis/internal/watchdog/watcher"
	"github.com/aegis-run/aegis/internal/watchdog/wconfig"
)

// GitLogEntry is one parsed line of `git log` output, used to correlate a
// tool's failure with a recent change to its implementation.
type GitLogEntry struct {
	Hash      string
	Timestamp string
	Message   string
}

// Inputs bundles everything a single evaluation pass needs.
type Inputs struct {
	Stats   *stats.Engine
	Health  *health.Report // nil if health.json could not be read
	GitLog  []GitLogEntry
	Config  *wconfig.Config
	Watcher *watcher.Watcher
	PidPath string
}

// Evaluate runs all eight checks and returns every match, sorted most
// severe first.
func Evaluate(ctx context.Context, in Inputs) []types.PatternMatch {
	var matches []types.PatternMatch

	matches = append(matches, checkToolFailingAfterChange(ctx, in)...)
	if m, ok := checkProcessDown(in); ok {
		matches = append(matches, m)
	}
	if m, ok := checkContainerWontStart(in); ok {
		matches = append(matches, m)
	}
	if m, ok := checkBudgetExhaustion(in); ok {
		matches = append(matches, m)
	}
	if m, ok := checkScheduledTaskFailing(in); ok {
		matches = append(matches, m)
	}
	if m, ok := checkMemoryBloat(in); ok {
		matches = append(matches, m)
	}
	if m, ok := checkToolSprawl(in); ok {
		matches = append(matches, m)
	}
	if m, ok := checkDiskPressure(in); ok {
		matches = append(matches, m)
	}

	sortBySeverityDescending(matches)
	return matches
}

func sortBySeverityDescending(matches []types.PatternMatch) {
	for i := 1; i < len(matches); i++ {
		for j := i; j > 0 && matches[j].Severity > matches[j-1].Severity; j-- {
			matches[j], matches[j-1] = matches[j-1], matches[j]
		}
	}
}

// checkToolFailingAfterChange fires when a tool has a failure rate above
// threshold AND a recent git commit message mentions that tool by name.
func checkToolFailingAfterChange(ctx context.Context, in Inputs) []types.PatternMatch {
	window := int(in.Config.Thresholds.ToolFailureWindowHours)
	threshold := in.Config.Thresholds.ToolFailureRate

	failing, err := in.Stats.FailingTools(ctx, threshold, window)
	if err != nil || len(failing) == 0 {
		return nil
	}

	var matches []types.PatternMatch
	for _, f := range failing {
		commit, ok := findCommitMentioning(in.GitLog, f.Tool)
		if !ok {
			continue
		}
		shortHash := commit.Hash
		if len(shortHash) > 7 {
			shortHash = shortHash[:7]
		}
		matches = append(matches, types.PatternMatch{
			Pattern:  types.PatternToolFailingAfterChange,
			Severity: types.SeverityMedium,
			Diagnosis: "Tool '" + f.Tool + "' has " + formatPercent(f.FailureRate) +
				" failure rate after commit " + shortHash,
			Detail: map[string]any{
				"tool":             f.Tool,
				"failure_rate":     f.FailureRate,
				"commit_hash":      commit.Hash,
				"commit_message":   commit.Message,
				"commit_timestamp": commit.Timestamp,
			},
			AutoFixable: true,
		})
	}
	return matches
}

func findCommitMentioning(log []GitLogEntry, tool string) (GitLogEntry, bool) {
	needle := strings.ToLower(tool)
	for _, entry := range log {
		if strings.Contains(strings.ToLower(entry.Message), needle) {
			return entry, true
		}
	}
	return GitLogEntry{}, false
}

// checkProcessDown fires when health.json is stale and the kernel's PID
// file shows no living process.
func checkProcessDown(in Inputs) (types.PatternMatch, bool) {
	threshold := in.Config.Checks.HealthStaleThresholdSecs
	stale := in.Watcher.IsHealthStale(threshold)
	if !stale {
		return types.PatternMatch{}, false
	}

	pid, ok := watcher.ReadPID(in.PidPath)
	if ok && IsPIDAlive(pid) {
		// Running but unresponsive -- not "down", just hung.
		return types.PatternMatch{}, false
	}

	return types.PatternMatch{
		Pattern:   types.PatternProcessDown,
		Severity:  types.SeverityCritical,
		Diagnosis: "kernel process is not running and health.json is stale",
		Detail: map[string]any{
			"health_stale":         true,
			"pid_alive":            false,
			"stale_threshold_secs": threshold,
		},
		AutoFixable: true,
	}, true
}

// IsPIDAlive reports whether the process named by pid exists, using signal
// 0 (no-op liveness probe, sends nothing).
func IsPIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

func checkContainerWontStart(in Inputs) (types.PatternMatch, bool) {
	if in.Health == nil || in.Health.ContainerHealthy {
		return types.PatternMatch{}, false
	}
	return types.PatternMatch{
		Pattern:   types.PatternContainerWontStart,
		Severity:  types.SeverityHigh,
		Diagnosis: "sandbox container is unhealthy",
		Detail: map[string]any{
			"container_healthy": false,
			"status":            in.Health.Status,
			"last_error":        in.Health.LastError,
		},
		AutoFixable: true,
	}, true
}

// checkBudgetExhaustion fires when more than the alert threshold of the
// daily token budget has been spent in less than a quarter of the day.
func checkBudgetExhaustion(in Inputs) (types.PatternMatch, bool) {
	if in.Health == nil || in.Health.BudgetToday.Limit == 0 {
		return types.PatternMatch{}, false
	}

	burnRate := in.Stats.BudgetBurnRate(*in.Health)
	threshold := in.Config.Thresholds.BudgetBurnRateAlert

	usageFraction := float64(in.Health.BudgetToday.Used) / float64(in.Health.BudgetToday.Limit)
	dayFraction := stats.DayFractionElapsed()

	if usageFraction > threshold && dayFraction < 0.25 {
		return types.PatternMatch{
			Pattern:  types.PatternBudgetExhaustionLoop,
			Severity: types.SeverityMedium,
			Diagnosis: "budget " + formatPercent(usageFraction) + " used with only " +
				formatPercent(dayFraction) + " of day elapsed (burn rate " + formatRate(burnRate) + "x)",
			Detail: map[string]any{
				"used":           in.Health.BudgetToday.Used,
				"limit":          in.Health.BudgetToday.Limit,
				"usage_fraction": usageFraction,
				"day_fraction":   dayFraction,
				"burn_rate":      burnRate,
			},
			AutoFixable: false,
		}, true
	}
	return types.PatternMatch{}, false
}

// checkScheduledTaskFailing uses the health report's last_error field as a
// heuristic: a richer implementation would track consecutive per-task
// failures directly in stats.
func checkScheduledTaskFailing(in Inputs) (types.PatternMatch, bool) {
	if in.Health == nil || in.Health.LastError == nil {
		return types.PatternMatch{}, false
	}
	errMsg := *in.Health.LastError
	lower := strings.ToLower(errMsg)
	if !strings.Contains(lower, "scheduled") && !strings.Contains(lower, "task") && !strings.Contains(lower, "cron") {
		return types.PatternMatch{}, false
	}
	return types.PatternMatch{
		Pattern:   types.PatternScheduledTaskFailing,
		Severity:  types.SeverityMedium,
		Diagnosis: "scheduled task failing: " + errMsg,
		Detail:    map[string]any{"last_error": errMsg},
		AutoFixable: true,
	}, true
}

// checkMemoryBloat uses memory_db_size_mb as a proxy for pending-memory
// bloat, since the watchdog cannot query the journal directly.
func checkMemoryBloat(in Inputs) (types.PatternMatch, bool) {
	if in.Health == nil {
		return types.PatternMatch{}, false
	}
	const thresholdMB = 50.0
	if in.Health.MemoryDBSizeMB <= thresholdMB {
		return types.PatternMatch{}, false
	}
	return types.PatternMatch{
		Pattern:  types.PatternMemoryBloat,
		Severity: types.SeverityLow,
		Diagnosis: "memory database is " + strconv.FormatFloat(in.Health.MemoryDBSizeMB, 'f', 1, 64) +
			" MB (threshold " + strconv.FormatFloat(thresholdMB, 'f', 0, 64) + " MB)",
		Detail: map[string]any{
			"memory_db_size_mb":   in.Health.MemoryDBSizeMB,
			"threshold_mb":        thresholdMB,
			"pending_alert_count": in.Config.Thresholds.MemoryPendingAlert,
		},
		AutoFixable: false,
	}, true
}

func checkToolSprawl(in Inputs) (types.PatternMatch, bool) {
	if in.Health == nil {
		return types.PatternMatch{}, false
	}
	count := uint64(in.Health.DynamicToolsCount)
	threshold := in.Config.Thresholds.MaxToolCountWarning
	if count <= threshold {
		return types.PatternMatch{}, false
	}
	return types.PatternMatch{
		Pattern:  types.PatternDynamicToolSprawl,
		Severity: types.SeverityLow,
		Diagnosis: strconv.FormatUint(count, 10) + " dynamic tools registered (warning threshold " +
			strconv.FormatUint(threshold, 10) + ")",
		Detail: map[string]any{
			"dynamic_tools_count": count,
			"threshold":           threshold,
			"scripts_count":       in.Health.ScriptsCount,
		},
		AutoFixable: false,
	}, true
}

// checkDiskPressure fires when the kernel's root directory exceeds the
// configured size threshold.
func checkDiskPressure(in Inputs) (types.PatternMatch, bool) {
	root := kernelRootFromPidPath(in.PidPath)
	if root == "" {
		return types.PatternMatch{}, false
	}
	if _, err := os.Stat(root); err != nil {
		return types.PatternMatch{}, false
	}

	sizeBytes := DirSizeBytes(root)
	sizeGB := float64(sizeBytes) / (1024.0 * 1024.0 * 1024.0)
	thresholdGB := in.Config.Thresholds.DiskWarningGB
	if sizeGB <= thresholdGB {
		return types.PatternMatch{}, false
	}

	return types.PatternMatch{
		Pattern:  types.PatternDiskSpacePressure,
		Severity: types.SeverityMedium,
		Diagnosis: strconv.FormatFloat(sizeGB, 'f', 2, 64) + " GB used (threshold " +
			strconv.FormatFloat(thresholdGB, 'f', 1, 64) + " GB)",
		Detail: map[string]any{
			"size_gb":      sizeGB,
			"threshold_gb": thresholdGB,
			"size_bytes":   sizeBytes,
		},
		AutoFixable: true,
	}, true
}

func kernelRootFromPidPath(pidPath string) string {
	if pidPath == "" {
		return ""
	}
	return filepath.Dir(pidPath)
}

// DirSizeBytes recursively sums the size of every regular file under path,
// skipping symlinks so a cyclic link can never cause unbounded recursion.
func DirSizeBytes(path string) uint64 {
	entries, err := os.ReadDir(path)
	if err != nil {
		return 0
	}
	var total uint64
	for _, entry := range entries {
		full := filepath.Join(path, entry.Name())
		info, err := os.Lstat(full)
		if err != nil {
			continue
		}
		if info.Mode()&os.ModeSymlink != 0 {
			continue
		}
		if info.IsDir() {
			total = saturatingAdd(total, DirSizeBytes(full))
		} else if info.Mode().IsRegular() {
			total = saturatingAdd(total, uint64(info.Size()))
		}
	}
	return total
}

func saturatingAdd(a, b uint64) uint64 {
	sum := a + b
	if sum < a {
		return ^uint64(0)
	}
	return sum
}

// ReadGitLog runs `git log` in scriptsDir and parses the last count commits
// in "<hash> <iso-timestamp> <message>" form. It clears GIT_DIR,
// GIT_WORK_TREE, and GIT_INDEX_FILE first so a parent git process (e.g. a
// pre-push hook invoking the kernel) can never redirect the command at the
// wrong repository.
func ReadGitLog(scriptsDir string, count int) ([]GitLogEntry, error) {
	cmd := exec.Command("git", "-C", scriptsDir, "log", "--format=%H %aI %s", "-n", strconv.Itoa(count))
	cmd.Env = stripGitEnv(os.Environ())

	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	var entries []GitLogEntry
	for _, line := range strings.Split(string(out), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		parts := strings.SplitN(trimmed, " ", 3)
		if len(parts) < 2 {
			continue
		}
		hash := parts[0]
		if !isHex(hash) {
			continue
		}
		entry := GitLogEntry{Hash: hash, Timestamp: parts[1]}
		if len(parts) == 3 {
			entry.Message = parts[2]
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func stripGitEnv(env []string) []string {
	var out []string
	for _, kv := range env {
		if strings.HasPrefix(kv, "GIT_DIR=") || strings.HasPrefix(kv, "GIT_WORK_TREE=") || strings.HasPrefix(kv, "GIT_INDEX_FILE=") {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')) {
			return false
		}
	}
	return true
}

func formatPercent(f float64) string {
	return strconv.FormatFloat(f*100, 'f', 0, 64) + "%"
}

func formatRate(f float64) string {
	return strconv.FormatFloat(f, 'f', 1, 64)
}
