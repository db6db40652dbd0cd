// Package fix turns a detected failure pattern into a concrete remediation,
// applies it, and checks whether it actually worked. Every process-level
// action -- killing a process, reverting a commit, renaming a tool file,
// editing agent.toml -- is issued from exactly one place: applyFix's
// dispatch and its seven private appliers.
package fix

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml"

	"github.com/aegis-run/aegis/internal/kernel/types"
	"github.com/aegis-run/aegis/internal/watchdog/patterns"
	"github.com/aegis-run/aegis/internal/watchdog/watcher"
	"github.com/aegis-run/aegis/internal/watchdog/wconfig"
)

// Paths locates the on-disk layout the appliers need: where the kernel's
// pid file and tool/task configuration live.
type Paths struct {
	RootDir         string // kernel root, e.g. ~/.aegis
	ScriptsDir      string // git-tracked directory holding generated tool scripts
	ToolsDir        string // directory of <tool>.json dynamic-tool descriptors
	AgentConfigPath string // agent.toml, holds persona + scheduled_tasks
	LogsDir         string
	PidPath         string
	KernelBinary    string // command used to restart the kernel, e.g. "aegis-kernel"
}

// Propose maps a pattern match and the current auto-fix configuration to a
// concrete action. A pattern whose relevant auto_fix flag is off, or whose
// kind never auto-fixes, proposes ReportOnly instead.
func Propose(match types.PatternMatch, cfg *wconfig.Config) types.FixAction {
	switch match.Pattern {
	case types.PatternToolFailingAfterChange:
		hash := evidenceString(match.Detail, "commit_hash", "")
		if cfg.AutoFix.QuarantineFailingTools && hash != "" {
			tool := evidenceString(match.Detail, "tool", "")
			return types.FixAction{
				Kind:     types.FixQuarantineTool,
				ToolName: tool,
				Message:  fmt.Sprintf("quarantining %q after failures correlated with commit %s", tool, hash),
			}
		}
		return reportOnly("tool failure correlated with a recent commit; auto-quarantine disabled")

	case types.PatternProcessDown:
		if cfg.AutoFix.RestartOnCrash {
			return types.FixAction{Kind: types.FixRestartProcess, Message: "kernel process is down; restarting"}
		}
		return reportOnly("kernel process is down; auto-restart disabled")

	case types.PatternContainerWontStart:
		return types.FixAction{Kind: types.FixResetSandbox, Message: "sandbox container unhealthy; resetting"}

	case types.PatternBudgetExhaustionLoop:
		return reportOnly("budget burn rate exceeds threshold; no automated action defined")

	case types.PatternScheduledTaskFailing:
		if cfg.AutoFix.DisableFailingTasks {
			task := evidenceString(match.Detail, "task", "")
			return types.FixAction{
				Kind:     types.FixDisableScheduled,
				TaskName: task,
				Message:  fmt.Sprintf("disabling scheduled task %q after repeated failures", task),
			}
		}
		return reportOnly("scheduled task failing; auto-disable disabled")

	case types.PatternMemoryBloat, types.PatternDynamicToolSprawl:
		return reportOnly("informational pattern; no automated action defined")

	case types.PatternDiskSpacePressure:
		return types.FixAction{Kind: types.FixPruneLogs, RetentionDays: 7, Message: "disk usage above threshold; pruning old logs"}

	default:
		return reportOnly("unrecognized pattern")
	}
}

func reportOnly(message string) types.FixAction {
	return types.FixAction{Kind: types.FixReportOnly, Message: message}
}

func evidenceString(detail map[string]any, key, fallback string) string {
	if detail == nil {
		return fallback
	}
	if v, ok := detail[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}

// Apply dispatches action to the applier matching its Kind. It is the only
// function in this package that issues a process-level command.
func Apply(action types.FixAction, p Paths) error {
	switch action.Kind {
	case types.FixRestartProcess:
		return applyRestartProcess(p)
	case types.FixResetSandbox:
		return applyResetSandbox(p)
	case types.FixGitRevert:
		return applyGitRevert(action, p)
	case types.FixQuarantineTool:
		return applyQuarantineTool(action, p)
	case types.FixDisableScheduled:
		return applyDisableScheduledTask(action, p)
	case types.FixPruneLogs:
		return applyPruneLogs(action, p)
	case types.FixReportOnly:
		return nil
	default:
		return fmt.Errorf("unknown fix action kind: %v", action.Kind)
	}
}

func applyRestartProcess(p Paths) error {
	if pid, ok := watcher.ReadPID(p.PidPath); ok && patterns.IsPIDAlive(pid) {
		process, err := os.FindProcess(pid)
		if err == nil {
			_ = process.Kill()
		}
	}
	time.Sleep(5 * time.Second)

	cmd := exec.Command(p.KernelBinary, "start")
	cmd.Dir = p.RootDir
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("restart kernel process: %w", err)
	}
	return nil
}

func applyResetSandbox(p Paths) error {
	cmd := exec.Command(p.KernelBinary, "reset")
	cmd.Dir = p.RootDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("reset sandbox: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func applyGitRevert(action types.FixAction, p Paths) error {
	if err := validateCommitHash(action.CommitHash); err != nil {
		return err
	}
	cmd := exec.Command("git", "-C", p.ScriptsDir, "revert", "--no-edit", action.CommitHash)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git revert %s: %w (%s)", action.CommitHash, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func applyQuarantineTool(action types.FixAction, p Paths) error {
	if err := validateName(action.ToolName); err != nil {
		return fmt.Errorf("invalid tool name: %w", err)
	}
	src := filepath.Join(p.ToolsDir, action.ToolName+".json")
	dst := src + ".quarantined"
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return nil // already gone or never existed; nothing to quarantine
		}
		return fmt.Errorf("stat tool descriptor: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("quarantine tool %q: %w", action.ToolName, err)
	}
	return nil
}

func applyDisableScheduledTask(action types.FixAction, p Paths) error {
	if err := validateName(action.TaskName); err != nil {
		return fmt.Errorf("invalid task name: %w", err)
	}

	tree, err := loadTOMLTree(p.AgentConfigPath)
	if err != nil {
		return err
	}

	tasksRaw, ok := tree.Get("scheduled_tasks").([]*toml.Tree)
	if !ok {
		return fmt.Errorf("scheduled task %q: no scheduled_tasks array in agent config", action.TaskName)
	}

	found := false
	for _, task := range tasksRaw {
		if name, _ := task.Get("name").(string); name == action.TaskName {
			task.Set("enabled", false)
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("scheduled task %q not found in agent config", action.TaskName)
	}

	return writeTOMLTree(tree, p.AgentConfigPath)
}

func loadTOMLTree(path string) (*toml.Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent config: %w", err)
	}
	tree, err := toml.LoadBytes(data)
	if err != nil {
		return nil, fmt.Errorf("parse agent config: %w", err)
	}
	return tree, nil
}

func writeTOMLTree(tree *toml.Tree, path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".agent-*.toml")
	if err != nil {
		return fmt.Errorf("create temp agent config: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tree.WriteTo(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write agent config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close agent config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace agent config: %w", err)
	}
	return nil
}

func applyPruneLogs(action types.FixAction, p Paths) error {
	retentionDays := action.RetentionDays
	if retentionDays <= 0 {
		retentionDays = 7
	}
	cutoff := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	entries, err := os.ReadDir(p.LogsDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read logs dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".jsonl") && !strings.HasSuffix(name, ".log") && !strings.HasSuffix(name, ".txt") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(p.LogsDir, name))
		}
	}
	return nil
}

// Verify re-checks health/process state after an applied fix to decide
// whether the remediation actually worked.
func Verify(action types.FixAction, w *watcher.Watcher, cfg *wconfig.Config) bool {
	switch action.Kind {
	case types.FixRestartProcess:
		return !w.IsHealthStale(cfg.Checks.HealthStaleThresholdSecs)
	case types.FixResetSandbox:
		report, err := w.ReadHealth()
		return err == nil && report.ContainerHealthy
	case types.FixGitRevert, types.FixQuarantineTool:
		_, err := w.ReadHealth()
		return err == nil
	case types.FixDisableScheduled, types.FixPruneLogs, types.FixReportOnly:
		return true
	default:
		return false
	}
}

func validateCommitHash(hash string) error {
	if hash == "" {
		return fmt.Errorf("empty commit hash")
	}
	for _, r := range hash {
		isHex := (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
		if !isHex {
			return fmt.Errorf("commit hash %q is not hex", hash)
		}
	}
	return nil
}

// validateName rejects path-traversal-shaped or oversized tool/task names
// before they are used to build a filesystem path or TOML lookup key.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("empty name")
	}
	if len(name) > 128 {
		return fmt.Errorf("name too long (%d bytes)", len(name))
	}
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return fmt.Errorf("name contains path separators or traversal: %q", name)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("name contains control characters: %q", name)
		}
	}
	return nil
}
