// Package wconfig loads the watchdog's own configuration (flatline.toml in
// the kernel's root directory), distinct from the kernel's config.toml:
// check intervals and thresholds, which auto-fixes are enabled, and the
// self-update policy.
package wconfig

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml"
)

// Config is the watchdog's on-disk configuration.
type Config struct {
	Checks   ChecksConfig   `toml:"checks"`
	Thresholds ThresholdsConfig `toml:"thresholds"`
	AutoFix  AutoFixConfig  `toml:"auto_fix"`
	Update   UpdateConfig   `toml:"update"`
	Telegram TelegramConfig `toml:"telegram"`
	Reports  ReportsConfig  `toml:"reports"`
}

// ChecksConfig controls the daemon loop's cadence and staleness threshold.
type ChecksConfig struct {
	IntervalSecs           uint64 `toml:"interval_secs"`
	HealthStaleThresholdSecs uint64 `toml:"health_stale_threshold_secs"`
}

// ThresholdsConfig tunes when each pattern check fires.
type ThresholdsConfig struct {
	ToolFailureWindowHours  uint64  `toml:"tool_failure_window_hours"`
	ToolFailureRate         float64 `toml:"tool_failure_rate"`
	BudgetBurnRateAlert     float64 `toml:"budget_burn_rate_alert"`
	MemoryPendingAlert      uint64  `toml:"memory_pending_alert"`
	MaxToolCountWarning     uint64  `toml:"max_tool_count_warning"`
	DiskWarningGB           float64 `toml:"disk_warning_gb"`
}

// AutoFixConfig gates which proposed fixes may be applied without a human.
type AutoFixConfig struct {
	Enabled                bool   `toml:"enabled"`
	RestartOnCrash          bool   `toml:"restart_on_crash"`
	QuarantineFailingTools  bool   `toml:"quarantine_failing_tools"`
	DisableFailingTasks     bool   `toml:"disable_failing_tasks"`
	MaxAutoRestartsPerHour  uint64 `toml:"max_auto_restarts_per_hour"`
}

// UpdateConfig governs the daily self-update check and rollout policy.
type UpdateConfig struct {
	Enabled           bool    `toml:"enabled"`
	Repo              string  `toml:"repo"`
	Channel           string  `toml:"channel"` // "stable" | "nightly"
	PinnedVersion     *string `toml:"pinned_version"`
	CheckTime         string  `toml:"check_time"` // "HH:MM" local time
	AutoApply         bool    `toml:"auto_apply"`
	IdlePatienceHours uint64  `toml:"idle_patience_hours"`
	HealthWatchSecs   uint64  `toml:"health_watch_secs"`
}

// TelegramConfig names who the watchdog notifies and where it gets its bot
// token (it never reads the kernel's own vault).
type TelegramConfig struct {
	BotTokenEnv string  `toml:"bot_token_env"`
	NotifyUsers []int64 `toml:"notify_users"`
}

// ReportsConfig controls outbound notification formatting and rate limits.
type ReportsConfig struct {
	TelegramPrefix    string `toml:"telegram_prefix"`
	AlertCooldownMins uint64 `toml:"alert_cooldown_mins"`
}

func applyDefaults(cfg *Config) {
	if cfg.Checks.IntervalSecs == 0 {
		cfg.Checks.IntervalSecs = 30
	}
	if cfg.Checks.HealthStaleThresholdSecs == 0 {
		cfg.Checks.HealthStaleThresholdSecs = 90
	}
	if cfg.Thresholds.ToolFailureWindowHours == 0 {
		cfg.Thresholds.ToolFailureWindowHours = 6
	}
	if cfg.Thresholds.ToolFailureRate == 0 {
		cfg.Thresholds.ToolFailureRate = 0.5
	}
	if cfg.Thresholds.BudgetBurnRateAlert == 0 {
		cfg.Thresholds.BudgetBurnRateAlert = 0.8
	}
	if cfg.Thresholds.MaxToolCountWarning == 0 {
		cfg.Thresholds.MaxToolCountWarning = 50
	}
	if cfg.Thresholds.DiskWarningGB == 0 {
		cfg.Thresholds.DiskWarningGB = 10
	}
	if cfg.AutoFix.MaxAutoRestartsPerHour == 0 {
		cfg.AutoFix.MaxAutoRestartsPerHour = 3
	}
	if cfg.Update.Channel == "" {
		cfg.Update.Channel = "stable"
	}
	if cfg.Update.CheckTime == "" {
		cfg.Update.CheckTime = "03:00"
	}
	if cfg.Update.IdlePatienceHours == 0 {
		cfg.Update.IdlePatienceHours = 24
	}
	if cfg.Update.HealthWatchSecs == 0 {
		cfg.Update.HealthWatchSecs = 120
	}
	if cfg.Reports.AlertCooldownMins == 0 {
		cfg.Reports.AlertCooldownMins = 30
	}
}

// Load reads flatline.toml at path, applying defaults for any zero-valued
// field. A missing file yields an all-defaults Config -- the watchdog works
// out of the box.
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyDefaults(&cfg)
			return &cfg, nil
		}
		return nil, fmt.Errorf("read watchdog config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse watchdog config: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}
