// Package health defines the kernel's health.json contract: the kernel
// writes a fresh report every tick (atomic replace), and the watchdog reads
// it to judge liveness without ever touching the kernel's own process.
package health

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// BudgetUsage reports today's token spend against the configured daily cap.
type BudgetUsage struct {
	Used  uint64 `json:"used"`
	Limit uint64 `json:"limit"`
}

// Report is the kernel's self-reported health snapshot, written atomically
// to <root>/health.json on every tick (spec §6).
type Report struct {
	Status             string      `json:"status"` // "running" | "degraded" | "unhealthy"
	UptimeSecs         uint64      `json:"uptime_secs"`
	LastHeartbeat      time.Time   `json:"last_heartbeat"`
	Executor           string      `json:"executor"`
	ContainerHealthy   bool        `json:"container_healthy"`
	ActiveSessions     int         `json:"active_sessions"`
	MemoryDBSizeMB     float64     `json:"memory_db_size_mb"`
	ScriptsCount       int         `json:"scripts_count"`
	DynamicToolsCount  int         `json:"dynamic_tools_count"`
	BudgetToday        BudgetUsage `json:"budget_today"`
	LastError          *string     `json:"last_error,omitempty"`
}

// WriteAtomic serializes report as JSON and replaces path in a single
// rename, so a reader never observes a partially written file.
func WriteAtomic(path string, report Report) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal health report: %w", err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".health-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp health file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp health file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp health file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename health file into place: %w", err)
	}
	return nil
}

// Read loads and parses health.json at path.
func Read(path string) (Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Report{}, fmt.Errorf("read health file: %w", err)
	}
	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		return Report{}, fmt.Errorf("parse health file: %w", err)
	}
	return report, nil
}

// IsStale reports whether path is missing, unparseable, or older than
// thresholdSecs since its last heartbeat. A missing or corrupt file is
// treated as stale -- the watchdog would rather over-alert than miss a
// dead kernel.
func IsStale(path string, thresholdSecs uint64) bool {
	report, err := Read(path)
	if err != nil {
		return true
	}
	age := time.Since(report.LastHeartbeat)
	return age > time.Duration(thresholdSecs)*time.Second
}
