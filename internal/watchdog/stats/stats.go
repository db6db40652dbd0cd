// Package stats turns raw watcher log events and health snapshots into the
// aggregates the pattern checks need: per-tool failure rates and budget
// burn rate.
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/aegis-run/aegis/internal/watchdog/health"
	"github.com/aegis-run/aegis/internal/watchdog/statedb"
	"github.com/aegis-run/aegis/internal/watchdog/watcher"
)

// toolEventStore is the subset of statedb.DB the stats engine depends on.
type toolEventStore interface {
	RecordToolEvent(ctx context.Context, tool string, success bool, at time.Time) error
	FailingTools(ctx context.Context, threshold float64, windowHours int) ([]statedb.ToolFailure, error)
}

// Engine ingests tool-call log events and answers failure-rate and
// budget-burn-rate queries for the pattern checks.
type Engine struct {
	store toolEventStore

	mu          sync.Mutex
	burnSamples []burnSample
}

type burnSample struct {
	at   time.Time
	used uint64
}

// New creates an Engine backed by store.
func New(store toolEventStore) *Engine {
	return &Engine{store: store}
}

// Ingest records every tool_call event found in events. A tool_call event
// is recognized by a non-empty Tool field; its Level is "error" for a
// failed call and anything else for a success.
func (e *Engine) Ingest(ctx context.Context, events []watcher.LogEvent) error {
	now := time.Now()
	for _, ev := range events {
		if ev.Tool == "" {
			continue
		}
		success := ev.Level != "error"
		if err := e.store.RecordToolEvent(ctx, ev.Tool, success, now); err != nil {
			return err
		}
	}
	return nil
}

// FailingTools returns tools whose failure rate over windowHours exceeds
// threshold.
func (e *Engine) FailingTools(ctx context.Context, threshold float64, windowHours int) ([]statedb.ToolFailure, error) {
	return e.store.FailingTools(ctx, threshold, windowHours)
}

// BudgetBurnRate estimates how many times faster than a uniform pace the
// day's token budget is being spent, by comparing the two most recent
// budget samples. A burn rate of 1.0 means spend is tracking the clock;
// above 1.0 means the budget is being consumed faster than a flat rate
// would predict for the elapsed fraction of the day.
func (e *Engine) BudgetBurnRate(report health.Report) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	e.burnSamples = append(e.burnSamples, burnSample{at: now, used: report.BudgetToday.Used})
	// Keep only samples from today -- a new UTC day resets the ratio.
	cutoff := now.Add(-24 * time.Hour)
	var kept []burnSample
	for _, s := range e.burnSamples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	e.burnSamples = kept

	if len(e.burnSamples) < 2 || report.BudgetToday.Limit == 0 {
		return 0
	}
	first := e.burnSamples[0]
	elapsedFraction := DayFractionElapsed()
	if elapsedFraction <= 0 {
		return 0
	}
	usageFraction := float64(report.BudgetToday.Used-first.used) / float64(report.BudgetToday.Limit)
	if usageFraction <= 0 {
		return 0
	}
	return usageFraction / elapsedFraction
}

// DayFractionElapsed returns how much of the current UTC calendar day has
// elapsed, as a value in [0, 1).
func DayFractionElapsed() float64 {
	now := time.Now().UTC()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	elapsed := now.Sub(startOfDay)
	return elapsed.Hours() / 24.0
}
