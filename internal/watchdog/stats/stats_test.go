package stats

import (
	"context"
	"testing"
	"time"

	"github.com/aegis-run/aegis/internal/watchdog/health"
	"github.com/aegis-run/aegis/internal/watchdog/statedb"
	"github.com/aegis-run/aegis/internal/watchdog/watcher"
)

type fakeStore struct {
	events   []string
	failures []statedb.ToolFailure
}

func (f *fakeStore) RecordToolEvent(ctx context.Context, tool string, success bool, at time.Time) error {
	f.events = append(f.events, tool)
	return nil
}

func (f *fakeStore) FailingTools(ctx context.Context, threshold float64, windowHours int) ([]statedb.ToolFailure, error) {
	return f.failures, nil
}

func TestIngest_RecordsOnlyToolCallEvents(t *testing.T) {
	store := &fakeStore{}
	e := New(store)

	events := []watcher.LogEvent{
		{Tool: "fetch_url", Level: "info"},
		{Tool: "", Level: "error", Message: "unrelated log line"},
		{Tool: "send_message", Level: "error"},
	}
	if err := e.Ingest(context.Background(), events); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(store.events) != 2 {
		t.Fatalf("expected 2 recorded tool events, got %d: %+v", len(store.events), store.events)
	}
}

func TestFailingTools_DelegatesToStore(t *testing.T) {
	store := &fakeStore{failures: []statedb.ToolFailure{{Tool: "fetch_url", FailureRate: 0.9}}}
	e := New(store)
	got, err := e.FailingTools(context.Background(), 0.5, 24)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Tool != "fetch_url" {
		t.Errorf("unexpected result: %+v", got)
	}
}

func TestDayFractionElapsed_WithinRange(t *testing.T) {
	f := DayFractionElapsed()
	if f < 0 || f >= 1 {
		t.Errorf("expected day fraction in [0,1), got %v", f)
	}
}

func TestBudgetBurnRate_ZeroWithOneSample(t *testing.T) {
	store := &fakeStore{}
	e := New(store)
	rate := e.BudgetBurnRate(health.Report{BudgetToday: health.BudgetUsage{Used: 100, Limit: 1000}})
	if rate != 0 {
		t.Errorf("expected 0 burn rate with a single sample, got %v", rate)
	}
}
