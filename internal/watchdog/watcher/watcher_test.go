package watcher

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/aegis-run/aegis/internal/watchdog/health"
)

func TestPollLogs_OnlyReturnsNewLines(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "kernel.jsonl")
	if err := os.WriteFile(logPath, []byte(`{"level":"info","message":"one"}`+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	w := New(dir, filepath.Join(dir, "health.json"))

	first, err := w.PollLogs()
	if err != nil {
		t.Fatalf("PollLogs: %v", err)
	}
	if len(first) != 1 || first[0].Message != "one" {
		t.Fatalf("unexpected first poll: %+v", first)
	}

	second, err := w.PollLogs()
	if err != nil {
		t.Fatalf("PollLogs: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("expected no new lines on second poll, got %+v", second)
	}

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"level":"error","message":"two"}` + "\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	third, err := w.PollLogs()
	if err != nil {
		t.Fatalf("PollLogs: %v", err)
	}
	if len(third) != 1 || third[0].Message != "two" {
		t.Fatalf("unexpected third poll: %+v", third)
	}
}

func TestPollLogs_MissingDirReturnsNil(t *testing.T) {
	w := New(filepath.Join(t.TempDir(), "missing"), "")
	events, err := w.PollLogs()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if events != nil {
		t.Errorf("expected nil events, got %+v", events)
	}
}

func TestReadHealthAndIsHealthStale(t *testing.T) {
	dir := t.TempDir()
	healthPath := filepath.Join(dir, "health.json")
	w := New(dir, healthPath)

	if !w.IsHealthStale(60) {
		t.Error("expected missing health file to be stale")
	}

	if err := health.WriteAtomic(healthPath, health.Report{Status: "running"}); err != nil {
		t.Fatal(err)
	}
	report, err := w.ReadHealth()
	if err != nil {
		t.Fatalf("ReadHealth: %v", err)
	}
	if report.Status != "running" {
		t.Errorf("unexpected status: %q", report.Status)
	}
}

func TestReadPID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kernel.pid")

	if _, ok := ReadPID(path); ok {
		t.Error("expected missing PID file to report ok=false")
	}

	if err := os.WriteFile(path, []byte("  4242  \n"), 0o600); err != nil {
		t.Fatal(err)
	}
	pid, ok := ReadPID(path)
	if !ok || pid != 4242 {
		t.Errorf("expected pid 4242, got %d ok=%v", pid, ok)
	}

	if err := os.WriteFile(path, []byte("not-a-pid"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, ok := ReadPID(path); ok {
		t.Error("expected malformed PID file to report ok=false")
	}
}
