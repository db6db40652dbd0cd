// Package watcher polls the kernel's on-disk surface for the watchdog: the
// JSONL log directory (incrementally, by byte offset, so a 30s tick never
// re-reads a gigabyte log from the start), health.json, and the kernel's
// PID file.
package watcher

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/aegis-run/aegis/internal/watchdog/health"
)

// LogEvent is one parsed line from a kernel JSONL log file.
type LogEvent struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Tool      string `json:"tool"`
	Message   string `json:"message"`
}

// Watcher tracks read offsets into every log file under LogDir so repeated
// polls only return newly appended lines.
type Watcher struct {
	LogDir     string
	HealthPath string
	PidPath    string

	offsets map[string]int64
}

// New creates a Watcher rooted at logDir/healthPath.
func New(logDir, healthPath string) *Watcher {
	return &Watcher{LogDir: logDir, HealthPath: healthPath, offsets: map[string]int64{}}
}

// PollLogs returns every log line appended to any *.jsonl file under LogDir
// since the previous call, in file-name then in-file order. A file that
// cannot be opened or has shrunk since the last poll (rotation) is reread
// from the start.
func (w *Watcher) PollLogs() ([]LogEvent, error) {
	entries, err := os.ReadDir(w.LogDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read log dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".jsonl") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var events []LogEvent
	for _, name := range names {
		path := filepath.Join(w.LogDir, name)
		lines, newOffset, err := w.tailFile(path)
		if err != nil {
			continue
		}
		w.offsets[path] = newOffset
		for _, line := range lines {
			var ev LogEvent
			if err := json.Unmarshal([]byte(line), &ev); err == nil {
				events = append(events, ev)
			}
		}
	}
	return events, nil
}

func (w *Watcher) tailFile(path string) ([]string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, err
	}

	start := w.offsets[path]
	if info.Size() < start {
		start = 0 // file was rotated or truncated
	}

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return nil, 0, err
	}

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var read int64
	for scanner.Scan() {
		line := scanner.Text()
		read += int64(len(line)) + 1
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines, start + read, nil
}

// ReadHealth reads and parses health.json.
func (w *Watcher) ReadHealth() (health.Report, error) {
	return health.Read(w.HealthPath)
}

// IsHealthStale reports whether health.json is missing or older than
// thresholdSecs.
func (w *Watcher) IsHealthStale(thresholdSecs uint64) bool {
	return health.IsStale(w.HealthPath, thresholdSecs)
}

// ReadPID reads and parses the kernel's PID file, returning ok=false if the
// file is missing, empty, or not a valid PID.
func ReadPID(path string) (pid int, ok bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return 0, false
	}
	n, err := strconv.Atoi(trimmed)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
