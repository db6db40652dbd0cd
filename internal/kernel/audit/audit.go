// Package audit implements the kernel's tamper-evident, hash-chained
// append-only log. It is structurally grounded on internal/audit/logger.go's
// Logger shape (buffered channel, io.WriteCloser output, slog-based
// structured fields) but extends the record with seq/prev_hash/hash so any
// two adjacent records satisfy r[i+1].prev_hash == r[i].hash (testable
// property 8).
//
// Unlike internal/audit's package-level SetGlobalLogger/GetGlobalLogger
// singleton, the audit Log here is always held and passed explicitly by
// callers — the kernel's "capabilities, not globals" design note applies
// most strongly to the security-critical audit trail.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/aegis-run/aegis/internal/kernel/types"
)

const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Log is the append-only hash-chained audit stream. Writes are flush-synced
// and serialized under a single mutex so the hash chain has no race window;
// the critical section is the minimal append + hash + write.
type Log struct {
	mu       sync.Mutex
	out      io.Writer
	sync     func() error // optional fsync hook, nil for non-file outputs
	logger   *slog.Logger
	seq      uint64
	lastHash string
}

// NewLog creates an audit log writing newline-delimited JSON records to w.
// If w implements interface{ Sync() error } (as *os.File does), writes are
// flush-synced after every append.
func NewLog(w io.Writer, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Log{
		out:      w,
		logger:   logger.With("component", "audit"),
		lastHash: genesisHash,
	}
	if s, ok := w.(interface{ Sync() error }); ok {
		l.sync = s.Sync
	}
	return l
}

// canonicalize produces a deterministic byte representation of a record's
// hashable fields (everything except Hash itself).
func canonicalize(seq uint64, ts time.Time, kind types.AuditKind, prevHash string, body map[string]any) ([]byte, error) {
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("canonicalize audit body: %w", err)
	}
	return []byte(fmt.Sprintf("%d|%s|%s|%s|%s", seq, ts.UTC().Format(time.RFC3339Nano), kind, prevHash, bodyJSON)), nil
}

// Append writes one record, chaining it to the previous record's hash.
// Append is best-effort from the caller's perspective: a write failure is
// logged and returned, but never panics, so callers can choose to continue
// the operation that triggered the audit event (per the kernel's audit
// error-handling design: consumers never block on audit failure).
func (l *Log) Append(kind types.AuditKind, body map[string]any) (*types.AuditRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.seq + 1
	ts := time.Now().UTC()
	prevHash := l.lastHash

	canon, err := canonicalize(seq, ts, kind, prevHash, body)
	if err != nil {
		l.logger.Warn("audit canonicalize failed", "error", err)
		return nil, err
	}
	sum := sha256.Sum256(canon)
	hash := hex.EncodeToString(sum[:])

	rec := &types.AuditRecord{
		Seq:      seq,
		Ts:       ts,
		Kind:     kind,
		PrevHash: prevHash,
		Body:     body,
		Hash:     hash,
	}

	line, err := json.Marshal(rec)
	if err != nil {
		l.logger.Warn("audit marshal failed", "error", err)
		return nil, err
	}
	line = append(line, '\n')

	if _, err := l.out.Write(line); err != nil {
		l.logger.Warn("audit append failed", "error", err)
		return nil, err
	}
	if l.sync != nil {
		if err := l.sync(); err != nil {
			l.logger.Warn("audit sync failed", "error", err)
		}
	}

	l.seq = seq
	l.lastHash = hash
	return rec, nil
}

// Verify replays a sequence of records and confirms the hash chain holds:
// every record's Hash recomputes correctly and every adjacent pair's
// prev_hash/hash link matches.
func Verify(records []types.AuditRecord) error {
	prev := genesisHash
	for i, rec := range records {
		if rec.PrevHash != prev {
			return fmt.Errorf("record %d: prev_hash mismatch: got %s want %s", i, rec.PrevHash, prev)
		}
		canon, err := canonicalize(rec.Seq, rec.Ts, rec.Kind, rec.PrevHash, rec.Body)
		if err != nil {
			return fmt.Errorf("record %d: canonicalize: %w", i, err)
		}
		sum := sha256.Sum256(canon)
		want := hex.EncodeToString(sum[:])
		if rec.Hash != want {
			return fmt.Errorf("record %d: hash mismatch: got %s want %s", i, rec.Hash, want)
		}
		prev = rec.Hash
	}
	return nil
}

// RedactSecrets returns a shallow copy of body with any value keyed "secret",
// "credential", or "token" replaced by a fixed placeholder, enforcing
// setup-isolation invariant I6 at the audit boundary: even a programming
// mistake upstream cannot leak a captured credential into the permanent log.
func RedactSecrets(body map[string]any) map[string]any {
	out := make(map[string]any, len(body))
	for k, v := range body {
		switch k {
		case "secret", "credential", "token", "vault_value":
			out[k] = "[redacted]"
		default:
			out[k] = v
		}
	}
	return out
}
