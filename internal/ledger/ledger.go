// Package ledger persists operation records across process restarts. The
// ledger is a single JSON document at a well-known path with exactly one
// writer (the job coordinator); workers never touch it. Every update rewrites
// the document atomically so a crash mid-write cannot leave a corrupt file.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrNotFound is returned when a requested operation record does not exist.
var ErrNotFound = errors.New("not found")

// Status is the lifecycle state of a background operation.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTerminated Status = "terminated"
	// StatusUnknown marks a job interrupted by a restart whose outcome could
	// not be confirmed. Distinct from both success and failure on purpose.
	StatusUnknown Status = "unknown"
)

// Terminal reports whether s is a final state eligible for retention pruning.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTerminated, StatusUnknown:
		return true
	}
	return false
}

// Record is the durable state of one staged background job.
type Record struct {
	OperationID   string    `json:"operation_id"`
	PayloadDigest string    `json:"payload_digest,omitempty"`
	Status        Status    `json:"status"`
	StartTime     time.Time `json:"start_time"`
	PID           int       `json:"pid,omitempty"`
	ElapsedMs     int64     `json:"elapsed_ms,omitempty"`
	ErrorCode     string    `json:"error_code,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	EntityCount   int       `json:"entity_count,omitempty"`

	// FinishedAt anchors the retention window for terminal records.
	FinishedAt time.Time `json:"finished_at"`
}

// document is the on-disk shape of the ledger file.
type document struct {
	Operations map[string]Record `json:"operations"`
}

// Ledger is a durable map from operation ID to Record. The in-memory cache
// is a read-through mirror of the file, refreshed on every write; it is
// never written independently of the file.
type Ledger struct {
	path  string
	mu    sync.Mutex
	cache map[string]Record
}

// Open loads (or initializes) the ledger file at path.
func Open(path string) (*Ledger, error) {
	l := &Ledger{path: path, cache: make(map[string]Record)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, fmt.Errorf("reading ledger: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing ledger %s: %w", path, err)
	}
	if doc.Operations != nil {
		l.cache = doc.Operations
	}
	return l, nil
}

// Put inserts or replaces a record and persists the ledger.
func (l *Ledger) Put(rec Record) error {
	if rec.OperationID == "" {
		return fmt.Errorf("record has no operation ID")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cache[rec.OperationID] = rec
	return l.persistLocked()
}

// Get returns the record for id, or ErrNotFound.
func (l *Ledger) Get(id string) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.cache[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// List returns all records, unordered.
func (l *Ledger) List() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Record, 0, len(l.cache))
	for _, rec := range l.cache {
		out = append(out, rec)
	}
	return out
}

// ListByStatus returns all records in the given state.
func (l *Ledger) ListByStatus(status Status) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Record
	for _, rec := range l.cache {
		if rec.Status == status {
			out = append(out, rec)
		}
	}
	return out
}

// Delete removes a record and persists the ledger. Deleting a missing
// record is a no-op.
func (l *Ledger) Delete(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.cache[id]; !ok {
		return nil
	}
	delete(l.cache, id)
	return l.persistLocked()
}

// Sweep prunes terminal records past their retention window. Completed jobs
// are pruned quickly; failed, terminated, and unknown jobs are kept longer to
// aid diagnosis. Returns the number of pruned records.
func (l *Ledger) Sweep(now time.Time, completedTTL, failedTTL time.Duration) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pruned := 0
	for id, rec := range l.cache {
		if !rec.Status.Terminal() {
			continue
		}
		anchor := rec.FinishedAt
		if anchor.IsZero() {
			anchor = rec.StartTime
		}
		ttl := failedTTL
		if rec.Status == StatusCompleted {
			ttl = completedTTL
		}
		if now.Sub(anchor) > ttl {
			delete(l.cache, id)
			pruned++
		}
	}
	if pruned == 0 {
		return 0, nil
	}
	return pruned, l.persistLocked()
}

// StartSweeper runs Sweep on the given interval until ctx is done.
func (l *Ledger) StartSweeper(ctx context.Context, interval, completedTTL, failedTTL time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := l.Sweep(time.Now(), completedTTL, failedTTL); err != nil {
					slog.Error("ledger sweep failed", "error", err)
				} else if n > 0 {
					slog.Debug("ledger sweep pruned records", "count", n)
				}
			}
		}
	}()
}

// persistLocked writes the full document atomically: marshal, write to a
// temp file in the same directory, rename over the target. Callers must
// hold l.mu.
func (l *Ledger) persistLocked() error {
	doc := document{Operations: l.cache}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling ledger: %w", err)
	}

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating ledger directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".operations-*.json")
	if err != nil {
		return fmt.Errorf("creating temp ledger: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp ledger: %w", err)
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing ledger: %w", err)
	}
	return nil
}
