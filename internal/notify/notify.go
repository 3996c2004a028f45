// Package notify delivers job lifecycle notifications to an observer while
// keeping bursts quiet: per workspace, each outcome kind is announced at most
// once per throttle window. Every event is still appended to a durable
// journal regardless of throttling, so nothing is lost to the rate limit.
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Outcome classifies a lifecycle event for throttling purposes.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeUnknown Outcome = "unknown"
)

// DefaultThrottleWindow is the minimum spacing between observer
// notifications for the same (workspace, outcome) pair.
const DefaultThrottleWindow = 5 * time.Minute

// Event is one job lifecycle occurrence.
type Event struct {
	Time        time.Time `json:"time"`
	Workspace   string    `json:"workspace"`
	Outcome     Outcome   `json:"outcome"`
	OperationID string    `json:"operation_id"`
	Message     string    `json:"message"`
}

// Sink receives the (throttled) observer notifications.
type Sink interface {
	Notify(ev Event)
}

// LogSink announces events via slog. Unknown outcomes log as warnings:
// they require manual follow-up and must never look like success.
type LogSink struct{}

func (LogSink) Notify(ev Event) {
	switch ev.Outcome {
	case OutcomeSuccess:
		slog.Info("memory ingestion completed", "operation_id", ev.OperationID, "workspace", ev.Workspace, "detail", ev.Message)
	case OutcomeFailure:
		slog.Error("memory ingestion failed", "operation_id", ev.OperationID, "workspace", ev.Workspace, "detail", ev.Message)
	default:
		slog.Warn("memory ingestion outcome unknown", "operation_id", ev.OperationID, "workspace", ev.Workspace, "detail", ev.Message)
	}
}

// Journal is an append-only JSONL event log. Appends use O_APPEND so a
// concurrent reader never sees a torn line boundary on POSIX filesystems.
type Journal struct {
	mu   sync.Mutex
	path string
}

// NewJournal creates a journal writing to path.
func NewJournal(path string) *Journal {
	return &Journal{path: path}
}

// Append writes one event as a single JSON line.
func (j *Journal) Append(ev Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return fmt.Errorf("creating journal directory: %w", err)
	}
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshalling event: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	return nil
}

// Notifier journals every event and forwards a throttled subset to the sink.
type Notifier struct {
	sink    Sink
	journal *Journal
	window  time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time
	now      func() time.Time
}

// NewNotifier creates a Notifier. A nil sink defaults to LogSink; a window
// of zero or less defaults to DefaultThrottleWindow. journal may be nil in
// tests.
func NewNotifier(sink Sink, journal *Journal, window time.Duration) *Notifier {
	if sink == nil {
		sink = LogSink{}
	}
	if window <= 0 {
		window = DefaultThrottleWindow
	}
	return &Notifier{
		sink:     sink,
		journal:  journal,
		window:   window,
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Publish journals ev unconditionally, then notifies the sink unless an
// event with the same workspace and outcome was announced within the window.
// Returns whether the sink was notified.
func (n *Notifier) Publish(ev Event) bool {
	if ev.Time.IsZero() {
		ev.Time = n.now().UTC()
	}

	if n.journal != nil {
		if err := n.journal.Append(ev); err != nil {
			slog.Error("event journal append failed", "error", err, "operation_id", ev.OperationID)
		}
	}

	key := ev.Workspace + "/" + string(ev.Outcome)

	n.mu.Lock()
	last, seen := n.lastSent[key]
	now := n.now()
	if seen && now.Sub(last) < n.window {
		n.mu.Unlock()
		return false
	}
	n.lastSent[key] = now
	n.mu.Unlock()

	n.sink.Notify(ev)
	return true
}
