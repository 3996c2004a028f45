// Package jobs implements the "stage now, finish later" contract. Staging
// is the fast, synchronous half of ingestion: validate, persist, acknowledge.
// Finishing — building the searchable index — runs in detached worker
// processes under a hard concurrency cap with a bounded FIFO queue. The
// coordinator here is the sole writer of the operation ledger; workers report
// back only through status stubs.
package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/memoird/memoir/internal/extract"
	"github.com/memoird/memoir/internal/ledger"
	"github.com/memoird/memoir/internal/notify"
	"github.com/memoird/memoir/internal/storage"
)

// ErrBacklog is returned when the finish queue is at capacity. The caller
// must retry later; work is never silently dropped and never auto-retried.
var ErrBacklog = errors.New("finish queue at capacity")

// Error codes recorded in the ledger.
const (
	CodeWorkerCrashed       = "WORKER_CRASHED"
	CodeUnknownAfterRestart = "UNKNOWN_AFTER_RESTART"
	CodeStagingFailed       = "STAGING_FAILED"
)

const (
	DefaultMaxConcurrent = 2
	DefaultMaxQueued     = 3
	DefaultShutdownGrace = 10 * time.Second
)

// StagedStore is the subset of the content store the coordinator needs.
type StagedStore interface {
	SaveStagedContent(storage.StagedContent) error
	DeleteStagedContent(operationID string) error
}

// Options configures a Manager. Zero values fall back to defaults.
type Options struct {
	Ledger   *ledger.Ledger
	Store    StagedStore
	StubDir  string
	Spawn    SpawnFunc
	Notifier *notify.Notifier

	Workspace     string
	MaxConcurrent int
	MaxQueued     int
	ShutdownGrace time.Duration
}

// worker pairs a process handle with a channel closed once its exit has
// been merged into the ledger.
type worker struct {
	handle Handle
	merged chan struct{}
}

// Manager is the background job coordinator. All queue and ledger mutations
// happen under one mutex on this single coordinator; worker processes never
// share state with it beyond their status stubs.
type Manager struct {
	ledger   *ledger.Ledger
	store    StagedStore
	stubDir  string
	spawn    SpawnFunc
	notifier *notify.Notifier

	workspace     string
	maxConcurrent int
	maxQueued     int
	shutdownGrace time.Duration

	mu      sync.Mutex
	running map[string]*worker
	queue   []string
	closed  bool

	now      func() time.Time
	pidAlive func(int) bool
}

// NewManager creates a Manager. Ledger, Store, and Spawn are required.
func NewManager(opts Options) *Manager {
	m := &Manager{
		ledger:        opts.Ledger,
		store:         opts.Store,
		stubDir:       opts.StubDir,
		spawn:         opts.Spawn,
		notifier:      opts.Notifier,
		workspace:     opts.Workspace,
		maxConcurrent: opts.MaxConcurrent,
		maxQueued:     opts.MaxQueued,
		shutdownGrace: opts.ShutdownGrace,
		running:       make(map[string]*worker),
		now:           time.Now,
		pidAlive:      pidAlive,
	}
	if m.workspace == "" {
		m.workspace = "default"
	}
	if m.maxConcurrent <= 0 {
		m.maxConcurrent = DefaultMaxConcurrent
	}
	if m.maxQueued <= 0 {
		m.maxQueued = DefaultMaxQueued
	}
	if m.shutdownGrace <= 0 {
		m.shutdownGrace = DefaultShutdownGrace
	}
	if m.notifier == nil {
		m.notifier = notify.NewNotifier(nil, nil, 0)
	}
	return m
}

// StageRequest is the input to the fast half of ingestion.
type StageRequest struct {
	Source      string
	ContentType string // "text" (default) or "pdf"
	Payload     []byte
}

// Stage validates and persists raw content, records a pending operation,
// and returns its ID. It never waits on slow work: the searchable index is
// built later by a detached worker. A validation failure is recorded as a
// failed operation — pending can transition straight to failed when no
// worker ever spawns.
func (m *Manager) Stage(req StageRequest) (string, error) {
	if len(req.Payload) == 0 {
		return "", fmt.Errorf("staging: empty payload")
	}

	operationID := uuid.New().String()
	now := m.now().UTC()

	text, err := extract.Text(req.ContentType, req.Payload)
	if err != nil {
		m.putFailed(operationID, now, CodeStagingFailed, err.Error())
		return operationID, fmt.Errorf("staging %s: %w", operationID, err)
	}

	digest := payloadDigest(text)
	staged := storage.StagedContent{
		OperationID: operationID,
		Source:      req.Source,
		ContentType: req.ContentType,
		Content:     text,
		Digest:      digest,
		CreatedAt:   now,
	}
	if err := m.store.SaveStagedContent(staged); err != nil {
		m.putFailed(operationID, now, CodeStagingFailed, err.Error())
		return operationID, fmt.Errorf("staging %s: persisting content: %w", operationID, err)
	}

	rec := ledger.Record{
		OperationID:   operationID,
		PayloadDigest: digest,
		Status:        ledger.StatusPending,
		StartTime:     now,
	}
	if err := m.ledger.Put(rec); err != nil {
		return operationID, fmt.Errorf("staging %s: recording operation: %w", operationID, err)
	}

	slog.Info("staged content", "operation_id", operationID, "digest", digest, "source", req.Source)
	return operationID, nil
}

// EnqueueFinish schedules the slow finishing step for a staged operation.
// It either spawns a worker immediately (a concurrency slot is free),
// queues FIFO (queue has room), or fails fast with ErrBacklog. It never
// blocks.
func (m *Manager) EnqueueFinish(operationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("enqueue %s: manager is shut down", operationID)
	}

	// The status check happens under the lock: dispatchLocked records
	// running before releasing it, so two concurrent enqueues for the same
	// operation cannot both observe pending and spawn two workers. Queued
	// operations stay pending in the ledger, hence the explicit queue
	// membership check.
	rec, err := m.ledger.Get(operationID)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", operationID, err)
	}
	if rec.Status != ledger.StatusPending {
		return fmt.Errorf("enqueue %s: operation is %s, not pending", operationID, rec.Status)
	}
	if slices.Contains(m.queue, operationID) {
		return fmt.Errorf("enqueue %s: already queued", operationID)
	}

	if len(m.running) < m.maxConcurrent {
		return m.dispatchLocked(rec)
	}
	if len(m.queue) < m.maxQueued {
		m.queue = append(m.queue, operationID)
		slog.Debug("queued finish job", "operation_id", operationID, "queue_depth", len(m.queue))
		return nil
	}
	return fmt.Errorf("enqueue %s: %w", operationID, ErrBacklog)
}

// dispatchLocked spawns a worker for rec. Callers must hold m.mu.
func (m *Manager) dispatchLocked(rec ledger.Record) error {
	h, err := m.spawn(rec.OperationID)
	if err != nil {
		now := m.now().UTC()
		rec.Status = ledger.StatusFailed
		rec.ErrorCode = CodeWorkerCrashed
		rec.ErrorMessage = fmt.Sprintf("spawning worker: %v", err)
		rec.FinishedAt = now
		if putErr := m.ledger.Put(rec); putErr != nil {
			slog.Error("recording spawn failure", "operation_id", rec.OperationID, "error", putErr)
		}
		m.publishLocked(notify.OutcomeFailure, rec.OperationID, rec.ErrorMessage)
		return fmt.Errorf("dispatch %s: %w", rec.OperationID, err)
	}

	rec.Status = ledger.StatusRunning
	rec.PID = h.PID()
	rec.StartTime = m.now().UTC()
	if err := m.ledger.Put(rec); err != nil {
		slog.Error("recording running state", "operation_id", rec.OperationID, "error", err)
	}

	w := &worker{handle: h, merged: make(chan struct{})}
	m.running[rec.OperationID] = w
	go m.watch(rec.OperationID, w)

	slog.Info("dispatched finish worker", "operation_id", rec.OperationID, "pid", h.PID())
	return nil
}

// watch waits for a worker's exit, merges its outcome, and pulls the next
// queued job into the freed slot.
func (m *Manager) watch(operationID string, w *worker) {
	waitErr := w.handle.Wait()
	m.merge(operationID, waitErr)
	close(w.merged)
	m.dispatchNext()
}

// merge folds a worker's status stub into the ledger. The stub is the only
// channel a worker has; a missing stub after exit means the worker crashed.
func (m *Manager) merge(operationID string, waitErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.running, operationID)

	rec, err := m.ledger.Get(operationID)
	if err != nil {
		slog.Error("merging worker exit: record missing", "operation_id", operationID, "error", err)
		return
	}
	if rec.Status != ledger.StatusRunning {
		// Shutdown already marked this operation; nothing to merge.
		return
	}

	now := m.now().UTC()
	rec.FinishedAt = now
	rec.ElapsedMs = now.Sub(rec.StartTime).Milliseconds()

	stub, stubErr := ReadStub(m.stubDir, operationID)
	switch {
	case errors.Is(stubErr, ErrNoStub):
		rec.Status = ledger.StatusFailed
		rec.ErrorCode = CodeWorkerCrashed
		rec.ErrorMessage = "worker exited without a status stub"
		if waitErr != nil {
			rec.ErrorMessage = fmt.Sprintf("worker exited without a status stub: %v", waitErr)
		}
	case stubErr != nil:
		rec.Status = ledger.StatusFailed
		rec.ErrorCode = CodeWorkerCrashed
		rec.ErrorMessage = fmt.Sprintf("reading status stub: %v", stubErr)
	case stub.Success:
		rec.Status = ledger.StatusCompleted
		rec.EntityCount = stub.EntityCount
		if stub.ElapsedMs > 0 {
			rec.ElapsedMs = stub.ElapsedMs
		}
		rec.ErrorCode = ""
		rec.ErrorMessage = ""
	default:
		rec.Status = ledger.StatusFailed
		rec.ErrorCode = stub.ErrorCode
		rec.ErrorMessage = stub.ErrorMessage
		if stub.ElapsedMs > 0 {
			rec.ElapsedMs = stub.ElapsedMs
		}
	}

	if err := m.ledger.Put(rec); err != nil {
		slog.Error("merging worker exit", "operation_id", operationID, "error", err)
		return
	}
	RemoveStub(m.stubDir, operationID)

	if rec.Status == ledger.StatusCompleted {
		// Staged content has served its purpose. Failed jobs keep theirs
		// for diagnosis until the ledger sweep ages them out.
		if err := m.store.DeleteStagedContent(operationID); err != nil {
			slog.Warn("deleting staged content", "operation_id", operationID, "error", err)
		}
		m.publishLocked(notify.OutcomeSuccess, operationID,
			fmt.Sprintf("indexed %d entities in %dms", rec.EntityCount, rec.ElapsedMs))
	} else {
		m.publishLocked(notify.OutcomeFailure, operationID,
			fmt.Sprintf("%s: %s", rec.ErrorCode, rec.ErrorMessage))
	}
}

// dispatchNext fills a freed concurrency slot from the FIFO queue.
func (m *Manager) dispatchNext() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for !m.closed && len(m.queue) > 0 && len(m.running) < m.maxConcurrent {
		next := m.queue[0]
		m.queue = m.queue[1:]

		rec, err := m.ledger.Get(next)
		if err != nil {
			slog.Error("dequeuing finish job: record missing", "operation_id", next, "error", err)
			continue
		}
		if err := m.dispatchLocked(rec); err != nil {
			slog.Error("dispatching queued finish job", "operation_id", next, "error", err)
		}
	}
}

// GetStatus returns the record for one operation.
func (m *Manager) GetStatus(operationID string) (ledger.Record, error) {
	return m.ledger.Get(operationID)
}

// GetAllStatus returns all operation records, newest first.
func (m *Manager) GetAllStatus() []ledger.Record {
	recs := m.ledger.List()
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].StartTime.After(recs[j].StartTime)
	})
	return recs
}

// ReconcileOnStartup restores coordinator state from the ledger after a
// restart. Running records whose worker still exists are reattached and
// watched to completion; records whose PID is gone become unknown — the
// work may or may not have finished, and reporting either success or
// failure here would be a lie.
func (m *Manager) ReconcileOnStartup() {
	for _, rec := range m.ledger.ListByStatus(ledger.StatusRunning) {
		if m.pidAlive(rec.PID) {
			slog.Info("reattaching to live worker", "operation_id", rec.OperationID, "pid", rec.PID)
			m.mu.Lock()
			w := &worker{handle: Reattach(rec.PID), merged: make(chan struct{})}
			m.running[rec.OperationID] = w
			go m.watch(rec.OperationID, w)
			m.mu.Unlock()
			continue
		}

		now := m.now().UTC()
		rec.Status = ledger.StatusUnknown
		rec.ErrorCode = CodeUnknownAfterRestart
		rec.ErrorMessage = "worker process gone after restart; outcome unconfirmed"
		rec.FinishedAt = now
		if err := m.ledger.Put(rec); err != nil {
			slog.Error("recording unknown state", "operation_id", rec.OperationID, "error", err)
			continue
		}
		slog.Warn("operation outcome unknown after restart; manual follow-up required",
			"operation_id", rec.OperationID, "pid", rec.PID)
		m.mu.Lock()
		m.publishLocked(notify.OutcomeUnknown, rec.OperationID, rec.ErrorMessage)
		m.mu.Unlock()
	}

	if pending := m.ledger.ListByStatus(ledger.StatusPending); len(pending) > 0 {
		// Deliberately not re-enqueued: retries are the caller's decision.
		slog.Warn("pending operations found at startup; re-stage to resume them", "count", len(pending))
	}
}

// Shutdown terminates all live workers: SIGTERM, a bounded grace wait, then
// SIGKILL for survivors, which are recorded as terminated. This is the only
// blocking call in the coordinator.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	if n := len(m.queue); n > 0 {
		slog.Warn("discarding queued finish jobs; their operations stay pending", "count", n)
		m.queue = nil
	}
	workers := make(map[string]*worker, len(m.running))
	for id, w := range m.running {
		workers[id] = w
	}
	m.mu.Unlock()

	if len(workers) == 0 {
		return nil
	}

	g, _ := errgroup.WithContext(ctx)
	for id, w := range workers {
		g.Go(func() error {
			if err := w.handle.Signal(syscall.SIGTERM); err != nil {
				slog.Debug("signalling worker", "operation_id", id, "error", err)
			}

			grace := time.NewTimer(m.shutdownGrace)
			defer grace.Stop()
			select {
			case <-w.merged:
				return nil // exited within grace; outcome already merged
			case <-grace.C:
			case <-ctx.Done():
			}

			// Marked before the kill so the watch goroutine, woken by the
			// exit, sees a non-running record and skips its merge.
			m.markTerminated(id)
			if err := w.handle.Kill(); err != nil {
				slog.Debug("killing worker", "operation_id", id, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// markTerminated records a worker about to be force-killed.
func (m *Manager) markTerminated(operationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.ledger.Get(operationID)
	if err != nil || rec.Status != ledger.StatusRunning {
		return
	}
	now := m.now().UTC()
	rec.Status = ledger.StatusTerminated
	rec.FinishedAt = now
	rec.ElapsedMs = now.Sub(rec.StartTime).Milliseconds()
	if err := m.ledger.Put(rec); err != nil {
		slog.Error("recording terminated state", "operation_id", operationID, "error", err)
	}
}

// publishLocked emits a lifecycle event. Named for the convention that the
// caller already holds m.mu; the notifier itself is concurrency-safe.
func (m *Manager) publishLocked(outcome notify.Outcome, operationID, message string) {
	m.notifier.Publish(notify.Event{
		Workspace:   m.workspace,
		Outcome:     outcome,
		OperationID: operationID,
		Message:     message,
	})
}

// putFailed records a staging-time failure: pending straight to failed,
// no worker involved.
func (m *Manager) putFailed(operationID string, now time.Time, code, message string) {
	rec := ledger.Record{
		OperationID:  operationID,
		Status:       ledger.StatusFailed,
		StartTime:    now,
		FinishedAt:   now,
		ErrorCode:    code,
		ErrorMessage: message,
	}
	if err := m.ledger.Put(rec); err != nil {
		slog.Error("recording staging failure", "operation_id", operationID, "error", err)
	}
	m.mu.Lock()
	m.publishLocked(notify.OutcomeFailure, operationID, message)
	m.mu.Unlock()
}

// payloadDigest is a short fingerprint for correlating staged content in
// logs. Not a security boundary.
func payloadDigest(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:12]
}

// RunningCount reports how many workers are live right now.
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// QueueDepth reports how many finish jobs are waiting for a slot.
func (m *Manager) QueueDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
