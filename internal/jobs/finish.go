package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/memoird/memoir/internal/codec"
	"github.com/memoird/memoir/internal/knowledge"
	"github.com/memoird/memoir/internal/storage"
)

// Error codes the worker writes into failure stubs.
const (
	CodeFinishFailed        = "FINISH_FAILED"
	CodeStagedMissing       = "STAGED_CONTENT_MISSING"
	CodeArchiveFailed       = "ARCHIVE_FAILED"
	CodeMalformedMetadata   = "MALFORMED_METADATA"
	CodeUnsupportedTemplate = "UNSUPPORTED_TEMPLATE_VERSION"
)

// FinishStore is the subset of the content store the worker side needs:
// the staged payload going in, the memory archive coming out.
type FinishStore interface {
	GetStagedContent(operationID string) (storage.StagedContent, error)
	AppendMemory(m storage.Memory) error
	LatestActiveMemoryByTopic(topicID string) (storage.Memory, error)
	MarkSuperseded(oldID, newID string) error
}

// Indexer is the slow half of ingestion: feeding staged content to the
// knowledge service. Satisfied by *knowledge.Client.
type Indexer interface {
	AddEpisode(ctx context.Context, ep knowledge.Episode) (knowledge.AddResult, error)
}

// RunFinish executes the finishing step inside a detached worker process.
// Whatever happens, it writes a status stub before returning; the stub is
// the worker's only channel back to the coordinator, so skipping it on
// error would turn every failure into an apparent crash.
func RunFinish(ctx context.Context, store FinishStore, idx Indexer, stubDir, workspace, operationID string) error {
	start := time.Now()

	staged, err := store.GetStagedContent(operationID)
	if err != nil {
		code := CodeFinishFailed
		if errors.Is(err, storage.ErrNotFound) {
			code = CodeStagedMissing
		}
		return failStub(stubDir, operationID, start, code, fmt.Sprintf("loading staged content: %v", err))
	}

	// Validate the encoding before any slow work. Legacy content (no
	// metadata block) passes; a present-but-broken block must not be
	// indexed as if it were legacy.
	rec, err := codec.Decode(staged.Content)
	if err != nil {
		code := CodeMalformedMetadata
		if errors.Is(err, codec.ErrUnsupportedTemplateVersion) {
			code = CodeUnsupportedTemplate
		}
		return failStub(stubDir, operationID, start, code, err.Error())
	}

	result, err := idx.AddEpisode(ctx, knowledge.Episode{
		OperationID: operationID,
		Workspace:   workspace,
		Content:     staged.Content,
		Source:      staged.Source,
	})
	if err != nil {
		return failStub(stubDir, operationID, start, CodeFinishFailed, fmt.Sprintf("indexing episode: %v", err))
	}

	if err := archiveMemory(store, staged, rec); err != nil {
		return failStub(stubDir, operationID, start, CodeArchiveFailed, fmt.Sprintf("archiving memory: %v", err))
	}

	stub := Stub{
		OperationID: operationID,
		Success:     true,
		ElapsedMs:   time.Since(start).Milliseconds(),
		EntityCount: result.EntityCount,
	}
	if err := WriteStub(stubDir, stub); err != nil {
		return fmt.Errorf("finish %s: %w", operationID, err)
	}
	return nil
}

// archiveMemory appends the blob to the local archive. When the record
// carries a topic and an active lifecycle status, the previous active
// record for that topic is linked as superseded; its text is never
// rewritten.
func archiveMemory(store FinishStore, staged storage.StagedContent, rec codec.Record) error {
	m := storage.Memory{
		ID:        uuid.New().String(),
		Blob:      staged.Content,
		CreatedAt: time.Now().UTC(),
	}

	supersedes := ""
	if rec.Meta != nil {
		m.TopicID = rec.Meta.TopicID
		m.SessionID = rec.Meta.SessionID
		m.PlanID = rec.Meta.PlanID
		m.Status = string(rec.Meta.Status)
		m.SourceCreatedAt = rec.Meta.SourceCreatedAt

		if m.TopicID != "" && rec.Meta.Status != codec.StatusSuperseded {
			prev, err := store.LatestActiveMemoryByTopic(m.TopicID)
			switch {
			case err == nil:
				supersedes = prev.ID
			case !errors.Is(err, storage.ErrNotFound):
				return err
			}
		}
	}

	if err := store.AppendMemory(m); err != nil {
		return err
	}

	if supersedes != "" {
		if err := store.MarkSuperseded(supersedes, m.ID); err != nil {
			// The new row is durable; a missing back-link degrades ranking,
			// not correctness.
			slog.Warn("linking superseded memory", "old_id", supersedes, "new_id", m.ID, "error", err)
		}
	}
	return nil
}

// failStub records a finishing failure and surfaces it as the worker's exit
// error as well.
func failStub(stubDir, operationID string, start time.Time, code, message string) error {
	stub := Stub{
		OperationID:  operationID,
		Success:      false,
		ErrorCode:    code,
		ErrorMessage: message,
		ElapsedMs:    time.Since(start).Milliseconds(),
	}
	if err := WriteStub(stubDir, stub); err != nil {
		return fmt.Errorf("finish %s: %s (and writing stub failed: %v)", operationID, message, err)
	}
	return fmt.Errorf("finish %s: %s", operationID, message)
}
