package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/memoird/memoir/internal/codec"
	"github.com/memoird/memoir/internal/knowledge"
	"github.com/memoird/memoir/internal/storage"
)

type stubFinishStore struct {
	content storage.StagedContent
	getErr  error

	archived   []storage.Memory
	latest     storage.Memory
	latestErr  error
	superseded [][2]string
}

func (s *stubFinishStore) GetStagedContent(string) (storage.StagedContent, error) {
	return s.content, s.getErr
}

func (s *stubFinishStore) AppendMemory(m storage.Memory) error {
	s.archived = append(s.archived, m)
	return nil
}

func (s *stubFinishStore) LatestActiveMemoryByTopic(string) (storage.Memory, error) {
	if s.latestErr != nil {
		return storage.Memory{}, s.latestErr
	}
	return s.latest, nil
}

func (s *stubFinishStore) MarkSuperseded(oldID, newID string) error {
	s.superseded = append(s.superseded, [2]string{oldID, newID})
	return nil
}

type stubIndexer struct {
	result knowledge.AddResult
	err    error
	lastEp knowledge.Episode
	calls  int
}

func (s *stubIndexer) AddEpisode(_ context.Context, ep knowledge.Episode) (knowledge.AddResult, error) {
	s.calls++
	s.lastEp = ep
	return s.result, s.err
}

func TestRunFinish_SuccessWritesStubAndArchives(t *testing.T) {
	dir := t.TempDir()
	store := &stubFinishStore{
		content: storage.StagedContent{
			OperationID: "op-1",
			Source:      "session",
			Content:     "decided to keep the ledger as one json document",
		},
		latestErr: storage.ErrNotFound,
	}
	idx := &stubIndexer{result: knowledge.AddResult{EntityCount: 4}}

	if err := RunFinish(context.Background(), store, idx, dir, "ws-main", "op-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stub, err := ReadStub(dir, "op-1")
	if err != nil {
		t.Fatalf("reading stub: %v", err)
	}
	if !stub.Success {
		t.Error("stub should report success")
	}
	if stub.EntityCount != 4 {
		t.Errorf("entity count = %d, want 4", stub.EntityCount)
	}
	if idx.lastEp.Workspace != "ws-main" || idx.lastEp.Content == "" {
		t.Errorf("episode = %+v", idx.lastEp)
	}
	if len(store.archived) != 1 {
		t.Fatalf("archived %d memories, want 1", len(store.archived))
	}
	if store.archived[0].Blob != store.content.Content {
		t.Error("archived blob differs from staged content")
	}
}

func TestRunFinish_StructuredRecordSupersedesPrevious(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	blob := codec.Encode(codec.Record{
		Topic: "storage layout",
		Meta: &codec.Metadata{
			TopicID:         "topic-7",
			Status:          codec.StatusActive,
			SourceCreatedAt: now,
			CreatedAt:       now,
			UpdatedAt:       now,
		},
	})
	store := &stubFinishStore{
		content: storage.StagedContent{OperationID: "op-2", Content: blob},
		latest:  storage.Memory{ID: "mem-old", TopicID: "topic-7", Status: "Active"},
	}
	idx := &stubIndexer{result: knowledge.AddResult{EntityCount: 1}}

	if err := RunFinish(context.Background(), store, idx, dir, "ws", "op-2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(store.archived) != 1 {
		t.Fatalf("archived %d memories, want 1", len(store.archived))
	}
	got := store.archived[0]
	if got.TopicID != "topic-7" || got.Status != "Active" {
		t.Errorf("archived memory = %+v", got)
	}
	if len(store.superseded) != 1 {
		t.Fatalf("superseded links = %v, want 1", store.superseded)
	}
	if store.superseded[0][0] != "mem-old" || store.superseded[0][1] != got.ID {
		t.Errorf("supersede link = %v", store.superseded[0])
	}
}

func TestRunFinish_MalformedMetadataFailsBeforeIndexing(t *testing.T) {
	dir := t.TempDir()
	store := &stubFinishStore{
		content: storage.StagedContent{
			OperationID: "op-3",
			Content:     "## Topic\nx\n\n<!-- memoir:meta v1\nno separator here\n-->",
		},
	}
	idx := &stubIndexer{}

	if err := RunFinish(context.Background(), store, idx, dir, "ws", "op-3"); err == nil {
		t.Fatal("expected error")
	}

	stub, err := ReadStub(dir, "op-3")
	if err != nil {
		t.Fatalf("reading stub: %v", err)
	}
	if stub.ErrorCode != CodeMalformedMetadata {
		t.Errorf("error code = %s, want %s", stub.ErrorCode, CodeMalformedMetadata)
	}
	if idx.calls != 0 {
		t.Error("indexer must not be called for malformed content")
	}
}

func TestRunFinish_MissingContentWritesFailureStub(t *testing.T) {
	dir := t.TempDir()
	store := &stubFinishStore{getErr: storage.ErrNotFound}

	if err := RunFinish(context.Background(), store, &stubIndexer{}, dir, "ws", "op-4"); err == nil {
		t.Fatal("expected error")
	}

	stub, err := ReadStub(dir, "op-4")
	if err != nil {
		t.Fatalf("reading stub: %v", err)
	}
	if stub.Success {
		t.Error("stub should report failure")
	}
	if stub.ErrorCode != CodeStagedMissing {
		t.Errorf("error code = %s", stub.ErrorCode)
	}
}

func TestRunFinish_IndexErrorWritesFailureStub(t *testing.T) {
	dir := t.TempDir()
	store := &stubFinishStore{content: storage.StagedContent{OperationID: "op-5", Content: "x"}}
	idx := &stubIndexer{err: errors.New("service returned 503")}

	if err := RunFinish(context.Background(), store, idx, dir, "ws", "op-5"); err == nil {
		t.Fatal("expected error")
	}

	stub, err := ReadStub(dir, "op-5")
	if err != nil {
		t.Fatalf("reading stub: %v", err)
	}
	if stub.Success || stub.ErrorCode != CodeFinishFailed {
		t.Errorf("stub = %+v", stub)
	}
	if len(store.archived) != 0 {
		t.Error("nothing should be archived when indexing fails")
	}
}
