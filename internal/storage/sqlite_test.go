package storage

import (
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStagedContent_SaveGetDelete(t *testing.T) {
	s := openTestStore(t)

	c := StagedContent{
		OperationID: "op-1",
		Source:      "mcp",
		ContentType: "text",
		Content:     "Discussed moving the cache layer to WAL mode.",
		Digest:      "deadbeef1234",
		CreatedAt:   time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC),
	}
	if err := s.SaveStagedContent(c); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.GetStagedContent("op-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content != c.Content || got.Digest != c.Digest || !got.CreatedAt.Equal(c.CreatedAt) {
		t.Errorf("got %+v, want %+v", got, c)
	}

	if err := s.DeleteStagedContent("op-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetStagedContent("op-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound after delete", err)
	}
}

func TestGetStagedContent_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetStagedContent("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestMemory_AppendAndGet(t *testing.T) {
	s := openTestStore(t)

	m := Memory{
		ID:              "mem-1",
		Blob:            "## Topic\nCache design\n",
		TopicID:         "topic-1",
		SessionID:       "sess-1",
		Status:          "Active",
		SourceCreatedAt: time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC),
		CreatedAt:       time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC),
	}
	if err := s.AppendMemory(m); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := s.GetMemory("mem-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Blob != m.Blob || got.Status != "Active" || !got.SourceCreatedAt.Equal(m.SourceCreatedAt) {
		t.Errorf("got %+v", got)
	}
}

func TestMemory_UnknownSourceTimeRoundTrips(t *testing.T) {
	s := openTestStore(t)

	m := Memory{
		ID:        "legacy-1",
		Blob:      "pre-codec note",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := s.AppendMemory(m); err != nil {
		t.Fatalf("append: %v", err)
	}
	got, err := s.GetMemory("legacy-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.SourceCreatedAt.IsZero() {
		t.Errorf("SourceCreatedAt = %v, want zero for unknown age", got.SourceCreatedAt)
	}
}

func TestMarkSuperseded_LinksWithoutRewritingBlob(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	old := Memory{ID: "old", Blob: "original text", Status: "Active", CreatedAt: now}
	if err := s.AppendMemory(old); err != nil {
		t.Fatal(err)
	}
	replacement := Memory{ID: "new", Blob: "replacement text", Status: "Active", CreatedAt: now}
	if err := s.AppendMemory(replacement); err != nil {
		t.Fatal(err)
	}

	if err := s.MarkSuperseded("old", "new"); err != nil {
		t.Fatalf("mark superseded: %v", err)
	}

	got, err := s.GetMemory("old")
	if err != nil {
		t.Fatal(err)
	}
	if got.SupersededBy != "new" {
		t.Errorf("SupersededBy = %q, want new", got.SupersededBy)
	}
	if got.Blob != "original text" {
		t.Errorf("blob was rewritten: %q", got.Blob)
	}
}

func TestMarkSuperseded_MissingRow(t *testing.T) {
	s := openTestStore(t)
	if err := s.MarkSuperseded("ghost", "new"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestListMemories_NewestFirst(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		m := Memory{ID: id, Blob: id, CreatedAt: base.Add(time.Duration(i) * time.Hour)}
		if err := s.AppendMemory(m); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListMemories(2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "b" {
		t.Errorf("got %+v, want newest two first", got)
	}
}

func TestLatestActiveMemoryByTopic(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	if _, err := s.LatestActiveMemoryByTopic("topic-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty archive: got %v, want ErrNotFound", err)
	}

	for i, id := range []string{"first", "second"} {
		m := Memory{ID: id, Blob: id, TopicID: "topic-1", Status: "Active", CreatedAt: base.Add(time.Duration(i) * time.Hour)}
		if err := s.AppendMemory(m); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.LatestActiveMemoryByTopic("topic-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.ID != "second" {
		t.Errorf("latest = %s, want second", got.ID)
	}

	// Once linked as superseded, a row no longer counts as the active one.
	if err := s.MarkSuperseded("second", "third"); err != nil {
		t.Fatal(err)
	}
	got, err = s.LatestActiveMemoryByTopic("topic-1")
	if err != nil {
		t.Fatalf("lookup after supersede: %v", err)
	}
	if got.ID != "first" {
		t.Errorf("latest = %s, want first", got.ID)
	}
}

func TestMigrationsApplied(t *testing.T) {
	s := openTestStore(t)
	// Reuse of the migration harness: schema_version must record version 1.
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count); err != nil {
		t.Fatalf("querying schema_version: %v", err)
	}
	if count == 0 {
		t.Error("no migrations recorded")
	}
}
