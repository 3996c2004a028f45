package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// StagedContent is raw content persisted during the fast half of ingestion,
// keyed by the operation ID of the job that will finish it. The detached
// worker reads it back by the same key.
type StagedContent struct {
	OperationID string
	Source      string
	ContentType string // "text" or "pdf"
	Content     string
	Digest      string
	CreatedAt   time.Time
}

// Memory is one archived summary blob. Rows are append-only: the encoded
// blob text is never rewritten after insert. A status change appends a new
// row and sets SupersededBy on the old one — the only mutable column.
type Memory struct {
	ID              string
	Blob            string
	TopicID         string
	SessionID       string
	PlanID          string
	Status          string
	SourceCreatedAt time.Time // zero when unknown (legacy content)
	CreatedAt       time.Time
	SupersededBy    string
}
