// Package query ties retrieval together: semantic search against the
// knowledge engine, decoding the stored blobs, and ranking the survivors.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/memoird/memoir/internal/codec"
	"github.com/memoird/memoir/internal/knowledge"
	"github.com/memoird/memoir/internal/ranking"
)

// DefaultLimit bounds a search when the caller does not set one.
const DefaultLimit = 10

// Searcher is the semantic search seam, satisfied by *knowledge.Client.
type Searcher interface {
	Search(ctx context.Context, workspace, query string, limit int) ([]knowledge.Hit, error)
}

// Request describes one recall.
type Request struct {
	Workspace         string
	Query             string
	Limit             int
	IncludeSuperseded bool
}

// Match is one recalled memory.
type Match struct {
	ID            string       `json:"id"`
	FinalScore    float64      `json:"final_score"`
	SemanticScore float64      `json:"semantic_score"`
	Legacy        bool         `json:"legacy,omitempty"`
	Record        codec.Record `json:"record"`
}

// Engine runs the recall pipeline.
type Engine struct {
	searcher Searcher
	cfg      ranking.Config
	now      func() time.Time
}

// NewEngine creates an Engine ranking with the given half-life config.
func NewEngine(searcher Searcher, cfg ranking.Config) *Engine {
	return &Engine{searcher: searcher, cfg: cfg, now: time.Now}
}

// Recall searches, decodes, and ranks. Blobs that fail to decode are logged
// and skipped rather than failing the whole recall: one bad record must not
// hide the good ones. Legacy blobs with no metadata rank as active content.
func (e *Engine) Recall(ctx context.Context, req Request) ([]Match, error) {
	if req.Query == "" {
		return nil, fmt.Errorf("recall: empty query")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	hits, err := e.searcher.Search(ctx, req.Workspace, req.Query, limit)
	if err != nil {
		return nil, fmt.Errorf("recall: %w", err)
	}

	candidates := make([]ranking.Candidate, 0, len(hits))
	for _, hit := range hits {
		rec, err := codec.Decode(hit.Blob)
		if err != nil {
			switch {
			case errors.Is(err, codec.ErrMalformedMetadata):
				slog.Warn("skipping memory with malformed metadata", "id", hit.ID, "error", err)
			case errors.Is(err, codec.ErrUnsupportedTemplateVersion):
				slog.Warn("skipping memory with unsupported template version", "id", hit.ID, "error", err)
			default:
				slog.Warn("skipping undecodable memory", "id", hit.ID, "error", err)
			}
			continue
		}
		candidates = append(candidates, ranking.Candidate{
			ID:            hit.ID,
			Record:        rec,
			SemanticScore: hit.Score,
		})
	}

	ranked := ranking.Rank(e.now(), e.cfg, candidates, req.IncludeSuperseded)

	matches := make([]Match, 0, len(ranked))
	for _, r := range ranked {
		matches = append(matches, Match{
			ID:            r.ID,
			FinalScore:    r.FinalScore,
			SemanticScore: r.SemanticScore,
			Legacy:        r.Record.Legacy(),
			Record:        r.Record,
		})
	}
	return matches, nil
}
