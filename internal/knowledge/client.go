// Package knowledge is the client for the external knowledge-graph engine.
// The engine itself — entity extraction, embedding, graph construction — is
// an out-of-process collaborator reached over HTTP; this package only defines
// the seam. Semantic scores returned by Search are opaque inputs consumed
// downstream by the ranking engine.
package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Episode is one unit of content submitted for slow index construction.
type Episode struct {
	OperationID string `json:"operation_id"`
	Workspace   string `json:"workspace"`
	Content     string `json:"content"`
	Source      string `json:"source,omitempty"`
}

// AddResult reports what the engine extracted from an episode.
type AddResult struct {
	EntityCount int `json:"entity_count"`
}

// Hit is one search result: a stored text blob plus the engine's raw
// semantic similarity score.
type Hit struct {
	ID    string  `json:"id"`
	Blob  string  `json:"blob"`
	Score float64 `json:"score"`
}

// Client communicates with the knowledge engine over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client targeting the given engine base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 0, // index construction can be slow; callers set deadlines via ctx
		},
	}
}

// IsRunning returns true if the engine responds to GET /health with 200.
func (c *Client) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// AddEpisode submits content for index construction and blocks until the
// engine finishes. This is the slow half of ingestion and is only ever
// called from detached worker processes, never from the coordinator.
func (c *Client) AddEpisode(ctx context.Context, ep Episode) (AddResult, error) {
	body, err := json.Marshal(ep)
	if err != nil {
		return AddResult{}, fmt.Errorf("marshalling episode: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/episodes", bytes.NewReader(body))
	if err != nil {
		return AddResult{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return AddResult{}, fmt.Errorf("adding episode: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return AddResult{}, fmt.Errorf("add episode: %s", readErrorBody(resp))
	}

	var result AddResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return AddResult{}, fmt.Errorf("decoding add result: %w", err)
	}
	return result, nil
}

// searchRequest is the JSON body for POST /search.
type searchRequest struct {
	Workspace string `json:"workspace"`
	Query     string `json:"query"`
	Limit     int    `json:"limit"`
}

// searchResponse is the JSON returned by POST /search.
type searchResponse struct {
	Hits []Hit `json:"hits"`
}

// Search returns candidate blobs with raw semantic scores, most relevant
// first. Scores are passed through untouched; recency and status weighting
// happen in the ranking engine.
func (c *Client) Search(ctx context.Context, workspace, query string, limit int) ([]Hit, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	body, err := json.Marshal(searchRequest{Workspace: workspace, Query: query, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("marshalling search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("searching: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search: %s", readErrorBody(resp))
	}

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}
	return sr.Hits, nil
}

// readErrorBody summarizes a non-200 response for error messages.
func readErrorBody(resp *http.Response) string {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil || len(bytes.TrimSpace(data)) == 0 {
		return fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
}
