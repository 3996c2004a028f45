// Package api exposes the daemon over HTTP (chi) and MCP (stdio). Both
// surfaces are thin: staging, enqueueing, recall, and status lookups all
// delegate to the jobs manager and the query engine.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/memoird/memoir/internal/jobs"
	"github.com/memoird/memoir/internal/ledger"
	"github.com/memoird/memoir/internal/query"
)

const maxMemoryBodySize = 10 << 20 // 10MB

// JobManager abstracts the background job coordinator for the API layer.
type JobManager interface {
	Stage(req jobs.StageRequest) (string, error)
	EnqueueFinish(operationID string) error
	GetStatus(operationID string) (ledger.Record, error)
	GetAllStatus() []ledger.Record
}

// Recaller abstracts the retrieval pipeline.
type Recaller interface {
	Recall(ctx context.Context, req query.Request) ([]query.Match, error)
}

// Deps holds the wiring for the HTTP surface.
type Deps struct {
	Jobs      JobManager
	Query     Recaller
	Token     string // empty disables the bearer gate
	Workspace string
}

// MemoryRequest is the body of POST /memories.
type MemoryRequest struct {
	Source  string `json:"source"`
	Type    string `json:"type"`    // "text" (default) or "pdf"
	Content string `json:"content"` // raw text, or base64 for pdf
}

// NewHandler builds the HTTP router. /health stays outside the auth gate so
// liveness probes need no token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/memories", handleStageMemory(deps))
		r.Get("/operations", handleListOperations(deps))
		r.Get("/operations/{id}", handleGetOperation(deps))
		r.Get("/search", handleSearch(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleStageMemory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxMemoryBodySize)
		defer r.Body.Close()

		var req MemoryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}

		payload := []byte(req.Content)
		if req.Type == "pdf" {
			decoded, err := base64.StdEncoding.DecodeString(req.Content)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "pdf content must be base64")
				return
			}
			payload = decoded
		}

		operationID, err := deps.Jobs.Stage(jobs.StageRequest{
			Source:      req.Source,
			ContentType: req.Type,
			Payload:     payload,
		})
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "staging failed: %v", err)
			return
		}

		if err := deps.Jobs.EnqueueFinish(operationID); err != nil {
			if errors.Is(err, jobs.ErrBacklog) {
				// The content is staged and pending; only the finish step is
				// refused. The caller retries the enqueue, not the upload.
				httpError(w, http.StatusTooManyRequests, "BACKLOG",
					"finish queue at capacity; operation %s stays pending, retry later", operationID)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "enqueue failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{
			"operation_id": operationID,
			"status":       "accepted",
		})
	}
}

func handleListOperations(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recs := deps.Jobs.GetAllStatus()
		if recs == nil {
			recs = []ledger.Record{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(recs)
	}
}

func handleGetOperation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		rec, err := deps.Jobs.GetStatus(id)
		if errors.Is(err, ledger.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "operation not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get operation: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rec)
	}
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if q == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}

		req := query.Request{
			Workspace:         deps.Workspace,
			Query:             q,
			Limit:             parseIntParam(r, "limit", query.DefaultLimit, 50),
			IncludeSuperseded: r.URL.Query().Get("include_superseded") == "true",
		}

		matches, err := deps.Query.Recall(r.Context(), req)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "recall failed: %v", err)
			return
		}
		if matches == nil {
			matches = []query.Match{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(matches)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"code":    errType,
		},
	})
}
