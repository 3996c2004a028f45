package knowledge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIsRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL)
	if !c.IsRunning(context.Background()) {
		t.Error("expected running engine to report true")
	}

	down := New("http://127.0.0.1:1")
	if down.IsRunning(context.Background()) {
		t.Error("expected unreachable engine to report false")
	}
}

func TestAddEpisode(t *testing.T) {
	var received Episode
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/episodes" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decoding episode: %v", err)
		}
		json.NewEncoder(w).Encode(AddResult{EntityCount: 3})
	}))
	defer srv.Close()

	c := New(srv.URL)
	result, err := c.AddEpisode(context.Background(), Episode{
		OperationID: "op-1",
		Workspace:   "default",
		Content:     "## Topic\nCache design\n",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.EntityCount != 3 {
		t.Errorf("EntityCount = %d, want 3", result.EntityCount)
	}
	if received.OperationID != "op-1" || received.Workspace != "default" {
		t.Errorf("engine received %+v", received)
	}
}

func TestAddEpisode_ErrorStatusSurfacesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "extraction pipeline unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(srv.URL).AddEpisode(context.Background(), Episode{Content: "x"})
	if err == nil {
		t.Fatal("expected error for 503 response")
	}
}

func TestSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding search request: %v", err)
		}
		if req.Query != "cache layer" || req.Limit != 5 {
			t.Errorf("engine received %+v", req)
		}
		json.NewEncoder(w).Encode(searchResponse{Hits: []Hit{
			{ID: "mem-1", Blob: "blob one", Score: 0.91},
			{ID: "mem-2", Blob: "blob two", Score: 0.45},
		}})
	}))
	defer srv.Close()

	hits, err := New(srv.URL).Search(context.Background(), "default", "cache layer", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].ID != "mem-1" || hits[0].Score != 0.91 {
		t.Errorf("hits[0] = %+v", hits[0])
	}
}
