package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNoStub is returned when a worker exited without leaving a status stub.
// Absence of the stub is itself a signal: the worker crashed before it could
// report an outcome.
var ErrNoStub = errors.New("no status stub")

// Stub is the completion artifact a worker writes on exit. Workers never
// touch the ledger directly; the coordinator reads the stub after the exit
// event fires and merges it in, preserving single-writer discipline.
type Stub struct {
	OperationID  string `json:"operation_id"`
	Success      bool   `json:"success"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	ElapsedMs    int64  `json:"elapsed_ms"`
	EntityCount  int    `json:"entity_count,omitempty"`
}

// StubPath returns the stub location for an operation ID.
func StubPath(dir, operationID string) string {
	return filepath.Join(dir, operationID+".json")
}

// WriteStub writes the stub atomically so the coordinator can never observe
// a torn file between worker exit and merge.
func WriteStub(dir string, s Stub) error {
	if s.OperationID == "" {
		return fmt.Errorf("stub has no operation ID")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating stub directory: %w", err)
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshalling stub: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+s.OperationID+"-*.json")
	if err != nil {
		return fmt.Errorf("creating temp stub: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp stub: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp stub: %w", err)
	}
	if err := os.Rename(tmpName, StubPath(dir, s.OperationID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing stub: %w", err)
	}
	return nil
}

// ReadStub loads a worker's stub. The file is left in place; the
// coordinator removes it only after a successful ledger merge.
func ReadStub(dir, operationID string) (Stub, error) {
	data, err := os.ReadFile(StubPath(dir, operationID))
	if err != nil {
		if os.IsNotExist(err) {
			return Stub{}, ErrNoStub
		}
		return Stub{}, fmt.Errorf("reading stub: %w", err)
	}
	var s Stub
	if err := json.Unmarshal(data, &s); err != nil {
		return Stub{}, fmt.Errorf("parsing stub: %w", err)
	}
	return s, nil
}

// RemoveStub deletes a merged stub. Missing files are ignored.
func RemoveStub(dir, operationID string) {
	os.Remove(StubPath(dir, operationID))
}
