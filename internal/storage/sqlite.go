package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding staged content and the memory
// archive. The operation ledger lives elsewhere (a flat JSON file) — this
// store only carries content, never job state.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "memoir.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// The coordinator and detached workers open the database from separate
	// processes; a busy timeout makes overlapping access wait briefly
	// instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't
// been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// --- Staged content ---

// SaveStagedContent persists raw content for a pending finish job.
func (s *Store) SaveStagedContent(c StagedContent) error {
	_, err := s.db.Exec(`
		INSERT INTO staged_content (operation_id, source, content_type, content, digest, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.OperationID, c.Source, c.ContentType, c.Content, c.Digest,
		c.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetStagedContent returns the staged content for an operation ID.
func (s *Store) GetStagedContent(operationID string) (StagedContent, error) {
	var c StagedContent
	var createdAt string
	err := s.db.QueryRow(`
		SELECT operation_id, source, content_type, content, digest, created_at
		FROM staged_content WHERE operation_id = ?`, operationID,
	).Scan(&c.OperationID, &c.Source, &c.ContentType, &c.Content, &c.Digest, &createdAt)
	if err == sql.ErrNoRows {
		return StagedContent{}, ErrNotFound
	}
	if err != nil {
		return StagedContent{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return StagedContent{}, fmt.Errorf("parsing created_at: %w", err)
	}
	c.CreatedAt = t
	return c, nil
}

// DeleteStagedContent removes staged content once its job is terminal.
func (s *Store) DeleteStagedContent(operationID string) error {
	_, err := s.db.Exec("DELETE FROM staged_content WHERE operation_id = ?", operationID)
	return err
}

// --- Memory archive ---

// AppendMemory inserts a new archive row. There is deliberately no update
// counterpart for the blob column: stored text is immutable.
func (s *Store) AppendMemory(m Memory) error {
	sourceCreatedAt := ""
	if !m.SourceCreatedAt.IsZero() {
		sourceCreatedAt = m.SourceCreatedAt.UTC().Format(time.RFC3339)
	}
	_, err := s.db.Exec(`
		INSERT INTO memories (id, blob, topic_id, session_id, plan_id, status, source_created_at, created_at, superseded_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Blob, m.TopicID, m.SessionID, m.PlanID, m.Status,
		sourceCreatedAt, m.CreatedAt.UTC().Format(time.RFC3339), m.SupersededBy,
	)
	return err
}

// GetMemory returns one archive row by ID.
func (s *Store) GetMemory(id string) (Memory, error) {
	row := s.db.QueryRow(`
		SELECT id, blob, topic_id, session_id, plan_id, status, source_created_at, created_at, superseded_by
		FROM memories WHERE id = ?`, id)
	return scanMemory(row)
}

// ListMemories returns the newest archive rows, up to limit.
func (s *Store) ListMemories(limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, blob, topic_id, session_id, plan_id, status, source_created_at, created_at, superseded_by
		FROM memories ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// LatestActiveMemoryByTopic returns the newest archive row for a topic that
// has not been superseded yet, or ErrNotFound.
func (s *Store) LatestActiveMemoryByTopic(topicID string) (Memory, error) {
	row := s.db.QueryRow(`
		SELECT id, blob, topic_id, session_id, plan_id, status, source_created_at, created_at, superseded_by
		FROM memories
		WHERE topic_id = ? AND superseded_by = ''
		ORDER BY created_at DESC LIMIT 1`, topicID)
	return scanMemory(row)
}

// MarkSuperseded links an old row to the new row that replaces it. Only the
// superseded_by column changes; the blob stays untouched.
func (s *Store) MarkSuperseded(oldID, newID string) error {
	res, err := s.db.Exec(`UPDATE memories SET superseded_by = ? WHERE id = ?`, newID, oldID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (Memory, error) {
	var m Memory
	var sourceCreatedAt, createdAt string
	err := row.Scan(&m.ID, &m.Blob, &m.TopicID, &m.SessionID, &m.PlanID,
		&m.Status, &sourceCreatedAt, &createdAt, &m.SupersededBy)
	if err == sql.ErrNoRows {
		return Memory{}, ErrNotFound
	}
	if err != nil {
		return Memory{}, err
	}
	if sourceCreatedAt != "" {
		t, err := time.Parse(time.RFC3339, sourceCreatedAt)
		if err != nil {
			return Memory{}, fmt.Errorf("parsing source_created_at: %w", err)
		}
		m.SourceCreatedAt = t
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Memory{}, fmt.Errorf("parsing created_at: %w", err)
	}
	m.CreatedAt = t
	return m, nil
}
