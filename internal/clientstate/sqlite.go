package clientstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/inercia/chatwire/internal/logging"
)

// stateSchemaDDL creates the client state tables.
const stateSchemaDDL = `
CREATE TABLE IF NOT EXISTS chat_state (
	chat_id TEXT PRIMARY KEY,
	last_seq INTEGER NOT NULL DEFAULT 0,
	cache_token TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS chat_artifact (
	chat_id TEXT PRIMARY KEY,
	tool_name TEXT NOT NULL,
	corr TEXT NOT NULL DEFAULT '',
	component_type TEXT NOT NULL DEFAULT '',
	payload BLOB,
	display TEXT NOT NULL DEFAULT '',
	captured_at TEXT NOT NULL,
	completed INTEGER NOT NULL DEFAULT 0
);
`

// Verify SQLiteStore implements Store at compile time.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore keeps client state in a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at dbPath. Use ":memory:"
// for a throwaway database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping state db: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on state db: %w", err)
	}
	if _, err := db.ExecContext(ctx, stateSchemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply state schema: %w", err)
	}

	logging.Client().Debug("sqlite state store initialized", "path", dbPath)
	return &SQLiteStore{db: db}, nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// LastSeq implements Store.
func (s *SQLiteStore) LastSeq(chatID string) (int64, error) {
	var seq int64
	err := s.db.QueryRow(`SELECT last_seq FROM chat_state WHERE chat_id = ?`, chatID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read last seq: %w", err)
	}
	return seq, nil
}

// SetLastSeq implements Store.
func (s *SQLiteStore) SetLastSeq(chatID string, seq int64) error {
	_, err := s.db.Exec(`
		INSERT INTO chat_state (chat_id, last_seq, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET last_seq = excluded.last_seq, updated_at = excluded.updated_at`,
		chatID, seq, now())
	if err != nil {
		return fmt.Errorf("write last seq: %w", err)
	}
	return nil
}

// CacheToken implements Store.
func (s *SQLiteStore) CacheToken(chatID string) (string, error) {
	var token string
	err := s.db.QueryRow(`SELECT cache_token FROM chat_state WHERE chat_id = ?`, chatID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read cache token: %w", err)
	}
	return token, nil
}

// SetCacheToken implements Store.
func (s *SQLiteStore) SetCacheToken(chatID, token string) error {
	_, err := s.db.Exec(`
		INSERT INTO chat_state (chat_id, cache_token, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET cache_token = excluded.cache_token, updated_at = excluded.updated_at`,
		chatID, token, now())
	if err != nil {
		return fmt.Errorf("write cache token: %w", err)
	}
	return nil
}

// Artifact implements Store.
func (s *SQLiteStore) Artifact(chatID string) (ArtifactEntry, error) {
	var (
		entry      ArtifactEntry
		payload    []byte
		capturedAt string
		completed  int
	)
	err := s.db.QueryRow(`
		SELECT tool_name, corr, component_type, payload, display, captured_at, completed
		FROM chat_artifact WHERE chat_id = ?`, chatID).Scan(
		&entry.Artifact.ToolName,
		&entry.Artifact.CorrelationID,
		&entry.Artifact.ComponentType,
		&payload,
		&entry.Artifact.DisplayMode,
		&capturedAt,
		&completed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ArtifactEntry{}, ErrNotFound
	}
	if err != nil {
		return ArtifactEntry{}, fmt.Errorf("read artifact: %w", err)
	}
	if len(payload) > 0 {
		entry.Artifact.Payload = payload
	}
	entry.CapturedAt, _ = time.Parse(time.RFC3339Nano, capturedAt)
	entry.Completed = completed != 0
	return entry, nil
}

// PutArtifact implements Store.
func (s *SQLiteStore) PutArtifact(chatID string, entry ArtifactEntry) error {
	completed := 0
	if entry.Completed {
		completed = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO chat_artifact (chat_id, tool_name, corr, component_type, payload, display, captured_at, completed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			tool_name = excluded.tool_name,
			corr = excluded.corr,
			component_type = excluded.component_type,
			payload = excluded.payload,
			display = excluded.display,
			captured_at = excluded.captured_at,
			completed = excluded.completed`,
		chatID,
		entry.Artifact.ToolName,
		entry.Artifact.CorrelationID,
		entry.Artifact.ComponentType,
		[]byte(entry.Artifact.Payload),
		entry.Artifact.DisplayMode,
		entry.CapturedAt.UTC().Format(time.RFC3339Nano),
		completed,
	)
	if err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	return nil
}

// DeleteArtifact implements Store.
func (s *SQLiteStore) DeleteArtifact(chatID string) error {
	if _, err := s.db.Exec(`DELETE FROM chat_artifact WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("delete artifact: %w", err)
	}
	return nil
}

// Clear implements Store.
func (s *SQLiteStore) Clear(chatID string) error {
	if _, err := s.db.Exec(`DELETE FROM chat_state WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("clear chat state: %w", err)
	}
	return s.DeleteArtifact(chatID)
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close state db: %w", err)
	}
	return nil
}
