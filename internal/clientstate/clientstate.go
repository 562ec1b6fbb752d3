// Package clientstate persists the small amount of per-chat client state that
// must survive a reload: the last seen sequence number, the backend cache
// token, and the single cached interactive artifact.
//
// All backends are keyed by an opaque chat identifier and use last-write-wins
// semantics; at most one client instance is expected to own a chat.
package clientstate

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/inercia/chatwire/internal/protocol"
)

// ErrNotFound is returned when no artifact is cached for a chat.
var ErrNotFound = errors.New("no cached state")

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// ArtifactEntry is the cached artifact for a chat.
type ArtifactEntry struct {
	Artifact   protocol.Artifact `json:"artifact"`
	CapturedAt time.Time         `json:"captured_at"`
	// Completed is set once the interaction behind the artifact finished.
	Completed bool `json:"completed,omitempty"`
}

// Store is implemented by every backend.
type Store interface {
	// LastSeq returns the last seen sequence number, 0 when unknown.
	LastSeq(chatID string) (int64, error)
	SetLastSeq(chatID string, seq int64) error

	// CacheToken returns the last backend cache token, "" when unknown.
	CacheToken(chatID string) (string, error)
	SetCacheToken(chatID, token string) error

	// Artifact returns ErrNotFound when nothing is cached.
	Artifact(chatID string) (ArtifactEntry, error)
	PutArtifact(chatID string, entry ArtifactEntry) error
	DeleteArtifact(chatID string) error

	// Clear forgets everything known about a chat.
	Clear(chatID string) error

	Close() error
}

// Open creates a store for the named backend rooted at dir.
func Open(backend, dir string) (Store, error) {
	switch backend {
	case BackendFile, "":
		return NewFileStore(dir)
	case BackendSQLite:
		return NewSQLiteStore(filepath.Join(dir, "state.db"))
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", backend)
	}
}
