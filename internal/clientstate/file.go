package clientstate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/inercia/chatwire/internal/fileutil"
	"github.com/inercia/chatwire/internal/logging"
)

const (
	stateFileName    = "state.json"
	artifactFileName = "artifact.json"
)

// chatState is the on-disk format of state.json.
type chatState struct {
	LastSeq    int64  `json:"last_seq"`
	CacheToken string `json:"cache_token,omitempty"`
}

// Verify FileStore implements Store at compile time.
var _ Store = (*FileStore)(nil)

// FileStore keeps one directory per chat under baseDir:
//
//	<baseDir>/<escaped chat id>/state.json
//	<baseDir>/<escaped chat id>/artifact.json
type FileStore struct {
	baseDir string
	mu      sync.Mutex
}

// NewFileStore creates the base directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	logging.Client().Debug("file state store initialized", "base_dir", baseDir)
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) chatDir(chatID string) string {
	return filepath.Join(s.baseDir, url.PathEscape(chatID))
}

func (s *FileStore) readState(chatID string) (chatState, error) {
	var st chatState
	err := fileutil.ReadJSON(filepath.Join(s.chatDir(chatID), stateFileName), &st)
	if errors.Is(err, os.ErrNotExist) {
		return chatState{}, nil
	}
	return st, err
}

func (s *FileStore) writeState(chatID string, st chatState) error {
	dir := s.chatDir(chatID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create chat directory: %w", err)
	}
	return fileutil.WriteJSONAtomic(filepath.Join(dir, stateFileName), st, 0644)
}

// LastSeq implements Store.
func (s *FileStore) LastSeq(chatID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.readState(chatID)
	return st.LastSeq, err
}

// SetLastSeq implements Store.
func (s *FileStore) SetLastSeq(chatID string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.readState(chatID)
	if err != nil {
		return err
	}
	st.LastSeq = seq
	return s.writeState(chatID, st)
}

// CacheToken implements Store.
func (s *FileStore) CacheToken(chatID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.readState(chatID)
	return st.CacheToken, err
}

// SetCacheToken implements Store.
func (s *FileStore) SetCacheToken(chatID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.readState(chatID)
	if err != nil {
		return err
	}
	st.CacheToken = token
	return s.writeState(chatID, st)
}

// Artifact implements Store.
func (s *FileStore) Artifact(chatID string) (ArtifactEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entry ArtifactEntry
	err := fileutil.ReadJSON(filepath.Join(s.chatDir(chatID), artifactFileName), &entry)
	if errors.Is(err, os.ErrNotExist) {
		return ArtifactEntry{}, ErrNotFound
	}
	if err != nil {
		return ArtifactEntry{}, err
	}
	// The file is indented; hand the payload back in compact form.
	if len(entry.Artifact.Payload) > 0 {
		var buf bytes.Buffer
		if json.Compact(&buf, entry.Artifact.Payload) == nil {
			entry.Artifact.Payload = buf.Bytes()
		}
	}
	return entry, nil
}

// PutArtifact implements Store. Any previous entry is overwritten.
func (s *FileStore) PutArtifact(chatID string, entry ArtifactEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := s.chatDir(chatID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create chat directory: %w", err)
	}
	return fileutil.WriteJSONAtomic(filepath.Join(dir, artifactFileName), entry, 0644)
}

// DeleteArtifact implements Store.
func (s *FileStore) DeleteArtifact(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(filepath.Join(s.chatDir(chatID), artifactFileName))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove artifact: %w", err)
	}
	return nil
}

// Clear implements Store.
func (s *FileStore) Clear(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(s.chatDir(chatID)); err != nil {
		return fmt.Errorf("failed to clear chat state: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *FileStore) Close() error {
	return nil
}
