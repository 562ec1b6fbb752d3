package clientstate

import "sync"

// Verify MemoryStore implements Store at compile time.
var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps state in process memory. It does not survive a reload
// and exists for tests and throwaway sessions.
type MemoryStore struct {
	mu        sync.Mutex
	seqs      map[string]int64
	tokens    map[string]string
	artifacts map[string]ArtifactEntry
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		seqs:      make(map[string]int64),
		tokens:    make(map[string]string),
		artifacts: make(map[string]ArtifactEntry),
	}
}

func (s *MemoryStore) LastSeq(chatID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seqs[chatID], nil
}

func (s *MemoryStore) SetLastSeq(chatID string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[chatID] = seq
	return nil
}

func (s *MemoryStore) CacheToken(chatID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[chatID], nil
}

func (s *MemoryStore) SetCacheToken(chatID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[chatID] = token
	return nil
}

func (s *MemoryStore) Artifact(chatID string) (ArtifactEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.artifacts[chatID]
	if !ok {
		return ArtifactEntry{}, ErrNotFound
	}
	return entry, nil
}

func (s *MemoryStore) PutArtifact(chatID string, entry ArtifactEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[chatID] = entry
	return nil
}

func (s *MemoryStore) DeleteArtifact(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.artifacts, chatID)
	return nil
}

func (s *MemoryStore) Clear(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seqs, chatID)
	delete(s.tokens, chatID)
	delete(s.artifacts, chatID)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
