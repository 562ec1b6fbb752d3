// Package artifact caches the single current interactive artifact of each
// chat so it can be shown again after a reconnect or reload.
package artifact

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/inercia/chatwire/internal/clientstate"
	"github.com/inercia/chatwire/internal/logging"
	"github.com/inercia/chatwire/internal/protocol"
)

var (
	// ErrRestoreIntoNewChat is returned by Restore for a chat the backend
	// reported as new. Any cached entry belongs to an unrelated session.
	ErrRestoreIntoNewChat = errors.New("refusing to restore artifact into a new chat")
	// ErrExistenceUnknown is returned by Restore before MarkChatExistence.
	ErrExistenceUnknown = errors.New("chat existence not confirmed")
)

type existence int

const (
	existenceUnknown existence = iota
	existenceExisted
	existenceNew
)

// Capturable reports whether a tool call produces an artifact worth caching:
// anything shown as an artifact or fullscreen, and inline surfaces that wait
// for an answer.
func Capturable(call protocol.ToolCall) bool {
	switch call.Artifact().DisplayMode {
	case protocol.DisplayArtifact, protocol.DisplayFullscreen:
		return true
	default:
		return call.AwaitingResponse
	}
}

// Store wraps a clientstate backend with the capture/restore policy.
type Store struct {
	mu        sync.Mutex
	backend   clientstate.Store
	existence map[string]existence
	now       func() time.Time
	logger    *slog.Logger
}

// New creates a Store persisting to backend.
func New(backend clientstate.Store) *Store {
	return &Store{
		backend:   backend,
		existence: make(map[string]existence),
		now:       time.Now,
		logger:    logging.Artifact(),
	}
}

// Capture replaces any cached artifact for chatID.
func (s *Store) Capture(chatID string, a protocol.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := clientstate.ArtifactEntry{Artifact: a, CapturedAt: s.now().UTC()}
	if err := s.backend.PutArtifact(chatID, entry); err != nil {
		return fmt.Errorf("capture artifact: %w", err)
	}
	s.logger.Debug("artifact captured", "chat_id", chatID, "tool", a.ToolName,
		"corr", a.CorrelationID, "display", a.DisplayMode)
	return nil
}

// MarkChatExistence records what the backend said about chatID. A chat
// that did not exist has its cached entry dropped immediately.
func (s *Store) MarkChatExistence(chatID string, existed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existed {
		s.existence[chatID] = existenceExisted
		return nil
	}
	s.existence[chatID] = existenceNew
	return s.invalidateLocked(chatID, "new chat")
}

// Restore returns the cached artifact for chatID, or nil when none is
// cached. It never returns an artifact unless the chat was confirmed to
// exist, and returns ErrRestoreIntoNewChat for chats known to be new.
func (s *Store) Restore(chatID string) (*protocol.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.existence[chatID] {
	case existenceNew:
		return nil, ErrRestoreIntoNewChat
	case existenceUnknown:
		return nil, ErrExistenceUnknown
	}

	entry, err := s.backend.Artifact(chatID)
	if errors.Is(err, clientstate.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("restore artifact: %w", err)
	}
	a := entry.Artifact
	s.logger.Debug("artifact restored", "chat_id", chatID, "tool", a.ToolName,
		"captured_at", entry.CapturedAt)
	return &a, nil
}

// Cached returns the raw entry without any existence gating. It is meant
// for inspection tools, not for rendering.
func (s *Store) Cached(chatID string) (clientstate.ArtifactEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Artifact(chatID)
}

// Invalidate drops the cached artifact for chatID.
func (s *Store) Invalidate(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalidateLocked(chatID, "explicit")
}

func (s *Store) invalidateLocked(chatID, reason string) error {
	if err := s.backend.DeleteArtifact(chatID); err != nil {
		return fmt.Errorf("invalidate artifact: %w", err)
	}
	s.logger.Debug("artifact invalidated", "chat_id", chatID, "reason", reason)
	return nil
}

// Dismiss drops the cached artifact if it is the one identified by corr.
// It reports whether an entry was dropped.
func (s *Store) Dismiss(chatID, corr string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, err := s.backend.Artifact(chatID)
	if err != nil || entry.Artifact.CorrelationID != corr {
		return false, ignoreNotFound(err)
	}
	return true, s.invalidateLocked(chatID, "dismissed")
}

// MarkCompleted records that the interaction behind corr finished, so the
// entry survives the next turn.
func (s *Store) MarkCompleted(chatID, corr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, err := s.backend.Artifact(chatID)
	if err != nil || entry.Artifact.CorrelationID != corr || entry.Completed {
		return ignoreNotFound(err)
	}
	entry.Completed = true
	if err := s.backend.PutArtifact(chatID, entry); err != nil {
		return fmt.Errorf("mark artifact completed: %w", err)
	}
	return nil
}

// OnNewTurn drops the cached artifact if its interaction never completed.
// It reports whether an entry was dropped.
func (s *Store) OnNewTurn(chatID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, err := s.backend.Artifact(chatID)
	if err != nil || entry.Completed {
		return false, ignoreNotFound(err)
	}
	return true, s.invalidateLocked(chatID, "new turn")
}

func ignoreNotFound(err error) error {
	if errors.Is(err, clientstate.ErrNotFound) {
		return nil
	}
	return err
}
