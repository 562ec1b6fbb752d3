// Package sequence keeps a chat's event stream in order across reconnects.
//
// A Tracker classifies each inbound envelope against the last sequence number
// seen for the chat, and a Coordinator drives the resume handshake that fills
// gaps: it sends chat.resume_request, lets replayed envelopes flow through the
// Tracker, and returns to idle when chat.resume_boundary arrives.
package sequence

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/inercia/chatwire/internal/logging"
	"github.com/inercia/chatwire/internal/protocol"
)

// Verdict is the result of observing one envelope.
type Verdict int

const (
	// Accept means the envelope is next in order (or carries no seq) and
	// should be delivered.
	Accept Verdict = iota
	// Duplicate means the seq was already delivered; drop it.
	Duplicate
	// Gap means at least one seq is missing; drop it and resume.
	Gap
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case Duplicate:
		return "duplicate"
	case Gap:
		return "gap"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// SeqStore persists the last seen sequence number per chat.
// clientstate.Store satisfies it.
type SeqStore interface {
	LastSeq(chatID string) (int64, error)
	SetLastSeq(chatID string, seq int64) error
}

// Tracker owns the Sequence State of one chat.
type Tracker struct {
	mu       sync.Mutex
	chatID   string
	store    SeqStore
	lastSeen int64
	// anchored is false until the first sequenced envelope is accepted or
	// a position is set explicitly. While false, any seq is accepted.
	anchored bool
	logger   *slog.Logger
}

// NewTracker loads the persisted position for chatID.
func NewTracker(chatID string, store SeqStore) (*Tracker, error) {
	last, err := store.LastSeq(chatID)
	if err != nil {
		return nil, fmt.Errorf("load sequence state: %w", err)
	}
	return &Tracker{
		chatID:   chatID,
		store:    store,
		lastSeen: last,
		anchored: last > 0,
		logger:   logging.WithChat(logging.Sequence(), chatID),
	}, nil
}

// Observe classifies env and, on Accept of a sequenced envelope, advances
// and persists the position.
func (t *Tracker) Observe(env protocol.Envelope) Verdict {
	if !env.HasSeq() {
		return Accept
	}
	seq := env.SeqValue()

	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case !t.anchored, seq == t.lastSeen+1:
		t.advance(seq)
		return Accept
	case seq <= t.lastSeen:
		return Duplicate
	default:
		return Gap
	}
}

// advance must be called with t.mu held.
func (t *Tracker) advance(seq int64) {
	t.lastSeen = seq
	t.anchored = true
	if err := t.store.SetLastSeq(t.chatID, seq); err != nil {
		// The in-memory position still advances; a reload will at worst
		// replay a few duplicates.
		t.logger.Warn("failed to persist sequence state", "seq", seq, "error", err)
	}
}

// LastSeen returns the last accepted sequence number.
func (t *Tracker) LastSeen() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSeen
}

// Anchor pins the current position so the next envelope must be exactly
// LastSeen()+1. Called when a resume is requested from an unanchored state.
func (t *Tracker) Anchor() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.anchored = true
}

// Reset moves the position to seq (normally 0) and persists it.
func (t *Tracker) Reset(seq int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSeen = seq
	t.anchored = seq > 0
	if err := t.store.SetLastSeq(t.chatID, seq); err != nil {
		return fmt.Errorf("persist sequence reset: %w", err)
	}
	return nil
}
