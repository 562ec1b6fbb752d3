// Package mode multiplexes the workflow and ask conversation tracks of a
// chat over one connection.
//
// Only one track is live at a time. Switching away from a track saves its
// messages and open artifact in a Snapshot; switching back installs that
// snapshot again and re-opens the artifact as a rendering only, because no
// waiter survives the switch.
//
// Messages stamped with the mode that produced them land in that mode's
// track whether or not it is live, so a reply streamed across a switch
// completes where it started.
package mode

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/inercia/chatwire/internal/logging"
	"github.com/inercia/chatwire/internal/protocol"
)

// Origin tells who asked for a switch.
type Origin int

const (
	// OriginClient switches are announced to the backend.
	OriginClient Origin = iota
	// OriginServer switches follow a chat.mode_changed envelope.
	OriginServer
)

func (o Origin) String() string {
	if o == OriginServer {
		return "server"
	}
	return "client"
}

// Hooks connect the multiplexer to the transport and the presentation
// layer. Every field is optional. Hooks other than Seed and Seeded run with
// the multiplexer locked and must not call back into it.
type Hooks struct {
	// Notify tells the backend about a client initiated switch. The switch
	// is not applied when it fails.
	Notify func(ctx context.Context, target protocol.Mode) error
	// Seed loads the initial messages of a track on its first visit. It
	// runs in its own goroutine after the switch, with the ctx given to
	// SwitchTo.
	Seed func(ctx context.Context, target protocol.Mode) ([]Message, error)
	// Seeded runs after seeded messages were merged into the live track.
	Seeded func(target protocol.Mode, installed Snapshot)
	// CloseArtifact closes the open artifact view of the track being left.
	CloseArtifact func(from protocol.Mode, a protocol.Artifact)
	// OpenArtifact re-opens the saved artifact of the track being entered.
	OpenArtifact func(to protocol.Mode, a protocol.Artifact)
	// Switched runs after a switch with the newly installed state.
	Switched func(from, to protocol.Mode, installed Snapshot)
}

// Multiplexer owns the live track and the saved snapshots.
type Multiplexer struct {
	mu        sync.Mutex
	live      *Snapshot
	snapshots map[protocol.Mode]*Snapshot
	visited   map[protocol.Mode]bool
	seeding   map[protocol.Mode]bool
	hooks     Hooks
	logger    *slog.Logger

	wg sync.WaitGroup
}

// New creates a multiplexer whose live track is initial.
func New(initial protocol.Mode, hooks Hooks) *Multiplexer {
	if initial == "" {
		initial = protocol.ModeWorkflow
	}
	return &Multiplexer{
		live:      &Snapshot{Mode: initial},
		snapshots: make(map[protocol.Mode]*Snapshot),
		visited:   map[protocol.Mode]bool{initial: true},
		seeding:   make(map[protocol.Mode]bool),
		hooks:     hooks,
		logger:    logging.Mode(),
	}
}

// Reset drops every message, snapshot and artifact while keeping the live
// mode. Used when the backend history was lost and is replayed from the
// start.
func (m *Multiplexer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live = &Snapshot{Mode: m.live.Mode}
	m.snapshots = make(map[protocol.Mode]*Snapshot)
	m.visited = map[protocol.Mode]bool{m.live.Mode: true}
}

// Wait blocks until every background track load has finished.
func (m *Multiplexer) Wait() {
	m.wg.Wait()
}

// Current returns the live mode.
func (m *Multiplexer) Current() protocol.Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live.Mode
}

// Messages returns a copy of the live track's messages.
func (m *Multiplexer) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.live.Messages...)
}

// Live returns a copy of the live track.
func (m *Multiplexer) Live() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live.clone()
}

// Saved returns the snapshot last taken when leaving mode.
func (m *Multiplexer) Saved(mode protocol.Mode) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[mode]
	if !ok {
		return Snapshot{}, false
	}
	return s.clone(), true
}

// trackLocked returns the track of target, creating a saved one if the
// mode was never seen. An empty target is the live track.
func (m *Multiplexer) trackLocked(target protocol.Mode) (*Snapshot, bool) {
	if target == "" || target == m.live.Mode {
		return m.live, true
	}
	t, ok := m.snapshots[target]
	if !ok {
		t = &Snapshot{Mode: target}
		m.snapshots[target] = t
	}
	return t, false
}

// Append adds msg to its track. A sequenced message already present, for
// instance from a seeded transcript, is not added again. It reports
// whether msg went to the live track.
func (m *Multiplexer) Append(msg Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, live := m.trackLocked(msg.Mode)
	if t.findSeq(msg.Seq) != nil {
		return live
	}
	t.Messages = append(t.Messages, msg)
	return live
}

// AppendChunk adds streamed text. Consecutive chunks from the same sender
// extend one streaming message. It returns the updated message and whether
// it belongs to the live track.
func (m *Multiplexer) AppendChunk(msg Message) (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, live := m.trackLocked(msg.Mode)
	if last := t.lastStreaming(msg.Sender); last != nil {
		last.Content += msg.Content
		last.Seq = msg.Seq
		return *last, live
	}
	msg.Streaming = true
	t.Messages = append(t.Messages, msg)
	return msg, live
}

// Finalize completes a message. If a streaming message from the same sender
// is open in its track it is replaced in place, otherwise msg is appended.
// It reports whether the message belongs to the live track.
func (m *Multiplexer) Finalize(msg Message) (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, live := m.trackLocked(msg.Mode)
	msg.Streaming = false
	if existing := t.findSeq(msg.Seq); existing != nil {
		found := *existing
		if t.lastStreaming(msg.Sender) != nil {
			t.Messages = t.Messages[:len(t.Messages)-1]
		}
		return found, live
	}
	if last := t.lastStreaming(msg.Sender); last != nil {
		*last = msg
		return msg, live
	}
	t.Messages = append(t.Messages, msg)
	return msg, live
}

// DropStreaming removes the open streaming message of sender in the track
// of mode, if any.
func (m *Multiplexer) DropStreaming(mode protocol.Mode, sender string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, _ := m.trackLocked(mode)
	if t.lastStreaming(sender) == nil {
		return false
	}
	t.Messages = t.Messages[:len(t.Messages)-1]
	return true
}

// SetArtifact records the open artifact of the live track.
func (m *Multiplexer) SetArtifact(a protocol.Artifact) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live.Artifact = &a
}

// ClearArtifact closes the live artifact if corr matches, or any artifact
// when corr is empty. A saved track holding corr forgets it too, so it is
// not re-opened on the next visit. It reports whether the live view was
// closed.
func (m *Multiplexer) ClearArtifact(corr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if corr != "" {
		for _, t := range m.snapshots {
			if t.Artifact != nil && t.Artifact.CorrelationID == corr {
				t.Artifact = nil
			}
		}
	}
	if m.live.Artifact == nil {
		return false
	}
	if corr != "" && m.live.Artifact.CorrelationID != corr {
		return false
	}
	m.live.Artifact = nil
	return true
}

// Artifact returns the open artifact of the live track.
func (m *Multiplexer) Artifact() *protocol.Artifact {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live.Artifact == nil {
		return nil
	}
	a := *m.live.Artifact
	return &a
}

// SwitchTo makes target the live track. Switching to the live mode is a
// no-op. Client switches are announced through Hooks.Notify first and are
// abandoned if that fails. A first visit loads the track through
// Hooks.Seed in the background.
func (m *Multiplexer) SwitchTo(ctx context.Context, target protocol.Mode, origin Origin) error {
	if _, err := protocol.ParseMode(string(target)); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.live.Mode
	if from == target {
		return nil
	}

	if origin == OriginClient && m.hooks.Notify != nil {
		if err := m.hooks.Notify(ctx, target); err != nil {
			return fmt.Errorf("announce mode switch: %w", err)
		}
	}

	outgoing := m.live
	// Drafts nobody can route back here would stay half written.
	outgoing.dropUnroutedDrafts()
	m.snapshots[from] = outgoing
	if outgoing.Artifact != nil && m.hooks.CloseArtifact != nil {
		m.hooks.CloseArtifact(from, *outgoing.Artifact)
	}

	incoming, ok := m.snapshots[target]
	if !ok {
		incoming = &Snapshot{Mode: target}
	}
	delete(m.snapshots, target)
	m.live = incoming

	if !m.visited[target] {
		if m.hooks.Seed == nil {
			m.visited[target] = true
		} else if !m.seeding[target] {
			m.seeding[target] = true
			m.wg.Add(1)
			go m.seed(ctx, target)
		}
	}

	if m.live.Artifact != nil && m.hooks.OpenArtifact != nil {
		m.hooks.OpenArtifact(target, *m.live.Artifact)
	}

	m.logger.Info("mode switched", "from", from, "to", target, "origin", origin,
		"messages", len(m.live.Messages), "artifact", m.live.Artifact != nil)

	if m.hooks.Switched != nil {
		m.hooks.Switched(from, target, m.live.clone())
	}
	return nil
}

// seed loads the first messages of target and merges them in front of
// whatever reached the track in the meantime.
func (m *Multiplexer) seed(ctx context.Context, target protocol.Mode) {
	defer m.wg.Done()

	seeded, err := m.hooks.Seed(ctx, target)

	m.mu.Lock()
	m.seeding[target] = false
	if err != nil {
		m.mu.Unlock()
		// Left unvisited so the next switch tries again.
		m.logger.Warn("failed to seed track", "mode", target, "error", err)
		return
	}
	m.visited[target] = true
	t, live := m.trackLocked(target)
	t.Messages = merge(seeded, t.Messages)
	var installed Snapshot
	if live {
		installed = t.clone()
	}
	m.mu.Unlock()

	m.logger.Debug("track seeded", "mode", target, "messages", len(seeded))
	if live && m.hooks.Seeded != nil {
		m.hooks.Seeded(target, installed)
	}
}

// merge returns seeded followed by the messages of current it does not
// already contain.
func merge(seeded, current []Message) []Message {
	if len(seeded) == 0 {
		return current
	}
	have := make(map[int64]bool, len(seeded))
	out := make([]Message, 0, len(seeded)+len(current))
	for _, msg := range seeded {
		if msg.Seq > 0 {
			have[msg.Seq] = true
		}
		out = append(out, msg)
	}
	for _, msg := range current {
		if msg.Seq > 0 && have[msg.Seq] && !msg.Streaming {
			continue
		}
		out = append(out, msg)
	}
	return out
}
