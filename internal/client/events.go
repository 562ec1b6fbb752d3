package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/inercia/chatwire/internal/artifact"
	"github.com/inercia/chatwire/internal/correlation"
	"github.com/inercia/chatwire/internal/filter"
	"github.com/inercia/chatwire/internal/mode"
	"github.com/inercia/chatwire/internal/protocol"
	"github.com/inercia/chatwire/internal/sequence"
	"github.com/inercia/chatwire/internal/transport"
)

// handleEnvelope is the single entry point for inbound envelopes. It runs
// on the connection goroutine.
func (s *Session) handleEnvelope(env protocol.Envelope) {
	if env.Type == protocol.TypeChatMeta {
		s.handleChatMeta(env)
		return
	}
	if !s.coord.Process(env) {
		return
	}

	var err error
	switch env.Type {
	case protocol.TypeText:
		err = s.handleText(env)
	case protocol.TypePrint:
		err = s.handlePrint(env)
	case protocol.TypeToolCall:
		err = s.handleToolCall(env)
	case protocol.TypeToolResponse, protocol.TypeToolComplete:
		err = s.handleToolFinished(env)
	case protocol.TypeToolDismiss:
		err = s.handleToolDismiss(env)
	case protocol.TypeInputRequest:
		err = s.handleInputRequest(env)
	case protocol.TypeSpeakerSelected:
		s.handleSpeakerSelected()
	case protocol.TypeModeChanged:
		err = s.handleModeChanged(env)
	case protocol.TypeError:
		var e protocol.Error
		if err = env.Decode(&e); err == nil {
			s.logger.Warn("backend error", "message", e.Message, "code", e.Code)
			if s.cb.OnError != nil {
				s.cb.OnError(e)
			}
		}
	default:
		s.logger.Debug("ignoring envelope", "type", env.Type)
	}
	if err != nil {
		s.logger.Warn("failed to handle envelope", "type", env.Type, "seq", env.SeqValue(), "error", err)
	}
}

func (s *Session) handleChatMeta(env protocol.Envelope) {
	var meta protocol.ChatMeta
	if err := env.Decode(&meta); err != nil {
		s.logger.Warn("malformed chat_meta", "error", err)
		return
	}

	s.mu.Lock()
	previousToken := s.cacheToken
	precheck := s.precheck
	s.precheck = nil
	existed := meta.ChatExists
	s.existed = &existed
	s.mu.Unlock()

	tracker := s.coord.Tracker()
	if meta.ChatExists {
		// A fresh device has no position and loads the history from 0.
		reason := "reconnect"
		if tracker.LastSeen() == 0 {
			reason = "history"
		}
		if err := s.coord.Resume(reason); err != nil && !errors.Is(err, sequence.ErrResumeInProgress) {
			s.logger.Warn("failed to request resume", "error", err)
		}
	} else {
		// The identifier was reused for a new chat; nothing cached applies.
		if err := s.state.Clear(s.chatID); err != nil {
			s.logger.Warn("failed to clear state of new chat", "error", err)
		}
		if err := tracker.Reset(0); err != nil {
			s.logger.Warn("failed to reset sequence state", "error", err)
		}
	}

	if meta.CacheToken != "" {
		if previousToken != "" && previousToken != meta.CacheToken {
			s.logger.Info("backend cache token changed", "previous", previousToken, "current", meta.CacheToken)
		}
		s.mu.Lock()
		s.cacheToken = meta.CacheToken
		s.mu.Unlock()
		if err := s.state.SetCacheToken(s.chatID, meta.CacheToken); err != nil {
			s.logger.Warn("failed to persist cache token", "error", err)
		}
	}

	// The independent existence check, when it ran, must agree before a
	// cached artifact is trusted.
	restorable := meta.ChatExists && (precheck == nil || *precheck)
	if err := s.artifacts.MarkChatExistence(s.chatID, restorable); err != nil {
		s.logger.Warn("failed to record chat existence", "error", err)
	}
	if restorable {
		s.restoreArtifact(meta.LastArtifact)
	}

	if meta.Mode != "" && meta.Mode != s.mux.Current() {
		if err := s.mux.SwitchTo(s.ctx, meta.Mode, mode.OriginServer); err != nil {
			s.logger.Warn("failed to follow backend mode", "mode", meta.Mode, "error", err)
		}
		s.flushDeferred()
	}

	s.logger.Debug("chat meta applied", "chat_exists", meta.ChatExists,
		"server_last_seq", meta.LastSeq, "local_last_seq", tracker.LastSeen())

	if s.cb.OnMeta != nil {
		s.cb.OnMeta(meta)
	}
	s.readyOnce.Do(func() { close(s.ready) })
}

// restoreArtifact reopens the cached artifact, seeding the cache from the
// backend's copy when nothing is cached locally.
func (s *Session) restoreArtifact(fromServer *protocol.Artifact) {
	if fromServer != nil {
		if _, err := s.artifacts.Cached(s.chatID); err != nil {
			if err := s.artifacts.Capture(s.chatID, *fromServer); err != nil {
				s.logger.Warn("failed to capture backend artifact", "error", err)
			}
		}
	}

	a, err := s.artifacts.Restore(s.chatID)
	if err != nil {
		s.logger.Warn("artifact restore refused", "error", err)
		return
	}
	if a == nil {
		return
	}
	if open := s.mux.Artifact(); open != nil && open.CorrelationID == a.CorrelationID {
		return
	}
	s.mux.SetArtifact(*a)
	if s.cb.OnArtifact != nil {
		s.cb.OnArtifact(*a, true)
	}
}

func (s *Session) render(msg *mode.Message) {
	s.opts.Converter.Render(msg)
}

func (s *Session) suppressed(env protocol.Envelope, m protocol.Mode, role, sender, content string) bool {
	f := s.filters()
	if f == nil {
		return false
	}
	if m == "" {
		m = s.mux.Current()
	}
	s.mu.Lock()
	last := s.lastUserInput
	s.mu.Unlock()
	return f.Suppress(filter.Input{
		Text:          content,
		Sender:        sender,
		Role:          role,
		Seq:           env.SeqValue(),
		Mode:          string(m),
		LastUserInput: last,
	})
}

// handleText completes a message in the track of the mode it was produced
// in. Only messages of the live track are reported.
func (s *Session) handleText(env protocol.Envelope) error {
	var t protocol.Text
	if err := env.Decode(&t); err != nil {
		return err
	}
	role := t.Role
	if role == "" {
		role = mode.RoleAssistant
	}
	if s.suppressed(env, t.Mode, role, t.Sender, t.Content) {
		s.mux.DropStreaming(t.Mode, t.Sender)
		return nil
	}

	msg := mode.Message{
		Seq:     env.SeqValue(),
		Role:    role,
		Sender:  t.Sender,
		Content: t.Content,
		Time:    env.Time(),
		Mode:    t.Mode,
	}
	s.render(&msg)
	msg, live := s.mux.Finalize(msg)
	if live && s.cb.OnMessage != nil {
		s.cb.OnMessage(msg)
	}
	return nil
}

func (s *Session) handlePrint(env protocol.Envelope) error {
	var p protocol.Print
	if err := env.Decode(&p); err != nil {
		return err
	}
	msg, live := s.mux.AppendChunk(mode.Message{
		Seq:     env.SeqValue(),
		Role:    mode.RoleAssistant,
		Sender:  p.Sender,
		Content: p.Content,
		Time:    env.Time(),
		Mode:    p.Mode,
	})
	if !live {
		return nil
	}
	s.render(&msg)
	if s.cb.OnMessage != nil {
		s.cb.OnMessage(msg)
	}
	return nil
}

func (s *Session) handleToolCall(env protocol.Envelope) error {
	var call protocol.ToolCall
	if err := env.Decode(&call); err != nil {
		return err
	}

	if artifact.Capturable(call) {
		a := call.Artifact()
		if err := s.artifacts.Capture(s.chatID, a); err != nil {
			s.logger.Warn("failed to capture artifact", "corr", a.CorrelationID, "error", err)
		}
		if a.DisplayMode != protocol.DisplayInline {
			s.mux.SetArtifact(a)
			if s.cb.OnArtifact != nil {
				s.cb.OnArtifact(a, false)
			}
		}
	}

	if !call.AwaitingResponse || call.CorrelationID == "" {
		if s.cb.OnToolCall != nil {
			s.cb.OnToolCall(call)
		}
		return nil
	}

	s.awaitToolCall(call)
	return nil
}

// awaitToolCall registers call and waits in the background for the user's
// answer. It returns once the call was handed to OnToolCall so callbacks
// keep their order.
func (s *Session) awaitToolCall(call protocol.ToolCall) {
	dispatched := make(chan struct{})
	finished := make(chan struct{})
	ctx := context.WithValue(s.ctx, dispatchedKey{}, dispatched)

	go func() {
		defer close(finished)
		result, err := s.registry.Await(ctx, call)
		if err == nil {
			err = s.sendToolResponse(call.CorrelationID, result)
		}
		if err == nil || errors.Is(err, correlation.ErrDismissed) {
			return
		}
		s.logger.Info("tool call failed", "corr", call.CorrelationID, "tool", call.ToolName, "error", err)
		if s.cb.OnToolCallFailed != nil {
			s.cb.OnToolCallFailed(call.CorrelationID, err)
		}
	}()

	select {
	case <-dispatched:
	case <-finished:
	}
}

func (s *Session) dispatchToolCall(ctx context.Context, call protocol.ToolCall) error {
	if s.cb.OnToolCall != nil {
		s.cb.OnToolCall(call)
	}
	if ch, ok := ctx.Value(dispatchedKey{}).(chan struct{}); ok {
		close(ch)
	}
	return nil
}

func (s *Session) decodeSignal(env protocol.Envelope) (string, error) {
	var sig protocol.ToolSignal
	if err := env.Decode(&sig); err != nil {
		return "", err
	}
	if sig.CorrelationID == "" {
		return "", fmt.Errorf("%s without correlation id", env.Type)
	}
	return sig.CorrelationID, nil
}

// handleToolFinished handles completion and the echo of an accepted
// response. A waiter still open here was answered elsewhere. The view
// closes while the cached entry stays, marked completed.
func (s *Session) handleToolFinished(env protocol.Envelope) error {
	corr, err := s.decodeSignal(env)
	if err != nil {
		return err
	}
	s.registry.Clear(corr)
	if err := s.artifacts.MarkCompleted(s.chatID, corr); err != nil {
		s.logger.Warn("failed to mark artifact completed", "corr", corr, "error", err)
	}
	if s.mux.ClearArtifact(corr) && s.cb.OnArtifactClosed != nil {
		s.cb.OnArtifactClosed(corr)
	}
	if s.cb.OnToolCallClosed != nil {
		s.cb.OnToolCallClosed(corr)
	}
	return nil
}

func (s *Session) handleToolDismiss(env protocol.Envelope) error {
	corr, err := s.decodeSignal(env)
	if err != nil {
		return err
	}
	s.registry.Clear(corr)
	if _, err := s.artifacts.Dismiss(s.chatID, corr); err != nil {
		s.logger.Warn("failed to drop dismissed artifact", "corr", corr, "error", err)
	}
	if s.mux.ClearArtifact(corr) && s.cb.OnArtifactClosed != nil {
		s.cb.OnArtifactClosed(corr)
	}
	if s.cb.OnToolCallClosed != nil {
		s.cb.OnToolCallClosed(corr)
	}
	return nil
}

func (s *Session) handleInputRequest(env protocol.Envelope) error {
	var req protocol.InputRequest
	if err := env.Decode(&req); err != nil {
		return err
	}
	s.mu.Lock()
	s.pendingInput = req.RequestID
	s.mu.Unlock()
	if s.cb.OnInputRequest != nil {
		s.cb.OnInputRequest(req)
	}
	return nil
}

// handleSpeakerSelected starts a new turn. An artifact whose interaction
// never completed is dropped.
func (s *Session) handleSpeakerSelected() {
	dropped, err := s.artifacts.OnNewTurn(s.chatID)
	if err != nil {
		s.logger.Warn("failed to expire artifact on new turn", "error", err)
		return
	}
	if !dropped {
		return
	}
	open := s.mux.Artifact()
	if open == nil {
		return
	}
	if s.registry.Has(open.CorrelationID) {
		// Still awaited; the view stays until the call resolves.
		return
	}
	s.mux.ClearArtifact(open.CorrelationID)
	if s.cb.OnArtifactClosed != nil {
		s.cb.OnArtifactClosed(open.CorrelationID)
	}
}

func (s *Session) handleModeChanged(env protocol.Envelope) error {
	var mc protocol.ModeChanged
	if err := env.Decode(&mc); err != nil {
		return err
	}
	err := s.mux.SwitchTo(s.ctx, mc.Mode, mode.OriginServer)
	s.flushDeferred()
	return err
}

func (s *Session) handleClose(err error) {
	s.coord.Abort()
	if n := s.registry.RejectAll(correlation.ErrConnectionLost); n > 0 {
		s.logger.Info("rejected pending tool calls", "count", n, "error", err)
	}
}

func (s *Session) handleStatus(status transport.Status, err error) {
	if s.cb.OnStatus != nil {
		s.cb.OnStatus(status, err)
	}
}

func (s *Session) handleStalled(consecutive int) {
	if consecutive > s.opts.MaxResumeStalls {
		s.channel.Suspend(fmt.Errorf("%w: %d consecutive attempts", sequence.ErrResumeStalled, consecutive))
		return
	}
	s.channel.Reconnect()
}

func (s *Session) handleHistoryReset() {
	s.mux.Reset()
	if s.cb.OnHistoryReset != nil {
		s.cb.OnHistoryReset()
	}
}

func (s *Session) notifyModeSwitch(_ context.Context, target protocol.Mode) error {
	return s.send(protocol.TypeModeSwitch, protocol.ModeSwitch{Mode: target})
}

// seedTrack loads the ask transcript on the first visit of that track.
func (s *Session) seedTrack(ctx context.Context, target protocol.Mode) ([]mode.Message, error) {
	if target != protocol.ModeAsk || s.client == nil {
		return nil, nil
	}
	entries, err := s.client.FetchTranscript(ctx, s.chatID, target)
	if err != nil {
		return nil, err
	}
	msgs := make([]mode.Message, 0, len(entries))
	for _, e := range entries {
		msg := mode.Message{
			Seq:     e.Seq,
			Role:    e.Role,
			Sender:  e.Sender,
			Content: e.Content,
			Time:    protocol.Envelope{Timestamp: e.Timestamp}.Time(),
			Mode:    target,
		}
		s.render(&msg)
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (s *Session) onCloseArtifactView(_ protocol.Mode, a protocol.Artifact) {
	if s.cb.OnArtifactClosed != nil {
		s.later(func() { s.cb.OnArtifactClosed(a.CorrelationID) })
	}
}

func (s *Session) onOpenArtifactView(_ protocol.Mode, a protocol.Artifact) {
	if s.cb.OnArtifact != nil {
		s.later(func() { s.cb.OnArtifact(a, true) })
	}
}

func (s *Session) onSeeded(target protocol.Mode, installed mode.Snapshot) {
	if s.cb.OnTrackLoaded != nil {
		s.cb.OnTrackLoaded(target, installed)
	}
}

func (s *Session) onSwitched(from, to protocol.Mode, installed mode.Snapshot) {
	if s.cb.OnModeChanged != nil {
		s.later(func() { s.cb.OnModeChanged(from, to, installed) })
	}
}
