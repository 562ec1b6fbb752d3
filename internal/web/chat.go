package web

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/inercia/chatwire/internal/correlation"
	"github.com/inercia/chatwire/internal/logging"
	"github.com/inercia/chatwire/internal/protocol"
)

// chat is the server side of one conversation: its event log, the state
// derived from it, the connections attached to it and the tool calls the
// agent is waiting on.
//
// mu orders every append with its broadcast, and a replay with the live
// events that follow it, so each connection sees seqs in order.
type chat struct {
	id     string
	token  string
	log    Log
	tools  *correlation.Registry
	logger *slog.Logger

	mu          sync.Mutex
	known       bool
	mode        protocol.Mode
	artifact    *protocol.Artifact
	transcripts map[protocol.Mode][]protocol.TranscriptEntry
	conns       map[*chatConn]bool // value: receives live events

	// turnMu runs one agent turn at a time.
	turnMu sync.Mutex
}

func newChat(id string, log Log, opts []correlation.Option, logger *slog.Logger) (*chat, error) {
	c := &chat{
		id: id,
		// A new token per process tells clients their cached view predates
		// this server instance.
		token:       uuid.NewString(),
		log:         log,
		logger:      logging.WithChat(logger, id),
		mode:        protocol.ModeWorkflow,
		transcripts: make(map[protocol.Mode][]protocol.TranscriptEntry),
		conns:       make(map[*chatConn]bool),
	}
	opts = append([]correlation.Option{
		correlation.WithLogger(logging.WithChat(logging.Correlation(), id)),
	}, opts...)
	c.tools = correlation.New(c.dispatchToolCall, opts...)

	history, err := log.Since(0)
	if err != nil {
		return nil, fmt.Errorf("read history of %s: %w", id, err)
	}
	for _, env := range history {
		c.apply(env)
	}
	c.known = len(history) > 0
	return c, nil
}

// exists reports whether the chat has been used before.
func (c *chat) exists() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.known
}

func (c *chat) currentMode() protocol.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *chat) transcript(m protocol.Mode) []protocol.TranscriptEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.TranscriptEntry, len(c.transcripts[m]))
	copy(out, c.transcripts[m])
	return out
}

// attach registers cc and queues its chat_meta. A connection to a chat
// that already has history receives live events only after its first
// resume; a connection to a new chat receives them at once.
func (c *chat) attach(cc *chatConn) protocol.ChatMeta {
	c.mu.Lock()
	defer c.mu.Unlock()

	meta := protocol.ChatMeta{
		CacheToken: c.token,
		ChatExists: c.known,
		Mode:       c.mode,
		LastSeq:    c.log.LastSeq(),
	}
	if c.artifact != nil {
		a := *c.artifact
		meta.LastArtifact = &a
	}
	c.known = true
	c.conns[cc] = !meta.ChatExists
	cc.ws.SendMessage(protocol.TypeChatMeta, meta)
	return meta
}

// detach removes cc. When the last connection goes, the agent's pending
// tool calls fail with correlation.ErrConnectionLost.
func (c *chat) detach(cc *chatConn) {
	c.mu.Lock()
	delete(c.conns, cc)
	remaining := len(c.conns)
	c.mu.Unlock()

	if remaining == 0 {
		c.tools.RejectAll(correlation.ErrConnectionLost)
	}
}

// emit appends a sequenced event and broadcasts it to live connections.
// Text and print events are stamped with the mode the chat is in.
func (c *chat) emit(msgType string, data any) (protocol.Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch d := data.(type) {
	case protocol.Text:
		if d.Mode == "" {
			d.Mode = c.mode
		}
		data = d
	case protocol.Print:
		if d.Mode == "" {
			d.Mode = c.mode
		}
		data = d
	}
	env, err := protocol.New(msgType, data)
	if err != nil {
		return env, err
	}

	stored, err := c.log.Append(env)
	if err != nil {
		return env, fmt.Errorf("append %s: %w", msgType, err)
	}
	c.apply(stored)

	frame, err := stored.Marshal()
	if err != nil {
		return stored, fmt.Errorf("marshal %s: %w", msgType, err)
	}
	for cc, live := range c.conns {
		if live && !cc.ws.SendRaw(frame) {
			cc.logger.Warn("send buffer full, client will resume", "seq", stored.SeqValue())
		}
	}
	return stored, nil
}

// broadcast sends an unsequenced envelope to every connection.
func (c *chat) broadcast(msgType string, data any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for cc := range c.conns {
		cc.ws.SendMessage(msgType, data)
	}
}

// replay sends cc the events after lastSeq followed by a resume boundary,
// then makes cc live. A lastSeq beyond the log means the client saw a
// history this log no longer has; it gets a reset boundary and no events.
func (c *chat) replay(ctx context.Context, cc *chatConn, lastSeq int64) (protocol.ResumeBoundary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	boundary := protocol.ResumeBoundary{LastSeq: c.log.LastSeq()}
	if lastSeq > boundary.LastSeq {
		boundary.Reset = true
	} else {
		events, err := c.log.Since(lastSeq)
		if err != nil {
			return boundary, fmt.Errorf("read history: %w", err)
		}
		for _, env := range events {
			frame, err := env.Marshal()
			if err != nil {
				return boundary, err
			}
			if err := cc.ws.SendRawWait(ctx, frame); err != nil {
				return boundary, err
			}
		}
		boundary.Replayed = len(events)
	}

	env, err := protocol.New(protocol.TypeResumeBoundary, boundary)
	if err != nil {
		return boundary, err
	}
	frame, err := env.Marshal()
	if err != nil {
		return boundary, err
	}
	if err := cc.ws.SendRawWait(ctx, frame); err != nil {
		return boundary, err
	}
	if _, ok := c.conns[cc]; ok {
		c.conns[cc] = true
	}
	return boundary, nil
}

// apply folds a stored event into the derived state. Called with mu held,
// or before the chat is shared.
func (c *chat) apply(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeModeChanged:
		var mc protocol.ModeChanged
		if err := env.Decode(&mc); err == nil {
			c.mode = mc.Mode
		}

	case protocol.TypeToolCall:
		var call protocol.ToolCall
		if err := env.Decode(&call); err != nil {
			return
		}
		if a := call.Artifact(); a.DisplayMode != protocol.DisplayInline {
			c.artifact = &a
		}

	case protocol.TypeToolComplete, protocol.TypeToolDismiss:
		var sig protocol.ToolSignal
		if err := env.Decode(&sig); err != nil {
			return
		}
		if c.artifact != nil && c.artifact.CorrelationID == sig.CorrelationID {
			c.artifact = nil
		}

	case protocol.TypeText:
		var text protocol.Text
		if err := env.Decode(&text); err != nil {
			return
		}
		m := text.Mode
		if m == "" {
			m = c.mode
		}
		c.transcripts[m] = append(c.transcripts[m], protocol.TranscriptEntry{
			Seq:       env.SeqValue(),
			Role:      text.Role,
			Sender:    text.Sender,
			Content:   text.Content,
			Timestamp: env.Timestamp,
		})
	}
}

func (c *chat) dispatchToolCall(_ context.Context, call protocol.ToolCall) error {
	_, err := c.emit(protocol.TypeToolCall, call)
	return err
}

func (c *chat) close() error {
	c.tools.RejectAll(correlation.ErrConnectionLost)
	return c.log.Close()
}
