package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/inercia/chatwire/internal/artifact"
	"github.com/inercia/chatwire/internal/clientstate"
	"github.com/inercia/chatwire/internal/conversion"
	"github.com/inercia/chatwire/internal/correlation"
	"github.com/inercia/chatwire/internal/filter"
	"github.com/inercia/chatwire/internal/logging"
	"github.com/inercia/chatwire/internal/mode"
	"github.com/inercia/chatwire/internal/protocol"
	"github.com/inercia/chatwire/internal/sequence"
	"github.com/inercia/chatwire/internal/transport"
)

// ErrSessionClosed is returned by operations on a closed session.
var ErrSessionClosed = errors.New("session closed")

// DefaultMaxResumeStalls is how many consecutive stalled resumes are
// retried by reconnecting before the session gives up.
const DefaultMaxResumeStalls = 3

// SessionCallbacks contains callbacks for session events. Except where
// noted they are invoked from the connection goroutine, one at a time, and
// must not block.
type SessionCallbacks struct {
	// OnStatus is called when the connection status changes.
	OnStatus func(status transport.Status, err error)

	// OnMeta is called for every chat_meta envelope, after it was applied.
	OnMeta func(meta protocol.ChatMeta)

	// OnMessage is called when a message record of the live track is
	// added or updated. Streaming records are reported on every chunk.
	OnMessage func(msg mode.Message)

	// OnToolCall is called when the backend asks for a tool surface. Answer
	// awaited calls with Session.RespondToTool.
	OnToolCall func(call protocol.ToolCall)

	// OnToolCallFailed is called, from the goroutine awaiting the call, when
	// an awaited tool call ends without an answer (connection lost, timeout,
	// send failure). Calls withdrawn by the backend are reported through
	// OnToolCallClosed instead.
	OnToolCallFailed func(corr string, err error)

	// OnToolCallClosed is called when the backend completes or dismisses a
	// tool call.
	OnToolCallClosed func(corr string)

	// OnArtifact is called when an artifact view should open. restored is
	// true when it was not produced by a live tool call.
	OnArtifact func(a protocol.Artifact, restored bool)

	// OnArtifactClosed is called when the open artifact view should close.
	OnArtifactClosed func(corr string)

	// OnInputRequest is called when the backend asks for text input.
	OnInputRequest func(req protocol.InputRequest)

	// OnModeChanged is called after the live track changed.
	OnModeChanged func(from, to protocol.Mode, installed mode.Snapshot)

	// OnTrackLoaded is called when the earlier messages of the live track
	// finished loading after its first visit.
	OnTrackLoaded func(m protocol.Mode, installed mode.Snapshot)

	// OnHistoryReset is called when the backend lost the history the client
	// had seen and all tracks were cleared before replaying from the start.
	OnHistoryReset func()

	// OnError is called for chat.error envelopes.
	OnError func(e protocol.Error)
}

// SessionOptions configures a Session.
type SessionOptions struct {
	// AppID and WorkflowID identify the chat for the existence check. When
	// both are set, Connect asks the backend whether the chat existed before
	// allowing a cached artifact to be restored.
	AppID      string
	WorkflowID string

	// State persists the sequence position, cache token and artifact.
	// Defaults to an in-memory store.
	State clientstate.Store

	// Filters hides messages from the presentation layer. Optional.
	Filters *filter.Set

	// Converter renders message HTML. Optional.
	Converter *conversion.Converter

	ResumeTimeout   time.Duration
	MaxResumeStalls int
	ToolCallTimeout time.Duration

	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	AttemptsPerMinute     int
}

// Info is a point-in-time view of a session.
type Info struct {
	ChatID      string
	Status      transport.Status
	Mode        protocol.Mode
	LastSeq     int64
	ResumeState sequence.State
	PendingCall int
	CacheToken  string
	// ChatExisted is nil until the first chat_meta arrives.
	ChatExisted *bool
}

// dispatchedKey carries the channel closed once an awaited tool call has
// been handed to OnToolCall.
type dispatchedKey struct{}

// Session is a live, self-healing connection to one chat.
type Session struct {
	chatID string
	client *Client
	opts   SessionOptions
	cb     SessionCallbacks
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	channel   *transport.Channel
	state     clientstate.Store
	ownsState bool
	coord     *sequence.Coordinator
	registry  *correlation.Registry
	mux       *mode.Multiplexer
	artifacts *artifact.Store

	mu            sync.Mutex
	closed        bool
	cacheToken    string
	existed       *bool
	precheck      *bool
	lastUserInput string
	pendingInput  string
	deferred      []func()

	readyOnce sync.Once
	ready     chan struct{}
}

// Connect opens a session for chatID. It returns once the session is set
// up; the connection itself is established in the background. Use
// WaitReady to wait for the first chat_meta.
func (c *Client) Connect(ctx context.Context, chatID string, opts SessionOptions, callbacks SessionCallbacks) (*Session, error) {
	if chatID == "" {
		return nil, errors.New("chat id is required")
	}
	wsURL, err := c.chatWebSocketURL(chatID)
	if err != nil {
		return nil, err
	}
	if opts.MaxResumeStalls <= 0 {
		opts.MaxResumeStalls = DefaultMaxResumeStalls
	}

	s := &Session{
		chatID: chatID,
		client: c,
		opts:   opts,
		cb:     callbacks,
		logger: logging.WithChat(logging.Client(), chatID),
		state:  opts.State,
		ready:  make(chan struct{}),
	}
	if s.state == nil {
		s.state = clientstate.NewMemoryStore()
		s.ownsState = true
	}

	token, err := s.state.CacheToken(chatID)
	if err != nil {
		s.logger.Warn("failed to load cache token", "error", err)
	}
	s.cacheToken = token

	if opts.AppID != "" && opts.WorkflowID != "" {
		exists, err := c.ChatExists(ctx, opts.AppID, opts.WorkflowID, chatID)
		if err != nil {
			// chat_meta alone decides; the backend reports existence there too.
			s.logger.Warn("chat existence check failed", "error", err)
		} else {
			s.precheck = &exists
		}
	}

	tracker, err := sequence.NewTracker(chatID, s.state)
	if err != nil {
		return nil, err
	}

	s.channel = transport.New(transport.Options{
		URL:               wsURL,
		Token:             c.token,
		InitialDelay:      opts.ReconnectInitialDelay,
		MaxDelay:          opts.ReconnectMaxDelay,
		AttemptsPerMinute: opts.AttemptsPerMinute,
		Logger:            logging.WithChat(logging.Transport(), chatID),
	}, transport.Callbacks{
		OnMessage: s.handleEnvelope,
		OnClose:   s.handleClose,
		OnStatus:  s.handleStatus,
	})

	s.coord = sequence.NewCoordinator(tracker, sequence.CoordinatorOptions{
		Send:       s.channel.Send,
		CacheToken: s.currentCacheToken,
		Timeout:    opts.ResumeTimeout,
		OnStalled:  s.handleStalled,
		OnReset:    s.handleHistoryReset,
	})

	var regOpts []correlation.Option
	if opts.ToolCallTimeout > 0 {
		regOpts = append(regOpts, correlation.WithTimeout(opts.ToolCallTimeout))
	}
	regOpts = append(regOpts, correlation.WithLogger(logging.WithChat(logging.Correlation(), chatID)))
	s.registry = correlation.New(s.dispatchToolCall, regOpts...)

	s.mux = mode.New(protocol.ModeWorkflow, mode.Hooks{
		Notify:        s.notifyModeSwitch,
		Seed:          s.seedTrack,
		Seeded:        s.onSeeded,
		CloseArtifact: s.onCloseArtifactView,
		OpenArtifact:  s.onOpenArtifactView,
		Switched:      s.onSwitched,
	})
	s.artifacts = artifact.New(s.state)

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.channel.Start(s.ctx)
	return s, nil
}

// ChatID returns the chat this session is attached to.
func (s *Session) ChatID() string {
	return s.chatID
}

// WaitReady blocks until the first chat_meta was processed or ctx is done.
func (s *Session) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the connection status.
func (s *Session) Status() transport.Status {
	return s.channel.Status()
}

// Mode returns the live mode.
func (s *Session) Mode() protocol.Mode {
	return s.mux.Current()
}

// Messages returns the message records of the live track.
func (s *Session) Messages() []mode.Message {
	return s.mux.Messages()
}

// Artifact returns the open artifact of the live track, if any.
func (s *Session) Artifact() *protocol.Artifact {
	return s.mux.Artifact()
}

// PendingToolCalls returns the awaited tool calls, oldest first.
func (s *Session) PendingToolCalls() []protocol.ToolCall {
	return s.registry.Pending()
}

// Info returns a snapshot of the session state.
func (s *Session) Info() Info {
	s.mu.Lock()
	info := Info{
		ChatID:     s.chatID,
		CacheToken: s.cacheToken,
	}
	if s.existed != nil {
		existed := *s.existed
		info.ChatExisted = &existed
	}
	s.mu.Unlock()

	info.Status = s.channel.Status()
	info.Mode = s.mux.Current()
	info.LastSeq = s.coord.Tracker().LastSeen()
	info.ResumeState = s.coord.State()
	info.PendingCall = len(s.registry.Pending())
	return info
}

// UpdateFilters replaces the presentation filters.
func (s *Session) UpdateFilters(f *filter.Set) {
	s.mu.Lock()
	s.opts.Filters = f
	s.mu.Unlock()
}

func (s *Session) filters() *filter.Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.Filters
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) currentCacheToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cacheToken
}

func (s *Session) send(msgType string, data any) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	env, err := protocol.New(msgType, data)
	if err != nil {
		return err
	}
	return s.channel.Send(env)
}

// SendInput sends free text to the backend.
func (s *Session) SendInput(text string) error {
	if err := s.send(protocol.TypeUserInput, protocol.UserInput{Text: text}); err != nil {
		return fmt.Errorf("send input: %w", err)
	}
	s.mu.Lock()
	s.lastUserInput = text
	s.mu.Unlock()
	return nil
}

// AnswerInput answers an input request. An empty requestID answers the
// most recent one.
func (s *Session) AnswerInput(requestID, text string) error {
	s.mu.Lock()
	if requestID == "" {
		requestID = s.pendingInput
	}
	s.mu.Unlock()
	if requestID == "" {
		return errors.New("no input request pending")
	}

	if err := s.send(protocol.TypeUserInput, protocol.UserInput{Text: text, RequestID: requestID}); err != nil {
		return fmt.Errorf("answer input: %w", err)
	}
	s.mu.Lock()
	if s.pendingInput == requestID {
		s.pendingInput = ""
	}
	s.mu.Unlock()
	return nil
}

// RespondToTool answers the tool call identified by corr. If nothing is
// awaiting corr, as for an artifact restored after a reload, the response
// is still sent but cannot be confirmed, and the returned error wraps
// correlation.ErrNoWaiter.
func (s *Session) RespondToTool(corr string, result protocol.ToolResult) error {
	if corr == "" {
		return errors.New("correlation id is required")
	}
	if result.Status == "" {
		result.Status = protocol.StatusSuccess
	}
	if s.isClosed() {
		return ErrSessionClosed
	}
	if s.registry.Resolve(corr, result) {
		return nil
	}

	if err := s.sendToolResponse(corr, result); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s (sent without confirmation)", correlation.ErrNoWaiter, corr)
}

func (s *Session) sendToolResponse(corr string, result protocol.ToolResult) error {
	err := s.send(protocol.TypeToolResponse, protocol.ToolResponse{CorrelationID: corr, Result: result})
	if err != nil {
		return fmt.Errorf("send tool response %s: %w", corr, err)
	}
	if err := s.artifacts.MarkCompleted(s.chatID, corr); err != nil {
		s.logger.Warn("failed to mark artifact completed", "corr", corr, "error", err)
	}
	return nil
}

// SwitchMode switches the live track and tells the backend. Earlier
// messages of a track visited for the first time load in the background;
// OnTrackLoaded reports them.
func (s *Session) SwitchMode(ctx context.Context, target protocol.Mode) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.mux.SwitchTo(s.ctx, target, mode.OriginClient)
	s.flushDeferred()
	return err
}

// Retry re-enables reconnects after the session gave up on a stalled
// resume.
func (s *Session) Retry() {
	s.coord.ResetStalls()
	s.channel.Retry()
}

// Close closes the connection. Outstanding tool calls are rejected with
// correlation.ErrConnectionLost.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.channel.Close()
	s.cancel()
	s.coord.Abort()
	s.registry.RejectAll(correlation.ErrConnectionLost)

	if s.ownsState {
		if cerr := s.state.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// later queues fn to run after the multiplexer lock is released.
func (s *Session) later(fn func()) {
	s.mu.Lock()
	s.deferred = append(s.deferred, fn)
	s.mu.Unlock()
}

func (s *Session) flushDeferred() {
	s.mu.Lock()
	fns := s.deferred
	s.deferred = nil
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
