package sequence

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/inercia/chatwire/internal/logging"
	"github.com/inercia/chatwire/internal/protocol"
)

var (
	// ErrResumeInProgress is returned by Resume while a previous resume has
	// not reached its boundary.
	ErrResumeInProgress = errors.New("resume already in progress")
	// ErrResumeStalled is reported when no boundary arrives in time.
	ErrResumeStalled = errors.New("resume stalled")
)

// State is the Coordinator state.
type State int

const (
	Idle State = iota
	ResumeRequested
	Replaying
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ResumeRequested:
		return "resume_requested"
	case Replaying:
		return "replaying"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DefaultResumeTimeout bounds the wait for a resume boundary.
const DefaultResumeTimeout = 10 * time.Second

// CoordinatorOptions configures a Coordinator.
type CoordinatorOptions struct {
	// Send transmits an outbound envelope. Required.
	Send func(protocol.Envelope) error
	// CacheToken returns the token to include in resume requests.
	CacheToken func() string
	// Timeout is how long to wait for the boundary. Defaults to
	// DefaultResumeTimeout.
	Timeout time.Duration
	// OnStalled is called, outside any lock, when a resume times out.
	// consecutive counts stalls since the last completed resume.
	OnStalled func(consecutive int)
	// OnReset is called after the backend reports that the requested
	// position is beyond its history and the tracker was reset.
	OnReset func()
}

// Coordinator runs the resume handshake for one chat. All inbound
// envelopes must pass through Process, which applies the Tracker verdict and
// the resume state machine and reports whether the envelope is delivered.
type Coordinator struct {
	mu      sync.Mutex
	tracker *Tracker
	opts    CoordinatorOptions
	state   State
	// gen identifies the current resume so stale timers are ignored.
	gen    uint64
	timer  *time.Timer
	stalls int
	logger *slog.Logger
}

// NewCoordinator creates an idle coordinator for tracker.
func NewCoordinator(tracker *Tracker, opts CoordinatorOptions) *Coordinator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultResumeTimeout
	}
	return &Coordinator{
		tracker: tracker,
		opts:    opts,
		logger:  logging.WithChat(logging.Sequence(), tracker.chatID),
	}
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Tracker returns the tracker this coordinator drives.
func (c *Coordinator) Tracker() *Tracker {
	return c.tracker
}

// Resume sends a resume request for everything after the tracker position.
// It returns ErrResumeInProgress if a resume is already outstanding.
func (c *Coordinator) Resume(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumeLocked(reason)
}

func (c *Coordinator) resumeLocked(reason string) error {
	if c.state != Idle {
		return ErrResumeInProgress
	}

	c.tracker.Anchor()
	req := protocol.ResumeRequest{LastSeq: c.tracker.LastSeen()}
	if c.opts.CacheToken != nil {
		req.CacheToken = c.opts.CacheToken()
	}
	env, err := protocol.New(protocol.TypeResumeRequest, req)
	if err != nil {
		return err
	}
	if err := c.opts.Send(env); err != nil {
		return fmt.Errorf("send resume request: %w", err)
	}

	c.state = ResumeRequested
	c.gen++
	gen := c.gen
	c.stopTimerLocked()
	c.timer = time.AfterFunc(c.opts.Timeout, func() { c.stalled(gen) })

	c.logger.Debug("resume requested", "reason", reason, "last_seq", req.LastSeq)
	return nil
}

// Process classifies env and updates the resume state. It returns true when
// env should be delivered to the rest of the pipeline.
func (c *Coordinator) Process(env protocol.Envelope) bool {
	if env.Type == protocol.TypeResumeBoundary {
		c.onBoundary(env)
		return false
	}

	verdict := c.tracker.Observe(env)

	c.mu.Lock()
	defer c.mu.Unlock()

	switch verdict {
	case Accept:
		if env.HasSeq() && c.state == ResumeRequested {
			c.state = Replaying
		}
		return true
	case Duplicate:
		c.logger.Debug("dropping duplicate envelope",
			"type", env.Type, "seq", env.SeqValue(), "last_seq", c.tracker.LastSeen())
		return false
	default:
		if c.state == Idle {
			c.logger.Info("sequence gap detected",
				"seq", env.SeqValue(), "last_seq", c.tracker.LastSeen())
			if err := c.resumeLocked("gap"); err != nil {
				c.logger.Warn("failed to request resume after gap", "error", err)
			}
		}
		return false
	}
}

func (c *Coordinator) onBoundary(env protocol.Envelope) {
	var b protocol.ResumeBoundary
	if len(env.Data) > 0 {
		if err := env.Decode(&b); err != nil {
			c.logger.Warn("malformed resume boundary", "error", err)
		}
	}

	c.mu.Lock()
	if c.state == Idle {
		c.mu.Unlock()
		c.logger.Debug("ignoring resume boundary while idle")
		return
	}

	c.stopTimerLocked()
	c.state = Idle
	c.stalls = 0

	if !b.Reset {
		c.mu.Unlock()
		c.logger.Debug("resume complete",
			"replayed", b.Replayed, "last_seq", c.tracker.LastSeen())
		return
	}

	c.logger.Info("backend history is behind local position, resetting",
		"local_seq", c.tracker.LastSeen(), "server_seq", b.LastSeq)
	if err := c.tracker.Reset(0); err != nil {
		c.logger.Warn("failed to reset sequence state", "error", err)
	}
	if err := c.resumeLocked("reset"); err != nil {
		c.logger.Warn("failed to resume after reset", "error", err)
	}
	onReset := c.opts.OnReset
	c.mu.Unlock()

	if onReset != nil {
		onReset()
	}
}

func (c *Coordinator) stalled(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state == Idle {
		c.mu.Unlock()
		return
	}
	c.state = Idle
	c.timer = nil
	c.stalls++
	n := c.stalls
	onStalled := c.opts.OnStalled
	c.mu.Unlock()

	c.logger.Warn("resume stalled", "timeout", c.opts.Timeout, "consecutive", n)
	if onStalled != nil {
		onStalled(n)
	}
}

// Abort clears any in-progress resume without counting it as a stall.
// Called when the transport closes so the next connection can resume cleanly.
func (c *Coordinator) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle {
		c.logger.Debug("aborting resume", "state", c.state)
	}
	c.stopTimerLocked()
	c.state = Idle
	c.gen++
}

// ResetStalls forgets previous stalls, used by a manual retry.
func (c *Coordinator) ResetStalls() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stalls = 0
}

func (c *Coordinator) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
