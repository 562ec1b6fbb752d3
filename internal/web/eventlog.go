package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"github.com/inercia/chatwire/internal/fileutil"
	"github.com/inercia/chatwire/internal/protocol"
)

// Log is the append-only event history of one chat. Sequence numbers start
// at 1 and grow by one per appended envelope.
type Log interface {
	// Append assigns the next seq to env, stores it and returns the stored copy.
	Append(env protocol.Envelope) (protocol.Envelope, error)
	// Since returns the envelopes with seq > after, oldest first.
	Since(after int64) ([]protocol.Envelope, error)
	// LastSeq returns the highest assigned seq, 0 for an empty log.
	LastSeq() int64
	Close() error
}

// MemoryLog keeps the history in memory. It is lost when the process exits,
// which clients observe as a log reset on their next resume.
type MemoryLog struct {
	mu     sync.RWMutex
	events []protocol.Envelope
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) Append(env protocol.Envelope) (protocol.Envelope, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	env = stamp(env, int64(len(l.events))+1)
	l.events = append(l.events, env)
	return env, nil
}

func (l *MemoryLog) Since(after int64) ([]protocol.Envelope, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	// Entry i holds seq i+1.
	if after < 0 {
		after = 0
	}
	if after >= int64(len(l.events)) {
		return nil, nil
	}
	out := make([]protocol.Envelope, len(l.events)-int(after))
	copy(out, l.events[after:])
	return out, nil
}

func (l *MemoryLog) LastSeq() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int64(len(l.events))
}

func (l *MemoryLog) Close() error { return nil }

func (l *MemoryLog) push(env protocol.Envelope) {
	l.mu.Lock()
	l.events = append(l.events, env)
	l.mu.Unlock()
}

// FileLog persists the history as one JSON envelope per line and serves
// reads from an in-memory index loaded at open.
type FileLog struct {
	path string
	mu   sync.Mutex // serializes appends
	mem  *MemoryLog
}

// OpenFileLog loads path, creating it on the first append. Lines must hold
// consecutive seqs starting at 1.
func OpenFileLog(path string) (*FileLog, error) {
	l := &FileLog{path: path, mem: NewMemoryLog()}
	err := fileutil.ReadJSONLines(path, func(line []byte) error {
		var env protocol.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return err
		}
		want := l.mem.LastSeq() + 1
		if env.SeqValue() != want {
			return fmt.Errorf("seq %d out of order, want %d", env.SeqValue(), want)
		}
		l.mem.push(env)
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load event log: %w", err)
	}
	return l, nil
}

func (l *FileLog) Append(env protocol.Envelope) (protocol.Envelope, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	env = stamp(env, l.mem.LastSeq()+1)
	if err := fileutil.AppendJSONLine(l.path, env, 0o600); err != nil {
		return env, err
	}
	l.mem.push(env)
	return env, nil
}

func (l *FileLog) Since(after int64) ([]protocol.Envelope, error) {
	return l.mem.Since(after)
}

func (l *FileLog) LastSeq() int64 {
	return l.mem.LastSeq()
}

func (l *FileLog) Close() error { return nil }

func stamp(env protocol.Envelope, seq int64) protocol.Envelope {
	if env.Timestamp == "" {
		env.Timestamp = protocol.Now()
	}
	return env.WithSeq(seq)
}
