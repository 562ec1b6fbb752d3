package mode

import (
	"time"

	"github.com/inercia/chatwire/internal/protocol"
)

// Roles of a message record.
const (
	RoleAssistant = "assistant"
	RoleUser      = "user"
	RoleSystem    = "system"
)

// Message is a rendered message record.
type Message struct {
	Seq     int64     `json:"seq,omitempty"`
	Role    string    `json:"role"`
	Sender  string    `json:"sender,omitempty"`
	Content string    `json:"content"`
	HTML    string    `json:"html,omitempty"`
	Time    time.Time `json:"time"`
	// Mode is the track the backend produced the message in. Empty means
	// the live track.
	Mode protocol.Mode `json:"mode,omitempty"`
	// Streaming is set while chat.print chunks are still arriving.
	Streaming bool `json:"streaming,omitempty"`
}

// Snapshot is the saved state of one conversation track.
type Snapshot struct {
	Mode     protocol.Mode      `json:"mode"`
	Messages []Message          `json:"messages"`
	Artifact *protocol.Artifact `json:"artifact,omitempty"`
}

// findSeq returns the completed message carrying seq. Unsequenced messages
// (seq 0) never match.
func (s *Snapshot) findSeq(seq int64) *Message {
	if seq <= 0 {
		return nil
	}
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if msg := &s.Messages[i]; msg.Seq == seq && !msg.Streaming {
			return msg
		}
	}
	return nil
}

func (s *Snapshot) lastStreaming(sender string) *Message {
	n := len(s.Messages)
	if n == 0 {
		return nil
	}
	last := &s.Messages[n-1]
	if !last.Streaming || last.Sender != sender {
		return nil
	}
	return last
}

// dropUnroutedDrafts removes streaming messages that carry no mode.
func (s *Snapshot) dropUnroutedDrafts() {
	kept := s.Messages[:0]
	for _, msg := range s.Messages {
		if msg.Streaming && msg.Mode == "" {
			continue
		}
		kept = append(kept, msg)
	}
	s.Messages = kept
}

func (s Snapshot) clone() Snapshot {
	out := Snapshot{Mode: s.Mode}
	if len(s.Messages) > 0 {
		out.Messages = append([]Message(nil), s.Messages...)
	}
	if s.Artifact != nil {
		a := *s.Artifact
		out.Artifact = &a
	}
	return out
}
