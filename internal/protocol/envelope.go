// Package protocol defines the event envelope exchanged between a chat client
// and the agent backend, together with the typed payloads carried inside it.
//
// # Wire Format
//
// Every frame on the channel is a single JSON object:
//
//	{
//	    "type": "chat.text",          // dotted namespace
//	    "seq": 42,                    // optional, strictly increasing per chat
//	    "data": { ... },              // optional, type-specific payload
//	    "timestamp": "2026-01-02T15:04:05.999999999Z"
//	}
//
// Envelopes without a seq are administrative (chat_meta, resume boundary,
// errors) and carry no ordering guarantee across reconnects. Consumers must
// ignore types they do not recognize.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the canonical unit of transport. All components downstream of
// the transport boundary operate on this shape only.
type Envelope struct {
	Type      string          `json:"type"`
	Seq       *int64          `json:"seq,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// New builds an unsequenced envelope with data marshaled as its payload.
// A nil data produces an envelope without payload.
func New(msgType string, data any) (Envelope, error) {
	env := Envelope{
		Type:      msgType,
		Timestamp: Now(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		env.Data = raw
	}
	return env, nil
}

// Now returns the current time formatted the way envelopes carry it.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// WithSeq returns a copy of the envelope carrying the given sequence number.
func (e Envelope) WithSeq(seq int64) Envelope {
	e.Seq = &seq
	return e
}

// HasSeq reports whether the envelope is sequenced.
func (e Envelope) HasSeq() bool {
	return e.Seq != nil
}

// SeqValue returns the sequence number, or 0 for unsequenced envelopes.
func (e Envelope) SeqValue() int64 {
	if e.Seq == nil {
		return 0
	}
	return *e.Seq
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", e.Type, err)
	}
	return nil
}

// Time parses the envelope timestamp. The zero time is returned when the
// timestamp is missing or malformed.
func (e Envelope) Time() time.Time {
	t, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Marshal encodes the envelope for the wire.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
