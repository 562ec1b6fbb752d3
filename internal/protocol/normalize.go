package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// maxUnwrapDepth bounds how many layers of JSON-in-a-string are peeled off.
const maxUnwrapDepth = 3

var (
	// ErrMissingType is returned for frames without a type.
	ErrMissingType = errors.New("envelope has no type")
	// ErrMalformed is returned for frames that are not a JSON object.
	ErrMalformed = errors.New("malformed envelope")
)

// correlationAliases lists legacy spellings of the correlation id field.
var correlationAliases = []string{"correlationId", "correlation_id", "correlationID"}

// rawEnvelope mirrors Envelope with loosely typed fields.
type rawEnvelope struct {
	Type      string          `json:"type"`
	Seq       json.RawMessage `json:"seq,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// Normalize turns a raw frame into the canonical Envelope.
//
// It unwraps frames and payloads that were JSON-encoded more than once,
// accepts a seq sent as a quoted integer, collapses correlation id aliases
// to "corr", and fills a missing timestamp with the receive time.
func Normalize(frame []byte) (Envelope, error) {
	frame, err := unwrapString(frame)
	if err != nil {
		return Envelope{}, err
	}
	if len(frame) == 0 || frame[0] != '{' {
		return Envelope{}, ErrMalformed
	}

	var raw rawEnvelope
	if err := json.Unmarshal(frame, &raw); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw.Type == "" {
		return Envelope{}, ErrMissingType
	}

	env := Envelope{
		Type:      raw.Type,
		Timestamp: raw.Timestamp,
	}
	if env.Timestamp == "" {
		env.Timestamp = Now()
	}

	seq, ok, err := parseSeq(raw.Seq)
	if err != nil {
		return Envelope{}, err
	}
	if ok {
		env.Seq = &seq
	}

	data, err := unwrapString(raw.Data)
	if err != nil {
		return Envelope{}, fmt.Errorf("%s: %w", raw.Type, err)
	}
	if len(data) > 0 && !bytes.Equal(data, []byte("null")) {
		env.Data = collapseAliases(data)
	}
	return env, nil
}

// unwrapString peels off layers of JSON string encoding while the decoded
// string itself looks like a JSON object or array.
func unwrapString(b []byte) ([]byte, error) {
	b = bytes.TrimSpace(b)
	for i := 0; i < maxUnwrapDepth; i++ {
		if len(b) == 0 || b[0] != '"' {
			return b, nil
		}
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		inner := bytes.TrimSpace([]byte(s))
		if len(inner) == 0 || (inner[0] != '{' && inner[0] != '[' && inner[0] != '"') {
			// A plain string payload, keep it encoded.
			return b, nil
		}
		b = inner
	}
	return b, nil
}

func parseSeq(raw json.RawMessage) (int64, bool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false, nil
	}
	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, false, fmt.Errorf("%w: seq: %v", ErrMalformed, err)
		}
		if text == "" {
			return 0, false, nil
		}
	}
	seq, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%w: seq %q", ErrMalformed, text)
	}
	return seq, true, nil
}

// collapseAliases rewrites legacy correlation id keys to "corr" on object
// payloads. Non-object payloads are returned untouched.
func collapseAliases(data []byte) json.RawMessage {
	if data[0] != '{' {
		return data
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return data
	}
	changed := false
	for _, alias := range correlationAliases {
		v, ok := fields[alias]
		if !ok {
			continue
		}
		if _, has := fields["corr"]; !has {
			fields["corr"] = v
		}
		delete(fields, alias)
		changed = true
	}
	if !changed {
		return data
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return data
	}
	return out
}
