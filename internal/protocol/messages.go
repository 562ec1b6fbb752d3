package protocol

import (
	"encoding/json"
	"fmt"
)

// =============================================================================
// Backend → Client Message Types
// =============================================================================

const (
	// TypeChatMeta is sent right after the connection is established.
	// Data: ChatMeta
	TypeChatMeta = "chat_meta"

	// TypeText carries a complete message.
	// Data: Text
	TypeText = "chat.text"

	// TypePrint carries a streamed partial chunk of text.
	// Data: Print
	TypePrint = "chat.print"

	// TypeToolCall asks the client to render an interactive tool surface.
	// Data: ToolCall
	TypeToolCall = "chat.tool_call"

	// TypeToolComplete tells the client an interaction finished.
	// Data: ToolSignal
	TypeToolComplete = "chat.tool_complete"

	// TypeToolDismiss tells the client to close an interactive surface.
	// Data: ToolSignal
	TypeToolDismiss = "chat.tool_dismiss"

	// TypeInputRequest asks the user for free text input.
	// Data: InputRequest
	TypeInputRequest = "chat.input_request"

	// TypeSpeakerSelected marks the start of a new conversational turn.
	// Data: SpeakerSelected
	TypeSpeakerSelected = "chat.speaker_selected"

	// TypeModeChanged is a server-initiated (or acknowledged) mode switch.
	// Data: ModeChanged
	TypeModeChanged = "chat.mode_changed"

	// TypeResumeBoundary closes a replay started by a resume request.
	// Data: ResumeBoundary
	TypeResumeBoundary = "chat.resume_boundary"

	// TypeError reports a backend error.
	// Data: Error
	TypeError = "chat.error"
)

// =============================================================================
// Client → Backend Message Types
// =============================================================================

const (
	// TypeResumeRequest asks for replay of events after LastSeq.
	// Data: ResumeRequest
	TypeResumeRequest = "chat.resume_request"

	// TypeUserInput submits free text, optionally answering an input request.
	// Data: UserInput
	TypeUserInput = "chat.user_input"

	// TypeModeSwitch asks the backend to route the chat to another mode.
	// Data: ModeSwitch
	TypeModeSwitch = "chat.mode_switch"

	// TypeToolResponse answers a tool call. The backend may echo it back
	// sequenced so other observers see the outcome.
	// Data: ToolResponse
	TypeToolResponse = "chat.tool_response"
)

// Mode identifies one of the two conversation tracks sharing a chat.
type Mode string

const (
	ModeWorkflow Mode = "workflow"
	ModeAsk      Mode = "ask"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeWorkflow, ModeAsk:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// Display modes for tool surfaces.
const (
	DisplayInline     = "inline"
	DisplayArtifact   = "artifact"
	DisplayFullscreen = "fullscreen"
)

// Tool result statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Artifact is an interactive surface the backend asked the client to show.
type Artifact struct {
	ToolName      string          `json:"tool_name"`
	CorrelationID string          `json:"corr,omitempty"`
	ComponentType string          `json:"component_type,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	DisplayMode   string          `json:"display"`
}

// ChatMeta describes the chat the connection is attached to.
type ChatMeta struct {
	CacheToken   string    `json:"cache_token"`
	ChatExists   bool      `json:"chat_exists"`
	Mode         Mode      `json:"mode,omitempty"`
	LastSeq      int64     `json:"last_seq,omitempty"`
	LastArtifact *Artifact `json:"last_artifact,omitempty"`
}

// Text is a complete message.
type Text struct {
	Content string `json:"content"`
	Sender  string `json:"sender,omitempty"`
	Role    string `json:"role,omitempty"`
	// Mode is the chat mode the message was produced in.
	Mode Mode `json:"mode,omitempty"`
}

// Print is a streamed chunk.
type Print struct {
	Content string `json:"content"`
	Sender  string `json:"sender,omitempty"`
	Mode    Mode   `json:"mode,omitempty"`
}

// ToolCall asks the client to render a tool surface and, when
// AwaitingResponse is set, to send back a ToolResponse.
type ToolCall struct {
	CorrelationID    string          `json:"corr"`
	ToolName         string          `json:"tool_name"`
	ComponentType    string          `json:"component_type,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Display          string          `json:"display,omitempty"`
	AwaitingResponse bool            `json:"awaiting_response"`
}

// Artifact returns the renderable part of the call.
func (c ToolCall) Artifact() Artifact {
	display := c.Display
	if display == "" {
		display = DisplayInline
	}
	return Artifact{
		ToolName:      c.ToolName,
		CorrelationID: c.CorrelationID,
		ComponentType: c.ComponentType,
		Payload:       c.Payload,
		DisplayMode:   display,
	}
}

// ToolResult is the outcome of an interaction.
type ToolResult struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// ToolResponse carries a ToolResult back for a correlation id.
type ToolResponse struct {
	CorrelationID string     `json:"corr"`
	Result        ToolResult `json:"result"`
}

// ToolSignal is the payload of completion and dismiss signals.
type ToolSignal struct {
	CorrelationID string `json:"corr"`
}

// InputRequest asks the user for text.
type InputRequest struct {
	RequestID string `json:"request_id"`
	Prompt    string `json:"prompt,omitempty"`
	Password  bool   `json:"password,omitempty"`
}

// SpeakerSelected marks a new turn.
type SpeakerSelected struct {
	Speaker string `json:"speaker"`
}

// ModeChanged announces the active mode.
type ModeChanged struct {
	Mode Mode `json:"mode"`
}

// ResumeBoundary closes a replay. Reset is set when the backend has no
// history at or beyond the requested seq and the client must start over.
type ResumeBoundary struct {
	LastSeq  int64 `json:"last_seq"`
	Replayed int   `json:"replayed"`
	Reset    bool  `json:"reset,omitempty"`
}

// Error is a backend error report.
type Error struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// ResumeRequest asks for events with seq > LastSeq.
type ResumeRequest struct {
	LastSeq    int64  `json:"last_seq"`
	CacheToken string `json:"cache_token,omitempty"`
}

// UserInput submits free text.
type UserInput struct {
	Text      string `json:"text"`
	RequestID string `json:"request_id,omitempty"`
}

// ModeSwitch requests a mode change.
type ModeSwitch struct {
	Mode Mode `json:"mode"`
}

// ChatExists is the body of the chat existence endpoint.
type ChatExists struct {
	Exists bool `json:"exists"`
}

// TranscriptEntry is one message of a fetched transcript.
type TranscriptEntry struct {
	Seq       int64  `json:"seq,omitempty"`
	Role      string `json:"role"`
	Sender    string `json:"sender,omitempty"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Transcript is the body of the transcript endpoint.
type Transcript struct {
	Mode     Mode              `json:"mode"`
	Messages []TranscriptEntry `json:"messages"`
}

// IsSequenced reports whether the backend assigns a seq to envelopes of
// this type. The reference server uses it to decide what goes in the log.
func IsSequenced(msgType string) bool {
	switch msgType {
	case TypeText, TypePrint, TypeToolCall, TypeToolResponse, TypeToolComplete,
		TypeToolDismiss, TypeInputRequest, TypeSpeakerSelected, TypeModeChanged:
		return true
	default:
		return false
	}
}
