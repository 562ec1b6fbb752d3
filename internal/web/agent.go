package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/inercia/chatwire/internal/correlation"
	"github.com/inercia/chatwire/internal/protocol"
)

// Agent produces the backend side of a conversation turn.
type Agent interface {
	// Respond handles one user input. Events emitted through turn are
	// sequenced and delivered to every connected client of the chat.
	Respond(ctx context.Context, turn *Turn) error
}

// Turn is the handle an Agent uses to talk to one chat.
type Turn struct {
	chat *chat

	// Input is the user input that started the turn.
	Input protocol.UserInput
	// Mode is the chat mode when the turn started.
	Mode protocol.Mode
}

// Emit appends a sequenced event of msgType to the chat.
func (t *Turn) Emit(msgType string, data any) error {
	_, err := t.chat.emit(msgType, data)
	return err
}

// Speaker announces a new conversational turn by speaker.
func (t *Turn) Speaker(speaker string) error {
	return t.Emit(protocol.TypeSpeakerSelected, protocol.SpeakerSelected{Speaker: speaker})
}

// Print streams a partial chunk. It belongs to the turn's mode even if the
// user switched meanwhile.
func (t *Turn) Print(sender, chunk string) error {
	return t.Emit(protocol.TypePrint, protocol.Print{Content: chunk, Sender: sender, Mode: t.Mode})
}

// Text sends a complete assistant message in the turn's mode.
func (t *Turn) Text(sender, content string) error {
	return t.Emit(protocol.TypeText, protocol.Text{Content: content, Sender: sender, Role: "assistant", Mode: t.Mode})
}

// AwaitTool emits an awaited tool call and blocks until the client answers
// it, the chat loses its last connection, or ctx ends.
func (t *Turn) AwaitTool(ctx context.Context, call protocol.ToolCall) (protocol.ToolResult, error) {
	return t.chat.tools.Await(ctx, call)
}

// Complete tells clients the interaction for corr finished.
func (t *Turn) Complete(corr string) error {
	return t.Emit(protocol.TypeToolComplete, protocol.ToolSignal{CorrelationID: corr})
}

// Dismiss withdraws the surface for corr.
func (t *Turn) Dismiss(corr string) error {
	return t.Emit(protocol.TypeToolDismiss, protocol.ToolSignal{CorrelationID: corr})
}

// SwitchMode moves the chat to m.
func (t *Turn) SwitchMode(m protocol.Mode) error {
	if err := t.Emit(protocol.TypeModeChanged, protocol.ModeChanged{Mode: m}); err != nil {
		return err
	}
	t.Mode = m
	return nil
}

// RequestInput asks the user for text and returns the request id. The
// answer arrives as a new turn whose Input carries that id.
func (t *Turn) RequestInput(prompt string) (string, error) {
	id := uuid.NewString()
	return id, t.Emit(protocol.TypeInputRequest, protocol.InputRequest{RequestID: id, Prompt: prompt})
}

// EchoAgent is the built-in agent of the reference server. It streams the
// input back and understands a few commands:
//
//	/tool <name> [json]   open an artifact and wait for the client's answer
//	/ask, /workflow       switch the chat mode
//	/input <prompt>       ask the user for text
type EchoAgent struct {
	// ChunkDelay spaces out the streamed chunks.
	ChunkDelay time.Duration
}

const echoSender = "echo"

func (a *EchoAgent) Respond(ctx context.Context, turn *Turn) error {
	text := strings.TrimSpace(turn.Input.Text)
	if err := turn.Speaker(echoSender); err != nil {
		return err
	}

	cmd, args, _ := strings.Cut(text, " ")
	args = strings.TrimSpace(args)
	switch cmd {
	case "/tool":
		return a.runTool(ctx, turn, args)
	case "/ask", "/workflow":
		target := protocol.Mode(strings.TrimPrefix(cmd, "/"))
		if err := turn.SwitchMode(target); err != nil {
			return err
		}
		return turn.Text(echoSender, fmt.Sprintf("switched to %s mode", target))
	case "/input":
		if args == "" {
			args = "Please enter a value"
		}
		_, err := turn.RequestInput(args)
		return err
	}

	reply := "echo: " + text
	if turn.Input.RequestID != "" {
		reply = "you answered: " + text
	}
	if turn.Mode == protocol.ModeAsk {
		reply = "(ask) " + reply
	}
	return a.stream(ctx, turn, reply)
}

// stream sends reply word by word as chat.print chunks, then as one
// chat.text that finalizes them.
func (a *EchoAgent) stream(ctx context.Context, turn *Turn, reply string) error {
	words := strings.SplitAfter(reply, " ")
	for _, w := range words {
		if err := turn.Print(echoSender, w); err != nil {
			return err
		}
		if a.ChunkDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.ChunkDelay):
			}
		}
	}
	return turn.Text(echoSender, reply)
}

func (a *EchoAgent) runTool(ctx context.Context, turn *Turn, args string) error {
	name, payload, _ := strings.Cut(args, " ")
	if name == "" {
		return turn.Text(echoSender, "usage: /tool <name> [json payload]")
	}
	payload = strings.TrimSpace(payload)
	if payload == "" {
		payload = "{}"
	}
	if !json.Valid([]byte(payload)) {
		return turn.Text(echoSender, "invalid JSON payload for tool "+name)
	}

	corr := uuid.NewString()
	result, err := turn.AwaitTool(ctx, protocol.ToolCall{
		CorrelationID: corr,
		ToolName:      name,
		ComponentType: "form",
		Payload:       json.RawMessage(payload),
		Display:       protocol.DisplayArtifact,
	})
	switch {
	case err == nil:
	case errors.Is(err, correlation.ErrConnectionLost), errors.Is(err, correlation.ErrTimeout):
		if derr := turn.Dismiss(corr); derr != nil {
			return derr
		}
		return turn.Text(echoSender, fmt.Sprintf("tool %s cancelled: %v", name, err))
	default:
		return err
	}

	if err := turn.Complete(corr); err != nil {
		return err
	}
	data := "null"
	if len(result.Data) > 0 {
		data = string(result.Data)
	}
	return turn.Text(echoSender, fmt.Sprintf("tool %s returned %s: %s", name, result.Status, data))
}
