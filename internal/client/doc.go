// Package client connects to a chatwire backend and keeps one chat session
// consistent across disconnects.
//
// A Session wires the transport channel to the sequence tracker and resume
// coordinator, the correlation registry for awaited tool calls, the mode
// multiplexer, and the artifact store. Inbound envelopes are deduplicated
// and gap-checked before anything is rendered; after a reconnect the session
// resumes from the last sequence number it persisted.
//
// # Basic Usage
//
//	c := client.New("http://localhost:8080", client.WithToken(client.StaticToken(token)))
//
//	store, err := clientstate.Open(clientstate.BackendFile, "~/.chatwire/state")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	sess, err := c.Connect(ctx, "chat-42", client.SessionOptions{State: store}, client.SessionCallbacks{
//	    OnMessage: func(msg mode.Message) {
//	        fmt.Printf("%s: %s\n", msg.Sender, msg.Content)
//	    },
//	    OnToolCall: func(call protocol.ToolCall) {
//	        fmt.Printf("tool %s awaits an answer (%s)\n", call.ToolName, call.CorrelationID)
//	    },
//	    OnStatus: func(status transport.Status, err error) {
//	        fmt.Println("status:", status)
//	    },
//	})
//	defer sess.Close()
//
//	sess.SendInput("Hello, world!")
//
// # Tool Calls
//
// Awaited tool calls stay registered until RespondToTool answers them, the
// backend completes or dismisses them, or the connection drops. A dropped
// connection rejects every pending call with correlation.ErrConnectionLost
// through OnToolCallFailed.
//
// # Thread Safety
//
// The Client and Session types are safe for concurrent use from multiple
// goroutines. SessionCallbacks are invoked from the connection goroutine,
// except OnToolCallFailed, so callback implementations must be thread-safe
// if they access shared state. Mode callbacks triggered by SwitchMode run on
// the caller's goroutine after the switch.
package client
