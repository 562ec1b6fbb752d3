package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/reeflective/readline"
	"github.com/spf13/cobra"

	"github.com/inercia/chatwire/internal/client"
	"github.com/inercia/chatwire/internal/clientstate"
	"github.com/inercia/chatwire/internal/config"
	"github.com/inercia/chatwire/internal/conversion"
	"github.com/inercia/chatwire/internal/correlation"
	"github.com/inercia/chatwire/internal/filter"
	"github.com/inercia/chatwire/internal/logging"
	"github.com/inercia/chatwire/internal/mode"
	"github.com/inercia/chatwire/internal/protocol"
	"github.com/inercia/chatwire/internal/transport"
)

var (
	// connect-specific flags
	connectURL        string
	connectAppID      string
	connectWorkflowID string
)

// connectCmd represents the connect command
var connectCmd = &cobra.Command{
	Use:   "connect <chat-id>",
	Short: "Open an interactive shell on a chat",
	Long: `Attach to a chat and exchange messages with its agent.

The session resumes from the last sequence number persisted for the chat,
so reconnecting never shows an event twice. Tool calls and input requests
from the agent are answered with slash commands.

Commands:
  /mode [workflow|ask]      - Show or switch the conversation mode
  /respond [-e] <id> [json] - Answer a pending tool call (-e reports an error)
  /answer <text>            - Answer the pending input request
  /status                   - Show connection and resume state
  /retry                    - Reconnect after the session gave up
  /messages [n]             - Print the last n messages of the current mode
  /help                     - Show available commands
  /quit                     - Exit`,
	Args: cobra.ExactArgs(1),
	RunE: runConnect,
}

func init() {
	rootCmd.AddCommand(connectCmd)

	connectCmd.Flags().StringVar(&connectURL, "url", "", "Backend base URL (default: client.url from config)")
	connectCmd.Flags().StringVar(&connectAppID, "app-id", "", "Application id for the chat existence check")
	connectCmd.Flags().StringVar(&connectWorkflowID, "workflow-id", "", "Workflow id for the chat existence check")
}

func runConnect(cmd *cobra.Command, args []string) error {
	chatID := args[0]
	cc := cfg.Client
	if cmd.Flags().Changed("url") {
		cc.URL = connectURL
	}
	if cmd.Flags().Changed("app-id") {
		cc.AppID = connectAppID
	}
	if cmd.Flags().Changed("workflow-id") {
		cc.WorkflowID = connectWorkflowID
	}

	store, err := clientstate.Open(cc.StateBackend, cc.StateDir)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer store.Close()

	filters, err := filter.NewSet(cc.Filters)
	if err != nil {
		return fmt.Errorf("invalid filters: %w", err)
	}
	var converter *conversion.Converter
	if !cc.Render.Disabled {
		converter = conversion.DefaultConverter(cc.Render.HighlightStyle)
	}

	var opts []client.Option
	if tok := cc.AuthToken(); tok != "" {
		opts = append(opts, client.WithToken(client.StaticToken(tok)))
	}
	c := client.New(cc.URL, opts...)

	// Set up context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	sh := newShell(os.Stdout)
	fmt.Printf("🔌 Connecting to %s (chat %s)...\n", cc.URL, chatID)
	sess, err := c.Connect(ctx, chatID, client.SessionOptions{
		AppID:                 cc.AppID,
		WorkflowID:            cc.WorkflowID,
		State:                 store,
		Filters:               filters,
		Converter:             converter,
		ResumeTimeout:         cc.ResumeTimeout,
		MaxResumeStalls:       cc.MaxResumeStalls,
		ToolCallTimeout:       cc.ToolCallTimeout,
		ReconnectInitialDelay: cc.Reconnect.InitialDelay,
		ReconnectMaxDelay:     cc.Reconnect.MaxDelay,
		AttemptsPerMinute:     cc.Reconnect.AttemptsPerMinute,
	}, sh.callbacks())
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer sess.Close()
	sh.sess = sess

	if w := watchFilters(sess); w != nil {
		defer w.Close()
	}

	return sh.run(ctx)
}

// watchFilters reloads the presentation filters when the configuration file
// changes. It returns nil when there is no file to watch.
func watchFilters(sess *client.Session) *config.Watcher {
	if configFile == "" {
		return nil
	}
	if _, err := os.Stat(configFile); err != nil {
		return nil
	}
	logger := logging.ConfigLogger()
	w, err := config.NewWatcher(configFile, logger)
	if err != nil {
		logger.Warn("config watcher disabled", "path", configFile, "error", err)
		return nil
	}
	w.Subscribe(config.SubscriberFunc(func(c *config.Config) {
		set, err := filter.NewSet(c.Client.Filters)
		if err != nil {
			logger.Warn("keeping previous filters", "error", err)
			return
		}
		sess.UpdateFilters(set)
	}))
	w.Start()
	return w
}

// chatSession is the part of client.Session the shell drives.
type chatSession interface {
	SendInput(text string) error
	AnswerInput(requestID, text string) error
	RespondToTool(corr string, result protocol.ToolResult) error
	SwitchMode(ctx context.Context, target protocol.Mode) error
	Retry()
	Info() client.Info
	Mode() protocol.Mode
	Messages() []mode.Message
	PendingToolCalls() []protocol.ToolCall
}

// shell renders session events and runs slash commands.
type shell struct {
	sess chatSession

	mu  sync.Mutex
	out io.Writer
	// streamed holds the draft text already printed, per sender.
	streamed map[string]string
}

func newShell(out io.Writer) *shell {
	return &shell{out: out, streamed: make(map[string]string)}
}

func (sh *shell) printf(format string, args ...any) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	fmt.Fprintf(sh.out, format, args...)
}

func (sh *shell) callbacks() client.SessionCallbacks {
	return client.SessionCallbacks{
		OnStatus: func(status transport.Status, err error) {
			if err != nil {
				sh.printf("⚠️  %s: %v\n", status, err)
				return
			}
			sh.printf("🔌 %s\n", status)
		},
		OnMeta: func(meta protocol.ChatMeta) {
			state := "new chat"
			if meta.ChatExists {
				state = "existing chat"
			}
			sh.printf("💬 %s, mode %s, %d events on the server\n", state, meta.Mode, meta.LastSeq)
		},
		OnMessage: sh.showMessage,
		OnToolCall: func(call protocol.ToolCall) {
			payload := string(call.Payload)
			if payload == "" {
				payload = "{}"
			}
			sh.printf("🛠  %s [%s] %s\n   answer with /respond %s <json>\n",
				call.ToolName, call.CorrelationID, payload, call.CorrelationID)
		},
		OnToolCallFailed: func(corr string, err error) {
			sh.printf("❌ tool call %s failed: %v\n", corr, err)
		},
		OnToolCallClosed: func(corr string) {
			sh.printf("✅ tool call %s closed\n", corr)
		},
		OnArtifact: func(a protocol.Artifact, restored bool) {
			if restored {
				sh.printf("📎 restored %s view of %s [%s]\n", a.DisplayMode, a.ToolName, a.CorrelationID)
			}
		},
		OnArtifactClosed: func(corr string) {
			sh.printf("📎 artifact %s closed\n", corr)
		},
		OnInputRequest: func(req protocol.InputRequest) {
			sh.printf("❓ %s\n   answer with /answer <text>\n", req.Prompt)
		},
		OnModeChanged: func(from, to protocol.Mode, installed mode.Snapshot) {
			sh.printf("🔀 %s → %s (%d messages)\n", from, to, len(installed.Messages))
		},
		OnTrackLoaded: func(m protocol.Mode, installed mode.Snapshot) {
			sh.printf("📜 %s history loaded (%d messages)\n", m, len(installed.Messages))
		},
		OnHistoryReset: func() {
			sh.printf("♻️  server history was reset, reloading\n")
		},
		OnError: func(e protocol.Error) {
			if e.Code != "" {
				sh.printf("❌ %s: %s\n", e.Code, e.Message)
				return
			}
			sh.printf("❌ %s\n", e.Message)
		},
	}
}

// showMessage prints streaming drafts incrementally and final messages once.
func (sh *shell) showMessage(msg mode.Message) {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	who := msg.Sender
	if who == "" {
		who = msg.Role
	}
	printed, streaming := sh.streamed[msg.Sender]

	if msg.Streaming {
		if !streaming {
			fmt.Fprintf(sh.out, "%s: ", who)
		}
		if strings.HasPrefix(msg.Content, printed) {
			fmt.Fprint(sh.out, msg.Content[len(printed):])
		}
		sh.streamed[msg.Sender] = msg.Content
		return
	}

	delete(sh.streamed, msg.Sender)
	switch {
	case streaming && strings.HasPrefix(msg.Content, printed):
		fmt.Fprintln(sh.out, msg.Content[len(printed):])
	case streaming:
		fmt.Fprintf(sh.out, "\n%s: %s\n", who, msg.Content)
	default:
		fmt.Fprintf(sh.out, "%s: %s\n", who, msg.Content)
	}
}

// slashCommands defines the available slash commands with their descriptions.
var slashCommands = []struct {
	name        string
	description string
}{
	{"/mode", "Show or switch the conversation mode"},
	{"/respond", "Answer a pending tool call"},
	{"/answer", "Answer the pending input request"},
	{"/status", "Show connection and resume state"},
	{"/retry", "Reconnect after the session gave up"},
	{"/messages", "Print recent messages of the current mode"},
	{"/help", "Show available commands"},
	{"/quit", "Exit the shell"},
	{"/exit", "Exit the shell (alias)"},
}

func (sh *shell) run(ctx context.Context) error {
	rl := readline.NewShell()
	rl.Prompt.Primary(func() string { return fmt.Sprintf("chatwire[%s]> ", sh.sess.Mode()) })

	history := readline.NewInMemoryHistory()
	rl.History.Add("default", history)

	rl.Completer = func(line []rune, cursor int) readline.Completions {
		return completeInput(string(line), cursor)
	}

	fmt.Println("📝 Type a message and press Enter. Use /help for commands. Tab completes commands.")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line, err := rl.Readline()
		if err != nil {
			if err == io.EOF || err == readline.ErrInterrupt {
				fmt.Println("\n👋 Goodbye!")
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := sh.handleCommand(ctx, line); quit {
				fmt.Println("👋 Goodbye!")
				return nil
			}
			continue
		}
		if err := sh.sess.SendInput(line); err != nil {
			sh.printf("❌ %v\n", err)
		}
	}
}

// handleCommand runs one slash command and reports whether the shell should
// exit.
func (sh *shell) handleCommand(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	name := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	args := parts[1:]

	switch name {
	case "quit", "exit", "q":
		return true
	case "help", "h", "?":
		sh.printHelp()
	case "mode":
		sh.cmdMode(ctx, args)
	case "respond":
		sh.cmdRespond(args)
	case "answer":
		text := strings.TrimSpace(strings.TrimPrefix(line, parts[0]))
		if err := sh.sess.AnswerInput("", text); err != nil {
			sh.printf("❌ %v\n", err)
		}
	case "status":
		sh.cmdStatus()
	case "retry":
		sh.sess.Retry()
		sh.printf("🔁 reconnecting\n")
	case "messages":
		sh.cmdMessages(args)
	default:
		sh.printf("❓ Unknown command: %s (use /help for available commands)\n", parts[0])
	}
	return false
}

func (sh *shell) cmdMode(ctx context.Context, args []string) {
	if len(args) == 0 {
		sh.printf("mode: %s\n", sh.sess.Mode())
		return
	}
	target, err := protocol.ParseMode(strings.ToLower(args[0]))
	if err != nil {
		sh.printf("❌ %v (use workflow or ask)\n", err)
		return
	}
	if err := sh.sess.SwitchMode(ctx, target); err != nil {
		sh.printf("❌ mode switch failed: %v\n", err)
	}
}

func (sh *shell) cmdRespond(args []string) {
	pending := sh.sess.PendingToolCalls()
	status := protocol.StatusSuccess
	if len(args) > 0 && (args[0] == "-e" || args[0] == "--error") {
		status = protocol.StatusError
		args = args[1:]
	}
	if len(args) == 0 {
		if len(pending) == 0 {
			sh.printf("no tool calls pending\n")
			return
		}
		for i, call := range pending {
			sh.printf("  %d. %s [%s]\n", i+1, call.ToolName, call.CorrelationID)
		}
		return
	}

	corr := resolveCorrelation(args[0], pending)
	data := payloadJSON(strings.Join(args[1:], " "))
	err := sh.sess.RespondToTool(corr, protocol.ToolResult{Status: status, Data: data})
	switch {
	case errors.Is(err, correlation.ErrNoWaiter):
		sh.printf("⚠️  %v\n", err)
	case err != nil:
		sh.printf("❌ %v\n", err)
	}
}

// resolveCorrelation maps a 1-based index or a unique prefix of a pending
// call to its correlation id. Anything else is returned unchanged.
func resolveCorrelation(arg string, pending []protocol.ToolCall) string {
	if n, err := strconv.Atoi(arg); err == nil && n >= 1 && n <= len(pending) {
		return pending[n-1].CorrelationID
	}
	match := ""
	for _, call := range pending {
		if call.CorrelationID == arg {
			return arg
		}
		if strings.HasPrefix(call.CorrelationID, arg) {
			if match != "" {
				return arg
			}
			match = call.CorrelationID
		}
	}
	if match != "" {
		return match
	}
	return arg
}

// payloadJSON returns text as-is when it is valid JSON and as a JSON string
// otherwise. Empty text yields no payload.
func payloadJSON(text string) json.RawMessage {
	if text == "" {
		return nil
	}
	if json.Valid([]byte(text)) {
		return json.RawMessage(text)
	}
	b, _ := json.Marshal(text)
	return b
}

func (sh *shell) cmdStatus() {
	info := sh.sess.Info()
	existed := "unknown"
	if info.ChatExisted != nil {
		existed = strconv.FormatBool(*info.ChatExisted)
	}
	sh.printf(`Chat:          %s
Status:        %s
Mode:          %s
Last seq:      %d
Resume:        %s
Pending calls: %d
Chat existed:  %s
`, info.ChatID, info.Status, info.Mode, info.LastSeq, info.ResumeState, info.PendingCall, existed)
}

func (sh *shell) cmdMessages(args []string) {
	msgs := sh.sess.Messages()
	n := 20
	if len(args) > 0 {
		if v, err := strconv.Atoi(args[0]); err == nil && v > 0 {
			n = v
		}
	}
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	if len(msgs) == 0 {
		sh.printf("no messages in %s mode\n", sh.sess.Mode())
		return
	}
	for _, m := range msgs {
		who := m.Sender
		if who == "" {
			who = m.Role
		}
		marker := ""
		if m.Streaming {
			marker = " …"
		}
		sh.printf("#%-4d %s: %s%s\n", m.Seq, who, m.Content, marker)
	}
}

func (sh *shell) printHelp() {
	sh.printf(`
Available commands:
  /mode [workflow|ask]      - Show or switch the conversation mode
  /respond                  - List pending tool calls
  /respond [-e] <id> [json] - Answer a tool call by id, id prefix or list number
  /answer <text>            - Answer the pending input request
  /status                   - Show connection and resume state
  /retry                    - Reconnect after the session gave up
  /messages [n]             - Print the last n messages (default 20)
  /help                     - Show this help message
  /quit, /exit              - Exit

Tips:
  - Type your message and press Enter to send it
  - Use up/down arrows for command history
  - Use Tab to autocomplete slash commands and modes
`)
}

// completeInput provides tab completion for the shell input.
// It completes slash commands, and mode names after "/mode ".
func completeInput(line string, cursor int) readline.Completions {
	if cursor > len(line) {
		cursor = len(line)
	}
	text := line[:cursor]

	if !strings.HasPrefix(text, "/") {
		return readline.Completions{}
	}

	if rest, ok := strings.CutPrefix(text, "/mode "); ok {
		var modes []string
		for _, m := range []protocol.Mode{protocol.ModeWorkflow, protocol.ModeAsk} {
			if strings.HasPrefix(string(m), strings.TrimSpace(rest)) {
				modes = append(modes, string(m))
			}
		}
		if len(modes) == 0 {
			return readline.Completions{}
		}
		return readline.CompleteValues(modes...).Tag("modes")
	}

	matches := matchCommands(text)
	if len(matches) == 0 {
		return readline.Completions{}
	}
	// Format: value1, desc1, value2, desc2, ...
	pairs := make([]string, 0, len(matches)*2)
	for _, i := range matches {
		pairs = append(pairs, slashCommands[i].name, slashCommands[i].description)
	}
	return readline.CompleteValuesDescribed(pairs...).
		Tag("commands").
		NoSpace('/')
}

// matchCommands returns the indexes of slash commands starting with prefix.
func matchCommands(prefix string) []int {
	var out []int
	for i, cmd := range slashCommands {
		if strings.HasPrefix(cmd.name, prefix) {
			out = append(out, i)
		}
	}
	return out
}
