package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/inercia/chatwire/internal/clientstate"
)

// stateCmd groups the commands that inspect persisted client state.
var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect or clear persisted client state",
	Long: `Inspect or clear the per-chat state the connect command persists:
the last seen sequence number, the backend cache token and the cached
artifact. Clearing a chat makes the next connect load its full history.`,
}

var stateShowCmd = &cobra.Command{
	Use:   "show <chat-id>",
	Short: "Show the persisted state of a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStateStore()
		if err != nil {
			return err
		}
		defer store.Close()
		return showState(cmd.OutOrStdout(), store, args[0])
	},
}

var stateClearCmd = &cobra.Command{
	Use:   "clear <chat-id>",
	Short: "Forget the persisted state of a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStateStore()
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Clear(args[0]); err != nil {
			return fmt.Errorf("failed to clear state: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "🧹 Cleared state for %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stateCmd)
	stateCmd.AddCommand(stateShowCmd)
	stateCmd.AddCommand(stateClearCmd)
}

func openStateStore() (clientstate.Store, error) {
	if cfg.Client.StateBackend == clientstate.BackendMemory {
		return nil, errors.New("state backend is memory: nothing is persisted")
	}
	store, err := clientstate.Open(cfg.Client.StateBackend, cfg.Client.StateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	return store, nil
}

func showState(w io.Writer, store clientstate.Store, chatID string) error {
	seq, err := store.LastSeq(chatID)
	if err != nil {
		return fmt.Errorf("failed to read last seq: %w", err)
	}
	token, err := store.CacheToken(chatID)
	if err != nil {
		return fmt.Errorf("failed to read cache token: %w", err)
	}

	fmt.Fprintf(w, "Chat:        %s\n", chatID)
	fmt.Fprintf(w, "Last seq:    %d\n", seq)
	if token == "" {
		token = "(none)"
	}
	fmt.Fprintf(w, "Cache token: %s\n", token)

	entry, err := store.Artifact(chatID)
	switch {
	case errors.Is(err, clientstate.ErrNotFound):
		fmt.Fprintln(w, "Artifact:    (none)")
	case err != nil:
		return fmt.Errorf("failed to read artifact: %w", err)
	default:
		status := "open"
		if entry.Completed {
			status = "completed"
		}
		fmt.Fprintf(w, "Artifact:    %s %s (%s, captured %s)\n",
			entry.Artifact.CorrelationID, entry.Artifact.ToolName, status,
			entry.CapturedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}
