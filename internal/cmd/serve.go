package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/chatwire/internal/logging"
	"github.com/inercia/chatwire/internal/web"
)

var (
	serveListen  string
	serveDataDir string
)

// shutdownTimeout bounds how long in-flight agent turns may take to finish.
const shutdownTimeout = 10 * time.Second

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reference chat backend",
	Long: `Run a backend that speaks the chatwire protocol.

Every chat keeps a sequenced event log, in memory or as one JSONL file per
chat under the data directory, and replays it to clients that resume.
User input is answered by a built-in echo agent:

  /tool <name> [json]  issue an awaited tool call
  /ask, /workflow      switch the chat mode
  /input <prompt>      request free-form input

Example:
  chatwire serve                              # Listen on 127.0.0.1:8080
  chatwire serve --listen :9000               # Custom address
  chatwire serve --data-dir ~/.chatwire/chats # Persist chats to disk`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Address to listen on (default: server.listen from config)")
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", "", "Directory for chat event logs (default: server.data_dir, in memory when empty)")
}

func runServe(cmd *cobra.Command, args []string) error {
	serverCfg := cfg.Server
	if cmd.Flags().Changed("listen") {
		serverCfg.Listen = serveListen
	}
	if cmd.Flags().Changed("data-dir") {
		serverCfg.DataDir = serveDataDir
	}

	srv, err := web.NewServer(web.Config{Server: serverCfg})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	listener, err := net.Listen("tcp", serverCfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", serverCfg.Listen, err)
	}

	fmt.Printf("🌐 Serving chats on http://%s\n", listener.Addr())
	if serverCfg.DataDir != "" {
		fmt.Printf("   Event logs: %s\n", serverCfg.DataDir)
	} else {
		fmt.Printf("   Event logs: in memory\n")
	}

	// Handle signals for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(listener) }()

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) && !srv.IsShutdown() {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case sig := <-sigChan:
		logging.Web().Info("shutting down", "signal", sig.String())
		fmt.Println("\n👋 Shutting down...")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	<-errc
	return nil
}
