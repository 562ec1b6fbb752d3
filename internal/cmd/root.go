// Package cmd provides the CLI commands for chatwire.
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inercia/chatwire/internal/config"
	"github.com/inercia/chatwire/internal/logging"
)

var (
	// Global flags
	configPath    string
	debug         bool
	logLevel      string // --log-level flag (debug, info, warn, error)
	logFile       string
	logComponents string

	// Loaded configuration
	cfg *config.Config
	// configFile is where the configuration was looked up. It may not exist.
	configFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "chatwire",
	Short: "chatwire - a resumable, correlated chat event transport",
	Long: `chatwire keeps a chat session consistent across disconnects.

The serve command runs a reference backend with an echo agent.
The connect command attaches an interactive shell to a chat, resuming
from the last event it saw and answering tool calls and input requests.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for help and completion commands
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		path := configPath
		if path == "" {
			path = config.DefaultConfigPath()
		}
		var err error
		cfg, err = config.LoadOrDefault(path, configPath != "")
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		configFile = path

		if err := logging.Initialize(effectiveLogConfig(cfg)); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		// Clean up logging resources
		return logging.Close()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file path (default: $CHATWIRE_CONFIG or ~/.chatwirerc)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (shorthand for --log-level=debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: from config, else info)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "logfile", "l", "", "Log file path (logs are also written to console)")
	rootCmd.PersistentFlags().StringVar(&logComponents, "log-components", "", "Comma-separated list of components to log (e.g., 'client,transport'). Empty means all components.")
}

// effectiveLogConfig applies the command line flags on top of the
// logging section of c.
// Priority: --log-level flag > --debug flag > config > info.
func effectiveLogConfig(c *config.Config) logging.Config {
	lc := c.LogConfig()
	switch {
	case logLevel != "":
		lc.Level = logLevel
	case debug:
		lc.Level = "debug"
	case lc.Level == "":
		lc.Level = "info"
	}
	if logFile != "" {
		fl := logging.FileLogConfig{Path: logFile}
		if lc.FileLog != nil {
			fl.MaxSizeMB = lc.FileLog.MaxSizeMB
			fl.MaxBackups = lc.FileLog.MaxBackups
			fl.Compress = lc.FileLog.Compress
		}
		lc.FileLog = &fl
	}
	if components := splitComponents(logComponents); len(components) > 0 {
		lc.Components = components
	}
	return lc
}

func splitComponents(s string) []string {
	var components []string
	for _, c := range strings.Split(s, ",") {
		c = strings.TrimSpace(c)
		if c != "" {
			components = append(components, c)
		}
	}
	return components
}
