// Package cli wires the takopi commands: the long-running bridge loop and
// the session management front door.
package cli

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/miilv/takopi/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "takopi",
	Short: "Bridge chat messages to coding-agent subprocesses",
	Long: `takopi turns chat messages into coding-agent runs (claude, codex, ...),
streams the agent's progress back as live-edited messages, and keeps
per-chat session state so conversations can be resumed later.

Running 'takopi' without a subcommand is equivalent to 'takopi serve'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to takopi.toml (default: search . and ~/.config/takopi)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// newLogger builds the process logger honoring --debug. Output goes
// through the redacting handler so tokens never reach the log.
func newLogger(cmd *cobra.Command, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		level = slog.LevelDebug
	}
	if w == nil {
		w = os.Stderr
	}
	return logging.New(w, level)
}
