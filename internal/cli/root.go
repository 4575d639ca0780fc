package cli

import (
	"github.com/spf13/cobra"

	"github.com/kkshell/kksh/internal/logging"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "kksh",
	Short: "kksh - an SSH client with X11 forwarding",
	Long: `kksh opens interactive SSH shells, verifies host keys against a
known_hosts trust store, and bridges X11 channels the server opens to the
local display. Saved sessions live in config.yaml; "kksh serve" exposes the
engine over a local gRPC API.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Setup(logLevel)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
}

func Execute() error {
	return rootCmd.Execute()
}
