package cmd

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Execute runs the command using program args and exits on failure.
func Execute() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "execd",
		Short: "Command execution worker for monitoring masters",
	}
	cmd.AddCommand(runCmd(), execCmd(), versionCmd())
	return cmd
}

func newLogger(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("component", "execd").Logger()
}
