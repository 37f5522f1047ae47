package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is stamped by the release build.
var version = "0.1.0-dev"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the execd version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("execd " + version)
		},
	}
}
