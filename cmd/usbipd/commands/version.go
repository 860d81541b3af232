package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags, defaulting to "dev".
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the usbipd version",
	RunE: func(cmd *cobra.Command, _ []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), Version)
		return nil
	},
}
