// Package commands implements the usbipd CLI surface: list/bind/unbind/
// server plus license/version, one file per subcommand, with a root.go
// that owns a persistent --config flag and silenced usage/errors.
package commands

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "usbipd",
	Short: "usbipd-win - export local USB devices over USB/IP",
	Long: `usbipd-win exports USB devices attached to this Windows host to remote
USB/IP clients, typically a Linux kernel VHCI driver running in a VM on the
same machine.

Use "usbipd [command] --help" for more information about a command.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command; called once from cmd/usbipd/main.go.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to the config file")
	rootCmd.PersistentFlags().String("registry-path", "usbipd.db", "path to the SQLite-backed share registry")
	_ = viper.BindPFlag("registry-path", rootCmd.PersistentFlags().Lookup("registry-path"))
	rootCmd.AddCommand(listCmd, bindCmd, unbindCmd, serverCmd, licenseCmd, versionCmd)
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

func exitf(format string, args ...any) {
	rootCmd.PrintErrf(format+"\n", args...)
	os.Exit(1)
}
