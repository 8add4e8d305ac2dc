// krypton: cross-device clipboard sync server and admin CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X main.Version=x.y.z".
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "krypton",
		Short: "Cross-device clipboard sync server and admin CLI",
		Long: `krypton synchronises clipboard content across a user's devices
through a central server: copy on one machine, paste on another.

Run "krypton setup" once to generate a config file, a development TLS
certificate, and an initial admin account. Run "krypton start" to start
the sync server. Use "krypton user" and "krypton apikey" to manage
accounts and credentials, and "krypton cleanup" to run a retention sweep
outside its scheduled interval.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newServerCmd(),
		newUserCmd(),
		newApiKeyCmd(),
		newCleanupCmd(),
		newSetupCmd(),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("krypton %s\n", Version)
		},
	}
}
