// helperctl is a command-line client for the helper daemon, covering the
// full IPC surface. It is mainly a debugging and scripting tool; the GUI
// front-end speaks the same protocol directly.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mihomo-helper/internal/core"
	"mihomo-helper/internal/ipc"
)

var (
	version = "dev"

	socketPath string
	client     *ipc.Client
)

func main() {
	root := &cobra.Command{
		Use:           "helperctl",
		Short:         "Control client for the mihomo helper daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			client = ipc.NewClient(socketPath)
		},
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", core.DefaultSocketPath,
		"Path to the daemon's unix socket")

	root.AddCommand(
		versionCmd(),
		statusCmd(),
		engineCmd(),
		proxyCmd(),
		dnsCmd(),
		tunCmd(),
		portsCmd(),
		probeCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
