// Package main implements the kadnode CLI: it runs a DHT node and talks to a
// running one through its control API.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/WebFirstLanguage/kadnet/pkg/constants"
	"github.com/spf13/cobra"
)

// Build-time variables set by ldflags
var (
	version    = "dev"
	buildTime  = "unknown"
	commitHash = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "kadnode",
		Short:         "Kademlia DHT node",
		Long:          `kadnode runs a Kademlia distributed hash table node and queries a running one.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	root.PersistentFlags().String("control", constants.DefaultControlAddress, "control API address of the running node")
	root.PersistentFlags().Duration("timeout", 30*time.Second, "timeout for control API calls")

	root.AddCommand(
		newStartCmd(),
		newPutCmd(),
		newGetCmd(),
		newInfoCmd(),
		newPeersCmd(),
		newPingCmd(),
		newIDCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Display the kadnode version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "kadnode %s\n", version)
			fmt.Fprintf(out, "Built: %s\n", buildTime)
			fmt.Fprintf(out, "Commit: %s\n", commitHash)
		},
	}
}
