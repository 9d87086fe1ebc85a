// Command escrowd runs the escrow status tracker: the HTTP API, the live
// WebSocket feed and, when Redis is configured, the distributed lock and
// the cross-instance relay.
//
// Configuration is read from a YAML file (--config), ESCROW_* environment
// variables and flags, in increasing order of precedence. See config.go
// for the keys.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error: "+err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "escrowd",
		Short: "Escrow status tracking and dependency resolution service",
		Long: `escrowd tracks the status of contracts, tasks, signatures and documents,
blocks transitions while dependencies are unsatisfied, propagates changes to
dependent records and streams every committed write to live subscribers.

Examples:
  escrowd serve --config escrowd.yaml
  ESCROW_STORE_DRIVER=postgres ESCROW_STORE_DSN=postgres://... escrowd serve
  escrowd migrate --config escrowd.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to a YAML config file")

	root.AddCommand(newServeCmd(&cfgFile))
	root.AddCommand(newMigrateCmd(&cfgFile))
	return root
}
