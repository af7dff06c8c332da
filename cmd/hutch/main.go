package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// apiAddr is the control plane the CLI subcommands talk to.
var apiAddr string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hutch",
	Short: "Hutch - control plane for multi-tenant Telegram booking bots",
	Long: `Hutch provisions and operates isolated Telegram booking bots:
one container, one database schema and one cache partition per tenant,
with warm-pool fast activation and subscription lifecycle enforcement.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Hutch version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:8080", "Control plane API address")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(tenantCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(poolCmd)
	rootCmd.AddCommand(clusterCmd)
}
