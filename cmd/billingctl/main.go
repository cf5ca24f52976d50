package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "billingctl",
	Short: "Operator commands for the billing core",
	Long: `billingctl replays dead-lettered webhooks, runs margin passes and
inspects or resets usage ledgers against the configured database and Redis.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	rootCmd.AddCommand(marginCmd)
	rootCmd.AddCommand(ledgerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
