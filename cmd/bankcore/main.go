/**
 * @description
 * Entry point for BankCore. The root command groups the process roles:
 * serve (HTTP API, optionally with in-process workers and the sweeper),
 * worker (queue consumer only), sweep (reconcile once or on a schedule) and
 * migrate (create the PostgreSQL schema).
 *
 * @dependencies
 * - github.com/spf13/cobra: Command-line interface.
 */

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

var envDir string

func main() {
	rootCmd := &cobra.Command{
		Use:           "bankcore",
		Short:         "BankCore - payment orchestration and account ledger",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&envDir, "env-dir", ".", "directory holding an optional .env file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(migrateCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
