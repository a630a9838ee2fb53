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

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hive",
	Short: "Hive - multi-agent orchestration core",
	Long: `Hive supervises a population of autonomous agents: typed envelope
messaging over an in-process bus, a hash-chained audit ledger with
Merkle roots, signed plugin loading, liveness supervision with
quarantine, stake-weighted promotion and a guarded self-improvement
patch pipeline.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Hive version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(patchCmd)
}
