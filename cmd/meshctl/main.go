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
	Use:   "meshctl",
	Short: "meshctl - operator tooling for meshflow control nodes",
	Long: `meshctl compiles workflow topologies into rule bases, distributes
them to running control nodes, injects workflow root tokens, inspects
node state, and verifies capture journals offline.

A topology file describes the nodes of one workflow version; deploy
compiles it and ships the fragments over the two-phase distribution
protocol. Nothing is central: every node commits its own copy.`,
	Version: Version,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"meshctl version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
}
