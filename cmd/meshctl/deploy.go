package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/praxisworks/meshflow/cmd/meshctl/distributor"
	"github.com/praxisworks/meshflow/cmd/meshctl/topology"
	"github.com/praxisworks/meshflow/common/logger"
	"github.com/praxisworks/meshflow/common/transport"
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Compile a topology and distribute it to its control nodes",
	Long: `Compile a workflow topology into rule base fragments and ship them
to every node the topology names. The command waits until all nodes
have committed the version or the timeout elapses.

Examples:
  # Deploy a topology
  meshctl deploy -f triage.yaml

  # Print the compiled facts without shipping anything
  meshctl deploy -f triage.yaml --dry-run

  # Derive v007 from the v006 topology with a JSON patch
  meshctl deploy -f triage-v006.yaml --patch reroute.json --version v007`,
	RunE: runDeploy,
}

func init() {
	deployCmd.Flags().StringP("file", "f", "", "topology YAML file (required)")
	deployCmd.Flags().String("version", "", "override the topology's version tag")
	deployCmd.Flags().String("patch", "", "JSON patch file deriving a new version from the topology")
	deployCmd.Flags().String("commit-addr", ":30000", "address to collect commitment ACKs on")
	deployCmd.Flags().Int("fragment-bytes", distributor.DefaultFragmentBytes, "fragment capacity in bytes")
	deployCmd.Flags().Duration("resend", 2*time.Second, "re-send interval for unacknowledged nodes")
	deployCmd.Flags().Duration("timeout", 30*time.Second, "overall deployment deadline")
	deployCmd.Flags().Bool("dry-run", false, "print the compiled facts and exit")
	deployCmd.Flags().Bool("verbose", false, "log every fragment send")
	_ = deployCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(deployCmd)
}

func runDeploy(cmd *cobra.Command, args []string) error {
	file, _ := cmd.Flags().GetString("file")
	version, _ := cmd.Flags().GetString("version")
	patchFile, _ := cmd.Flags().GetString("patch")
	commitAddr, _ := cmd.Flags().GetString("commit-addr")
	fragmentBytes, _ := cmd.Flags().GetInt("fragment-bytes")
	resend, _ := cmd.Flags().GetDuration("resend")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	verbose, _ := cmd.Flags().GetBool("verbose")

	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("failed to read topology: %v", err)
	}
	topo, err := topology.Load(data)
	if err != nil {
		return err
	}

	if patchFile != "" {
		patch, err := os.ReadFile(patchFile)
		if err != nil {
			return fmt.Errorf("failed to read patch: %v", err)
		}
		topo, err = topology.Derive(topo, version, patch)
		if err != nil {
			return err
		}
	} else if version != "" {
		topo.Version = version
	}

	if dryRun {
		facts, err := topo.Facts()
		if err != nil {
			return err
		}
		fmt.Print(facts)
		return nil
	}

	level := "warn"
	if verbose {
		level = "debug"
	}
	log := logger.New(level, "text")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := distributor.New(transport.NewUDPSender(log), distributor.Config{
		CommitmentAddr: commitAddr,
		FragmentBytes:  fragmentBytes,
		Resend:         resend,
		Timeout:        timeout,
	}, log)

	release, deployErr := d.Deploy(ctx, topo)
	if release != nil {
		printRelease(release)
	}
	return deployErr
}

func printRelease(r *distributor.Release) {
	fmt.Printf("Deployment: %s\n", r.DeploymentID)
	fmt.Printf("Version:    %s\n", r.Version)
	fmt.Printf("Fragments:  %d\n", r.Fragments)
	fmt.Printf("Committed:  %d/%d nodes\n", r.Acked(), len(r.Nodes))
	for _, n := range r.Nodes {
		mark := "✓"
		if !n.Acked {
			mark = "✗"
		}
		fmt.Printf("  %s %s (%s)\n", mark, n.Node, n.RuleAddr)
	}
	fmt.Printf("Elapsed:    %s\n", r.Elapsed.Round(time.Millisecond))
}
