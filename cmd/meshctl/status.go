package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/praxisworks/meshflow/common/clients"
	"github.com/praxisworks/meshflow/common/logger"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Inspect a running control node",
	Long: `Query the local inspection API of one control node and print the
selected section.

Examples:
  # Node summary
  meshctl status --addr 10.0.0.5:8080

  # Scheduler bands
  meshctl status --addr 10.0.0.5:8080 --section queue`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().String("addr", "127.0.0.1:8080", "inspection API address (host:port)")
	statusCmd.Flags().String("section", clients.SectionStatus, "one of status, versions, joins, queue, healthz")
	statusCmd.Flags().Duration("timeout", 5*time.Second, "request timeout")

	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	section, _ := cmd.Flags().GetString("section")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	admin := clients.NewAdmin(addr, &http.Client{Timeout: timeout}, logger.New("warn", "text"))
	out, err := admin.Section(ctx, section)
	if err != nil {
		return err
	}

	pretty, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to render response: %v", err)
	}
	fmt.Println(string(pretty))
	return nil
}
