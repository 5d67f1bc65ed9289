package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// buildHealthCmd creates the "health" command: a thin client against a
// running daemon's GET /v1/health, for use in deploy scripts and
// container healthchecks.
func buildHealthCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check a running anvild's health endpoint",
		Example: `  # Check the default local daemon
  anvild health

  # Check a remote daemon
  anvild health --addr anvil.internal:4200`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealth(cmd, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "localhost:4200", "host:port of the running anvild")
	return cmd
}

func runHealth(cmd *cobra.Command, addr string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/v1/health", addr))
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read health response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("anvild at %s reported status %d: %s", addr, resp.StatusCode, body)
	}

	var parsed struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("decode health response: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "anvild at %s: %s (version %s)\n", addr, parsed.Status, parsed.Version)
	return nil
}
