// ABOUTME: The cleanup subcommand pruning stale sessions and old agent records
// ABOUTME: Calls the daemon's cleanup endpoints with a retention window

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

func newCleanupCmd() *cobra.Command {
	var addr string
	var maxAgeHours float64

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove stale sessions and old agent session records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCleanup(addr, maxAgeHours)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:8484", "address of the switchboard daemon")
	cmd.Flags().Float64Var(&maxAgeHours, "max-age-hours", 24, "remove records older than this many hours")
	return cmd
}

func runCleanup(addr string, maxAgeHours float64) error {
	client := &http.Client{Timeout: 30 * time.Second}

	sessions, err := postCleanup(client, addr+"/api/sessions/cleanup", maxAgeHours)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d stale sessions\n", sessions)

	agents, err := postCleanup(client, addr+"/api/agents/cleanup", maxAgeHours)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d old agent sessions\n", agents)

	return nil
}

func postCleanup(client *http.Client, url string, maxAgeHours float64) (int64, error) {
	body, err := json.Marshal(map[string]float64{"max_age_hours": maxAgeHours})
	if err != nil {
		return 0, err
	}

	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("calling %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}

	var result map[string]int64
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("decoding %s: %w", url, err)
	}
	return result["removed"], nil
}
