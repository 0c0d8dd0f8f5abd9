// ABOUTME: The status subcommand showing live switchboard state
// ABOUTME: Renders sessions, agents, and account budgets from the HTTP API

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type sessionView struct {
	ID               string `json:"id"`
	User             string `json:"user"`
	Project          string `json:"project"`
	Branch           string `json:"branch"`
	CurrentOperation string `json:"current_operation"`
	LastActivityAt   string `json:"last_activity_at"`
}

type agentView struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Prompt    string `json:"prompt"`
	CWD       string `json:"cwd"`
	CreatedAt string `json:"created_at"`
}

type accountStatusView struct {
	Account struct {
		ID           string  `json:"id"`
		UsagePercent float64 `json:"usage_percent"`
	} `json:"account"`
	Urgency   float64 `json:"urgency"`
	ResetAt   string  `json:"reset_at"`
	Exhausted bool    `json:"exhausted"`
}

type accountStatusReport struct {
	AllExhausted bool                `json:"all_exhausted"`
	Accounts     []accountStatusView `json:"accounts"`
}

func newStatusCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show active sessions, agents, and account budgets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:8484", "address of the switchboard daemon")
	return cmd
}

func runStatus(addr string) error {
	client := &http.Client{Timeout: 10 * time.Second}

	var sessions []sessionView
	if err := fetchJSON(client, addr+"/api/sessions", &sessions); err != nil {
		return err
	}

	var agents []agentView
	if err := fetchJSON(client, addr+"/api/agents", &agents); err != nil {
		return err
	}

	var accountReport accountStatusReport
	if err := fetchJSON(client, addr+"/api/accounts/status", &accountReport); err != nil {
		return err
	}

	bold := color.New(color.Bold)

	bold.Printf("Sessions (%d)\n", len(sessions))
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSER\tPROJECT\tBRANCH\tOPERATION\tLAST ACTIVITY")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.User, s.Project, s.Branch, s.CurrentOperation, s.LastActivityAt)
	}
	w.Flush()

	bold.Printf("\nAgent sessions (%d)\n", len(agents))
	w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tCWD\tCREATED")
	for _, a := range agents {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.ID, colorStatus(a.Status), a.CWD, a.CreatedAt)
	}
	w.Flush()

	bold.Printf("\nAccounts (%d)\n", len(accountReport.Accounts))
	if accountReport.AllExhausted {
		color.Red("all accounts exhausted")
	}
	w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSED\tURGENCY\tRESETS\tSTATE")
	for _, st := range accountReport.Accounts {
		state := color.GreenString("ok")
		if st.Exhausted {
			state = color.RedString("exhausted")
		}
		fmt.Fprintf(w, "%s\t%.1f%%\t%.2f\t%s\t%s\n",
			st.Account.ID, st.Account.UsagePercent, st.Urgency, st.ResetAt, state)
	}
	w.Flush()

	return nil
}

func colorStatus(status string) string {
	switch status {
	case "running":
		return color.GreenString(status)
	case "pending":
		return color.YellowString(status)
	case "failed", "killed", "timeout":
		return color.RedString(status)
	default:
		return status
	}
}

func fetchJSON(client *http.Client, url string, v any) error {
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding %s: %w", url, err)
	}
	return nil
}
