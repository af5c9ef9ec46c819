package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fentz26/quizpilot/internal/controlplane"
	"github.com/fentz26/quizpilot/internal/models"
	"github.com/spf13/cobra"
)

var submitCmd = &cobra.Command{
	Use:   "submit [url]",
	Short: "Submit a quiz task to the daemon",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubmit,
}

var chainsCmd = &cobra.Command{
	Use:   "chains",
	Short: "Inspect attempt chains",
}

var chainsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List chains",
	RunE:  runChainsList,
}

var chainsShowCmd = &cobra.Command{
	Use:   "show [chain-id]",
	Short: "Show a chain and its attempts",
	Args:  cobra.ExactArgs(1),
	RunE:  runChainsShow,
}

var chainsAuditCmd = &cobra.Command{
	Use:   "audit [chain-id]",
	Short: "Show the audit trail of a chain",
	Args:  cobra.ExactArgs(1),
	RunE:  runChainsAudit,
}

var (
	submitEmail  string
	submitSecret string
	listEmail    string
	listState    string
	listLimit    int
	showProgram  bool
)

func init() {
	chainsCmd.AddCommand(chainsListCmd, chainsShowCmd, chainsAuditCmd)

	submitCmd.Flags().StringVar(&submitEmail, "email", os.Getenv("QUIZ_EMAIL"), "Student email (default $QUIZ_EMAIL)")
	submitCmd.Flags().StringVar(&submitSecret, "secret", os.Getenv("QUIZ_SECRET"), "Shared secret (default $QUIZ_SECRET)")

	chainsListCmd.Flags().StringVar(&listEmail, "email", "", "Filter by email")
	chainsListCmd.Flags().StringVar(&listState, "state", "", "Filter by state (pending, dispatched, executed, done, failed, ...)")
	chainsListCmd.Flags().IntVar(&listLimit, "limit", 0, "Maximum number of chains to list")

	chainsShowCmd.Flags().BoolVar(&showProgram, "program", false, "Print the executed program of each attempt")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	body := map[string]string{
		"email":  submitEmail,
		"secret": submitSecret,
		"url":    args[0],
	}

	resp, err := apiPost("/receive_request", body)
	if err != nil {
		return err
	}

	var ack controlplane.ReceiveResponse
	if err := json.Unmarshal(resp, &ack); err != nil {
		return err
	}

	fmt.Println(ack.Message)
	fmt.Printf("Chain: %s\n", ack.ChainID)
	return nil
}

func runChainsList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if listEmail != "" {
		q.Set("email", listEmail)
	}
	if listState != "" {
		q.Set("state", listState)
	}
	if listLimit > 0 {
		q.Set("limit", strconv.Itoa(listLimit))
	}
	path := "/chains"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := apiGet(path)
	if err != nil {
		return err
	}

	var chains []models.Chain
	if err := json.Unmarshal(resp, &chains); err != nil {
		return err
	}

	if len(chains) == 0 {
		fmt.Println("No chains found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tFAILURE\tATTEMPTS\tEMAIL\tURL\tUPDATED")
	for _, c := range chains {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			truncateID(c.ID), c.State, c.Failure, c.Attempts, c.Email, truncate(c.URL, 50),
			c.UpdatedAt.Local().Format(time.DateTime))
	}
	w.Flush()
	return nil
}

func runChainsShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/chains/" + url.PathEscape(args[0]))
	if err != nil {
		return err
	}

	var c models.Chain
	if err := json.Unmarshal(resp, &c); err != nil {
		return err
	}

	fmt.Printf("ID:       %s\n", c.ID)
	fmt.Printf("Email:    %s\n", c.Email)
	fmt.Printf("URL:      %s\n", c.URL)
	fmt.Printf("State:    %s\n", c.State)
	if c.Failure != models.FailureNone {
		fmt.Printf("Failure:  %s\n", c.Failure)
		fmt.Printf("Error:    %s\n", c.Error)
	}
	fmt.Printf("Attempts: %d\n", c.Attempts)
	if c.WorkerID != "" {
		fmt.Printf("Worker:   %s\n", c.WorkerID)
	}
	fmt.Printf("Created:  %s\n", c.CreatedAt.Local().Format(time.DateTime))
	fmt.Printf("Updated:  %s\n", c.UpdatedAt.Local().Format(time.DateTime))

	for _, a := range c.History {
		fmt.Printf("\n=== Attempt %d ===\n", a.Seq)
		fmt.Printf("URL:       %s\n", a.URL)
		fmt.Printf("State:     %s\n", a.State)
		if a.Failure != models.FailureNone {
			fmt.Printf("Failure:   %s\n", a.Failure)
			fmt.Printf("Error:     %s\n", a.Error)
		}
		if out := a.Outcome; out != nil {
			fmt.Printf("Outcome:   %s (exit %d, %s)\n", out.Kind, out.ExitCode, out.Duration.Round(time.Millisecond))
			if out.Correct != nil {
				fmt.Printf("Correct:   %t\n", *out.Correct)
			}
			if out.Reason != "" {
				fmt.Printf("Reason:    %s\n", out.Reason)
			}
			if out.FollowUp != "" {
				fmt.Printf("Follow-up: %s\n", out.FollowUp)
			}
			if out.Stdout != "" {
				fmt.Println("Stdout:", truncate(out.Stdout, 200))
			}
		}
		if showProgram && a.Program != "" {
			fmt.Println("\n--- PROGRAM ---")
			fmt.Println(a.Program)
		}
	}
	return nil
}

func runChainsAudit(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/chains/" + url.PathEscape(args[0]) + "/audit")
	if err != nil {
		return err
	}

	var entries []models.AuditEntry
	if err := json.Unmarshal(resp, &entries); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tOUTCOME\tINPUTS\tDETAILS")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format(time.DateTime), e.Action, e.Outcome, truncateID(e.InputsHash), truncate(e.Details, 60))
	}
	w.Flush()
	return nil
}

// --- Helpers ---

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
