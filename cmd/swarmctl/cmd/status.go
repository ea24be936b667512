package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List active agents (non-idle) for a repo",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	repo, err := currentRepo()
	if err != nil {
		return err
	}

	agents, err := store.GetActiveAgents(ctx, repo)
	if err != nil {
		return fmt.Errorf("failed to list active agents: %w", err)
	}

	if outputFormat == "json" {
		data, err := json.MarshalIndent(agents, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	if len(agents) == 0 {
		fmt.Printf("No active agents in repo '%s'\n", repo)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "AGENT\tSTATUS\tBEAD\tSTAGE\tATTEMPT\tFEEDBACK")
	for _, a := range agents {
		bead := ""
		if a.CurrentBead != nil {
			bead = a.CurrentBead.String()
		}
		stage := ""
		if a.CurrentStage != nil {
			stage = a.CurrentStage.String()
		}
		feedback := ""
		if a.Feedback != nil {
			feedback = truncate(*a.Feedback, 40)
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n",
			a.AgentNumber, a.Status, bead, stage, a.ImplementationAttempt, feedback)
	}
	return w.Flush()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
