package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var progressCmd = &cobra.Command{
	Use:   "progress",
	Short: "Show aggregate agent-status counts for a repo",
	RunE:  runProgress,
}

func init() {
	rootCmd.AddCommand(progressCmd)
}

func runProgress(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	repo, err := currentRepo()
	if err != nil {
		return err
	}

	p, err := store.GetProgress(ctx, repo)
	if err != nil {
		return fmt.Errorf("failed to compute progress: %w", err)
	}

	if outputFormat == "json" {
		data, err := json.MarshalIndent(p, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("Repo:    %s\n", repo)
	fmt.Printf("Total:   %d\n", p.TotalAgents)
	fmt.Printf("Done:    %d\n", p.Done)
	fmt.Printf("Working: %d\n", p.Working)
	fmt.Printf("Waiting: %d\n", p.Waiting)
	fmt.Printf("Errors:  %d\n", p.Errors)
	fmt.Printf("Idle:    %d\n", p.Idle)
	return nil
}
