package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var seedCount int

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Ensure N idle agents exist for a repo, pruning any surplus",
	RunE:  runSeed,
}

func init() {
	seedCmd.Flags().IntVar(&seedCount, "count", 1, "Target number of idle agents")
	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	repo, err := currentRepo()
	if err != nil {
		return err
	}

	if err := store.SeedIdle(ctx, repo, seedCount); err != nil {
		return fmt.Errorf("failed to seed idle agents: %w", err)
	}
	fmt.Printf("Repo '%s' now has %d idle agent(s)\n", repo, seedCount)
	return nil
}
