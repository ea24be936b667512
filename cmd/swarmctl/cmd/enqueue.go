package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	enqueuePrefix string
	enqueueCount  int
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Bulk-enqueue pending backlog beads named {prefix}-1..{prefix}-N",
	RunE:  runEnqueue,
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueuePrefix, "prefix", "bead", "Bead name prefix")
	enqueueCmd.Flags().IntVar(&enqueueCount, "count", 1, "Number of beads to enqueue")
	rootCmd.AddCommand(enqueueCmd)
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	repo, err := currentRepo()
	if err != nil {
		return err
	}

	if err := store.EnqueueBacklogBatch(ctx, repo, enqueuePrefix, enqueueCount); err != nil {
		return fmt.Errorf("failed to enqueue backlog batch: %w", err)
	}
	fmt.Printf("Enqueued %d bead(s) with prefix '%s' in repo '%s'\n", enqueueCount, enqueuePrefix, repo)
	return nil
}
