package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/swarmkernel/swarmd/pkg/models"
)

var unblockBead string

var unblockCmd = &cobra.Command{
	Use:   "unblock",
	Short: "Reopen a blocked bead for a fresh claim",
	RunE:  runUnblock,
}

func init() {
	unblockCmd.Flags().StringVar(&unblockBead, "bead", "", "Bead id to unblock (required)")
	rootCmd.AddCommand(unblockCmd)
}

func runUnblock(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	repo, err := currentRepo()
	if err != nil {
		return err
	}
	if unblockBead == "" {
		return configFlagError("--bead is required")
	}

	if err := store.Unblock(ctx, repo, models.BeadID(unblockBead)); err != nil {
		return fmt.Errorf("failed to unblock bead: %w", err)
	}
	fmt.Printf("Bead '%s' in repo '%s' is pending again\n", unblockBead, repo)
	return nil
}
