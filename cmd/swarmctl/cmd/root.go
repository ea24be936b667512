// Package cmd implements swarmctl, the operator CLI for inspecting and
// nudging a running swarm kernel directly against its PostgreSQL store —
// there is no API server in front of it to talk to instead.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/swarmkernel/swarmd/pkg/database"
	"github.com/swarmkernel/swarmd/pkg/models"
	"github.com/swarmkernel/swarmd/pkg/swarm"
)

var (
	repoFlag     string
	outputFormat string
	store        *swarm.Store
	pool         *pgxpool.Pool
)

var rootCmd = &cobra.Command{
	Use:   "swarmctl",
	Short: "CLI for inspecting and driving a swarmd coordination kernel",
	Long: `swarmctl talks directly to the swarm coordination database to report
progress, seed idle agents, enqueue backlog work, and unblock a stuck bead.

Examples:
  swarmctl status --repo my-service
  swarmctl progress --repo my-service
  swarmctl seed --repo my-service --count 4
  swarmctl enqueue --repo my-service --prefix bead --count 10
  swarmctl unblock --repo my-service --bead bead-7`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" {
			return nil
		}
		return initStore()
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if store == nil {
			return nil
		}
		if _, err := store.RecordCommand(context.Background(), models.RepoID(repoFlag), cmd.Name(), args); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to record command audit: %v\n", err)
		}
		return nil
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&repoFlag, "repo", "r", "", "Target repo id (required)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json")
}

func initStore() error {
	ctx := context.Background()
	cfg := database.LoadConfigFromEnv()
	if err := cfg.Validate(); err != nil {
		return err
	}
	p, err := database.NewPool(ctx, cfg)
	if err != nil {
		return err
	}
	pool = p
	store = swarm.NewStore(p, swarm.WithLeaseDuration(cfg.LeaseDuration))
	return nil
}

func currentRepo() (models.RepoID, error) {
	if repoFlag == "" {
		return "", configFlagError("--repo is required")
	}
	return models.RepoID(repoFlag), nil
}

func configFlagError(msg string) error {
	return &flagError{msg}
}

type flagError struct{ msg string }

func (e *flagError) Error() string { return e.msg }
