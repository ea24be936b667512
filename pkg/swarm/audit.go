package swarm

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/swarmkernel/swarmd/pkg/models"
)

// RecordCommand appends one command_audit row for an external driver
// invocation — swarmctl's entry point for every subcommand, or any other
// caller wrapping the Store. It is not load-bearing for core correctness:
// callers should log and continue rather than fail the command itself on
// an audit-insert error.
func (s *Store) RecordCommand(ctx context.Context, repo models.RepoID, command string, args []string) (models.CommandAudit, error) {
	if args == nil {
		args = []string{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return models.CommandAudit{}, ioErr("failed to encode command audit args", err)
	}

	audit := models.CommandAudit{
		ID:      uuid.NewString(),
		RepoID:  repo,
		Command: command,
		Args:    args,
	}
	if err := s.pool.QueryRow(ctx, `
		INSERT INTO command_audit (id, repo_id, command, args)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		audit.ID, audit.RepoID, audit.Command, argsJSON).Scan(&audit.CreatedAt); err != nil {
		return models.CommandAudit{}, dbErr("failed to record command audit", err)
	}
	return audit, nil
}

// ListRecentCommands returns the most recent command_audit rows for repo,
// newest first.
func (s *Store) ListRecentCommands(ctx context.Context, repo models.RepoID, limit int) ([]models.CommandAudit, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, repo_id, command, args, created_at
		FROM command_audit WHERE repo_id = $1
		ORDER BY created_at DESC LIMIT $2`, repo, limit)
	if err != nil {
		return nil, dbErr("failed to list command audit rows", err)
	}
	defer rows.Close()

	var audits []models.CommandAudit
	for rows.Next() {
		var a models.CommandAudit
		var argsJSON []byte
		if err := rows.Scan(&a.ID, &a.RepoID, &a.Command, &argsJSON, &a.CreatedAt); err != nil {
			return nil, dbErr("failed to scan command audit row", err)
		}
		if len(argsJSON) > 0 {
			if err := json.Unmarshal(argsJSON, &a.Args); err != nil {
				return nil, ioErr("failed to decode command audit args", err)
			}
		}
		audits = append(audits, a)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("failed to iterate command audit rows", err)
	}
	return audits, nil
}
