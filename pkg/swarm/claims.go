package swarm

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/swarmkernel/swarmd/pkg/models"
)

// ClaimNext picks the earliest-arrival, highest-priority claimable backlog
// row for agent and assigns it, after first recovering any expired leases
// in the same repo. It returns (bead, true) on success, ("", false) when
// the backlog has nothing claimable.
func (s *Store) ClaimNext(ctx context.Context, agent models.AgentID) (models.BeadID, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", false, dbErr("failed to begin claim_next tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	recovered, err := s.recoverExpiredTx(ctx, tx, agent.RepoID)
	if err != nil {
		return "", false, err
	}

	var beadID models.BeadID
	err = tx.QueryRow(ctx, `
		SELECT bead_id
		FROM bead_backlog
		WHERE repo_id = $1 AND status = 'pending'
		ORDER BY priority ASC, arrival ASC, bead_id ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1`,
		agent.RepoID).Scan(&beadID)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, dbErr("failed to select next backlog bead", err)
	}

	if err := s.assignClaimTx(ctx, tx, agent, beadID, s.LeaseDuration); err != nil {
		return "", false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", false, dbErr("failed to commit claim_next tx", err)
	}
	s.metrics.observeClaimsRecovered(recovered)
	s.metrics.observeClaimIssued(agent.RepoID.String())
	return beadID, true, nil
}

// ClaimSpecific attempts to claim a caller-named bead, returning false if it
// is already actively claimed by anyone.
func (s *Store) ClaimSpecific(ctx context.Context, agent models.AgentID, bead models.BeadID) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, dbErr("failed to begin claim_specific tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var exists bool
	err = tx.QueryRow(ctx, `SELECT 1 FROM bead_backlog WHERE repo_id = $1 AND bead_id = $2 FOR UPDATE`,
		agent.RepoID, bead).Scan(new(int))
	if err != nil && err != pgx.ErrNoRows {
		return false, dbErr("failed to lock backlog bead", err)
	}
	exists = err == nil

	var alreadyClaimed bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM bead_claims
			WHERE repo_id = $1 AND bead_id = $2 AND status = 'in_progress'
			FOR UPDATE
		)`, agent.RepoID, bead).Scan(&alreadyClaimed); err != nil {
		return false, dbErr("failed to inspect bead claims", err)
	}
	if alreadyClaimed {
		return false, nil
	}

	if !exists {
		if _, err := tx.Exec(ctx, `
			INSERT INTO bead_backlog (repo_id, bead_id, priority, status, arrival)
			VALUES ($1, $2, 'p0', 'pending', extract(epoch from now())::bigint)
			ON CONFLICT (repo_id, bead_id) DO NOTHING`, agent.RepoID, bead); err != nil {
			return false, dbErr("failed to insert backlog bead", err)
		}
	}

	if err := s.assignClaimTx(ctx, tx, agent, bead, s.LeaseDuration); err != nil {
		var swErr *Error
		if asErr(err, &swErr) && swErr.Kind == KindBead {
			return false, nil
		}
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, dbErr("failed to commit claim_specific tx", err)
	}
	s.metrics.observeClaimIssued(agent.RepoID.String())
	return true, nil
}

// assignClaimTx inserts the claim row, marks the backlog row in_progress,
// and updates the agent to working/RustContract. It returns a bead-kind
// Error (not committed, caller rolls back) if the claim insert loses a race.
func (s *Store) assignClaimTx(ctx context.Context, tx pgx.Tx, agent models.AgentID, bead models.BeadID, lease time.Duration) error {
	if _, err := tx.Exec(ctx, `
		UPDATE bead_backlog SET status = 'in_progress' WHERE repo_id = $1 AND bead_id = $2`,
		agent.RepoID, bead); err != nil {
		return dbErr("failed to mark backlog bead in_progress", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO bead_claims (repo_id, bead_id, claimed_by, status, heartbeat_at, lease_expires_at)
		VALUES ($1, $2, $3, 'in_progress', now(), now() + $4::interval)
		ON CONFLICT (repo_id, bead_id) DO NOTHING`,
		agent.RepoID, bead, agent.Number, lease.String())
	if err != nil {
		return dbErr("failed to insert bead claim", err)
	}
	if tag.RowsAffected() != 1 {
		return beadErr(fmt.Sprintf("bead %s already actively claimed", bead))
	}

	stage := models.StageRustContract
	if _, err := tx.Exec(ctx, `
		UPDATE agent_state
		SET current_bead = $3, current_stage = $4, stage_started_at = now(), status = 'working', last_update = now()
		WHERE repo_id = $1 AND agent_number = $2`,
		agent.RepoID, agent.Number, bead, stage); err != nil {
		return dbErr("failed to update agent state on claim", err)
	}
	return nil
}

// Heartbeat extends the lease on agent's active claim on bead, monotonically.
func (s *Store) Heartbeat(ctx context.Context, agent models.AgentID, bead models.BeadID, extension time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE bead_claims
		SET heartbeat_at = now(),
		    lease_expires_at = GREATEST(lease_expires_at, now() + $4::interval)
		WHERE repo_id = $1 AND bead_id = $2 AND claimed_by = $3 AND status = 'in_progress'`,
		agent.RepoID, bead, agent.Number, extension.String())
	if err != nil {
		return false, dbErr("failed to heartbeat claim", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecoverExpired reassigns every claim in repo whose lease has expired,
// returning the number recovered.
func (s *Store) RecoverExpired(ctx context.Context, repo models.RepoID) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, dbErr("failed to begin recover_expired tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	n, err := s.recoverExpiredTx(ctx, tx, repo)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, dbErr("failed to commit recover_expired tx", err)
	}
	s.metrics.observeClaimsRecovered(n)
	return n, nil
}

func (s *Store) recoverExpiredTx(ctx context.Context, tx pgx.Tx, repo models.RepoID) (int, error) {
	rows, err := tx.Query(ctx, `
		SELECT bead_id, claimed_by
		FROM bead_claims
		WHERE repo_id = $1 AND status = 'in_progress' AND lease_expires_at <= now()
		FOR UPDATE`, repo)
	if err != nil {
		return 0, dbErr("failed to select expired claims", err)
	}
	type expired struct {
		bead  models.BeadID
		agent uint32
	}
	var victims []expired
	for rows.Next() {
		var v expired
		if err := rows.Scan(&v.bead, &v.agent); err != nil {
			rows.Close()
			return 0, dbErr("failed to scan expired claim", err)
		}
		victims = append(victims, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, dbErr("failed to iterate expired claims", err)
	}

	for _, v := range victims {
		if _, err := tx.Exec(ctx, `
			DELETE FROM bead_claims WHERE repo_id = $1 AND bead_id = $2`, repo, v.bead); err != nil {
			return 0, dbErr("failed to delete expired claim", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE agent_state
			SET status = 'idle', current_bead = NULL, current_stage = NULL,
			    stage_started_at = NULL, implementation_attempt = 0, last_update = now()
			WHERE repo_id = $1 AND agent_number = $2`, repo, v.agent); err != nil {
			return 0, dbErr("failed to reset recovered agent", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE bead_backlog SET status = 'pending' WHERE repo_id = $1 AND bead_id = $2`,
			repo, v.bead); err != nil {
			return 0, dbErr("failed to reset recovered backlog bead", err)
		}
		cause := fmt.Sprintf("claim:%s:expired", v.bead)
		var recorded bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS(
				SELECT 1 FROM execution_events
				WHERE (entity_id = $1 OR entity_id = $2) AND event_type = 'claim_recovered' AND causation_id = $3
			)`, eventEntityID(repo, v.bead), "bead:"+string(v.bead), cause).Scan(&recorded); err != nil {
			return 0, dbErr("failed to check claim_recovered event", err)
		}
		if recorded {
			continue
		}
		if err := s.appendEventTx(ctx, tx, eventInput{
			RepoID:      repo,
			BeadID:      v.bead,
			EventType:   "claim_recovered",
			CausationID: &cause,
			Payload:     map[string]any{"recovered_agent": v.agent},
		}); err != nil {
			return 0, err
		}
	}
	return len(victims), nil
}

// Release clears agent's current assignment, deletes its claim and any
// messages tied to the bead, and returns the backlog row to pending (unless
// it is already completed). Returns ("", false) if the agent held nothing.
func (s *Store) Release(ctx context.Context, agent models.AgentID) (models.BeadID, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", false, dbErr("failed to begin release tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var bead *models.BeadID
	if err := tx.QueryRow(ctx, `
		SELECT current_bead FROM agent_state WHERE repo_id = $1 AND agent_number = $2 FOR UPDATE`,
		agent.RepoID, agent.Number).Scan(&bead); err != nil && err != pgx.ErrNoRows {
		return "", false, dbErr("failed to read agent state for release", err)
	}
	if bead == nil {
		return "", false, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE agent_state
		SET status = 'idle', current_bead = NULL, current_stage = NULL,
		    stage_started_at = NULL, implementation_attempt = 0, feedback = NULL, last_update = now()
		WHERE repo_id = $1 AND agent_number = $2`, agent.RepoID, agent.Number); err != nil {
		return "", false, dbErr("failed to reset agent on release", err)
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM bead_claims WHERE repo_id = $1 AND bead_id = $2 AND claimed_by = $3`,
		agent.RepoID, *bead, agent.Number); err != nil {
		return "", false, dbErr("failed to delete claim on release", err)
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM agent_messages WHERE bead_id = $1 AND (from_repo = $2 OR to_repo = $2)`,
		*bead, agent.RepoID); err != nil {
		return "", false, dbErr("failed to clear messages on release", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE bead_backlog SET status = 'pending'
		WHERE repo_id = $1 AND bead_id = $2 AND status <> 'completed'`,
		agent.RepoID, *bead); err != nil {
		return "", false, dbErr("failed to reset backlog bead on release", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", false, dbErr("failed to commit release tx", err)
	}
	return *bead, true, nil
}

// MarkBlocked records a caller-driven terminal failure: the claim and
// backlog row move to blocked, the agent moves to error, and a
// transition_blocked event is appended.
func (s *Store) MarkBlocked(ctx context.Context, agent models.AgentID, bead models.BeadID, reason string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return dbErr("failed to begin mark_blocked tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE bead_claims SET status = 'blocked'
		WHERE repo_id = $1 AND bead_id = $2 AND claimed_by = $3 AND status = 'in_progress'`,
		agent.RepoID, bead, agent.Number)
	if err != nil {
		return dbErr("failed to block claim", err)
	}
	if tag.RowsAffected() != 1 {
		return agentErr(fmt.Sprintf("agent %d does not own active claim for bead %s", agent.Number, bead))
	}

	if _, err := tx.Exec(ctx, `
		UPDATE bead_backlog SET status = 'blocked' WHERE repo_id = $1 AND bead_id = $2`,
		agent.RepoID, bead); err != nil {
		return dbErr("failed to block backlog bead", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE agent_state SET status = 'error', feedback = $3, last_update = now()
		WHERE repo_id = $1 AND agent_number = $2`,
		agent.RepoID, agent.Number, reason); err != nil {
		return dbErr("failed to mark agent error", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return dbErr("failed to commit mark_blocked tx", err)
	}
	s.metrics.observeBeadBlocked(agent.RepoID.String())

	detail := redactSensitive(reason)
	agentIDStr := agent.String()
	return s.AppendEvent(ctx, eventInput{
		RepoID:    agent.RepoID,
		BeadID:    bead,
		AgentID:   &agentIDStr,
		EventType: "transition_blocked",
		Payload:   map[string]any{"transition": "blocked"},
		Diagnostics: &models.ArtifactDiagnostics{
			Category:    "max_attempts_exhausted",
			Retryable:   false,
			NextCommand: "swarm monitor --view failures",
			Detail:      &detail,
		},
	})
}

// BacklogDepth returns the number of pending backlog rows for repo and
// refreshes the corresponding gauge.
func (s *Store) BacklogDepth(ctx context.Context, repo models.RepoID) (int, error) {
	var depth int
	if err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM bead_backlog WHERE repo_id = $1 AND status = 'pending'`, repo).
		Scan(&depth); err != nil {
		return 0, dbErr("failed to count backlog depth", err)
	}
	s.metrics.setBacklogDepth(repo.String(), depth)
	return depth, nil
}

// Unblock reopens a blocked bead for a fresh claim: the backlog row returns
// to pending and the stale blocked claim (if any) is removed. It is an
// operator-driven recovery path, not something the stage pipeline calls
// itself — a bead only reaches blocked via MarkBlocked after exhausting its
// attempts, and getting it moving again is a deliberate human decision.
func (s *Store) Unblock(ctx context.Context, repo models.RepoID, bead models.BeadID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return dbErr("failed to begin unblock tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE bead_backlog SET status = 'pending' WHERE repo_id = $1 AND bead_id = $2 AND status = 'blocked'`,
		repo, bead)
	if err != nil {
		return dbErr("failed to unblock backlog bead", err)
	}
	if tag.RowsAffected() == 0 {
		return beadErr(fmt.Sprintf("bead %s is not blocked", bead))
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM bead_claims WHERE repo_id = $1 AND bead_id = $2 AND status = 'blocked'`,
		repo, bead); err != nil {
		return dbErr("failed to delete blocked claim", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return dbErr("failed to commit unblock tx", err)
	}
	return nil
}

// EnqueueBacklogBatch bulk-inserts count pending backlog rows named
// "{prefix}-1" .. "{prefix}-count". Bootstrap/seed tooling only, never
// called by the stage pipeline itself.
func (s *Store) EnqueueBacklogBatch(ctx context.Context, repo models.RepoID, prefix string, count int) error {
	if count <= 0 {
		return configErr("enqueue_backlog_batch count must be positive")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bead_backlog (repo_id, bead_id, priority, status, arrival)
		SELECT $1, format('%s-%s', $2::text, g), 'p0', 'pending', g
		FROM generate_series(1, $3) AS g`,
		repo, prefix, count)
	if err != nil {
		return dbErr("failed to enqueue backlog batch", err)
	}
	return nil
}
