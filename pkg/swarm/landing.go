package swarm

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/swarmkernel/swarmd/pkg/models"
)

// FinalizeAfterPushConfirmation is the terminal entry point driven by the
// external landing gateway. It refuses to mutate anything unless the caller
// asserts pushConfirmed, since the push itself is non-idempotent and must
// be observed-successful before the bead is allowed to terminalize.
//
// It is idempotent: finalizing an already-completed bead a second time
// succeeds without further mutation (finalizeAgentAndBeadTx already treats
// "already completed" as success), and the landing_sync event it records is
// written through the if-absent path.
func (s *Store) FinalizeAfterPushConfirmation(ctx context.Context, agent models.AgentID, bead models.BeadID, pushConfirmed bool) error {
	if !pushConfirmed {
		return agentErr("completion requires push_confirmed = true")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return dbErr("failed to begin finalize_after_push_confirmation tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.finalizeAgentAndBeadTx(ctx, tx, agent, bead); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return dbErr("failed to commit finalize_after_push_confirmation tx", err)
	}

	return s.RecordLandingSyncOutcomeIfAbsent(ctx, agent, bead, LandingSynchronized, nil)
}

// MarkLandingRetryable routes a bead back through RedQueen (not Implement —
// this is the landing path, distinct from the stage-machine's implement
// retry) after the external landing gateway reports the push needs another
// attempt or has diverged. Both cases are recorded as a retry_scheduled
// landing_sync outcome; no diverged outcome is written here.
func (s *Store) MarkLandingRetryable(ctx context.Context, agent models.AgentID, reason string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return dbErr("failed to begin mark_landing_retryable tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	redQueen := models.StageRedQueen
	if _, err := tx.Exec(ctx, `
		UPDATE agent_state
		SET status = 'waiting', feedback = $3, current_stage = $4, last_update = now()
		WHERE repo_id = $1 AND agent_number = $2`,
		agent.RepoID, agent.Number, reason, redQueen); err != nil {
		return dbErr("failed to mark landing retryable", err)
	}

	var bead *models.BeadID
	if err := tx.QueryRow(ctx, `
		SELECT current_bead FROM agent_state WHERE repo_id = $1 AND agent_number = $2`,
		agent.RepoID, agent.Number).Scan(&bead); err != nil && err != pgx.ErrNoRows {
		return dbErr("failed to look up bead for landing retry", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return dbErr("failed to commit mark_landing_retryable tx", err)
	}

	if bead == nil {
		return nil
	}

	causation := landingRetryCausationID(reason)
	detail := redactSensitive(reason)
	agentIDStr := agent.String()
	if err := s.AppendEventIfAbsent(ctx, eventInput{
		RepoID:      agent.RepoID,
		BeadID:      *bead,
		AgentID:     &agentIDStr,
		Stage:       &redQueen,
		EventType:   "transition_retry",
		CausationID: &causation,
		Payload:     map[string]any{"transition": "retry", "next_stage": redQueen.String()},
		Diagnostics: &models.ArtifactDiagnostics{
			Category:    "landing_failure",
			Retryable:   true,
			NextCommand: "swarm monitor --view failures",
			Detail:      &detail,
		},
	}); err != nil {
		return err
	}

	reasonCopy := reason
	return s.RecordLandingSyncOutcomeIfAbsent(ctx, agent, *bead, LandingRetryScheduled, &reasonCopy)
}

// RecordLandingSyncOutcomeIfAbsent idempotently records one landing_sync
// outcome for bead, deduplicated on the same causation-id shape used by
// every other idempotent write in this package.
func (s *Store) RecordLandingSyncOutcomeIfAbsent(ctx context.Context, agent models.AgentID, bead models.BeadID, status LandingSyncStatus, reason *string) error {
	causation := landingSyncCausationID(status, reason)
	var detail *string
	if reason != nil {
		redacted := redactSensitive(*reason)
		detail = &redacted
	}
	agentIDStr := agent.String()
	return s.AppendEventIfAbsent(ctx, eventInput{
		RepoID:      agent.RepoID,
		BeadID:      bead,
		AgentID:     &agentIDStr,
		EventType:   "landing_sync",
		CausationID: &causation,
		Payload:     map[string]any{"status": string(status)},
		Diagnostics: landingSyncDiagnostics(status, detail),
	})
}

func landingSyncDiagnostics(status LandingSyncStatus, detail *string) *models.ArtifactDiagnostics {
	if status == LandingSynchronized {
		return nil
	}
	return &models.ArtifactDiagnostics{
		Category:    "landing_failure",
		Retryable:   status == LandingRetryScheduled,
		NextCommand: "swarm monitor --view failures",
		Detail:      detail,
	}
}
