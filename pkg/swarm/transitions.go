package swarm

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/swarmkernel/swarmd/pkg/models"
)

type transitionApplication struct {
	Agent          models.AgentID
	Bead           models.BeadID
	Stage          models.Stage
	Attempt        int
	HistoryID      int64
	Causation      string
	Transition     Transition
	FailureMessage *string
}

// applyTransitionTx appends the transition_* event matching decision and
// performs whatever state mutation that transition implies, all within the
// caller's stage-completion transaction so a crash can never leave the
// history row completed without its transition recorded or vice versa.
//
// Block is folded into the same handling as NoOp here: the stage-history
// auto-apply path does not itself move a bead to blocked. That stays the
// caller-driven responsibility of MarkBlocked (C2), which already performs
// the full claim/backlog/agent transition with its own diagnostics. Decide
// still reports Block distinctly so callers and tests can observe the
// attempt-exhausted decision before choosing to call MarkBlocked.
func (s *Store) applyTransitionTx(ctx context.Context, tx pgx.Tx, in transitionApplication) error {
	agentIDStr := in.Agent.String()
	causation := in.Causation
	s.metrics.observeTransition(string(in.Transition.Kind))

	switch in.Transition.Kind {
	case TransitionComplete:
		if err := s.finalizeAgentAndBeadTx(ctx, tx, in.Agent, in.Bead); err != nil {
			return err
		}
		return s.appendEventTx(ctx, tx, eventInput{
			RepoID:      in.Agent.RepoID,
			BeadID:      in.Bead,
			AgentID:     &agentIDStr,
			Stage:       &in.Stage,
			EventType:   "transition_finalize",
			CausationID: &causation,
			Payload:     map[string]any{"transition": "finalize"},
		})

	case TransitionAdvance:
		if err := s.advanceToStageTx(ctx, tx, in.Agent, in.Transition.Next); err != nil {
			return err
		}
		return s.appendEventTx(ctx, tx, eventInput{
			RepoID:      in.Agent.RepoID,
			BeadID:      in.Bead,
			AgentID:     &agentIDStr,
			Stage:       &in.Stage,
			EventType:   "transition_advance",
			CausationID: &causation,
			Payload:     map[string]any{"transition": "advance", "next_stage": in.Transition.Next.String()},
		})

	case TransitionRetry:
		if err := s.composeRetryPacketTx(ctx, tx, in.Agent, in.Bead, in.Stage, in.Attempt, in.HistoryID, in.FailureMessage); err != nil {
			return err
		}
		var feedback *string
		if in.FailureMessage != nil {
			feedback = in.FailureMessage
		}
		if _, err := tx.Exec(ctx, `
			UPDATE agent_state
			SET status = 'waiting', feedback = $3, implementation_attempt = implementation_attempt + 1,
			    current_stage = 'implement', last_update = now()
			WHERE repo_id = $1 AND agent_number = $2`,
			in.Agent.RepoID, in.Agent.Number, feedback); err != nil {
			return dbErr("failed to record retry transition", err)
		}
		diag := buildFailureDiagnostics(in.FailureMessage)
		return s.appendEventTx(ctx, tx, eventInput{
			RepoID:      in.Agent.RepoID,
			BeadID:      in.Bead,
			AgentID:     &agentIDStr,
			Stage:       &in.Stage,
			EventType:   "transition_retry",
			CausationID: &causation,
			Diagnostics: &diag,
			Payload:     map[string]any{"transition": "retry", "next_stage": models.StageImplement.String()},
		})

	default: // TransitionNoOp, TransitionBlock
		return s.appendEventTx(ctx, tx, eventInput{
			RepoID:      in.Agent.RepoID,
			BeadID:      in.Bead,
			AgentID:     &agentIDStr,
			Stage:       &in.Stage,
			EventType:   "transition_noop",
			CausationID: &causation,
			Payload:     map[string]any{"transition": "noop"},
		})
	}
}

func (s *Store) advanceToStageTx(ctx context.Context, tx pgx.Tx, agent models.AgentID, next models.Stage) error {
	if _, err := tx.Exec(ctx, `
		UPDATE agent_state
		SET current_stage = $3, stage_started_at = now(), status = 'working', last_update = now()
		WHERE repo_id = $1 AND agent_number = $2`,
		agent.RepoID, agent.Number, next); err != nil {
		return dbErr("failed to advance agent stage", err)
	}
	return nil
}

// finalizeAgentAndBeadTx marks the claim and agent completed. It is
// idempotent: if the claim is already completed (a second caller racing
// against the first), it succeeds without mutation rather than erroring.
func (s *Store) finalizeAgentAndBeadTx(ctx context.Context, tx pgx.Tx, agent models.AgentID, bead models.BeadID) error {
	tag, err := tx.Exec(ctx, `
		UPDATE bead_claims SET status = 'completed'
		WHERE repo_id = $1 AND bead_id = $2 AND claimed_by = $3 AND status = 'in_progress'`,
		agent.RepoID, bead, agent.Number)
	if err != nil {
		return dbErr("failed to finalize bead claim", err)
	}

	if tag.RowsAffected() != 1 {
		var existingStatus string
		err := tx.QueryRow(ctx, `
			SELECT status FROM bead_claims
			WHERE repo_id = $1 AND bead_id = $2 AND claimed_by = $3`,
			agent.RepoID, bead, agent.Number).Scan(&existingStatus)
		if err != nil && err != pgx.ErrNoRows {
			return dbErr("failed to read existing claim while finalizing", err)
		}
		if existingStatus == "completed" {
			return nil
		}
		return agentErr("agent does not own active claim for bead")
	}

	if _, err := tx.Exec(ctx, `
		UPDATE agent_state SET status = 'done', current_stage = 'done', last_update = now()
		WHERE repo_id = $1 AND agent_number = $2 AND current_bead = $3`,
		agent.RepoID, agent.Number, bead); err != nil {
		return dbErr("failed to finalize agent state", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE bead_backlog SET status = 'completed' WHERE repo_id = $1 AND bead_id = $2`,
		agent.RepoID, bead); err != nil {
		return dbErr("failed to finalize backlog bead", err)
	}
	return nil
}
