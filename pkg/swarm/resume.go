package swarm

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/swarmkernel/swarmd/pkg/models"
)

// resumeArtifactTypeNames is the fixed set of artifact kinds a resume
// projection ever surfaces. Build-only kinds like modified_files or
// adversarial_report carry no value for an agent picking a bead back up, so
// they are deliberately excluded.
func resumeArtifactTypeNames() []string {
	types := []models.ArtifactType{
		models.ArtifactContractDocument,
		models.ArtifactImplementationCode,
		models.ArtifactFailureDetails,
		models.ArtifactErrorMessage,
		models.ArtifactFeedback,
		models.ArtifactValidationReport,
		models.ArtifactTestResults,
		models.ArtifactStageLog,
		models.ArtifactRetryPacket,
	}
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = t.String()
	}
	return names
}

// GetFeedbackRequired returns every agent in repo currently in the waiting
// status with non-empty feedback: the set that a human or supervising
// process should review before the swarm can make further progress.
func (s *Store) GetFeedbackRequired(ctx context.Context, repo models.RepoID) ([]models.AgentState, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT repo_id, agent_number, status, current_bead, current_stage, stage_started_at,
		       implementation_attempt, feedback, last_update
		FROM agent_state
		WHERE repo_id = $1 AND status = 'waiting' AND feedback IS NOT NULL
		ORDER BY agent_number`, repo)
	if err != nil {
		return nil, dbErr("failed to query feedback-required agents", err)
	}
	defer rows.Close()

	var out []models.AgentState
	for rows.Next() {
		st, err := scanAgentState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("failed to iterate feedback-required agents", err)
	}
	return out, nil
}

// GetResumeContext builds one projection per agent that currently holds a
// bead and is in working, waiting, or error: its full state, the ordered
// attempt history for that bead, and the latest-per-type artifact summary
// over the fixed resume type set, so a replacement agent can continue
// without replaying the whole event log.
func (s *Store) GetResumeContext(ctx context.Context, repo models.RepoID) ([]models.ResumeContext, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.repo_id, a.agent_number, a.status, a.current_bead, a.current_stage, a.stage_started_at,
		       a.implementation_attempt, a.feedback, a.last_update
		FROM agent_state a
		JOIN bead_claims bc ON bc.bead_id = a.current_bead AND bc.repo_id = a.repo_id
		WHERE a.repo_id = $1 AND a.current_bead IS NOT NULL
		  AND a.status IN ('working', 'waiting', 'error')
		ORDER BY a.current_bead ASC, a.agent_number ASC`, repo)
	if err != nil {
		return nil, dbErr("failed to query resume context agents", err)
	}

	var agents []models.AgentState
	for rows.Next() {
		st, err := scanAgentState(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		agents = append(agents, st)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, dbErr("failed to iterate resume context agents", err)
	}
	rows.Close()

	contexts := make([]models.ResumeContext, 0, len(agents))
	for _, agent := range agents {
		bead := *agent.CurrentBead

		attempts, err := s.resumeAttempts(ctx, repo, bead)
		if err != nil {
			return nil, err
		}
		artifacts, err := s.resumeArtifactSummaries(ctx, repo, bead)
		if err != nil {
			return nil, err
		}

		contexts = append(contexts, models.ResumeContext{
			RepoID:      agent.RepoID,
			AgentNumber: agent.AgentNumber,
			BeadID:      bead,
			Agent:       agent,
			Attempts:    attempts,
			Artifacts:   artifacts,
		})
	}
	return contexts, nil
}

func (s *Store) resumeAttempts(ctx context.Context, repo models.RepoID, bead models.BeadID) ([]models.ResumeAttempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT stage, attempt_number, status, feedback, started_at, completed_at
		FROM stage_history
		WHERE repo_id = $1 AND bead_id = $2
		ORDER BY attempt_number ASC, started_at ASC, id ASC`, repo, bead)
	if err != nil {
		return nil, dbErr("failed to query resume attempts", err)
	}
	defer rows.Close()

	var out []models.ResumeAttempt
	for rows.Next() {
		var a models.ResumeAttempt
		var stage, status string
		if err := rows.Scan(&stage, &a.AttemptNumber, &status, &a.Feedback, &a.StartedAt, &a.CompletedAt); err != nil {
			return nil, dbErr("failed to scan resume attempt", err)
		}
		parsedStage, err := models.ParseStage(stage)
		if err != nil {
			return nil, dbErr("resume attempt has unknown stage", err)
		}
		parsedStatus, err := models.ParseStageResultKind(status)
		if err != nil {
			return nil, dbErr("resume attempt has unknown status", err)
		}
		a.Stage = parsedStage
		a.Status = parsedStatus
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("failed to iterate resume attempts", err)
	}
	return out, nil
}

func (s *Store) resumeArtifactSummaries(ctx context.Context, repo models.RepoID, bead models.BeadID) ([]models.ResumeArtifactSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (sa.artifact_type)
			sa.artifact_type, sa.created_at, sa.content_hash, OCTET_LENGTH(sa.content)
		FROM stage_artifacts sa
		JOIN stage_history sh ON sh.id = sa.stage_history_id
		WHERE sh.repo_id = $1 AND sh.bead_id = $2 AND sa.artifact_type = ANY($3::text[])
		ORDER BY sa.artifact_type, sa.created_at DESC, sa.id DESC`,
		repo, bead, resumeArtifactTypeNames())
	if err != nil {
		return nil, dbErr("failed to query resume artifact summaries", err)
	}
	defer rows.Close()

	var out []models.ResumeArtifactSummary
	for rows.Next() {
		var a models.ResumeArtifactSummary
		var artifactType string
		var byteLength int
		if err := rows.Scan(&artifactType, &a.CreatedAt, &a.ContentHash, &byteLength); err != nil {
			return nil, dbErr("failed to scan resume artifact summary", err)
		}
		parsed, err := models.ParseArtifactType(artifactType)
		if err != nil {
			return nil, dbErr("resume artifact summary has unknown type", err)
		}
		a.ArtifactType = parsed
		a.ByteLength = clampByteLength(byteLength)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("failed to iterate resume artifact summaries", err)
	}

	sortArtifactSummaries(out)
	return out, nil
}

// clampByteLength guards against a negative byte length ever reaching a
// caller, matching the defensive clamp the original implementation applies
// when round-tripping this value through a signed column.
func clampByteLength(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

func sortArtifactSummaries(summaries []models.ResumeArtifactSummary) {
	for i := 1; i < len(summaries); i++ {
		for j := i; j > 0; j-- {
			a, b := summaries[j-1], summaries[j]
			if a.CreatedAt.Before(b.CreatedAt) || (a.CreatedAt.Equal(b.CreatedAt) && a.ArtifactType <= b.ArtifactType) {
				break
			}
			summaries[j-1], summaries[j] = summaries[j], summaries[j-1]
		}
	}
}

// GetDeepResumeContext extends GetResumeContext with the latest failure
// diagnostics and the full content of each latest artifact in the resume
// type set, for callers that need to reconstruct a failing attempt rather
// than just describe it.
func (s *Store) GetDeepResumeContext(ctx context.Context, repo models.RepoID) ([]models.DeepResumeContext, error) {
	base, err := s.GetResumeContext(ctx, repo)
	if err != nil {
		return nil, err
	}
	if len(base) == 0 {
		return nil, nil
	}

	out := make([]models.DeepResumeContext, 0, len(base))
	for _, ctxt := range base {
		diagnostics, err := s.latestFailureDiagnostics(ctx, repo, ctxt.BeadID)
		if err != nil {
			return nil, err
		}
		contents, err := s.resumeArtifactContents(ctx, repo, ctxt.BeadID)
		if err != nil {
			return nil, err
		}
		out = append(out, models.DeepResumeContext{
			ResumeContext:    ctxt,
			Diagnostics:      diagnostics,
			ArtifactContents: contents,
		})
	}
	return out, nil
}

func (s *Store) latestFailureDiagnostics(ctx context.Context, repo models.RepoID, bead models.BeadID) (*models.FailureDiagnostics, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT stage, diag_category, diag_retryable, diag_next_command, diag_detail, created_at
		FROM execution_events
		WHERE entity_id = $1 AND diag_category IS NOT NULL
		ORDER BY seq DESC
		LIMIT 1`, eventEntityID(repo, bead))

	var stage *string
	var d models.FailureDiagnostics
	var retryable *bool
	err := row.Scan(&stage, &d.Category, &retryable, &d.NextCommand, &d.Detail, &d.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, dbErr("failed to query latest failure diagnostics", err)
	}
	if retryable != nil {
		d.Retryable = *retryable
	}
	if stage != nil {
		parsed, err := models.ParseStage(*stage)
		if err != nil {
			return nil, dbErr("failure diagnostics event has unknown stage", err)
		}
		d.Stage = parsed
	}
	return &d, nil
}

func (s *Store) resumeArtifactContents(ctx context.Context, repo models.RepoID, bead models.BeadID) ([]models.ResumeArtifactContent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (sa.artifact_type)
			sa.artifact_type, sa.content, sa.content_hash, sa.created_at
		FROM stage_artifacts sa
		JOIN stage_history sh ON sh.id = sa.stage_history_id
		WHERE sh.repo_id = $1 AND sh.bead_id = $2 AND sa.artifact_type = ANY($3::text[])
		ORDER BY sa.artifact_type, sa.created_at DESC, sa.id DESC`,
		repo, bead, resumeArtifactTypeNames())
	if err != nil {
		return nil, dbErr("failed to query resume artifact contents", err)
	}
	defer rows.Close()

	var out []models.ResumeArtifactContent
	for rows.Next() {
		var c models.ResumeArtifactContent
		var artifactType string
		if err := rows.Scan(&artifactType, &c.Content, &c.ContentHash, &c.CreatedAt); err != nil {
			return nil, dbErr("failed to scan resume artifact content", err)
		}
		parsed, err := models.ParseArtifactType(artifactType)
		if err != nil {
			return nil, dbErr("resume artifact content has unknown type", err)
		}
		c.ArtifactType = parsed
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("failed to iterate resume artifact contents", err)
	}
	return out, nil
}
