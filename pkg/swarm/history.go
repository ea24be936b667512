package swarm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/swarmkernel/swarmd/pkg/models"
)

// RecordStageStarted inserts a new "started" history row, updates the agent
// to reflect the new current stage, and appends a stage_started event whose
// causation id ties together every event this stage cycle produces.
func (s *Store) RecordStageStarted(ctx context.Context, agent models.AgentID, bead models.BeadID, stage models.Stage, attempt int) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, dbErr("failed to begin record_stage_started tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var historyID int64
	if err := tx.QueryRow(ctx, `
		INSERT INTO stage_history (repo_id, agent_number, bead_id, stage, attempt_number, status, started_at)
		VALUES ($1, $2, $3, $4, $5, 'started', now())
		RETURNING id`,
		agent.RepoID, agent.Number, bead, stage, attempt).Scan(&historyID); err != nil {
		return 0, dbErr("failed to insert stage history row", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE agent_state
		SET current_stage = $3, stage_started_at = now(), status = 'working', last_update = now()
		WHERE repo_id = $1 AND agent_number = $2`,
		agent.RepoID, agent.Number, stage); err != nil {
		return 0, dbErr("failed to update agent state on stage start", err)
	}

	causation := stageHistoryCausationID(historyID)
	agentIDStr := agent.String()
	if err := s.appendEventTx(ctx, tx, eventInput{
		RepoID:      agent.RepoID,
		BeadID:      bead,
		AgentID:     &agentIDStr,
		Stage:       &stage,
		EventType:   "stage_started",
		CausationID: &causation,
		Payload:     map[string]any{"transition": "started"},
	}); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, dbErr("failed to commit record_stage_started tx", err)
	}
	return historyID, nil
}

func stageHistoryCausationID(historyID int64) string {
	return "stage-history:" + strconv.FormatInt(historyID, 10)
}

type stageHistoryRow struct {
	ID            int64
	RepoID        models.RepoID
	AgentNumber   uint32
	BeadID        models.BeadID
	Stage         models.Stage
	AttemptNumber int
}

// RecordStageComplete finalizes the in-flight "started" row for
// (agent, bead, stage, attempt), writes a deterministic transcript, applies
// the C4 decision, and appends the matching transition_* event — all as one
// logical stage cycle sharing the started row's causation id.
func (s *Store) RecordStageComplete(ctx context.Context, agent models.AgentID, bead models.BeadID, stage models.Stage, attempt int, result models.StageResult, durationMs int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return dbErr("failed to begin record_stage_complete tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var historyID int64
	err = tx.QueryRow(ctx, `
		SELECT id FROM stage_history
		WHERE repo_id = $1 AND agent_number = $2 AND bead_id = $3 AND stage = $4
		  AND attempt_number = $5 AND status = 'started'
		FOR UPDATE`,
		agent.RepoID, agent.Number, bead, stage, attempt).Scan(&historyID)
	if err == pgx.ErrNoRows {
		return stageErr("no matching started history row for this stage attempt")
	}
	if err != nil {
		return dbErr("failed to locate started history row", err)
	}

	var feedback *string
	if result.HasMessage() {
		msg := result.Message
		feedback = &msg
	}

	if _, err := tx.Exec(ctx, `
		UPDATE stage_history
		SET status = $2, result = $3, feedback = $4, completed_at = now(), duration_ms = $5
		WHERE id = $1`,
		historyID, result.Kind, result.Message, feedback, durationMs); err != nil {
		return dbErr("failed to update stage history row", err)
	}

	artifacts, err := s.listArtifactsByStageHistoryTx(ctx, tx, historyID)
	if err != nil {
		return err
	}

	completedAt := time.Now().UTC().Format(time.RFC3339)
	transcript, err := buildTranscript(stage, attempt, result, historyID, completedAt, artifacts)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE stage_history SET transcript = $2::jsonb
		WHERE id = $1 AND (transcript IS NULL OR transcript::text IS DISTINCT FROM $2::text)`,
		historyID, transcript); err != nil {
		return dbErr("failed to write stage transcript", err)
	}

	if err := s.storeArtifactTx(ctx, tx, historyID, models.ArtifactStageLog, transcript, map[string]any{
		"stage_history_id": historyID, "completed_at": completedAt,
		"artifact_count": len(artifacts), "artifact_types": artifactTypeNames(artifacts),
	}); err != nil {
		return err
	}

	causation := stageHistoryCausationID(historyID)
	agentIDStr := agent.String()
	if err := s.appendEventTx(ctx, tx, eventInput{
		RepoID:      agent.RepoID,
		BeadID:      bead,
		AgentID:     &agentIDStr,
		Stage:       &stage,
		EventType:   "stage_completed",
		CausationID: &causation,
		Payload:     map[string]any{"status": string(result.Kind)},
	}); err != nil {
		return err
	}

	maxAttempts, err := s.maxImplementationAttemptsTx(ctx, tx, agent.RepoID)
	if err != nil {
		return err
	}
	transition := Decide(stage, result.Kind, attempt, maxAttempts)

	if err := s.applyTransitionTx(ctx, tx, transitionApplication{
		Agent:         agent,
		Bead:          bead,
		Stage:         stage,
		Attempt:       attempt,
		HistoryID:     historyID,
		Causation:     causation,
		Transition:    transition,
		FailureMessage: optionalMessage(result),
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return dbErr("failed to commit record_stage_complete tx", err)
	}
	return nil
}

func optionalMessage(result models.StageResult) *string {
	if !result.HasMessage() {
		return nil
	}
	msg := result.Message
	return &msg
}

// buildTranscript composes the deterministic stage_log artifact body. Each
// artifact attached to this stage history row gets its own ref object
// (id, artifact_type, content_hash, created_at), ordered by
// (artifact_type, id) as returned by listArtifactsByStageHistoryTx — two
// artifacts of the same type stay distinguishable, matching
// persist_stage_transcript's artifact_refs shape.
func buildTranscript(stage models.Stage, attempt int, result models.StageResult, historyID int64, completedAt string, artifacts []models.StageArtifact) ([]byte, error) {
	type ref struct {
		ID           int64  `json:"id"`
		ArtifactType string `json:"artifact_type"`
		ContentHash  string `json:"content_hash"`
		CreatedAt    string `json:"created_at"`
	}
	refs := make([]ref, 0, len(artifacts))
	for _, a := range artifacts {
		refs = append(refs, ref{
			ID:           a.ID,
			ArtifactType: a.ArtifactType.String(),
			ContentHash:  a.ContentHash,
			CreatedAt:    a.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	artifactTypes := artifactTypeNames(artifacts)

	transcript := map[string]any{
		"stage":     stage.String(),
		"attempt":   attempt,
		"status":    result.Kind.String(),
		"message":   result.Message,
		"artifacts": refs,
		"metadata": map[string]any{
			"stage_history_id": historyID,
			"completed_at":     completedAt,
			"artifact_count":   len(artifacts),
			"artifact_types":   artifactTypes,
		},
	}
	b, err := json.Marshal(transcript)
	if err != nil {
		return nil, ioErr("failed to encode stage transcript", err)
	}
	return b, nil
}

// artifactTypeNames returns the sorted distinct artifact type names present
// in artifacts, for the transcript's summary metadata.
func artifactTypeNames(artifacts []models.StageArtifact) []string {
	seen := map[string]bool{}
	var types []string
	for _, a := range artifacts {
		t := a.ArtifactType.String()
		if !seen[t] {
			seen[t] = true
			types = append(types, t)
		}
	}
	sort.Strings(types)
	return types
}

func (s *Store) maxImplementationAttemptsTx(ctx context.Context, tx pgx.Tx, repo models.RepoID) (int, error) {
	var max int
	if err := tx.QueryRow(ctx, `
		SELECT max_implementation_attempts FROM swarm_config WHERE repo_id = $1`, repo).Scan(&max); err != nil {
		if err == pgx.ErrNoRows {
			return s.DefaultMaxImplementationAttempts, nil
		}
		return 0, dbErr("failed to read max implementation attempts", err)
	}
	return max, nil
}

// StoreArtifact content-addresses content under (stage_history_id, kind):
// if an identical row already exists it returns that row's id (dedup)
// instead of inserting a duplicate.
func (s *Store) StoreArtifact(ctx context.Context, historyID int64, kind models.ArtifactType, content []byte, metadata map[string]any) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, dbErr("failed to begin store_artifact tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	id, err := s.storeArtifactTx(ctx, tx, historyID, kind, content, metadata)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, dbErr("failed to commit store_artifact tx", err)
	}
	return id, nil
}

func (s *Store) storeArtifactTx(ctx context.Context, tx pgx.Tx, historyID int64, kind models.ArtifactType, content []byte, metadata map[string]any) (int64, error) {
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	var existing int64
	err := tx.QueryRow(ctx, `
		SELECT id FROM stage_artifacts
		WHERE stage_history_id = $1 AND artifact_type = $2 AND content_hash = $3`,
		historyID, kind, hash).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if err != pgx.ErrNoRows {
		return 0, dbErr("failed to check artifact dedup", err)
	}

	var metaJSON []byte
	if metadata != nil {
		metaJSON, err = json.Marshal(metadata)
		if err != nil {
			return 0, ioErr("failed to encode artifact metadata", err)
		}
	}

	var id int64
	if err := tx.QueryRow(ctx, `
		INSERT INTO stage_artifacts (stage_history_id, artifact_type, content, content_hash, metadata)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		historyID, kind, content, hash, metaJSON).Scan(&id); err != nil {
		return 0, dbErr("failed to insert artifact", err)
	}
	return id, nil
}

// ListArtifactsByStageHistory returns every artifact attached to one stage
// run, ordered by (artifact_type, id) for deterministic output.
func (s *Store) ListArtifactsByStageHistory(ctx context.Context, historyID int64) ([]models.StageArtifact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, stage_history_id, artifact_type, content, content_hash, metadata, created_at
		FROM stage_artifacts WHERE stage_history_id = $1
		ORDER BY artifact_type, id`, historyID)
	if err != nil {
		return nil, dbErr("failed to list stage artifacts", err)
	}
	defer rows.Close()
	return scanArtifacts(rows)
}

// ListArtifactsByBeadAndType returns every artifact of kind attached to any
// stage run of bead, oldest first (so callers can take .last() for latest).
func (s *Store) ListArtifactsByBeadAndType(ctx context.Context, repo models.RepoID, bead models.BeadID, kind models.ArtifactType) ([]models.StageArtifact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.id, a.stage_history_id, a.artifact_type, a.content, a.content_hash, a.metadata, a.created_at
		FROM stage_artifacts a
		JOIN stage_history h ON h.id = a.stage_history_id
		WHERE h.repo_id = $1 AND h.bead_id = $2 AND a.artifact_type = $3
		ORDER BY a.created_at ASC, a.id ASC`, repo, bead, kind)
	if err != nil {
		return nil, dbErr("failed to list bead artifacts by type", err)
	}
	defer rows.Close()
	return scanArtifacts(rows)
}

func scanArtifacts(rows pgx.Rows) ([]models.StageArtifact, error) {
	var out []models.StageArtifact
	for rows.Next() {
		var a models.StageArtifact
		var metaJSON []byte
		if err := rows.Scan(&a.ID, &a.StageHistoryID, &a.ArtifactType, &a.Content, &a.ContentHash, &metaJSON, &a.CreatedAt); err != nil {
			return nil, dbErr("failed to scan stage artifact", err)
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &a.Metadata); err != nil {
				return nil, ioErr("failed to decode artifact metadata", err)
			}
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("failed to iterate stage artifacts", err)
	}
	return out, nil
}
