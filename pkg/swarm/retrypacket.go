package swarm

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/swarmkernel/swarmd/pkg/models"
)

// contextArtifactTypes are the kinds a retry packet always carries a
// latest-per-type reference for, beyond whatever the failing stage itself
// produced.
var contextArtifactTypes = []models.ArtifactType{
	models.ArtifactImplementationCode,
	models.ArtifactTestResults,
	models.ArtifactTestOutput,
}

// composeRetryPacketTx builds and stores exactly one retry_packet artifact
// on historyID, ahead of the transition_retry event, per C6's packet
// contract: every artifact from the current stage plus a latest-per-type
// reference (or missing placeholder) for implementation_code, test_results,
// and test_output.
func (s *Store) composeRetryPacketTx(ctx context.Context, tx pgx.Tx, agent models.AgentID, bead models.BeadID, stage models.Stage, attempt int, historyID int64, failureMessage *string) error {
	maxAttempts, err := s.maxImplementationAttemptsTx(ctx, tx, agent.RepoID)
	if err != nil {
		return err
	}
	remaining := maxAttempts - attempt
	if remaining < 0 {
		remaining = 0
	}

	diag := buildFailureDiagnostics(failureMessage)

	var refs []map[string]any
	seenTypes := map[models.ArtifactType]bool{}

	currentStageArtifacts, err := s.listArtifactsByStageHistoryTx(ctx, tx, historyID)
	if err != nil {
		return err
	}
	for _, a := range currentStageArtifacts {
		seenTypes[a.ArtifactType] = true
		refs = append(refs, map[string]any{
			"artifact_id":      a.ID,
			"artifact_type":    a.ArtifactType.String(),
			"content_hash":     a.ContentHash,
			"metadata":         a.Metadata,
			"created_at":       a.CreatedAt.UTC().Format(time.RFC3339),
			"stage_history_id": a.StageHistoryID,
			"context":          "current_stage",
		})
	}

	for _, t := range contextArtifactTypes {
		if seenTypes[t] {
			continue
		}
		latest, ok, err := s.latestArtifactByTypeTx(ctx, tx, agent.RepoID, bead, t)
		if err != nil {
			return err
		}
		if ok {
			refs = append(refs, map[string]any{
				"artifact_id":      latest.ID,
				"artifact_type":    latest.ArtifactType.String(),
				"content_hash":     latest.ContentHash,
				"metadata":         latest.Metadata,
				"created_at":       latest.CreatedAt.UTC().Format(time.RFC3339),
				"stage_history_id": latest.StageHistoryID,
				"context":          "latest_per_type",
			})
			continue
		}
		refs = append(refs, map[string]any{
			"artifact_type": t.String(),
			"missing":       true,
			"context":       "latest_per_type",
		})
	}

	var failureMessageRedacted *string
	if failureMessage != nil {
		redacted := redactSensitive(*failureMessage)
		failureMessageRedacted = &redacted
	}

	packet := map[string]any{
		"bead_id":            bead.String(),
		"agent_id":            agent.Number,
		"stage":                stage.String(),
		"stage_history_id":    historyID,
		"attempt":              attempt,
		"max_attempts":         maxAttempts,
		"remaining_attempts":   remaining,
		"failure_category":     diag.Category,
		"failure_detail":       diag.Detail,
		"failure_message":      failureMessageRedacted,
		"retryable":            diag.Retryable,
		"next_command":         diag.NextCommand,
		"artifact_refs":        refs,
		"created_at":           time.Now().UTC().Format(time.RFC3339),
	}
	packetJSON, err := json.Marshal(packet)
	if err != nil {
		return ioErr("failed to encode retry packet", err)
	}

	_, err = s.storeArtifactTx(ctx, tx, historyID, models.ArtifactRetryPacket, packetJSON, map[string]any{
		"stage": stage.String(), "attempt": attempt, "failure_category": diag.Category,
	})
	return err
}

func (s *Store) listArtifactsByStageHistoryTx(ctx context.Context, tx pgx.Tx, historyID int64) ([]models.StageArtifact, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, stage_history_id, artifact_type, content, content_hash, metadata, created_at
		FROM stage_artifacts WHERE stage_history_id = $1
		ORDER BY artifact_type, id`, historyID)
	if err != nil {
		return nil, dbErr("failed to list stage artifacts in tx", err)
	}
	defer rows.Close()
	return scanArtifacts(rows)
}

func (s *Store) latestArtifactByTypeTx(ctx context.Context, tx pgx.Tx, repo models.RepoID, bead models.BeadID, kind models.ArtifactType) (models.StageArtifact, bool, error) {
	row := tx.QueryRow(ctx, `
		SELECT a.id, a.stage_history_id, a.artifact_type, a.content, a.content_hash, a.metadata, a.created_at
		FROM stage_artifacts a
		JOIN stage_history h ON h.id = a.stage_history_id
		WHERE h.repo_id = $1 AND h.bead_id = $2 AND a.artifact_type = $3
		ORDER BY a.created_at DESC, a.id DESC
		LIMIT 1`, repo, bead, kind)

	var a models.StageArtifact
	var metaJSON []byte
	err := row.Scan(&a.ID, &a.StageHistoryID, &a.ArtifactType, &a.Content, &a.ContentHash, &metaJSON, &a.CreatedAt)
	if err == pgx.ErrNoRows {
		return models.StageArtifact{}, false, nil
	}
	if err != nil {
		return models.StageArtifact{}, false, dbErr("failed to fetch latest artifact by type", err)
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &a.Metadata); err != nil {
			return models.StageArtifact{}, false, ioErr("failed to decode artifact metadata", err)
		}
	}
	return a, true, nil
}
