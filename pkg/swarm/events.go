package swarm

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/swarmkernel/swarmd/pkg/models"
)

const schemaVersionV1 = 1

// eventInput is the write-side shape for one execution_events row. It is
// deliberately plain (not models.ExecutionEvent) since Seq and CreatedAt are
// database-assigned and EntityID is derived from RepoID+BeadID.
type eventInput struct {
	RepoID      models.RepoID
	BeadID      models.BeadID
	AgentID     *string
	Stage       *models.Stage
	EventType   string
	CausationID *string
	Diagnostics *models.ArtifactDiagnostics
	Payload     map[string]any
}

// AppendEvent unconditionally inserts one execution_events row.
func (s *Store) AppendEvent(ctx context.Context, in eventInput) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return dbErr("failed to begin append_event tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.appendEventTx(ctx, tx, in); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return dbErr("failed to commit append_event tx", err)
	}
	return nil
}

func (s *Store) appendEventTx(ctx context.Context, tx pgx.Tx, in eventInput) error {
	payload := in.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return ioErr("failed to encode event payload", err)
	}

	var stage *string
	if in.Stage != nil {
		s := in.Stage.String()
		stage = &s
	}

	var category, nextCommand, detail *string
	var retryable *bool
	if in.Diagnostics != nil {
		category = &in.Diagnostics.Category
		nextCommand = &in.Diagnostics.NextCommand
		retryable = &in.Diagnostics.Retryable
		detail = in.Diagnostics.Detail
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO execution_events
			(schema_version, event_type, entity_id, bead_id, agent_id, stage, causation_id,
			 diag_category, diag_retryable, diag_next_command, diag_detail, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		schemaVersionV1, in.EventType, eventEntityID(in.RepoID, in.BeadID), in.BeadID, in.AgentID, stage,
		in.CausationID, category, retryable, nextCommand, detail, payloadJSON)
	if err != nil {
		return dbErr("failed to insert execution event", err)
	}
	return nil
}

// AppendEventIfAbsent checks for an existing row with the same
// (entity_id, event_type, causation_id) and no-ops if found. entity_id is
// repo-scoped (see eventEntityID), so two repos' identically-named beads
// hitting the same causation id never collide; a row under the legacy
// "bead:{id}" entity_id also counts as present. Used by operations that may
// be retried: lease recovery and landing-sync outcomes.
func (s *Store) AppendEventIfAbsent(ctx context.Context, in eventInput) error {
	if in.CausationID == nil {
		return s.AppendEvent(ctx, in)
	}

	exists, err := s.eventExists(ctx, in.RepoID, in.BeadID, in.EventType, *in.CausationID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return s.AppendEvent(ctx, in)
}

func (s *Store) eventExists(ctx context.Context, repo models.RepoID, bead models.BeadID, eventType, causationID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM execution_events
			WHERE (entity_id = $1 OR entity_id = $4) AND event_type = $2 AND causation_id = $3
		)`, eventEntityID(repo, bead), eventType, causationID, "bead:"+string(bead)).Scan(&exists)
	if err != nil {
		return false, dbErr("failed to check event existence", err)
	}
	return exists, nil
}

// ExecutionEventPage is one page of events returned by ListEvents, newest
// first, paginated by seq.
type ExecutionEventPage struct {
	Events  []models.ExecutionEvent
	NextSeq *int64 // pass as beforeSeq on the following call, nil if exhausted
}

// ListEvents returns events for repo (optionally filtered to one bead),
// newest-first, paginated by seq. beforeSeq, if non-nil, restricts results
// to events with seq strictly less than it.
func (s *Store) ListEvents(ctx context.Context, repo models.RepoID, bead *models.BeadID, beforeSeq *int64, limit int) (ExecutionEventPage, error) {
	if limit <= 0 {
		limit = 50
	}

	entityPrefix := "repo:" + string(repo) + ":bead:"
	rows, err := s.pool.Query(ctx, `
		SELECT seq, schema_version, event_type, entity_id, bead_id, agent_id, stage, causation_id,
		       diag_category, diag_retryable, diag_next_command, diag_detail, payload, created_at
		FROM execution_events
		WHERE entity_id LIKE $1 || '%'
		  AND ($2::text IS NULL OR bead_id = $2)
		  AND ($3::bigint IS NULL OR seq < $3)
		ORDER BY seq DESC
		LIMIT $4`,
		entityPrefix, bead, beforeSeq, limit)
	if err != nil {
		return ExecutionEventPage{}, dbErr("failed to list execution events", err)
	}
	defer rows.Close()

	var page ExecutionEventPage
	for rows.Next() {
		ev, err := scanExecutionEvent(rows)
		if err != nil {
			return ExecutionEventPage{}, err
		}
		page.Events = append(page.Events, ev)
	}
	if err := rows.Err(); err != nil {
		return ExecutionEventPage{}, dbErr("failed to iterate execution events", err)
	}
	if len(page.Events) == limit {
		next := page.Events[len(page.Events)-1].Seq
		page.NextSeq = &next
	}
	return page, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecutionEvent(row rowScanner) (models.ExecutionEvent, error) {
	var (
		ev                                        models.ExecutionEvent
		agentID, stage, causationID                *string
		category, nextCommand, detail             *string
		retryable                                  *bool
		payloadJSON                                []byte
	)
	if err := row.Scan(&ev.Seq, &ev.SchemaVersion, &ev.EventType, &ev.EntityID, &ev.BeadID,
		&agentID, &stage, &causationID, &category, &retryable, &nextCommand, &detail,
		&payloadJSON, &ev.CreatedAt); err != nil {
		return models.ExecutionEvent{}, dbErr("failed to scan execution event", err)
	}

	if stage != nil {
		parsed, err := models.ParseStage(*stage)
		if err != nil {
			return models.ExecutionEvent{}, dbErr("execution event has unknown stage", err)
		}
		ev.Stage = &parsed
	}
	ev.CausationID = causationID
	if category != nil {
		ev.Diagnostics = &models.ArtifactDiagnostics{
			Category:    *category,
			NextCommand: derefOr(nextCommand, ""),
			Detail:      detail,
		}
		if retryable != nil {
			ev.Diagnostics.Retryable = *retryable
		}
	}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &ev.Payload); err != nil {
			return models.ExecutionEvent{}, ioErr("failed to decode event payload", err)
		}
	}
	if agentID != nil {
		parsed, err := models.ParseAgentID(*agentID)
		if err != nil {
			return models.ExecutionEvent{}, dbErr("execution event has unparsable agent id", err)
		}
		ev.AgentID = &parsed
	}
	return ev, nil
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
