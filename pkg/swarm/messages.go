package swarm

import (
	"context"
	"encoding/json"

	"github.com/swarmkernel/swarmd/pkg/models"
)

// Send writes one inter-agent message. A nil to-agent means broadcast.
//
// write_broadcast (db/write_ops/message_ops.rs) is not carried forward: it
// mutates an unrelated resource_locks/broadcast_log shape that predates the
// AgentMessage model and has no counterpart in the data model here.
func (s *Store) Send(ctx context.Context, from models.AgentID, to *models.AgentID, bead *models.BeadID, msgType models.MessageType, subject, body string, metadata map[string]any) (int64, error) {
	var metaJSON []byte
	if metadata != nil {
		var err error
		metaJSON, err = json.Marshal(metadata)
		if err != nil {
			return 0, ioErr("failed to encode message metadata", err)
		}
	}

	var toRepo *models.RepoID
	var toAgent *uint32
	if to != nil {
		toRepo = &to.RepoID
		toAgent = &to.Number
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO agent_messages
			(from_repo, from_agent, to_repo, to_agent, bead_id, message_type, subject, body, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		from.RepoID, from.Number, toRepo, toAgent, bead, msgType, subject, body, metaJSON).Scan(&id)
	if err != nil {
		return 0, dbErr("failed to send agent message", err)
	}
	return id, nil
}

// GetUnread returns agent's unread messages (direct or broadcast),
// optionally filtered to one bead, oldest first.
func (s *Store) GetUnread(ctx context.Context, agent models.AgentID, bead *models.BeadID) ([]models.AgentMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, from_repo, from_agent, to_repo, to_agent, bead_id, message_type, subject, body,
		       metadata, created_at, read, read_at
		FROM agent_messages
		WHERE read = false
		  AND (to_agent IS NULL OR (to_repo = $1 AND to_agent = $2))
		  AND ($3::text IS NULL OR bead_id = $3)
		ORDER BY created_at ASC`,
		agent.RepoID, agent.Number, bead)
	if err != nil {
		return nil, dbErr("failed to query unread messages", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// GetAllUnread returns every unread message globally, including broadcasts.
func (s *Store) GetAllUnread(ctx context.Context) ([]models.AgentMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, from_repo, from_agent, to_repo, to_agent, bead_id, message_type, subject, body,
		       metadata, created_at, read, read_at
		FROM agent_messages
		WHERE read = false
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, dbErr("failed to query all unread messages", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MarkRead marks the given message ids read, restricted to ones addressed
// to agent. An empty id list is a no-op success.
func (s *Store) MarkRead(ctx context.Context, agent models.AgentID, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE agent_messages
		SET read = true, read_at = now()
		WHERE id = ANY($3) AND to_repo = $1 AND to_agent = $2`,
		agent.RepoID, agent.Number, ids)
	if err != nil {
		return dbErr("failed to mark messages read", err)
	}
	return nil
}

func scanMessages(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]models.AgentMessage, error) {
	var out []models.AgentMessage
	for rows.Next() {
		var m models.AgentMessage
		var metaJSON []byte
		if err := rows.Scan(&m.ID, &m.FromRepo, &m.FromAgent, &m.ToRepo, &m.ToAgent, &m.BeadID,
			&m.MessageType, &m.Subject, &m.Body, &metaJSON, &m.CreatedAt, &m.Read, &m.ReadAt); err != nil {
			return nil, dbErr("failed to scan agent message", err)
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &m.Metadata); err != nil {
				return nil, ioErr("failed to decode message metadata", err)
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("failed to iterate agent messages", err)
	}
	return out, nil
}
