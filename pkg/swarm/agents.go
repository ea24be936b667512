package swarm

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/swarmkernel/swarmd/pkg/models"
)

// InitRepo upserts the repo row and ensures a swarm_config row exists,
// seeded with the store's configured default max implementation attempts.
// Repos are otherwise auto-registered the first time an agent registers.
func (s *Store) InitRepo(ctx context.Context, repo models.RepoID, name, path string, maxAgents int) error {
	if maxAgents < 1 {
		return configErr("max_agents must be at least 1")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return dbErr("failed to begin init_repo tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO repos (repo_id, name, path, last_active)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (repo_id) DO UPDATE SET last_active = now()`,
		repo, name, path); err != nil {
		return dbErr("failed to upsert repo", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO swarm_config (repo_id, max_agents, max_implementation_attempts, status)
		VALUES ($1, $2, $3, 'initializing')
		ON CONFLICT (repo_id) DO NOTHING`,
		repo, maxAgents, s.DefaultMaxImplementationAttempts); err != nil {
		return dbErr("failed to seed swarm config", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return dbErr("failed to commit init_repo tx", err)
	}
	return nil
}

// Register upserts an idle agent_state row with default fields, first
// creating the repo row (named after its id, empty path) if it is missing.
// Returns true if a new agent row was created, false if the agent already
// existed.
func (s *Store) Register(ctx context.Context, agent models.AgentID) (bool, error) {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO repos (repo_id, name, path, last_active)
		VALUES ($1, $1, '', now())
		ON CONFLICT (repo_id) DO NOTHING`, agent.RepoID); err != nil {
		return false, dbErr("failed to auto-register repo", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO agent_state (repo_id, agent_number, status, last_update)
		VALUES ($1, $2, 'idle', now())
		ON CONFLICT (repo_id, agent_number) DO NOTHING`,
		agent.RepoID, agent.Number)
	if err != nil {
		return false, dbErr("failed to register agent", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SeedIdle ensures at least count idle-unassigned agents exist for repo,
// using the lowest unused positive agent numbers, and prunes any surplus
// idle-unassigned agents beyond count. Working/waiting/error agents are
// never touched.
func (s *Store) SeedIdle(ctx context.Context, repo models.RepoID, count int) error {
	if count <= 0 {
		return configErr("seed_idle count must be positive")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return dbErr("failed to begin seed_idle tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var idleCount int
	if err := tx.QueryRow(ctx, `
		SELECT count(*) FROM agent_state
		WHERE repo_id = $1 AND status = 'idle' AND current_bead IS NULL`, repo).Scan(&idleCount); err != nil {
		return dbErr("failed to count idle agents", err)
	}

	if idleCount < count {
		rows, err := tx.Query(ctx, `SELECT agent_number FROM agent_state WHERE repo_id = $1`, repo)
		if err != nil {
			return dbErr("failed to list agent numbers", err)
		}
		used := map[uint32]struct{}{}
		for rows.Next() {
			var n uint32
			if err := rows.Scan(&n); err != nil {
				rows.Close()
				return dbErr("failed to scan agent number", err)
			}
			used[n] = struct{}{}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return dbErr("failed to iterate agent numbers", err)
		}

		needed := count - idleCount
		var candidate uint32 = 1
		for needed > 0 {
			if _, taken := used[candidate]; !taken {
				if _, err := tx.Exec(ctx, `
					INSERT INTO agent_state (repo_id, agent_number, status, last_update)
					VALUES ($1, $2, 'idle', now())`, repo, candidate); err != nil {
					return dbErr("failed to insert seeded agent", err)
				}
				used[candidate] = struct{}{}
				needed--
			}
			candidate++
		}
	} else if idleCount > count {
		surplus := idleCount - count
		if _, err := tx.Exec(ctx, `
			DELETE FROM agent_state WHERE ctid IN (
				SELECT ctid FROM agent_state
				WHERE repo_id = $1 AND status = 'idle' AND current_bead IS NULL
				ORDER BY agent_number DESC
				LIMIT $2
			)`, repo, surplus); err != nil {
			return dbErr("failed to prune surplus idle agents", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return dbErr("failed to commit seed_idle tx", err)
	}
	return nil
}

// UpdateConfig changes the repo's max_agents.
func (s *Store) UpdateConfig(ctx context.Context, repo models.RepoID, maxAgents int) error {
	if maxAgents < 1 {
		return configErr("max_agents must be at least 1")
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE swarm_config SET max_agents = $2 WHERE repo_id = $1`, repo, maxAgents)
	if err != nil {
		return dbErr("failed to update swarm config", err)
	}
	if tag.RowsAffected() == 0 {
		return beadErr("no swarm config for repo")
	}
	return nil
}

// GetAgentState returns the agent's full state row, or (zero, false) if it
// has never been registered.
func (s *Store) GetAgentState(ctx context.Context, agent models.AgentID) (models.AgentState, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT repo_id, agent_number, status, current_bead, current_stage, stage_started_at,
		       implementation_attempt, feedback, last_update
		FROM agent_state WHERE repo_id = $1 AND agent_number = $2`, agent.RepoID, agent.Number)
	st, err := scanAgentState(row)
	if err == pgx.ErrNoRows {
		return models.AgentState{}, false, nil
	}
	if err != nil {
		return models.AgentState{}, false, err
	}
	return st, true, nil
}

// GetAvailableAgents returns idle agents plus waiting agents that still
// have retries left under repo's configured attempt bound.
func (s *Store) GetAvailableAgents(ctx context.Context, repo models.RepoID) ([]models.AvailableAgent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.agent_number, a.status, a.implementation_attempt
		FROM agent_state a
		JOIN swarm_config c ON c.repo_id = a.repo_id
		WHERE a.repo_id = $1
		  AND (a.status = 'idle' OR (a.status = 'waiting' AND a.implementation_attempt < c.max_implementation_attempts))
		ORDER BY a.agent_number`, repo)
	if err != nil {
		return nil, dbErr("failed to query available agents", err)
	}
	defer rows.Close()

	var out []models.AvailableAgent
	for rows.Next() {
		var a models.AvailableAgent
		var status string
		if err := rows.Scan(&a.AgentNumber, &status, &a.ImplementationAttempt); err != nil {
			return nil, dbErr("failed to scan available agent", err)
		}
		parsed, err := models.ParseAgentStatus(status)
		if err != nil {
			return nil, dbErr("available agent has unknown status", err)
		}
		a.Status = parsed
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("failed to iterate available agents", err)
	}
	return out, nil
}

// GetActiveAgents returns every agent with status != idle, newest update
// first.
func (s *Store) GetActiveAgents(ctx context.Context, repo models.RepoID) ([]models.AgentState, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT repo_id, agent_number, status, current_bead, current_stage, stage_started_at,
		       implementation_attempt, feedback, last_update
		FROM agent_state
		WHERE repo_id = $1 AND status <> 'idle'
		ORDER BY last_update DESC`, repo)
	if err != nil {
		return nil, dbErr("failed to query active agents", err)
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
		return nil, dbErr("failed to iterate active agents", err)
	}
	return out, nil
}

// GetProgress returns plain counts over agent_state for repo.
func (s *Store) GetProgress(ctx context.Context, repo models.RepoID) (models.ProgressSummary, error) {
	var p models.ProgressSummary
	err := s.pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE status = 'done'),
			count(*) FILTER (WHERE status = 'working'),
			count(*) FILTER (WHERE status = 'waiting'),
			count(*) FILTER (WHERE status = 'error'),
			count(*) FILTER (WHERE status = 'idle'),
			count(*)
		FROM agent_state WHERE repo_id = $1`, repo).
		Scan(&p.Done, &p.Working, &p.Waiting, &p.Errors, &p.Idle, &p.TotalAgents)
	if err != nil {
		return models.ProgressSummary{}, dbErr("failed to compute progress", err)
	}

	repoStr := repo.String()
	s.metrics.setActiveAgents(repoStr, models.AgentWorking.String(), p.Working)
	s.metrics.setActiveAgents(repoStr, models.AgentWaiting.String(), p.Waiting)
	s.metrics.setActiveAgents(repoStr, models.AgentError.String(), p.Errors)
	s.metrics.setActiveAgents(repoStr, models.AgentIdle.String(), p.Idle)
	s.metrics.setActiveAgents(repoStr, models.AgentDone.String(), p.Done)

	return p, nil
}

type scannableRow interface {
	Scan(dest ...any) error
}

func scanAgentState(row scannableRow) (models.AgentState, error) {
	var st models.AgentState
	var status, stage string
	var stagePtr *string
	if err := row.Scan(&st.RepoID, &st.AgentNumber, &status, &st.CurrentBead, &stagePtr,
		&st.StageStartedAt, &st.ImplementationAttempt, &st.Feedback, &st.LastUpdate); err != nil {
		return models.AgentState{}, dbErr("failed to scan agent state", err)
	}
	parsedStatus, err := models.ParseAgentStatus(status)
	if err != nil {
		return models.AgentState{}, dbErr("agent state has unknown status", err)
	}
	st.Status = parsedStatus
	if stagePtr != nil {
		stage = *stagePtr
		parsedStage, err := models.ParseStage(stage)
		if err != nil {
			return models.AgentState{}, dbErr("agent state has unknown stage", err)
		}
		st.CurrentStage = &parsedStage
	}
	return st, nil
}
