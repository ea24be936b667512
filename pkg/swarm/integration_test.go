package swarm_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmkernel/swarmd/pkg/models"
	"github.com/swarmkernel/swarmd/pkg/swarm"
	"github.com/swarmkernel/swarmd/test/dbtest"
)

// TestHappyPathScenario covers spec scenario 1: seed one idle agent, enqueue
// one bead, walk it through every pipeline stage, finalize after push
// confirmation, and check the terminal state and event trail.
func TestHappyPathScenario(t *testing.T) {
	store := dbtest.NewTestStore(t)
	ctx := context.Background()
	repo := models.RepoID(t.Name())

	require.NoError(t, store.InitRepo(ctx, repo, "happy-path", "/repos/happy-path", 1))
	require.NoError(t, store.SeedIdle(ctx, repo, 1))
	require.NoError(t, store.EnqueueBacklogBatch(ctx, repo, "bead", 1))

	agent := models.AgentID{RepoID: repo, Number: 1}
	bead, ok, err := store.ClaimNext(ctx, agent)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.BeadID("bead-1"), bead)

	stages := []models.Stage{
		models.StageRustContract, models.StageImplement,
		models.StageQaEnforcer, models.StageRedQueen,
	}
	for _, stage := range stages {
		_, err := store.RecordStageStarted(ctx, agent, bead, stage, 1)
		require.NoError(t, err)
		require.NoError(t, store.RecordStageComplete(ctx, agent, bead, stage, 1,
			models.StageResult{Kind: models.ResultPassed}, 10))
	}

	require.NoError(t, store.FinalizeAfterPushConfirmation(ctx, agent, bead, true))

	state, ok, err := store.GetAgentState(ctx, agent)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.AgentDone, state.Status)

	progress, err := store.GetProgress(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, 1, progress.Done)

	page, err := store.ListEvents(ctx, repo, &bead, nil, 50)
	require.NoError(t, err)

	var stageCompleted, landingSynced int
	causationSeen := map[string]bool{}
	for _, ev := range page.Events {
		switch ev.EventType {
		case "stage_completed":
			stageCompleted++
			if ev.CausationID != nil {
				causationSeen[*ev.CausationID] = true
			}
		case "landing_sync":
			landingSynced++
		}
	}
	assert.Equal(t, len(stages), stageCompleted)
	assert.Equal(t, 1, landingSynced)
	assert.Len(t, causationSeen, len(stages), "each stage's events should share a distinct causation id (P5)")
}

// TestUniqueOwnership covers P1 and the concurrent-claimants boundary
// behavior: N agents racing claim_next against a single pending bead yield
// exactly one winner.
func TestUniqueOwnership(t *testing.T) {
	store := dbtest.NewTestStore(t)
	ctx := context.Background()
	repo := models.RepoID(t.Name())
	const agents = 10

	require.NoError(t, store.InitRepo(ctx, repo, "unique-ownership", "/repos/x", agents))
	require.NoError(t, store.SeedIdle(ctx, repo, agents))
	require.NoError(t, store.EnqueueBacklogBatch(ctx, repo, "bead", 1))

	var wg sync.WaitGroup
	results := make([]bool, agents)
	errs := make([]error, agents)
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			agent := models.AgentID{RepoID: repo, Number: uint32(n + 1)}
			_, ok, err := store.ClaimNext(ctx, agent)
			results[n], errs[n] = ok, err
		}(i)
	}
	wg.Wait()

	winners := 0
	for i, ok := range results {
		require.NoError(t, errs[i])
		if ok {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

// TestArtifactDedup covers P6 and scenario 6: storing identical content
// under the same (stage_history_id, kind) twice returns the same id and
// adds no row; a different kind with the same bytes is a distinct row.
func TestArtifactDedup(t *testing.T) {
	store := dbtest.NewTestStore(t)
	ctx := context.Background()
	repo := models.RepoID(t.Name())

	require.NoError(t, store.InitRepo(ctx, repo, "artifact-dedup", "/repos/x", 1))
	require.NoError(t, store.SeedIdle(ctx, repo, 1))
	require.NoError(t, store.EnqueueBacklogBatch(ctx, repo, "bead", 1))

	agent := models.AgentID{RepoID: repo, Number: 1}
	bead, ok, err := store.ClaimNext(ctx, agent)
	require.NoError(t, err)
	require.True(t, ok)

	historyID, err := store.RecordStageStarted(ctx, agent, bead, models.StageRustContract, 1)
	require.NoError(t, err)

	id1, err := store.StoreArtifact(ctx, historyID, models.ArtifactContractDocument, []byte("X"), nil)
	require.NoError(t, err)
	id2, err := store.StoreArtifact(ctx, historyID, models.ArtifactContractDocument, []byte("X"), nil)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	artifacts, err := store.ListArtifactsByStageHistory(ctx, historyID)
	require.NoError(t, err)
	assert.Len(t, artifacts, 1)

	id3, err := store.StoreArtifact(ctx, historyID, models.ArtifactStageLog, []byte("X"), nil)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)

	artifacts, err = store.ListArtifactsByStageHistory(ctx, historyID)
	require.NoError(t, err)
	assert.Len(t, artifacts, 2)
}

// TestArtifactRoundTrip covers L1: storing an artifact then reading the
// latest of that kind by bead returns the same bytes.
func TestArtifactRoundTrip(t *testing.T) {
	store := dbtest.NewTestStore(t)
	ctx := context.Background()
	repo := models.RepoID(t.Name())

	require.NoError(t, store.InitRepo(ctx, repo, "artifact-round-trip", "/repos/x", 1))
	require.NoError(t, store.SeedIdle(ctx, repo, 1))
	require.NoError(t, store.EnqueueBacklogBatch(ctx, repo, "bead", 1))

	agent := models.AgentID{RepoID: repo, Number: 1}
	bead, ok, err := store.ClaimNext(ctx, agent)
	require.NoError(t, err)
	require.True(t, ok)

	historyID, err := store.RecordStageStarted(ctx, agent, bead, models.StageImplement, 1)
	require.NoError(t, err)

	content := []byte("implementation output")
	_, err = store.StoreArtifact(ctx, historyID, models.ArtifactImplementationCode, content, nil)
	require.NoError(t, err)

	artifacts, err := store.ListArtifactsByBeadAndType(ctx, repo, bead, models.ArtifactImplementationCode)
	require.NoError(t, err)
	require.NotEmpty(t, artifacts)
	assert.Equal(t, content, artifacts[len(artifacts)-1].Content)
}

// TestIdempotentEventAppend covers P8: append_if_absent called N times with
// the same (bead, event_type, causation_id) produces exactly one row, using
// RecordLandingSyncOutcomeIfAbsent (the exported wrapper around
// AppendEventIfAbsent) as the concrete call site.
func TestIdempotentEventAppend(t *testing.T) {
	store := dbtest.NewTestStore(t)
	ctx := context.Background()
	repo := models.RepoID(t.Name())

	require.NoError(t, store.InitRepo(ctx, repo, "idempotent-events", "/repos/x", 1))

	agent := models.AgentID{RepoID: repo, Number: 1}
	bead := models.BeadID("bead-1")

	for i := 0; i < 3; i++ {
		require.NoError(t, store.RecordLandingSyncOutcomeIfAbsent(ctx, agent, bead, swarm.LandingSynchronized, nil))
	}

	page, err := store.ListEvents(ctx, repo, &bead, nil, 50)
	require.NoError(t, err)

	landingSynced := 0
	for _, ev := range page.Events {
		if ev.EventType == "landing_sync" {
			landingSynced++
		}
	}
	assert.Equal(t, 1, landingSynced)
}

// TestRecoverExpiredIsIdempotent covers L2: recovering expired claims twice
// in a row is a no-op on the second call.
func TestRecoverExpiredIsIdempotent(t *testing.T) {
	store := dbtest.NewTestStore(t)
	ctx := context.Background()
	repo := models.RepoID(t.Name())

	require.NoError(t, store.InitRepo(ctx, repo, "recover-expired", "/repos/x", 1))
	require.NoError(t, store.SeedIdle(ctx, repo, 1))
	require.NoError(t, store.EnqueueBacklogBatch(ctx, repo, "bead", 1))

	agent := models.AgentID{RepoID: repo, Number: 1}
	_, ok, err := store.ClaimNext(ctx, agent)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = store.Pool().Exec(ctx,
		`UPDATE bead_claims SET lease_expires_at = now() - interval '1 minute' WHERE repo_id = $1`, repo)
	require.NoError(t, err)

	n1, err := store.RecoverExpired(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, 1, n1)

	n2, err := store.RecoverExpired(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, 0, n2)
}

// TestReleaseIdleAgentIsNoOp covers L3: releasing an already-idle agent
// returns (empty, false) and makes no state change.
func TestReleaseIdleAgentIsNoOp(t *testing.T) {
	store := dbtest.NewTestStore(t)
	ctx := context.Background()
	repo := models.RepoID(t.Name())

	require.NoError(t, store.InitRepo(ctx, repo, "release-idle", "/repos/x", 1))
	require.NoError(t, store.SeedIdle(ctx, repo, 1))

	agent := models.AgentID{RepoID: repo, Number: 1}
	before, ok, err := store.GetAgentState(ctx, agent)
	require.NoError(t, err)
	require.True(t, ok)

	bead, released, err := store.Release(ctx, agent)
	require.NoError(t, err)
	assert.False(t, released)
	assert.Equal(t, models.BeadID(""), bead)

	after, ok, err := store.GetAgentState(ctx, agent)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, before, after)
}

// TestMarkReadEmptyIsNoOp covers L4: marking an empty message-id list read
// returns success with no writes.
func TestMarkReadEmptyIsNoOp(t *testing.T) {
	store := dbtest.NewTestStore(t)
	ctx := context.Background()
	repo := models.RepoID(t.Name())

	require.NoError(t, store.InitRepo(ctx, repo, "mark-read-empty", "/repos/x", 1))
	agent := models.AgentID{RepoID: repo, Number: 1}
	_, err := store.Register(ctx, agent)
	require.NoError(t, err)

	assert.NoError(t, store.MarkRead(ctx, agent, nil))
}
