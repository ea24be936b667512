package models

import "time"

// Repo is the top-level scoping entity; every other row hangs off its id.
type Repo struct {
	RepoID     RepoID
	Name       string
	Path       string
	LastActive time.Time
}

// SwarmConfig holds the per-repo tunables for the coordinator.
type SwarmConfig struct {
	RepoID                    RepoID
	MaxAgents                 int
	MaxImplementationAttempts int
	ClaimLabel                string
	Status                    SwarmStatus
	StartedAt                 *time.Time
}

// AgentState is the full row for one agent in one repo.
type AgentState struct {
	RepoID                 RepoID
	AgentNumber            uint32
	Status                 AgentStatus
	CurrentBead            *BeadID
	CurrentStage           *Stage
	StageStartedAt         *time.Time
	ImplementationAttempt  int
	Feedback               *string
	LastUpdate             time.Time
}

// ID returns this agent's repo-scoped identifier.
func (a AgentState) ID() AgentID {
	return AgentID{RepoID: a.RepoID, Number: a.AgentNumber}
}

// Bead is one row of the backlog.
type Bead struct {
	RepoID   RepoID
	BeadID   BeadID
	Priority string
	Status   BeadStatus
	Arrival  int64
}

// BeadClaim is the unique active-or-historical assignment of a bead.
type BeadClaim struct {
	RepoID         RepoID
	BeadID         BeadID
	ClaimedBy      uint32
	ClaimedAt      time.Time
	HeartbeatAt    time.Time
	LeaseExpiresAt time.Time
	Status         ClaimStatus
}

// StageHistory is one attempt of one stage for one bead.
type StageHistory struct {
	ID            int64
	RepoID        RepoID
	AgentNumber   uint32
	BeadID        BeadID
	Stage         Stage
	AttemptNumber int
	Status        StageResultKind
	StartedAt     time.Time
	CompletedAt   *time.Time
	DurationMs    *int64
	Result        *string
	Feedback      *string
	Transcript    *string
}

// StageArtifact is one content-addressed artifact attached to a stage run.
type StageArtifact struct {
	ID             int64
	StageHistoryID int64
	ArtifactType   ArtifactType
	Content        []byte
	ContentHash    string
	Metadata       map[string]any
	CreatedAt      time.Time
}

// ArtifactDiagnostics is the structured failure context attached to an event.
type ArtifactDiagnostics struct {
	Category    string
	Retryable   bool
	NextCommand string
	Detail      *string
}

// ExecutionEvent is one row of the append-only event log.
type ExecutionEvent struct {
	Seq            int64
	SchemaVersion  int
	EventType      string
	EntityID       string
	BeadID         BeadID
	AgentID        *AgentID
	Stage          *Stage
	CausationID    *string
	Diagnostics    *ArtifactDiagnostics
	Payload        map[string]any
	CreatedAt      time.Time
}

// AgentMessage is one inter-agent message. ToAgent == nil means broadcast.
type AgentMessage struct {
	ID          int64
	FromRepo    RepoID
	FromAgent   uint32
	ToRepo      *RepoID
	ToAgent     *uint32
	BeadID      *BeadID
	MessageType MessageType
	Subject     string
	Body        string
	Metadata    map[string]any
	CreatedAt   time.Time
	Read        bool
	ReadAt      *time.Time
}

// ResourceLock is a TTL-bounded advisory lock on a named resource.
type ResourceLock struct {
	Resource string
	Agent    string
	Since    time.Time
	UntilAt  time.Time
}

// CommandAudit is an append-only record of one external driver invocation.
// It is not load-bearing for core correctness.
type CommandAudit struct {
	ID        string // github.com/google/uuid string form
	RepoID    RepoID
	Command   string
	Args      []string
	CreatedAt time.Time
}

// ProgressSummary is the plain-count projection returned by get_progress.
//
// The original source's test suite names the done-count field "completed";
// this implementation follows spec.md's own naming and calls it Done. Both
// names mean "agents whose status is done".
type ProgressSummary struct {
	Done        int
	Working     int
	Waiting     int
	Errors      int
	Idle        int
	TotalAgents int
}

// AvailableAgent is one entry of get_available_agents: idle agents plus
// waiting agents that still have retries left.
type AvailableAgent struct {
	AgentNumber           uint32
	Status                AgentStatus
	ImplementationAttempt int
}

// ResumeAttempt is one row of a ResumeContext's ordered attempt history.
type ResumeAttempt struct {
	Stage         Stage
	AttemptNumber int
	Status        StageResultKind
	StartedAt     time.Time
	CompletedAt   *time.Time
	Feedback      *string
}

// ResumeArtifactSummary is the latest-per-type artifact metadata surfaced
// by get_resume_context (no content, only enough to describe it).
type ResumeArtifactSummary struct {
	ArtifactType ArtifactType
	ContentHash  string
	CreatedAt    time.Time
	ByteLength   int
}

// ResumeContext is the read-side projection handed to a replacement agent
// so it can continue a bead without replaying full history.
type ResumeContext struct {
	RepoID      RepoID
	AgentNumber uint32
	BeadID      BeadID
	Agent       AgentState
	Attempts    []ResumeAttempt
	Artifacts   []ResumeArtifactSummary
}

// FailureDiagnostics is the latest failure context for a bead, used by the
// deep resume projection.
type FailureDiagnostics struct {
	Stage       Stage
	Category    string
	Retryable   bool
	NextCommand string
	Detail      *string
	CreatedAt   time.Time
}

// ResumeArtifactContent is a full artifact body, used by the deep resume
// projection in place of ResumeArtifactSummary.
type ResumeArtifactContent struct {
	ArtifactType ArtifactType
	Content      []byte
	ContentHash  string
	CreatedAt    time.Time
}

// DeepResumeContext extends ResumeContext with full artifact bodies and the
// latest failure diagnostics for the bead.
type DeepResumeContext struct {
	ResumeContext
	Diagnostics      *FailureDiagnostics
	ArtifactContents []ResumeArtifactContent
}

// ArtifactRef is one entry of a retry packet's artifact_refs list: either a
// real reference to a stored artifact, or a missing placeholder.
type ArtifactRef struct {
	ArtifactType ArtifactType
	StageHistoryID int64
	ContentHash    string
	Context        string // "current_stage" or "latest_per_type"
	Missing        bool
}

// RetryPacket is the self-contained JSON artifact that lets a replacement
// implement-stage run reconstruct the failing attempt without re-deriving
// context from the rest of the history.
type RetryPacket struct {
	BeadID       BeadID
	Attempt      int
	MaxAttempts  int
	Diagnostics  ArtifactDiagnostics
	ArtifactRefs []ArtifactRef
}
