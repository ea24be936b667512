package models

import "fmt"

// Stage is one of the four linear pipeline positions.
type Stage string

const (
	StageRustContract Stage = "rust-contract"
	StageImplement     Stage = "implement"
	StageQaEnforcer     Stage = "qa-enforcer"
	StageRedQueen       Stage = "red-queen"
	StageDone           Stage = "done"
)

// Next returns the stage that follows this one in the linear pipeline, or
// ("", false) if this is the terminal stage.
func (s Stage) Next() (Stage, bool) {
	switch s {
	case StageRustContract:
		return StageImplement, true
	case StageImplement:
		return StageQaEnforcer, true
	case StageQaEnforcer:
		return StageRedQueen, true
	case StageRedQueen:
		return StageDone, true
	default:
		return "", false
	}
}

func (s Stage) String() string { return string(s) }

// ParseStage fails loudly on unknown values; callers must treat the error as
// a data error, never silently default.
func ParseStage(s string) (Stage, error) {
	switch Stage(s) {
	case StageRustContract, StageImplement, StageQaEnforcer, StageRedQueen, StageDone:
		return Stage(s), nil
	default:
		return "", fmt.Errorf("unknown stage: %q", s)
	}
}

// AgentStatus is the lifecycle status of an agent.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentWorking AgentStatus = "working"
	AgentWaiting AgentStatus = "waiting"
	AgentError   AgentStatus = "error"
	AgentDone    AgentStatus = "done"
)

func (s AgentStatus) String() string { return string(s) }

func ParseAgentStatus(s string) (AgentStatus, error) {
	switch AgentStatus(s) {
	case AgentIdle, AgentWorking, AgentWaiting, AgentError, AgentDone:
		return AgentStatus(s), nil
	default:
		return "", fmt.Errorf("unknown agent status: %q", s)
	}
}

// BeadStatus is the lifecycle status of a backlog row.
type BeadStatus string

const (
	BeadPending    BeadStatus = "pending"
	BeadInProgress BeadStatus = "in_progress"
	BeadCompleted  BeadStatus = "completed"
	BeadBlocked    BeadStatus = "blocked"
)

func (s BeadStatus) String() string { return string(s) }

func ParseBeadStatus(s string) (BeadStatus, error) {
	switch BeadStatus(s) {
	case BeadPending, BeadInProgress, BeadCompleted, BeadBlocked:
		return BeadStatus(s), nil
	default:
		return "", fmt.Errorf("unknown bead status: %q", s)
	}
}

// ClaimStatus is the lifecycle status of a bead claim.
type ClaimStatus string

const (
	ClaimInProgress ClaimStatus = "in_progress"
	ClaimCompleted  ClaimStatus = "completed"
	ClaimBlocked    ClaimStatus = "blocked"
)

func (s ClaimStatus) String() string { return string(s) }

func ParseClaimStatus(s string) (ClaimStatus, error) {
	switch ClaimStatus(s) {
	case ClaimInProgress, ClaimCompleted, ClaimBlocked:
		return ClaimStatus(s), nil
	default:
		return "", fmt.Errorf("unknown claim status: %q", s)
	}
}

// SwarmStatus is the lifecycle status of a repo's SwarmConfig.
type SwarmStatus string

const (
	SwarmInitializing SwarmStatus = "initializing"
	SwarmRunning       SwarmStatus = "running"
	SwarmPaused        SwarmStatus = "paused"
	SwarmComplete       SwarmStatus = "complete"
	SwarmError          SwarmStatus = "error"
)

func (s SwarmStatus) String() string { return string(s) }

func ParseSwarmStatus(s string) (SwarmStatus, error) {
	switch SwarmStatus(s) {
	case SwarmInitializing, SwarmRunning, SwarmPaused, SwarmComplete, SwarmError:
		return SwarmStatus(s), nil
	default:
		return "", fmt.Errorf("unknown swarm status: %q", s)
	}
}

// StageResultKind is the outcome kind of one stage execution.
type StageResultKind string

const (
	ResultStarted StageResultKind = "started"
	ResultPassed  StageResultKind = "passed"
	ResultFailed  StageResultKind = "failed"
	ResultError   StageResultKind = "error"
)

// StageResult is the outcome of one stage execution. Failed and Error carry
// a free-text message; Started and Passed do not.
type StageResult struct {
	Kind    StageResultKind
	Message string // only meaningful when Kind is ResultFailed or ResultError
}

// String returns the stable string form of the result kind.
func (r StageResult) String() string { return string(r.Kind) }

// HasMessage reports whether this result carries a message.
func (r StageResult) HasMessage() bool {
	return r.Kind == ResultFailed || r.Kind == ResultError
}

// IsSuccess reports whether this result represents a passed stage.
func (r StageResult) IsSuccess() bool { return r.Kind == ResultPassed }

// ParseStageResultKind fails loudly on unknown values, matching every other
// parser in this file.
func ParseStageResultKind(s string) (StageResultKind, error) {
	switch StageResultKind(s) {
	case ResultStarted, ResultPassed, ResultFailed, ResultError:
		return StageResultKind(s), nil
	default:
		return "", fmt.Errorf("unknown stage result kind: %q", s)
	}
}

// ArtifactType enumerates the kinds of content-addressed stage artifacts.
type ArtifactType string

const (
	ArtifactContractDocument   ArtifactType = "contract_document"
	ArtifactImplementationCode ArtifactType = "implementation_code"
	ArtifactModifiedFiles      ArtifactType = "modified_files"
	ArtifactTestResults        ArtifactType = "test_results"
	ArtifactTestOutput         ArtifactType = "test_output"
	ArtifactFailureDetails     ArtifactType = "failure_details"
	ArtifactErrorMessage       ArtifactType = "error_message"
	ArtifactFeedback           ArtifactType = "feedback"
	ArtifactValidationReport   ArtifactType = "validation_report"
	ArtifactStageLog           ArtifactType = "stage_log"
	ArtifactRetryPacket        ArtifactType = "retry_packet"
	ArtifactAdversarialReport  ArtifactType = "adversarial_report"
	ArtifactQualityGateReport  ArtifactType = "quality_gate_report"
	ArtifactSkillInvocation    ArtifactType = "skill_invocation"
)

func (a ArtifactType) String() string { return string(a) }

var validArtifactTypes = map[ArtifactType]struct{}{
	ArtifactContractDocument:   {},
	ArtifactImplementationCode: {},
	ArtifactModifiedFiles:      {},
	ArtifactTestResults:        {},
	ArtifactTestOutput:         {},
	ArtifactFailureDetails:     {},
	ArtifactErrorMessage:       {},
	ArtifactFeedback:           {},
	ArtifactValidationReport:   {},
	ArtifactStageLog:           {},
	ArtifactRetryPacket:        {},
	ArtifactAdversarialReport:  {},
	ArtifactQualityGateReport:  {},
	ArtifactSkillInvocation:    {},
}

func ParseArtifactType(s string) (ArtifactType, error) {
	a := ArtifactType(s)
	if _, ok := validArtifactTypes[a]; ok {
		return a, nil
	}
	return "", fmt.Errorf("unknown artifact type: %q", s)
}

// MessageType enumerates the kinds of inter-agent messages.
type MessageType string

const (
	MessageInfo     MessageType = "info"
	MessageWarning  MessageType = "warning"
	MessageRequest  MessageType = "request"
	MessageResponse MessageType = "response"
)

func (m MessageType) String() string { return string(m) }

func ParseMessageType(s string) (MessageType, error) {
	switch MessageType(s) {
	case MessageInfo, MessageWarning, MessageRequest, MessageResponse:
		return MessageType(s), nil
	default:
		return "", fmt.Errorf("unknown message type: %q", s)
	}
}
