package swarm

import (
	"fmt"
	"strings"

	"github.com/swarmkernel/swarmd/pkg/models"
)

var sensitiveKeyFragments = []string{"token", "password", "secret", "api_key", "database_url"}

// redactToken blanks the value half of a "key=value" token when the key
// contains a sensitive fragment (case-insensitive). Tokens without "=" or
// with a non-sensitive key pass through unchanged.
func redactToken(token string) string {
	key, _, found := strings.Cut(token, "=")
	if !found {
		return token
	}
	lowered := strings.ToLower(key)
	for _, frag := range sensitiveKeyFragments {
		if strings.Contains(lowered, frag) {
			return key + "=<redacted>"
		}
	}
	return token
}

// redactSensitive redacts every sensitive "key=value" token in message,
// splitting on whitespace and rejoining with single spaces.
func redactSensitive(message string) string {
	fields := strings.Fields(message)
	for i, f := range fields {
		fields[i] = redactToken(f)
	}
	return strings.Join(fields, " ")
}

// classifyFailureCategory maps a failure message to a stable category
// string. Rules are evaluated in order; the first match wins, so "timeout"
// always beats "compile_error"/"test_failure" on a message matching both.
func classifyFailureCategory(message string) string {
	lowered := strings.ToLower(message)
	switch {
	case strings.Contains(lowered, "timeout"):
		return "timeout"
	case strings.Contains(lowered, "syntax"), strings.Contains(lowered, "compile"):
		return "compile_error"
	case strings.Contains(lowered, "test"), strings.Contains(lowered, "assert"):
		return "test_failure"
	default:
		return "stage_failure"
	}
}

// buildFailureDiagnostics composes the retryable diagnostics payload
// attached to a transition_retry event. A nil or whitespace-only message
// yields category "stage_failure" and no detail.
func buildFailureDiagnostics(message *string) models.ArtifactDiagnostics {
	diag := models.ArtifactDiagnostics{
		Category:    "stage_failure",
		Retryable:   true,
		NextCommand: "swarm stage --stage implement",
	}
	if message == nil {
		return diag
	}
	diag.Category = classifyFailureCategory(*message)
	if detail := redactSensitive(*message); strings.TrimSpace(detail) != "" {
		diag.Detail = &detail
	}
	return diag
}

// eventEntityID builds the repo-scoped entity id stored on every event row.
func eventEntityID(repo models.RepoID, bead models.BeadID) string {
	return fmt.Sprintf("repo:%s:bead:%s", repo, bead)
}

// normalizeReasonSlug lowercases, trims, and replaces whitespace runs with a
// single hyphen, matching the original source's causation-id normalization.
func normalizeReasonSlug(reason string) string {
	trimmed := strings.ToLower(strings.TrimSpace(reason))
	fields := strings.Fields(trimmed)
	return strings.Join(fields, "-")
}

// landingRetryCausationID builds the causation id for a landing-gateway
// retry/diverged outcome routed through mark_landing_retryable.
func landingRetryCausationID(reason string) string {
	return "landing-sync:retry:" + normalizeReasonSlug(reason)
}

// LandingSyncStatus is the outcome reported back by the external landing
// gateway after attempting to push a finished bead.
type LandingSyncStatus string

const (
	LandingSynchronized   LandingSyncStatus = "synchronized"
	LandingRetryScheduled LandingSyncStatus = "retry_scheduled"
	LandingDiverged       LandingSyncStatus = "diverged"
)

func landingSyncStatusKey(status LandingSyncStatus) string { return string(status) }

// landingSyncCausationID builds the causation id for a landing_sync event.
// Retry/diverged outcomes fold the normalized reason into the id so retried
// syncs with a different reason do not collide.
func landingSyncCausationID(status LandingSyncStatus, reason *string) string {
	if reason != nil && (status == LandingRetryScheduled || status == LandingDiverged) {
		return fmt.Sprintf("landing-sync:%s:%s", landingSyncStatusKey(status), normalizeReasonSlug(*reason))
	}
	return "landing-sync:" + landingSyncStatusKey(status)
}
