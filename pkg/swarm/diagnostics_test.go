package swarm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyFailureCategory(t *testing.T) {
	cases := []struct {
		name    string
		message string
		want    string
	}{
		{"timeout", "command timeout after 30s", "timeout"},
		{"compile", "compile failed with syntax error", "compile_error"},
		{"mixed case timeout", "Network TIMEOUT while fetching dependencies", "timeout"},
		{"timeout beats others", "test suite hit timeout and assert failed", "timeout"},
		{"assert", "assert failed in test suite", "test_failure"},
		{"default", "something unexpected happened", "stage_failure"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, classifyFailureCategory(tc.message))
		})
	}
}

func TestRedactSensitive(t *testing.T) {
	cases := []struct {
		name    string
		message string
		want    string
	}{
		{
			"common sensitive keys",
			"token=abc password=123 ok=value",
			"token=<redacted> password=<redacted> ok=value",
		},
		{
			"mixed case sensitive keys",
			"API_KEY=topsecret DataBase_Url=postgres://localhost safe=yes",
			"API_KEY=<redacted> DataBase_Url=<redacted> safe=yes",
		},
		{
			"no key=value tokens",
			"plain text without assignments",
			"plain text without assignments",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, redactSensitive(tc.message))
		})
	}
}

func TestBuildFailureDiagnostics(t *testing.T) {
	t.Run("failure message classifies and carries detail", func(t *testing.T) {
		msg := "test assertion failed"
		diag := buildFailureDiagnostics(&msg)
		assert.Equal(t, "test_failure", diag.Category)
		assert.True(t, diag.Retryable)
		assert.Equal(t, "swarm stage --stage implement", diag.NextCommand)
		if assert.NotNil(t, diag.Detail) {
			assert.Equal(t, "test assertion failed", *diag.Detail)
		}
	})

	t.Run("whitespace-only message omits detail", func(t *testing.T) {
		msg := "   \n\t   "
		diag := buildFailureDiagnostics(&msg)
		assert.Equal(t, "stage_failure", diag.Category)
		assert.Nil(t, diag.Detail)
	})

	t.Run("nil message uses defaults", func(t *testing.T) {
		diag := buildFailureDiagnostics(nil)
		assert.Equal(t, "stage_failure", diag.Category)
		assert.True(t, diag.Retryable)
		assert.Nil(t, diag.Detail)
	})
}

func TestEventEntityID(t *testing.T) {
	assert.Equal(t, "repo:local:bead:bd-7", eventEntityID("local", "bd-7"))
}

func TestLandingRetryCausationID(t *testing.T) {
	got := landingRetryCausationID("  JJ push FAILED with timeout  ")
	assert.Equal(t, "landing-sync:retry:jj-push-failed-with-timeout", got)
}

func TestLandingSyncCausationID(t *testing.T) {
	cases := []struct {
		name   string
		status LandingSyncStatus
		reason *string
		want   string
	}{
		{"retry scheduled with reason", LandingRetryScheduled, strPtr("transport timeout"), "landing-sync:retry_scheduled:transport-timeout"},
		{"synchronized ignores reason", LandingSynchronized, strPtr("ignored"), "landing-sync:synchronized"},
		{"diverged normalizes reason", LandingDiverged, strPtr("  JJ Push Rejected  "), "landing-sync:diverged:jj-push-rejected"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, landingSyncCausationID(tc.status, tc.reason))
		})
	}
}

func TestLandingSyncStatusKey(t *testing.T) {
	cases := map[LandingSyncStatus]string{
		LandingSynchronized:   "synchronized",
		LandingRetryScheduled: "retry_scheduled",
		LandingDiverged:       "diverged",
	}
	for status, want := range cases {
		assert.Equal(t, want, landingSyncStatusKey(status))
	}
}

func strPtr(s string) *string { return &s }
