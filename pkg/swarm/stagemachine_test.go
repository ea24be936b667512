package swarm

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/swarmkernel/swarmd/pkg/models"
)

func TestDecideNoOpCases(t *testing.T) {
	cases := []struct {
		name   string
		stage  models.Stage
		result models.StageResultKind
	}{
		{"started never transitions", models.StageImplement, models.ResultStarted},
		{"done has no successor", models.StageDone, models.ResultPassed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Decide(tc.stage, tc.result, 1, 3)
			assert.Equal(t, TransitionNoOp, got.Kind)
		})
	}
}
