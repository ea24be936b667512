package swarm

import "github.com/swarmkernel/swarmd/pkg/models"

// TransitionKind is the outcome of the C4 decision function.
type TransitionKind string

const (
	TransitionNoOp    TransitionKind = "no_op"
	TransitionAdvance TransitionKind = "advance"
	TransitionRetry   TransitionKind = "retry"
	TransitionComplete TransitionKind = "complete"
	TransitionBlock   TransitionKind = "block"
)

// Transition is the result of Decide: a total, deterministic function of
// (stage, result, attempt, max) with no I/O and no recovery heuristics.
type Transition struct {
	Kind TransitionKind
	Next models.Stage // only meaningful when Kind == TransitionAdvance
}

// Decide implements the C4 stage-transition rules, evaluated top to bottom
// with the first match winning:
//
//  1. result = started            -> NoOp (informational row only)
//  2. result = passed, stage = RedQueen -> Complete
//  3. result = passed, stage has a next -> Advance(next)
//  4. result = passed, stage = Done     -> NoOp
//  5. result in {failed, error}:
//       attempt >= max -> Block
//       else           -> Retry (caller routes the agent back to Implement)
//
// Decide never mutates shared state and never suspends; it is safe to call
// from anywhere, including tests, without a database connection.
func Decide(stage models.Stage, result models.StageResultKind, attempt, max int) Transition {
	if result == models.ResultStarted {
		return Transition{Kind: TransitionNoOp}
	}

	if result == models.ResultPassed {
		if stage == models.StageRedQueen {
			return Transition{Kind: TransitionComplete}
		}
		if next, ok := stage.Next(); ok {
			return Transition{Kind: TransitionAdvance, Next: next}
		}
		// stage = Done (or any stage with no successor): nothing to do.
		return Transition{Kind: TransitionNoOp}
	}

	// result is Failed or Error.
	if attempt >= max {
		return Transition{Kind: TransitionBlock}
	}
	return Transition{Kind: TransitionRetry}
}
