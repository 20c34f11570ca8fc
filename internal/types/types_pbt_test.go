package types

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var allStates = []interface{}{
	StateValidating, StateExecuting, StateRecording, StateDone,
	StateRejected, StateFailed, StateUnknown, StatePartial,
}

// Terminal states never transition anywhere
func TestTerminalStatesAreAbsorbing(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("terminal states have no outgoing transitions", prop.ForAll(
		func(from, to SettlementState) bool {
			if !from.Terminal() {
				return true
			}
			return !CanTransition(from, to)
		},
		gen.OneConstOf(allStates...),
		gen.OneConstOf(allStates...),
	))

	properties.Property("every reachable state is reached from a non-terminal state", prop.ForAll(
		func(from, to SettlementState) bool {
			if !CanTransition(from, to) {
				return true
			}
			return !from.Terminal() && from != to
		},
		gen.OneConstOf(allStates...),
		gen.OneConstOf(allStates...),
	))

	properties.TestingRun(t)
}
