// Package lifecycle implements the run state machine.
package lifecycle

import (
	"fmt"

	"github.com/dwsmith1983/riskcheck/pkg/types"
)

// Transition table: from -> allowed tos
var validTransitions = map[types.RunStatus][]types.RunStatus{
	types.RunCreated:   {types.RunRunning, types.RunFailed, types.RunCancelled},
	types.RunRunning:   {types.RunJoining, types.RunFailed, types.RunCancelled},
	types.RunJoining:   {types.RunCompleted, types.RunFailed, types.RunCancelled},
	types.RunCompleted: {},
	types.RunFailed:    {},
	types.RunCancelled: {},
}

// CanTransition checks if transitioning from one run status to another is valid.
func CanTransition(from, to types.RunStatus) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// Transition validates and returns the new status, or an error if the transition is invalid.
func Transition(from, to types.RunStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminal returns true if the status is a terminal (final) state.
func IsTerminal(status types.RunStatus) bool {
	return status == types.RunCompleted || status == types.RunFailed || status == types.RunCancelled
}

// Statuses returns every known run status.
func Statuses() []types.RunStatus {
	return []types.RunStatus{
		types.RunCreated, types.RunRunning, types.RunJoining,
		types.RunCompleted, types.RunFailed, types.RunCancelled,
	}
}

// Active returns the non-terminal statuses, i.e. the runs a restarted
// coordinator has to resume.
func Active() []types.RunStatus {
	return []types.RunStatus{types.RunCreated, types.RunRunning, types.RunJoining}
}

// Terminal returns the final statuses.
func Terminal() []types.RunStatus {
	return []types.RunStatus{types.RunCompleted, types.RunFailed, types.RunCancelled}
}

// IsValidStatus reports whether s is a known run status.
func IsValidStatus(s types.RunStatus) bool {
	for _, v := range Statuses() {
		if v == s {
			return true
		}
	}
	return false
}
