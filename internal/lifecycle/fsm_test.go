package lifecycle

import (
	"testing"

	"github.com/dwsmith1983/riskcheck/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from  types.RunStatus
		to    types.RunStatus
		valid bool
	}{
		{types.RunCreated, types.RunRunning, true},
		{types.RunCreated, types.RunFailed, true},
		{types.RunCreated, types.RunCancelled, true},
		{types.RunCreated, types.RunJoining, false},
		{types.RunCreated, types.RunCompleted, false},
		{types.RunRunning, types.RunJoining, true},
		{types.RunRunning, types.RunFailed, true},
		{types.RunRunning, types.RunCancelled, true},
		{types.RunRunning, types.RunCompleted, false},
		{types.RunRunning, types.RunCreated, false},
		{types.RunJoining, types.RunCompleted, true},
		{types.RunJoining, types.RunFailed, true},
		{types.RunJoining, types.RunCancelled, true},
		{types.RunJoining, types.RunRunning, false},
		{types.RunCompleted, types.RunFailed, false},
		{types.RunCompleted, types.RunCancelled, false},
		{types.RunFailed, types.RunRunning, false},
		{types.RunCancelled, types.RunCompleted, false},
		{types.RunStatus("BOGUS"), types.RunRunning, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.valid, CanTransition(tt.from, tt.to))
			err := Transition(tt.from, tt.to)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestNoBackwardTransitions(t *testing.T) {
	order := map[types.RunStatus]int{
		types.RunCreated:   0,
		types.RunRunning:   1,
		types.RunJoining:   2,
		types.RunCompleted: 3,
		types.RunFailed:    3,
		types.RunCancelled: 3,
	}
	for _, from := range Statuses() {
		for _, to := range Statuses() {
			if CanTransition(from, to) {
				assert.Greater(t, order[to], order[from], "%s -> %s goes backwards", from, to)
			}
		}
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(types.RunCompleted))
	assert.True(t, IsTerminal(types.RunFailed))
	assert.True(t, IsTerminal(types.RunCancelled))
	assert.False(t, IsTerminal(types.RunCreated))
	assert.False(t, IsTerminal(types.RunRunning))
	assert.False(t, IsTerminal(types.RunJoining))
}

func TestActive(t *testing.T) {
	for _, s := range Active() {
		assert.False(t, IsTerminal(s), "%s should not be terminal", s)
	}
	assert.Len(t, Active(), 3)
}

func TestTerminal(t *testing.T) {
	for _, s := range Terminal() {
		assert.True(t, IsTerminal(s), "%s should be terminal", s)
	}
	assert.Len(t, Terminal(), 3)
	assert.Len(t, Statuses(), len(Active())+len(Terminal()))
}

func TestIsValidStatus(t *testing.T) {
	for _, s := range Statuses() {
		assert.True(t, IsValidStatus(s))
	}
	assert.False(t, IsValidStatus("PENDING"))
	assert.False(t, IsValidStatus(""))
}
