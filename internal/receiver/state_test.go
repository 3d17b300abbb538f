package receiver

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from    State
		to      State
		allowed bool
	}{
		{StateIdle, StateStarting, true},
		{StateIdle, StateRunning, false},
		{StateStarting, StateRunning, true},
		{StateStarting, StateFailed, true},
		{StateStarting, StateIdle, false},
		{StateRunning, StateStopping, true},
		{StateRunning, StateIdle, false},
		{StateStopping, StateIdle, true},
		{StateStopping, StateRunning, false},
		{StateFailed, StateStarting, true},
		{StateFailed, StateIdle, true},
		{StateFailed, StateRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransition(tt.to))
		})
	}
}

func TestStateHasSocket(t *testing.T) {
	assert.False(t, StateIdle.HasSocket())
	assert.True(t, StateStarting.HasSocket())
	assert.True(t, StateRunning.HasSocket())
	assert.True(t, StateStopping.HasSocket())
	assert.False(t, StateFailed.HasSocket())
}

func TestStateMarshal(t *testing.T) {
	data, err := json.Marshal(map[string]State{"state": StateRunning})
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"running"}`, string(data))

	assert.Equal(t, "State(42)", State(42).String())
}
