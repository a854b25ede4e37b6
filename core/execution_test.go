package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPendingExecution() *Execution {
	rule := validRule()
	rule.ID = "r1"
	event := NewEntityEvent("acme", "order", "o-1", "status_changed", map[string]interface{}{"status": "Cancelled"})
	return NewExecution(rule, event)
}

func TestNewExecutionSnapshotsTrigger(t *testing.T) {
	e := newPendingExecution()
	assert.Equal(t, ExecutionPending, e.Status)
	assert.Equal(t, "r1", e.RuleID)
	assert.Equal(t, "acme", e.TenantID)
	assert.Equal(t, TriggerEntityEvent, e.TriggerType)
	assert.Equal(t, "order", e.EntityType)
	assert.Equal(t, "o-1", e.EntityID)
	assert.Equal(t, "Cancelled", e.EventData["status"])
	assert.NotEmpty(t, e.ID)
	assert.Nil(t, e.CompletedAt)
}

func TestExecutionTransitions(t *testing.T) {
	tests := []struct {
		name string
		path []ExecutionStatus
		ok   bool
	}{
		{"pending to running to completed", []ExecutionStatus{ExecutionRunning, ExecutionCompleted}, true},
		{"pending to running to failed", []ExecutionStatus{ExecutionRunning, ExecutionFailed}, true},
		{"pending to running to cancelled", []ExecutionStatus{ExecutionRunning, ExecutionCancelled}, true},
		{"pending to skipped", []ExecutionStatus{ExecutionSkipped}, true},
		{"pending to cancelled", []ExecutionStatus{ExecutionCancelled}, true},
		{"pending straight to completed", []ExecutionStatus{ExecutionCompleted}, false},
		{"pending straight to failed", []ExecutionStatus{ExecutionFailed}, false},
		{"running to skipped", []ExecutionStatus{ExecutionRunning, ExecutionSkipped}, false},
		{"running back to pending", []ExecutionStatus{ExecutionRunning, ExecutionPending}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newPendingExecution()
			var err error
			for _, status := range tt.path {
				err = e.Transition(status)
				if err != nil {
					break
				}
			}
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestExecutionTerminalTransitionStampsCompletion(t *testing.T) {
	e := newPendingExecution()
	require.NoError(t, e.Transition(ExecutionRunning))
	assert.Nil(t, e.CompletedAt)

	require.NoError(t, e.Transition(ExecutionCompleted))
	require.NotNil(t, e.CompletedAt)
	assert.GreaterOrEqual(t, e.DurationMs, int64(0))

	// Terminal states accept no further transitions.
	assert.Error(t, e.Transition(ExecutionFailed))
	assert.Error(t, e.Transition(ExecutionRunning))
}

func TestExecutionStatusIsTerminal(t *testing.T) {
	assert.False(t, ExecutionPending.IsTerminal())
	assert.False(t, ExecutionRunning.IsTerminal())
	assert.True(t, ExecutionCompleted.IsTerminal())
	assert.True(t, ExecutionFailed.IsTerminal())
	assert.True(t, ExecutionSkipped.IsTerminal())
	assert.True(t, ExecutionCancelled.IsTerminal())
}
