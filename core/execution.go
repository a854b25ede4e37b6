package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus is the state of one rule evaluation attempt.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionSkipped   ExecutionStatus = "skipped"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status ends the execution lifecycle.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionSkipped, ExecutionCancelled:
		return true
	}
	return false
}

// validExecutionTransitions encodes the lifecycle
// pending -> running -> {completed, failed}; pending -> {skipped, cancelled}.
var validExecutionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionPending: {ExecutionRunning, ExecutionSkipped, ExecutionCancelled},
	ExecutionRunning: {ExecutionCompleted, ExecutionFailed, ExecutionCancelled},
}

// ConditionResult is the outcome of one condition in the chain, kept on the
// execution for auditability and returned verbatim by the test endpoint.
type ConditionResult struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    string   `json:"value"`
	Met      bool     `json:"met"`
	Error    string   `json:"error,omitempty"`
}

// Execution is the audit record of one rule evaluation attempt. It is created
// at trigger time, mutated only by the engine during its own run, and frozen
// once it reaches a terminal status.
type Execution struct {
	ID       string `json:"id"`
	RuleID   string `json:"rule_id"`
	TenantID string `json:"tenant_id"`

	// Trigger snapshot.
	TriggerType TriggerType            `json:"trigger_type"`
	EntityType  string                 `json:"entity_type,omitempty"`
	EntityID    string                 `json:"entity_id,omitempty"`
	EventData   map[string]interface{} `json:"event_data,omitempty"`

	Status           ExecutionStatus        `json:"status"`
	ConditionsMet    bool                   `json:"conditions_met"`
	ConditionResults []ConditionResult      `json:"condition_results,omitempty"`
	SkipReason       string                 `json:"skip_reason,omitempty"`
	Result           map[string]interface{} `json:"result,omitempty"`
	Error            string                 `json:"error,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms"`
}

// NewExecution creates a pending execution for a rule/event pair.
func NewExecution(rule *Rule, event *TriggerEvent) *Execution {
	return &Execution{
		ID:          uuid.New().String(),
		RuleID:      rule.ID,
		TenantID:    rule.TenantID,
		TriggerType: event.Type,
		EntityType:  event.EntityType,
		EntityID:    event.EntityID,
		EventData:   event.Data,
		Status:      ExecutionPending,
		StartedAt:   time.Now().UTC(),
	}
}

// Transition moves the execution to a new status, enforcing the lifecycle.
// Terminal transitions stamp CompletedAt and DurationMs.
func (e *Execution) Transition(to ExecutionStatus) error {
	allowed, ok := validExecutionTransitions[e.Status]
	if !ok {
		return fmt.Errorf("execution %s is %s and cannot transition to %s", e.ID, e.Status, to)
	}
	for _, s := range allowed {
		if s == to {
			e.Status = to
			if to.IsTerminal() {
				now := time.Now().UTC()
				e.CompletedAt = &now
				e.DurationMs = now.Sub(e.StartedAt).Milliseconds()
			}
			return nil
		}
	}
	return fmt.Errorf("invalid execution transition %s -> %s", e.Status, to)
}
