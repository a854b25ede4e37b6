package engine

import (
	"errors"
	"fmt"

	"conductor/core"
)

// ErrRuleNotFound is returned by Trigger and Test for an unknown rule ID.
var ErrRuleNotFound = errors.New("rule not found")

// ConditionEvaluationError marks a malformed condition (bad value for its
// declared type, unusable operator). It is recorded per condition and treated
// as condition=false; it never aborts a batch.
type ConditionEvaluationError struct {
	Field string
	Err   error
}

func (e *ConditionEvaluationError) Error() string {
	return fmt.Sprintf("condition on field %q failed to evaluate: %v", e.Field, e.Err)
}

func (e *ConditionEvaluationError) Unwrap() error { return e.Err }

// ActionExecutionError wraps a downstream capability failure. Timeout marks
// the ActionTimeout subtype.
type ActionExecutionError struct {
	ActionType core.ActionType
	Err        error
	Timeout    bool
}

func (e *ActionExecutionError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("action %s timed out: %v", e.ActionType, e.Err)
	}
	return fmt.Sprintf("action %s failed: %v", e.ActionType, e.Err)
}

func (e *ActionExecutionError) Unwrap() error { return e.Err }

// IsActionTimeout reports whether err is an action timeout.
func IsActionTimeout(err error) bool {
	var ae *ActionExecutionError
	return errors.As(err, &ae) && ae.Timeout
}
