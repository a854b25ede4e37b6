package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"conductor/core"
	"conductor/metrics"
)

// ExecutionWriter persists execution records. Implemented by storage.
type ExecutionWriter interface {
	CreateExecution(ctx context.Context, execution *core.Execution) error
	UpdateExecution(ctx context.Context, execution *core.Execution) error
}

// RuleCounterWriter applies rule counter updates after a terminal execution.
// Implemented by storage as a single UPDATE so concurrent executions never
// lose increments.
type RuleCounterWriter interface {
	IncrementRuleCounters(ctx context.Context, tenantID, ruleID string, success bool, executedAt time.Time) error
}

// Recorder owns the execution record lifecycle: it creates the pending record
// when a trigger arrives, stamps each transition, and applies the rule counter
// semantics on the terminal status. Completed counts as total and successful,
// failed as total and failed, skipped touches no counter.
type Recorder struct {
	executions ExecutionWriter
	counters   RuleCounterWriter
	logger     *zap.SugaredLogger
}

// NewRecorder creates an execution recorder over the given storage.
func NewRecorder(executions ExecutionWriter, counters RuleCounterWriter, logger *zap.SugaredLogger) *Recorder {
	return &Recorder{executions: executions, counters: counters, logger: logger}
}

// Begin creates and persists a pending execution for the rule/event pair.
func (r *Recorder) Begin(ctx context.Context, rule *core.Rule, event *core.TriggerEvent) (*core.Execution, error) {
	execution := core.NewExecution(rule, event)
	if err := r.executions.CreateExecution(ctx, execution); err != nil {
		return nil, err
	}
	return execution, nil
}

// MarkRunning transitions the execution to running just before dispatch.
func (r *Recorder) MarkRunning(ctx context.Context, execution *core.Execution) error {
	if err := execution.Transition(core.ExecutionRunning); err != nil {
		return err
	}
	return r.executions.UpdateExecution(ctx, execution)
}

// FinishSkipped closes the execution without running the action. Rate-limit
// denials pass conditionsMet=false with no condition results; a false
// condition chain passes its per-condition results for the audit trail.
// Skipped executions never touch the rule counters.
func (r *Recorder) FinishSkipped(ctx context.Context, execution *core.Execution, reason string, conditionsMet bool, results []core.ConditionResult) error {
	execution.ConditionsMet = conditionsMet
	execution.ConditionResults = results
	execution.SkipReason = reason
	return r.finish(ctx, execution, core.ExecutionSkipped, nil)
}

// FinishCompleted closes a successful execution and bumps the rule's total and
// successful counters.
func (r *Recorder) FinishCompleted(ctx context.Context, execution *core.Execution, result map[string]interface{}) error {
	execution.Result = result
	return r.finish(ctx, execution, core.ExecutionCompleted, func(ctx context.Context) error {
		return r.counters.IncrementRuleCounters(ctx, execution.TenantID, execution.RuleID, true, time.Now().UTC())
	})
}

// FinishFailed closes a failed execution with the action error and bumps the
// rule's total and failed counters.
func (r *Recorder) FinishFailed(ctx context.Context, execution *core.Execution, actionErr error) error {
	if actionErr != nil {
		execution.Error = actionErr.Error()
	}
	return r.finish(ctx, execution, core.ExecutionFailed, func(ctx context.Context) error {
		return r.counters.IncrementRuleCounters(ctx, execution.TenantID, execution.RuleID, false, time.Now().UTC())
	})
}

// FinishCancelled closes an execution that was abandoned before or during
// dispatch, typically on engine shutdown. Counters are untouched.
func (r *Recorder) FinishCancelled(ctx context.Context, execution *core.Execution, reason string) error {
	execution.SkipReason = reason
	return r.finish(ctx, execution, core.ExecutionCancelled, nil)
}

func (r *Recorder) finish(ctx context.Context, execution *core.Execution, status core.ExecutionStatus, counterUpdate func(context.Context) error) error {
	if err := execution.Transition(status); err != nil {
		return err
	}
	if err := r.executions.UpdateExecution(ctx, execution); err != nil {
		return err
	}
	metrics.ExecutionsRecorded.WithLabelValues(string(status)).Inc()

	if counterUpdate != nil {
		if err := counterUpdate(ctx); err != nil {
			// The execution record is already terminal; a lost counter update is
			// logged rather than failing the pipeline.
			r.logger.Errorw("Failed to update rule counters",
				"rule_id", execution.RuleID, "tenant_id", execution.TenantID,
				"execution_id", execution.ID, "error", err)
		}
	}
	return nil
}
