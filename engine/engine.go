// Package engine implements the rule evaluation pipeline: match incoming
// trigger events against tenant rules, enforce rate limits, evaluate
// condition chains and dispatch actions, recording every attempt as an
// execution.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"conductor/core"
	"conductor/metrics"
	"conductor/storage"
)

// SkipReasonConditionsNotMet is recorded when a rule's condition chain
// evaluated false.
const SkipReasonConditionsNotMet = "conditions not met"

// ErrRuleDisabled is returned by Trigger for a rule that exists but is
// disabled.
var ErrRuleDisabled = errors.New("rule is disabled")

// RuleGetter fetches one rule by tenant and ID. Implemented by storage.
type RuleGetter interface {
	GetRule(ctx context.Context, tenantID, ruleID string) (*core.Rule, error)
}

// TestResult is the outcome of a dry run against sample data. No action is
// dispatched, nothing is recorded and no counter moves.
type TestResult struct {
	WouldTrigger     bool                   `json:"would_trigger"`
	ConditionResults []core.ConditionResult `json:"condition_results,omitempty"`
}

// Options wires an Engine.
type Options struct {
	Rules         RuleGetter
	Cache         *RuleCache
	Evaluator     *ConditionEvaluator
	Limiter       *RateLimiter
	Dispatcher    *Dispatcher
	Recorder      *Recorder
	WorkerCount   int
	QueueSize     int
	ActionTimeout time.Duration
	Logger        *zap.SugaredLogger
}

// Engine orchestrates the pipeline. Event-driven triggers fan out across the
// worker pool with their errors recorded and swallowed; the manual Trigger
// path runs synchronously and surfaces errors to the caller. Executions for
// the same rule are serialized so a burst of identical events cannot race the
// cooldown check.
type Engine struct {
	rules         RuleGetter
	cache         *RuleCache
	evaluator     *ConditionEvaluator
	limiter       *RateLimiter
	dispatcher    *Dispatcher
	recorder      *Recorder
	pool          *core.WorkerPool
	logger        *zap.SugaredLogger
	actionTimeout time.Duration

	// runCtx outlives individual trigger requests so queued pipelines are not
	// cancelled when the HTTP request that enqueued them returns.
	runCtx context.Context

	lockMu    sync.Mutex
	ruleLocks map[string]*sync.Mutex
}

// NewEngine creates an engine. Call Start before handling events and Stop on
// shutdown.
func NewEngine(ctx context.Context, opts Options) *Engine {
	timeout := opts.ActionTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Engine{
		rules:         opts.Rules,
		cache:         opts.Cache,
		evaluator:     opts.Evaluator,
		limiter:       opts.Limiter,
		dispatcher:    opts.Dispatcher,
		recorder:      opts.Recorder,
		pool:          core.NewWorkerPool(ctx, opts.WorkerCount, opts.QueueSize, "engine", opts.Logger),
		logger:        opts.Logger,
		actionTimeout: timeout,
		runCtx:        ctx,
		ruleLocks:     make(map[string]*sync.Mutex),
	}
}

// Start launches the engine's worker pool.
func (e *Engine) Start() {
	e.pool.Start()
}

// Stop drains in-flight pipelines.
func (e *Engine) Stop() {
	e.pool.Stop()
}

// Handle fans a trigger event out to every matching enabled rule for the
// tenant. Individual rule failures are recorded on their executions and
// logged; they never propagate to the event producer. The only errors Handle
// returns are infrastructure ones (rule loading, a saturated worker pool).
func (e *Engine) Handle(ctx context.Context, event *core.TriggerEvent) error {
	metrics.TriggersReceived.WithLabelValues(string(event.Type)).Inc()

	rules, err := e.cache.GetEnabledRules(ctx, event.TenantID)
	if err != nil {
		return fmt.Errorf("failed to load rules for tenant %s: %w", event.TenantID, err)
	}

	matched := MatchRules(rules, event)
	if len(matched) == 0 {
		return nil
	}
	e.logger.Debugw("Trigger matched rules",
		"tenant_id", event.TenantID, "event_id", event.ID, "trigger_type", event.Type, "matched", len(matched))

	var submitErr error
	for i := range matched {
		rule := matched[i]
		if err := e.pool.Submit(func() {
			e.runLocked(e.runCtx, &rule, event)
		}); err != nil {
			e.logger.Errorw("Failed to queue rule execution",
				"rule_id", rule.ID, "tenant_id", rule.TenantID, "error", err)
			submitErr = err
		}
	}
	return submitErr
}

// Trigger runs one rule manually, bypassing trigger matching. It is
// synchronous and surfaces the action error, unlike the event-driven path.
// Rate limits still apply.
func (e *Engine) Trigger(ctx context.Context, tenantID, ruleID string, eventData map[string]interface{}) (*core.Execution, error) {
	rule, err := e.getRule(ctx, tenantID, ruleID)
	if err != nil {
		return nil, err
	}
	if !rule.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrRuleDisabled, ruleID)
	}

	event := core.NewTriggerEvent(tenantID, core.TriggerManual, eventData)
	metrics.TriggersReceived.WithLabelValues(string(core.TriggerManual)).Inc()

	unlock := e.lockRule(rule)
	defer unlock()
	return e.runPipeline(ctx, rule, event)
}

// Test dry-runs a rule's conditions against sample data. The action is never
// dispatched, no execution is recorded and rate limits are not consulted.
func (e *Engine) Test(ctx context.Context, tenantID, ruleID string, testData map[string]interface{}) (*TestResult, error) {
	rule, err := e.getRule(ctx, tenantID, ruleID)
	if err != nil {
		return nil, err
	}
	met, results := e.evaluator.Evaluate(rule.Conditions, testData)
	return &TestResult{WouldTrigger: met, ConditionResults: results}, nil
}

// HandleSchedule runs a schedule rule on its cron fire. Called by the
// scheduler with a freshly loaded rule.
func (e *Engine) HandleSchedule(ctx context.Context, rule *core.Rule) {
	metrics.ScheduleFires.Inc()
	event := core.NewTriggerEvent(rule.TenantID, core.TriggerSchedule, map[string]interface{}{
		"scheduled_at": time.Now().UTC().Format(time.RFC3339),
		"rule_id":      rule.ID,
	})
	metrics.TriggersReceived.WithLabelValues(string(core.TriggerSchedule)).Inc()
	e.runLocked(ctx, rule, event)
}

func (e *Engine) getRule(ctx context.Context, tenantID, ruleID string) (*core.Rule, error) {
	rule, err := e.rules.GetRule(ctx, tenantID, ruleID)
	if errors.Is(err, storage.ErrRuleNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
	}
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// runLocked is the event-driven entry: it serializes on the rule, runs the
// pipeline and swallows the error after logging it.
func (e *Engine) runLocked(ctx context.Context, rule *core.Rule, event *core.TriggerEvent) {
	unlock := e.lockRule(rule)
	defer unlock()

	if _, err := e.runPipeline(ctx, rule, event); err != nil {
		e.logger.Errorw("Rule execution failed",
			"rule_id", rule.ID, "rule_name", rule.Name, "tenant_id", rule.TenantID,
			"event_id", event.ID, "error", err)
	}
}

// runPipeline runs one rule against one event end to end and returns the
// execution record plus the action error, if any. Callers hold the rule lock.
func (e *Engine) runPipeline(ctx context.Context, rule *core.Rule, event *core.TriggerEvent) (*core.Execution, error) {
	execution, err := e.recorder.Begin(ctx, rule, event)
	if err != nil {
		return nil, fmt.Errorf("failed to record execution: %w", err)
	}

	reservation, decision, err := e.limiter.Reserve(ctx, rule, time.Now().UTC())
	if err != nil {
		limitErr := fmt.Errorf("rate limit check failed: %w", err)
		// The counter store is unreachable; the rule did not fail, so the
		// execution is cancelled rather than counted as a failure.
		if ferr := e.recorder.FinishCancelled(ctx, execution, limitErr.Error()); ferr != nil {
			e.logger.Errorw("Failed to finalize execution", "execution_id", execution.ID, "error", ferr)
		}
		return execution, limitErr
	}
	if !decision.Allowed {
		e.logger.Debugw("Rule execution rate limited",
			"rule_id", rule.ID, "tenant_id", rule.TenantID, "reason", decision.Reason)
		if err := e.recorder.FinishSkipped(ctx, execution, decision.Reason, false, nil); err != nil {
			return execution, err
		}
		return execution, nil
	}

	met, results := e.evaluator.Evaluate(rule.Conditions, event.Data)
	if !met {
		reservation.Release()
		if err := e.recorder.FinishSkipped(ctx, execution, SkipReasonConditionsNotMet, false, results); err != nil {
			return execution, err
		}
		return execution, nil
	}

	execution.ConditionsMet = true
	execution.ConditionResults = results
	if err := e.recorder.MarkRunning(ctx, execution); err != nil {
		reservation.Release()
		return execution, fmt.Errorf("failed to mark execution running: %w", err)
	}

	actionCtx, cancel := context.WithTimeout(ctx, e.actionTimeout)
	result, actionErr := e.dispatcher.Execute(actionCtx, &rule.Action, rule.TenantID, event.Data)
	cancel()

	if actionErr != nil {
		// A failed run still starts the cooldown clock.
		reservation.Commit(ctx, false)
		if err := e.recorder.FinishFailed(ctx, execution, actionErr); err != nil {
			e.logger.Errorw("Failed to finalize execution", "execution_id", execution.ID, "error", err)
		}
		return execution, actionErr
	}

	reservation.Commit(ctx, true)
	if err := e.recorder.FinishCompleted(ctx, execution, result); err != nil {
		e.logger.Errorw("Failed to finalize execution", "execution_id", execution.ID, "error", err)
	}
	return execution, nil
}

// lockRule serializes pipeline runs per rule so concurrent identical events
// observe each other's cooldown and cap effects in arrival order.
func (e *Engine) lockRule(rule *core.Rule) func() {
	key := rule.TenantID + "/" + rule.ID
	e.lockMu.Lock()
	mu, ok := e.ruleLocks[key]
	if !ok {
		mu = &sync.Mutex{}
		e.ruleLocks[key] = mu
	}
	e.lockMu.Unlock()
	mu.Lock()
	return mu.Unlock
}
