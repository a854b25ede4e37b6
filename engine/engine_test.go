package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"conductor/core"
	"conductor/notify"
	"conductor/storage"
)

// memStore is an in-memory stand-in for the SQLite storage used by engine
// tests: it implements RuleGetter, RuleProvider, ExecutionWriter and
// RuleCounterWriter.
type memStore struct {
	mu         sync.Mutex
	rules      map[string]*core.Rule
	executions map[string]core.Execution
}

func newMemStore() *memStore {
	return &memStore{
		rules:      make(map[string]*core.Rule),
		executions: make(map[string]core.Execution),
	}
}

func (m *memStore) addRule(rule *core.Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[rule.TenantID+"/"+rule.ID] = rule
}

func (m *memStore) GetRule(_ context.Context, tenantID, ruleID string) (*core.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule, ok := m.rules[tenantID+"/"+ruleID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrRuleNotFound, ruleID)
	}
	copied := *rule
	return &copied, nil
}

func (m *memStore) GetEnabledRules(_ context.Context, tenantID string) ([]core.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Rule
	for _, rule := range m.rules {
		if rule.TenantID == tenantID && rule.Enabled {
			out = append(out, *rule)
		}
	}
	return out, nil
}

func (m *memStore) CreateExecution(_ context.Context, execution *core.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[execution.ID] = *execution
	return nil
}

func (m *memStore) UpdateExecution(_ context.Context, execution *core.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[execution.ID]; !ok {
		return fmt.Errorf("%w: %s", storage.ErrExecutionNotFound, execution.ID)
	}
	m.executions[execution.ID] = *execution
	return nil
}

func (m *memStore) IncrementRuleCounters(_ context.Context, tenantID, ruleID string, success bool, executedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule, ok := m.rules[tenantID+"/"+ruleID]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrRuleNotFound, ruleID)
	}
	rule.TotalExecutions++
	if success {
		rule.SuccessfulExecutions++
	} else {
		rule.FailedExecutions++
	}
	at := executedAt
	rule.LastExecutedAt = &at
	return nil
}

func (m *memStore) executionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.executions)
}

func (m *memStore) executionsByStatus(status core.ExecutionStatus) []core.Execution {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Execution
	for _, e := range m.executions {
		if e.Status == status {
			out = append(out, e)
		}
	}
	return out
}

func newTestEngine(t *testing.T, store *memStore, mock *notify.MockCapabilities) *Engine {
	t.Helper()
	logger := zap.NewNop().Sugar()
	eng := NewEngine(context.Background(), Options{
		Rules:         store,
		Cache:         NewRuleCache(store, 16, 50*time.Millisecond),
		Evaluator:     NewConditionEvaluator(logger),
		Limiter:       NewRateLimiter(NewMemoryCounterStore(), logger),
		Dispatcher:    newTestDispatcher(mock),
		Recorder:      NewRecorder(store, store, logger),
		WorkerCount:   4,
		QueueSize:     32,
		ActionTimeout: 2 * time.Second,
		Logger:        logger,
	})
	eng.Start()
	t.Cleanup(eng.Stop)
	return eng
}

func notificationRule(id string, conditions []core.Condition) *core.Rule {
	rule := &core.Rule{
		ID:       id,
		TenantID: "acme",
		Name:     "notify " + id,
		Trigger:  core.TriggerSpec{Type: core.TriggerEntityEvent, EntityType: "order", Event: "status_changed"},
		Action: core.Action{
			Type:   core.ActionSendNotification,
			Config: json.RawMessage(`{"title": "Order {{order_number}} changed to {{status}}"}`),
		},
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	}
	rule.Conditions = conditions
	if err := rule.Action.Compile(); err != nil {
		panic(err)
	}
	return rule
}

func TestTriggerRunsRuleSynchronously(t *testing.T) {
	store := newMemStore()
	mock := notify.NewMockCapabilities()
	eng := newTestEngine(t, store, mock)

	store.addRule(notificationRule("r1", nil))

	execution, err := eng.Trigger(context.Background(), "acme", "r1", map[string]interface{}{
		"order_number": "SO-100", "status": "Cancelled",
	})
	require.NoError(t, err)
	require.NotNil(t, execution)
	assert.Equal(t, core.ExecutionCompleted, execution.Status)
	assert.True(t, execution.ConditionsMet)
	assert.NotNil(t, execution.CompletedAt)

	require.Len(t, mock.Notifications, 1)
	assert.Equal(t, "Order SO-100 changed to Cancelled", mock.Notifications[0].Title)

	rule, err := store.GetRule(context.Background(), "acme", "r1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, rule.TotalExecutions)
	assert.EqualValues(t, 1, rule.SuccessfulExecutions)
	assert.EqualValues(t, 0, rule.FailedExecutions)
	assert.NotNil(t, rule.LastExecutedAt)
}

func TestTriggerUnknownRule(t *testing.T) {
	store := newMemStore()
	eng := newTestEngine(t, store, notify.NewMockCapabilities())

	_, err := eng.Trigger(context.Background(), "acme", "missing", nil)
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestTriggerDisabledRule(t *testing.T) {
	store := newMemStore()
	eng := newTestEngine(t, store, notify.NewMockCapabilities())

	rule := notificationRule("r1", nil)
	rule.Enabled = false
	store.addRule(rule)

	_, err := eng.Trigger(context.Background(), "acme", "r1", nil)
	assert.ErrorIs(t, err, ErrRuleDisabled)
}

func TestConditionsNotMetSkipsWithoutCounting(t *testing.T) {
	store := newMemStore()
	mock := notify.NewMockCapabilities()
	eng := newTestEngine(t, store, mock)

	store.addRule(notificationRule("r1", []core.Condition{
		{Field: "status", Operator: core.OpEquals, Value: "Cancelled", ValueType: core.ValueString},
	}))

	execution, err := eng.Trigger(context.Background(), "acme", "r1", map[string]interface{}{"status": "Shipped"})
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionSkipped, execution.Status)
	assert.Equal(t, SkipReasonConditionsNotMet, execution.SkipReason)
	assert.False(t, execution.ConditionsMet)
	require.Len(t, execution.ConditionResults, 1)
	assert.False(t, execution.ConditionResults[0].Met)

	assert.Zero(t, mock.CallCount(), "skipped executions never reach the dispatcher")

	rule, err := store.GetRule(context.Background(), "acme", "r1")
	require.NoError(t, err)
	assert.Zero(t, rule.TotalExecutions)
}

func TestActionFailureRecordsFailedAndSurfacesError(t *testing.T) {
	store := newMemStore()
	mock := notify.NewMockCapabilities()
	mock.Err = fmt.Errorf("downstream unavailable")
	eng := newTestEngine(t, store, mock)

	store.addRule(notificationRule("r1", nil))

	execution, err := eng.Trigger(context.Background(), "acme", "r1", map[string]interface{}{"status": "Cancelled"})
	require.Error(t, err)
	require.NotNil(t, execution)
	assert.Equal(t, core.ExecutionFailed, execution.Status)
	assert.Contains(t, execution.Error, "downstream unavailable")

	rule, lookupErr := store.GetRule(context.Background(), "acme", "r1")
	require.NoError(t, lookupErr)
	assert.EqualValues(t, 1, rule.TotalExecutions)
	assert.EqualValues(t, 0, rule.SuccessfulExecutions)
	assert.EqualValues(t, 1, rule.FailedExecutions)
}

func TestCooldownSkipsSecondTrigger(t *testing.T) {
	store := newMemStore()
	mock := notify.NewMockCapabilities()
	eng := newTestEngine(t, store, mock)

	rule := notificationRule("r1", nil)
	rule.CooldownSeconds = 300
	store.addRule(rule)

	first, err := eng.Trigger(context.Background(), "acme", "r1", nil)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionCompleted, first.Status)

	second, err := eng.Trigger(context.Background(), "acme", "r1", nil)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionSkipped, second.Status)
	assert.Equal(t, DenyReasonCooldown, second.SkipReason)
	assert.Len(t, mock.Notifications, 1)
}

func TestTestIsDryRun(t *testing.T) {
	store := newMemStore()
	mock := notify.NewMockCapabilities()
	eng := newTestEngine(t, store, mock)

	store.addRule(notificationRule("r1", []core.Condition{
		{Field: "status", Operator: core.OpEquals, Value: "Cancelled", ValueType: core.ValueString},
	}))

	result, err := eng.Test(context.Background(), "acme", "r1", map[string]interface{}{"status": "Cancelled"})
	require.NoError(t, err)
	assert.True(t, result.WouldTrigger)
	require.Len(t, result.ConditionResults, 1)
	assert.True(t, result.ConditionResults[0].Met)

	result, err = eng.Test(context.Background(), "acme", "r1", map[string]interface{}{"status": "Shipped"})
	require.NoError(t, err)
	assert.False(t, result.WouldTrigger)

	assert.Zero(t, mock.CallCount(), "test never dispatches the action")
	assert.Zero(t, store.executionCount(), "test never records an execution")

	rule, err := store.GetRule(context.Background(), "acme", "r1")
	require.NoError(t, err)
	assert.Zero(t, rule.TotalExecutions)
}

func TestHandleFansOutToMatchedRules(t *testing.T) {
	store := newMemStore()
	mock := notify.NewMockCapabilities()
	eng := newTestEngine(t, store, mock)

	store.addRule(notificationRule("r1", nil))
	store.addRule(notificationRule("r2", []core.Condition{
		{Field: "status", Operator: core.OpEquals, Value: "Cancelled", ValueType: core.ValueString},
	}))

	event := core.NewEntityEvent("acme", "order", "o-1", "status_changed", map[string]interface{}{
		"order_number": "SO-100", "status": "Cancelled",
	})
	require.NoError(t, eng.Handle(context.Background(), event))

	require.Eventually(t, func() bool {
		return len(store.executionsByStatus(core.ExecutionCompleted)) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, mock.Notifications, 2)
}

func TestHandleSwallowsActionErrors(t *testing.T) {
	store := newMemStore()
	mock := notify.NewMockCapabilities()
	mock.Err = fmt.Errorf("boom")
	eng := newTestEngine(t, store, mock)

	store.addRule(notificationRule("r1", nil))

	event := core.NewEntityEvent("acme", "order", "o-1", "status_changed", nil)
	require.NoError(t, eng.Handle(context.Background(), event), "event producers never see action errors")

	require.Eventually(t, func() bool {
		return len(store.executionsByStatus(core.ExecutionFailed)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConcurrentTriggersRespectDailyCap(t *testing.T) {
	store := newMemStore()
	mock := notify.NewMockCapabilities()
	eng := newTestEngine(t, store, mock)

	rule := notificationRule("r1", nil)
	rule.MaxExecutionsPerDay = 1
	store.addRule(rule)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = eng.Trigger(context.Background(), "acme", "r1", nil)
		}()
	}
	wg.Wait()

	completed := store.executionsByStatus(core.ExecutionCompleted)
	assert.Len(t, completed, 1, "cap of one admits exactly one concurrent trigger")
	assert.Len(t, mock.Notifications, 1)
	skipped := store.executionsByStatus(core.ExecutionSkipped)
	assert.Len(t, skipped, 9)
}
