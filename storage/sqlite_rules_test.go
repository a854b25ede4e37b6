package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"conductor/core"
)

func testDB(t *testing.T) *SQLite {
	t.Helper()
	db, err := NewSQLite(filepath.Join(t.TempDir(), "conductor.db"), zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func storedRule(tenantID, name string) *core.Rule {
	return &core.Rule{
		TenantID: tenantID,
		Name:     name,
		Trigger:  core.TriggerSpec{Type: core.TriggerEntityEvent, EntityType: "order", Event: "status_changed"},
		Conditions: []core.Condition{
			{Field: "status", Operator: core.OpEquals, Value: "Cancelled", ValueType: core.ValueString},
		},
		Action: core.Action{
			Type:   core.ActionSendNotification,
			Config: json.RawMessage(`{"title": "Order {{order_number}} cancelled"}`),
		},
		Enabled:  true,
		Priority: 100,
	}
}

func TestRuleStorageCreateAndGet(t *testing.T) {
	rs := NewRuleStorage(testDB(t))
	ctx := context.Background()

	rule := storedRule("acme", "cancelled orders")
	rule.CooldownSeconds = 60
	rule.MaxExecutionsPerDay = 10
	rule.Timezone = "Europe/Warsaw"
	require.NoError(t, rs.CreateRule(ctx, rule))
	assert.NotEmpty(t, rule.ID, "missing ID is generated on create")

	loaded, err := rs.GetRule(ctx, "acme", rule.ID)
	require.NoError(t, err)
	assert.Equal(t, rule.Name, loaded.Name)
	assert.Equal(t, core.TriggerEntityEvent, loaded.Trigger.Type)
	assert.Equal(t, "order", loaded.Trigger.EntityType)
	require.Len(t, loaded.Conditions, 1)
	assert.Equal(t, core.OpEquals, loaded.Conditions[0].Operator)
	assert.Equal(t, 60, loaded.CooldownSeconds)
	assert.Equal(t, 10, loaded.MaxExecutionsPerDay)
	assert.Equal(t, "Europe/Warsaw", loaded.Timezone)
	assert.True(t, loaded.Enabled)

	// Loaded rules come back with the action config compiled.
	decoded, err := loaded.Action.Decoded()
	require.NoError(t, err)
	cfg, ok := decoded.(*core.SendNotificationConfig)
	require.True(t, ok)
	assert.Equal(t, "Order {{order_number}} cancelled", cfg.Title)
}

func TestRuleStorageCreateRejectsInvalidRule(t *testing.T) {
	rs := NewRuleStorage(testDB(t))
	rule := storedRule("acme", "bad")
	rule.Action.Config = json.RawMessage(`{"unknown": true}`)
	err := rs.CreateRule(context.Background(), rule)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid rule")
}

func TestRuleStorageDuplicateName(t *testing.T) {
	rs := NewRuleStorage(testDB(t))
	ctx := context.Background()

	require.NoError(t, rs.CreateRule(ctx, storedRule("acme", "same name")))
	err := rs.CreateRule(ctx, storedRule("acme", "same name"))
	assert.ErrorIs(t, err, ErrDuplicateRule)

	// Uniqueness is per tenant.
	assert.NoError(t, rs.CreateRule(ctx, storedRule("globex", "same name")))
}

func TestRuleStorageTenantScoping(t *testing.T) {
	rs := NewRuleStorage(testDB(t))
	ctx := context.Background()

	rule := storedRule("acme", "acme rule")
	require.NoError(t, rs.CreateRule(ctx, rule))

	_, err := rs.GetRule(ctx, "globex", rule.ID)
	assert.ErrorIs(t, err, ErrRuleNotFound)
	assert.ErrorIs(t, rs.DeleteRule(ctx, "globex", rule.ID), ErrRuleNotFound)
	assert.ErrorIs(t, rs.SetRuleEnabled(ctx, "globex", rule.ID, false), ErrRuleNotFound)
}

func TestRuleStorageUpdate(t *testing.T) {
	rs := NewRuleStorage(testDB(t))
	ctx := context.Background()

	rule := storedRule("acme", "original")
	require.NoError(t, rs.CreateRule(ctx, rule))

	rule.Name = "renamed"
	rule.Priority = 5
	rule.Conditions = nil
	require.NoError(t, rs.UpdateRule(ctx, rule))

	loaded, err := rs.GetRule(ctx, "acme", rule.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", loaded.Name)
	assert.Equal(t, 5, loaded.Priority)
	assert.Empty(t, loaded.Conditions)

	missing := storedRule("acme", "ghost")
	missing.ID = "does-not-exist"
	assert.ErrorIs(t, rs.UpdateRule(ctx, missing), ErrRuleNotFound)
}

func TestRuleStorageDeleteCascadesExecutions(t *testing.T) {
	db := testDB(t)
	rs := NewRuleStorage(db)
	es := NewExecutionStorage(db)
	ctx := context.Background()

	rule := storedRule("acme", "doomed")
	require.NoError(t, rs.CreateRule(ctx, rule))

	event := core.NewEntityEvent("acme", "order", "o-1", "status_changed", nil)
	execution := core.NewExecution(rule, event)
	require.NoError(t, es.CreateExecution(ctx, execution))

	require.NoError(t, rs.DeleteRule(ctx, "acme", rule.ID))
	_, err := rs.GetRule(ctx, "acme", rule.ID)
	assert.ErrorIs(t, err, ErrRuleNotFound)
	_, err = es.GetExecution(ctx, "acme", execution.ID)
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestRuleStorageListFiltersAndPaginates(t *testing.T) {
	rs := NewRuleStorage(testDB(t))
	ctx := context.Background()

	for i, spec := range []struct {
		name     string
		enabled  bool
		trigger  core.TriggerType
		priority int
	}{
		{"a", true, core.TriggerEntityEvent, 30},
		{"b", true, core.TriggerWebhook, 20},
		{"c", false, core.TriggerWebhook, 10},
	} {
		rule := storedRule("acme", spec.name)
		rule.Enabled = spec.enabled
		rule.Priority = spec.priority
		if spec.trigger == core.TriggerWebhook {
			rule.Trigger = core.TriggerSpec{Type: core.TriggerWebhook}
		}
		require.NoError(t, rs.CreateRule(ctx, rule), "rule %d", i)
	}

	rules, total, err := rs.ListRules(ctx, "acme", RuleFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, rules, 3)
	// Ordered by priority ascending.
	assert.Equal(t, "c", rules[0].Name)
	assert.Equal(t, "b", rules[1].Name)

	enabled := true
	rules, total, err = rs.ListRules(ctx, "acme", RuleFilter{Enabled: &enabled})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, rules, 2)

	rules, total, err = rs.ListRules(ctx, "acme", RuleFilter{TriggerType: core.TriggerWebhook})
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	rules, total, err = rs.ListRules(ctx, "acme", RuleFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, total, "total ignores paging")
	require.Len(t, rules, 1)
	assert.Equal(t, "b", rules[0].Name)

	rules, _, err = rs.ListRules(ctx, "other-tenant", RuleFilter{})
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestRuleStorageGetEnabledRules(t *testing.T) {
	rs := NewRuleStorage(testDB(t))
	ctx := context.Background()

	on := storedRule("acme", "on")
	require.NoError(t, rs.CreateRule(ctx, on))
	off := storedRule("acme", "off")
	off.Enabled = false
	require.NoError(t, rs.CreateRule(ctx, off))

	rules, err := rs.GetEnabledRules(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "on", rules[0].Name)
}

func TestRuleStorageGetScheduleRulesSpansTenants(t *testing.T) {
	rs := NewRuleStorage(testDB(t))
	ctx := context.Background()

	for _, tenant := range []string{"acme", "globex"} {
		rule := storedRule(tenant, "nightly report")
		rule.Trigger = core.TriggerSpec{Type: core.TriggerSchedule, Cron: "0 6 * * *"}
		require.NoError(t, rs.CreateRule(ctx, rule))
	}
	require.NoError(t, rs.CreateRule(ctx, storedRule("acme", "not scheduled")))

	rules, err := rs.GetScheduleRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	for _, rule := range rules {
		assert.Equal(t, core.TriggerSchedule, rule.Trigger.Type)
	}
}

func TestRuleStorageSetRuleEnabled(t *testing.T) {
	rs := NewRuleStorage(testDB(t))
	ctx := context.Background()

	rule := storedRule("acme", "toggled")
	require.NoError(t, rs.CreateRule(ctx, rule))

	require.NoError(t, rs.SetRuleEnabled(ctx, "acme", rule.ID, false))
	loaded, err := rs.GetRule(ctx, "acme", rule.ID)
	require.NoError(t, err)
	assert.False(t, loaded.Enabled)

	require.NoError(t, rs.SetRuleEnabled(ctx, "acme", rule.ID, true))
	loaded, err = rs.GetRule(ctx, "acme", rule.ID)
	require.NoError(t, err)
	assert.True(t, loaded.Enabled)
}

func TestRuleStorageIncrementRuleCounters(t *testing.T) {
	rs := NewRuleStorage(testDB(t))
	ctx := context.Background()

	rule := storedRule("acme", "counted")
	require.NoError(t, rs.CreateRule(ctx, rule))

	executedAt := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	require.NoError(t, rs.IncrementRuleCounters(ctx, "acme", rule.ID, true, executedAt))
	require.NoError(t, rs.IncrementRuleCounters(ctx, "acme", rule.ID, true, executedAt.Add(time.Minute)))
	require.NoError(t, rs.IncrementRuleCounters(ctx, "acme", rule.ID, false, executedAt.Add(2*time.Minute)))

	loaded, err := rs.GetRule(ctx, "acme", rule.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, loaded.TotalExecutions)
	assert.EqualValues(t, 2, loaded.SuccessfulExecutions)
	assert.EqualValues(t, 1, loaded.FailedExecutions)
	require.NotNil(t, loaded.LastExecutedAt)
	assert.Equal(t, executedAt.Add(2*time.Minute), loaded.LastExecutedAt.UTC())

	assert.ErrorIs(t, rs.IncrementRuleCounters(ctx, "acme", "ghost", true, executedAt), ErrRuleNotFound)
}
