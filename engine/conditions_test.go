package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"conductor/core"
)

func newTestEvaluator() *ConditionEvaluator {
	return NewConditionEvaluator(zap.NewNop().Sugar())
}

func TestEvaluateEmptyChainIsUnconditional(t *testing.T) {
	met, results := newTestEvaluator().Evaluate(nil, map[string]interface{}{"status": "Cancelled"})
	assert.True(t, met)
	assert.Empty(t, results)
}

func TestEvaluateStringOperators(t *testing.T) {
	data := map[string]interface{}{"status": "Cancelled", "sku": "WIDGET-42"}

	tests := []struct {
		name string
		cond core.Condition
		want bool
	}{
		{"equals match", core.Condition{Field: "status", Operator: core.OpEquals, Value: "Cancelled", ValueType: core.ValueString}, true},
		{"equals is case sensitive", core.Condition{Field: "status", Operator: core.OpEquals, Value: "cancelled", ValueType: core.ValueString}, false},
		{"not_equals", core.Condition{Field: "status", Operator: core.OpNotEquals, Value: "Shipped", ValueType: core.ValueString}, true},
		{"contains is case insensitive", core.Condition{Field: "status", Operator: core.OpContains, Value: "CANCEL", ValueType: core.ValueString}, true},
		{"not_contains", core.Condition{Field: "status", Operator: core.OpNotContains, Value: "ship", ValueType: core.ValueString}, true},
		{"starts_with case insensitive", core.Condition{Field: "sku", Operator: core.OpStartsWith, Value: "widget", ValueType: core.ValueString}, true},
		{"ends_with", core.Condition{Field: "sku", Operator: core.OpEndsWith, Value: "-42", ValueType: core.ValueString}, true},
		{"in list case insensitive", core.Condition{Field: "status", Operator: core.OpIn, Value: "shipped, cancelled, returned", ValueType: core.ValueString}, true},
		{"not_in list", core.Condition{Field: "status", Operator: core.OpNotIn, Value: "Shipped,Returned", ValueType: core.ValueString}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			met, results := newTestEvaluator().Evaluate([]core.Condition{tt.cond}, data)
			assert.Equal(t, tt.want, met)
			require.Len(t, results, 1)
			assert.Empty(t, results[0].Error)
		})
	}
}

func TestEvaluateNumberOperators(t *testing.T) {
	data := map[string]interface{}{"quantity": float64(5), "price": 9.5}

	tests := []struct {
		name string
		cond core.Condition
		want bool
	}{
		{"greater_than", core.Condition{Field: "quantity", Operator: core.OpGreaterThan, Value: "3", ValueType: core.ValueNumber}, true},
		{"less_than false", core.Condition{Field: "quantity", Operator: core.OpLessThan, Value: "3", ValueType: core.ValueNumber}, false},
		{"gte boundary", core.Condition{Field: "quantity", Operator: core.OpGreaterThanOrEqual, Value: "5", ValueType: core.ValueNumber}, true},
		{"lte boundary", core.Condition{Field: "quantity", Operator: core.OpLessThanOrEqual, Value: "5", ValueType: core.ValueNumber}, true},
		{"equals float", core.Condition{Field: "price", Operator: core.OpEquals, Value: "9.5", ValueType: core.ValueNumber}, true},
		{"numeric in", core.Condition{Field: "quantity", Operator: core.OpIn, Value: "1, 5, 10", ValueType: core.ValueNumber}, true},
		{"numeric not_in", core.Condition{Field: "quantity", Operator: core.OpNotIn, Value: "1,2,3", ValueType: core.ValueNumber}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			met, _ := newTestEvaluator().Evaluate([]core.Condition{tt.cond}, data)
			assert.Equal(t, tt.want, met)
		})
	}
}

func TestEvaluateBooleanAndDate(t *testing.T) {
	data := map[string]interface{}{
		"urgent":     true,
		"created_at": "2026-08-30T10:00:00Z",
	}

	met, _ := newTestEvaluator().Evaluate([]core.Condition{
		{Field: "urgent", Operator: core.OpEquals, Value: "true", ValueType: core.ValueBoolean},
	}, data)
	assert.True(t, met)

	met, _ = newTestEvaluator().Evaluate([]core.Condition{
		{Field: "created_at", Operator: core.OpGreaterThan, Value: "2026-08-01", ValueType: core.ValueDate},
	}, data)
	assert.True(t, met)

	met, _ = newTestEvaluator().Evaluate([]core.Condition{
		{Field: "created_at", Operator: core.OpLessThan, Value: "2026-08-01", ValueType: core.ValueDate},
	}, data)
	assert.False(t, met)
}

func TestEvaluateMissingFieldIsNull(t *testing.T) {
	data := map[string]interface{}{"status": "Cancelled"}

	// A missing field fails every comparison except the null checks.
	met, _ := newTestEvaluator().Evaluate([]core.Condition{
		{Field: "carrier", Operator: core.OpEquals, Value: "DHL", ValueType: core.ValueString},
	}, data)
	assert.False(t, met)

	met, _ = newTestEvaluator().Evaluate([]core.Condition{
		{Field: "carrier", Operator: core.OpIsNull},
	}, data)
	assert.True(t, met)

	met, _ = newTestEvaluator().Evaluate([]core.Condition{
		{Field: "status", Operator: core.OpIsNotNull},
	}, data)
	assert.True(t, met)
}

func TestEvaluateNestedFieldLookup(t *testing.T) {
	data := map[string]interface{}{
		"order": map[string]interface{}{
			"customer": map[string]interface{}{"tier": "gold"},
		},
	}
	met, _ := newTestEvaluator().Evaluate([]core.Condition{
		{Field: "order.customer.tier", Operator: core.OpEquals, Value: "gold", ValueType: core.ValueString},
	}, data)
	assert.True(t, met)
}

func TestEvaluateLeftAssociativeChaining(t *testing.T) {
	// ((A and B) or C): A=false, B=true, C=true must evaluate true because
	// the OR applies to the running result of (A and B).
	data := map[string]interface{}{"status": "Shipped", "quantity": float64(10), "urgent": true}
	conditions := []core.Condition{
		{Field: "status", Operator: core.OpEquals, Value: "Cancelled", ValueType: core.ValueString},                     // A: false
		{Field: "quantity", Operator: core.OpGreaterThan, Value: "5", ValueType: core.ValueNumber, Logic: core.LogicAnd}, // B: true
		{Field: "urgent", Operator: core.OpEquals, Value: "true", ValueType: core.ValueBoolean, Logic: core.LogicOr},     // C: true
	}
	met, results := newTestEvaluator().Evaluate(conditions, data)
	assert.True(t, met)
	require.Len(t, results, 3)
	assert.False(t, results[0].Met)
	assert.True(t, results[1].Met)
	assert.True(t, results[2].Met)

	// (A or B) and C with C=false: the final AND pulls the chain false.
	conditions = []core.Condition{
		{Field: "status", Operator: core.OpEquals, Value: "Shipped", ValueType: core.ValueString},                        // A: true
		{Field: "quantity", Operator: core.OpGreaterThan, Value: "50", ValueType: core.ValueNumber, Logic: core.LogicOr}, // B: false
		{Field: "urgent", Operator: core.OpEquals, Value: "false", ValueType: core.ValueBoolean, Logic: core.LogicAnd},   // C: false
	}
	met, _ = newTestEvaluator().Evaluate(conditions, data)
	assert.False(t, met)
}

func TestEvaluateMalformedConditionIsFalse(t *testing.T) {
	data := map[string]interface{}{"quantity": "not-a-number"}
	met, results := newTestEvaluator().Evaluate([]core.Condition{
		{Field: "quantity", Operator: core.OpGreaterThan, Value: "5", ValueType: core.ValueNumber},
	}, data)
	assert.False(t, met)
	require.Len(t, results, 1)
	assert.NotEmpty(t, results[0].Error)

	// A malformed condition in an OR chain does not poison the rest.
	data = map[string]interface{}{"quantity": "bad", "status": "Cancelled"}
	met, _ = newTestEvaluator().Evaluate([]core.Condition{
		{Field: "quantity", Operator: core.OpGreaterThan, Value: "5", ValueType: core.ValueNumber},
		{Field: "status", Operator: core.OpEquals, Value: "Cancelled", ValueType: core.ValueString, Logic: core.LogicOr},
	}, data)
	assert.True(t, met)
}

func TestEvaluateDefaultValueTypeIsString(t *testing.T) {
	// Numbers stringify the way they appeared in JSON payloads.
	data := map[string]interface{}{"quantity": float64(5)}
	met, _ := newTestEvaluator().Evaluate([]core.Condition{
		{Field: "quantity", Operator: core.OpEquals, Value: "5"},
	}, data)
	assert.True(t, met)
}
