package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// TriggerType classifies what causes a rule to be considered.
type TriggerType string

const (
	// TriggerEntityEvent fires on entity lifecycle events (created, updated, status_changed).
	TriggerEntityEvent TriggerType = "entity_event"
	// TriggerThreshold fires when an upstream module reports a threshold crossing.
	TriggerThreshold TriggerType = "threshold"
	// TriggerSchedule fires from the cron scheduler at the rule's due times.
	TriggerSchedule TriggerType = "schedule"
	// TriggerManual fires from an explicit API call.
	TriggerManual TriggerType = "manual"
	// TriggerWebhook fires when an inbound webhook is received for the tenant.
	TriggerWebhook TriggerType = "webhook"
)

// TriggerSpec describes which events a rule reacts to.
type TriggerSpec struct {
	Type TriggerType `json:"type" example:"entity_event"`
	// EntityType restricts entity_event and threshold triggers to one entity type (e.g. "order").
	EntityType string `json:"entity_type,omitempty" example:"order"`
	// Event restricts entity_event triggers to one lifecycle event. Empty matches all events.
	Event string `json:"event,omitempty" example:"status_changed"`
	// Cron is the schedule expression for schedule triggers.
	Cron string `json:"cron,omitempty" example:"0 6 * * *"`
}

// LogicOp combines a condition with the running result of the chain.
type LogicOp string

const (
	LogicAnd LogicOp = "AND"
	LogicOr  LogicOp = "OR"
)

// Operator is the comparison applied between an event field and a condition value.
type Operator string

const (
	OpEquals             Operator = "equals"
	OpNotEquals          Operator = "not_equals"
	OpContains           Operator = "contains"
	OpNotContains        Operator = "not_contains"
	OpStartsWith         Operator = "starts_with"
	OpEndsWith           Operator = "ends_with"
	OpGreaterThan        Operator = "greater_than"
	OpLessThan           Operator = "less_than"
	OpGreaterThanOrEqual Operator = "greater_than_or_equal"
	OpLessThanOrEqual    Operator = "less_than_or_equal"
	OpIn                 Operator = "in"
	OpNotIn              Operator = "not_in"
	OpIsNull             Operator = "is_null"
	OpIsNotNull          Operator = "is_not_null"
)

// ValueType selects how both sides of a comparison are coerced.
type ValueType string

const (
	ValueString  ValueType = "string"
	ValueNumber  ValueType = "number"
	ValueBoolean ValueType = "boolean"
	ValueDate    ValueType = "date"
)

// Condition is a single field/operator/value test. Conditions are chained
// left to right; Logic says how this condition combines with the running
// result of everything before it (left-associative, no parenthesization).
// Logic is ignored on the first condition.
type Condition struct {
	Field     string    `json:"field" example:"status"`
	Operator  Operator  `json:"operator" example:"equals"`
	Value     string    `json:"value" example:"Cancelled"`
	ValueType ValueType `json:"value_type" example:"string"`
	Logic     LogicOp   `json:"logic,omitempty" example:"AND"`
}

// Rule is an automation rule: a trigger spec, a condition chain, and one action.
// ID and TenantID are immutable after creation; the running counters are owned
// by the execution recorder and must not be written by management callers.
type Rule struct {
	ID          string      `json:"id" example:"rule-cancelled-orders"`
	TenantID    string      `json:"tenant_id" example:"acme"`
	Name        string      `json:"name" example:"Notify on cancelled orders"`
	Description string      `json:"description,omitempty"`
	Trigger     TriggerSpec `json:"trigger"`
	Conditions  []Condition `json:"conditions"`
	Action      Action      `json:"action"`
	Enabled     bool        `json:"enabled" example:"true"`
	// Priority orders rules competing for the same trigger; lower runs first.
	Priority int `json:"priority" example:"100"`
	// MaxExecutionsPerDay caps successful executions per calendar day in the
	// rule's timezone. Zero means unlimited.
	MaxExecutionsPerDay int `json:"max_executions_per_day,omitempty"`
	// CooldownSeconds is the minimum gap between two executions. Zero disables it.
	CooldownSeconds int `json:"cooldown_seconds,omitempty"`
	// Timezone is an IANA zone name for the rate-limit day window and cron
	// schedule. Empty means UTC.
	Timezone string `json:"timezone,omitempty" example:"Europe/Warsaw"`

	TotalExecutions      int64      `json:"total_executions"`
	SuccessfulExecutions int64      `json:"successful_executions"`
	FailedExecutions     int64      `json:"failed_executions"`
	LastExecutedAt       *time.Time `json:"last_executed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// validTriggerTypes is the closed set accepted by Validate.
var validTriggerTypes = map[TriggerType]bool{
	TriggerEntityEvent: true,
	TriggerThreshold:   true,
	TriggerSchedule:    true,
	TriggerManual:      true,
	TriggerWebhook:     true,
}

var validOperators = map[Operator]bool{
	OpEquals: true, OpNotEquals: true,
	OpContains: true, OpNotContains: true,
	OpStartsWith: true, OpEndsWith: true,
	OpGreaterThan: true, OpLessThan: true,
	OpGreaterThanOrEqual: true, OpLessThanOrEqual: true,
	OpIn: true, OpNotIn: true,
	OpIsNull: true, OpIsNotNull: true,
}

var validValueTypes = map[ValueType]bool{
	ValueString: true, ValueNumber: true, ValueBoolean: true, ValueDate: true,
}

// Validate checks structural validity of the rule, including the trigger spec,
// every condition, and the action config against its per-type schema.
func (r *Rule) Validate() error {
	if r == nil {
		return fmt.Errorf("cannot validate nil rule")
	}
	if strings.TrimSpace(r.TenantID) == "" {
		return fmt.Errorf("rule tenant_id cannot be empty")
	}
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("rule name cannot be empty")
	}

	if !validTriggerTypes[r.Trigger.Type] {
		return fmt.Errorf("unknown trigger type: %q", r.Trigger.Type)
	}
	if r.Trigger.Type == TriggerSchedule {
		if strings.TrimSpace(r.Trigger.Cron) == "" {
			return fmt.Errorf("schedule triggers must have a cron expression")
		}
		if _, err := cron.ParseStandard(r.Trigger.Cron); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", r.Trigger.Cron, err)
		}
	}
	if r.Trigger.Type == TriggerEntityEvent && strings.TrimSpace(r.Trigger.EntityType) == "" {
		return fmt.Errorf("entity_event triggers must have an entity_type")
	}

	for i, cond := range r.Conditions {
		if strings.TrimSpace(cond.Field) == "" {
			return fmt.Errorf("condition %d: field cannot be empty", i)
		}
		if !validOperators[cond.Operator] {
			return fmt.Errorf("condition %d: unknown operator %q", i, cond.Operator)
		}
		if cond.ValueType != "" && !validValueTypes[cond.ValueType] {
			return fmt.Errorf("condition %d: unknown value type %q", i, cond.ValueType)
		}
		if i > 0 && cond.Logic != "" && cond.Logic != LogicAnd && cond.Logic != LogicOr {
			return fmt.Errorf("condition %d: logic must be AND or OR, got %q", i, cond.Logic)
		}
	}

	if r.MaxExecutionsPerDay < 0 {
		return fmt.Errorf("max_executions_per_day cannot be negative")
	}
	if r.CooldownSeconds < 0 {
		return fmt.Errorf("cooldown_seconds cannot be negative")
	}
	if r.Timezone != "" {
		if _, err := time.LoadLocation(r.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", r.Timezone, err)
		}
	}

	return r.Action.Validate()
}

// Location resolves the rule's timezone, falling back to UTC for empty or
// unknown zone names.
func (r *Rule) Location() *time.Location {
	if r.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Cooldown returns the cooldown as a duration.
func (r *Rule) Cooldown() time.Duration {
	return time.Duration(r.CooldownSeconds) * time.Second
}
