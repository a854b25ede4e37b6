// Package storage persists rules and execution records in SQLite. Writes go
// through a single-connection pool, reads through a parallel read pool, which
// keeps WAL-mode SQLite fast without write contention.
package storage

import (
	"context"
	"time"

	"conductor/core"
)

// RuleFilter narrows rule listings.
type RuleFilter struct {
	Enabled     *bool
	TriggerType core.TriggerType
	Limit       int
	Offset      int
}

// ExecutionFilter narrows execution listings.
type ExecutionFilter struct {
	RuleID string
	Status core.ExecutionStatus
	Since  *time.Time
	Limit  int
	Offset int
}

// RuleStorageInterface is the persistence contract for automation rules.
// All lookups are tenant-scoped; a rule ID from another tenant behaves as
// not found.
type RuleStorageInterface interface {
	CreateRule(ctx context.Context, rule *core.Rule) error
	GetRule(ctx context.Context, tenantID, ruleID string) (*core.Rule, error)
	UpdateRule(ctx context.Context, rule *core.Rule) error
	DeleteRule(ctx context.Context, tenantID, ruleID string) error
	ListRules(ctx context.Context, tenantID string, filter RuleFilter) ([]core.Rule, int, error)
	GetEnabledRules(ctx context.Context, tenantID string) ([]core.Rule, error)
	GetScheduleRules(ctx context.Context) ([]core.Rule, error)
	SetRuleEnabled(ctx context.Context, tenantID, ruleID string, enabled bool) error
	IncrementRuleCounters(ctx context.Context, tenantID, ruleID string, success bool, executedAt time.Time) error
}

// ExecutionStorageInterface is the persistence contract for execution records.
type ExecutionStorageInterface interface {
	CreateExecution(ctx context.Context, execution *core.Execution) error
	UpdateExecution(ctx context.Context, execution *core.Execution) error
	GetExecution(ctx context.Context, tenantID, executionID string) (*core.Execution, error)
	ListExecutions(ctx context.Context, tenantID string, filter ExecutionFilter) ([]core.Execution, int, error)
	DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
