package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"conductor/core"
)

// RuleStorage persists automation rules in SQLite. Conditions and the action
// config are stored as JSON columns; loaded rules come back with their action
// config compiled so the engine never parses JSON per execution.
type RuleStorage struct {
	db *SQLite
}

// NewRuleStorage creates rule storage over the given database.
func NewRuleStorage(db *SQLite) *RuleStorage {
	return &RuleStorage{db: db}
}

const ruleColumns = `id, tenant_id, name, description,
	trigger_type, trigger_entity_type, trigger_event, trigger_cron,
	conditions, action_type, action_config,
	enabled, priority, max_executions_per_day, cooldown_seconds, timezone,
	total_executions, successful_executions, failed_executions, last_executed_at,
	created_at, updated_at`

// CreateRule validates, compiles and inserts a rule. A missing ID is
// generated; timestamps are stamped here.
func (rs *RuleStorage) CreateRule(ctx context.Context, rule *core.Rule) error {
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("invalid rule: %w", err)
	}
	if err := rule.Action.Compile(); err != nil {
		return fmt.Errorf("invalid action config: %w", err)
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return fmt.Errorf("failed to encode conditions: %w", err)
	}

	_, err = rs.db.WriteDB.ExecContext(ctx, `
		INSERT INTO rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.TenantID, rule.Name, rule.Description,
		string(rule.Trigger.Type), rule.Trigger.EntityType, rule.Trigger.Event, rule.Trigger.Cron,
		string(conditions), string(rule.Action.Type), string(rule.Action.Config),
		rule.Enabled, rule.Priority, rule.MaxExecutionsPerDay, rule.CooldownSeconds, rule.Timezone,
		rule.TotalExecutions, rule.SuccessfulExecutions, rule.FailedExecutions, rule.LastExecutedAt,
		rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrDuplicateRule, rule.Name)
		}
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	return nil
}

// GetRule fetches one rule scoped to the tenant.
func (rs *RuleStorage) GetRule(ctx context.Context, tenantID, ruleID string) (*core.Rule, error) {
	row := rs.db.ReadDB.QueryRowContext(ctx, `
		SELECT `+ruleColumns+` FROM rules WHERE tenant_id = ? AND id = ?`, tenantID, ruleID)
	rule, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load rule: %w", err)
	}
	return rule, nil
}

// UpdateRule validates, compiles and rewrites the mutable fields of a rule.
// Counters and creation metadata are not touched.
func (rs *RuleStorage) UpdateRule(ctx context.Context, rule *core.Rule) error {
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("invalid rule: %w", err)
	}
	if err := rule.Action.Compile(); err != nil {
		return fmt.Errorf("invalid action config: %w", err)
	}
	rule.UpdatedAt = time.Now().UTC()

	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return fmt.Errorf("failed to encode conditions: %w", err)
	}

	res, err := rs.db.WriteDB.ExecContext(ctx, `
		UPDATE rules SET
			name = ?, description = ?,
			trigger_type = ?, trigger_entity_type = ?, trigger_event = ?, trigger_cron = ?,
			conditions = ?, action_type = ?, action_config = ?,
			enabled = ?, priority = ?, max_executions_per_day = ?, cooldown_seconds = ?,
			timezone = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?`,
		rule.Name, rule.Description,
		string(rule.Trigger.Type), rule.Trigger.EntityType, rule.Trigger.Event, rule.Trigger.Cron,
		string(conditions), string(rule.Action.Type), string(rule.Action.Config),
		rule.Enabled, rule.Priority, rule.MaxExecutionsPerDay, rule.CooldownSeconds,
		rule.Timezone, rule.UpdatedAt,
		rule.TenantID, rule.ID)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrDuplicateRule, rule.Name)
		}
		return fmt.Errorf("failed to update rule: %w", err)
	}
	return requireRowAffected(res, rule.ID)
}

// DeleteRule removes a rule and its execution history.
func (rs *RuleStorage) DeleteRule(ctx context.Context, tenantID, ruleID string) error {
	res, err := rs.db.WriteDB.ExecContext(ctx,
		`DELETE FROM rules WHERE tenant_id = ? AND id = ?`, tenantID, ruleID)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	if err := requireRowAffected(res, ruleID); err != nil {
		return err
	}
	if _, err := rs.db.WriteDB.ExecContext(ctx,
		`DELETE FROM executions WHERE tenant_id = ? AND rule_id = ?`, tenantID, ruleID); err != nil {
		return fmt.Errorf("failed to delete rule executions: %w", err)
	}
	return nil
}

// ListRules returns a filtered page of the tenant's rules plus the unpaged
// total, ordered by priority then creation time.
func (rs *RuleStorage) ListRules(ctx context.Context, tenantID string, filter RuleFilter) ([]core.Rule, int, error) {
	where := []string{"tenant_id = ?"}
	args := []interface{}{tenantID}
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}
	if filter.TriggerType != "" {
		where = append(where, "trigger_type = ?")
		args = append(args, string(filter.TriggerType))
	}
	whereClause := strings.Join(where, " AND ")

	var total int
	if err := rs.db.ReadDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rules WHERE `+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count rules: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	rows, err := rs.db.ReadDB.QueryContext(ctx, `
		SELECT `+ruleColumns+` FROM rules WHERE `+whereClause+`
		ORDER BY priority ASC, created_at ASC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	rules, err := scanRules(rows)
	if err != nil {
		return nil, 0, err
	}
	return rules, total, nil
}

// GetEnabledRules loads every enabled rule for a tenant, in execution order.
func (rs *RuleStorage) GetEnabledRules(ctx context.Context, tenantID string) ([]core.Rule, error) {
	rows, err := rs.db.ReadDB.QueryContext(ctx, `
		SELECT `+ruleColumns+` FROM rules WHERE tenant_id = ? AND enabled = 1
		ORDER BY priority ASC, created_at ASC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load enabled rules: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRules(rows)
}

// GetScheduleRules loads every enabled schedule rule across all tenants, for
// the cron scheduler.
func (rs *RuleStorage) GetScheduleRules(ctx context.Context) ([]core.Rule, error) {
	rows, err := rs.db.ReadDB.QueryContext(ctx, `
		SELECT `+ruleColumns+` FROM rules WHERE enabled = 1 AND trigger_type = ?
		ORDER BY tenant_id, priority ASC`, string(core.TriggerSchedule))
	if err != nil {
		return nil, fmt.Errorf("failed to load schedule rules: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRules(rows)
}

// SetRuleEnabled flips the enabled flag without rewriting the whole rule.
func (rs *RuleStorage) SetRuleEnabled(ctx context.Context, tenantID, ruleID string, enabled bool) error {
	res, err := rs.db.WriteDB.ExecContext(ctx, `
		UPDATE rules SET enabled = ?, updated_at = ? WHERE tenant_id = ? AND id = ?`,
		enabled, time.Now().UTC(), tenantID, ruleID)
	if err != nil {
		return fmt.Errorf("failed to set rule enabled: %w", err)
	}
	return requireRowAffected(res, ruleID)
}

// IncrementRuleCounters applies the terminal execution to the rule's counters
// as a single UPDATE so concurrent executions never lose increments. Success
// bumps total and successful, failure bumps total and failed; both stamp
// last_executed_at.
func (rs *RuleStorage) IncrementRuleCounters(ctx context.Context, tenantID, ruleID string, success bool, executedAt time.Time) error {
	var query string
	if success {
		query = `UPDATE rules SET
			total_executions = total_executions + 1,
			successful_executions = successful_executions + 1,
			last_executed_at = ?
			WHERE tenant_id = ? AND id = ?`
	} else {
		query = `UPDATE rules SET
			total_executions = total_executions + 1,
			failed_executions = failed_executions + 1,
			last_executed_at = ?
			WHERE tenant_id = ? AND id = ?`
	}
	res, err := rs.db.WriteDB.ExecContext(ctx, query, executedAt.UTC(), tenantID, ruleID)
	if err != nil {
		return fmt.Errorf("failed to increment rule counters: %w", err)
	}
	return requireRowAffected(res, ruleID)
}

func requireRowAffected(res sql.Result, ruleID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (*core.Rule, error) {
	var (
		rule           core.Rule
		conditionsJSON string
		actionType     string
		actionConfig   string
		triggerType    string
		lastExecuted   sql.NullTime
	)
	err := row.Scan(
		&rule.ID, &rule.TenantID, &rule.Name, &rule.Description,
		&triggerType, &rule.Trigger.EntityType, &rule.Trigger.Event, &rule.Trigger.Cron,
		&conditionsJSON, &actionType, &actionConfig,
		&rule.Enabled, &rule.Priority, &rule.MaxExecutionsPerDay, &rule.CooldownSeconds, &rule.Timezone,
		&rule.TotalExecutions, &rule.SuccessfulExecutions, &rule.FailedExecutions, &lastExecuted,
		&rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return nil, err
	}

	rule.Trigger.Type = core.TriggerType(triggerType)
	if lastExecuted.Valid {
		t := lastExecuted.Time.UTC()
		rule.LastExecutedAt = &t
	}
	if err := json.Unmarshal([]byte(conditionsJSON), &rule.Conditions); err != nil {
		return nil, fmt.Errorf("failed to decode conditions for rule %s: %w", rule.ID, err)
	}
	rule.Action = core.Action{Type: core.ActionType(actionType), Config: json.RawMessage(actionConfig)}
	if err := rule.Action.Compile(); err != nil {
		return nil, fmt.Errorf("failed to compile action for rule %s: %w", rule.ID, err)
	}
	return &rule, nil
}

func scanRules(rows *sql.Rows) ([]core.Rule, error) {
	var rules []core.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, *rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rules: %w", err)
	}
	return rules, nil
}
