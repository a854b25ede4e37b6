package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"conductor/core"
)

// ExecutionStorage persists execution records in SQLite.
type ExecutionStorage struct {
	db *SQLite
}

// NewExecutionStorage creates execution storage over the given database.
func NewExecutionStorage(db *SQLite) *ExecutionStorage {
	return &ExecutionStorage{db: db}
}

const executionColumns = `id, rule_id, tenant_id, trigger_type, entity_type, entity_id,
	event_data, status, conditions_met, condition_results, skip_reason, result, error,
	started_at, completed_at, duration_ms`

// CreateExecution inserts a fresh pending execution.
func (es *ExecutionStorage) CreateExecution(ctx context.Context, execution *core.Execution) error {
	eventData, conditionResults, result, err := encodeExecutionJSON(execution)
	if err != nil {
		return err
	}
	_, err = es.db.WriteDB.ExecContext(ctx, `
		INSERT INTO executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		execution.ID, execution.RuleID, execution.TenantID,
		string(execution.TriggerType), execution.EntityType, execution.EntityID,
		eventData, string(execution.Status), execution.ConditionsMet, conditionResults,
		execution.SkipReason, result, execution.Error,
		execution.StartedAt, execution.CompletedAt, execution.DurationMs)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

// UpdateExecution rewrites the mutable outcome fields of an execution.
func (es *ExecutionStorage) UpdateExecution(ctx context.Context, execution *core.Execution) error {
	_, conditionResults, result, err := encodeExecutionJSON(execution)
	if err != nil {
		return err
	}
	res, err := es.db.WriteDB.ExecContext(ctx, `
		UPDATE executions SET
			status = ?, conditions_met = ?, condition_results = ?, skip_reason = ?,
			result = ?, error = ?, completed_at = ?, duration_ms = ?
		WHERE id = ?`,
		string(execution.Status), execution.ConditionsMet, conditionResults,
		execution.SkipReason, result, execution.Error,
		execution.CompletedAt, execution.DurationMs, execution.ID)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, execution.ID)
	}
	return nil
}

// GetExecution fetches one execution scoped to the tenant.
func (es *ExecutionStorage) GetExecution(ctx context.Context, tenantID, executionID string) (*core.Execution, error) {
	row := es.db.ReadDB.QueryRowContext(ctx, `
		SELECT `+executionColumns+` FROM executions WHERE tenant_id = ? AND id = ?`,
		tenantID, executionID)
	execution, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution: %w", err)
	}
	return execution, nil
}

// ListExecutions returns a filtered page of executions, newest first, plus
// the unpaged total.
func (es *ExecutionStorage) ListExecutions(ctx context.Context, tenantID string, filter ExecutionFilter) ([]core.Execution, int, error) {
	where := []string{"tenant_id = ?"}
	args := []interface{}{tenantID}
	if filter.RuleID != "" {
		where = append(where, "rule_id = ?")
		args = append(args, filter.RuleID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, filter.Since.UTC())
	}
	whereClause := strings.Join(where, " AND ")

	var total int
	if err := es.db.ReadDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions WHERE `+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count executions: %w", err)
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

	rows, err := es.db.ReadDB.QueryContext(ctx, `
		SELECT `+executionColumns+` FROM executions WHERE `+whereClause+`
		ORDER BY started_at DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var executions []core.Execution
	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan execution: %w", err)
		}
		executions = append(executions, *execution)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate executions: %w", err)
	}
	return executions, total, nil
}

// DeleteExecutionsBefore removes terminal executions older than the cutoff
// and returns how many were dropped. Used by the retention sweep.
func (es *ExecutionStorage) DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := es.db.WriteDB.ExecContext(ctx, `
		DELETE FROM executions
		WHERE started_at < ? AND status IN (?, ?, ?, ?)`,
		cutoff.UTC(),
		string(core.ExecutionCompleted), string(core.ExecutionFailed),
		string(core.ExecutionSkipped), string(core.ExecutionCancelled))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old executions: %w", err)
	}
	return res.RowsAffected()
}

func encodeExecutionJSON(execution *core.Execution) (eventData, conditionResults, result string, err error) {
	ed, err := json.Marshal(execution.EventData)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to encode event data: %w", err)
	}
	if execution.EventData == nil {
		ed = []byte("{}")
	}
	cr, err := json.Marshal(execution.ConditionResults)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to encode condition results: %w", err)
	}
	if execution.ConditionResults == nil {
		cr = []byte("[]")
	}
	res, err := json.Marshal(execution.Result)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to encode result: %w", err)
	}
	if execution.Result == nil {
		res = []byte("{}")
	}
	return string(ed), string(cr), string(res), nil
}

func scanExecution(row rowScanner) (*core.Execution, error) {
	var (
		execution        core.Execution
		triggerType      string
		status           string
		eventData        string
		conditionResults string
		result           string
		completedAt      sql.NullTime
	)
	err := row.Scan(
		&execution.ID, &execution.RuleID, &execution.TenantID,
		&triggerType, &execution.EntityType, &execution.EntityID,
		&eventData, &status, &execution.ConditionsMet, &conditionResults,
		&execution.SkipReason, &result, &execution.Error,
		&execution.StartedAt, &completedAt, &execution.DurationMs)
	if err != nil {
		return nil, err
	}

	execution.TriggerType = core.TriggerType(triggerType)
	execution.Status = core.ExecutionStatus(status)
	execution.StartedAt = execution.StartedAt.UTC()
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		execution.CompletedAt = &t
	}
	if eventData != "" && eventData != "{}" {
		if err := json.Unmarshal([]byte(eventData), &execution.EventData); err != nil {
			return nil, fmt.Errorf("failed to decode event data for execution %s: %w", execution.ID, err)
		}
	}
	if conditionResults != "" && conditionResults != "[]" {
		if err := json.Unmarshal([]byte(conditionResults), &execution.ConditionResults); err != nil {
			return nil, fmt.Errorf("failed to decode condition results for execution %s: %w", execution.ID, err)
		}
	}
	if result != "" && result != "{}" {
		if err := json.Unmarshal([]byte(result), &execution.Result); err != nil {
			return nil, fmt.Errorf("failed to decode result for execution %s: %w", execution.ID, err)
		}
	}
	return &execution, nil
}
