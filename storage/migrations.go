package storage

import "fmt"

// migrations run in order inside one transaction per statement batch. The
// schema_version table records the highest applied version.
var migrations = []string{
	// v1: rules
	`CREATE TABLE IF NOT EXISTS rules (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		trigger_type TEXT NOT NULL,
		trigger_entity_type TEXT NOT NULL DEFAULT '',
		trigger_event TEXT NOT NULL DEFAULT '',
		trigger_cron TEXT NOT NULL DEFAULT '',
		conditions TEXT NOT NULL DEFAULT '[]',
		action_type TEXT NOT NULL,
		action_config TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		priority INTEGER NOT NULL DEFAULT 0,
		max_executions_per_day INTEGER NOT NULL DEFAULT 0,
		cooldown_seconds INTEGER NOT NULL DEFAULT 0,
		timezone TEXT NOT NULL DEFAULT '',
		total_executions INTEGER NOT NULL DEFAULT 0,
		successful_executions INTEGER NOT NULL DEFAULT 0,
		failed_executions INTEGER NOT NULL DEFAULT 0,
		last_executed_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE(tenant_id, name)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rules_tenant_enabled ON rules(tenant_id, enabled)`,
	`CREATE INDEX IF NOT EXISTS idx_rules_trigger_type ON rules(trigger_type)`,

	// v2: executions
	`CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		rule_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		trigger_type TEXT NOT NULL,
		entity_type TEXT NOT NULL DEFAULT '',
		entity_id TEXT NOT NULL DEFAULT '',
		event_data TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL,
		conditions_met INTEGER NOT NULL DEFAULT 0,
		condition_results TEXT NOT NULL DEFAULT '[]',
		skip_reason TEXT NOT NULL DEFAULT '',
		result TEXT NOT NULL DEFAULT '{}',
		error TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		duration_ms INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_tenant_started ON executions(tenant_id, started_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_rule ON executions(rule_id, started_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status)`,
}

func (s *SQLite) migrate() error {
	if _, err := s.WriteDB.Exec(
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var current int
	if err := s.WriteDB.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		tx, err := s.WriteDB.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, i+1); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", i+1, err)
		}
	}
	if len(migrations) > current {
		s.Logger.Infow("Applied migrations", "from", current, "to", len(migrations))
	}
	return nil
}
