package storage

import "errors"

// Sentinel errors for lookups. Callers branch on these with errors.Is.
var (
	ErrRuleNotFound      = errors.New("rule not found")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrDuplicateRule     = errors.New("rule with this name already exists for tenant")
)
