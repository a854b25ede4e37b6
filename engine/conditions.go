package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"conductor/core"
)

// ConditionEvaluator evaluates a rule's condition chain against trigger event
// data. It is stateless and safe for concurrent use.
type ConditionEvaluator struct {
	logger *zap.SugaredLogger
}

// NewConditionEvaluator creates a condition evaluator.
func NewConditionEvaluator(logger *zap.SugaredLogger) *ConditionEvaluator {
	return &ConditionEvaluator{logger: logger}
}

// Evaluate runs the chain left to right. Each condition after the first
// combines with the running result using its own Logic, left-associative:
// [A, B(AND), C(OR)] evaluates as ((A and B) or C). An empty chain is an
// unconditional rule and returns true. A malformed condition evaluates to
// false, is logged, and carries its error in the per-condition result.
func (ce *ConditionEvaluator) Evaluate(conditions []core.Condition, eventData map[string]interface{}) (bool, []core.ConditionResult) {
	if len(conditions) == 0 {
		return true, nil
	}

	results := make([]core.ConditionResult, 0, len(conditions))
	var running bool
	for i, cond := range conditions {
		met, err := ce.evaluateCondition(cond, eventData)
		cr := core.ConditionResult{
			Field:    cond.Field,
			Operator: cond.Operator,
			Value:    cond.Value,
			Met:      met,
		}
		if err != nil {
			cr.Error = err.Error()
			ce.logger.Warnw("Condition evaluation error, treating as false",
				"field", cond.Field, "operator", cond.Operator, "error", err)
		}
		results = append(results, cr)

		if i == 0 {
			running = met
			continue
		}
		if cond.Logic == core.LogicOr {
			running = running || met
		} else {
			running = running && met
		}
	}
	return running, results
}

// evaluateCondition compares one event field to the condition value.
// A missing field is treated as null.
func (ce *ConditionEvaluator) evaluateCondition(cond core.Condition, eventData map[string]interface{}) (bool, error) {
	fieldValue, present := lookupField(eventData, cond.Field)
	if !present {
		fieldValue = nil
	}

	// Null checks ignore Value entirely.
	switch cond.Operator {
	case core.OpIsNull:
		return fieldValue == nil, nil
	case core.OpIsNotNull:
		return fieldValue != nil, nil
	}
	if fieldValue == nil {
		return false, nil
	}

	switch cond.ValueType {
	case core.ValueNumber:
		return ce.compareNumber(cond, fieldValue)
	case core.ValueBoolean:
		return ce.compareBoolean(cond, fieldValue)
	case core.ValueDate:
		return ce.compareDate(cond, fieldValue)
	default:
		return ce.compareString(cond, fieldValue)
	}
}

func (ce *ConditionEvaluator) compareString(cond core.Condition, fieldValue interface{}) (bool, error) {
	fv := stringify(fieldValue)
	cv := cond.Value

	switch cond.Operator {
	case core.OpEquals:
		return fv == cv, nil
	case core.OpNotEquals:
		return fv != cv, nil
	case core.OpContains:
		return strings.Contains(strings.ToLower(fv), strings.ToLower(cv)), nil
	case core.OpNotContains:
		return !strings.Contains(strings.ToLower(fv), strings.ToLower(cv)), nil
	case core.OpStartsWith:
		return strings.HasPrefix(strings.ToLower(fv), strings.ToLower(cv)), nil
	case core.OpEndsWith:
		return strings.HasSuffix(strings.ToLower(fv), strings.ToLower(cv)), nil
	case core.OpGreaterThan:
		return fv > cv, nil
	case core.OpLessThan:
		return fv < cv, nil
	case core.OpGreaterThanOrEqual:
		return fv >= cv, nil
	case core.OpLessThanOrEqual:
		return fv <= cv, nil
	case core.OpIn:
		return inList(fv, cv), nil
	case core.OpNotIn:
		return !inList(fv, cv), nil
	default:
		return false, &ConditionEvaluationError{Field: cond.Field, Err: fmt.Errorf("operator %s not supported for strings", cond.Operator)}
	}
}

func (ce *ConditionEvaluator) compareNumber(cond core.Condition, fieldValue interface{}) (bool, error) {
	fv, err := toFloat(fieldValue)
	if err != nil {
		return false, &ConditionEvaluationError{Field: cond.Field, Err: err}
	}

	// In/NotIn compare against each element of the list numerically.
	if cond.Operator == core.OpIn || cond.Operator == core.OpNotIn {
		found := false
		for _, item := range splitList(cond.Value) {
			cv, err := strconv.ParseFloat(item, 64)
			if err != nil {
				return false, &ConditionEvaluationError{Field: cond.Field, Err: fmt.Errorf("non-numeric list item %q", item)}
			}
			if fv == cv {
				found = true
				break
			}
		}
		if cond.Operator == core.OpIn {
			return found, nil
		}
		return !found, nil
	}

	cv, err := strconv.ParseFloat(strings.TrimSpace(cond.Value), 64)
	if err != nil {
		return false, &ConditionEvaluationError{Field: cond.Field, Err: fmt.Errorf("non-numeric condition value %q", cond.Value)}
	}

	switch cond.Operator {
	case core.OpEquals:
		return fv == cv, nil
	case core.OpNotEquals:
		return fv != cv, nil
	case core.OpGreaterThan:
		return fv > cv, nil
	case core.OpLessThan:
		return fv < cv, nil
	case core.OpGreaterThanOrEqual:
		return fv >= cv, nil
	case core.OpLessThanOrEqual:
		return fv <= cv, nil
	default:
		return false, &ConditionEvaluationError{Field: cond.Field, Err: fmt.Errorf("operator %s not supported for numbers", cond.Operator)}
	}
}

func (ce *ConditionEvaluator) compareBoolean(cond core.Condition, fieldValue interface{}) (bool, error) {
	fv, err := toBool(fieldValue)
	if err != nil {
		return false, &ConditionEvaluationError{Field: cond.Field, Err: err}
	}
	cv, err := strconv.ParseBool(strings.TrimSpace(strings.ToLower(cond.Value)))
	if err != nil {
		return false, &ConditionEvaluationError{Field: cond.Field, Err: fmt.Errorf("non-boolean condition value %q", cond.Value)}
	}

	switch cond.Operator {
	case core.OpEquals:
		return fv == cv, nil
	case core.OpNotEquals:
		return fv != cv, nil
	default:
		return false, &ConditionEvaluationError{Field: cond.Field, Err: fmt.Errorf("operator %s not supported for booleans", cond.Operator)}
	}
}

func (ce *ConditionEvaluator) compareDate(cond core.Condition, fieldValue interface{}) (bool, error) {
	fv, err := toTime(fieldValue)
	if err != nil {
		return false, &ConditionEvaluationError{Field: cond.Field, Err: err}
	}
	cv, err := parseDate(cond.Value)
	if err != nil {
		return false, &ConditionEvaluationError{Field: cond.Field, Err: fmt.Errorf("unparseable condition date %q", cond.Value)}
	}

	switch cond.Operator {
	case core.OpEquals:
		return fv.Equal(cv), nil
	case core.OpNotEquals:
		return !fv.Equal(cv), nil
	case core.OpGreaterThan:
		return fv.After(cv), nil
	case core.OpLessThan:
		return fv.Before(cv), nil
	case core.OpGreaterThanOrEqual:
		return !fv.Before(cv), nil
	case core.OpLessThanOrEqual:
		return !fv.After(cv), nil
	default:
		return false, &ConditionEvaluationError{Field: cond.Field, Err: fmt.Errorf("operator %s not supported for dates", cond.Operator)}
	}
}

// splitList splits a comma-separated In/NotIn value, trimming whitespace.
func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

func inList(fieldValue, listValue string) bool {
	for _, item := range splitList(listValue) {
		if strings.EqualFold(fieldValue, item) {
			return true
		}
	}
	return false
}

func toFloat(val interface{}) (float64, error) {
	switch v := val.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("non-numeric field value %q", v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("field value %v (%T) is not a number", val, val)
	}
}

func toBool(val interface{}) (bool, error) {
	switch v := val.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(strings.ToLower(v)))
		if err != nil {
			return false, fmt.Errorf("non-boolean field value %q", v)
		}
		return b, nil
	default:
		return false, fmt.Errorf("field value %v (%T) is not a boolean", val, val)
	}
}

// dateLayouts are tried in order when parsing date strings from payloads.
var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}

func toTime(val interface{}) (time.Time, error) {
	switch v := val.(type) {
	case time.Time:
		return v, nil
	case string:
		return parseDate(v)
	default:
		return time.Time{}, fmt.Errorf("field value %v (%T) is not a date", val, val)
	}
}
