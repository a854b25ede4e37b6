package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// placeholderPattern matches {{field}} placeholders, with optional whitespace
// and dot notation for nested fields.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// RenderTemplate substitutes {{field}} placeholders with values from the
// trigger event data. Unknown fields render as an empty string; templates
// never fail an execution on their own.
func RenderTemplate(tmpl string, data map[string]interface{}) string {
	if tmpl == "" || !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		field := placeholderPattern.FindStringSubmatch(match)[1]
		val, ok := lookupField(data, field)
		if !ok || val == nil {
			return ""
		}
		return stringify(val)
	})
}

// RenderStringMap renders every value of a template map.
func RenderStringMap(m map[string]string, data map[string]interface{}) map[string]string {
	if len(m) == 0 {
		return m
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = RenderTemplate(v, data)
	}
	return out
}

// RenderStringSlice renders every element of a template slice.
func RenderStringSlice(s []string, data map[string]interface{}) []string {
	if len(s) == 0 {
		return s
	}
	out := make([]string, len(s))
	for i, v := range s {
		out[i] = RenderTemplate(v, data)
	}
	return out
}

// lookupField resolves a field in the event data using dot notation for
// nested maps ("order.customer.email").
func lookupField(data map[string]interface{}, field string) (interface{}, bool) {
	parts := strings.Split(field, ".")
	current := data
	for i, part := range parts {
		val, ok := current[part]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return val, true
		}
		next, ok := val.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current = next
	}
	return nil, false
}

// stringify renders a field value the way it appeared in the source payload:
// whole-number floats (the default JSON decoding of integers) drop the
// fractional part.
func stringify(val interface{}) string {
	switch v := val.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
