package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderTemplate(t *testing.T) {
	data := map[string]interface{}{
		"order_number": "SO-100",
		"quantity":     float64(5),
		"price":        9.75,
		"urgent":       true,
		"customer": map[string]interface{}{
			"email": "ops@example.com",
		},
	}

	tests := []struct {
		name string
		tmpl string
		want string
	}{
		{"no placeholders", "plain text", "plain text"},
		{"simple field", "Order {{order_number}} cancelled", "Order SO-100 cancelled"},
		{"whole float renders as int", "qty={{quantity}}", "qty=5"},
		{"fractional float keeps decimals", "price={{price}}", "price=9.75"},
		{"boolean", "urgent={{urgent}}", "urgent=true"},
		{"nested dot notation", "contact: {{customer.email}}", "contact: ops@example.com"},
		{"whitespace in braces", "Order {{ order_number }}", "Order SO-100"},
		{"unknown field renders empty", "carrier: {{carrier}}!", "carrier: !"},
		{"multiple placeholders", "{{order_number}}/{{quantity}}", "SO-100/5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RenderTemplate(tt.tmpl, data))
		})
	}
}

func TestRenderStringMapAndSlice(t *testing.T) {
	data := map[string]interface{}{"id": "42"}
	m := RenderStringMap(map[string]string{"X-Entity": "{{id}}", "X-Plain": "v"}, data)
	assert.Equal(t, "42", m["X-Entity"])
	assert.Equal(t, "v", m["X-Plain"])

	s := RenderStringSlice([]string{"user-{{id}}@example.com"}, data)
	assert.Equal(t, []string{"user-42@example.com"}, s)
}
