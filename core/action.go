package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// ActionType identifies the effect a rule executes when its conditions pass.
type ActionType string

const (
	ActionCreateTask         ActionType = "create_task"
	ActionAssignTask         ActionType = "assign_task"
	ActionSendNotification   ActionType = "send_notification"
	ActionSendEmail          ActionType = "send_email"
	ActionSendWebhook        ActionType = "send_webhook"
	ActionUpdateEntityStatus ActionType = "update_entity_status"
	ActionUpdateEntityField  ActionType = "update_entity_field"
	ActionGenerateReport     ActionType = "generate_report"
	ActionTriggerSync        ActionType = "trigger_sync"
	ActionCreateAdjustment   ActionType = "create_adjustment"
	ActionCreateTransfer     ActionType = "create_transfer"
	ActionExecuteScript      ActionType = "execute_script"
)

// Action is the variant-typed effect of a rule. Config is the raw JSON payload
// for the action type; it is decoded and schema-validated once when the rule is
// saved or loaded, never re-parsed per execution.
type Action struct {
	Type   ActionType      `json:"type" example:"send_notification"`
	Config json.RawMessage `json:"config" swaggertype:"object"`

	// decoded is populated by Compile. It is written once at load time and
	// only read afterwards, so no lock is needed.
	decoded interface{}
}

// CreateTaskConfig creates a work task. Template fields accept {{field}}
// placeholders rendered from the trigger event data.
type CreateTaskConfig struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	TaskType    string `json:"task_type,omitempty"`
	Priority    string `json:"priority,omitempty"`
	AssigneeID  string `json:"assignee_id,omitempty"`
}

// AssignTaskConfig reassigns an existing task.
type AssignTaskConfig struct {
	TaskID     string `json:"task_id"`
	AssigneeID string `json:"assignee_id"`
}

// SendNotificationConfig pushes an in-app notification.
type SendNotificationConfig struct {
	Title      string   `json:"title"`
	Message    string   `json:"message,omitempty"`
	Channel    string   `json:"channel,omitempty"`
	Recipients []string `json:"recipients,omitempty"`
}

// SendEmailConfig sends an email through the configured sender.
type SendEmailConfig struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Body    string   `json:"body,omitempty"`
}

// WebhookAuthType selects how outbound webhook requests authenticate.
type WebhookAuthType string

const (
	WebhookAuthNone   WebhookAuthType = "none"
	WebhookAuthBearer WebhookAuthType = "bearer"
	WebhookAuthBasic  WebhookAuthType = "basic"
	WebhookAuthAPIKey WebhookAuthType = "apikey"
)

// SendWebhookConfig posts the rendered body to an external URL.
type SendWebhookConfig struct {
	URL            string            `json:"url"`
	Method         string            `json:"method,omitempty"` // default POST
	Headers        map[string]string `json:"headers,omitempty"`
	Body           string            `json:"body,omitempty"` // template; empty sends the event data as JSON
	AuthType       WebhookAuthType   `json:"auth_type,omitempty"`
	AuthToken      string            `json:"auth_token,omitempty"`
	AuthUsername   string            `json:"auth_username,omitempty"`
	AuthPassword   string            `json:"auth_password,omitempty"`
	APIKeyHeader   string            `json:"api_key_header,omitempty"` // default X-API-Key
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

// UpdateEntityStatusConfig moves an entity to a new status.
type UpdateEntityStatusConfig struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"` // template; usually {{id}}
	Status     string `json:"status"`
}

// UpdateEntityFieldConfig writes a single field on an entity.
type UpdateEntityFieldConfig struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Field      string `json:"field"`
	Value      string `json:"value"`
}

// GenerateReportConfig requests a report from the reporting service.
type GenerateReportConfig struct {
	ReportType string            `json:"report_type"`
	Format     string            `json:"format,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// TriggerSyncConfig kicks off a sync job for an integration target.
type TriggerSyncConfig struct {
	Target string `json:"target"`
}

// CreateAdjustmentConfig records a stock adjustment.
type CreateAdjustmentConfig struct {
	SKU        string `json:"sku"`
	LocationID string `json:"location_id"`
	Quantity   string `json:"quantity"` // template; resolved to a number at dispatch
	Reason     string `json:"reason,omitempty"`
}

// CreateTransferConfig records a stock transfer between locations.
type CreateTransferConfig struct {
	SKU            string `json:"sku"`
	FromLocationID string `json:"from_location_id"`
	ToLocationID   string `json:"to_location_id"`
	Quantity       string `json:"quantity"`
}

// ExecuteScriptConfig runs a tenant-provided script in the sandbox runner.
type ExecuteScriptConfig struct {
	Script         string `json:"script"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// actionConfigSchemas holds the JSON schema source per action type. Schemas
// reject unknown properties so config typos fail at save time instead of
// silently at dispatch.
var actionConfigSchemas = map[ActionType]string{
	ActionCreateTask: `{
		"type": "object", "additionalProperties": false,
		"required": ["title"],
		"properties": {
			"title": {"type": "string", "minLength": 1},
			"description": {"type": "string"},
			"task_type": {"type": "string"},
			"priority": {"type": "string"},
			"assignee_id": {"type": "string"}
		}
	}`,
	ActionAssignTask: `{
		"type": "object", "additionalProperties": false,
		"required": ["task_id", "assignee_id"],
		"properties": {
			"task_id": {"type": "string", "minLength": 1},
			"assignee_id": {"type": "string", "minLength": 1}
		}
	}`,
	ActionSendNotification: `{
		"type": "object", "additionalProperties": false,
		"required": ["title"],
		"properties": {
			"title": {"type": "string", "minLength": 1},
			"message": {"type": "string"},
			"channel": {"type": "string"},
			"recipients": {"type": "array", "items": {"type": "string"}}
		}
	}`,
	ActionSendEmail: `{
		"type": "object", "additionalProperties": false,
		"required": ["to", "subject"],
		"properties": {
			"to": {"type": "array", "minItems": 1, "items": {"type": "string"}},
			"subject": {"type": "string", "minLength": 1},
			"body": {"type": "string"}
		}
	}`,
	ActionSendWebhook: `{
		"type": "object", "additionalProperties": false,
		"required": ["url"],
		"properties": {
			"url": {"type": "string", "minLength": 1},
			"method": {"type": "string", "enum": ["GET", "POST", "PUT", "PATCH", "DELETE"]},
			"headers": {"type": "object", "additionalProperties": {"type": "string"}},
			"body": {"type": "string"},
			"auth_type": {"type": "string", "enum": ["none", "bearer", "basic", "apikey"]},
			"auth_token": {"type": "string"},
			"auth_username": {"type": "string"},
			"auth_password": {"type": "string"},
			"api_key_header": {"type": "string"},
			"timeout_seconds": {"type": "integer", "minimum": 1, "maximum": 60}
		}
	}`,
	ActionUpdateEntityStatus: `{
		"type": "object", "additionalProperties": false,
		"required": ["entity_type", "entity_id", "status"],
		"properties": {
			"entity_type": {"type": "string", "minLength": 1},
			"entity_id": {"type": "string", "minLength": 1},
			"status": {"type": "string", "minLength": 1}
		}
	}`,
	ActionUpdateEntityField: `{
		"type": "object", "additionalProperties": false,
		"required": ["entity_type", "entity_id", "field", "value"],
		"properties": {
			"entity_type": {"type": "string", "minLength": 1},
			"entity_id": {"type": "string", "minLength": 1},
			"field": {"type": "string", "minLength": 1},
			"value": {"type": "string"}
		}
	}`,
	ActionGenerateReport: `{
		"type": "object", "additionalProperties": false,
		"required": ["report_type"],
		"properties": {
			"report_type": {"type": "string", "minLength": 1},
			"format": {"type": "string"},
			"parameters": {"type": "object", "additionalProperties": {"type": "string"}}
		}
	}`,
	ActionTriggerSync: `{
		"type": "object", "additionalProperties": false,
		"required": ["target"],
		"properties": {"target": {"type": "string", "minLength": 1}}
	}`,
	ActionCreateAdjustment: `{
		"type": "object", "additionalProperties": false,
		"required": ["sku", "location_id", "quantity"],
		"properties": {
			"sku": {"type": "string", "minLength": 1},
			"location_id": {"type": "string", "minLength": 1},
			"quantity": {"type": "string", "minLength": 1},
			"reason": {"type": "string"}
		}
	}`,
	ActionCreateTransfer: `{
		"type": "object", "additionalProperties": false,
		"required": ["sku", "from_location_id", "to_location_id", "quantity"],
		"properties": {
			"sku": {"type": "string", "minLength": 1},
			"from_location_id": {"type": "string", "minLength": 1},
			"to_location_id": {"type": "string", "minLength": 1},
			"quantity": {"type": "string", "minLength": 1}
		}
	}`,
	ActionExecuteScript: `{
		"type": "object", "additionalProperties": false,
		"required": ["script"],
		"properties": {
			"script": {"type": "string", "minLength": 1},
			"timeout_seconds": {"type": "integer", "minimum": 1, "maximum": 300}
		}
	}`,
}

var (
	compiledSchemasOnce sync.Once
	compiledSchemas     map[ActionType]*gojsonschema.Schema
	compiledSchemasErr  error
)

func compiledSchema(t ActionType) (*gojsonschema.Schema, error) {
	compiledSchemasOnce.Do(func() {
		compiledSchemas = make(map[ActionType]*gojsonschema.Schema, len(actionConfigSchemas))
		for actionType, src := range actionConfigSchemas {
			schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
			if err != nil {
				compiledSchemasErr = fmt.Errorf("failed to compile schema for %s: %w", actionType, err)
				return
			}
			compiledSchemas[actionType] = schema
		}
	})
	if compiledSchemasErr != nil {
		return nil, compiledSchemasErr
	}
	schema, ok := compiledSchemas[t]
	if !ok {
		return nil, fmt.Errorf("unknown action type: %q", t)
	}
	return schema, nil
}

// Validate checks the action config against the per-type JSON schema.
func (a *Action) Validate() error {
	if a == nil {
		return fmt.Errorf("cannot validate nil action")
	}
	schema, err := compiledSchema(a.Type)
	if err != nil {
		return err
	}
	if len(a.Config) == 0 {
		return fmt.Errorf("action config cannot be empty for type %s", a.Type)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(a.Config))
	if err != nil {
		return fmt.Errorf("invalid action config for %s: %w", a.Type, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("invalid action config for %s: %s", a.Type, strings.Join(msgs, "; "))
	}
	return nil
}

// decodeActionConfig maps an action type to its typed payload.
func decodeActionConfig(t ActionType, raw json.RawMessage) (interface{}, error) {
	var dst interface{}
	switch t {
	case ActionCreateTask:
		dst = &CreateTaskConfig{}
	case ActionAssignTask:
		dst = &AssignTaskConfig{}
	case ActionSendNotification:
		dst = &SendNotificationConfig{}
	case ActionSendEmail:
		dst = &SendEmailConfig{}
	case ActionSendWebhook:
		dst = &SendWebhookConfig{}
	case ActionUpdateEntityStatus:
		dst = &UpdateEntityStatusConfig{}
	case ActionUpdateEntityField:
		dst = &UpdateEntityFieldConfig{}
	case ActionGenerateReport:
		dst = &GenerateReportConfig{}
	case ActionTriggerSync:
		dst = &TriggerSyncConfig{}
	case ActionCreateAdjustment:
		dst = &CreateAdjustmentConfig{}
	case ActionCreateTransfer:
		dst = &CreateTransferConfig{}
	case ActionExecuteScript:
		dst = &ExecuteScriptConfig{}
	default:
		return nil, fmt.Errorf("unknown action type: %q", t)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return nil, fmt.Errorf("failed to decode %s config: %w", t, err)
	}
	return dst, nil
}

// Compile validates the config and caches the typed payload. Storage calls
// this when loading rules so the dispatcher never parses JSON on the hot path.
func (a *Action) Compile() error {
	if err := a.Validate(); err != nil {
		return err
	}
	decoded, err := decodeActionConfig(a.Type, a.Config)
	if err != nil {
		return err
	}
	a.decoded = decoded
	return nil
}

// Decoded returns the typed config payload. Actions loaded through storage are
// already compiled; uncompiled actions pay a decode per call.
func (a *Action) Decoded() (interface{}, error) {
	if a.decoded != nil {
		return a.decoded, nil
	}
	return decodeActionConfig(a.Type, a.Config)
}
