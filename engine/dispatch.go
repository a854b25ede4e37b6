package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"conductor/core"
	"conductor/metrics"
	"conductor/notify"
)

// Capabilities bundles the downstream services the dispatcher can invoke.
// Any nil capability makes its action types fail with a configuration error
// instead of panicking.
type Capabilities struct {
	Tasks         notify.TaskService
	Notifications notify.NotificationSender
	Email         notify.EmailSender
	Webhooks      notify.WebhookSender
	Entities      notify.EntityService
	Inventory     notify.InventoryService
	Reports       notify.ReportService
	Sync          notify.SyncService
	Scripts       notify.ScriptRunner
}

// Dispatcher renders an action's template fields from the trigger event data
// and invokes the matching capability. It is stateless apart from its wiring
// and safe for concurrent use.
type Dispatcher struct {
	caps   Capabilities
	logger *zap.SugaredLogger
}

// NewDispatcher creates an action dispatcher.
func NewDispatcher(caps Capabilities, logger *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{caps: caps, logger: logger}
}

// Execute runs one action. The returned map is the action result stored on the
// execution record; errors are ActionExecutionError with Timeout set when the
// downstream call exceeded its deadline.
func (d *Dispatcher) Execute(ctx context.Context, action *core.Action, tenantID string, eventData map[string]interface{}) (map[string]interface{}, error) {
	start := time.Now()
	result, err := d.execute(ctx, action, tenantID, eventData)
	metrics.ActionDuration.WithLabelValues(string(action.Type)).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.ActionsExecuted.WithLabelValues(string(action.Type), "failure").Inc()
		return nil, d.wrapError(ctx, action.Type, err)
	}
	metrics.ActionsExecuted.WithLabelValues(string(action.Type), "success").Inc()
	return result, nil
}

func (d *Dispatcher) wrapError(ctx context.Context, actionType core.ActionType, err error) error {
	var ae *ActionExecutionError
	if errors.As(err, &ae) {
		return err
	}
	timeout := errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded
	return &ActionExecutionError{ActionType: actionType, Err: err, Timeout: timeout}
}

func (d *Dispatcher) execute(ctx context.Context, action *core.Action, tenantID string, eventData map[string]interface{}) (map[string]interface{}, error) {
	decoded, err := action.Decoded()
	if err != nil {
		return nil, err
	}

	switch cfg := decoded.(type) {
	case *core.CreateTaskConfig:
		return d.createTask(ctx, cfg, tenantID, eventData)
	case *core.AssignTaskConfig:
		return d.assignTask(ctx, cfg, tenantID, eventData)
	case *core.SendNotificationConfig:
		return d.sendNotification(ctx, cfg, tenantID, eventData)
	case *core.SendEmailConfig:
		return d.sendEmail(ctx, cfg, eventData)
	case *core.SendWebhookConfig:
		return d.sendWebhook(ctx, cfg, eventData)
	case *core.UpdateEntityStatusConfig:
		return d.updateEntityStatus(ctx, cfg, tenantID, eventData)
	case *core.UpdateEntityFieldConfig:
		return d.updateEntityField(ctx, cfg, tenantID, eventData)
	case *core.GenerateReportConfig:
		return d.generateReport(ctx, cfg, tenantID, eventData)
	case *core.TriggerSyncConfig:
		return d.triggerSync(ctx, cfg, tenantID, eventData)
	case *core.CreateAdjustmentConfig:
		return d.createAdjustment(ctx, cfg, tenantID, eventData)
	case *core.CreateTransferConfig:
		return d.createTransfer(ctx, cfg, tenantID, eventData)
	case *core.ExecuteScriptConfig:
		return d.executeScript(ctx, cfg, tenantID)
	default:
		return nil, fmt.Errorf("unknown action type: %q", action.Type)
	}
}

func (d *Dispatcher) createTask(ctx context.Context, cfg *core.CreateTaskConfig, tenantID string, data map[string]interface{}) (map[string]interface{}, error) {
	if d.caps.Tasks == nil {
		return nil, fmt.Errorf("task service not configured")
	}
	ref, err := d.caps.Tasks.CreateTask(ctx, notify.Task{
		TenantID:    tenantID,
		Title:       RenderTemplate(cfg.Title, data),
		Description: RenderTemplate(cfg.Description, data),
		TaskType:    cfg.TaskType,
		Priority:    cfg.Priority,
		AssigneeID:  RenderTemplate(cfg.AssigneeID, data),
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"task_id": ref.TaskID}, nil
}

func (d *Dispatcher) assignTask(ctx context.Context, cfg *core.AssignTaskConfig, tenantID string, data map[string]interface{}) (map[string]interface{}, error) {
	if d.caps.Tasks == nil {
		return nil, fmt.Errorf("task service not configured")
	}
	taskID := RenderTemplate(cfg.TaskID, data)
	assigneeID := RenderTemplate(cfg.AssigneeID, data)
	if err := d.caps.Tasks.AssignTask(ctx, tenantID, taskID, assigneeID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"task_id": taskID, "assignee_id": assigneeID}, nil
}

func (d *Dispatcher) sendNotification(ctx context.Context, cfg *core.SendNotificationConfig, tenantID string, data map[string]interface{}) (map[string]interface{}, error) {
	if d.caps.Notifications == nil {
		return nil, fmt.Errorf("notification sender not configured")
	}
	receipt, err := d.caps.Notifications.SendNotification(ctx, notify.Notification{
		TenantID:   tenantID,
		Title:      RenderTemplate(cfg.Title, data),
		Message:    RenderTemplate(cfg.Message, data),
		Channel:    cfg.Channel,
		Recipients: cfg.Recipients,
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"message_id": receipt.MessageID}, nil
}

func (d *Dispatcher) sendEmail(ctx context.Context, cfg *core.SendEmailConfig, data map[string]interface{}) (map[string]interface{}, error) {
	if d.caps.Email == nil {
		return nil, fmt.Errorf("email sender not configured")
	}
	receipt, err := d.caps.Email.SendEmail(ctx, notify.Email{
		To:      RenderStringSlice(cfg.To, data),
		Subject: RenderTemplate(cfg.Subject, data),
		Body:    RenderTemplate(cfg.Body, data),
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"message_id": receipt.MessageID}, nil
}

func (d *Dispatcher) sendWebhook(ctx context.Context, cfg *core.SendWebhookConfig, data map[string]interface{}) (map[string]interface{}, error) {
	if d.caps.Webhooks == nil {
		return nil, fmt.Errorf("webhook sender not configured")
	}

	// An empty body template sends the raw event data as JSON.
	var body []byte
	if cfg.Body != "" {
		body = []byte(RenderTemplate(cfg.Body, data))
	} else {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode event data: %w", err)
		}
		body = encoded
	}

	resp, err := d.caps.Webhooks.SendWebhook(ctx, notify.WebhookRequest{
		URL:          RenderTemplate(cfg.URL, data),
		Method:       cfg.Method,
		Headers:      RenderStringMap(cfg.Headers, data),
		Body:         body,
		AuthType:     cfg.AuthType,
		AuthToken:    cfg.AuthToken,
		AuthUsername: cfg.AuthUsername,
		AuthPassword: cfg.AuthPassword,
		APIKeyHeader: cfg.APIKeyHeader,
		Timeout:      time.Duration(cfg.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"status_code": resp.StatusCode}, nil
}

func (d *Dispatcher) updateEntityStatus(ctx context.Context, cfg *core.UpdateEntityStatusConfig, tenantID string, data map[string]interface{}) (map[string]interface{}, error) {
	if d.caps.Entities == nil {
		return nil, fmt.Errorf("entity service not configured")
	}
	entityID := RenderTemplate(cfg.EntityID, data)
	if entityID == "" {
		return nil, fmt.Errorf("entity_id template rendered empty")
	}
	if err := d.caps.Entities.UpdateStatus(ctx, tenantID, cfg.EntityType, entityID, cfg.Status); err != nil {
		return nil, err
	}
	return map[string]interface{}{"entity_type": cfg.EntityType, "entity_id": entityID, "status": cfg.Status}, nil
}

func (d *Dispatcher) updateEntityField(ctx context.Context, cfg *core.UpdateEntityFieldConfig, tenantID string, data map[string]interface{}) (map[string]interface{}, error) {
	if d.caps.Entities == nil {
		return nil, fmt.Errorf("entity service not configured")
	}
	entityID := RenderTemplate(cfg.EntityID, data)
	if entityID == "" {
		return nil, fmt.Errorf("entity_id template rendered empty")
	}
	value := RenderTemplate(cfg.Value, data)
	if err := d.caps.Entities.UpdateField(ctx, tenantID, cfg.EntityType, entityID, cfg.Field, value); err != nil {
		return nil, err
	}
	return map[string]interface{}{"entity_type": cfg.EntityType, "entity_id": entityID, "field": cfg.Field, "value": value}, nil
}

func (d *Dispatcher) generateReport(ctx context.Context, cfg *core.GenerateReportConfig, tenantID string, data map[string]interface{}) (map[string]interface{}, error) {
	if d.caps.Reports == nil {
		return nil, fmt.Errorf("report service not configured")
	}
	ref, err := d.caps.Reports.GenerateReport(ctx, notify.ReportRequest{
		TenantID:   tenantID,
		ReportType: cfg.ReportType,
		Format:     cfg.Format,
		Parameters: RenderStringMap(cfg.Parameters, data),
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"report_id": ref.ReportID}, nil
}

func (d *Dispatcher) triggerSync(ctx context.Context, cfg *core.TriggerSyncConfig, tenantID string, data map[string]interface{}) (map[string]interface{}, error) {
	if d.caps.Sync == nil {
		return nil, fmt.Errorf("sync service not configured")
	}
	target := RenderTemplate(cfg.Target, data)
	if err := d.caps.Sync.TriggerSync(ctx, tenantID, target); err != nil {
		return nil, err
	}
	return map[string]interface{}{"target": target}, nil
}

func (d *Dispatcher) createAdjustment(ctx context.Context, cfg *core.CreateAdjustmentConfig, tenantID string, data map[string]interface{}) (map[string]interface{}, error) {
	if d.caps.Inventory == nil {
		return nil, fmt.Errorf("inventory service not configured")
	}
	qty, err := renderQuantity(cfg.Quantity, data)
	if err != nil {
		return nil, err
	}
	adj := notify.Adjustment{
		TenantID:   tenantID,
		SKU:        RenderTemplate(cfg.SKU, data),
		LocationID: RenderTemplate(cfg.LocationID, data),
		Quantity:   qty,
		Reason:     RenderTemplate(cfg.Reason, data),
	}
	if err := d.caps.Inventory.CreateAdjustment(ctx, adj); err != nil {
		return nil, err
	}
	return map[string]interface{}{"sku": adj.SKU, "location_id": adj.LocationID, "quantity": adj.Quantity}, nil
}

func (d *Dispatcher) createTransfer(ctx context.Context, cfg *core.CreateTransferConfig, tenantID string, data map[string]interface{}) (map[string]interface{}, error) {
	if d.caps.Inventory == nil {
		return nil, fmt.Errorf("inventory service not configured")
	}
	qty, err := renderQuantity(cfg.Quantity, data)
	if err != nil {
		return nil, err
	}
	tr := notify.Transfer{
		TenantID:       tenantID,
		SKU:            RenderTemplate(cfg.SKU, data),
		FromLocationID: RenderTemplate(cfg.FromLocationID, data),
		ToLocationID:   RenderTemplate(cfg.ToLocationID, data),
		Quantity:       qty,
	}
	if err := d.caps.Inventory.CreateTransfer(ctx, tr); err != nil {
		return nil, err
	}
	return map[string]interface{}{"sku": tr.SKU, "from_location_id": tr.FromLocationID, "to_location_id": tr.ToLocationID, "quantity": tr.Quantity}, nil
}

func (d *Dispatcher) executeScript(ctx context.Context, cfg *core.ExecuteScriptConfig, tenantID string) (map[string]interface{}, error) {
	if d.caps.Scripts == nil {
		return nil, fmt.Errorf("script runner not configured")
	}
	runCtx := ctx
	if cfg.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(cfg.TimeoutSeconds)*time.Second)
		defer cancel()
	}
	out, err := d.caps.Scripts.ExecuteScript(runCtx, tenantID, cfg.Script)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || runCtx.Err() == context.DeadlineExceeded {
			return nil, &ActionExecutionError{ActionType: core.ActionExecuteScript, Err: err, Timeout: true}
		}
		return nil, err
	}
	return out, nil
}

// renderQuantity resolves a quantity template to a number. "{{quantity}}" with
// quantity=5 in the event data yields 5; a literal "10" passes through.
func renderQuantity(tmpl string, data map[string]interface{}) (float64, error) {
	rendered := strings.TrimSpace(RenderTemplate(tmpl, data))
	if rendered == "" {
		return 0, fmt.Errorf("quantity template %q rendered empty", tmpl)
	}
	qty, err := strconv.ParseFloat(rendered, 64)
	if err != nil {
		return 0, fmt.Errorf("quantity template %q rendered non-numeric value %q", tmpl, rendered)
	}
	return qty, nil
}
