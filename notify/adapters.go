package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LogCapabilities implements the internal capability interfaces by logging
// the rendered request. It is the default wiring when no upstream task,
// entity, inventory, report or sync backend is attached, so the engine stays
// fully exercisable from a bare deployment.
type LogCapabilities struct {
	logger *zap.SugaredLogger
}

// NewLogCapabilities creates logging implementations of the internal
// capabilities.
func NewLogCapabilities(logger *zap.SugaredLogger) *LogCapabilities {
	return &LogCapabilities{logger: logger}
}

// CreateTask logs the task and returns a synthetic reference.
func (l *LogCapabilities) CreateTask(_ context.Context, task Task) (TaskRef, error) {
	ref := TaskRef{TaskID: uuid.New().String()}
	l.logger.Infow("Task created",
		"tenant_id", task.TenantID, "task_id", ref.TaskID, "title", task.Title,
		"task_type", task.TaskType, "priority", task.Priority, "assignee_id", task.AssigneeID)
	return ref, nil
}

// AssignTask logs the assignment.
func (l *LogCapabilities) AssignTask(_ context.Context, tenantID, taskID, assigneeID string) error {
	l.logger.Infow("Task assigned", "tenant_id", tenantID, "task_id", taskID, "assignee_id", assigneeID)
	return nil
}

// SendNotification logs the notification and returns a receipt.
func (l *LogCapabilities) SendNotification(_ context.Context, n Notification) (DeliveryReceipt, error) {
	receipt := DeliveryReceipt{MessageID: uuid.New().String(), DeliveredAt: time.Now().UTC()}
	l.logger.Infow("Notification sent",
		"tenant_id", n.TenantID, "message_id", receipt.MessageID, "title", n.Title,
		"channel", n.Channel, "recipients", n.Recipients)
	return receipt, nil
}

// UpdateStatus logs the status change.
func (l *LogCapabilities) UpdateStatus(_ context.Context, tenantID, entityType, entityID, status string) error {
	l.logger.Infow("Entity status updated",
		"tenant_id", tenantID, "entity_type", entityType, "entity_id", entityID, "status", status)
	return nil
}

// UpdateField logs the field write.
func (l *LogCapabilities) UpdateField(_ context.Context, tenantID, entityType, entityID, field, value string) error {
	l.logger.Infow("Entity field updated",
		"tenant_id", tenantID, "entity_type", entityType, "entity_id", entityID,
		"field", field, "value", value)
	return nil
}

// CreateAdjustment logs the stock adjustment.
func (l *LogCapabilities) CreateAdjustment(_ context.Context, adj Adjustment) error {
	l.logger.Infow("Stock adjustment created",
		"tenant_id", adj.TenantID, "sku", adj.SKU, "location_id", adj.LocationID,
		"quantity", adj.Quantity, "reason", adj.Reason)
	return nil
}

// CreateTransfer logs the stock transfer.
func (l *LogCapabilities) CreateTransfer(_ context.Context, tr Transfer) error {
	l.logger.Infow("Stock transfer created",
		"tenant_id", tr.TenantID, "sku", tr.SKU, "from_location_id", tr.FromLocationID,
		"to_location_id", tr.ToLocationID, "quantity", tr.Quantity)
	return nil
}

// GenerateReport logs the request and returns a synthetic reference.
func (l *LogCapabilities) GenerateReport(_ context.Context, req ReportRequest) (ReportRef, error) {
	ref := ReportRef{ReportID: uuid.New().String()}
	l.logger.Infow("Report requested",
		"tenant_id", req.TenantID, "report_id", ref.ReportID, "report_type", req.ReportType,
		"format", req.Format)
	return ref, nil
}

// TriggerSync logs the sync request.
func (l *LogCapabilities) TriggerSync(_ context.Context, tenantID, target string) error {
	l.logger.Infow("Sync triggered", "tenant_id", tenantID, "target", target)
	return nil
}

// ExecuteScript rejects script execution; no sandbox runner ships with the
// engine itself.
func (l *LogCapabilities) ExecuteScript(_ context.Context, tenantID, _ string) (map[string]interface{}, error) {
	l.logger.Warnw("Script execution requested without a configured runner", "tenant_id", tenantID)
	return nil, fmt.Errorf("no script runner configured")
}
