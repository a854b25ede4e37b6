// Package notify holds the capability interfaces the action dispatcher calls
// and the outbound senders the engine owns (HTTP webhooks, SMTP email).
// Task, entity, inventory, report, sync and script backends live in upstream
// modules; the engine only sees these narrow interfaces.
package notify

import (
	"context"
	"time"
)

// TaskRef identifies a task created downstream.
type TaskRef struct {
	TaskID string `json:"task_id"`
}

// DeliveryReceipt acknowledges a sent notification or email.
type DeliveryReceipt struct {
	MessageID   string    `json:"message_id"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// Notification is a rendered in-app notification.
type Notification struct {
	TenantID   string   `json:"tenant_id"`
	Title      string   `json:"title"`
	Message    string   `json:"message,omitempty"`
	Channel    string   `json:"channel,omitempty"`
	Recipients []string `json:"recipients,omitempty"`
}

// Email is a rendered outbound email.
type Email struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

// Task is a rendered work task request.
type Task struct {
	TenantID    string `json:"tenant_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	TaskType    string `json:"task_type,omitempty"`
	Priority    string `json:"priority,omitempty"`
	AssigneeID  string `json:"assignee_id,omitempty"`
}

// Adjustment is a rendered stock adjustment request.
type Adjustment struct {
	TenantID   string  `json:"tenant_id"`
	SKU        string  `json:"sku"`
	LocationID string  `json:"location_id"`
	Quantity   float64 `json:"quantity"`
	Reason     string  `json:"reason,omitempty"`
}

// Transfer is a rendered stock transfer request.
type Transfer struct {
	TenantID       string  `json:"tenant_id"`
	SKU            string  `json:"sku"`
	FromLocationID string  `json:"from_location_id"`
	ToLocationID   string  `json:"to_location_id"`
	Quantity       float64 `json:"quantity"`
}

// ReportRequest is a rendered report generation request.
type ReportRequest struct {
	TenantID   string            `json:"tenant_id"`
	ReportType string            `json:"report_type"`
	Format     string            `json:"format,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// ReportRef identifies a generated report.
type ReportRef struct {
	ReportID string `json:"report_id"`
}

// TaskService creates and assigns work tasks.
type TaskService interface {
	CreateTask(ctx context.Context, task Task) (TaskRef, error)
	AssignTask(ctx context.Context, tenantID, taskID, assigneeID string) error
}

// NotificationSender pushes in-app notifications.
type NotificationSender interface {
	SendNotification(ctx context.Context, n Notification) (DeliveryReceipt, error)
}

// EmailSender delivers email.
type EmailSender interface {
	SendEmail(ctx context.Context, email Email) (DeliveryReceipt, error)
}

// EntityService updates upstream domain entities.
type EntityService interface {
	UpdateStatus(ctx context.Context, tenantID, entityType, entityID, status string) error
	UpdateField(ctx context.Context, tenantID, entityType, entityID, field, value string) error
}

// InventoryService records stock movements.
type InventoryService interface {
	CreateAdjustment(ctx context.Context, adj Adjustment) error
	CreateTransfer(ctx context.Context, tr Transfer) error
}

// ReportService generates reports.
type ReportService interface {
	GenerateReport(ctx context.Context, req ReportRequest) (ReportRef, error)
}

// SyncService kicks off integration sync jobs.
type SyncService interface {
	TriggerSync(ctx context.Context, tenantID, target string) error
}

// ScriptRunner executes tenant scripts in a sandbox.
type ScriptRunner interface {
	ExecuteScript(ctx context.Context, tenantID, script string) (map[string]interface{}, error)
}
