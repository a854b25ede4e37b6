package notify

import (
	"context"
	"sync"
	"time"
)

// MockCapabilities records every capability call and returns configurable
// results. Shared by engine and API tests.
type MockCapabilities struct {
	mu sync.Mutex

	Tasks         []Task
	Assignments   [][3]string // tenantID, taskID, assigneeID
	Notifications []Notification
	Emails        []Email
	Webhooks      []WebhookRequest
	StatusUpdates [][4]string // tenantID, entityType, entityID, status
	FieldUpdates  [][5]string // tenantID, entityType, entityID, field, value
	Adjustments   []Adjustment
	Transfers     []Transfer
	Reports       []ReportRequest
	Syncs         [][2]string // tenantID, target
	Scripts       [][2]string // tenantID, script

	// Err, when set, is returned from every call.
	Err error
	// Delay, when set, sleeps before returning so timeout paths can be tested.
	Delay time.Duration
}

// NewMockCapabilities creates an empty recording mock.
func NewMockCapabilities() *MockCapabilities {
	return &MockCapabilities{}
}

// CallCount returns the total number of capability invocations recorded.
func (m *MockCapabilities) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Tasks) + len(m.Assignments) + len(m.Notifications) + len(m.Emails) +
		len(m.Webhooks) + len(m.StatusUpdates) + len(m.FieldUpdates) +
		len(m.Adjustments) + len(m.Transfers) + len(m.Reports) + len(m.Syncs) + len(m.Scripts)
}

func (m *MockCapabilities) stall(ctx context.Context) error {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.Err != nil {
		return m.Err
	}
	return ctx.Err()
}

func (m *MockCapabilities) CreateTask(ctx context.Context, task Task) (TaskRef, error) {
	m.mu.Lock()
	m.Tasks = append(m.Tasks, task)
	m.mu.Unlock()
	if err := m.stall(ctx); err != nil {
		return TaskRef{}, err
	}
	return TaskRef{TaskID: "task-1"}, nil
}

func (m *MockCapabilities) AssignTask(ctx context.Context, tenantID, taskID, assigneeID string) error {
	m.mu.Lock()
	m.Assignments = append(m.Assignments, [3]string{tenantID, taskID, assigneeID})
	m.mu.Unlock()
	return m.stall(ctx)
}

func (m *MockCapabilities) SendNotification(ctx context.Context, n Notification) (DeliveryReceipt, error) {
	m.mu.Lock()
	m.Notifications = append(m.Notifications, n)
	m.mu.Unlock()
	if err := m.stall(ctx); err != nil {
		return DeliveryReceipt{}, err
	}
	return DeliveryReceipt{MessageID: "msg-1", DeliveredAt: time.Now().UTC()}, nil
}

func (m *MockCapabilities) SendEmail(ctx context.Context, email Email) (DeliveryReceipt, error) {
	m.mu.Lock()
	m.Emails = append(m.Emails, email)
	m.mu.Unlock()
	if err := m.stall(ctx); err != nil {
		return DeliveryReceipt{}, err
	}
	return DeliveryReceipt{MessageID: "mail-1", DeliveredAt: time.Now().UTC()}, nil
}

func (m *MockCapabilities) SendWebhook(ctx context.Context, req WebhookRequest) (*WebhookResponse, error) {
	m.mu.Lock()
	m.Webhooks = append(m.Webhooks, req)
	m.mu.Unlock()
	if err := m.stall(ctx); err != nil {
		return nil, err
	}
	return &WebhookResponse{StatusCode: 200}, nil
}

func (m *MockCapabilities) UpdateStatus(ctx context.Context, tenantID, entityType, entityID, status string) error {
	m.mu.Lock()
	m.StatusUpdates = append(m.StatusUpdates, [4]string{tenantID, entityType, entityID, status})
	m.mu.Unlock()
	return m.stall(ctx)
}

func (m *MockCapabilities) UpdateField(ctx context.Context, tenantID, entityType, entityID, field, value string) error {
	m.mu.Lock()
	m.FieldUpdates = append(m.FieldUpdates, [5]string{tenantID, entityType, entityID, field, value})
	m.mu.Unlock()
	return m.stall(ctx)
}

func (m *MockCapabilities) CreateAdjustment(ctx context.Context, adj Adjustment) error {
	m.mu.Lock()
	m.Adjustments = append(m.Adjustments, adj)
	m.mu.Unlock()
	return m.stall(ctx)
}

func (m *MockCapabilities) CreateTransfer(ctx context.Context, tr Transfer) error {
	m.mu.Lock()
	m.Transfers = append(m.Transfers, tr)
	m.mu.Unlock()
	return m.stall(ctx)
}

func (m *MockCapabilities) GenerateReport(ctx context.Context, req ReportRequest) (ReportRef, error) {
	m.mu.Lock()
	m.Reports = append(m.Reports, req)
	m.mu.Unlock()
	if err := m.stall(ctx); err != nil {
		return ReportRef{}, err
	}
	return ReportRef{ReportID: "report-1"}, nil
}

func (m *MockCapabilities) TriggerSync(ctx context.Context, tenantID, target string) error {
	m.mu.Lock()
	m.Syncs = append(m.Syncs, [2]string{tenantID, target})
	m.mu.Unlock()
	return m.stall(ctx)
}

func (m *MockCapabilities) ExecuteScript(ctx context.Context, tenantID, script string) (map[string]interface{}, error) {
	m.mu.Lock()
	m.Scripts = append(m.Scripts, [2]string{tenantID, script})
	m.mu.Unlock()
	if err := m.stall(ctx); err != nil {
		return nil, err
	}
	return map[string]interface{}{"ok": true}, nil
}
