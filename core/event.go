package core

import (
	"time"

	"github.com/google/uuid"
)

// TriggerEvent is the snapshot of a domain event the engine evaluates rules
// against. It is built by upstream modules (or the scheduler) and is not
// persisted by the engine; executions carry their own copy of the data.
type TriggerEvent struct {
	ID         string                 `json:"id"`
	TenantID   string                 `json:"tenant_id"`
	Type       TriggerType            `json:"type"`
	EntityType string                 `json:"entity_type,omitempty"`
	EntityID   string                 `json:"entity_id,omitempty"`
	Event      string                 `json:"event,omitempty"` // lifecycle event name for entity_event triggers
	Data       map[string]interface{} `json:"data"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// NewTriggerEvent builds an event with a fresh ID and the current time.
func NewTriggerEvent(tenantID string, triggerType TriggerType, data map[string]interface{}) *TriggerEvent {
	if data == nil {
		data = make(map[string]interface{})
	}
	return &TriggerEvent{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		Type:       triggerType,
		Data:       data,
		OccurredAt: time.Now().UTC(),
	}
}

// NewEntityEvent builds an entity lifecycle event (created, updated,
// status_changed) for the given entity.
func NewEntityEvent(tenantID, entityType, entityID, event string, data map[string]interface{}) *TriggerEvent {
	te := NewTriggerEvent(tenantID, TriggerEntityEvent, data)
	te.EntityType = entityType
	te.EntityID = entityID
	te.Event = event
	return te
}
