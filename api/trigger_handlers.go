package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"conductor/core"
	"conductor/engine"
)

// eventRequest is the trigger event ingest payload.
type eventRequest struct {
	Type       core.TriggerType       `json:"type" validate:"required"`
	EntityType string                 `json:"entity_type"`
	EntityID   string                 `json:"entity_id"`
	Event      string                 `json:"event"`
	Data       map[string]interface{} `json:"data"`
}

type dataRequest struct {
	Data map[string]interface{} `json:"data"`
}

// ingestEvent accepts a trigger event and fans it out to matching rules
// asynchronously. A 202 means the event was queued, not that any rule ran.
func (a *API) ingestEvent(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)

	var req eventRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		a.respondError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := validate.Struct(&req); err != nil {
		a.respondError(w, "validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	switch req.Type {
	case core.TriggerEntityEvent, core.TriggerThreshold, core.TriggerWebhook:
	default:
		a.respondError(w, "events must have type entity_event, threshold or webhook", http.StatusBadRequest)
		return
	}

	event := core.NewTriggerEvent(tenant, req.Type, req.Data)
	event.EntityType = req.EntityType
	event.EntityID = req.EntityID
	event.Event = req.Event

	if err := a.engine.Handle(r.Context(), event); err != nil {
		a.logger.Errorw("Failed to handle event", "tenant_id", tenant, "event_id", event.ID, "error", err)
		a.respondError(w, "failed to queue event", http.StatusServiceUnavailable)
		return
	}
	a.respondJSON(w, map[string]string{"event_id": event.ID, "status": "accepted"}, http.StatusAccepted)
}

// triggerRule runs one rule manually and synchronously. Unlike the event
// path, action failures surface in the response alongside the execution
// record.
func (a *API) triggerRule(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	ruleID := mux.Vars(r)["id"]

	var req dataRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			a.respondError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	execution, err := a.engine.Trigger(r.Context(), tenant, ruleID, req.Data)
	switch {
	case errors.Is(err, engine.ErrRuleNotFound):
		a.respondError(w, "rule not found", http.StatusNotFound)
		return
	case errors.Is(err, engine.ErrRuleDisabled):
		a.respondError(w, "rule is disabled", http.StatusConflict)
		return
	case err != nil && execution != nil:
		// The action failed; return the execution with the error attached.
		a.respondJSON(w, map[string]interface{}{
			"execution": execution,
			"error":     err.Error(),
		}, http.StatusBadGateway)
		return
	case err != nil:
		a.logger.Errorw("Manual trigger failed", "tenant_id", tenant, "rule_id", ruleID, "error", err)
		a.respondError(w, "failed to trigger rule", http.StatusInternalServerError)
		return
	}
	a.respondJSON(w, execution, http.StatusOK)
}

// testRule dry-runs a rule's conditions against sample data. No action runs
// and nothing is recorded.
func (a *API) testRule(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	ruleID := mux.Vars(r)["id"]

	var req dataRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			a.respondError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	result, err := a.engine.Test(r.Context(), tenant, ruleID, req.Data)
	if errors.Is(err, engine.ErrRuleNotFound) {
		a.respondError(w, "rule not found", http.StatusNotFound)
		return
	}
	if err != nil {
		a.logger.Errorw("Rule test failed", "tenant_id", tenant, "rule_id", ruleID, "error", err)
		a.respondError(w, "failed to test rule", http.StatusInternalServerError)
		return
	}
	a.respondJSON(w, result, http.StatusOK)
}
