package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"conductor/core"
	"conductor/storage"
)

type executionListResponse struct {
	Executions []core.Execution `json:"executions"`
	Total      int              `json:"total"`
	Limit      int              `json:"limit"`
	Offset     int              `json:"offset"`
}

func (a *API) listExecutions(w http.ResponseWriter, r *http.Request) {
	a.listExecutionsFiltered(w, r, r.URL.Query().Get("rule_id"))
}

func (a *API) listRuleExecutions(w http.ResponseWriter, r *http.Request) {
	a.listExecutionsFiltered(w, r, mux.Vars(r)["id"])
}

func (a *API) listExecutionsFiltered(w http.ResponseWriter, r *http.Request, ruleID string) {
	tenant := tenantID(r)
	filter := storage.ExecutionFilter{
		RuleID: ruleID,
		Status: core.ExecutionStatus(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit", 100),
		Offset: queryInt(r, "offset", 0),
	}
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			a.respondError(w, "invalid since timestamp, expected RFC3339", http.StatusBadRequest)
			return
		}
		filter.Since = &since
	}

	executions, total, err := a.executions.ListExecutions(r.Context(), tenant, filter)
	if err != nil {
		a.logger.Errorw("Failed to list executions", "tenant_id", tenant, "error", err)
		a.respondError(w, "failed to list executions", http.StatusInternalServerError)
		return
	}
	if executions == nil {
		executions = []core.Execution{}
	}
	a.respondJSON(w, executionListResponse{
		Executions: executions, Total: total, Limit: filter.Limit, Offset: filter.Offset,
	}, http.StatusOK)
}

func (a *API) getExecution(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	execution, err := a.executions.GetExecution(r.Context(), tenant, mux.Vars(r)["id"])
	if errors.Is(err, storage.ErrExecutionNotFound) {
		a.respondError(w, "execution not found", http.StatusNotFound)
		return
	}
	if err != nil {
		a.logger.Errorw("Failed to load execution", "tenant_id", tenant, "error", err)
		a.respondError(w, "failed to load execution", http.StatusInternalServerError)
		return
	}
	a.respondJSON(w, execution, http.StatusOK)
}
