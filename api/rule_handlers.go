package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"gopkg.in/yaml.v3"

	"conductor/core"
	"conductor/storage"
)

var validate = validator.New()

// ruleRequest is the create/update payload. Semantic validation (operators,
// cron syntax, action schemas) happens in the rule's own Validate; the
// validator tags catch shape errors with a friendlier status code.
type ruleRequest struct {
	Name                string           `json:"name" validate:"required,max=200"`
	Description         string           `json:"description" validate:"max=2000"`
	Trigger             core.TriggerSpec `json:"trigger"`
	Conditions          []core.Condition `json:"conditions" validate:"max=50,dive"`
	Action              core.Action      `json:"action"`
	Enabled             *bool            `json:"enabled"`
	Priority            int              `json:"priority"`
	MaxExecutionsPerDay int              `json:"max_executions_per_day" validate:"gte=0"`
	CooldownSeconds     int              `json:"cooldown_seconds" validate:"gte=0"`
	Timezone            string           `json:"timezone" validate:"max=64"`
}

type ruleListResponse struct {
	Rules  []core.Rule `json:"rules"`
	Total  int         `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

func (a *API) decodeRuleRequest(w http.ResponseWriter, r *http.Request) (*ruleRequest, bool) {
	var req ruleRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		a.respondError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return nil, false
	}
	if err := validate.Struct(&req); err != nil {
		a.respondError(w, "validation failed: "+err.Error(), http.StatusBadRequest)
		return nil, false
	}
	return &req, true
}

func (req *ruleRequest) apply(rule *core.Rule) {
	rule.Name = req.Name
	rule.Description = req.Description
	rule.Trigger = req.Trigger
	rule.Conditions = req.Conditions
	rule.Action = req.Action
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	rule.Priority = req.Priority
	rule.MaxExecutionsPerDay = req.MaxExecutionsPerDay
	rule.CooldownSeconds = req.CooldownSeconds
	rule.Timezone = req.Timezone
}

func (a *API) listRules(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	filter := storage.RuleFilter{
		Limit:  queryInt(r, "limit", 100),
		Offset: queryInt(r, "offset", 0),
	}
	if v := r.URL.Query().Get("enabled"); v != "" {
		enabled := v == "true"
		filter.Enabled = &enabled
	}
	if v := r.URL.Query().Get("trigger_type"); v != "" {
		filter.TriggerType = core.TriggerType(v)
	}

	rules, total, err := a.rules.ListRules(r.Context(), tenant, filter)
	if err != nil {
		a.logger.Errorw("Failed to list rules", "tenant_id", tenant, "error", err)
		a.respondError(w, "failed to list rules", http.StatusInternalServerError)
		return
	}
	if rules == nil {
		rules = []core.Rule{}
	}
	a.respondJSON(w, ruleListResponse{Rules: rules, Total: total, Limit: filter.Limit, Offset: filter.Offset}, http.StatusOK)
}

func (a *API) createRule(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	req, ok := a.decodeRuleRequest(w, r)
	if !ok {
		return
	}

	rule := &core.Rule{TenantID: tenant, Enabled: true}
	req.apply(rule)

	if err := a.rules.CreateRule(r.Context(), rule); err != nil {
		a.writeRuleError(w, tenant, err)
		return
	}
	a.cache.Invalidate(tenant)
	a.respondJSON(w, rule, http.StatusCreated)
}

func (a *API) getRule(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	rule, err := a.rules.GetRule(r.Context(), tenant, mux.Vars(r)["id"])
	if err != nil {
		a.writeRuleError(w, tenant, err)
		return
	}
	a.respondJSON(w, rule, http.StatusOK)
}

func (a *API) updateRule(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	req, ok := a.decodeRuleRequest(w, r)
	if !ok {
		return
	}

	rule, err := a.rules.GetRule(r.Context(), tenant, mux.Vars(r)["id"])
	if err != nil {
		a.writeRuleError(w, tenant, err)
		return
	}
	req.apply(rule)

	if err := a.rules.UpdateRule(r.Context(), rule); err != nil {
		a.writeRuleError(w, tenant, err)
		return
	}
	a.cache.Invalidate(tenant)
	a.respondJSON(w, rule, http.StatusOK)
}

func (a *API) deleteRule(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	if err := a.rules.DeleteRule(r.Context(), tenant, mux.Vars(r)["id"]); err != nil {
		a.writeRuleError(w, tenant, err)
		return
	}
	a.cache.Invalidate(tenant)
	a.respondJSON(w, map[string]string{"message": "rule deleted"}, http.StatusOK)
}

func (a *API) enableRule(w http.ResponseWriter, r *http.Request) {
	a.setEnabled(w, r, true)
}

func (a *API) disableRule(w http.ResponseWriter, r *http.Request) {
	a.setEnabled(w, r, false)
}

func (a *API) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	tenant := tenantID(r)
	if err := a.rules.SetRuleEnabled(r.Context(), tenant, mux.Vars(r)["id"], enabled); err != nil {
		a.writeRuleError(w, tenant, err)
		return
	}
	a.cache.Invalidate(tenant)
	a.respondJSON(w, map[string]bool{"enabled": enabled}, http.StatusOK)
}

// ruleExport is the YAML shape for import/export. Counters and timestamps
// stay behind; the export is a portable rule definition, not a backup.
type ruleExport struct {
	Name                string                 `yaml:"name"`
	Description         string                 `yaml:"description,omitempty"`
	TriggerType         string                 `yaml:"trigger_type"`
	TriggerEntityType   string                 `yaml:"trigger_entity_type,omitempty"`
	TriggerEvent        string                 `yaml:"trigger_event,omitempty"`
	TriggerCron         string                 `yaml:"trigger_cron,omitempty"`
	Conditions          []conditionExport      `yaml:"conditions,omitempty"`
	ActionType          string                 `yaml:"action_type"`
	ActionConfig        map[string]interface{} `yaml:"action_config"`
	Enabled             bool                   `yaml:"enabled"`
	Priority            int                    `yaml:"priority"`
	MaxExecutionsPerDay int                    `yaml:"max_executions_per_day,omitempty"`
	CooldownSeconds     int                    `yaml:"cooldown_seconds,omitempty"`
	Timezone            string                 `yaml:"timezone,omitempty"`
}

type conditionExport struct {
	Field     string `yaml:"field"`
	Operator  string `yaml:"operator"`
	Value     string `yaml:"value"`
	ValueType string `yaml:"value_type,omitempty"`
	Logic     string `yaml:"logic,omitempty"`
}

func (a *API) exportRules(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	rules, _, err := a.rules.ListRules(r.Context(), tenant, storage.RuleFilter{Limit: 500})
	if err != nil {
		a.logger.Errorw("Failed to export rules", "tenant_id", tenant, "error", err)
		a.respondError(w, "failed to export rules", http.StatusInternalServerError)
		return
	}

	exports := make([]ruleExport, 0, len(rules))
	for i := range rules {
		export, err := toRuleExport(&rules[i])
		if err != nil {
			a.logger.Errorw("Failed to convert rule for export", "rule_id", rules[i].ID, "error", err)
			a.respondError(w, "failed to export rules", http.StatusInternalServerError)
			return
		}
		exports = append(exports, export)
	}

	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("Content-Disposition", `attachment; filename="rules.yaml"`)
	if err := yaml.NewEncoder(w).Encode(exports); err != nil {
		a.logger.Errorw("Failed to encode rule export", "error", err)
	}
}

type importResponse struct {
	Imported int      `json:"imported"`
	Errors   []string `json:"errors,omitempty"`
}

func (a *API) importRules(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)

	var exports []ruleExport
	if err := yaml.NewDecoder(io.LimitReader(r.Body, 4<<20)).Decode(&exports); err != nil {
		a.respondError(w, "invalid YAML: "+err.Error(), http.StatusBadRequest)
		return
	}

	resp := importResponse{}
	for i := range exports {
		rule, err := fromRuleExport(tenant, &exports[i])
		if err != nil {
			resp.Errors = append(resp.Errors, exports[i].Name+": "+err.Error())
			continue
		}
		if err := a.rules.CreateRule(r.Context(), rule); err != nil {
			resp.Errors = append(resp.Errors, exports[i].Name+": "+err.Error())
			continue
		}
		resp.Imported++
	}
	a.cache.Invalidate(tenant)

	status := http.StatusOK
	if resp.Imported == 0 && len(resp.Errors) > 0 {
		status = http.StatusBadRequest
	}
	a.respondJSON(w, resp, status)
}

func toRuleExport(rule *core.Rule) (ruleExport, error) {
	var actionConfig map[string]interface{}
	if err := json.Unmarshal(rule.Action.Config, &actionConfig); err != nil {
		return ruleExport{}, err
	}
	export := ruleExport{
		Name:                rule.Name,
		Description:         rule.Description,
		TriggerType:         string(rule.Trigger.Type),
		TriggerEntityType:   rule.Trigger.EntityType,
		TriggerEvent:        rule.Trigger.Event,
		TriggerCron:         rule.Trigger.Cron,
		ActionType:          string(rule.Action.Type),
		ActionConfig:        actionConfig,
		Enabled:             rule.Enabled,
		Priority:            rule.Priority,
		MaxExecutionsPerDay: rule.MaxExecutionsPerDay,
		CooldownSeconds:     rule.CooldownSeconds,
		Timezone:            rule.Timezone,
	}
	for _, cond := range rule.Conditions {
		export.Conditions = append(export.Conditions, conditionExport{
			Field:     cond.Field,
			Operator:  string(cond.Operator),
			Value:     cond.Value,
			ValueType: string(cond.ValueType),
			Logic:     string(cond.Logic),
		})
	}
	return export, nil
}

func fromRuleExport(tenantIDValue string, export *ruleExport) (*core.Rule, error) {
	actionConfig, err := json.Marshal(export.ActionConfig)
	if err != nil {
		return nil, err
	}
	rule := &core.Rule{
		TenantID:    tenantIDValue,
		Name:        export.Name,
		Description: export.Description,
		Trigger: core.TriggerSpec{
			Type:       core.TriggerType(export.TriggerType),
			EntityType: export.TriggerEntityType,
			Event:      export.TriggerEvent,
			Cron:       export.TriggerCron,
		},
		Action: core.Action{
			Type:   core.ActionType(export.ActionType),
			Config: actionConfig,
		},
		Enabled:             export.Enabled,
		Priority:            export.Priority,
		MaxExecutionsPerDay: export.MaxExecutionsPerDay,
		CooldownSeconds:     export.CooldownSeconds,
		Timezone:            export.Timezone,
	}
	for _, cond := range export.Conditions {
		rule.Conditions = append(rule.Conditions, core.Condition{
			Field:     cond.Field,
			Operator:  core.Operator(cond.Operator),
			Value:     cond.Value,
			ValueType: core.ValueType(cond.ValueType),
			Logic:     core.LogicOp(cond.Logic),
		})
	}
	return rule, nil
}

func (a *API) writeRuleError(w http.ResponseWriter, tenant string, err error) {
	switch {
	case errors.Is(err, storage.ErrRuleNotFound):
		a.respondError(w, "rule not found", http.StatusNotFound)
	case errors.Is(err, storage.ErrDuplicateRule):
		a.respondError(w, "a rule with this name already exists", http.StatusConflict)
	case isValidationError(err):
		a.respondError(w, err.Error(), http.StatusBadRequest)
	default:
		a.logger.Errorw("Rule operation failed", "tenant_id", tenant, "error", err)
		a.respondError(w, "internal error", http.StatusInternalServerError)
	}
}

// isValidationError distinguishes semantic rule validation failures, which
// storage wraps with these prefixes, from infrastructure errors.
func isValidationError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "invalid rule:") || strings.Contains(msg, "invalid action config:")
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
