package engine

import (
	"sort"

	"conductor/core"
)

// MatchRules selects the rules a trigger event should run, in execution order:
// ascending priority, creation time as the stable tie-break. Only enabled
// rules whose trigger spec matches the event are returned. Schedule rules are
// driven by the cron scheduler and never match entity events here. The input
// slice is not modified.
func MatchRules(rules []core.Rule, event *core.TriggerEvent) []core.Rule {
	matched := make([]core.Rule, 0, len(rules))
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if ruleMatchesEvent(&rule, event) {
			matched = append(matched, rule)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority < matched[j].Priority
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	return matched
}

func ruleMatchesEvent(rule *core.Rule, event *core.TriggerEvent) bool {
	if rule.Trigger.Type != event.Type {
		return false
	}

	switch event.Type {
	case core.TriggerEntityEvent:
		if rule.Trigger.EntityType != event.EntityType {
			return false
		}
		// An empty Event on the rule matches any lifecycle event.
		return rule.Trigger.Event == "" || rule.Trigger.Event == event.Event

	case core.TriggerThreshold:
		return rule.Trigger.EntityType == "" || rule.Trigger.EntityType == event.EntityType

	case core.TriggerSchedule, core.TriggerManual:
		// Schedule rules fire from the clock-driven path, manual rules from
		// the Trigger endpoint; neither is matched from the event stream.
		return false

	case core.TriggerWebhook:
		return true

	default:
		return false
	}
}
