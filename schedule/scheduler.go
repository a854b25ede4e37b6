// Package schedule drives schedule-triggered rules from a cron runner. The
// scheduler keeps its registered jobs in sync with the enabled schedule rules
// in storage, honoring each rule's timezone.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"conductor/core"
	"conductor/metrics"
	"conductor/util/goroutine"
)

// Runner executes a schedule rule when its cron fires. Implemented by the
// engine.
type Runner interface {
	HandleSchedule(ctx context.Context, rule *core.Rule)
}

// RuleSource loads the enabled schedule rules across all tenants.
// Implemented by storage.
type RuleSource interface {
	GetScheduleRules(ctx context.Context) ([]core.Rule, error)
}

// Scheduler registers one cron entry per enabled schedule rule and reloads
// the set periodically so rule writes on any node are picked up without a
// restart.
type Scheduler struct {
	runner         Runner
	rules          RuleSource
	cron           *cron.Cron
	logger         *zap.SugaredLogger
	reloadInterval time.Duration

	mu      sync.Mutex
	entries map[string]cron.EntryID // rule key -> cron entry
	specs   map[string]string       // rule key -> registered cron spec
	current map[string]core.Rule    // rule key -> latest loaded copy

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler. reloadInterval bounds how stale the
// registered job set can be; zero means 30 seconds.
func NewScheduler(runner Runner, rules RuleSource, reloadInterval time.Duration, logger *zap.SugaredLogger) *Scheduler {
	if reloadInterval <= 0 {
		reloadInterval = 30 * time.Second
	}
	return &Scheduler{
		runner:         runner,
		rules:          rules,
		cron:           cron.New(),
		logger:         logger,
		reloadInterval: reloadInterval,
		entries:        make(map[string]cron.EntryID),
		specs:          make(map[string]string),
		current:        make(map[string]core.Rule),
		done:           make(chan struct{}),
	}
}

// Start loads the schedule rules, starts the cron runner and launches the
// reload loop.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	if err := s.Reload(ctx); err != nil {
		close(s.done)
		return fmt.Errorf("failed to load schedule rules: %w", err)
	}
	s.cron.Start()

	go func() {
		defer close(s.done)
		defer goroutine.Recover("schedule-reload", s.logger)

		ticker := time.NewTicker(s.reloadInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Reload(ctx); err != nil {
					s.logger.Errorw("Failed to reload schedule rules", "error", err)
				}
			}
		}
	}()
	return nil
}

// Stop halts the reload loop and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
	<-s.cron.Stop().Done()
}

// Reload synchronizes the registered cron entries with the enabled schedule
// rules: new rules are added, removed or disabled rules dropped, and rules
// whose cron or timezone changed are re-registered. Every reload refreshes
// the stored rule copies, so edits that keep the cron spec unchanged still
// reach the next fire.
func (s *Scheduler) Reload(ctx context.Context) error {
	rules, err := s.rules.GetScheduleRules(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(rules))
	for i := range rules {
		rule := rules[i]
		key := rule.TenantID + "/" + rule.ID
		spec := cronSpec(&rule)
		seen[key] = true
		s.current[key] = rule

		if s.specs[key] == spec {
			continue
		}
		if entryID, ok := s.entries[key]; ok {
			s.cron.Remove(entryID)
		}

		// The job captures only the rule key and loads the latest copy at
		// fire time.
		entryID, err := s.cron.AddFunc(spec, func() {
			if rule, ok := s.latest(key); ok {
				s.runner.HandleSchedule(context.Background(), &rule)
			}
		})
		if err != nil {
			// Validation should have caught this at save time; skip the rule
			// instead of failing the whole reload.
			s.logger.Errorw("Failed to register schedule rule",
				"rule_id", rule.ID, "tenant_id", rule.TenantID, "cron", rule.Trigger.Cron, "error", err)
			delete(s.entries, key)
			delete(s.specs, key)
			delete(s.current, key)
			continue
		}
		s.entries[key] = entryID
		s.specs[key] = spec
		s.logger.Infow("Schedule rule registered",
			"rule_id", rule.ID, "tenant_id", rule.TenantID, "cron", rule.Trigger.Cron, "timezone", rule.Timezone)
	}

	for key, entryID := range s.entries {
		if !seen[key] {
			s.cron.Remove(entryID)
			delete(s.entries, key)
			delete(s.specs, key)
			delete(s.current, key)
			s.logger.Infow("Schedule rule unregistered", "rule_key", key)
		}
	}

	metrics.ScheduledRules.Set(float64(len(s.entries)))
	return nil
}

// latest returns the most recently loaded copy of a registered rule. Returns
// false when the rule was unregistered after the job was scheduled.
func (s *Scheduler) latest(key string) (core.Rule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.current[key]
	return rule, ok
}

// EntryCount returns how many schedule rules are currently registered.
func (s *Scheduler) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// cronSpec builds the cron line for a rule, pinning the rule's timezone with
// a CRON_TZ prefix so due times follow the tenant's local clock.
func cronSpec(rule *core.Rule) string {
	if rule.Timezone != "" {
		return "CRON_TZ=" + rule.Timezone + " " + rule.Trigger.Cron
	}
	return rule.Trigger.Cron
}
