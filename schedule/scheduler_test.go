package schedule

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"conductor/core"
)

type fakeRunner struct {
	mu   sync.Mutex
	runs []core.Rule
}

func (f *fakeRunner) HandleSchedule(_ context.Context, rule *core.Rule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, *rule)
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

func (f *fakeRunner) last() core.Rule {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[len(f.runs)-1]
}

type fakeRuleSource struct {
	mu    sync.Mutex
	rules []core.Rule
	err   error
}

func (f *fakeRuleSource) GetScheduleRules(context.Context) ([]core.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]core.Rule, len(f.rules))
	copy(out, f.rules)
	return out, nil
}

func (f *fakeRuleSource) set(rules []core.Rule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = rules
}

func scheduleRule(tenantID, id, cronExpr, timezone string) core.Rule {
	return core.Rule{
		ID:       id,
		TenantID: tenantID,
		Name:     "scheduled " + id,
		Trigger:  core.TriggerSpec{Type: core.TriggerSchedule, Cron: cronExpr},
		Timezone: timezone,
		Enabled:  true,
	}
}

func TestSchedulerReloadSyncsEntries(t *testing.T) {
	source := &fakeRuleSource{}
	s := NewScheduler(&fakeRunner{}, source, time.Hour, zap.NewNop().Sugar())
	ctx := context.Background()

	source.set([]core.Rule{
		scheduleRule("acme", "r1", "0 6 * * *", ""),
		scheduleRule("acme", "r2", "*/5 * * * *", "Europe/Warsaw"),
		scheduleRule("globex", "r1", "0 12 * * *", ""),
	})
	require.NoError(t, s.Reload(ctx))
	assert.Equal(t, 3, s.EntryCount())

	// An unchanged set is a no-op.
	require.NoError(t, s.Reload(ctx))
	assert.Equal(t, 3, s.EntryCount())

	// Dropping a rule removes its entry.
	source.set([]core.Rule{
		scheduleRule("acme", "r1", "0 6 * * *", ""),
	})
	require.NoError(t, s.Reload(ctx))
	assert.Equal(t, 1, s.EntryCount())
}

func TestSchedulerReloadReRegistersOnSpecChange(t *testing.T) {
	source := &fakeRuleSource{}
	s := NewScheduler(&fakeRunner{}, source, time.Hour, zap.NewNop().Sugar())
	ctx := context.Background()

	source.set([]core.Rule{scheduleRule("acme", "r1", "0 6 * * *", "")})
	require.NoError(t, s.Reload(ctx))

	s.mu.Lock()
	firstEntry := s.entries["acme/r1"]
	s.mu.Unlock()

	// Changed cron expression gets a fresh entry.
	source.set([]core.Rule{scheduleRule("acme", "r1", "0 7 * * *", "")})
	require.NoError(t, s.Reload(ctx))
	assert.Equal(t, 1, s.EntryCount())

	s.mu.Lock()
	secondEntry := s.entries["acme/r1"]
	s.mu.Unlock()
	assert.NotEqual(t, firstEntry, secondEntry)

	// A timezone change also re-registers.
	source.set([]core.Rule{scheduleRule("acme", "r1", "0 7 * * *", "Europe/Warsaw")})
	require.NoError(t, s.Reload(ctx))
	s.mu.Lock()
	thirdEntry := s.entries["acme/r1"]
	s.mu.Unlock()
	assert.NotEqual(t, secondEntry, thirdEntry)
}

func TestSchedulerFireDeliversEditedRule(t *testing.T) {
	runner := &fakeRunner{}
	source := &fakeRuleSource{}
	s := NewScheduler(runner, source, time.Hour, zap.NewNop().Sugar())
	ctx := context.Background()

	rule := scheduleRule("acme", "r1", "0 6 * * *", "")
	rule.CooldownSeconds = 60
	source.set([]core.Rule{rule})
	require.NoError(t, s.Reload(ctx))

	// Edits that leave the cron spec untouched must still reach the job.
	edited := rule
	edited.Name = "scheduled r1 edited"
	edited.CooldownSeconds = 300
	source.set([]core.Rule{edited})
	require.NoError(t, s.Reload(ctx))

	s.mu.Lock()
	entryID := s.entries["acme/r1"]
	s.mu.Unlock()
	s.cron.Entry(entryID).Job.Run()

	require.Equal(t, 1, runner.count())
	assert.Equal(t, "scheduled r1 edited", runner.last().Name)
	assert.Equal(t, 300, runner.last().CooldownSeconds)

	// A fire racing an unregistration is dropped, not run with a stale copy.
	job := s.cron.Entry(entryID).Job
	source.set(nil)
	require.NoError(t, s.Reload(ctx))
	job.Run()
	assert.Equal(t, 1, runner.count())
}

func TestSchedulerReloadSkipsBadCron(t *testing.T) {
	source := &fakeRuleSource{}
	s := NewScheduler(&fakeRunner{}, source, time.Hour, zap.NewNop().Sugar())

	source.set([]core.Rule{
		scheduleRule("acme", "good", "0 6 * * *", ""),
		scheduleRule("acme", "bad", "not a cron line", ""),
	})
	require.NoError(t, s.Reload(context.Background()))
	assert.Equal(t, 1, s.EntryCount(), "bad entry skipped, good entry registered")
}

func TestSchedulerStartFailsWhenSourceErrors(t *testing.T) {
	source := &fakeRuleSource{err: fmt.Errorf("database unavailable")}
	s := NewScheduler(&fakeRunner{}, source, time.Hour, zap.NewNop().Sugar())

	err := s.Start(context.Background())
	require.Error(t, err)
	s.Stop() // must not hang after a failed start
}

func TestSchedulerRunsDueRules(t *testing.T) {
	runner := &fakeRunner{}
	source := &fakeRuleSource{}
	// The @every descriptor keeps the test fast.
	source.set([]core.Rule{scheduleRule("acme", "r1", "@every 100ms", "")})

	s := NewScheduler(runner, source, time.Hour, zap.NewNop().Sugar())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool {
		return runner.count() >= 2
	}, 3*time.Second, 20*time.Millisecond)
}

func TestCronSpecPinsTimezone(t *testing.T) {
	rule := scheduleRule("acme", "r1", "0 6 * * *", "Europe/Warsaw")
	assert.Equal(t, "CRON_TZ=Europe/Warsaw 0 6 * * *", cronSpec(&rule))

	rule.Timezone = ""
	assert.Equal(t, "0 6 * * *", cronSpec(&rule))
}
