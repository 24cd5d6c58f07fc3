package sensor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/sweeney/filament-sensor/internal/gpio"
	"github.com/sweeney/filament-sensor/internal/jobctl"
	"github.com/sweeney/filament-sensor/internal/logic"
	"github.com/sweeney/filament-sensor/internal/presence"
)

const (
	testPin = 17

	present = 0
	absent  = 1
)

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

// at returns t0 plus n debounce-clearing steps.
func at(n int) time.Time {
	return t0.Add(time.Duration(n) * time.Second)
}

type published struct {
	event   string
	payload map[string]any
}

type recorder struct {
	mu     sync.Mutex
	events []published
}

func (r *recorder) Publish(event string, payload map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, published{event, payload})
	return nil
}

func (r *recorder) named(event string) []published {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []published
	for _, e := range r.events {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	m   *Monitor
	dev *gpio.FakeDevice
	ctl *jobctl.Fake
	rec *recorder
}

func newFixture(t *testing.T, mutate func(*Config), opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		dev: gpio.NewFakeDevice(),
		ctl: jobctl.NewFake(),
		rec: &recorder{},
	}
	opts = append([]Option{
		WithNotifier(f.rec),
		WithSettle(func(time.Duration) {}),
		WithClock(func() time.Time { return t0 }),
	}, opts...)
	f.m = New(presence.NewReader(f.dev), f.ctl, opts...)

	cfg := DefaultConfig()
	cfg.Pin = testPin
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, f.m.Reconfigure(cfg))
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.m.HandleJobEvent(context.Background(), jobctl.EventStarted))
	require.True(t, f.m.Snapshot().Armed)
}

func TestNewMonitorIsDisabled(t *testing.T) {
	m := New(presence.NewReader(gpio.NewFakeDevice()), jobctl.NewFake())

	assert.Equal(t, logic.StateDisabled, m.Status())
	assert.Equal(t, logic.StateUnknown, m.Snapshot().State)
	require.NoError(t, m.Arm())
	assert.False(t, m.Snapshot().Armed)
}

func TestArmSeedsWithoutAction(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	info := f.m.Snapshot()
	assert.Equal(t, logic.StatePresent, info.State)
	assert.False(t, info.Notified)
	assert.True(t, f.dev.Watching(testPin))
	assert.Empty(t, f.ctl.Calls())
}

func TestRunoutPausesOncePerEpisode(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.dev.Trigger(testPin, absent, at(1))
	assert.Equal(t, []string{jobctl.OpPause}, f.ctl.Ops())
	assert.True(t, f.m.Snapshot().Notified)

	// Further readings in the same episode do nothing.
	for i := 2; i < 6; i++ {
		f.m.PollOnce(at(i))
	}
	assert.Equal(t, 1, f.ctl.Count(jobctl.OpPause))

	// Reload starts a new episode.
	f.dev.Trigger(testPin, present, at(6))
	assert.False(t, f.m.Snapshot().Notified)
	f.dev.Trigger(testPin, absent, at(7))
	assert.Equal(t, 2, f.ctl.Count(jobctl.OpPause))
}

func TestRepeatPolicyFiresOnEveryReading(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Resend = logic.ResendRepeat })
	f.start(t)

	f.dev.Trigger(testPin, absent, at(1))
	f.m.PollOnce(at(2))
	f.m.PollOnce(at(3))

	assert.Equal(t, 3, f.ctl.Count(jobctl.OpPause))
	assert.False(t, f.m.Snapshot().Notified)
	assert.Len(t, f.rec.named(EventRunout), 3)
}

func TestDebounceSuppressesBurst(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	// Ten bounces 20ms apart, settling absent.
	for i := 0; i < 10; i++ {
		level := absent
		if i%2 == 1 {
			level = present
		}
		f.dev.Trigger(testPin, level, t0.Add(time.Duration(i)*20*time.Millisecond))
	}
	f.dev.SetLevel(testPin, absent)

	info := f.m.Snapshot()
	assert.Equal(t, 1, info.Edges)
	assert.Equal(t, 9, info.Bounced)
	assert.Equal(t, 1, f.ctl.Count(jobctl.OpPause))
}

func TestSettleBackToPresentIsSpurious(t *testing.T) {
	var dev *gpio.FakeDevice
	f := newFixture(t, nil, WithSettle(func(time.Duration) {
		// The blip is over by the time the line is re-read.
		dev.SetLevel(testPin, present)
	}))
	dev = f.dev
	f.start(t)

	f.dev.Trigger(testPin, absent, at(1))

	info := f.m.Snapshot()
	assert.Equal(t, 1, info.Edges)
	assert.Equal(t, 1, info.Spurious)
	assert.Equal(t, 0, f.ctl.Count(jobctl.OpPause))
	assert.Equal(t, logic.StatePresent, info.State)
}

func TestSettleActsOnFinalLevel(t *testing.T) {
	var dev *gpio.FakeDevice
	f := newFixture(t, nil, WithSettle(func(time.Duration) {
		dev.SetLevel(testPin, absent)
	}))
	dev = f.dev
	f.start(t)

	// The edge reports present but the line settles absent.
	f.dev.Trigger(testPin, present, at(1))

	assert.Equal(t, 1, f.ctl.Count(jobctl.OpPause))
	assert.Equal(t, logic.StateAbsent, f.m.Snapshot().State)
	assert.True(t, f.m.Snapshot().Notified)
}

func TestEdgeFromPreviousSubscriptionDropped(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	old := f.dev.Handler(testPin)
	require.NotNil(t, old)

	// Re-arm replaces the subscription.
	require.NoError(t, f.m.Arm())
	f.dev.SetLevel(testPin, absent)
	old(absent, at(1))

	info := f.m.Snapshot()
	assert.Equal(t, 1, info.Stale)
	assert.Equal(t, 0, info.Edges)
	assert.Empty(t, f.ctl.Calls())

	f.dev.Emit(testPin, absent, at(2))
	assert.Equal(t, 1, f.ctl.Count(jobctl.OpPause))
}

func TestSpuriousEdgeRejected(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	// Redelivered interrupt with the line still at its seeded level.
	f.dev.Emit(testPin, present, at(1))
	f.dev.Emit(testPin, present, at(2))

	assert.Equal(t, 2, f.m.Snapshot().Spurious)
	assert.Empty(t, f.ctl.Calls())
}

func TestEdgeWhileDisarmedIgnored(t *testing.T) {
	f := newFixture(t, nil)

	f.m.OnEdge(absent, at(1))
	assert.Equal(t, 0, f.m.Snapshot().Edges)
	assert.Empty(t, f.ctl.Calls())
}

func TestDisarmCancelsPendingDecision(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	f := newFixture(t, nil, WithSettle(func(time.Duration) {
		close(entered)
		<-release
	}))
	f.start(t)

	done := make(chan struct{})
	go func() {
		f.dev.Trigger(testPin, absent, at(1))
		close(done)
	}()

	<-entered
	require.NoError(t, f.m.Disarm())
	close(release)
	<-done

	assert.Empty(t, f.ctl.Calls())
	assert.Equal(t, 1, f.m.Snapshot().Stale)
}

func TestRearmDuringSettleIsStale(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f := newFixture(t, nil, WithSettle(func(time.Duration) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}))
	f.start(t)

	done := make(chan struct{})
	go func() {
		f.dev.Trigger(testPin, absent, at(1))
		close(done)
	}()

	<-entered
	require.NoError(t, f.m.Arm())
	close(release)
	<-done

	assert.Empty(t, f.ctl.Calls())
	assert.True(t, f.m.Snapshot().Armed)
}

func TestRecoveryGcodeRendered(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.PauseOnAbsent = false
		c.RecoveryGcode = []string{"M117 Runout on pin {{ pin }}", "{% if pause %}M25{% endif %}", "M600"}
	})
	f.start(t)

	f.dev.Trigger(testPin, absent, at(1))

	calls := f.ctl.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, jobctl.OpCommands, calls[0].Op)
	assert.Equal(t, []string{"M117 Runout on pin 17", "M600"}, calls[0].Commands)
}

func TestFailedActionLeavesEpisodeOpen(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	f.ctl.PauseError = errors.New("printer busy")

	f.dev.Trigger(testPin, absent, at(1))
	info := f.m.Snapshot()
	assert.False(t, info.Notified)
	assert.Contains(t, info.LastError, "printer busy")

	runouts := f.rec.named(EventRunout)
	require.Len(t, runouts, 1)
	assert.Contains(t, runouts[0].payload["error"], "printer busy")

	// The next reading fires again and, once it succeeds, closes the episode.
	f.ctl.PauseError = nil
	f.m.PollOnce(at(2))
	assert.True(t, f.m.Snapshot().Notified)
	f.m.PollOnce(at(3))
	assert.Equal(t, 2, f.ctl.Count(jobctl.OpPause))
}

func TestFailedPauseStillSendsGcode(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.RecoveryGcode = []string{"M300"} })
	f.start(t)
	f.ctl.PauseError = errors.New("timeout")

	f.dev.Trigger(testPin, absent, at(1))
	assert.Equal(t, []string{jobctl.OpPause, jobctl.OpCommands}, f.ctl.Ops())
	assert.False(t, f.m.Snapshot().Notified)
}

func TestRunoutNotificationsShareEpisode(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.dev.Trigger(testPin, absent, at(1))
	f.dev.Trigger(testPin, present, at(2))

	runouts := f.rec.named(EventRunout)
	loaded := f.rec.named(EventLoaded)
	require.Len(t, runouts, 1)
	require.Len(t, loaded, 1)

	episode, ok := runouts[0].payload["episode"].(string)
	require.True(t, ok)
	_, err := uuid.Parse(episode)
	assert.NoError(t, err)
	assert.Equal(t, episode, loaded[0].payload["episode"])
	assert.Equal(t, []string{string(logic.ActionPause)}, runouts[0].payload["actions"])
	assert.Empty(t, f.m.Snapshot().Episode)
}

// blockingCtl holds PausePrint until released.
type blockingCtl struct {
	*jobctl.Fake
	entered chan struct{}
	release chan struct{}
}

func (b *blockingCtl) PausePrint(ctx context.Context) error {
	close(b.entered)
	<-b.release
	return b.Fake.PausePrint(ctx)
}

func TestStatusIndependentOfMonitorLock(t *testing.T) {
	dev := gpio.NewFakeDevice()
	ctl := &blockingCtl{Fake: jobctl.NewFake(), entered: make(chan struct{}), release: make(chan struct{})}
	m := New(presence.NewReader(dev), ctl, WithSettle(func(time.Duration) {}))
	cfg := DefaultConfig()
	cfg.Pin = testPin
	require.NoError(t, m.Reconfigure(cfg))
	require.NoError(t, m.HandleJobEvent(context.Background(), jobctl.EventStarted))

	done := make(chan struct{})
	go func() {
		dev.Trigger(testPin, absent, at(1))
		close(done)
	}()
	<-ctl.entered

	// The monitor lock is held while the pause runs.
	got := make(chan logic.State, 1)
	go func() { got <- m.Status() }()
	select {
	case s := <-got:
		assert.Equal(t, logic.StateAbsent, s)
	case <-time.After(time.Second):
		t.Fatal("Status blocked on the monitor")
	}
	assert.False(t, m.Snapshot().Notified)

	close(ctl.release)
	<-done
	assert.True(t, m.Snapshot().Notified)
}

func TestStatusReadsDoNotAct(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	f.dev.SetLevel(testPin, absent)

	for i := 0; i < 20; i++ {
		assert.Equal(t, logic.StateAbsent, f.m.Status())
	}
	assert.Empty(t, f.ctl.Calls())
	assert.False(t, f.m.Snapshot().Notified)
}

func TestDisabledPin(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Pin = gpio.DisabledPin })

	assert.Equal(t, logic.StateDisabled, f.m.Status())
	require.NoError(t, f.m.HandleJobEvent(context.Background(), jobctl.EventStarted))
	assert.False(t, f.m.Snapshot().Armed)
	assert.Equal(t, 0, f.dev.WatchCalls)
}

func TestUnavailableLineDisables(t *testing.T) {
	f := newFixture(t, nil)
	f.dev.ConfigureError = gpio.ErrUnavailable

	cfg := DefaultConfig()
	cfg.Pin = 4
	err := f.m.Reconfigure(cfg)
	require.ErrorIs(t, err, presence.ErrSensorUnavailable)
	assert.Equal(t, logic.StateDisabled, f.m.Status())
	assert.True(t, f.m.Snapshot().Disabled)
	assert.Len(t, f.rec.named(EventSensorError), 1)

	// Arm is a no-op while disabled.
	require.NoError(t, f.m.HandleJobEvent(context.Background(), jobctl.EventStarted))
	assert.False(t, f.m.Snapshot().Armed)

	// A successful reconfigure re-enables and arms the running job.
	f.dev.ConfigureError = nil
	require.NoError(t, f.m.Reconfigure(cfg))
	info := f.m.Snapshot()
	assert.False(t, info.Disabled)
	assert.True(t, info.Armed)
	assert.Empty(t, info.LastError)
}

func TestWatchFailureDisables(t *testing.T) {
	f := newFixture(t, nil)
	f.dev.WatchError = errors.New("EBUSY")

	err := f.m.HandleJobEvent(context.Background(), jobctl.EventStarted)
	assert.ErrorIs(t, err, presence.ErrSensorUnavailable)
	assert.Equal(t, logic.StateDisabled, f.m.Status())
}

func TestReconfigureRejectsBadTemplate(t *testing.T) {
	f := newFixture(t, nil)

	cfg := DefaultConfig()
	cfg.Pin = testPin
	cfg.Debounce = time.Second
	cfg.RecoveryGcode = []string{"{% if %}"}
	require.Error(t, f.m.Reconfigure(cfg))

	assert.Equal(t, 250*time.Millisecond, f.m.Snapshot().Config.Debounce)
}

func TestReconfigureRearmsActiveJob(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	cfg := f.m.Snapshot().Config
	cfg.Debounce = 50 * time.Millisecond
	require.NoError(t, f.m.Reconfigure(cfg))

	info := f.m.Snapshot()
	assert.True(t, info.Armed)
	assert.Equal(t, 50*time.Millisecond, info.Config.Debounce)
	assert.Equal(t, 2, f.dev.WatchCalls)
}

func TestReconfigureIdleStaysDisarmed(t *testing.T) {
	f := newFixture(t, nil)

	cfg := f.m.Snapshot().Config
	cfg.Resend = logic.ResendRepeat
	require.NoError(t, f.m.Reconfigure(cfg))
	assert.False(t, f.m.Snapshot().Armed)
	assert.Equal(t, 0, f.dev.WatchCalls)
}

func TestPollingFallback(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.PollInterval = 5 * time.Millisecond },
		WithClock(time.Now))
	f.dev.NoEdges = true
	f.start(t)
	assert.True(t, f.m.Snapshot().Polling)

	f.dev.SetLevel(testPin, absent)
	require.Eventually(t, func() bool { return f.ctl.Count(jobctl.OpPause) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.m.HandleJobEvent(context.Background(), jobctl.EventDone))
	info := f.m.Snapshot()
	assert.False(t, info.Polling)
	assert.False(t, info.Armed)
}

func TestEndToEnd(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Debounce = 250 * time.Millisecond
		c.Resend = logic.ResendOnce
		c.PauseOnAbsent = true
		c.RecoveryGcode = []string{"G1"}
	})
	ctx := context.Background()

	require.NoError(t, f.m.HandleJobEvent(ctx, jobctl.EventStarted))
	assert.True(t, f.m.Snapshot().Armed)
	assert.Empty(t, f.ctl.Calls())

	f.dev.Trigger(testPin, absent, at(1))
	assert.Equal(t, []jobctl.Call{
		{Op: jobctl.OpPause},
		{Op: jobctl.OpCommands, Commands: []string{"G1"}},
	}, f.ctl.Calls())
	assert.True(t, f.m.Snapshot().Notified)

	f.dev.Trigger(testPin, present, at(2))
	assert.Len(t, f.ctl.Calls(), 2)
	assert.False(t, f.m.Snapshot().Notified)

	require.NoError(t, f.m.HandleJobEvent(ctx, jobctl.EventDone))
	assert.False(t, f.m.Snapshot().Armed)
	assert.False(t, f.dev.Watching(testPin))
}

func TestConcurrentEdgesAndLifecycle(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MonitorWhilePaused = false })
	f.start(t)
	ctx := context.Background()

	var g errgroup.Group
	g.Go(func() error {
		for i := 1; i <= 200; i++ {
			level := present
			if i%3 == 0 {
				level = absent
			}
			f.dev.Trigger(testPin, level, at(i))
			f.m.PollOnce(at(i))
		}
		return nil
	})
	g.Go(func() error {
		for i := 0; i < 50; i++ {
			if err := f.m.HandleJobEvent(ctx, jobctl.EventPaused); err != nil {
				return err
			}
			if err := f.m.HandleJobEvent(ctx, jobctl.EventResumed); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, g.Wait())

	info := f.m.Snapshot()
	if info.Notified {
		assert.Equal(t, logic.StateAbsent, info.State)
	}

	require.NoError(t, f.m.HandleJobEvent(ctx, jobctl.EventCancelled))
	assert.False(t, f.m.Snapshot().Armed)
	assert.False(t, f.dev.Watching(testPin))
}

func TestTransitionLogUsesRawLevelField(t *testing.T) {
	hook := logtest.NewGlobal()
	t.Cleanup(func() { log.StandardLogger().ReplaceHooks(make(log.LevelHooks)) })

	f := newFixture(t, nil)
	f.start(t)
	f.dev.Trigger(testPin, absent, at(1))

	var found bool
	for _, e := range hook.AllEntries() {
		if e.Message != "sensor: filament ABSENT" {
			continue
		}
		found = true
		assert.Equal(t, absent, e.Data["raw_level"])
		_, clash := e.Data["level"]
		assert.False(t, clash, "level is reserved by logrus")
	}
	assert.True(t, found, "no transition log entry")
}
