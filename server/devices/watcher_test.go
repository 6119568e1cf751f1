package devices

import (
	"context"
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/fleetdm/devicefarm/server/fleet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type watcherFixture struct {
	clock    *clock.MockClock
	registry *Registry
	agent    *fakeLauncher
	proxy    *fakeLauncher
	health   *fakeHealth
	watcher  *Watcher
}

func newWatcherFixture(t *testing.T, healthy bool) *watcherFixture {
	t.Helper()
	f := &watcherFixture{
		clock:  clock.NewMockClock(),
		agent:  &fakeLauncher{},
		proxy:  &fakeLauncher{},
		health: &fakeHealth{healthy: healthy},
	}
	f.registry = NewRegistry(f.clock)
	f.registry.Register("d1", "iPhone", 8100)
	f.watcher = NewWatcher("d1", 8100, f.registry, WatcherConfig{
		Proxy:          f.proxy,
		Agent:          f.agent,
		Health:         f.health,
		Clock:          f.clock,
		Interval:       time.Second,
		StartupTimeout: 30 * time.Second,
	})
	return f
}

func (f *watcherFixture) state(t *testing.T) fleet.DeviceState {
	d, ok := f.registry.Get("d1")
	require.True(t, ok)
	return d.State
}

func TestWatcherHealthyDevice(t *testing.T) {
	ctx := context.Background()
	f := newWatcherFixture(t, true)

	f.watcher.step(ctx)
	assert.Equal(t, fleet.DeviceStateIdle, f.state(t))
	assert.Equal(t, 1, f.proxy.started())
	assert.Equal(t, 1, f.agent.started())

	// further healthy cycles are not transitions
	for i := 0; i < 3; i++ {
		f.clock.AddTime(time.Second)
		f.watcher.step(ctx)
	}
	assert.Equal(t, []fleet.DeviceState{fleet.DeviceStatePreparing, fleet.DeviceStateIdle}, drainStates(f.registry, "d1"))
	assert.Equal(t, 1, f.agent.started())
}

func TestWatcherIdleToPreparing(t *testing.T) {
	ctx := context.Background()
	f := newWatcherFixture(t, true)
	f.watcher.step(ctx)
	require.Equal(t, fleet.DeviceStateIdle, f.state(t))

	f.health.set(false)
	f.clock.AddTime(time.Second)
	f.watcher.step(ctx)
	assert.Equal(t, fleet.DeviceStatePreparing, f.state(t))

	// the agent was healthy a moment ago, it is not restarted yet
	f.clock.AddTime(20 * time.Second)
	f.watcher.step(ctx)
	assert.Equal(t, 0, f.agent.terminated())

	f.health.set(true)
	f.clock.AddTime(time.Second)
	f.watcher.step(ctx)
	assert.Equal(t, fleet.DeviceStateIdle, f.state(t))
	assert.Equal(t, []fleet.DeviceState{
		fleet.DeviceStatePreparing, fleet.DeviceStateIdle, fleet.DeviceStatePreparing, fleet.DeviceStateIdle,
	}, drainStates(f.registry, "d1"))
}

func TestWatcherRestartsOncePerTimeout(t *testing.T) {
	ctx := context.Background()
	f := newWatcherFixture(t, false)

	f.watcher.step(ctx)
	require.Equal(t, 1, f.agent.started())

	// poll every second for 95 seconds, the agent never gets healthy
	for i := 0; i < 95; i++ {
		f.clock.AddTime(time.Second)
		f.watcher.step(ctx)
	}

	// the agent is restarted after each 30s window, plus the cycle it takes
	// to start it again: at 31s, 63s and 95s.
	assert.Equal(t, 3, f.agent.terminated())
	assert.Equal(t, 3, f.agent.started())
	assert.Equal(t, 1, f.proxy.started())
	assert.Equal(t, 0, f.proxy.terminated())
	assert.Equal(t, fleet.DeviceStatePreparing, f.state(t))
	assert.Equal(t, []fleet.DeviceState{fleet.DeviceStatePreparing}, drainStates(f.registry, "d1"))
}

func TestWatcherOfflineAndBack(t *testing.T) {
	ctx := context.Background()
	f := newWatcherFixture(t, true)
	f.watcher.step(ctx)
	f.registry.Outbox().Drain()

	f.watcher.SetOffline()
	f.watcher.step(ctx)
	assert.Equal(t, fleet.DeviceStateOffline, f.state(t))
	assert.Equal(t, 1, f.agent.terminated())
	assert.Equal(t, 1, f.proxy.terminated())

	// staying offline is not a transition and starts nothing
	f.watcher.step(ctx)
	assert.Equal(t, []fleet.DeviceState{fleet.DeviceStateOffline}, drainStates(f.registry, "d1"))
	assert.Equal(t, 1, f.agent.started())

	f.watcher.SetOnline()
	f.watcher.step(ctx)
	assert.Equal(t, fleet.DeviceStateIdle, f.state(t))
	assert.Equal(t, 2, f.agent.started())
	assert.Equal(t, 2, f.proxy.started())
	assert.Equal(t, []fleet.DeviceState{fleet.DeviceStatePreparing, fleet.DeviceStateIdle}, drainStates(f.registry, "d1"))
}

func TestWatcherStopsWithGrace(t *testing.T) {
	ctx := context.Background()
	c := clock.NewMockClock()
	agent := &fakeLauncher{graceful: true}
	proxy := &fakeLauncher{graceful: true}
	health := &fakeHealth{}
	registry := NewRegistry(c)
	registry.Register("d1", "iPhone", 8100)
	w := NewWatcher("d1", 8100, registry, WatcherConfig{
		Proxy:          proxy,
		Agent:          agent,
		Health:         health,
		Clock:          c,
		Interval:       time.Second,
		StartupTimeout: 30 * time.Second,
		StopGrace:      2 * time.Second,
	})

	// an agent that never gets healthy is stopped with the grace period
	w.step(ctx)
	for i := 0; i < 31; i++ {
		c.AddTime(time.Second)
		w.step(ctx)
	}
	require.Equal(t, 1, agent.terminated())
	assert.Equal(t, []time.Duration{2 * time.Second}, agent.stopGraces())
	assert.Empty(t, proxy.stopGraces())

	c.AddTime(time.Second)
	w.step(ctx)
	require.Equal(t, 2, agent.started())

	w.SetOffline()
	w.step(ctx)
	d, ok := registry.Get("d1")
	require.True(t, ok)
	assert.Equal(t, fleet.DeviceStateOffline, d.State)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, agent.stopGraces())
	assert.Equal(t, []time.Duration{2 * time.Second}, proxy.stopGraces())
}

func TestWatcherDefaultStopGrace(t *testing.T) {
	w := NewWatcher("d1", 8100, NewRegistry(clock.NewMockClock()), WatcherConfig{StopGrace: -time.Second})
	assert.Equal(t, DefaultStopGrace, w.stopGrace)
}

func TestWatcherKeepsOccupied(t *testing.T) {
	ctx := context.Background()
	f := newWatcherFixture(t, true)
	f.watcher.step(ctx)

	_, ok := f.registry.Acquire("t1")
	require.True(t, ok)
	f.registry.Outbox().Drain()

	f.health.set(false)
	f.watcher.step(ctx)
	f.health.set(true)
	f.watcher.step(ctx)
	assert.Equal(t, fleet.DeviceStateOccupied, f.state(t))
	assert.Empty(t, drainStates(f.registry, "d1"))

	// device disconnects while the task runs
	f.watcher.SetOffline()
	f.watcher.step(ctx)
	assert.Equal(t, fleet.DeviceStateOffline, f.state(t))

	d, err := f.registry.Release(ctx, "d1", "t1")
	require.NoError(t, err)
	assert.Equal(t, fleet.DeviceStateOffline, d.State)
}

func TestWatcherStartFailures(t *testing.T) {
	ctx := context.Background()
	f := newWatcherFixture(t, false)
	f.agent.err = assert.AnError

	f.watcher.step(ctx)
	assert.Equal(t, fleet.DeviceStatePreparing, f.state(t))

	// the start is tried again on the next cycle
	f.agent.err = nil
	f.clock.AddTime(time.Second)
	f.watcher.step(ctx)
	assert.Equal(t, 1, f.agent.started())
}

type panicHealth struct{}

func (panicHealth) CheckAgent(ctx context.Context, port int) error {
	panic("boom")
}

func TestWatcherRecoversPanic(t *testing.T) {
	f := newWatcherFixture(t, true)
	f.watcher.health = panicHealth{}

	require.NotPanics(t, func() {
		f.watcher.step(context.Background())
	})
	assert.Equal(t, fleet.DeviceStatePreparing, f.state(t))
}

func TestWatcherRun(t *testing.T) {
	f := newWatcherFixture(t, true)
	f.watcher.interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.watcher.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return f.state(t) == fleet.DeviceStateIdle
	}, time.Second, 5*time.Millisecond)

	f.watcher.SetOffline()
	require.Eventually(t, func() bool {
		return f.state(t) == fleet.DeviceStateOffline
	}, time.Second, 5*time.Millisecond)

	f.watcher.SetOnline()
	require.Eventually(t, func() bool {
		return f.state(t) == fleet.DeviceStateIdle
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
	// every started process was stopped
	assert.Equal(t, f.agent.started(), f.agent.terminated())
	assert.Equal(t, f.proxy.started(), f.proxy.terminated())
}
