package devices

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/fleetdm/devicefarm/server/fleet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, probe *fakeProbe, store DeviceStore, opts ...ManagerOption) *Manager {
	t.Helper()
	ports := NewPortAllocator(8100, 3)
	ports.isFree = func(int) bool { return true }
	registry := NewRegistry(clock.NewMockClock())
	m := NewManager(probe, ports, registry, store, WatcherConfig{
		Proxy:    &fakeLauncher{},
		Agent:    &fakeLauncher{},
		Health:   &fakeHealth{healthy: true},
		Interval: 5 * time.Millisecond,
	}, opts...)
	m.persistBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 3)
	}
	return m
}

func TestManagerReconcile(t *testing.T) {
	ctx := context.Background()
	probe := &fakeProbe{names: map[string]string{"d1": "iPhone"}}
	m := newTestManager(t, probe, nil)
	// watchers are driven by hand
	m.runWatcher = func(ctx context.Context, w *Watcher) {}

	probe.set("d1", "d2")
	require.NoError(t, m.Reconcile(ctx))

	d1, ok := m.Registry().Get("d1")
	require.True(t, ok)
	assert.Equal(t, "iPhone", d1.Name)
	assert.Equal(t, fleet.DeviceStatePreparing, d1.State)
	d2, ok := m.Registry().Get("d2")
	require.True(t, ok)
	assert.NotEqual(t, d1.Port, d2.Port)
	require.Len(t, m.watchers, 2)

	// d1 vanishes
	probe.set("d2")
	require.NoError(t, m.Reconcile(ctx))
	assert.True(t, m.watchers["d1"].isSuspended())
	assert.False(t, m.watchers["d2"].isSuspended())
	m.watchers["d1"].step(ctx)
	d1, _ = m.Registry().Get("d1")
	assert.Equal(t, fleet.DeviceStateOffline, d1.State)

	// and comes back with its port
	probe.set("d1", "d2")
	require.NoError(t, m.Reconcile(ctx))
	assert.False(t, m.watchers["d1"].isSuspended())
	require.Len(t, m.watchers, 2)
	again, _ := m.Registry().Get("d1")
	assert.Equal(t, d1.Port, again.Port)
}

func TestManagerProbeFailure(t *testing.T) {
	ctx := context.Background()
	probe := &fakeProbe{}
	m := newTestManager(t, probe, nil)
	m.runWatcher = func(ctx context.Context, w *Watcher) {}

	probe.set("d1")
	require.NoError(t, m.Reconcile(ctx))

	probe.fail(errors.New("usbmuxd not running"))
	require.Error(t, m.Reconcile(ctx))
	// no change: the device is not considered gone
	assert.False(t, m.watchers["d1"].isSuspended())
}

func TestManagerPortExhaustion(t *testing.T) {
	ctx := context.Background()
	probe := &fakeProbe{}
	m := newTestManager(t, probe, nil)
	m.runWatcher = func(ctx context.Context, w *Watcher) {}

	probe.set("d1", "d2", "d3", "d4")
	require.NoError(t, m.Reconcile(ctx))
	// 3 ports in the window, one device is left unmanaged
	require.Len(t, m.watchers, 3)
	require.Len(t, m.Registry().List(), 3)

	// allocation is tried again on every pass, ports are never reclaimed
	require.NoError(t, m.Reconcile(ctx))
	require.Len(t, m.watchers, 3)
}

func TestManagerRunForwardsTransitions(t *testing.T) {
	probe := &fakeProbe{}
	probe.set("d1")
	store := &fakeDeviceStore{}

	var (
		mu    sync.Mutex
		hooks []fleet.DeviceState
	)
	hook := func(d fleet.Device) {
		mu.Lock()
		defer mu.Unlock()
		hooks = append(hooks, d.State)
	}
	m := newTestManager(t, probe, store, WithStatusHook(hook), WithReconcileInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- m.Run(ctx)
	}()

	// Scenario: the device connects and its agent is healthy within the
	// startup timeout.
	require.Eventually(t, func() bool {
		return len(store.states("d1")) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []fleet.DeviceState{fleet.DeviceStatePreparing, fleet.DeviceStateIdle}, store.states("d1"))

	probe.set()
	require.Eventually(t, func() bool {
		states := store.states("d1")
		return states[len(states)-1] == fleet.DeviceStateOffline
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, store.states("d1"), hooks)
}

func TestManagerPersistRetries(t *testing.T) {
	store := &fakeDeviceStore{failN: 2}
	m := newTestManager(t, &fakeProbe{}, store)

	m.persist(context.Background(), fleet.Device{ID: "d1", State: fleet.DeviceStateIdle})
	assert.Equal(t, []fleet.DeviceState{fleet.DeviceStateIdle}, store.states("d1"))

	// retries exhausted, the transition is dropped but the hook still runs
	store.failN = 10
	var called bool
	m.hook = func(fleet.Device) { called = true }
	m.persist(context.Background(), fleet.Device{ID: "d1", State: fleet.DeviceStateOffline})
	assert.Equal(t, []fleet.DeviceState{fleet.DeviceStateIdle}, store.states("d1"))
	assert.True(t, called)
}

func TestManagerNonPositiveInterval(t *testing.T) {
	probe := &fakeProbe{}
	probe.set("d1")
	store := &fakeDeviceStore{}
	m := newTestManager(t, probe, store, WithReconcileInterval(0))
	assert.Equal(t, DefaultReconcileInterval, m.interval)

	m = newTestManager(t, probe, store, WithReconcileInterval(-time.Second))
	assert.Equal(t, DefaultReconcileInterval, m.interval)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- m.Run(ctx)
	}()
	require.Eventually(t, func() bool {
		return len(store.states("d1")) > 0
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not stop")
	}
}
