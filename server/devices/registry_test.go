package devices

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/fleetdm/devicefarm/server/fleet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry(clock.NewMockClock())

	d, created := r.Register("d1", "iPhone", 8100)
	require.True(t, created)
	assert.Equal(t, fleet.DeviceStatePreparing, d.State)
	assert.Equal(t, 8100, d.Port)

	// registering again leaves the device untouched
	r.Observe("d1", fleet.DeviceStateIdle)
	d, created = r.Register("d1", "other", 8200)
	require.False(t, created)
	assert.Equal(t, fleet.DeviceStateIdle, d.State)
	assert.Equal(t, "iPhone", d.Name)

	assert.Equal(t, []fleet.DeviceState{fleet.DeviceStatePreparing, fleet.DeviceStateIdle}, drainStates(r, "d1"))
}

func TestRegistryObserveIdempotent(t *testing.T) {
	r := NewRegistry(clock.NewMockClock())
	r.Register("d1", "", 8100)

	for i := 0; i < 5; i++ {
		r.Observe("d1", fleet.DeviceStateIdle)
	}
	_, changed := r.Observe("d1", fleet.DeviceStateIdle)
	require.False(t, changed)
	assert.Equal(t, []fleet.DeviceState{fleet.DeviceStatePreparing, fleet.DeviceStateIdle}, drainStates(r, "d1"))

	_, changed = r.Observe("unknown", fleet.DeviceStateIdle)
	require.False(t, changed)
}

func TestRegistryOccupiedNotOverwritten(t *testing.T) {
	r := NewRegistry(clock.NewMockClock())
	r.Register("d1", "", 8100)
	r.Observe("d1", fleet.DeviceStateIdle)

	d, ok := r.Acquire("t1")
	require.True(t, ok)
	assert.Equal(t, "d1", d.ID)
	assert.Equal(t, fleet.DeviceStateOccupied, d.State)
	r.Outbox().Drain()

	_, changed := r.Observe("d1", fleet.DeviceStatePreparing)
	require.False(t, changed)
	_, changed = r.Observe("d1", fleet.DeviceStateIdle)
	require.False(t, changed)
	got, _ := r.Get("d1")
	assert.Equal(t, fleet.DeviceStateOccupied, got.State)
	assert.Equal(t, "t1", got.TaskID)

	// Offline wins over Occupied, the task binding is kept.
	got, changed = r.Observe("d1", fleet.DeviceStateOffline)
	require.True(t, changed)
	assert.Equal(t, fleet.DeviceStateOffline, got.State)
	assert.Equal(t, "t1", got.TaskID)

	// coming back while the task still runs restores Occupied
	got, changed = r.Observe("d1", fleet.DeviceStatePreparing)
	require.True(t, changed)
	assert.Equal(t, fleet.DeviceStateOccupied, got.State)

	assert.Equal(t, []fleet.DeviceState{fleet.DeviceStateOffline, fleet.DeviceStateOccupied}, drainStates(r, "d1"))
}

func TestRegistryAcquireSingleAssignment(t *testing.T) {
	r := NewRegistry(clock.NewMockClock())
	r.Register("d1", "", 8100)
	r.Register("d2", "", 8101)
	r.Observe("d1", fleet.DeviceStateIdle)

	_, ok := r.Acquire("t1")
	require.True(t, ok)
	_, ok = r.Acquire("t2")
	require.False(t, ok, "d2 is not idle and d1 is taken")

	// concurrent acquisitions of a single idle device
	r.Observe("d2", fleet.DeviceStateIdle)
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won []string
	)
	for _, id := range []string{"a", "b", "c", "d"} {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := r.Acquire(id); ok {
				mu.Lock()
				won = append(won, id)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, won, 1)
}

func TestRegistryRelease(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name     string
		observed fleet.DeviceState
		want     fleet.DeviceState
	}{
		{"healthy", fleet.DeviceStateIdle, fleet.DeviceStateIdle},
		{"unhealthy", fleet.DeviceStatePreparing, fleet.DeviceStatePreparing},
		{"suspended", fleet.DeviceStateOffline, fleet.DeviceStateOffline},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := NewRegistry(clock.NewMockClock())
			r.Register("d1", "", 8100)
			r.Observe("d1", fleet.DeviceStateIdle)
			_, ok := r.Acquire("t1")
			require.True(t, ok)
			r.Observe("d1", c.observed)
			r.Outbox().Drain()

			_, err := r.Release(ctx, "d1", "other")
			require.Error(t, err)

			d, err := r.Release(ctx, "d1", "t1")
			require.NoError(t, err)
			assert.Equal(t, c.want, d.State)
			assert.Empty(t, d.TaskID)

			// exactly one transition per release
			assert.Len(t, drainStates(r, "d1"), 1)
		})
	}

	r := NewRegistry(clock.NewMockClock())
	_, err := r.Release(ctx, "nope", "t1")
	require.ErrorIs(t, err, fleet.ErrDeviceNotFound)
}

func TestRegistryIdleSignal(t *testing.T) {
	r := NewRegistry(clock.NewMockClock())
	r.Register("d1", "", 8100)

	select {
	case <-r.IdleSignal():
		t.Fatal("unexpected idle signal")
	default:
	}

	r.Observe("d1", fleet.DeviceStateIdle)
	select {
	case <-r.IdleSignal():
	default:
		t.Fatal("expected idle signal")
	}
}

func TestRegistrySeen(t *testing.T) {
	c := clock.NewMockClock()
	r := NewRegistry(c)
	r.Register("d1", "", 8100)

	c.AddTime(5 * time.Minute)
	r.Seen("d1", "iPad")
	r.Seen("d1", "renamed")
	d, _ := r.Get("d1")
	assert.Equal(t, "iPad", d.Name)
	assert.Equal(t, c.Now(), d.LastSeenAt)

	// no transition for a refresh
	assert.Len(t, drainStates(r, "d1"), 1)

	counts := r.CountByState()
	assert.Equal(t, 1, counts[fleet.DeviceStatePreparing])
	assert.Len(t, r.List(), 1)
}
