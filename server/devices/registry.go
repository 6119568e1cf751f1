package devices

import (
	"context"
	"sort"
	"sync"

	"github.com/WatchBeam/clock"
	"github.com/fleetdm/devicefarm/pkg/outbox"
	"github.com/fleetdm/devicefarm/server/contexts/ctxerr"
	"github.com/fleetdm/devicefarm/server/fleet"
)

// Registry holds the state of every device known to the farm. Watchers report
// their health observations to it and the scheduler acquires and releases
// devices through it; each of those is a single atomic read-modify-write of
// one device. Every actual change is pushed to the registry's outbox.
type Registry struct {
	clock  clock.Clock
	outbox *outbox.Outbox[fleet.Device]
	// idle receives a value whenever a device becomes Idle.
	idle chan struct{}

	mu      sync.Mutex
	devices map[string]*entry
}

type entry struct {
	dev fleet.Device
	// observed is the last state reported by the device's watcher, it
	// decides where the device goes when it is released.
	observed fleet.DeviceState
}

// NewRegistry returns an empty registry.
func NewRegistry(c clock.Clock) *Registry {
	return &Registry{
		clock:   c,
		outbox:  outbox.New[fleet.Device](),
		idle:    make(chan struct{}, 1),
		devices: make(map[string]*entry),
	}
}

// Outbox returns the transitions feed of the registry.
func (r *Registry) Outbox() *outbox.Outbox[fleet.Device] {
	return r.outbox
}

// IdleSignal returns a channel receiving a value when some device becomes
// Idle. Signals are coalesced.
func (r *Registry) IdleSignal() <-chan struct{} {
	return r.idle
}

// Register adds a device in the Preparing state. It returns false if the
// device was already known, in which case it is left untouched.
func (r *Registry) Register(id, name string, port int) (fleet.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.devices[id]; ok {
		return e.dev, false
	}
	now := r.clock.Now()
	e := &entry{
		dev: fleet.Device{
			ID:         id,
			Name:       name,
			Port:       port,
			State:      fleet.DeviceStatePreparing,
			LastSeenAt: now,
			UpdatedAt:  now,
		},
		observed: fleet.DeviceStatePreparing,
	}
	r.devices[id] = e
	r.emitLocked(e)
	return e.dev, true
}

// Observe records a watcher observation for the device: Preparing or Idle
// from a health check, Offline when the device is suspended. Offline always
// applies; the other observations never overwrite Occupied. It reports
// whether the device's state changed.
func (r *Registry) Observe(id string, observed fleet.DeviceState) (fleet.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.devices[id]
	if !ok {
		return fleet.Device{}, false
	}
	e.observed = observed

	next := observed
	if observed != fleet.DeviceStateOffline && e.dev.TaskID != "" {
		next = fleet.DeviceStateOccupied
	}
	if next == e.dev.State {
		return e.dev, false
	}
	e.dev.State = next
	e.dev.UpdatedAt = r.clock.Now()
	r.emitLocked(e)
	return e.dev, true
}

// Seen refreshes the last connected timestamp of the device and caches its
// name if it was not known yet.
func (r *Registry) Seen(id, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.devices[id]; ok {
		e.dev.LastSeenAt = r.clock.Now()
		if e.dev.Name == "" && name != "" {
			e.dev.Name = name
		}
	}
}

// Acquire atomically binds an Idle device to the task and marks it Occupied.
// It returns false if no device is Idle. Devices are considered in
// identifier order.
func (r *Registry) Acquire(taskID string) (fleet.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		e := r.devices[id]
		if e.dev.State != fleet.DeviceStateIdle || e.dev.TaskID != "" {
			continue
		}
		e.dev.State = fleet.DeviceStateOccupied
		e.dev.TaskID = taskID
		e.dev.UpdatedAt = r.clock.Now()
		r.emitLocked(e)
		return e.dev, true
	}
	return fleet.Device{}, false
}

// Release unbinds the task from its device. The device returns to the state
// last observed by its watcher: Offline if suspended, Idle if its agent was
// healthy, Preparing otherwise. Release emits exactly one transition, even
// when the device stays Offline.
func (r *Registry) Release(ctx context.Context, id, taskID string) (fleet.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.devices[id]
	if !ok {
		return fleet.Device{}, ctxerr.Wrap(ctx, fleet.NewNotFoundError("device", id), "release device")
	}
	if e.dev.TaskID != taskID {
		return e.dev, ctxerr.Errorf(ctx, "device %s is bound to task %q, not %q", id, e.dev.TaskID, taskID)
	}

	e.dev.TaskID = ""
	switch e.observed {
	case fleet.DeviceStateOffline, fleet.DeviceStateIdle:
		e.dev.State = e.observed
	default:
		e.dev.State = fleet.DeviceStatePreparing
	}
	e.dev.UpdatedAt = r.clock.Now()
	r.emitLocked(e)
	return e.dev, nil
}

// Get returns the device with the given identifier.
func (r *Registry) Get(id string) (fleet.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.devices[id]
	if !ok {
		return fleet.Device{}, false
	}
	return e.dev, true
}

// List returns every known device, sorted by identifier.
func (r *Registry) List() []fleet.Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	devices := make([]fleet.Device, 0, len(r.devices))
	for _, e := range r.devices {
		devices = append(devices, e.dev)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices
}

// CountByState returns the number of devices in each state.
func (r *Registry) CountByState() map[fleet.DeviceState]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[fleet.DeviceState]int, 4)
	for _, e := range r.devices {
		counts[e.dev.State]++
	}
	return counts
}

// emitLocked must be called with r.mu held, so that a device's transitions
// reach the outbox in the order they were applied.
func (r *Registry) emitLocked(e *entry) {
	r.outbox.Push(e.dev)
	if e.dev.State == fleet.DeviceStateIdle {
		select {
		case r.idle <- struct{}{}:
		default:
		}
	}
}
