// Package inmem is an in-memory implementation of the Datastore interface,
// used when no MySQL server is configured. Its records do not survive a
// restart.
package inmem

import (
	"context"
	"sort"
	"sync"

	"github.com/WatchBeam/clock"
	"github.com/fleetdm/devicefarm/server/contexts/ctxerr"
	"github.com/fleetdm/devicefarm/server/fleet"
)

type Datastore struct {
	mtx   sync.RWMutex
	clock clock.Clock

	devices map[string]*fleet.Device
	tasks   map[string]*fleet.Task
}

var _ fleet.Datastore = (*Datastore)(nil)

func New(c clock.Clock) *Datastore {
	return &Datastore{
		clock:   c,
		devices: make(map[string]*fleet.Device),
		tasks:   make(map[string]*fleet.Task),
	}
}

func (d *Datastore) HealthCheck() error {
	return nil
}

func (d *Datastore) UpsertDevice(ctx context.Context, device *fleet.Device) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	stored := device.Copy()
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = d.clock.Now()
	}
	if stored.LastSeenAt.IsZero() {
		stored.LastSeenAt = stored.UpdatedAt
	}
	d.devices[device.ID] = stored
	return nil
}

func (d *Datastore) ResetDevices(ctx context.Context) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	now := d.clock.Now()
	for _, device := range d.devices {
		device.State = fleet.DeviceStateOffline
		device.TaskID = ""
		device.UpdatedAt = now
	}
	return nil
}

func (d *Datastore) ListDevices(ctx context.Context) ([]*fleet.Device, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	devices := make([]*fleet.Device, 0, len(d.devices))
	for _, device := range d.devices {
		devices = append(devices, device.Copy())
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices, nil
}

func (d *Datastore) UpsertTask(ctx context.Context, task *fleet.Task) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	stored := task.Copy()
	if existing, ok := d.tasks[task.ID]; ok {
		// test name and creation time are immutable once recorded
		stored.TestName = existing.TestName
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = d.clock.Now()
	}
	d.tasks[task.ID] = stored
	return nil
}

func (d *Datastore) Task(ctx context.Context, id string) (*fleet.Task, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	task, ok := d.tasks[id]
	if !ok {
		return nil, ctxerr.Wrap(ctx, fleet.NewNotFoundError("task", id), "get task")
	}
	return task.Copy(), nil
}

func (d *Datastore) ListTasks(ctx context.Context, opt fleet.ListOptions) ([]*fleet.Task, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	tasks := make([]*fleet.Task, 0, len(d.tasks))
	for _, task := range d.tasks {
		if opt.State != "" && task.State != opt.State {
			continue
		}
		tasks = append(tasks, task.Copy())
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})

	low, high := getLimitOffsetSliceBounds(opt, len(tasks))
	return tasks[low:high], nil
}

// getLimitOffsetSliceBounds returns the bounds that should be used for
// re-slicing the results to comply with the requested ListOptions.
func getLimitOffsetSliceBounds(opt fleet.ListOptions, length int) (low uint, high uint) {
	if opt.PerPage == 0 {
		// PerPage value of 0 indicates unlimited
		return 0, uint(length)
	}

	offset := opt.Page * opt.PerPage
	max := offset + opt.PerPage
	if offset > uint(length) {
		offset = uint(length)
	}
	if max > uint(length) {
		max = uint(length)
	}
	return offset, max
}
