package fleet

import (
	"context"

	"github.com/fleetdm/devicefarm/server/health"
)

// Datastore is the persisted record layer for devices and tasks. State held in
// memory by the fleet manager and the scheduler is authoritative, the
// datastore may lag behind it.
type Datastore interface {
	health.Checker

	///////////////////////////////////////////////////////////////////////////////
	// DeviceStore

	// UpsertDevice inserts the device or updates it if it already exists.
	UpsertDevice(ctx context.Context, device *Device) error
	// ResetDevices marks all persisted devices as offline. It is called at
	// startup, before any device is probed.
	ResetDevices(ctx context.Context) error
	ListDevices(ctx context.Context) ([]*Device, error)

	///////////////////////////////////////////////////////////////////////////////
	// TaskStore

	// UpsertTask inserts the task or updates it if it already exists.
	UpsertTask(ctx context.Context, task *Task) error
	Task(ctx context.Context, id string) (*Task, error)
	// ListTasks returns the tasks ordered by creation time, most recent
	// first.
	ListTasks(ctx context.Context, opt ListOptions) ([]*Task, error)
}
