package fleet

import "context"

// StatusKind identifies what a StatusEvent describes.
type StatusKind string

const (
	StatusKindDevice StatusKind = "device"
	StatusKindTask   StatusKind = "task"
)

// StatusEvent is one device or task transition as published on the status
// feed. Exactly one of Device and Task is set.
type StatusEvent struct {
	Kind   StatusKind `json:"kind"`
	Device *Device    `json:"device,omitempty"`
	Task   *Task      `json:"task,omitempty"`
}

// DeviceStatusEvent returns the event for a device transition.
func DeviceStatusEvent(d Device) StatusEvent {
	return StatusEvent{Kind: StatusKindDevice, Device: &d}
}

// TaskStatusEvent returns the event for a task transition.
func TaskStatusEvent(t Task) StatusEvent {
	return StatusEvent{Kind: StatusKindTask, Task: t.Copy()}
}

// StatusFeed fans device and task transitions out to live subscribers.
type StatusFeed interface {
	// Publish sends the event to the current subscribers. Events published
	// while nobody listens are dropped.
	Publish(ctx context.Context, event StatusEvent) error
	// ReadChannel returns a channel of StatusEvent values (or an error, after
	// which the channel is closed) that is closed when ctx is done.
	ReadChannel(ctx context.Context) (<-chan interface{}, error)
}
