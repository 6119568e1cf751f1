package fleet

import "context"

// Service is the management surface of the device farm, served over HTTP by
// package service.
type Service interface {
	// SubmitTest queues a new task running the named test. The returned task
	// is pending.
	SubmitTest(ctx context.Context, testName string) (*Task, error)
	// StopTask terminates a pending or running task.
	StopTask(ctx context.Context, id string) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, opt ListOptions) ([]*Task, error)
	// TaskLog returns the report log written so far for the task.
	TaskLog(ctx context.Context, id string) ([]byte, error)

	ListDevices(ctx context.Context) ([]*Device, error)
	ListTests(ctx context.Context) ([]string, error)

	// StatusFeed subscribes to device and task transitions until ctx is done.
	StatusFeed(ctx context.Context) (<-chan interface{}, error)
}
