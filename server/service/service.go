// Package service holds the implementation of the fleet.Service interface
// and the HTTP endpoints of the management API.
package service

import (
	"context"

	"github.com/fleetdm/devicefarm/server/fleet"
	"github.com/go-kit/log"
)

// TaskScheduler is the part of the scheduler the service drives.
type TaskScheduler interface {
	Submit(ctx context.Context, testName string) (*fleet.Task, error)
	RequestStop(ctx context.Context, taskID string) error
	// Running returns a snapshot of the tasks currently pending or running.
	Running() []fleet.Task
}

// DeviceLister returns the live view of the fleet.
type DeviceLister interface {
	List() []fleet.Device
}

// TestCatalog lists the tests that can be submitted.
type TestCatalog interface {
	List(ctx context.Context) ([]string, error)
}

// Service is the struct implementing fleet.Service. Create a new one with NewService.
type Service struct {
	ds        fleet.Datastore
	scheduler TaskScheduler
	devices   DeviceLister
	catalog   TestCatalog
	feed      fleet.StatusFeed
	logsDir   string
	logger    log.Logger
}

// NewService creates a new service from its collaborators. logsDir is the
// directory holding the per-task report logs.
func NewService(
	ds fleet.Datastore,
	scheduler TaskScheduler,
	devices DeviceLister,
	catalog TestCatalog,
	feed fleet.StatusFeed,
	logsDir string,
	logger log.Logger,
) fleet.Service {
	return &Service{
		ds:        ds,
		scheduler: scheduler,
		devices:   devices,
		catalog:   catalog,
		feed:      feed,
		logsDir:   logsDir,
		logger:    logger,
	}
}
