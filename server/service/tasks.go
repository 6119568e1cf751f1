package service

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"github.com/fleetdm/devicefarm/server/contexts/ctxerr"
	"github.com/fleetdm/devicefarm/server/fleet"
	"github.com/fleetdm/devicefarm/server/tasks"
)

func (svc *Service) SubmitTest(ctx context.Context, testName string) (*fleet.Task, error) {
	if testName == "" {
		return nil, ctxerr.Wrap(ctx, badRequest("missing test name"), "submit test")
	}
	return svc.scheduler.Submit(ctx, testName)
}

func (svc *Service) StopTask(ctx context.Context, id string) error {
	return svc.scheduler.RequestStop(ctx, id)
}

// GetTask prefers the scheduler's live view, the store may lag behind it.
func (svc *Service) GetTask(ctx context.Context, id string) (*fleet.Task, error) {
	for _, t := range svc.scheduler.Running() {
		if t.ID == id {
			return t.Copy(), nil
		}
	}
	return svc.ds.Task(ctx, id)
}

func (svc *Service) ListTasks(ctx context.Context, opt fleet.ListOptions) ([]*fleet.Task, error) {
	return svc.ds.ListTasks(ctx, opt)
}

func (svc *Service) TaskLog(ctx context.Context, id string) ([]byte, error) {
	if _, err := svc.GetTask(ctx, id); err != nil {
		return nil, err
	}

	b, err := os.ReadFile(tasks.LogPath(svc.logsDir, id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// not started yet
			return []byte{}, nil
		}
		return nil, ctxerr.Wrap(ctx, err, "read task log")
	}
	return b, nil
}

func (svc *Service) StatusFeed(ctx context.Context) (<-chan interface{}, error) {
	return svc.feed.ReadChannel(ctx)
}
