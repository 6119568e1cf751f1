package service

import (
	"context"
	"errors"
	"time"

	"github.com/fleetdm/devicefarm/server/fleet"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// logging middleware logs the service actions
type loggingMiddleware struct {
	fleet.Service
	logger log.Logger
}

// NewLoggingService takes an existing service and adds a logging wrapper
func NewLoggingService(svc fleet.Service, logger log.Logger) fleet.Service {
	return loggingMiddleware{Service: svc, logger: logger}
}

// loggerDebug returns the info level if the error is non-nil, otherwise
// defaulting to the debug level.
func (mw loggingMiddleware) loggerDebug(err error) log.Logger {
	logger := mw.withInternal(err)
	if err != nil {
		return level.Info(logger)
	}
	return level.Debug(logger)
}

// loggerInfo returns the info level
func (mw loggingMiddleware) loggerInfo(err error) log.Logger {
	return level.Info(mw.withInternal(err))
}

func (mw loggingMiddleware) withInternal(err error) log.Logger {
	var bre *fleet.BadRequestError
	if errors.As(err, &bre) && bre.Internal() != "" {
		return log.With(mw.logger, "internal", bre.Internal())
	}
	return mw.logger
}

func (mw loggingMiddleware) SubmitTest(ctx context.Context, testName string) (task *fleet.Task, err error) {
	defer func(begin time.Time) {
		taskID := ""
		if task != nil {
			taskID = task.ID
		}
		mw.loggerInfo(err).Log(
			"method", "SubmitTest",
			"test", testName,
			"task", taskID,
			"err", err,
			"took", time.Since(begin),
		)
	}(time.Now())
	task, err = mw.Service.SubmitTest(ctx, testName)
	return task, err
}

func (mw loggingMiddleware) StopTask(ctx context.Context, id string) (err error) {
	defer func(begin time.Time) {
		mw.loggerInfo(err).Log(
			"method", "StopTask",
			"task", id,
			"err", err,
			"took", time.Since(begin),
		)
	}(time.Now())
	err = mw.Service.StopTask(ctx, id)
	return err
}

func (mw loggingMiddleware) GetTask(ctx context.Context, id string) (task *fleet.Task, err error) {
	defer func(begin time.Time) {
		mw.loggerDebug(err).Log(
			"method", "GetTask",
			"task", id,
			"err", err,
			"took", time.Since(begin),
		)
	}(time.Now())
	task, err = mw.Service.GetTask(ctx, id)
	return task, err
}

func (mw loggingMiddleware) ListTasks(ctx context.Context, opt fleet.ListOptions) (tasks []*fleet.Task, err error) {
	defer func(begin time.Time) {
		mw.loggerDebug(err).Log(
			"method", "ListTasks",
			"err", err,
			"took", time.Since(begin),
		)
	}(time.Now())
	tasks, err = mw.Service.ListTasks(ctx, opt)
	return tasks, err
}

func (mw loggingMiddleware) TaskLog(ctx context.Context, id string) (b []byte, err error) {
	defer func(begin time.Time) {
		mw.loggerDebug(err).Log(
			"method", "TaskLog",
			"task", id,
			"err", err,
			"took", time.Since(begin),
		)
	}(time.Now())
	b, err = mw.Service.TaskLog(ctx, id)
	return b, err
}

func (mw loggingMiddleware) ListDevices(ctx context.Context) (devices []*fleet.Device, err error) {
	defer func(begin time.Time) {
		mw.loggerDebug(err).Log(
			"method", "ListDevices",
			"err", err,
			"took", time.Since(begin),
		)
	}(time.Now())
	devices, err = mw.Service.ListDevices(ctx)
	return devices, err
}

func (mw loggingMiddleware) ListTests(ctx context.Context) (tests []string, err error) {
	defer func(begin time.Time) {
		mw.loggerDebug(err).Log(
			"method", "ListTests",
			"err", err,
			"took", time.Since(begin),
		)
	}(time.Now())
	tests, err = mw.Service.ListTests(ctx)
	return tests, err
}
