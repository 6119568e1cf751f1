package service

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetdm/devicefarm/server/fleet"
	"github.com/go-kit/kit/metrics"
)

type metricsMiddleware struct {
	fleet.Service
	requestCount   metrics.Counter
	requestLatency metrics.Histogram
}

// NewMetricsService service takes an existing service and wraps it
// with instrumentation middleware.
func NewMetricsService(
	svc fleet.Service,
	requestCount metrics.Counter,
	requestLatency metrics.Histogram,
) fleet.Service {
	return metricsMiddleware{
		Service:        svc,
		requestCount:   requestCount,
		requestLatency: requestLatency,
	}
}

func (mw metricsMiddleware) observe(method string, err error, begin time.Time) {
	lvs := []string{"method", method, "error", fmt.Sprint(err != nil)}
	mw.requestCount.With(lvs...).Add(1)
	mw.requestLatency.With(lvs...).Observe(time.Since(begin).Seconds())
}

func (mw metricsMiddleware) SubmitTest(ctx context.Context, testName string) (*fleet.Task, error) {
	var (
		task *fleet.Task
		err  error
	)
	defer func(begin time.Time) { mw.observe("SubmitTest", err, begin) }(time.Now())
	task, err = mw.Service.SubmitTest(ctx, testName)
	return task, err
}

func (mw metricsMiddleware) StopTask(ctx context.Context, id string) error {
	var err error
	defer func(begin time.Time) { mw.observe("StopTask", err, begin) }(time.Now())
	err = mw.Service.StopTask(ctx, id)
	return err
}

func (mw metricsMiddleware) ListTasks(ctx context.Context, opt fleet.ListOptions) ([]*fleet.Task, error) {
	var (
		tasks []*fleet.Task
		err   error
	)
	defer func(begin time.Time) { mw.observe("ListTasks", err, begin) }(time.Now())
	tasks, err = mw.Service.ListTasks(ctx, opt)
	return tasks, err
}

func (mw metricsMiddleware) ListDevices(ctx context.Context) ([]*fleet.Device, error) {
	var (
		devices []*fleet.Device
		err     error
	)
	defer func(begin time.Time) { mw.observe("ListDevices", err, begin) }(time.Now())
	devices, err = mw.Service.ListDevices(ctx)
	return devices, err
}
