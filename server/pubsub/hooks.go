package pubsub

import (
	"context"
	"errors"

	"github.com/fleetdm/devicefarm/server/fleet"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// DeviceHook returns a device status hook that publishes every transition on
// the feed. Publish errors are logged, an absent subscriber is not an error.
func DeviceHook(ctx context.Context, feed fleet.StatusFeed, logger log.Logger) fleet.DeviceStatusHook {
	return func(d fleet.Device) {
		publish(ctx, feed, logger, fleet.DeviceStatusEvent(d))
	}
}

// TaskHook is the task counterpart of DeviceHook.
func TaskHook(ctx context.Context, feed fleet.StatusFeed, logger log.Logger) func(fleet.Task) {
	return func(t fleet.Task) {
		publish(ctx, feed, logger, fleet.TaskStatusEvent(t))
	}
}

func publish(ctx context.Context, feed fleet.StatusFeed, logger log.Logger, event fleet.StatusEvent) {
	err := feed.Publish(ctx, event)
	if err == nil {
		return
	}
	var psErr Error
	if errors.As(err, &psErr) && psErr.NoSubscriber() {
		return
	}
	level.Error(logger).Log("msg", "publish status event", "kind", event.Kind, "err", err)
}
