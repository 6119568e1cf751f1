package pubsub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/fleetdm/devicefarm/server/datastore/redis/redistest"
	"github.com/fleetdm/devicefarm/server/fleet"
	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan interface{}) interface{} {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for status event")
		return nil
	}
}

func TestInmemStatusFeedNoSubscriber(t *testing.T) {
	feed := NewInmemStatusFeed()
	err := feed.Publish(context.Background(), fleet.DeviceStatusEvent(fleet.Device{ID: "a"}))
	require.Error(t, err)
	castErr, ok := err.(Error)
	if assert.True(t, ok, "err should be pubsub.Error") {
		assert.True(t, castErr.NoSubscriber(), "NoSubscriber() should be true")
	}
}

func TestInmemStatusFeed(t *testing.T) {
	feed := NewInmemStatusFeed()
	ctx, cancel := context.WithCancel(context.Background())

	ch1, err := feed.ReadChannel(ctx)
	require.NoError(t, err)
	ch2, err := feed.ReadChannel(ctx)
	require.NoError(t, err)

	event := fleet.TaskStatusEvent(fleet.Task{ID: "t1", State: fleet.TaskStateRunning})
	require.NoError(t, feed.Publish(ctx, event))

	assert.Equal(t, event, receive(t, ch1))
	assert.Equal(t, event, receive(t, ch2))

	cancel()
	for _, ch := range []<-chan interface{}{ch1, ch2} {
		select {
		case _, ok := <-ch:
			assert.False(t, ok)
		case <-time.After(5 * time.Second):
			t.Fatal("channel not closed")
		}
	}
	require.Eventually(t, func() bool {
		feed.mu.Lock()
		defer feed.mu.Unlock()
		return len(feed.subscribers) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRedisStatusFeedPublish(t *testing.T) {
	subscribers := int64(1)
	pool := &redistest.FakePool{Reply: func(cmd string, args ...interface{}) (interface{}, error) {
		return subscribers, nil
	}}
	feed := NewRedisStatusFeed(pool)
	ctx := context.Background()

	require.NoError(t, feed.Publish(ctx, fleet.DeviceStatusEvent(fleet.Device{ID: "a", State: fleet.DeviceStateIdle})))
	require.NoError(t, feed.Publish(ctx, fleet.TaskStatusEvent(fleet.Task{ID: "t1", State: fleet.TaskStateFailed})))

	cmds := pool.Commands()
	require.Len(t, cmds, 2)
	assert.Equal(t, "PUBLISH", cmds[0].Name)
	assert.Equal(t, DevicesChannel, cmds[0].Args[0])
	assert.Equal(t, TasksChannel, cmds[1].Args[0])

	var event fleet.StatusEvent
	require.NoError(t, json.Unmarshal([]byte(cmds[1].Args[1].(string)), &event))
	assert.Equal(t, fleet.StatusKindTask, event.Kind)
	require.NotNil(t, event.Task)
	assert.Equal(t, fleet.TaskStateFailed, event.Task.State)
	assert.Nil(t, event.Device)

	subscribers = 0
	err := feed.Publish(ctx, fleet.DeviceStatusEvent(fleet.Device{ID: "a"}))
	var psErr Error
	require.True(t, errors.As(err, &psErr))
	assert.True(t, psErr.NoSubscriber())
}

func TestRedisStatusFeedPublishError(t *testing.T) {
	pool := &redistest.FakePool{Reply: func(cmd string, args ...interface{}) (interface{}, error) {
		return nil, errors.New("connection reset")
	}}
	err := NewRedisStatusFeed(pool).Publish(context.Background(), fleet.DeviceStatusEvent(fleet.Device{ID: "a"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PUBLISH failed to channel "+DevicesChannel)
}

func TestRedisStatusFeedRoundTrip(t *testing.T) {
	pool := redistest.SetupRedis(t)
	feed := NewRedisStatusFeed(pool)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := feed.ReadChannel(ctx)
	require.NoError(t, err)

	event := fleet.DeviceStatusEvent(fleet.Device{ID: "a", Port: 8100, State: fleet.DeviceStateOffline})
	require.Eventually(t, func() bool {
		return feed.Publish(ctx, event) == nil
	}, 5*time.Second, 50*time.Millisecond)

	// the first messages may be subscription confirmations
	for {
		msg := receive(t, ch)
		if got, ok := msg.(fleet.StatusEvent); ok {
			assert.Equal(t, fleet.StatusKindDevice, got.Kind)
			assert.Equal(t, "a", got.Device.ID)
			return
		}
	}
}

type recordingFeed struct {
	events []fleet.StatusEvent
	err    error
}

func (f *recordingFeed) Publish(_ context.Context, event fleet.StatusEvent) error {
	f.events = append(f.events, event)
	return f.err
}

func (f *recordingFeed) ReadChannel(context.Context) (<-chan interface{}, error) {
	return nil, errors.New("not implemented")
}

func TestHooks(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	logger := log.NewLogfmtLogger(&buf)

	feed := &recordingFeed{}
	DeviceHook(ctx, feed, logger)(fleet.Device{ID: "a", State: fleet.DeviceStateIdle})
	TaskHook(ctx, feed, logger)(fleet.Task{ID: "t1", State: fleet.TaskStatePending})
	require.Len(t, feed.events, 2)
	assert.Equal(t, "a", feed.events[0].Device.ID)
	assert.Equal(t, "t1", feed.events[1].Task.ID)
	assert.Empty(t, buf.String())

	// no subscriber is silent
	feed.err = noSubscriberError{DevicesChannel}
	DeviceHook(ctx, feed, logger)(fleet.Device{ID: "a"})
	assert.Empty(t, buf.String())

	feed.err = errors.New("redis down")
	TaskHook(ctx, feed, logger)(fleet.Task{ID: "t1"})
	assert.Contains(t, buf.String(), "redis down")
}
