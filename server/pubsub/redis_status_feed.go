package pubsub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fleetdm/devicefarm/server/fleet"
	"github.com/gomodule/redigo/redis"
	"github.com/pkg/errors"
)

const (
	DevicesChannel = "devicefarm:devices"
	TasksChannel   = "devicefarm:tasks"
)

type redisStatusFeed struct {
	pool fleet.RedisPool
}

var _ fleet.StatusFeed = &redisStatusFeed{}

// NewRedisStatusFeed creates a Redis implementation of the StatusFeed
// interface using the provided Redis connection pool. Device events are
// published on DevicesChannel and task events on TasksChannel.
func NewRedisStatusFeed(pool fleet.RedisPool) *redisStatusFeed {
	return &redisStatusFeed{pool: pool}
}

func channelFor(kind fleet.StatusKind) string {
	if kind == fleet.StatusKindTask {
		return TasksChannel
	}
	return DevicesChannel
}

func (r *redisStatusFeed) Publish(ctx context.Context, event fleet.StatusEvent) error {
	conn := r.pool.Get()
	defer conn.Close()

	channelName := channelFor(event.Kind)

	jsonVal, err := json.Marshal(&event)
	if err != nil {
		return errors.Wrap(err, "marshalling JSON for status event")
	}

	n, err := redis.Int(conn.Do("PUBLISH", channelName, string(jsonVal)))
	if err != nil {
		return errors.Wrap(err, "PUBLISH failed to channel "+channelName)
	}
	if n == 0 {
		return noSubscriberError{channelName}
	}

	return nil
}

// writeOrDone tries to write the item into the channel taking into account context.Done(). If context is done, returns
// true, otherwise false
func writeOrDone(ctx context.Context, ch chan<- interface{}, item interface{}) bool {
	select {
	case ch <- item:
	case <-ctx.Done():
		return true
	}
	return false
}

// receiveMessages runs in a goroutine, forwarding messages from the Pub/Sub
// connection over the provided channel. This effectively allows a select
// statement to run on conn.Receive() (by selecting on outChan that is
// passed into this function)
func receiveMessages(ctx context.Context, conn *redis.PubSubConn, outChan chan<- interface{}) {
	defer close(outChan)
	// Receive and Close must not be called concurrently, so the connection is
	// closed here rather than by the reader.
	defer conn.Close()

	for {
		// Add a timeout to try to cleanup in the case the server has somehow gone completely unresponsive.
		msg := conn.ReceiveWithTimeout(1 * time.Hour)

		if writeOrDone(ctx, outChan, msg) {
			return
		}

		switch msg := msg.(type) {
		case error:
			// If an error occurred (i.e. connection was closed), then we should exit.
			return
		case redis.Subscription:
			// A count of 0 means ReadChannel unsubscribed, we can exit.
			if msg.Count == 0 {
				return
			}
		}
	}
}

func (r *redisStatusFeed) ReadChannel(ctx context.Context) (<-chan interface{}, error) {
	outChannel := make(chan interface{})
	msgChannel := make(chan interface{})

	conn := r.pool.Get()
	psc := &redis.PubSubConn{Conn: conn}
	if err := psc.Subscribe(DevicesChannel, TasksChannel); err != nil {
		// Explicit conn.Close() here because we can't defer it until in the goroutine
		_ = conn.Close()
		return nil, errors.Wrap(err, "subscribe to status channels")
	}

	go receiveMessages(ctx, psc, msgChannel)

	go func() {
		// Unsubscribe here, but do not Close. This allows receiveMessages to finish with the final
		// receive and non-concurrently call the Close.
		defer psc.Unsubscribe(DevicesChannel, TasksChannel)
		defer close(outChannel)

		for {
			select {
			case msg, ok := <-msgChannel:
				if !ok {
					writeOrDone(ctx, outChannel, errors.New("unexpected exit in receiveMessages"))
					return
				}

				switch msg := msg.(type) {
				case redis.Message:
					var event fleet.StatusEvent
					if err := json.Unmarshal(msg.Data, &event); err != nil {
						if writeOrDone(ctx, outChannel, errors.Wrap(err, "decode status event")) {
							return
						}
						continue
					}
					if writeOrDone(ctx, outChannel, event) {
						return
					}
				case error:
					if writeOrDone(ctx, outChannel, errors.Wrap(msg, "read from redis")) {
						return
					}
				}

			case <-ctx.Done():
				return
			}
		}
	}()
	return outChannel, nil
}
