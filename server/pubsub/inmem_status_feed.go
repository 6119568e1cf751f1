package pubsub

import (
	"context"
	"sync"

	"github.com/fleetdm/devicefarm/server/fleet"
)

// inmemSubscriberBuffer is the number of events a slow in-memory subscriber
// may lag behind before events are dropped for it.
const inmemSubscriberBuffer = 64

type inmemStatusFeed struct {
	mu          sync.Mutex
	nextID      int
	subscribers map[int]chan interface{}
}

var _ fleet.StatusFeed = &inmemStatusFeed{}

// NewInmemStatusFeed initializes a new in-memory implementation of the
// StatusFeed interface.
func NewInmemStatusFeed() *inmemStatusFeed {
	return &inmemStatusFeed{subscribers: make(map[int]chan interface{})}
}

func (im *inmemStatusFeed) Publish(ctx context.Context, event fleet.StatusEvent) error {
	im.mu.Lock()
	defer im.mu.Unlock()

	if len(im.subscribers) == 0 {
		return noSubscriberError{channelFor(event.Kind)}
	}
	for _, ch := range im.subscribers {
		select {
		case ch <- event:
		default:
			// subscriber is full, drop rather than block the publisher
		}
	}
	return nil
}

func (im *inmemStatusFeed) ReadChannel(ctx context.Context) (<-chan interface{}, error) {
	ch := make(chan interface{}, inmemSubscriberBuffer)

	im.mu.Lock()
	id := im.nextID
	im.nextID++
	im.subscribers[id] = ch
	im.mu.Unlock()

	go func() {
		<-ctx.Done()
		im.mu.Lock()
		delete(im.subscribers, id)
		close(ch)
		im.mu.Unlock()
	}()
	return ch, nil
}
