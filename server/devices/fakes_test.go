package devices

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fleetdm/devicefarm/server/fleet"
)

type fakeProcess struct {
	mu         sync.Mutex
	terminated int
	done       chan struct{}
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{done: make(chan struct{})}
}

func (p *fakeProcess) Wait() (int, error) {
	<-p.done
	return -1, nil
}

func (p *fakeProcess) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminated == 0 {
		close(p.done)
	}
	p.terminated++
	return nil
}

func (p *fakeProcess) terminateCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

// stoppableProcess records the grace period of every Stop call.
type stoppableProcess struct {
	*fakeProcess
	mu     sync.Mutex
	graces []time.Duration
}

func (p *stoppableProcess) Stop(grace time.Duration) error {
	p.mu.Lock()
	p.graces = append(p.graces, grace)
	p.mu.Unlock()
	return p.Terminate()
}

func (p *stoppableProcess) stops() []time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Duration(nil), p.graces...)
}

// fakeLauncher implements both the proxy and the agent launchers.
type fakeLauncher struct {
	mu        sync.Mutex
	procs     []*fakeProcess
	stoppable []*stoppableProcess
	graceful  bool
	err       error
}

func (l *fakeLauncher) start() (fleet.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	p := newFakeProcess()
	l.procs = append(l.procs, p)
	if l.graceful {
		sp := &stoppableProcess{fakeProcess: p}
		l.stoppable = append(l.stoppable, sp)
		return sp, nil
	}
	return p, nil
}

func (l *fakeLauncher) StartAgent(ctx context.Context, deviceID string) (fleet.Process, error) {
	return l.start()
}

func (l *fakeLauncher) StartProxy(ctx context.Context, deviceID string, localPort int) (fleet.Process, error) {
	return l.start()
}

func (l *fakeLauncher) started() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *fakeLauncher) stopGraces() []time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	var graces []time.Duration
	for _, p := range l.stoppable {
		graces = append(graces, p.stops()...)
	}
	return graces
}

func (l *fakeLauncher) terminated() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int
	for _, p := range l.procs {
		if p.terminateCount() > 0 {
			n++
		}
	}
	return n
}

type fakeHealth struct {
	mu      sync.Mutex
	healthy bool
	checks  int
}

func (h *fakeHealth) CheckAgent(ctx context.Context, port int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks++
	if !h.healthy {
		return errors.New("connection refused")
	}
	return nil
}

func (h *fakeHealth) set(healthy bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.healthy = healthy
}

type fakeProbe struct {
	mu    sync.Mutex
	ids   []string
	err   error
	names map[string]string
}

func (p *fakeProbe) ListConnected(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return append([]string(nil), p.ids...), nil
}

func (p *fakeProbe) ResolveName(ctx context.Context, id string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.names[id]
}

func (p *fakeProbe) set(ids ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = ids
	p.err = nil
}

func (p *fakeProbe) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

type fakeDeviceStore struct {
	mu      sync.Mutex
	upserts []fleet.Device
	failN   int
}

func (s *fakeDeviceStore) UpsertDevice(ctx context.Context, d *fleet.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failN > 0 {
		s.failN--
		return errors.New("store unavailable")
	}
	s.upserts = append(s.upserts, *d)
	return nil
}

func (s *fakeDeviceStore) states(id string) []fleet.DeviceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	var states []fleet.DeviceState
	for _, d := range s.upserts {
		if d.ID == id {
			states = append(states, d.State)
		}
	}
	return states
}

func drainStates(r *Registry, id string) []fleet.DeviceState {
	var states []fleet.DeviceState
	for _, d := range r.Outbox().Drain() {
		if d.ID == id {
			states = append(states, d.State)
		}
	}
	return states
}
