package tasks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/fleetdm/devicefarm/server/fleet"
)

// fakeProcess exits with code once released, or with -1 once terminated.
type fakeProcess struct {
	code     int
	done     chan struct{}
	once     sync.Once
	mu       sync.Mutex
	termed   bool
	exitCode int
}

func newFakeProcess(code int) *fakeProcess {
	return &fakeProcess{code: code, done: make(chan struct{})}
}

// release makes the process exit with code.
func (p *fakeProcess) release(code int) {
	p.mu.Lock()
	p.code = code
	p.mu.Unlock()
	p.exit()
}

func (p *fakeProcess) exit() {
	p.once.Do(func() {
		p.mu.Lock()
		p.exitCode = p.code
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProcess) Wait() (int, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, nil
}

func (p *fakeProcess) Terminate() error {
	p.mu.Lock()
	p.termed = true
	p.mu.Unlock()
	p.once.Do(func() {
		p.mu.Lock()
		p.exitCode = -1
		p.mu.Unlock()
		close(p.done)
	})
	return nil
}

func (p *fakeProcess) terminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.termed
}

type runnerCall struct {
	test string
	port int
}

// fakeRunner starts processes exiting with the scripted codes, in order. A
// code of -1 blocks the process until it is terminated. The last code is
// repeated once the script is exhausted.
type fakeRunner struct {
	mu       sync.Mutex
	codes    []int
	startErr error
	calls    []runnerCall
	procs    []*fakeProcess
}

func (r *fakeRunner) StartRunner(ctx context.Context, testName string, port int, out io.Writer) (fleet.Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return nil, r.startErr
	}
	r.calls = append(r.calls, runnerCall{test: testName, port: port})
	code := 0
	if len(r.codes) > 0 {
		code = r.codes[0]
		if len(r.codes) > 1 {
			r.codes = r.codes[1:]
		}
	}
	fmt.Fprintf(out, "running %s on port %d\n", testName, port)
	p := newFakeProcess(code)
	r.procs = append(r.procs, p)
	if code != -1 {
		p.exit()
	}
	return p, nil
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// procOnPort returns the last process started against the device port.
func (r *fakeRunner) procOnPort(port int) *fakeProcess {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.calls) - 1; i >= 0; i-- {
		if r.calls[i].port == port {
			return r.procs[i]
		}
	}
	return nil
}

func (r *fakeRunner) lastProc() *fakeProcess {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.procs) == 0 {
		return nil
	}
	return r.procs[len(r.procs)-1]
}

type fakeTaskStore struct {
	mu      sync.Mutex
	upserts []fleet.Task
	tasks   map[string]fleet.Task
}

func (s *fakeTaskStore) UpsertTask(ctx context.Context, task *fleet.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks == nil {
		s.tasks = make(map[string]fleet.Task)
	}
	s.upserts = append(s.upserts, *task)
	s.tasks[task.ID] = *task
	return nil
}

func (s *fakeTaskStore) Task(ctx context.Context, id string) (*fleet.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fleet.NewNotFoundError("task", id)
	}
	return &t, nil
}

func (s *fakeTaskStore) get(id string) (fleet.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}

func (s *fakeTaskStore) states(id string) []fleet.TaskState {
	s.mu.Lock()
	defer s.mu.Unlock()
	var states []fleet.TaskState
	for _, t := range s.upserts {
		if t.ID == id {
			states = append(states, t.State)
		}
	}
	return states
}

type fakeHealth struct {
	err error
}

func (h fakeHealth) CheckAgent(ctx context.Context, port int) error {
	return h.err
}

var errUnreachable = errors.New("connection refused")
