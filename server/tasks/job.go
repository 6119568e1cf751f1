package tasks

import (
	"sync"

	"github.com/fleetdm/devicefarm/server/fleet"
)

// Job is a task tracked in memory from its submission until it reaches a
// terminal state. The process running it is registered on the job so that a
// stop request can find it.
type Job struct {
	mu         sync.Mutex
	task       fleet.Task
	proc       fleet.Process
	terminated bool
}

func newJob(task fleet.Task) *Job {
	return &Job{task: task}
}

// ID returns the task identifier.
func (j *Job) ID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.task.ID
}

// Task returns a copy of the task.
func (j *Job) Task() fleet.Task {
	j.mu.Lock()
	defer j.mu.Unlock()
	return *j.task.Copy()
}

func (j *Job) update(fn func(t *fleet.Task)) fleet.Task {
	j.mu.Lock()
	defer j.mu.Unlock()
	fn(&j.task)
	return *j.task.Copy()
}

// attach registers the running process. If a stop was already requested the
// process is terminated right away.
func (j *Job) attach(p fleet.Process) error {
	j.mu.Lock()
	j.proc = p
	terminated := j.terminated
	j.mu.Unlock()

	if terminated {
		return p.Terminate()
	}
	return nil
}

func (j *Job) detach() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.proc = nil
}

// requestStop flags the job as terminated and stops its process if it has
// one.
func (j *Job) requestStop() error {
	j.mu.Lock()
	j.terminated = true
	p := j.proc
	j.mu.Unlock()

	if p != nil {
		return p.Terminate()
	}
	return nil
}

func (j *Job) stopRequested() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.terminated
}
