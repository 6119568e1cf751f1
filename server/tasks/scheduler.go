package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/fleetdm/devicefarm/pkg/outbox"
	"github.com/fleetdm/devicefarm/server/contexts/ctxerr"
	"github.com/fleetdm/devicefarm/server/fleet"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
)

const (
	DefaultDequeueTimeout = 5 * time.Second
	DefaultRescanInterval = time.Second
)

// DeviceRegistry is the device state the scheduler assigns tasks from.
type DeviceRegistry interface {
	Acquire(taskID string) (fleet.Device, bool)
	Release(ctx context.Context, deviceID, taskID string) (fleet.Device, error)
	Get(deviceID string) (fleet.Device, bool)
	IdleSignal() <-chan struct{}
}

// Executor runs a job on a device.
type Executor interface {
	Run(ctx context.Context, job *Job, device fleet.Device) fleet.ExecOutcome
}

// TaskStore is the subset of the datastore the scheduler records tasks to.
type TaskStore interface {
	UpsertTask(ctx context.Context, task *fleet.Task) error
	Task(ctx context.Context, id string) (*fleet.Task, error)
}

// TestCatalog validates the name of submitted tests.
type TestCatalog interface {
	Exists(ctx context.Context, name string) (bool, error)
}

// TaskHook is called, after the store, for every recorded task change.
type TaskHook func(t fleet.Task)

// Scheduler assigns queued tasks to idle devices, runs them, and retries
// those whose device became unreachable.
type Scheduler struct {
	queue    *Queue
	registry DeviceRegistry
	exec     Executor
	store    TaskStore
	health   fleet.AgentHealthChecker
	catalog  TestCatalog
	hook     TaskHook
	clock    clock.Clock
	logger   log.Logger
	metrics  *Metrics

	maxRetries     int
	dequeueTimeout time.Duration
	rescanInterval time.Duration
	recordBackOff  func() backoff.BackOff

	completions chan completion
	records     *outbox.Outbox[fleet.Task]
	inflight    sync.WaitGroup

	mu sync.Mutex
	// jobs holds the queued and running jobs.
	jobs map[string]*Job
}

type completion struct {
	job     *Job
	device  fleet.Device
	outcome fleet.ExecOutcome
}

// Option configures optional behavior of the Scheduler.
type Option func(*Scheduler)

// WithQueue sets the queue of the scheduler, by default a new empty one.
func WithQueue(q *Queue) Option {
	return func(s *Scheduler) {
		s.queue = q
	}
}

// WithMaxRetries sets the number of retries of a task whose device became
// unreachable.
func WithMaxRetries(n int) Option {
	return func(s *Scheduler) {
		s.maxRetries = n
	}
}

// WithDequeueTimeout sets how long the scheduler waits for a queued task
// before logging that none is pending.
func WithDequeueTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		s.dequeueTimeout = d
	}
}

// WithRescanInterval sets the interval at which devices are scanned while a
// task waits for an idle one, in addition to the idle signal.
func WithRescanInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		s.rescanInterval = d
	}
}

// WithHealthChecker sets the checker used to tell whether the device of a
// failed task is still reachable.
func WithHealthChecker(h fleet.AgentHealthChecker) Option {
	return func(s *Scheduler) {
		s.health = h
	}
}

// WithCatalog makes Submit reject tests unknown to the catalog.
func WithCatalog(c TestCatalog) Option {
	return func(s *Scheduler) {
		s.catalog = c
	}
}

// WithTaskHook sets the hook called for every recorded task change.
func WithTaskHook(hook TaskHook) Option {
	return func(s *Scheduler) {
		s.hook = hook
	}
}

// WithClock sets the clock used to timestamp tasks.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// WithLogger sets the scheduler's logger.
func WithLogger(logger log.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithMetrics sets the collectors updated by the scheduler.
func WithMetrics(m *Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// NewScheduler returns a scheduler taking devices from registry.
func NewScheduler(registry DeviceRegistry, exec Executor, store TaskStore, opts ...Option) *Scheduler {
	s := &Scheduler{
		queue:          NewQueue(),
		registry:       registry,
		exec:           exec,
		store:          store,
		clock:          clock.C,
		logger:         log.NewNopLogger(),
		maxRetries:     fleet.DefaultMaxTaskRetries,
		dequeueTimeout: DefaultDequeueTimeout,
		rescanInterval: DefaultRescanInterval,
		recordBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
		},
		completions: make(chan completion),
		records:     outbox.New[fleet.Task](),
		jobs:        make(map[string]*Job),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dequeueTimeout <= 0 {
		s.dequeueTimeout = DefaultDequeueTimeout
	}
	if s.rescanInterval <= 0 {
		s.rescanInterval = DefaultRescanInterval
	}
	if s.maxRetries < 0 {
		s.maxRetries = 0
	}
	s.logger = log.With(s.logger, "component", "scheduler")
	return s
}

// Queue returns the queue of pending jobs.
func (s *Scheduler) Queue() *Queue {
	return s.queue
}

// Submit creates a pending task for the test and queues it.
func (s *Scheduler) Submit(ctx context.Context, testName string) (*fleet.Task, error) {
	if s.catalog != nil {
		ok, err := s.catalog.Exists(ctx, testName)
		if err != nil {
			return nil, ctxerr.Wrap(ctx, err, "check test")
		}
		if !ok {
			return nil, ctxerr.Wrap(ctx, fleet.ErrUnknownTest, testName)
		}
	}

	job := newJob(fleet.Task{
		ID:        uuid.NewString(),
		TestName:  testName,
		State:     fleet.TaskStatePending,
		CreatedAt: s.clock.Now().UTC(),
	})
	task := job.Task()

	s.mu.Lock()
	s.jobs[task.ID] = job
	s.mu.Unlock()

	s.record(task)
	s.queue.Push(job)
	if s.metrics != nil {
		s.metrics.submitted.Inc()
	}
	level.Info(s.logger).Log("msg", "task submitted", "task", task.ID, "test", testName)
	return &task, nil
}

// RequestStop stops the task: a queued task is removed from the queue, the
// runner of a running task is terminated and the task reported as such once
// it exited.
func (s *Scheduler) RequestStop(ctx context.Context, taskID string) error {
	s.mu.Lock()
	job, ok := s.jobs[taskID]
	s.mu.Unlock()
	if !ok {
		if s.store != nil {
			if _, err := s.store.Task(ctx, taskID); err == nil {
				return ctxerr.Wrap(ctx, fleet.ErrTaskNotRunning, taskID)
			}
		}
		return ctxerr.Wrap(ctx, fleet.NewNotFoundError("task", taskID), "request stop")
	}

	if _, removed := s.queue.Remove(taskID); removed {
		s.finish(job, "", fleet.TaskStateTerminated, "")
		level.Info(s.logger).Log("msg", "pending task stopped", "task", taskID)
		return nil
	}

	level.Info(s.logger).Log("msg", "stopping task", "task", taskID)
	if err := job.requestStop(); err != nil {
		return ctxerr.Wrap(ctx, err, "terminate runner")
	}
	return nil
}

// Running returns the tasks that are queued or running.
func (s *Scheduler) Running() []fleet.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := make([]fleet.Task, 0, len(s.jobs))
	for _, j := range s.jobs {
		tasks = append(tasks, j.Task())
	}
	return tasks
}

// Run schedules queued tasks until ctx is canceled. Running tasks are then
// stopped, and Run returns once they were all recorded.
func (s *Scheduler) Run(ctx context.Context) error {
	// finalization outlives ctx.
	bgCtx := context.WithoutCancel(ctx)

	recorderDone := make(chan struct{})
	recorderCtx, stopRecorder := context.WithCancel(bgCtx)
	go func() {
		defer close(recorderDone)
		s.recordLoop(recorderCtx)
	}()

	completionsDone := make(chan struct{})
	go func() {
		defer close(completionsDone)
		for c := range s.completions {
			s.complete(bgCtx, c)
		}
	}()

	for ctx.Err() == nil {
		s.dispatchNext(ctx)
	}

	s.mu.Lock()
	for _, j := range s.jobs {
		j.requestStop() //nolint:errcheck
	}
	s.mu.Unlock()
	s.inflight.Wait()
	close(s.completions)
	<-completionsDone

	stopRecorder()
	<-recorderDone
	return nil
}

// dispatchNext waits for a queued job and an idle device, and starts the job
// on that device. Panics are recovered so that the loop keeps going, a job
// popped before the panic is put back in the queue.
func (s *Scheduler) dispatchNext(ctx context.Context) {
	var (
		job        *Job
		device     fleet.Device
		acquired   bool
		dispatched bool
	)
	defer func() {
		if r := recover(); r != nil {
			err := ctxerr.New(ctx, fmt.Sprintf("scheduler panic: %v", r))
			level.Error(s.logger).Log("msg", "recovered from panic", "err", err)
			ctxerr.Handle(ctx, err) //nolint:errcheck
			if job != nil && !dispatched {
				s.requeue(ctx, job, device, acquired)
			}
		}
	}()

	job, ok, err := s.queue.Pop(ctx, s.dequeueTimeout)
	if err != nil {
		return
	}
	if !ok {
		level.Debug(s.logger).Log("msg", "no pending job")
		return
	}

	device, acquired = s.acquire(ctx, job)
	if !acquired {
		if job.stopRequested() {
			s.finish(job, "", fleet.TaskStateTerminated, "")
			return
		}
		// shutting down, the job stays pending.
		s.queue.Push(job)
		return
	}

	task := job.update(func(t *fleet.Task) {
		t.State = fleet.TaskStateRunning
		t.DeviceID = device.ID
	})
	s.record(task)
	level.Info(s.logger).Log("msg", "task dispatched", "task", task.ID, "device", device.ID, "retries", task.Retries)

	s.inflight.Add(1)
	dispatched = true
	go func() {
		defer s.inflight.Done()
		outcome := s.exec.Run(ctx, job, device)
		s.completions <- completion{job: job, device: device, outcome: outcome}
	}()
}

// requeue puts back a job whose dispatch was interrupted, releasing the
// device it was bound to.
func (s *Scheduler) requeue(ctx context.Context, job *Job, device fleet.Device, acquired bool) {
	if acquired {
		if _, err := s.registry.Release(ctx, device.ID, job.ID()); err != nil {
			level.Error(s.logger).Log("msg", "release device", "device", device.ID, "err", err)
		}
	}
	if job.stopRequested() {
		s.finish(job, "", fleet.TaskStateTerminated, "")
		return
	}
	task := job.update(func(t *fleet.Task) {
		t.State = fleet.TaskStatePending
		t.DeviceID = ""
	})
	if acquired {
		s.record(task)
	}
	s.queue.Push(job)
	level.Info(s.logger).Log("msg", "task requeued after failed dispatch", "task", task.ID)
}

// acquire blocks until a device could be bound to the job. It waits for the
// registry's idle signal and rescans every rescan interval in case a signal
// was missed. It returns false if ctx is done or the job was stopped.
func (s *Scheduler) acquire(ctx context.Context, job *Job) (fleet.Device, bool) {
	var ticker *time.Ticker
	for {
		if job.stopRequested() {
			return fleet.Device{}, false
		}
		if d, ok := s.registry.Acquire(job.ID()); ok {
			return d, true
		}
		if ticker == nil {
			level.Debug(s.logger).Log("msg", "no idle device", "task", job.ID())
			ticker = time.NewTicker(s.rescanInterval)
			defer ticker.Stop()
		}
		select {
		case <-ctx.Done():
			return fleet.Device{}, false
		case <-s.registry.IdleSignal():
		case <-ticker.C:
		}
	}
}

// complete classifies the outcome of a job, releases its device and either
// requeues or finalizes the job.
func (s *Scheduler) complete(ctx context.Context, c completion) {
	task := c.job.Task()
	logger := log.With(s.logger, "task", task.ID, "device", c.device.ID)

	var (
		state fleet.TaskState
		retry bool
		msg   string
	)
	switch c.outcome.Status {
	case fleet.ExecStatusSucceeded:
		state = fleet.TaskStateSucceeded
	case fleet.ExecStatusTerminated:
		state = fleet.TaskStateTerminated
	case fleet.ExecStatusSpawnFailed:
		state = fleet.TaskStateFailed
		msg = errorMessage(c.outcome.Err, "test runner could not be started")
	default:
		state = fleet.TaskStateFailed
		msg = fmt.Sprintf("test runner exited with code %d", c.outcome.ExitCode)
		if c.outcome.Err != nil {
			msg = c.outcome.Err.Error()
		}
		if !s.reachable(ctx, c.device.ID, c.outcome.ExitCode) {
			if task.Retries < s.maxRetries {
				retry = true
			} else {
				msg = fmt.Sprintf("device unreachable, gave up after %d retries", task.Retries)
			}
		}
	}

	if _, err := s.registry.Release(ctx, c.device.ID, task.ID); err != nil {
		level.Error(logger).Log("msg", "release device", "err", err)
	}

	if retry {
		task = c.job.update(func(t *fleet.Task) {
			t.Retries++
			t.State = fleet.TaskStateRetrying
			t.DeviceID = ""
		})
		s.record(task)
		c.job.update(func(t *fleet.Task) {
			t.State = fleet.TaskStatePending
		})
		if s.metrics != nil {
			s.metrics.retried.Inc()
		}
		level.Info(logger).Log("msg", "device unreachable, task requeued", "retries", task.Retries)
		s.queue.Push(c.job)
		return
	}

	s.finish(c.job, c.device.ID, state, msg)
	level.Info(logger).Log("msg", "task finished", "state", state, "exit_code", c.outcome.ExitCode)
}

// reachable reports whether the device of a failed job can still be
// reached: the runner did not report it unreachable, it is not offline and
// its agent answers.
func (s *Scheduler) reachable(ctx context.Context, deviceID string, exitCode int) bool {
	if exitCode == fleet.RunnerExitDeviceUnreachable {
		return false
	}
	d, ok := s.registry.Get(deviceID)
	if !ok || d.State == fleet.DeviceStateOffline {
		return false
	}
	if s.health == nil {
		return true
	}
	return s.health.CheckAgent(ctx, d.Port) == nil
}

// finish records the terminal state of the job and stops tracking it.
func (s *Scheduler) finish(job *Job, deviceID string, state fleet.TaskState, msg string) {
	finishedAt := s.clock.Now().UTC()
	task := job.update(func(t *fleet.Task) {
		t.State = state
		t.DeviceID = deviceID
		t.Error = msg
		t.FinishedAt = &finishedAt
	})

	s.mu.Lock()
	delete(s.jobs, task.ID)
	s.mu.Unlock()

	s.record(task)
	if s.metrics != nil {
		s.metrics.finished.WithLabelValues(string(state)).Inc()
	}
}

// record queues the task for the store. Records are saved in order by the
// record loop so that the store never blocks scheduling.
func (s *Scheduler) record(task fleet.Task) {
	s.records.Push(task)
}

func (s *Scheduler) recordLoop(ctx context.Context) {
	for {
		for _, t := range s.records.Drain() {
			s.save(ctx, t)
		}
		select {
		case <-ctx.Done():
			for _, t := range s.records.Drain() {
				s.save(context.Background(), t)
			}
			return
		case <-s.records.Notify():
		}
	}
}

func (s *Scheduler) save(ctx context.Context, t fleet.Task) {
	if s.store != nil {
		op := func() error {
			return s.store.UpsertTask(ctx, t.Copy())
		}
		if err := backoff.Retry(op, backoff.WithContext(s.recordBackOff(), ctx)); err != nil {
			level.Error(s.logger).Log("msg", "save task", "task", t.ID, "state", t.State, "err", err)
		}
	}
	if s.hook != nil {
		s.hook(t)
	}
}

func errorMessage(err error, fallback string) string {
	if err == nil {
		return fallback
	}
	return err.Error()
}
