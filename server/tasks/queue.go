package tasks

import (
	"context"
	"sync"
	"time"
)

// Queue is the FIFO of jobs waiting for a device. It supports any number of
// producers and a single consumer.
type Queue struct {
	mu     sync.Mutex
	jobs   []*Job
	notify chan struct{}
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Push adds the job at the back of the queue.
func (q *Queue) Push(j *Job) {
	q.mu.Lock()
	q.jobs = append(q.jobs, j)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop removes and returns the job at the front of the queue, waiting up to
// timeout for one to be pushed. It returns false on timeout, and ctx's error
// if ctx is done first.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (*Job, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if j := q.tryPop(); j != nil {
			return j, true, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-timer.C:
			// one last look, a push may have raced with the timer.
			if j := q.tryPop(); j != nil {
				return j, true, nil
			}
			return nil, false, nil
		case <-q.notify:
		}
	}
}

func (q *Queue) tryPop() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil
	}
	j := q.jobs[0]
	q.jobs[0] = nil
	q.jobs = q.jobs[1:]
	return j
}

// Remove removes the job with the given task identifier. It returns false if
// no such job is queued.
func (q *Queue) Remove(id string) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, j := range q.jobs {
		if j.ID() == id {
			q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
			return j, true
		}
	}
	return nil, false
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}
