package fleet

import (
	"time"
)

// TaskState is the state of a test execution request.
//
//	Pending───►Running───►Succeeded
//	   ▲          │
//	   │          ├──────►Failed
//	   │          │
//	   │          ├──────►Terminated
//	   │          │
//	   └──Retrying┘
type TaskState string

const (
	TaskStatePending    TaskState = "pending"
	TaskStateRunning    TaskState = "running"
	TaskStateSucceeded  TaskState = "success"
	TaskStateFailed     TaskState = "fail"
	TaskStateTerminated TaskState = "terminated"
	// TaskStateRetrying is transient, the task is put back in the queue as
	// pending right away.
	TaskStateRetrying TaskState = "retrying"
)

// IsTerminal returns true if no further transition is possible from s.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateSucceeded, TaskStateFailed, TaskStateTerminated:
		return true
	}
	return false
}

// IsValid returns true if s is one of the known task states.
func (s TaskState) IsValid() bool {
	switch s {
	case TaskStatePending, TaskStateRunning, TaskStateSucceeded, TaskStateFailed,
		TaskStateTerminated, TaskStateRetrying:
		return true
	}
	return false
}

// DefaultMaxTaskRetries is the number of times a task whose device became
// unreachable is retried before being marked as failed.
const DefaultMaxTaskRetries = 3

// Task is a request to run a named test against some device.
type Task struct {
	ID       string    `json:"id" db:"id"`
	TestName string    `json:"task_name" db:"test_name"`
	State    TaskState `json:"result" db:"state"`
	Retries  int       `json:"retries" db:"retries"`
	// DeviceID is set while the task runs and kept once it finished, to
	// record where it ran.
	DeviceID   string     `json:"device_id,omitempty" db:"device_id"`
	Error      string     `json:"error,omitempty" db:"error"`
	CreatedAt  time.Time  `json:"createdAt" db:"created_at"`
	FinishedAt *time.Time `json:"finishedAt,omitempty" db:"finished_at"`
}

// Copy returns a copy of the task.
func (t *Task) Copy() *Task {
	if t == nil {
		return nil
	}
	clone := *t
	if t.FinishedAt != nil {
		finished := *t.FinishedAt
		clone.FinishedAt = &finished
	}
	return &clone
}

// ExecStatus is the raw result of a task execution, before the retry policy
// is applied.
type ExecStatus int

const (
	// ExecStatusSucceeded means the runner exited with code 0.
	ExecStatusSucceeded ExecStatus = iota + 1
	// ExecStatusTerminated means a stop was requested for the task.
	ExecStatusTerminated
	// ExecStatusFailed means the runner exited with a nonzero code.
	ExecStatusFailed
	// ExecStatusSpawnFailed means the runner could not be started.
	ExecStatusSpawnFailed
)

func (s ExecStatus) String() string {
	switch s {
	case ExecStatusSucceeded:
		return "succeeded"
	case ExecStatusTerminated:
		return "terminated"
	case ExecStatusFailed:
		return "failed"
	case ExecStatusSpawnFailed:
		return "spawn_failed"
	}
	return "unknown"
}

// RunnerExitDeviceUnreachable is the exit code used by the job runner when
// the test failed and the device's agent did not respond afterwards.
const RunnerExitDeviceUnreachable = 3

// ExecOutcome is the single result of a task execution.
type ExecOutcome struct {
	TaskID   string
	DeviceID string
	Status   ExecStatus
	ExitCode int
	Err      error
}

// ListOptions are the options to list tasks.
type ListOptions struct {
	// Page is the 0-based page number.
	Page    uint `query:"page,optional"`
	PerPage uint `query:"per_page,optional"`
	// State filters tasks in that state, if set.
	State TaskState `query:"state,optional"`
}
