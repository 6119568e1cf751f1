package fleet

import (
	"context"
	"io"
	"time"
)

// DeviceState is the lifecycle state of a device in the farm.
//
//	             ┌──────────────────────────┐
//	             ▼                          │
//	Offline◄──Preparing───►Idle───►Occupied─┘
//	   │         ▲          │
//	   └─────────┘◄─────────┘
type DeviceState string

const (
	// DeviceStatePreparing means the automation agent is starting or
	// unhealthy.
	DeviceStatePreparing DeviceState = "preparing"
	// DeviceStateIdle means the agent is healthy and the device is available
	// for task assignment.
	DeviceStateIdle DeviceState = "idle"
	// DeviceStateOccupied means the device is bound to exactly one running
	// task.
	DeviceStateOccupied DeviceState = "occupied"
	// DeviceStateOffline means the device is no longer reported by the probe;
	// no agent process runs for it.
	DeviceStateOffline DeviceState = "offline"
)

// IsValid returns true if s is one of the known device states.
func (s DeviceState) IsValid() bool {
	switch s {
	case DeviceStatePreparing, DeviceStateIdle, DeviceStateOccupied, DeviceStateOffline:
		return true
	}
	return false
}

// Device is a physical device of the farm, identified by its UDID.
type Device struct {
	ID   string `json:"id" db:"id"`
	Name string `json:"name" db:"name"`
	// Port is the local port forwarded to the device's agent. It is assigned
	// once and kept across reconnects.
	Port  int         `json:"port" db:"port"`
	State DeviceState `json:"status" db:"status"`
	// TaskID is the task the device is bound to, empty unless a task is
	// running on it.
	TaskID     string    `json:"task_id,omitempty" db:"task_id"`
	LastSeenAt time.Time `json:"last_seen_at" db:"last_seen_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// Copy returns a copy of the device.
func (d *Device) Copy() *Device {
	if d == nil {
		return nil
	}
	clone := *d
	return &clone
}

// DeviceStatusHook is called once per device state transition.
type DeviceStatusHook func(d Device)

// DeviceProbe lists the devices currently connected to the host.
type DeviceProbe interface {
	// ListConnected returns the identities of the connected devices.
	ListConnected(ctx context.Context) ([]string, error)
	// ResolveName returns the human-readable name of the device, or an empty
	// string if it cannot be resolved.
	ResolveName(ctx context.Context, id string) string
}

// Process is a handle on a child process started by one of the launchers.
type Process interface {
	// Wait blocks until the process exits and returns its exit code.
	Wait() (exitCode int, err error)
	// Terminate asks the process to stop. It is safe to call more than once.
	Terminate() error
}

// GracefulProcess is a Process that can be forced to exit: Stop terminates
// it and kills it if it is still running after grace.
type GracefulProcess interface {
	Process
	Stop(grace time.Duration) error
}

// ProxyLauncher starts the port forwarder bridging the agent's remote port
// on the device to the device's local port.
type ProxyLauncher interface {
	StartProxy(ctx context.Context, deviceID string, localPort int) (Process, error)
}

// AgentLauncher starts the automation agent of a device.
type AgentLauncher interface {
	StartAgent(ctx context.Context, deviceID string) (Process, error)
}

// AgentHealthChecker checks that the agent reachable on the local port is
// responsive.
type AgentHealthChecker interface {
	CheckAgent(ctx context.Context, port int) error
}

// RunnerLauncher starts the job runner for a test against the device
// reachable on port, writing its combined output to out.
type RunnerLauncher interface {
	StartRunner(ctx context.Context, testName string, port int, out io.Writer) (Process, error)
}
