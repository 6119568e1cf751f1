// Package process starts child processes in their own process group, so that
// terminating one also ends everything it spawned.
package process

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Cmd is a started child process.
type Cmd struct {
	cmd  *exec.Cmd
	done chan struct{}

	// exitCode and err are set before done is closed.
	exitCode int
	err      error

	termOnce sync.Once
	termErr  error
}

type options struct {
	stdout io.Writer
	stderr io.Writer
	dir    string
	env    []string
}

// Option configures a process before it is started.
type Option func(*options)

// WithOutput redirects the combined stdout and stderr of the process to w.
func WithOutput(w io.Writer) Option {
	return func(o *options) {
		o.stdout = w
		o.stderr = w
	}
}

// WithStderr redirects the stderr of the process to w.
func WithStderr(w io.Writer) Option {
	return func(o *options) {
		o.stderr = w
	}
}

// WithDir sets the working directory of the process.
func WithDir(dir string) Option {
	return func(o *options) {
		o.dir = dir
	}
}

// WithEnv appends variables, in the form key=value, to the environment
// inherited by the process.
func WithEnv(env ...string) Option {
	return func(o *options) {
		o.env = append(o.env, env...)
	}
}

// Start starts name with args. The process is reaped in the background; use
// Wait to get its exit code.
func Start(name string, args []string, opts ...Option) (*Cmd, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cmd := exec.Command(name, args...)
	cmd.Stdout = o.stdout
	cmd.Stderr = o.stderr
	cmd.Dir = o.dir
	if len(o.env) > 0 {
		cmd.Env = append(os.Environ(), o.env...)
	}
	cmd.SysProcAttr = sysProcAttr()

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	c := &Cmd{
		cmd:      cmd,
		done:     make(chan struct{}),
		exitCode: -1,
	}
	go c.reap()
	return c, nil
}

func (c *Cmd) reap() {
	err := c.cmd.Wait()
	if c.cmd.ProcessState != nil {
		c.exitCode = c.cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		// exit errors are reported through the exit code.
		c.err = err
	}
	close(c.done)
}

// Pid returns the process identifier.
func (c *Cmd) Pid() int {
	return c.cmd.Process.Pid
}

// Wait blocks until the process exited and returns its exit code, -1 if it
// was killed by a signal. It may be called any number of times.
func (c *Cmd) Wait() (int, error) {
	<-c.done
	return c.exitCode, c.err
}

// Done returns a channel closed once the process exited.
func (c *Cmd) Done() <-chan struct{} {
	return c.done
}

// Terminate asks the process group to stop. Only the first call sends the
// signal.
func (c *Cmd) Terminate() error {
	c.termOnce.Do(func() {
		select {
		case <-c.done:
			return
		default:
		}
		c.termErr = terminate(c.cmd.Process)
	})
	return c.termErr
}

// Stop terminates the process group and kills it if it is still running
// after grace.
func (c *Cmd) Stop(grace time.Duration) error {
	err := c.Terminate()
	select {
	case <-c.done:
		return err
	case <-time.After(grace):
	}
	if err := kill(c.cmd.Process); err != nil {
		return err
	}
	<-c.done
	return nil
}
