package tasks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fleetdm/devicefarm/server/contexts/ctxerr"
	"github.com/fleetdm/devicefarm/server/fleet"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// LogFileName is the name of the output file of a task, in its own directory
// of the logs directory.
const LogFileName = "output.log"

// LogPath returns the path of the task's output log.
func LogPath(logsDir, taskID string) string {
	return filepath.Join(logsDir, taskID, LogFileName)
}

// Execution runs jobs through the runner launcher, writing their output to
// their log file.
type Execution struct {
	launcher fleet.RunnerLauncher
	logsDir  string
	logger   log.Logger
}

// NewExecution returns an execution writing logs under logsDir.
func NewExecution(launcher fleet.RunnerLauncher, logsDir string, logger log.Logger) *Execution {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Execution{launcher: launcher, logsDir: logsDir, logger: logger}
}

// Run runs the job on the device and waits for its runner to exit. It always
// returns an outcome: failures to start the runner are reported as
// ExecStatusSpawnFailed and stop requests take precedence over the exit code.
func (e *Execution) Run(ctx context.Context, job *Job, device fleet.Device) fleet.ExecOutcome {
	task := job.Task()
	outcome := fleet.ExecOutcome{
		TaskID:   task.ID,
		DeviceID: device.ID,
		ExitCode: -1,
	}
	logger := log.With(e.logger, "task", task.ID, "device", device.ID)

	dir := filepath.Join(e.logsDir, task.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		outcome.Status = fleet.ExecStatusSpawnFailed
		outcome.Err = ctxerr.Wrap(ctx, err, "create task log directory")
		return outcome
	}
	logFile, err := os.OpenFile(filepath.Join(dir, LogFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		outcome.Status = fleet.ExecStatusSpawnFailed
		outcome.Err = ctxerr.Wrap(ctx, err, "open task log")
		return outcome
	}
	defer logFile.Close()

	proc, err := e.launcher.StartRunner(ctx, task.TestName, device.Port, logFile)
	if err != nil {
		outcome.Status = fleet.ExecStatusSpawnFailed
		outcome.Err = ctxerr.Wrapf(ctx, err, "start runner for test %s", task.TestName)
		fmt.Fprintf(logFile, "\nfailed to start the test runner: %v\n", err)
		return outcome
	}
	if err := job.attach(proc); err != nil {
		level.Info(logger).Log("msg", "terminate runner of stopped task", "err", err)
	}
	defer job.detach()

	level.Debug(logger).Log("msg", "runner started", "test", task.TestName, "port", device.Port)
	exitCode, err := proc.Wait()
	outcome.ExitCode = exitCode
	switch {
	case job.stopRequested():
		outcome.Status = fleet.ExecStatusTerminated
	case err != nil:
		outcome.Status = fleet.ExecStatusFailed
		outcome.Err = ctxerr.Wrap(ctx, err, "wait for runner")
		fmt.Fprintf(logFile, "\nfailed to wait for the test runner: %v\n", err)
	case exitCode == 0:
		outcome.Status = fleet.ExecStatusSucceeded
	default:
		outcome.Status = fleet.ExecStatusFailed
	}
	level.Debug(logger).Log("msg", "runner exited", "exit_code", exitCode, "status", outcome.Status)
	return outcome
}
