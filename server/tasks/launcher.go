package tasks

import (
	"context"
	"io"
	"strconv"

	"github.com/fleetdm/devicefarm/pkg/process"
	"github.com/fleetdm/devicefarm/server/contexts/ctxerr"
	"github.com/fleetdm/devicefarm/server/fleet"
)

// CommandRunner starts tests by running `<command> <test> <port>`, e.g.
// `farmrunner run login 8101`. Each run is its own process group.
type CommandRunner struct {
	Command []string
	// TestsDir is exported to the runner as DEVICEFARM_TESTS_DIR.
	TestsDir string
}

// StartRunner implements fleet.RunnerLauncher.
func (r *CommandRunner) StartRunner(ctx context.Context, testName string, port int, out io.Writer) (fleet.Process, error) {
	if len(r.Command) == 0 {
		return nil, ctxerr.New(ctx, "no runner command configured")
	}
	args := append(append([]string{}, r.Command[1:]...), testName, strconv.Itoa(port))
	opts := []process.Option{process.WithOutput(out)}
	if r.TestsDir != "" {
		opts = append(opts, process.WithEnv("DEVICEFARM_TESTS_DIR="+r.TestsDir))
	}
	cmd, err := process.Start(r.Command[0], args, opts...)
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "start runner")
	}
	return cmd, nil
}
