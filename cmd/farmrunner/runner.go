package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fleetdm/devicefarm/pkg/process"
	"github.com/oklog/run"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	exitSuccess     = 0
	exitFailed      = 1
	exitUnreachable = 3
)

type runner struct {
	testsDir  string
	agentHost string
	client    *http.Client
	out       io.Writer
	grace     time.Duration
}

// resolveScript returns the path of the script of the test: a file of dir
// named after the test, with or without extension.
func resolveScript(dir, name string) (string, error) {
	if name == "" || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\*?[`) {
		return "", pkgerrors.Errorf("invalid test name %q", name)
	}

	candidates := []string{filepath.Join(dir, name)}
	matches, err := filepath.Glob(filepath.Join(dir, name+".*"))
	if err != nil {
		return "", pkgerrors.Wrap(err, "glob test scripts")
	}
	sort.Strings(matches)
	candidates = append(candidates, matches...)

	for _, p := range candidates {
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return p, nil
		}
	}
	return "", pkgerrors.Errorf("test %s not found in %s", name, dir)
}

// scriptCommand returns how to execute script: shell scripts go through sh,
// anything else must be executable.
func scriptCommand(script string) (string, []string) {
	if filepath.Ext(script) == ".sh" {
		return "sh", []string{script}
	}
	return script, nil
}

// run executes the test and returns the exit code of farmrunner. SIGTERM and
// interrupts are forwarded to the script.
func (r *runner) run(ctx context.Context, testName string, port int) int {
	agentURL := fmt.Sprintf("http://%s:%d", r.agentHost, port)
	logger := log.With().Str("test", testName).Int("port", port).Logger()

	script, err := resolveScript(r.testsDir, testName)
	if err != nil {
		logger.Error().Err(err).Msg("resolve test script")
		return exitFailed
	}

	name, args := scriptCommand(script)
	cmd, err := process.Start(name, args,
		process.WithOutput(r.out),
		process.WithEnv(
			"DEVICEFARM_AGENT_URL="+agentURL,
			"DEVICEFARM_TEST="+testName,
			"DEVICEFARM_DEVICE_PORT="+strconv.Itoa(port),
		),
	)
	if err != nil {
		logger.Error().Err(err).Str("script", script).Msg("start test script")
		return exitFailed
	}
	logger.Info().Str("script", script).Int("pid", cmd.Pid()).Msg("test started")

	var (
		exitCode int
		waitErr  error
	)
	var g run.Group
	g.Add(func() error {
		exitCode, waitErr = cmd.Wait()
		return nil
	}, func(error) {
		if err := cmd.Stop(r.grace); err != nil {
			logger.Debug().Err(err).Msg("stop test script")
		}
	})
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	err = g.Run()
	var sigErr run.SignalError
	switch {
	case errors.As(err, &sigErr):
		logger.Info().Str("signal", sigErr.Signal.String()).Msg("terminating")
		return exitFailed
	case ctx.Err() != nil:
		logger.Info().Msg("terminating")
		return exitFailed
	case waitErr != nil:
		logger.Error().Err(waitErr).Msg("wait for test script")
	case exitCode == 0:
		logger.Info().Msg("test passed")
		return exitSuccess
	}

	if !r.agentAlive(ctx, agentURL) {
		logger.Info().Int("exit_code", exitCode).Msg("test failed, agent unreachable")
		return exitUnreachable
	}
	logger.Info().Int("exit_code", exitCode).Msg("test failed")
	return exitFailed
}

// agentAlive reports whether the agent answers its status endpoint.
func (r *runner) agentAlive(ctx context.Context, agentURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, agentURL+"/status", nil)
	if err != nil {
		return false
	}
	resp, err := r.client.Do(req)
	if err != nil {
		log.Debug().Err(err).Msg("agent status")
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
