package devices

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fleetdm/devicefarm/pkg/process"
	"github.com/fleetdm/devicefarm/server/contexts/ctxerr"
	"github.com/fleetdm/devicefarm/server/fleet"
)

// unknownName is the name of devices whose name cannot be resolved.
const unknownName = "unknown"

// CommandProbe lists devices by running external commands, such as
// `idevice_id -l` and `idevicename -u <id>`.
type CommandProbe struct {
	// ListCommand prints one device identifier per line.
	ListCommand []string
	// NameCommand prints the name of the device whose identifier is appended
	// to it.
	NameCommand []string
	Timeout     time.Duration

	// execCmdFn can be set for tests to mock actual execution of commands.
	execCmdFn func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func (p *CommandProbe) exec(ctx context.Context, argv []string, extra ...string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, ctxerr.New(ctx, "empty command")
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string{}, argv[1:]...), extra...)
	fn := p.execCmdFn
	if fn == nil {
		fn = func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		}
	}
	return fn(ctx, argv[0], args...)
}

// ListConnected implements fleet.DeviceProbe.
func (p *CommandProbe) ListConnected(ctx context.Context) ([]string, error) {
	out, err := p.exec(ctx, p.ListCommand)
	if err != nil {
		return nil, ctxerr.Wrapf(ctx, err, "run %s", strings.Join(p.ListCommand, " "))
	}
	var ids []string
	seen := make(map[string]bool)
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		id := strings.TrimSpace(sc.Text())
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids, ctxerr.Wrap(ctx, sc.Err(), "read device list")
}

// ResolveName implements fleet.DeviceProbe. It returns "unknown" when the
// name command fails.
func (p *CommandProbe) ResolveName(ctx context.Context, id string) string {
	out, err := p.exec(ctx, p.NameCommand, id)
	if err != nil {
		return unknownName
	}
	name := strings.TrimSpace(string(out))
	if name == "" {
		return unknownName
	}
	return name
}

// CommandProxy forwards a local port to the agent port of a device by running
// `<command> <local port> <agent port> <device id>`, e.g. iproxy.
type CommandProxy struct {
	Command   []string
	AgentPort int
}

// StartProxy implements fleet.ProxyLauncher.
func (p *CommandProxy) StartProxy(ctx context.Context, deviceID string, localPort int) (fleet.Process, error) {
	if len(p.Command) == 0 {
		return nil, ctxerr.New(ctx, "no proxy command configured")
	}
	args := append(append([]string{}, p.Command[1:]...),
		strconv.Itoa(localPort), strconv.Itoa(p.AgentPort), deviceID)
	cmd, err := process.Start(p.Command[0], args)
	if err != nil {
		return nil, ctxerr.Wrapf(ctx, err, "start proxy for device %s", deviceID)
	}
	return cmd, nil
}

// CommandAgent starts the automation agent of a device by running
// `<command> <device id>`. The agent's error output is appended to
// `<LogDir>/<device id>-agentlog.txt`.
type CommandAgent struct {
	Command []string
	LogDir  string
}

// StartAgent implements fleet.AgentLauncher.
func (a *CommandAgent) StartAgent(ctx context.Context, deviceID string) (fleet.Process, error) {
	if len(a.Command) == 0 {
		return nil, ctxerr.New(ctx, "no agent command configured")
	}
	if err := os.MkdirAll(a.LogDir, 0o755); err != nil {
		return nil, ctxerr.Wrap(ctx, err, "create agent log directory")
	}
	logPath := filepath.Join(a.LogDir, deviceID+"-agentlog.txt")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "open agent log")
	}
	// the child holds its own descriptor once started.
	defer logFile.Close()

	args := append(append([]string{}, a.Command[1:]...), deviceID)
	cmd, err := process.Start(a.Command[0], args, process.WithStderr(logFile))
	if err != nil {
		return nil, ctxerr.Wrapf(ctx, err, "start agent for device %s", deviceID)
	}
	return cmd, nil
}

var _ fleet.GracefulProcess = (*process.Cmd)(nil)

// HTTPHealthChecker checks an agent by requesting its /status endpoint on
// the local forwarded port.
type HTTPHealthChecker struct {
	Client *http.Client
	// Host defaults to 127.0.0.1.
	Host string
}

// NewHTTPHealthChecker returns a checker whose requests time out after
// timeout.
func NewHTTPHealthChecker(timeout time.Duration) *HTTPHealthChecker {
	return &HTTPHealthChecker{Client: &http.Client{Timeout: timeout}}
}

// agentStatus is the part of the agent's /status payload the checker
// requires. An agent that is up reports the device's network info.
type agentStatus struct {
	Value struct {
		IOS *struct {
			IP string `json:"ip"`
		} `json:"ios"`
	} `json:"value"`
}

// CheckAgent implements fleet.AgentHealthChecker. Any transport error, non
// 2xx response or malformed status payload means the agent is unhealthy.
func (c *HTTPHealthChecker) CheckAgent(ctx context.Context, port int) error {
	host := c.Host
	if host == "" {
		host = "127.0.0.1"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s:%d/status", host, port), nil)
	if err != nil {
		return ctxerr.Wrap(ctx, err, "create status request")
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return ctxerr.Wrap(ctx, err, "get agent status")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ctxerr.Errorf(ctx, "agent status: unexpected status code %d", resp.StatusCode)
	}
	var status agentStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return ctxerr.Wrap(ctx, err, "decode agent status")
	}
	if status.Value.IOS == nil {
		return ctxerr.New(ctx, "agent status: missing device info")
	}
	return nil
}
