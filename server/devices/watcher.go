package devices

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/fleetdm/devicefarm/server/contexts/ctxerr"
	"github.com/fleetdm/devicefarm/server/fleet"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const (
	DefaultWatchInterval  = 3 * time.Second
	DefaultStartupTimeout = 30 * time.Second
	DefaultStopGrace      = 5 * time.Second
)

// Watcher owns the lifecycle of one device: it keeps the device's proxy and
// agent running, checks the agent's health every interval and reports what it
// observes to the registry.
type Watcher struct {
	deviceID string
	port     int

	registry *Registry
	proxy    fleet.ProxyLauncher
	agent    fleet.AgentLauncher
	health   fleet.AgentHealthChecker
	clock    clock.Clock
	logger   log.Logger
	metrics  *Metrics

	interval       time.Duration
	startupTimeout time.Duration
	stopGrace      time.Duration

	mu        sync.Mutex
	suspended bool
	// wake is signaled on suspend and resume so that the run loop does not
	// wait for the end of its interval.
	wake chan struct{}

	// the fields below are only accessed by the run loop.
	proxyProc      fleet.Process
	agentProc      fleet.Process
	agentStartedAt time.Time
	lastHealthyAt  time.Time
	offline        bool
}

// WatcherConfig holds the collaborators and timings shared by every watcher.
// StopGrace is the time a stopped agent or proxy has to exit before it is
// killed.
type WatcherConfig struct {
	Proxy          fleet.ProxyLauncher
	Agent          fleet.AgentLauncher
	Health         fleet.AgentHealthChecker
	Clock          clock.Clock
	Logger         log.Logger
	Metrics        *Metrics
	Interval       time.Duration
	StartupTimeout time.Duration
	StopGrace      time.Duration
}

// NewWatcher returns the watcher of the device, which must already be in the
// registry. It does nothing until Run is called.
func NewWatcher(deviceID string, port int, registry *Registry, cfg WatcherConfig) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultWatchInterval
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.C
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}
	return &Watcher{
		deviceID:       deviceID,
		port:           port,
		registry:       registry,
		proxy:          cfg.Proxy,
		agent:          cfg.Agent,
		health:         cfg.Health,
		clock:          cfg.Clock,
		logger:         log.With(cfg.Logger, "device", deviceID, "port", port),
		metrics:        cfg.Metrics,
		interval:       cfg.Interval,
		startupTimeout: cfg.StartupTimeout,
		stopGrace:      cfg.StopGrace,
		wake:           make(chan struct{}, 1),
	}
}

// SetOffline suspends the watcher: its agent and proxy are stopped and the
// device is reported Offline until SetOnline is called.
func (w *Watcher) SetOffline() {
	w.setSuspended(true)
}

// SetOnline resumes a suspended watcher.
func (w *Watcher) SetOnline() {
	w.setSuspended(false)
}

func (w *Watcher) setSuspended(v bool) {
	w.mu.Lock()
	w.suspended = v
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Watcher) isSuspended() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.suspended
}

// Run runs the watcher until ctx is canceled, then stops the device's agent
// and proxy.
func (w *Watcher) Run(ctx context.Context) {
	defer w.stopProcesses()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-w.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		w.step(ctx)

		if w.isSuspended() {
			// blocked until resumed, the next wake runs a cycle right away.
			continue
		}
		timer.Reset(w.interval)
	}
}

// step runs a single watch cycle. A panic in the cycle is logged and the
// cycle abandoned, the next one starts from the recorded state.
func (w *Watcher) step(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			err := ctxerr.New(ctx, fmt.Sprintf("watcher cycle panic: %v", r))
			level.Error(w.logger).Log("msg", "recovered from panic", "err", err)
			ctxerr.Handle(ctx, err)
		}
	}()

	if w.isSuspended() {
		if !w.offline {
			level.Info(w.logger).Log("msg", "device disconnected, stopping agent")
			w.stopProcesses()
			w.offline = true
		}
		w.registry.Observe(w.deviceID, fleet.DeviceStateOffline)
		return
	}

	if w.offline {
		level.Info(w.logger).Log("msg", "device reconnected")
		w.offline = false
		w.lastHealthyAt = time.Time{}
		w.registry.Observe(w.deviceID, fleet.DeviceStatePreparing)
	}

	w.ensureProcesses(ctx)

	now := w.clock.Now()
	err := w.checkHealth(ctx)
	if err == nil {
		w.lastHealthyAt = now
		w.registry.Observe(w.deviceID, fleet.DeviceStateIdle)
		return
	}
	level.Debug(w.logger).Log("msg", "agent unhealthy", "err", err)
	w.registry.Observe(w.deviceID, fleet.DeviceStatePreparing)

	if w.agentProc == nil {
		return
	}
	since := w.agentStartedAt
	if w.lastHealthyAt.After(since) {
		since = w.lastHealthyAt
	}
	if now.Sub(since) > w.startupTimeout {
		level.Info(w.logger).Log("msg", "agent unhealthy for too long, restarting", "unhealthy_since", since)
		w.stopAgent()
		if w.metrics != nil {
			w.metrics.agentRestarts.Inc()
		}
	}
}

func (w *Watcher) checkHealth(ctx context.Context) error {
	if w.health == nil {
		return ctxerr.New(ctx, "no agent health checker")
	}
	return w.health.CheckAgent(ctx, w.port)
}

// ensureProcesses starts the proxy and the agent if they are not running.
// Start failures are logged, the next cycle tries again.
func (w *Watcher) ensureProcesses(ctx context.Context) {
	if w.proxyProc == nil && w.proxy != nil {
		p, err := w.proxy.StartProxy(ctx, w.deviceID, w.port)
		if err != nil {
			level.Error(w.logger).Log("msg", "start proxy", "err", err)
		} else {
			w.proxyProc = p
		}
	}
	if w.agentProc == nil && w.agent != nil {
		p, err := w.agent.StartAgent(ctx, w.deviceID)
		if err != nil {
			level.Error(w.logger).Log("msg", "start agent", "err", err)
			return
		}
		w.agentProc = p
		w.agentStartedAt = w.clock.Now()
		level.Debug(w.logger).Log("msg", "agent started")
	}
}

func (w *Watcher) stopAgent() {
	if w.agentProc == nil {
		return
	}
	if err := w.stopProcess(w.agentProc); err != nil {
		level.Info(w.logger).Log("msg", "stop agent", "err", err)
	}
	w.agentProc = nil
}

func (w *Watcher) stopProcesses() {
	w.stopAgent()
	if w.proxyProc != nil {
		if err := w.stopProcess(w.proxyProc); err != nil {
			level.Info(w.logger).Log("msg", "stop proxy", "err", err)
		}
		w.proxyProc = nil
	}
}

// stopProcess terminates p and, when p supports it, kills it once the stop
// grace expired.
func (w *Watcher) stopProcess(p fleet.Process) error {
	if gp, ok := p.(fleet.GracefulProcess); ok {
		return gp.Stop(w.stopGrace)
	}
	return p.Terminate()
}
