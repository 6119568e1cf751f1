package devices

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fleetdm/devicefarm/server/contexts/ctxerr"
	"github.com/fleetdm/devicefarm/server/fleet"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const DefaultReconcileInterval = 500 * time.Millisecond

// DeviceStore is the subset of the datastore the manager persists device
// transitions to.
type DeviceStore interface {
	UpsertDevice(ctx context.Context, device *fleet.Device) error
}

// Manager keeps one watcher per device reported by the probe. It suspends the
// watchers of devices that disappear and resumes them when they come back.
// Watchers are never removed.
type Manager struct {
	probe    fleet.DeviceProbe
	ports    *PortAllocator
	registry *Registry
	store    DeviceStore
	hook     fleet.DeviceStatusHook
	logger   log.Logger
	metrics  *Metrics
	interval time.Duration

	watcherConfig WatcherConfig
	// runWatcher runs w until ctx is done, it is replaced in tests.
	runWatcher func(ctx context.Context, w *Watcher)
	// persistBackOff returns the retry policy of a single store upsert.
	persistBackOff func() backoff.BackOff

	mu        sync.Mutex
	watchers  map[string]*Watcher
	connected map[string]bool
	wg        sync.WaitGroup
}

// ManagerOption configures optional behavior of the Manager.
type ManagerOption func(*Manager)

// WithStatusHook sets a hook called, after the store, for every device
// transition.
func WithStatusHook(hook fleet.DeviceStatusHook) ManagerOption {
	return func(m *Manager) {
		m.hook = hook
	}
}

// WithReconcileInterval sets the interval between two reconciliations.
func WithReconcileInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.interval = d
	}
}

// WithLogger sets the logger of the manager and of its watchers.
func WithLogger(logger log.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics sets the collectors updated by the manager and its watchers.
func WithMetrics(metrics *Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// NewManager returns a fleet manager. The registry's transitions are saved to
// store once Run is called.
func NewManager(
	probe fleet.DeviceProbe,
	ports *PortAllocator,
	registry *Registry,
	store DeviceStore,
	watcherConfig WatcherConfig,
	opts ...ManagerOption,
) *Manager {
	m := &Manager{
		probe:         probe,
		ports:         ports,
		registry:      registry,
		store:         store,
		logger:        log.NewNopLogger(),
		interval:      DefaultReconcileInterval,
		watcherConfig: watcherConfig,
		runWatcher: func(ctx context.Context, w *Watcher) {
			w.Run(ctx)
		},
		persistBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
		},
		watchers:  make(map[string]*Watcher),
		connected: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.interval <= 0 {
		m.interval = DefaultReconcileInterval
	}
	m.logger = log.With(m.logger, "component", "fleet")
	if m.watcherConfig.Logger == nil {
		m.watcherConfig.Logger = m.logger
	}
	if m.watcherConfig.Metrics == nil {
		m.watcherConfig.Metrics = m.metrics
	}
	return m
}

// Registry returns the registry of the managed devices.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Run reconciles the connected devices every interval and saves device
// transitions until ctx is canceled. It returns once every watcher stopped.
func (m *Manager) Run(ctx context.Context) error {
	forwarderDone := make(chan struct{})
	go func() {
		defer close(forwarderDone)
		m.forward(ctx)
	}()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		if err := m.Reconcile(ctx); err != nil {
			level.Info(m.logger).Log("msg", "reconcile devices", "err", err)
		}
		select {
		case <-ctx.Done():
			m.wg.Wait()
			<-forwarderDone
			return nil
		case <-ticker.C:
		}
	}
}

// Reconcile compares the devices reported by the probe with the known
// devices. Probe failures leave the fleet unchanged and are returned.
func (m *Manager) Reconcile(ctx context.Context) error {
	ids, err := m.probe.ListConnected(ctx)
	if err != nil {
		if m.metrics != nil {
			m.metrics.probeFailures.Inc()
		}
		return ctxerr.Wrap(ctx, err, "list connected devices")
	}
	current := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id != "" {
			current[id] = true
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range current {
		w, known := m.watchers[id]
		switch {
		case !known:
			m.addLocked(ctx, id)
		case !m.connected[id]:
			level.Info(m.logger).Log("msg", "device reappeared", "device", id)
			m.connected[id] = true
			m.seen(ctx, id)
			w.SetOnline()
		default:
			m.registry.Seen(id, "")
		}
	}
	for id, w := range m.watchers {
		if m.connected[id] && !current[id] {
			level.Info(m.logger).Log("msg", "device vanished", "device", id)
			m.connected[id] = false
			w.SetOffline()
		}
	}
	return nil
}

// addLocked allocates a port for a newly connected device and starts its
// watcher. Devices without a port are left unmanaged, they are tried again on
// the next reconciliation.
func (m *Manager) addLocked(ctx context.Context, id string) {
	port, err := m.ports.Allocate(ctx, id)
	if err != nil {
		if errors.Is(err, fleet.ErrPortsExhausted) && m.metrics != nil {
			m.metrics.portExhaustions.Inc()
		}
		level.Error(m.logger).Log("msg", "allocate port", "device", id, "err", err)
		return
	}

	name := m.probe.ResolveName(ctx, id)
	m.registry.Register(id, name, port)
	level.Info(m.logger).Log("msg", "device connected", "device", id, "name", name, "port", port)

	w := NewWatcher(id, port, m.registry, m.watcherConfig)
	m.watchers[id] = w
	m.connected[id] = true

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runWatcher(ctx, w)
	}()
}

// seen refreshes the device's timestamp, resolving its name if it is still
// unknown.
func (m *Manager) seen(ctx context.Context, id string) {
	var name string
	if d, ok := m.registry.Get(id); ok && d.Name == "" {
		name = m.probe.ResolveName(ctx, id)
	}
	m.registry.Seen(id, name)
}

// forward saves the registry's transitions to the store, in order, and calls
// the status hook for each of them. Store failures are retried with backoff
// and then dropped, the next transition of the device overwrites the record.
func (m *Manager) forward(ctx context.Context) {
	outbox := m.registry.Outbox()
	for {
		for _, d := range outbox.Drain() {
			m.persist(ctx, d)
		}
		select {
		case <-ctx.Done():
			// flush what was emitted while stopping.
			for _, d := range outbox.Drain() {
				m.persist(context.Background(), d)
			}
			return
		case <-outbox.Notify():
		}
	}
}

func (m *Manager) persist(ctx context.Context, d fleet.Device) {
	if m.metrics != nil {
		m.metrics.transitionsTotal.WithLabelValues(string(d.State)).Inc()
	}
	if m.store != nil {
		op := func() error {
			return m.store.UpsertDevice(ctx, d.Copy())
		}
		bo := backoff.WithContext(m.persistBackOff(), ctx)
		if err := backoff.Retry(op, bo); err != nil {
			if m.metrics != nil {
				m.metrics.persistFailures.Inc()
			}
			level.Error(m.logger).Log("msg", "save device", "device", d.ID, "state", d.State, "err", err)
		}
	}
	if m.hook != nil {
		m.hook(d)
	}
}
