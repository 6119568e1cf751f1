package devices

import (
	"github.com/fleetdm/devicefarm/server/fleet"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the prometheus collectors of the device fleet.
type Metrics struct {
	agentRestarts    prometheus.Counter
	portExhaustions  prometheus.Counter
	probeFailures    prometheus.Counter
	persistFailures  prometheus.Counter
	transitionsTotal *prometheus.CounterVec
}

// NewMetrics creates the fleet collectors and registers them with reg, reusing
// collectors that were already registered. A nil reg registers nothing.
func NewMetrics(reg prometheus.Registerer, registry *Registry) *Metrics {
	registerOrExisting := func(coll prometheus.Collector) prometheus.Collector {
		if reg == nil {
			return coll
		}
		if err := reg.Register(coll); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return are.ExistingCollector
			}
			panic(err)
		}
		return coll
	}

	m := &Metrics{
		agentRestarts: registerOrExisting(prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicefarm",
			Subsystem: "fleet",
			Name:      "agent_restarts_total",
			Help:      "Number of agents restarted after staying unhealthy past the startup timeout.",
		})).(prometheus.Counter),
		portExhaustions: registerOrExisting(prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicefarm",
			Subsystem: "fleet",
			Name:      "port_exhaustions_total",
			Help:      "Number of devices left unmanaged because no local port was free.",
		})).(prometheus.Counter),
		probeFailures: registerOrExisting(prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicefarm",
			Subsystem: "fleet",
			Name:      "probe_failures_total",
			Help:      "Number of failed attempts to list the connected devices.",
		})).(prometheus.Counter),
		persistFailures: registerOrExisting(prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicefarm",
			Subsystem: "fleet",
			Name:      "persist_failures_total",
			Help:      "Number of device transitions that could not be saved to the store.",
		})).(prometheus.Counter),
		transitionsTotal: registerOrExisting(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicefarm",
			Subsystem: "fleet",
			Name:      "transitions_total",
			Help:      "Number of device state transitions, by new state.",
		}, []string{"state"})).(*prometheus.CounterVec),
	}

	if registry != nil {
		for _, state := range []fleet.DeviceState{
			fleet.DeviceStatePreparing, fleet.DeviceStateIdle, fleet.DeviceStateOccupied, fleet.DeviceStateOffline,
		} {
			state := state
			registerOrExisting(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace:   "devicefarm",
				Subsystem:   "fleet",
				Name:        "devices",
				Help:        "Number of known devices, by state.",
				ConstLabels: prometheus.Labels{"state": string(state)},
			}, func() float64 {
				return float64(registry.CountByState()[state])
			}))
		}
	}
	return m
}
