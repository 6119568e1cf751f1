package tasks

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the prometheus collectors of the scheduler.
type Metrics struct {
	submitted prometheus.Counter
	retried   prometheus.Counter
	finished  *prometheus.CounterVec
}

// NewMetrics creates the scheduler collectors and registers them with reg,
// reusing collectors that were already registered. A nil reg registers
// nothing.
func NewMetrics(reg prometheus.Registerer, queue *Queue) *Metrics {
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
		submitted: registerOrExisting(prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicefarm",
			Subsystem: "scheduler",
			Name:      "tasks_submitted_total",
			Help:      "Number of submitted tasks.",
		})).(prometheus.Counter),
		retried: registerOrExisting(prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicefarm",
			Subsystem: "scheduler",
			Name:      "tasks_retried_total",
			Help:      "Number of task retries after their device became unreachable.",
		})).(prometheus.Counter),
		finished: registerOrExisting(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicefarm",
			Subsystem: "scheduler",
			Name:      "tasks_finished_total",
			Help:      "Number of tasks that reached a terminal state, by state.",
		}, []string{"state"})).(*prometheus.CounterVec),
	}

	if queue != nil {
		registerOrExisting(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "devicefarm",
			Subsystem: "scheduler",
			Name:      "queue_length",
			Help:      "Number of tasks waiting for a device.",
		}, func() float64 {
			return float64(queue.Len())
		}))
	}
	return m
}
