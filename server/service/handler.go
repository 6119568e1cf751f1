package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fleetdm/devicefarm/server/fleet"
	"github.com/go-kit/kit/endpoint"
	kithttp "github.com/go-kit/kit/transport/http"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type errorHandler struct {
	logger log.Logger
}

func (h *errorHandler) Handle(ctx context.Context, err error) {
	// get the request path
	path, _ := ctx.Value(kithttp.ContextKeyRequestPath).(string)
	logger := level.Info(log.With(h.logger, "path", path))

	var bre *fleet.BadRequestError
	if errors.As(err, &bre) && bre.Internal() != "" {
		logger = log.With(logger, "internal", bre.Internal())
	}
	logger.Log("err", err)
}

// MakeHandler creates an HTTP handler for the management API endpoints.
func MakeHandler(svc fleet.Service, logger log.Logger) http.Handler {
	opts := []kithttp.ServerOption{
		kithttp.ServerBefore(
			kithttp.PopulateRequestContext, // populate the request context with common fields
		),
		kithttp.ServerErrorHandler(&errorHandler{logger}),
		kithttp.ServerErrorEncoder(encodeError),
		kithttp.ServerAfter(
			kithttp.SetContentType("application/json; charset=utf-8"),
		),
	}

	r := mux.NewRouter()
	attachAPIRoutes(r, svc, logger, opts)
	addMetrics(r)

	return r
}

func attachAPIRoutes(r *mux.Router, svc fleet.Service, logger log.Logger, opts []kithttp.ServerOption) {
	r.Handle("/api/v1/tests",
		newServer(makeListTestsEndpoint(svc), decodeNoParamsRequest, opts),
	).Methods("GET").Name("list_tests")
	r.Handle("/api/v1/tests/{name}/run",
		newServer(makeSubmitTestEndpoint(svc), decodeSubmitTestRequest, opts),
	).Methods("POST").Name("submit_test")

	r.Handle("/api/v1/tasks",
		newServer(makeListTasksEndpoint(svc), decodeListTasksRequest, opts),
	).Methods("GET").Name("list_tasks")
	r.Handle("/api/v1/tasks/{id}",
		newServer(makeGetTaskEndpoint(svc), decodeGetTaskRequest, opts),
	).Methods("GET").Name("get_task")
	r.Handle("/api/v1/tasks/{id}/stop",
		newServer(makeStopTaskEndpoint(svc), decodeStopTaskRequest, opts),
	).Methods("POST").Name("stop_task")
	r.Handle("/api/v1/tasks/{id}/log",
		kithttp.NewServer(makeTaskLogEndpoint(svc), decodeTaskLogRequest, encodeTaskLogResponse, opts...),
	).Methods("GET").Name("task_log")

	r.Handle("/api/v1/devices",
		newServer(makeListDevicesEndpoint(svc), decodeNoParamsRequest, opts),
	).Methods("GET").Name("list_devices")

	r.Handle("/api/v1/events", makeStatusFeedHandler(svc, logger)).Methods("GET").Name("status_feed")
}

func newServer(e endpoint.Endpoint, decodeFn kithttp.DecodeRequestFunc, opts []kithttp.ServerOption) http.Handler {
	return kithttp.NewServer(e, decodeFn, encodeResponse, opts...)
}

// makeStatusFeedHandler streams the status feed as newline-delimited JSON
// until the client goes away.
func makeStatusFeedHandler(svc fleet.Service, logger log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		events, err := svc.StatusFeed(ctx)
		if err != nil {
			encodeError(ctx, err, w)
			return
		}

		flusher, _ := w.(http.Flusher)
		flush := func() {
			if flusher != nil {
				flusher.Flush()
			}
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		flush()

		enc := json.NewEncoder(w)
		for msg := range events {
			switch msg := msg.(type) {
			case fleet.StatusEvent:
				if err := enc.Encode(msg); err != nil {
					return
				}
				flush()
			case error:
				level.Info(logger).Log("msg", "status feed interrupted", "err", msg)
				return
			}
		}
	})
}

// PrometheusMetricsHandler wraps the provided handler with prometheus metrics
// middleware and returns the resulting handler that should be mounted for that
// route.
func PrometheusMetricsHandler(name string, handler http.Handler) http.Handler {
	reg := prometheus.DefaultRegisterer
	registerOrExisting := func(coll prometheus.Collector) prometheus.Collector {
		if err := reg.Register(coll); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return are.ExistingCollector
			}
			panic(err)
		}
		return coll
	}

	reqCnt := registerOrExisting(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem:   "http",
			Name:        "requests_total",
			Help:        "Total number of HTTP requests made.",
			ConstLabels: prometheus.Labels{"handler": name},
		},
		[]string{"method", "code"},
	)).(*prometheus.CounterVec)

	reqDur := registerOrExisting(prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem:   "http",
			Name:        "request_duration_seconds",
			Help:        "The HTTP request latencies in seconds.",
			ConstLabels: prometheus.Labels{"handler": name},
			// Use default buckets, as they are suited for durations.
		},
		nil,
	)).(*prometheus.HistogramVec)

	// 1KB, 100KB, 1MB, 100MB, 1GB
	sizeBuckets := []float64{1024, 100 * 1024, 1024 * 1024, 100 * 1024 * 1024, 1024 * 1024 * 1024}

	resSz := registerOrExisting(prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem:   "http",
			Name:        "response_size_bytes",
			Help:        "The HTTP response sizes in bytes.",
			ConstLabels: prometheus.Labels{"handler": name},
			Buckets:     sizeBuckets,
		},
		nil,
	)).(*prometheus.HistogramVec)

	return promhttp.InstrumentHandlerDuration(reqDur,
		promhttp.InstrumentHandlerCounter(reqCnt,
			promhttp.InstrumentHandlerResponseSize(resSz, handler)))
}

// addMetrics decorates each handler with prometheus instrumentation
func addMetrics(r *mux.Router) {
	walkFn := func(route *mux.Route, router *mux.Router, ancestors []*mux.Route) error {
		route.Handler(PrometheusMetricsHandler(route.GetName(), route.GetHandler()))
		return nil
	}
	r.Walk(walkFn) //nolint:errcheck
}
