package main

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/fleetdm/devicefarm/server/config"
	"github.com/fleetdm/devicefarm/server/contexts/ctxerr"
	"github.com/fleetdm/devicefarm/server/datastore/inmem"
	"github.com/fleetdm/devicefarm/server/datastore/mysql"
	"github.com/fleetdm/devicefarm/server/datastore/redis"
	"github.com/fleetdm/devicefarm/server/devices"
	"github.com/fleetdm/devicefarm/server/errorstore"
	"github.com/fleetdm/devicefarm/server/fleet"
	"github.com/fleetdm/devicefarm/server/health"
	"github.com/fleetdm/devicefarm/server/pubsub"
	"github.com/fleetdm/devicefarm/server/service"
	"github.com/fleetdm/devicefarm/server/tasks"
	"github.com/fleetdm/devicefarm/server/version"
	"github.com/getsentry/sentry-go"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

func createServeCmd(configManager config.Manager) *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Launch the device farm server",
		Long: `
Launch the device farm server

Use devicefarm serve to watch the connected devices, keep their automation
agents alive and run the submitted tests on them. The management API is served
on server.address.
`,
		Run: func(cmd *cobra.Command, args []string) {
			cfg := configManager.LoadConfig()
			logger := initLogger(cfg.Logging, os.Stderr)

			if err := runServe(cfg, logger); err != nil {
				level.Error(logger).Log("msg", "server terminated with error", "err", err)
				os.Exit(1)
			}
		},
	}

	return serveCmd
}

// initLogger builds the server logger, writing to the rotated file
// cfg.File when set and to stderr otherwise.
func initLogger(cfg config.LoggingConfig, stderr io.Writer) log.Logger {
	out := stderr
	if cfg.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize, // megabytes
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge, // days
		}
	}
	out = log.NewSyncWriter(out)

	var logger log.Logger
	if cfg.JSON {
		logger = log.NewJSONLogger(out)
	} else {
		logger = log.NewLogfmtLogger(out)
	}

	lvl := level.AllowInfo()
	if cfg.Debug {
		lvl = level.AllowDebug()
	}
	logger = level.NewFilter(logger, lvl)
	return log.With(logger, "ts", log.DefaultTimestampUTC)
}

func runServe(cfg config.DeviceFarmConfig, logger log.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Sentry.Dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.Sentry.Dsn, Release: version.Version().Version}); err != nil {
			return ctxerr.Wrap(ctx, err, "initializing sentry")
		}
		level.Info(logger).Log("msg", "sentry initialized", "dsn", cfg.Sentry.Dsn)

		defer sentry.Recover()
		defer sentry.Flush(2 * time.Second)
	}
	var errOpts []errorstore.Option
	if cfg.Sentry.Dsn != "" {
		errOpts = append(errOpts, errorstore.WithSentry())
	}
	eh := errorstore.NewHandler(logger, errorstore.DefaultTTL, errOpts...)
	ctx = ctxerr.NewContext(ctx, eh)

	var closers []func() error
	closeAll := func() error {
		var merr *multierror.Error
		for i := len(closers) - 1; i >= 0; i-- {
			merr = multierror.Append(merr, closers[i]())
		}
		return merr.ErrorOrNil()
	}

	ds, err := initDatastore(ctx, cfg.Mysql, logger)
	if err != nil {
		return err
	}
	if closer, ok := ds.(io.Closer); ok {
		closers = append(closers, closer.Close)
	}
	// nothing is connected yet, whatever the store remembers is stale.
	if err := ds.ResetDevices(ctx); err != nil {
		return multierror.Append(ctxerr.Wrap(ctx, err, "reset devices"), closeAll())
	}

	healthCheckers := map[string]health.Checker{
		"datastore": ds,
	}

	var feed fleet.StatusFeed = pubsub.NewInmemStatusFeed()
	if cfg.Redis.Address != "" {
		pool, err := redis.NewPool(cfg.Redis)
		if err != nil {
			return multierror.Append(ctxerr.Wrap(ctx, err, "initialize redis pool"), closeAll())
		}
		closers = append(closers, pool.Close)
		feed = pubsub.NewRedisStatusFeed(pool)
		healthCheckers["redis"] = redis.HealthChecker(pool)
		level.Info(logger).Log("msg", "publishing status feed to redis", "address", cfg.Redis.Address)
	}

	// device fleet
	registry := devices.NewRegistry(clock.C)
	agentHealth := devices.NewHTTPHealthChecker(cfg.Fleet.HealthTimeout)
	manager := devices.NewManager(
		&devices.CommandProbe{
			ListCommand: strings.Fields(cfg.Fleet.ListCommand),
			NameCommand: strings.Fields(cfg.Fleet.NameCommand),
		},
		devices.NewPortAllocator(cfg.Fleet.PortBase, cfg.Fleet.PortWindow),
		registry,
		ds,
		devices.WatcherConfig{
			Proxy: &devices.CommandProxy{
				Command:   strings.Fields(cfg.Fleet.ProxyCommand),
				AgentPort: cfg.Fleet.AgentPort,
			},
			Agent: &devices.CommandAgent{
				Command: strings.Fields(cfg.Fleet.AgentCommand),
				LogDir:  cfg.Fleet.AgentLogDir,
			},
			Health:         agentHealth,
			Clock:          clock.C,
			Interval:       cfg.Fleet.WatchInterval,
			StartupTimeout: cfg.Fleet.StartupTimeout,
			StopGrace:      cfg.Fleet.StopGrace,
		},
		devices.WithStatusHook(pubsub.DeviceHook(ctx, feed, logger)),
		devices.WithReconcileInterval(cfg.Fleet.ReconcileInterval),
		devices.WithLogger(logger),
		devices.WithMetrics(devices.NewMetrics(prometheus.DefaultRegisterer, registry)),
	)

	// task scheduling
	queue := tasks.NewQueue()
	catalog := &tasks.Catalog{Dir: cfg.Scheduler.TestsDir}
	execution := tasks.NewExecution(
		&tasks.CommandRunner{
			Command:  strings.Fields(cfg.Scheduler.RunnerCommand),
			TestsDir: cfg.Scheduler.TestsDir,
		},
		cfg.Scheduler.LogsDir,
		logger,
	)
	scheduler := tasks.NewScheduler(registry, execution, ds,
		tasks.WithQueue(queue),
		tasks.WithMaxRetries(cfg.Scheduler.MaxRetries),
		tasks.WithDequeueTimeout(cfg.Scheduler.DequeueTimeout),
		tasks.WithRescanInterval(cfg.Scheduler.RescanInterval),
		tasks.WithHealthChecker(agentHealth),
		tasks.WithCatalog(catalog),
		tasks.WithTaskHook(pubsub.TaskHook(ctx, feed, logger)),
		tasks.WithLogger(logger),
		tasks.WithMetrics(tasks.NewMetrics(prometheus.DefaultRegisterer, queue)),
	)

	svc := service.NewService(ds, scheduler, registry, catalog, feed, cfg.Scheduler.LogsDir, logger)

	fieldKeys := []string{"method", "error"}
	requestCount := kitprometheus.NewCounterFrom(prometheus.CounterOpts{
		Namespace: "api",
		Subsystem: "service",
		Name:      "request_count",
		Help:      "Number of requests received.",
	}, fieldKeys)
	requestLatency := kitprometheus.NewSummaryFrom(prometheus.SummaryOpts{
		Namespace: "api",
		Subsystem: "service",
		Name:      "request_latency_seconds",
		Help:      "Total duration of requests in seconds.",
	}, fieldKeys)

	svc = service.NewLoggingService(svc, log.With(logger, "component", "service"))
	svc = service.NewMetricsService(svc, requestCount, requestLatency)

	httpLogger := log.With(logger, "component", "http")

	rootMux := http.NewServeMux()
	rootMux.Handle("/healthz", service.PrometheusMetricsHandler("healthz", health.Handler(httpLogger, healthCheckers)))
	rootMux.Handle("/metrics", service.PrometheusMetricsHandler("metrics", promhttp.Handler()))
	rootMux.Handle("/version", service.PrometheusMetricsHandler("version", version.Handler()))
	rootMux.Handle("/debug/errors", eh)
	rootMux.Handle("/api/", service.MakeHandler(svc, httpLogger))

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           rootMux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       25 * time.Second,
		// no WriteTimeout, the events endpoint streams for as long as the
		// client stays connected.
		IdleTimeout: 5 * time.Minute,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	srv.SetKeepAlivesEnabled(cfg.Server.Keepalive)

	var g run.Group
	{
		fleetCtx, stopFleet := context.WithCancel(ctx)
		g.Add(func() error {
			return manager.Run(fleetCtx)
		}, func(error) {
			stopFleet()
		})
	}
	{
		schedCtx, stopScheduler := context.WithCancel(ctx)
		g.Add(func() error {
			return scheduler.Run(schedCtx)
		}, func(error) {
			stopScheduler()
		})
	}
	g.Add(func() error {
		if !cfg.Server.TLS {
			logger.Log("transport", "http", "address", cfg.Server.Address, "msg", "listening")
			return srv.ListenAndServe()
		}
		logger.Log("transport", "https", "address", cfg.Server.Address, "msg", "listening")
		srv.TLSConfig = getTLSConfig(cfg.Server.TLSProfile)
		return srv.ListenAndServeTLS(cfg.Server.Cert, cfg.Server.Key)
	}, func(error) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			level.Info(logger).Log("msg", "http server shutdown", "err", err)
		}
	})
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	err = g.Run()
	logger.Log("terminated", err)

	var sigErr run.SignalError
	if errors.As(err, &sigErr) || errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	if err != nil {
		return multierror.Append(err, closeAll())
	}
	return closeAll()
}

// initDatastore returns the MySQL store, migrated, when an address is
// configured, and the in-memory store otherwise.
func initDatastore(ctx context.Context, cfg config.MysqlConfig, logger log.Logger) (fleet.Datastore, error) {
	if cfg.Address == "" {
		level.Info(logger).Log("msg", "no mysql address configured, records are kept in memory")
		return inmem.New(clock.C), nil
	}

	ds, err := mysql.New(cfg, clock.C, mysql.Logger(logger))
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "initializing datastore")
	}
	if err := ds.MigrateTables(ctx); err != nil {
		ds.Close() //nolint:errcheck
		return nil, ctxerr.Wrap(ctx, err, "migrating datastore")
	}
	return ds, nil
}

// Support for TLS security profiles, we set up the TLS configuation based on
// value supplied to server_tls_compatibility command line flag. The default
// profile is 'intermediate'.
// See https://wiki.mozilla.org/index.php?title=Security/Server_Side_TLS&oldid=1229478
func getTLSConfig(profile string) *tls.Config {
	cfg := tls.Config{}

	switch profile {
	case config.TLSProfileModern:
		cfg.MinVersion = tls.VersionTLS13
		cfg.CurvePreferences = append(cfg.CurvePreferences,
			tls.X25519,
			tls.CurveP256,
			tls.CurveP384,
		)
		cfg.CipherSuites = append(cfg.CipherSuites,
			tls.TLS_AES_128_GCM_SHA256,
			tls.TLS_AES_256_GCM_SHA384,
			tls.TLS_CHACHA20_POLY1305_SHA256,
			// required by Go's HTTP/2 implementation
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		)
	case config.TLSProfileIntermediate:
		cfg.MinVersion = tls.VersionTLS12
		cfg.CurvePreferences = append(cfg.CurvePreferences,
			tls.X25519,
			tls.CurveP256,
			tls.CurveP384,
		)
		cfg.CipherSuites = append(cfg.CipherSuites,
			tls.TLS_AES_128_GCM_SHA256,
			tls.TLS_AES_256_GCM_SHA384,
			tls.TLS_CHACHA20_POLY1305_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		)
	default:
		panic("invalid tls profile " + profile)
	}

	return &cfg
}
