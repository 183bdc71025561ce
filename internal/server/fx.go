// Package server assembles the verifyd application from configuration.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/verifyd/internal/api"
	"github.com/JakeFAU/verifyd/internal/clock/system"
	"github.com/JakeFAU/verifyd/internal/config"
	"github.com/JakeFAU/verifyd/internal/dispatcher"
	"github.com/JakeFAU/verifyd/internal/hash/sha256"
	"github.com/JakeFAU/verifyd/internal/id/uuid"
	"github.com/JakeFAU/verifyd/internal/ledger"
	"github.com/JakeFAU/verifyd/internal/logging"
	"github.com/JakeFAU/verifyd/internal/metrics"
	"github.com/JakeFAU/verifyd/internal/orchestrator"
	"github.com/JakeFAU/verifyd/internal/policy/daily"
	"github.com/JakeFAU/verifyd/internal/policy/ratelimit"
	"github.com/JakeFAU/verifyd/internal/progress"
	progresssinks "github.com/JakeFAU/verifyd/internal/progress/sinks"
	"github.com/JakeFAU/verifyd/internal/proxy"
	"github.com/JakeFAU/verifyd/internal/proxy/collyprobe"
	"github.com/JakeFAU/verifyd/internal/publisher"
	"github.com/JakeFAU/verifyd/internal/publisher/amqp"
	queuememory "github.com/JakeFAU/verifyd/internal/queue/memory"
	"github.com/JakeFAU/verifyd/internal/service"
	"github.com/JakeFAU/verifyd/internal/storage"
	memorystorage "github.com/JakeFAU/verifyd/internal/storage/memory"
	pgstore "github.com/JakeFAU/verifyd/internal/storage/postgres"
	"github.com/JakeFAU/verifyd/internal/telemetry"
	"github.com/JakeFAU/verifyd/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// ErrNoExecutor is the technical failure reported when the binary runs
// without an executor plugged in.
var ErrNoExecutor = errors.New("no executor configured")

// Option customizes Build.
type Option func(*options)

type options struct {
	executor   orchestrator.Executor
	registerer prometheus.Registerer
	logger     *zap.Logger
	listener   net.Listener
	clock      orchestrator.Clock
}

// WithExecutor sets the executor every worker runs attempts with.
func WithExecutor(e orchestrator.Executor) Option {
	return func(o *options) { o.executor = e }
}

// WithRegisterer registers progress collectors somewhere other than the
// default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithLogger skips logger construction from config.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithListener serves HTTP on ln instead of the configured port.
func WithListener(ln net.Listener) Option {
	return func(o *options) { o.listener = ln }
}

// WithClock overrides the system clock.
func WithClock(c orchestrator.Clock) Option {
	return func(o *options) { o.clock = c }
}

// App contains the application's dependencies.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	srv      *http.Server
	listener net.Listener
	handler  http.Handler

	Service  *service.Service
	dispatch *dispatcher.Dispatcher
	queue    *queuememory.Queue
	monitor  *proxy.Monitor
	hub      *progress.Hub
	db       *pgstore.Store

	closers        []namedCloser
	tracerShutdown func(context.Context) error
}

type namedCloser struct {
	name string
	fn   func() error
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Run starts the dispatcher, proxy monitor and HTTP server, and blocks until
// ctx is canceled, a signal arrives or a component fails. Infrastructure is
// closed before Run returns.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	a.logger.Info("application started", zap.Int("port", a.cfg.Server.Port))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.dispatch.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return a.monitor.Run(gctx)
	})
	g.Go(func() error {
		worker.WakeOnRecovery(gctx, a.monitor, a.queue)
		return nil
	})
	g.Go(func() error {
		var err error
		if a.listener != nil {
			err = a.srv.Serve(a.listener)
		} else {
			err = a.srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := a.srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})

	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	a.Close(closeCtx)
	return runErr
}

// Close flushes events and releases clients. Safe to call once after Run or
// instead of it.
func (a *App) Close(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
		}
	}
	a.closers = nil
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
}

func (a *App) addCloser(name string, fn func() error) {
	a.closers = append(a.closers, namedCloser{name: name, fn: fn})
}

type stores struct {
	accounts orchestrator.AccountStore
	stats    orchestrator.StatsStore
	vouchers orchestrator.VoucherStore
	jobs     orchestrator.JobStore
	lastID   orchestrator.JobID
}

// Build creates the application's dependencies. On error every client opened
// so far is closed.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (_ *App, err error) {
	o := options{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		logger, err = logging.New(logging.Options{
			Development: cfg.Logging.Development,
			Level:       cfg.Logging.Level,
			Service:     cfg.Tracing.ServiceName,
		})
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}

	app := &App{cfg: cfg, logger: logger, listener: o.listener}
	defer func() {
		if err != nil {
			app.Close(context.WithoutCancel(ctx))
		}
	}()

	metrics.Init()
	if cfg.Tracing.Enabled {
		tp, terr := telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: cfg.Tracing.ServiceName,
			Exporter:    telemetry.Exporter(cfg.Tracing.Exporter),
			ProjectID:   cfg.Tracing.ProjectID,
			SampleRatio: cfg.Tracing.SampleRatio,
		})
		if terr != nil {
			return nil, fmt.Errorf("tracer init failed: %w", terr)
		}
		app.tracerShutdown = tp.Shutdown
	}

	clk := o.clock
	if clk == nil {
		clk = system.New()
	}
	executor := o.executor
	if executor == nil {
		logger.Warn("no executor configured; every attempt will fail technically and be refunded")
		executor = orchestrator.ExecutorFunc(func(context.Context, orchestrator.Payload, orchestrator.Proxy) orchestrator.Outcome {
			return orchestrator.TechnicalFailure(ErrNoExecutor.Error())
		})
	}

	st, err := setupStores(ctx, app)
	if err != nil {
		return nil, err
	}

	blobs, closeBlobs, err := storage.NewBlobStore(ctx, cfg.StorageSettings())
	if err != nil {
		return nil, fmt.Errorf("blob store init failed: %w", err)
	}
	app.addCloser("blob store", closeBlobs)
	logger.Info("blob store initialized", zap.String("backend", cfg.Storage.Backend))

	pub, closePub, err := publisher.New(ctx, publisher.Config{
		Backend:   publisher.Backend(cfg.Notify.Backend),
		ProjectID: cfg.Notify.ProjectID,
		AMQP: amqp.Config{
			URL:          cfg.Notify.AMQP.URL,
			Exchange:     cfg.Notify.AMQP.Exchange,
			ExchangeType: cfg.Notify.AMQP.ExchangeType,
		},
	}, logger.Named("publisher"))
	if err != nil {
		return nil, fmt.Errorf("publisher init failed: %w", err)
	}
	app.addCloser("publisher", closePub)

	emitter, err := setupProgress(ctx, app, o.registerer)
	if err != nil {
		return nil, err
	}

	app.monitor, err = setupProxies(app, clk, emitter)
	if err != nil {
		return nil, err
	}

	led := ledger.New(st.accounts, st.stats, st.vouchers, uuid.New(), uuid.New(), clk, ledger.Config{
		WelcomeGrant:  cfg.Credits.WelcomeGrant,
		ReferralBonus: cfg.Credits.ReferralBonus,
		Vouchers:      cfg.Credits.Vouchers,
	}, logger.Named("ledger"))
	limiter := daily.New(daily.Config{
		Limit:       cfg.Daily.Limit,
		ResetOffset: cfg.Daily.ResetOffset,
		Policy:      daily.Policy(cfg.Daily.Policy),
	}, clk)
	queue := queuememory.NewQueue(queuememory.WithClock(clk))
	app.queue = queue

	workerCfg := worker.Config{
		Cost:                cfg.Worker.Cost,
		ExecTimeout:         cfg.Worker.ExecTimeout,
		MaxDeferrals:        cfg.Worker.MaxDeferrals,
		DeferralBackoff:     cfg.Worker.DeferralBackoff,
		CooldownBetweenJobs: cfg.Worker.Cooldown,
		Topic:               cfg.Notify.Topic,
	}
	deps := worker.Deps{
		Executor:  executor,
		Pool:      app.monitor,
		Blobs:     blobs,
		Hasher:    sha256.New(),
		Clock:     clk,
		Emitter:   emitter,
		Ledger:    led,
		Limiter:   limiter,
		JobStore:  st.jobs,
		Publisher: pub,
	}
	deps.Finisher = worker.NewFinisher(deps, workerCfg, logger.Named("finisher"))

	// More workers than proxies would only contend for leases.
	poolSize := min(cfg.Worker.PoolSize, app.monitor.Len())
	runners := make([]dispatcher.Runner, 0, poolSize)
	for i := range poolSize {
		runners = append(runners, worker.New(i, queue, deps, workerCfg, logger.Named("worker").With(zap.Int("index", i))))
	}
	logger.Info("worker pool sized",
		zap.Int("configured", cfg.Worker.PoolSize),
		zap.Int("proxies", app.monitor.Len()),
		zap.Int("workers", poolSize),
	)
	app.dispatch = dispatcher.New(queue, runners, deps.Finisher, logger.Named("dispatcher"))

	app.Service = service.New(service.Deps{
		Queue:     queue,
		Ledger:    led,
		Jobs:      st.jobs,
		Stats:     st.stats,
		Limiter:   limiter,
		Pool:      app.monitor,
		Throttle:  ratelimit.New(ratelimit.Config{PerMinute: cfg.RateLimit.PerMinute, Burst: cfg.RateLimit.Burst}),
		Canceller: deps.Finisher,
		Emitter:   emitter,
		Clock:     clk,
	}, service.Config{Cost: cfg.Worker.Cost, Workers: poolSize}, st.lastID, logger.Named("service"))

	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	apiServer := api.NewServer(app.Service, app.ready, api.Config{
		APIKey:         apiKey,
		RequestTimeout: cfg.Server.RequestTimeout,
		MaxWait:        cfg.Server.MaxWait,
	}, logger.Named("api"))
	app.handler = apiServer.Handler()
	app.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           app.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return app, nil
}

// ready fails while no proxy is usable or the database is unreachable.
func (a *App) ready(ctx context.Context) error {
	if a.monitor.HealthyCount() == 0 {
		return errors.New("no healthy proxy")
	}
	if a.db != nil {
		if err := a.db.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

func setupStores(ctx context.Context, app *App) (stores, error) {
	cfg := app.cfg.Database
	if cfg.DSN == "" {
		app.logger.Warn("no database dsn configured; state is kept in memory")
		return stores{
			accounts: memorystorage.NewAccountStore(),
			stats:    memorystorage.NewStatsStore(),
			vouchers: memorystorage.NewVoucherStore(),
			jobs:     memorystorage.NewJobStore(),
		}, nil
	}

	db, err := pgstore.NewStore(ctx, pgstore.Config{
		DSN:             cfg.DSN,
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		MaxConnLifetime: cfg.MaxConnLifetime,
	})
	if err != nil {
		return stores{}, fmt.Errorf("postgres init failed: %w", err)
	}
	app.db = db
	app.addCloser("postgres", func() error {
		db.Close()
		return nil
	})
	if cfg.Migrate {
		if err := db.Migrate(ctx); err != nil {
			return stores{}, fmt.Errorf("postgres migrate failed: %w", err)
		}
	}
	lastID, err := db.LastJobID(ctx)
	if err != nil {
		return stores{}, err
	}
	app.logger.Info("postgres store initialized", zap.Uint64("last_job_id", uint64(lastID)))
	return stores{accounts: db, stats: db, vouchers: db, jobs: db, lastID: lastID}, nil
}

func setupProgress(ctx context.Context, app *App, reg prometheus.Registerer) (progress.Emitter, error) {
	cfg := app.cfg.Progress
	if !cfg.Enabled {
		app.logger.Info("progress tracking disabled")
		return nil, nil
	}
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("progress prometheus sink: %w", err)
	}
	sinkList := []progress.Sink{promSink}
	if cfg.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
	}
	hubCfg := progress.Config{
		BufferSize:     cfg.BufferSize,
		MaxBatchEvents: cfg.MaxBatchEvents,
		MaxBatchWait:   cfg.MaxBatchWait,
		SinkTimeout:    cfg.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         app.logger.Named("progress_hub"),
	}
	app.hub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("sinks", len(sinkList)),
	)
	return app.hub, nil
}

func setupProxies(app *App, clk orchestrator.Clock, emitter progress.Emitter) (*proxy.Monitor, error) {
	cfg := app.cfg.Proxy
	addrs, err := ProxyAddresses(cfg)
	if err != nil {
		return nil, err
	}
	var prober proxy.Prober
	if cfg.ProbeURL != "" {
		p, err := collyprobe.New(collyprobe.Config{
			URL:       cfg.ProbeURL,
			UserAgent: cfg.UserAgent,
			Timeout:   cfg.ProbeTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("proxy prober init failed: %w", err)
		}
		prober = p
	}
	return proxy.NewMonitor(addrs, prober, clk, emitter, MonitorConfig(cfg), app.logger.Named("proxy"))
}

// ProxyAddresses merges the proxies file with the inline list, normalized.
func ProxyAddresses(cfg config.ProxyConfig) ([]string, error) {
	var addrs []string
	if cfg.File != "" {
		fromFile, err := proxy.LoadFile(cfg.File)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, fromFile...)
	}
	// A proxy listed in both places is kept once.
	merged, err := proxy.NormalizeAll(append(addrs, cfg.Addresses...))
	if err != nil {
		return nil, fmt.Errorf("proxy.addresses: %w", err)
	}
	return merged, nil
}

// MonitorConfig converts the proxy section for proxy.NewMonitor.
func MonitorConfig(cfg config.ProxyConfig) proxy.Config {
	return proxy.Config{
		FailureThreshold: cfg.FailureThreshold,
		ProbeInterval:    cfg.ProbeInterval,
		WarmupGrace:      cfg.WarmupGrace,
		ProbeAttempts:    cfg.ProbeAttempts,
		ProbeBackoff:     cfg.ProbeBackoff,
		ProbeTimeout:     cfg.ProbeTimeout,
		ProbesPerSecond:  cfg.ProbesPerSecond,
	}
}
