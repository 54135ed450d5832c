// Package app builds the service graph from configuration and owns its
// lifecycle: Build wires every component, Run serves until the context ends
// and Close releases resources in reverse dependency order.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/rafaelwaynne/procwatch/internal/api"
	"github.com/rafaelwaynne/procwatch/internal/clock/system"
	"github.com/rafaelwaynne/procwatch/internal/config"
	"github.com/rafaelwaynne/procwatch/internal/digest"
	"github.com/rafaelwaynne/procwatch/internal/extract"
	"github.com/rafaelwaynne/procwatch/internal/fetcher"
	collyfetcher "github.com/rafaelwaynne/procwatch/internal/fetcher/colly"
	headlessfetcher "github.com/rafaelwaynne/procwatch/internal/fetcher/headless"
	"github.com/rafaelwaynne/procwatch/internal/hash/sha256"
	"github.com/rafaelwaynne/procwatch/internal/headless/detector"
	"github.com/rafaelwaynne/procwatch/internal/id/uuid"
	"github.com/rafaelwaynne/procwatch/internal/logging"
	"github.com/rafaelwaynne/procwatch/internal/mail"
	"github.com/rafaelwaynne/procwatch/internal/metrics"
	"github.com/rafaelwaynne/procwatch/internal/monitor"
	"github.com/rafaelwaynne/procwatch/internal/notify"
	"github.com/rafaelwaynne/procwatch/internal/notify/sinks"
	"github.com/rafaelwaynne/procwatch/internal/policy/ratelimit"
	memorypublisher "github.com/rafaelwaynne/procwatch/internal/publisher/memory"
	gcppublisher "github.com/rafaelwaynne/procwatch/internal/publisher/pubsub"
	"github.com/rafaelwaynne/procwatch/internal/realtime"
	"github.com/rafaelwaynne/procwatch/internal/scan"
	"github.com/rafaelwaynne/procwatch/internal/scheduler"
	gcsstorage "github.com/rafaelwaynne/procwatch/internal/storage/gcs"
	localstorage "github.com/rafaelwaynne/procwatch/internal/storage/local"
	memorystorage "github.com/rafaelwaynne/procwatch/internal/storage/memory"
	pgstore "github.com/rafaelwaynne/procwatch/internal/storage/postgres"
	sqlitestore "github.com/rafaelwaynne/procwatch/internal/storage/sqlite"
	"github.com/rafaelwaynne/procwatch/internal/telemetry"
)

// Task names registered with the scheduler.
const (
	TaskScan   = "scan"
	TaskDigest = "digest"
)

// Options carries process-level collaborators that do not come from config.
type Options struct {
	// Logger overrides the logger built from cfg.Logging.
	Logger *zap.Logger
	// Registerer receives the notify collectors (default prometheus.DefaultRegisterer).
	Registerer prometheus.Registerer
	Version    string
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store        monitor.Store
	closeStore   func()
	archive      monitor.BlobStore
	closeArchive func() error
	publisher    monitor.Publisher
	pubsubClient *pubsub.Client
	pubsubPub    *gcppublisher.Publisher
	headless     *headlessfetcher.Fetcher

	hub       *notify.Hub
	realtime  *realtime.Broadcaster
	scanner   *scan.Orchestrator
	digestJob *digest.Job
	scheduler *scheduler.Scheduler
	apiServer *api.Server

	tracerShutdown func(context.Context) error
	baseCtx        context.Context
	cancelBase     context.CancelFunc
	closing        atomic.Bool
	closed         atomic.Bool
}

// Build creates the application's dependencies. On error everything built so
// far is released.
func Build(ctx context.Context, cfg config.Config, opts Options) (_ *App, err error) {
	logger := opts.Logger
	if logger == nil {
		logger, err = logging.New(logging.Options{
			Development: cfg.Logging.Development,
			Level:       cfg.Logging.Level,
			Service:     "procwatch",
		})
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}
	metrics.Init()

	baseCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a := &App{cfg: cfg, logger: logger, baseCtx: baseCtx, cancelBase: cancel}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	a.tracerShutdown, err = telemetry.Init(ctx, telemetry.Options{ServiceName: "procwatch", Version: opts.Version})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	a.logger.Info("building application dependencies",
		zap.String("store", cfg.Store.Backend),
		zap.String("archive", cfg.Archive.Backend),
		zap.Duration("scan_interval", cfg.ScanInterval()),
	)

	if err = a.setupStore(ctx); err != nil {
		return nil, err
	}
	if err = a.setupArchive(ctx); err != nil {
		return nil, err
	}
	if err = a.setupPublisher(ctx); err != nil {
		return nil, err
	}
	if err = a.setupNotify(opts.Registerer); err != nil {
		return nil, err
	}

	clock := system.New()
	ids := uuid.New()

	fetch, err := a.setupFetcher()
	if err != nil {
		return nil, err
	}

	scanCfg := scan.Config{}
	var archive monitor.BlobStore
	if cfg.Scan.ArchiveSnapshots && a.archive != nil {
		archive = a.archive
		scanCfg.ArchivePrefix = cfg.Archive.Prefix
		scanCfg.ArchiveContentType = cfg.Archive.ContentType
	}
	a.scanner, err = scan.New(scan.Deps{
		Store:       a.store,
		Fetcher:     fetch,
		Extractor:   extract.New(extract.Options{Clock: clock}),
		Broadcaster: a.hub,
		Archive:     archive,
		Hasher:      sha256.New(),
		Clock:       clock,
		IDs:         ids,
		Logger:      logger.Named("scan"),
	}, scanCfg)
	if err != nil {
		return nil, fmt.Errorf("scan orchestrator init failed: %w", err)
	}

	a.digestJob, err = digest.NewJob(a.store, a.digestSender(), clock, digest.Window, logger.Named("digest"))
	if err != nil {
		return nil, fmt.Errorf("digest job init failed: %w", err)
	}

	a.scheduler, err = scheduler.New(logger.Named("scheduler"), a.tasks()...)
	if err != nil {
		return nil, fmt.Errorf("scheduler init failed: %w", err)
	}

	var digestRunner api.DigestRunner
	if cfg.Digest.Enabled {
		digestRunner = a.digestJob
	}
	a.apiServer, err = api.NewServer(api.Options{
		Store:       a.store,
		Scanner:     a.scanner,
		Digest:      digestRunner,
		Broadcaster: a.hub,
		Realtime:    a.realtime.Handler(),
		IDs:         ids,
		Clock:       clock,
		Auth:        cfg.Auth,
		MockPages:   cfg.API.MockPages,
		Ready:       a.ready,
		BaseContext: a.baseCtx,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("api server init failed: %w", err)
	}
	return a, nil
}

func (a *App) setupStore(ctx context.Context) error {
	switch a.cfg.Store.Backend {
	case "sqlite":
		st, err := sqlitestore.Open(ctx, a.cfg.Store.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlite store init failed: %w", err)
		}
		a.store = st
		a.closeStore = func() {
			if err := st.Close(); err != nil {
				a.logger.Warn("sqlite store close failed", zap.Error(err))
			}
		}
		a.logger.Info("using sqlite store", zap.String("path", a.cfg.Store.SQLitePath))
	case "postgres":
		pg := a.cfg.Store.Postgres
		st, err := pgstore.NewProcessStore(ctx, pgstore.Config{
			DSN:             pg.DSN,
			MaxConns:        pg.MaxConns,
			MinConns:        pg.MinConns,
			MaxConnLifetime: time.Duration(pg.MaxConnLifetimeMinutes) * time.Minute,
		})
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		a.store = st
		a.closeStore = st.Close
		if pg.AutoMigrate {
			if err := st.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("postgres schema bootstrap failed: %w", err)
			}
		}
		a.logger.Info("using postgres store", zap.Bool("auto_migrate", pg.AutoMigrate))
	default:
		a.store = memorystorage.NewProcessStore()
		a.logger.Warn("using in-memory store; records are lost on restart")
	}
	return nil
}

func (a *App) setupArchive(ctx context.Context) error {
	switch a.cfg.Archive.Backend {
	case "gcs":
		bs, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Archive.Bucket},
			gcsstorage.DefaultClientFactory{}, a.logger.Named("gcs"))
		if err != nil {
			return fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.archive = bs
		a.closeArchive = bs.Close
	case "local":
		bs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.LocalDir})
		if err != nil {
			return fmt.Errorf("local archive init failed: %w", err)
		}
		a.archive = bs
		a.logger.Debug("local archive", zap.String("path", a.cfg.Archive.LocalDir))
	case "memory":
		a.archive = memorystorage.NewBlobStore()
	default:
		a.logger.Info("page snapshot archive disabled")
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if !a.cfg.PubSub.Enabled() {
		a.logger.Info("no Pub/Sub topic configured, using in-memory publisher")
		a.publisher = memorypublisher.New()
		return nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.pubsubPub = gcppublisher.New(client.Publisher(a.cfg.PubSub.Topic))
	a.publisher = a.pubsubPub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic),
	)
	return nil
}

func (a *App) setupNotify(reg prometheus.Registerer) error {
	a.realtime = realtime.New(realtime.Config{Logger: a.logger.Named("realtime")})

	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []notify.Sink{a.realtime, promSink}
	if a.cfg.Notify.LogEvents {
		sinkList = append(sinkList, sinks.NewLogSink(a.logger.Named("events")))
	}
	// The hub flushes the Pub/Sub publisher on Close; everything else about
	// the client is released in closeInfrastructure.
	var flush func()
	if a.pubsubPub != nil {
		flush = a.pubsubPub.Close
	}
	sinkList = append(sinkList, sinks.NewPublisherSink(a.publisher, flush,
		monitor.EventProcessHistory, monitor.EventScanAll))

	n := a.cfg.Notify
	a.hub = notify.NewHub(notify.Config{
		BufferSize:     n.BufferSize,
		MaxBatchEvents: n.MaxBatchEvents,
		MaxBatchWait:   time.Duration(n.MaxBatchWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(n.SinkTimeoutMs) * time.Millisecond,
		Logger:         a.logger.Named("notify"),
	}, sinkList...)
	a.logger.Info("event hub initialized", zap.Int("sinks", len(sinkList)))
	return nil
}

func (a *App) setupFetcher() (*fetcher.Router, error) {
	ua := a.cfg.Fetch.UserAgent
	httpFetcher := collyfetcher.New(collyfetcher.Config{UserAgent: ua})
	a.logger.Info("using colly fetcher", zap.String("user_agent", ua))

	var headless monitor.Fetcher
	if a.cfg.Headless.Enabled {
		hf, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         ua,
			NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			a.logger.Warn("headless fetcher init failed, headless hosts use colly", zap.Error(err))
		} else {
			a.headless = hf
			headless = hf
			a.logger.Info("using headless fetcher",
				zap.Int("max_parallel", a.cfg.Headless.MaxParallel),
				zap.Strings("hosts", a.cfg.Headless.Hosts),
			)
		}
	}

	var limiter fetcher.Waiter
	if rl := a.cfg.Fetch.RateLimit; rl.RPS > 0 {
		limiter = ratelimit.New(ratelimit.Config{DefaultRPS: rl.RPS, DefaultBurst: rl.Burst})
		a.logger.Info("fetch rate limiter enabled",
			zap.Float64("rps", rl.RPS),
			zap.Int("burst", rl.Burst),
		)
	}

	var promoter fetcher.Promoter
	if headless != nil && a.cfg.Headless.PromoteShells {
		promoter = detector.NewHeuristic(a.cfg.Headless.PromotionThreshold)
	}

	router, err := fetcher.NewRouter(httpFetcher, headless, fetcher.Options{
		BaseURL:       a.cfg.Scan.BaseURL,
		HeadlessHosts: a.cfg.Headless.Hosts,
		Limiter:       limiter,
		Promoter:      promoter,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch router init failed: %w", err)
	}
	return router, nil
}

func (a *App) digestSender() monitor.DigestSender {
	senders := digest.MultiSender{
		digest.NewLogSender(a.logger.Named("digest")),
		digest.NewPublisherSender(a.publisher),
	}
	if !a.cfg.SMTP.Enabled() {
		a.logger.Info("smtp not configured, digest mail disabled")
		return senders
	}
	s := a.cfg.SMTP
	mailer, err := mail.New(mail.Config{
		Host:     s.Host,
		Port:     s.Port,
		Secure:   s.Secure,
		Username: s.Username,
		Password: s.Password,
		From:     s.From,
		To:       s.To,
	}, a.logger.Named("mail"))
	if err != nil {
		a.logger.Warn("smtp sender init failed, digest mail disabled", zap.Error(err))
		return senders
	}
	a.logger.Info("digest mail enabled", zap.String("host", s.Host), zap.Int("recipients", len(s.To)))
	return append(senders, mailer)
}

func (a *App) tasks() []scheduler.Task {
	var tasks []scheduler.Task
	if a.cfg.Scan.Enabled {
		tasks = append(tasks, scheduler.Task{
			Name:         TaskScan,
			InitialDelay: time.Duration(a.cfg.Scan.InitialDelaySeconds) * time.Second,
			Interval:     a.cfg.ScanInterval(),
			Run: func(ctx context.Context) error {
				_, err := a.scanner.ScanAll(ctx)
				if errors.Is(err, scan.ErrBulkInProgress) {
					a.logger.Info("scheduled scan skipped, a bulk scan is already running")
					return nil
				}
				return err
			},
		})
	}
	if a.cfg.Digest.Enabled {
		tasks = append(tasks, scheduler.Task{
			Name:         TaskDigest,
			InitialDelay: time.Duration(a.cfg.Digest.InitialDelaySeconds) * time.Second,
			Interval:     time.Duration(a.cfg.Digest.IntervalHours) * time.Hour,
			Run: func(ctx context.Context) error {
				_, err := a.digestJob.Run(ctx)
				return err
			},
		})
	}
	return tasks
}

func (a *App) ready(context.Context) error {
	if a.closing.Load() {
		return errors.New("shutting down")
	}
	return nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Store returns the configured History Store.
func (a *App) Store() monitor.Store { return a.store }

// Scanner returns the scan orchestrator.
func (a *App) Scanner() *scan.Orchestrator { return a.scanner }

// Digest returns the digest job.
func (a *App) Digest() *digest.Job { return a.digestJob }

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Run starts the scheduler and the HTTP server and blocks until ctx is
// canceled or SIGINT/SIGTERM arrives, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.scheduler.Start(a.baseCtx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")
	a.closing.Store(true)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", errors.Join(err, closeErr))
	default:
		return closeErr
	}
}

// Close stops background work and releases resources. It is safe to call
// more than once.
func (a *App) Close(ctx context.Context) error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	a.closing.Store(true)
	var errs []error
	if a.scheduler != nil {
		if err := a.scheduler.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.cancelBase != nil {
		a.cancelBase()
	}
	if a.apiServer != nil {
		if err := a.apiServer.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close event hub: %w", err))
		}
	}
	a.closeInfrastructure()
	a.logger.Info("shutdown complete")
	a.closeObservability(ctx)
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure() {
	if a.headless != nil {
		a.headless.Close()
	}
	if a.hub == nil && a.pubsubPub != nil {
		a.pubsubPub.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.closeArchive != nil {
		if err := a.closeArchive(); err != nil {
			a.logger.Warn("archive close failed", zap.Error(err))
		}
	}
	if a.closeStore != nil {
		a.closeStore()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
