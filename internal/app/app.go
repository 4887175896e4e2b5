// Package app builds the long-lived services once and runs them in the modes
// the CLI exposes.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-dispatch/internal/api"
	"github.com/JakeFAU/scrape-dispatch/internal/auth"
	"github.com/JakeFAU/scrape-dispatch/internal/clock/system"
	"github.com/JakeFAU/scrape-dispatch/internal/config"
	"github.com/JakeFAU/scrape-dispatch/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/scrape-dispatch/internal/fetcher/colly"
	"github.com/JakeFAU/scrape-dispatch/internal/fetcher/escalate"
	headlessfetcher "github.com/JakeFAU/scrape-dispatch/internal/fetcher/headless"
	"github.com/JakeFAU/scrape-dispatch/internal/fetchsvc"
	"github.com/JakeFAU/scrape-dispatch/internal/hash/sha256"
	"github.com/JakeFAU/scrape-dispatch/internal/httpx"
	"github.com/JakeFAU/scrape-dispatch/internal/id/uuid"
	"github.com/JakeFAU/scrape-dispatch/internal/metrics"
	"github.com/JakeFAU/scrape-dispatch/internal/policy/ratelimit"
	kafkapublisher "github.com/JakeFAU/scrape-dispatch/internal/publisher/kafka"
	memorypublisher "github.com/JakeFAU/scrape-dispatch/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/scrape-dispatch/internal/publisher/pubsub"
	badgerqueue "github.com/JakeFAU/scrape-dispatch/internal/queue/badger"
	queueMemory "github.com/JakeFAU/scrape-dispatch/internal/queue/memory"
	pgqueue "github.com/JakeFAU/scrape-dispatch/internal/queue/postgres"
	"github.com/JakeFAU/scrape-dispatch/internal/scrape"
	"github.com/JakeFAU/scrape-dispatch/internal/seed"
	gcsstorage "github.com/JakeFAU/scrape-dispatch/internal/storage/gcs"
	localstorage "github.com/JakeFAU/scrape-dispatch/internal/storage/local"
	memoryStorage "github.com/JakeFAU/scrape-dispatch/internal/storage/memory"
	pgstore "github.com/JakeFAU/scrape-dispatch/internal/storage/postgres"
	"github.com/JakeFAU/scrape-dispatch/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// Mode selects which roles a process plays.
type Mode struct {
	API     bool
	Workers bool
}

// App holds the handles shared by every command. Build creates them once.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  scrape.Clock
	ids    scrape.IDGenerator

	pool     *pgxpool.Pool
	users    scrape.UserStore
	sessions scrape.SessionStore
	results  scrape.ResultStore
	queue    scrape.Queue
	auth     *auth.Service

	closeMu sync.Mutex
	closers []closer
}

type closer struct {
	name string
	fn   func() error
}

// Build connects the stores and the queue. The token service is only built
// when auth.token_secret is usable; commands that need it call Auth.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		ids:    uuid.New(),
	}
	metrics.Init()

	if err := a.setupStores(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.setupQueue(); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.setupAuth(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) addCloser(name string, fn func() error) {
	a.closeMu.Lock()
	defer a.closeMu.Unlock()
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func (a *App) setupStores(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no db.dsn configured, users, sessions and results are kept in memory")
		store := memoryStorage.NewStore()
		a.users, a.sessions, a.results = store, store, store
		return nil
	}
	pool, err := pgstore.Connect(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return err
	}
	a.pool = pool
	a.addCloser("postgres pool", func() error {
		pool.Close()
		return nil
	})
	if a.cfg.DB.AutoMigrate {
		if err := pgstore.EnsureSchema(ctx, pool); err != nil {
			return err
		}
	}
	store, err := pgstore.NewStore(pool, a.cfg.DB.StatementTimeout)
	if err != nil {
		return fmt.Errorf("postgres store init failed: %w", err)
	}
	a.users, a.sessions, a.results = store, store, store
	a.logger.Info("postgres stores initialized", zap.Duration("statement_timeout", a.cfg.DB.StatementTimeout))
	return nil
}

func (a *App) retryPolicy() scrape.RetryPolicy {
	return scrape.RetryPolicy{
		MaxAttempts: a.cfg.Queue.MaxAttempts,
		BaseDelay:   a.cfg.Queue.RetryBaseDelay,
		MaxDelay:    a.cfg.Queue.RetryMaxDelay,
	}
}

func (a *App) setupQueue() error {
	policy := a.retryPolicy()
	switch a.cfg.Queue.Backend {
	case "postgres":
		if a.pool == nil {
			return fmt.Errorf("queue.backend postgres requires db.dsn")
		}
		q, err := pgqueue.New(a.pool, pgqueue.Config{
			Policy:            policy,
			VisibilityTimeout: a.cfg.Queue.VisibilityTimeout,
			PollInterval:      a.cfg.Queue.PollInterval,
		}, a.clock, a.ids, a.logger)
		if err != nil {
			return fmt.Errorf("postgres queue init failed: %w", err)
		}
		a.queue = q
	case "badger":
		db, err := badgerqueue.Open(a.cfg.Queue.BadgerPath)
		if err != nil {
			return err
		}
		a.addCloser("badger db", db.Close)
		q, err := badgerqueue.New(db, badgerqueue.Config{
			Policy:            policy,
			VisibilityTimeout: a.cfg.Queue.VisibilityTimeout,
			PollInterval:      a.cfg.Queue.PollInterval,
		}, a.clock, a.ids, a.logger)
		if err != nil {
			return fmt.Errorf("badger queue init failed: %w", err)
		}
		a.addCloser("badger queue", q.Close)
		a.queue = q
	default:
		q := queueMemory.NewQueue(queueMemory.Config{
			Policy:            policy,
			VisibilityTimeout: a.cfg.Queue.VisibilityTimeout,
			PollInterval:      a.cfg.Queue.PollInterval,
		}, a.clock, a.ids)
		a.addCloser("memory queue", func() error {
			q.Close()
			return nil
		})
		a.queue = q
	}
	a.logger.Info("job queue initialized",
		zap.String("backend", a.cfg.Queue.Backend),
		zap.Int("max_attempts", policy.MaxAttempts),
		zap.Duration("visibility_timeout", a.cfg.Queue.VisibilityTimeout),
	)
	return nil
}

func (a *App) setupAuth() error {
	if err := a.cfg.RequireSecret(); err != nil {
		a.logger.Warn("token service disabled", zap.Error(err))
		return nil
	}
	tokens, err := auth.NewTokenService([]byte(a.cfg.Auth.TokenSecret), a.cfg.Auth.AccessTTL, a.cfg.Auth.RefreshTTL, a.clock)
	if err != nil {
		return fmt.Errorf("token service init failed: %w", err)
	}
	a.auth = auth.NewService(a.users, a.sessions, tokens, a.ids, a.clock, a.logger)
	return nil
}

// Auth returns the auth service or an error naming the missing secret.
func (a *App) Auth() (*auth.Service, error) {
	if a.auth == nil {
		return nil, a.cfg.RequireSecret()
	}
	return a.auth, nil
}

// Queue exposes the configured job queue.
func (a *App) Queue() scrape.Queue {
	return a.queue
}

// Results exposes the configured result store.
func (a *App) Results() scrape.ResultStore {
	return a.results
}

// Overview summarizes the stores.
func (a *App) Overview(ctx context.Context, limit int) (scrape.Overview, error) {
	return seed.BuildOverview(ctx, a.users, a.sessions, a.results, limit)
}

// Seeder returns a seeder bound to the configured stores.
func (a *App) Seeder() (*seed.Seeder, error) {
	authSvc, err := a.Auth()
	if err != nil {
		return nil, err
	}
	return seed.New(authSvc, a.users, a.results, a.ids, a.clock, a.logger), nil
}

// APIHandler builds the API Gateway router.
func (a *App) APIHandler() (http.Handler, error) {
	authSvc, err := a.Auth()
	if err != nil {
		return nil, err
	}
	opts := []api.Option{
		api.WithOverview(func(ctx context.Context) (scrape.Overview, error) {
			return a.Overview(ctx, 5)
		}),
	}
	if a.pool != nil {
		opts = append(opts, api.WithReadinessChecks(api.ReadinessCheck{Name: "postgres", Check: a.pool.Ping}))
	}
	srv := api.NewServer(authSvc, a.queue, a.results, api.Config{
		RequestTimeout:  a.cfg.Server.RequestTimeout,
		DefaultPageSize: a.cfg.API.DefaultPageSize,
		MaxPageSize:     a.cfg.API.MaxPageSize,
		CookieSecure:    a.cfg.Auth.CookieSecure,
	}, a.logger, opts...)
	return srv.Handler(), nil
}

// Dispatcher builds worker.count workers sharing one fetcher, limiter, blob
// store and publisher.
func (a *App) Dispatcher(ctx context.Context) (*dispatcher.Dispatcher, error) {
	fetcher, err := a.setupFetcher()
	if err != nil {
		return nil, err
	}
	blobStore, err := a.setupStorage(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}

	var limiter scrape.RateLimiter
	if a.cfg.RateLimit.Enabled {
		limiter = ratelimit.New(ratelimit.Config{
			DefaultRPS:   a.cfg.RateLimit.DefaultRPS,
			DefaultBurst: a.cfg.RateLimit.DefaultBurst,
			PerDomainRPS: a.cfg.RateLimit.PerDomainRPS(),
		})
		a.logger.Info("rate limiter enabled",
			zap.Float64("default_rps", a.cfg.RateLimit.DefaultRPS),
			zap.Int("default_burst", a.cfg.RateLimit.DefaultBurst),
			zap.Int("domain_overrides", len(a.cfg.RateLimit.Domains)),
		)
	}

	workerCfg := worker.Config{
		FetchTimeout:    a.cfg.Worker.FetchTimeout,
		ThrottleTimeout: a.cfg.Worker.ThrottleTimeout,
		ErrorPause:      a.cfg.Worker.ErrorPause,
		ContentType:     a.cfg.Storage.ContentType,
		BlobPrefix:      a.cfg.Storage.Prefix,
	}
	if publisher != nil {
		workerCfg.Topic = a.cfg.Publisher.Topic
	}
	a.logger.Info("worker config",
		zap.Int("count", a.cfg.Worker.Count),
		zap.Duration("fetch_timeout", workerCfg.FetchTimeout),
		zap.Duration("throttle_timeout", workerCfg.ThrottleTimeout),
		zap.String("blob_prefix", workerCfg.BlobPrefix),
		zap.String("topic", workerCfg.Topic),
	)

	hasher := sha256.New()
	runners := make([]dispatcher.Runner, 0, a.cfg.Worker.Count)
	for i := 0; i < a.cfg.Worker.Count; i++ {
		runners = append(runners, worker.New(
			a.queue,
			a.results,
			fetcher,
			limiter,
			blobStore,
			publisher,
			hasher,
			a.ids,
			a.clock,
			workerCfg,
			a.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	return dispatcher.New(runners, a.logger), nil
}

func (a *App) setupFetcher() (scrape.Fetcher, error) {
	var renderer *headlessfetcher.Fetcher
	if a.cfg.Fetch.Backend == "headless" || a.cfg.Fetch.Backend == "auto" {
		f, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         a.cfg.Fetch.UserAgent,
			NavigationTimeout: a.cfg.Headless.NavigationTimeout,
			Settle:            a.cfg.Headless.Settle,
		})
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		a.addCloser("headless fetcher", func() error {
			f.Close()
			return nil
		})
		renderer = f
	}
	if a.cfg.Fetch.Backend == "headless" {
		a.logger.Info("using in-process headless fetcher", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
		return renderer, nil
	}

	client, err := collyfetcher.New(collyfetcher.Config{
		ServiceURL: a.cfg.Fetch.ServiceURL,
		UserAgent:  a.cfg.Fetch.UserAgent,
		Timeout:    a.cfg.Worker.FetchTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch service client init failed: %w", err)
	}
	a.logger.Info("using fetch service", zap.String("service_url", a.cfg.Fetch.ServiceURL))
	if renderer == nil {
		return client, nil
	}
	a.logger.Info("headless escalation enabled", zap.Int("min_bytes", a.cfg.Headless.PromotionMinBytes))
	return escalate.New(client, renderer, escalate.NewDetector(a.cfg.Headless.PromotionMinBytes), a.logger), nil
}

func (a *App) setupStorage(ctx context.Context) (scrape.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{
			Bucket: a.cfg.Storage.GCSBucket,
			Prefix: a.cfg.Storage.Prefix,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.addCloser("gcs client", store.Close)
		a.logger.Info("using GCS content archive", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return store, nil
	case "local":
		store, err := localstorage.New(a.cfg.Storage.LocalDir)
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local content archive", zap.String("path", a.cfg.Storage.LocalDir))
		return store, nil
	case "memory":
		a.logger.Info("using in-memory content archive")
		return memoryStorage.NewBlobStore(), nil
	default:
		a.logger.Info("content archive disabled")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (scrape.Publisher, error) {
	switch a.cfg.Publisher.Backend {
	case "pubsub":
		p, err := gcppublisher.Open(ctx, a.cfg.Publisher.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.addCloser("pubsub publisher", p.Close)
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.Publisher.ProjectID),
			zap.String("topic", a.cfg.Publisher.Topic),
		)
		return p, nil
	case "kafka":
		p, err := kafkapublisher.New(kafkapublisher.Config{
			Brokers:      a.cfg.Publisher.KafkaBrokers,
			WriteTimeout: a.cfg.Publisher.WriteTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("kafka publisher init failed: %w", err)
		}
		a.addCloser("kafka publisher", p.Close)
		a.logger.Info("Kafka publisher initialized",
			zap.Strings("brokers", a.cfg.Publisher.KafkaBrokers),
			zap.String("topic", a.cfg.Publisher.Topic),
		)
		return p, nil
	case "memory":
		a.logger.Info("using in-memory publisher")
		return memorypublisher.New(), nil
	default:
		a.logger.Info("event publishing disabled")
		return nil, nil
	}
}

// Run serves the API and/or runs the worker pool until SIGINT, SIGTERM or ctx
// ends. In-flight jobs finish before Run returns.
func (a *App) Run(ctx context.Context, mode Mode) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if mode.API != mode.Workers && a.cfg.Queue.Backend == "memory" {
		a.logger.Warn("memory queue is private to this process; use postgres or badger to split API and workers")
	}

	var workersDone chan struct{}
	if mode.Workers {
		d, err := a.Dispatcher(ctx)
		if err != nil {
			return err
		}
		workersDone = make(chan struct{})
		go func() {
			defer close(workersDone)
			a.logger.Info("dispatcher started", zap.Int("workers", d.Size()))
			d.Run(ctx)
		}()
	}

	handler, err := a.probeHandler(mode)
	if err != nil {
		stop()
		if workersDone != nil {
			<-workersDone
		}
		return err
	}
	serveErr := serveHTTP(ctx, a.cfg.Server.Port, handler, a.logger)
	stop()

	if workersDone != nil {
		<-workersDone
		a.logger.Info("workers stopped")
	}
	return serveErr
}

// probeHandler is the API router, or a metrics and health router for
// worker-only processes.
func (a *App) probeHandler(mode Mode) (http.Handler, error) {
	if mode.API {
		return a.APIHandler()
	}
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())
	return r, nil
}

// ServeFetch runs the headless Fetch Service until ctx ends.
func ServeFetch(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()
	renderer, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       cfg.Headless.MaxParallel,
		UserAgent:         cfg.Fetch.UserAgent,
		NavigationTimeout: cfg.Headless.NavigationTimeout,
		Settle:            cfg.Headless.Settle,
	})
	if err != nil {
		return fmt.Errorf("headless fetcher init failed: %w", err)
	}
	defer renderer.Close()

	srv := fetchsvc.NewServer(renderer, cfg.FetchSvc.RequestTimeout, logger)
	return serveHTTP(ctx, cfg.FetchSvc.Port, srv.Handler(), logger)
}

// serveHTTP blocks until ctx ends or the listener fails.
func serveHTTP(ctx context.Context, port int, handler http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			logger.Error("http server error", zap.Error(err))
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	return nil
}

// Close releases resources in reverse order of acquisition. It is safe to
// call more than once.
func (a *App) Close() {
	a.closeMu.Lock()
	closers := a.closers
	a.closers = nil
	a.closeMu.Unlock()

	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].fn(); err != nil {
			a.logger.Warn("close failed", zap.String("resource", closers[i].name), zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
}
