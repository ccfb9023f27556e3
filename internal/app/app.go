// Package app builds the long-lived services of a process from configuration
// and owns their shutdown. Commands get everything they run through an App.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/outreach-crawler/internal/api"
	"github.com/JakeFAU/outreach-crawler/internal/automation"
	"github.com/JakeFAU/outreach-crawler/internal/browser/headless"
	"github.com/JakeFAU/outreach-crawler/internal/checkpoint"
	"github.com/JakeFAU/outreach-crawler/internal/clock/system"
	"github.com/JakeFAU/outreach-crawler/internal/config"
	"github.com/JakeFAU/outreach-crawler/internal/crawl"
	"github.com/JakeFAU/outreach-crawler/internal/edgegraph"
	"github.com/JakeFAU/outreach-crawler/internal/hash/sha256"
	"github.com/JakeFAU/outreach-crawler/internal/healing"
	"github.com/JakeFAU/outreach-crawler/internal/id/uuid"
	"github.com/JakeFAU/outreach-crawler/internal/logging"
	memorypublisher "github.com/JakeFAU/outreach-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/outreach-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/outreach-crawler/internal/retry"
	"github.com/JakeFAU/outreach-crawler/internal/session"
	"github.com/JakeFAU/outreach-crawler/internal/storage"
	gcsstorage "github.com/JakeFAU/outreach-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/outreach-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/outreach-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/outreach-crawler/internal/storage/postgres"
	"github.com/JakeFAU/outreach-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/outreach-crawler/internal/supervisor"
	"github.com/JakeFAU/outreach-crawler/internal/telemetry"
	"github.com/JakeFAU/outreach-crawler/internal/throttle"
	"github.com/JakeFAU/outreach-crawler/internal/workflow"
)

// Option customizes Build.
type Option func(*options)

type options struct {
	logger    *zap.Logger
	launcher  session.Launcher
	sleep     throttle.Sleeper
	lookupEnv func(string) (string, bool)
}

// WithLogger uses logger instead of building one from configuration.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithLauncher replaces the Chrome launcher.
func WithLauncher(l session.Launcher) Option {
	return func(o *options) { o.launcher = l }
}

// WithSleeper replaces every pause the runtime takes.
func WithSleeper(s throttle.Sleeper) Option {
	return func(o *options) { o.sleep = s }
}

// WithLookupEnv replaces how credential secrets are resolved.
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(o *options) { o.lookupEnv = fn }
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	sleep     throttle.Sleeper
	lookupEnv func(string) (string, bool)

	clock     *system.Clock
	ids       *uuid.Generator
	pacer     *throttle.Pacer
	throttle  *throttle.Throttle
	launcher  session.Launcher
	artifacts *storage.Uploader
	edges     automation.EdgeGraph
	events    healing.Publisher
	runs      *api.SpoolRepository

	closers        []closer
	tracerShutdown telemetry.Shutdown
}

// Build creates the application's dependencies. On error everything built so
// far is closed.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (_ *App, err error) {
	o := options{sleep: throttle.Sleep, lookupEnv: os.LookupEnv}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger, err = logging.New(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}

	app := &App{
		cfg:       cfg,
		logger:    logger,
		sleep:     o.sleep,
		lookupEnv: o.lookupEnv,
		clock:     system.New(),
		ids:       uuid.New(),
		pacer:     throttle.NewPacer(cfg.PacingSettings(), 0),
	}
	defer func() {
		if err != nil {
			_ = app.Close(context.Background())
		}
	}()

	app.tracerShutdown, err = telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	app.logger.Info("building application dependencies")
	if err = app.setupThrottle(ctx); err != nil {
		return nil, err
	}
	if err = app.setupArtifacts(ctx); err != nil {
		return nil, err
	}
	if err = app.setupEdges(ctx); err != nil {
		return nil, err
	}
	if err = app.setupPublisher(ctx); err != nil {
		return nil, err
	}
	app.runs, err = api.NewSpoolRepository(cfg.Checkpoint.SpoolDir)
	if err != nil {
		return nil, fmt.Errorf("spool init failed: %w", err)
	}

	app.launcher = o.launcher
	if app.launcher == nil {
		app.launcher = headless.NewLauncher(headless.Config{
			ExecPath:    cfg.Browser.ExecPath,
			UserDataDir: cfg.Browser.UserDataDir,
			Headless:    cfg.Browser.Headless,
			UserAgent:   cfg.Browser.UserAgent,
			NavTimeout:  cfg.Browser.NavTimeout,
			WaitTimeout: cfg.Browser.WaitTimeout,
			Width:       cfg.Browser.Width,
			Height:      cfg.Browser.Height,
		}, app.pacer, logger.Named("browser"))
	}
	return app, nil
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func (a *App) setupThrottle(ctx context.Context) error {
	var history throttle.History = throttle.NewRingHistory(0)
	if path := a.cfg.Throttle.HistoryPath; path != "" {
		store, err := sqlite.Open(ctx, path)
		if err != nil {
			return fmt.Errorf("activity history init failed: %w", err)
		}
		a.onClose("activity history", func(context.Context) error { return store.Close() })
		history = store
		a.logger.Info("using sqlite activity history", zap.String("path", path))
	}
	t, err := throttle.New(a.cfg.ThrottleSettings(), a.logger,
		throttle.WithHistory(history),
		throttle.WithClock(a.clock),
		throttle.WithSleeper(a.sleep),
	)
	if err != nil {
		return fmt.Errorf("throttle init failed: %w", err)
	}
	a.throttle = t
	return nil
}

func (a *App) setupArtifacts(ctx context.Context) error {
	var (
		blobs storage.BlobStore
		err   error
	)
	switch a.cfg.Artifacts.Backend {
	case config.BackendGCS:
		a.logger.Info("using GCS artifact backend", zap.String("bucket", a.cfg.Artifacts.Bucket))
		gcs, gerr := gcsstorage.Connect(ctx, gcsstorage.Config{
			Bucket:       a.cfg.Artifacts.Bucket,
			CacheControl: a.cfg.Artifacts.CacheControl,
		})
		if gerr != nil {
			return fmt.Errorf("gcs blob store init failed: %w", gerr)
		}
		a.onClose("gcs client", func(context.Context) error { return gcs.Close() })
		blobs = gcs
	case config.BackendLocal:
		a.logger.Info("using local artifact backend", zap.String("path", a.cfg.Artifacts.BaseDir))
		blobs, err = localstorage.New(localstorage.Config{BaseDir: a.cfg.Artifacts.BaseDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
	default:
		a.logger.Info("using in-memory artifact backend")
		blobs = memorystorage.NewBlobStore()
	}
	a.artifacts, err = storage.NewUploader(blobs, sha256.New(sha256.WithLength(a.cfg.Artifacts.DigestLength)), a.clock, a.cfg.Artifacts.Prefix)
	if err != nil {
		return fmt.Errorf("artifact uploader init failed: %w", err)
	}
	return nil
}

func (a *App) setupEdges(ctx context.Context) error {
	switch a.cfg.Edges.Backend {
	case config.BackendPostgres:
		store, err := pgstore.NewEdgeStore(ctx, pgstore.Config{DSN: a.cfg.Edges.DSN, Table: a.cfg.Edges.Table})
		if err != nil {
			return fmt.Errorf("edge store init failed: %w", err)
		}
		a.onClose("edge store", func(context.Context) error {
			store.Close()
			return nil
		})
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("edge store schema: %w", err)
		}
		a.logger.Info("using postgres edge store", zap.String("table", a.cfg.Edges.Table))
		a.edges = store
	case config.BackendHTTP:
		client, err := edgegraph.New(edgegraph.Config{
			BaseURL: a.cfg.Edges.URL,
			Token:   a.cfg.Edges.Token,
			Timeout: a.cfg.Edges.Timeout,
		}, a.logger.Named("edgegraph"))
		if err != nil {
			return fmt.Errorf("edge graph client init failed: %w", err)
		}
		a.logger.Info("using http edge graph", zap.String("url", a.cfg.Edges.URL))
		a.edges = client
	default:
		a.logger.Warn("using in-memory edge store, dedup will not survive restarts")
		a.edges = memorystorage.NewEdgeStore()
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	switch a.cfg.Events.Backend {
	case config.BackendPubSub:
		pub, err := gcppublisher.Connect(ctx, a.cfg.Events.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.onClose("pubsub client", func(context.Context) error { return pub.Close() })
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.Events.ProjectID),
			zap.String("topic", a.cfg.Events.Topic))
		a.events = pub
	case config.BackendMemory:
		a.events = memorypublisher.New()
	default:
		a.logger.Info("run events disabled")
	}
	return nil
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Events returns the run event publisher, nil when events are disabled.
func (a *App) Events() healing.Publisher { return a.events }

// Sessions builds a session manager that signs in with creds, and the retry
// executor recovering it.
func (a *App) Sessions(creds checkpoint.Credentials) (*session.Manager, *retry.Executor, error) {
	login := crawl.Login(crawl.LoginConfig{
		URL:       a.cfg.Site.LoginURL,
		Selectors: a.cfg.Site.Selectors,
		LookupEnv: a.lookupEnv,
		Sleep:     a.sleep,
		Think:     a.pacer.Think,
	}, creds)
	mgr, err := session.NewManager(a.launcher, session.Config{
		MaxLifetime:  a.cfg.Session.MaxLifetime,
		MaxErrors:    a.cfg.Session.MaxErrors,
		ProbeTimeout: a.cfg.Session.ProbeTimeout,
	}, a.logger, session.WithAuthenticator(login), session.WithClock(a.clock))
	if err != nil {
		return nil, nil, fmt.Errorf("session manager init failed: %w", err)
	}
	exec, err := retry.New(retry.Config{
		BaseDelay:     a.cfg.Retry.BaseDelay,
		MaxDelay:      a.cfg.Retry.MaxDelay,
		Randomization: a.cfg.Retry.Randomization,
	}, a.logger, retry.WithRecoverer(mgr), retry.WithSleeper(a.sleep), retry.WithClock(a.clock))
	if err != nil {
		return nil, nil, fmt.Errorf("retry executor init failed: %w", err)
	}
	return mgr, exec, nil
}

// Coordinator builds the healing coordinator for a run signed in as creds.
func (a *App) Coordinator(creds checkpoint.Credentials) (*healing.Coordinator, error) {
	mgr, exec, err := a.Sessions(creds)
	if err != nil {
		return nil, err
	}
	capture, err := crawl.NewCapture(crawl.CaptureConfig{
		BaseURL:    a.cfg.Site.BaseURL,
		Selectors:  a.cfg.Site.Selectors,
		MaxRetries: a.cfg.Retry.MaxRetries,
	}, mgr, a.throttle, exec, a.artifacts, a.edges, a.clock, a.logger)
	if err != nil {
		return nil, fmt.Errorf("capture init failed: %w", err)
	}
	pipeline := func(store *checkpoint.Store) (healing.Lister, healing.Processor, error) {
		lister, err := crawl.NewLister(crawl.ListerConfig{
			URLs:           a.cfg.ListURLs(),
			FileSize:       a.cfg.Checkpoint.LinkFileSize,
			MaxIterations:  a.cfg.Lister.MaxIterations,
			ScrollDistance: a.cfg.Lister.ScrollDistance,
		}, a.cfg.Site.Selectors, store, a.pacer, a.sleep, a.clock, a.logger)
		if err != nil {
			return nil, nil, err
		}
		processor, err := crawl.NewProcessor(store, a.edges, capture, a.logger)
		if err != nil {
			return nil, nil, err
		}
		return lister, processor, nil
	}
	coord, err := healing.NewCoordinator(healing.Config{
		BatchSize:    a.cfg.Checkpoint.BatchSize,
		MaxRecursion: a.cfg.Checkpoint.MaxRecursion,
		EventsTopic:  a.cfg.Events.Topic,
	}, healing.Deps{
		Sessions: mgr,
		Pipeline: pipeline,
		Events:   a.events,
		Clock:    a.clock,
		Logger:   a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("coordinator init failed: %w", err)
	}
	return coord, nil
}

// RunWorker resumes the checkpoint at statePath in this process. A
// *healing.Request error means a new worker should pick the checkpoint up.
func (a *App) RunWorker(ctx context.Context, statePath string) error {
	st, err := checkpoint.LoadState(statePath)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	coord, err := a.Coordinator(st.Credentials)
	if err != nil {
		return err
	}
	return coord.Run(ctx, statePath)
}

// StartRun writes the initial checkpoint of a new run into the spool and
// returns its path. An empty requestID mints one.
func (a *App) StartRun(ctx context.Context, requestID string, creds checkpoint.Credentials) (string, error) {
	if requestID == "" {
		id, err := a.ids.NewID()
		if err != nil {
			return "", fmt.Errorf("mint request id: %w", err)
		}
		requestID = id
	}
	st := healing.NewRunState(requestID, creds, a.clock.Now())
	if err := a.runs.CreateRun(ctx, st); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	a.logger.Info("run created", zap.String("request_id", requestID))
	return a.runs.Path(requestID), nil
}

// Supervisor builds the re-invocation loop around spawner.
func (a *App) Supervisor(spawner supervisor.Spawner) (*supervisor.Supervisor, error) {
	s, err := supervisor.New(supervisor.Config{
		MaxRecursion: a.cfg.Checkpoint.MaxRecursion,
		RestartDelay: a.cfg.Supervisor.RestartDelay,
		MaxRestarts:  a.cfg.Supervisor.MaxRestarts,
	}, spawner, a.logger, supervisor.WithSleeper(a.sleep))
	if err != nil {
		return nil, fmt.Errorf("supervisor init failed: %w", err)
	}
	return s, nil
}

// Engine builds a workflow engine signed in as creds. The returned manager
// must be released by the caller.
func (a *App) Engine(creds checkpoint.Credentials) (*workflow.Engine, *session.Manager, error) {
	mgr, exec, err := a.Sessions(creds)
	if err != nil {
		return nil, nil, err
	}
	engine, err := workflow.NewEngine(workflow.Config{
		MaxRetries: a.cfg.Retry.MaxRetries,
		Timeout:    a.cfg.Workflow.Timeout,
		BatchDelay: a.cfg.BatchDelay(),
		BaseURL:    a.cfg.Site.BaseURL,
		Selectors:  a.cfg.Site.Selectors,
	}, workflow.Deps{
		Sessions: mgr,
		Retry:    exec,
		Gate:     a.throttle,
		Pacing:   a.pacer,
		IDs:      a.ids,
		Clock:    a.clock,
		Sleep:    a.sleep,
		Logger:   a.logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("workflow engine init failed: %w", err)
	}
	return engine, mgr, nil
}

// Server builds the ops API over the spool.
func (a *App) Server() *api.Server {
	return api.NewServer(a.runs, a.ids, a.clock, api.Config{
		APIKey:         a.cfg.Server.APIKey,
		RequestTimeout: a.cfg.Server.RequestTimeout,
	}, a.logger.Named("api"))
}

// Serve runs the ops API until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Server().Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// Close gracefully shuts down the application. Infrastructure closes in
// reverse build order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracerShutdown = nil
	}
	// Sync fails on terminals; nothing to do about it.
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
