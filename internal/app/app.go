// Package app initializes and holds long-lived application services, acting
// as a dependency injection container for the harvester binary.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	gcsclient "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/mediaharvest/harvester/internal/api"
	"github.com/mediaharvest/harvester/internal/config"
	"github.com/mediaharvest/harvester/internal/discovery"
	"github.com/mediaharvest/harvester/internal/engine"
	"github.com/mediaharvest/harvester/internal/harvest"
	"github.com/mediaharvest/harvester/internal/progress"
	"github.com/mediaharvest/harvester/internal/progress/sinks"
	"github.com/mediaharvest/harvester/internal/session"
	"github.com/mediaharvest/harvester/internal/sitepatterns"
	gcsstore "github.com/mediaharvest/harvester/internal/storage/gcs"
	localstore "github.com/mediaharvest/harvester/internal/storage/local"
)

// App holds the shared, long-lived services for the harvester process.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	hub      *progress.Hub
	events   *sinks.MemorySink
	registry *prometheus.Registry
	manager  *engine.Manager
	server   *api.Server

	gcsClient    *gcsclient.Client
	pubsubClient *pubsub.Client
	sessions     harvest.SessionStore
}

// New wires every service from configuration. It fails fast on any
// misconfigured dependency.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	store, err := a.buildMediaStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.buildSessionStore(ctx); err != nil {
		return nil, err
	}
	if err := a.buildProgressHub(ctx); err != nil {
		return nil, err
	}

	rewriter, err := a.buildRewriter()
	if err != nil {
		return nil, err
	}
	blocklist, err := a.buildBlocklist()
	if err != nil {
		return nil, err
	}

	settings := cfg.ToSettings()
	factory := func(runID string, seeds []string) (*engine.Engine, error) {
		return engine.New(engine.Config{
			Settings:            settings,
			Seeds:               seeds,
			Store:               store,
			Sessions:            a.sessions,
			Rewriter:            rewriter,
			Blocklist:           blocklist,
			QuarantineThreshold: cfg.Harvest.QuarantineThreshold,
			RunID:               runID,
			Emitter:             a.hub,
			Logger:              logger.Named("engine"),
		})
	}
	a.manager = engine.NewManager(factory, a.sessions)

	a.server = api.NewServer(api.Config{
		Controller: a.manager,
		Events:     a.events,
		Gatherer:   a.registry,
		Logger:     logger.Named("api"),
	})

	logger.Info("application services initialized",
		zap.String("storage_provider", cfg.Storage.Provider),
		zap.String("session_provider", cfg.Session.Provider),
		zap.Bool("pubsub", cfg.PubSub.Enabled),
	)
	return a, nil
}

// Manager exposes the run manager, mainly for the CLI run path.
func (a *App) Manager() *engine.Manager {
	return a.manager
}

// Run serves the control API and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return nil
}

// Close flushes the progress hub and releases cloud clients.
func (a *App) Close() {
	if a.hub != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		cancel()
	}
	if closer, ok := a.sessions.(interface{ Close() }); ok && closer != nil {
		closer.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
}

func (a *App) buildMediaStore(ctx context.Context) (harvest.MediaStore, error) {
	switch a.cfg.Storage.Provider {
	case "gcs":
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.gcsClient = client
		a.logger.Info("using gcs media store", zap.String("bucket", a.cfg.Storage.Bucket))
		return gcsstore.New(client, gcsstore.Config{
			Bucket: a.cfg.Storage.Bucket,
			Prefix: a.cfg.Storage.Prefix,
		})
	default:
		a.logger.Info("using local media store", zap.String("base_dir", a.cfg.Storage.BaseDir))
		return localstore.New(localstore.Config{BaseDir: a.cfg.Storage.BaseDir})
	}
}

func (a *App) buildSessionStore(ctx context.Context) error {
	switch a.cfg.Session.Provider {
	case "postgres":
		store, err := session.NewPostgresStore(ctx, session.PostgresStoreConfig{
			DSN:   a.cfg.Session.DSN,
			Table: a.cfg.Session.Table,
		})
		if err != nil {
			return fmt.Errorf("init postgres session store: %w", err)
		}
		a.sessions = store
	case "none":
		a.sessions = nil
	default:
		store, err := session.NewFileStore(session.FileStoreConfig{Dir: a.cfg.Session.Dir})
		if err != nil {
			return fmt.Errorf("init file session store: %w", err)
		}
		a.sessions = store
	}
	return nil
}

func (a *App) buildProgressHub(ctx context.Context) error {
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	promSink, err := sinks.NewPrometheusSink(a.registry)
	if err != nil {
		return fmt.Errorf("register progress metrics: %w", err)
	}

	a.events = sinks.NewMemorySink(0)
	sinkList := []progress.Sink{
		sinks.NewLogSink(a.logger.Named("progress")),
		promSink,
		a.events,
	}

	if a.cfg.PubSub.Enabled {
		client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("create pubsub client: %w", err)
		}
		a.pubsubClient = client
		pubSink, err := sinks.NewPubSubSink(client, a.cfg.PubSub.TopicID)
		if err != nil {
			return fmt.Errorf("create pubsub sink: %w", err)
		}
		sinkList = append(sinkList, pubSink)
		a.logger.Info("publishing run events to pubsub", zap.String("topic", a.cfg.PubSub.TopicID))
	}

	a.hub = progress.NewHub(progress.Config{Logger: a.logger.Named("hub")}, sinkList...)
	return nil
}

func (a *App) buildRewriter() (harvest.URLRewriter, error) {
	if a.cfg.Patterns.Path == "" {
		return sitepatterns.Default(), nil
	}
	reg, err := sitepatterns.Load(a.cfg.Patterns.Path)
	if err != nil {
		return nil, fmt.Errorf("load site patterns: %w", err)
	}
	return reg, nil
}

func (a *App) buildBlocklist() (*discovery.Blocklist, error) {
	if a.cfg.Blocklist.Path == "" {
		return nil, nil
	}
	b, err := discovery.LoadBlocklist(a.cfg.Blocklist.Path)
	if err != nil {
		return nil, fmt.Errorf("load blocklist: %w", err)
	}
	return b, nil
}
