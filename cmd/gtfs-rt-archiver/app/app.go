// Package app wires the archiver daemon: catalog, secrets, backend, the
// polling service and the health server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/JarvusInnovations/gtfs-realtime-archiver/archivedb"
	"github.com/JarvusInnovations/gtfs-realtime-archiver/archivedb/backend"
	"github.com/JarvusInnovations/gtfs-realtime-archiver/modules/archiver"
	"github.com/JarvusInnovations/gtfs-realtime-archiver/pkg/catalog"
	"github.com/JarvusInnovations/gtfs-realtime-archiver/pkg/fetch"
	"github.com/JarvusInnovations/gtfs-realtime-archiver/pkg/secrets"
)

const httpShutdownTimeout = 5 * time.Second

// App assembles the daemon.
type App struct {
	cfg    Config
	logger log.Logger
	reg    *prometheus.Registry

	feeds    []catalog.FeedSpec
	reader   backend.RawReader
	archiver *archiver.Archiver

	started time.Time
}

// New loads the catalog and builds every component. Startup work that
// touches the network (secret resolution) happens in Run.
func New(cfg Config, logger log.Logger, reg *prometheus.Registry) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	feeds, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}

	reader, writer, err := cfg.Storage.Build()
	if err != nil {
		return nil, fmt.Errorf("opening %s backend: %w", cfg.Storage.Backend, err)
	}

	arch, err := archiver.New(cfg.Archiver, feeds,
		fetch.NewFetcher(cfg.Archiver.MaxConcurrent),
		archivedb.NewWriter(writer, cfg.Storage.WriteMetadata),
		logger, reg)
	if err != nil {
		return nil, err
	}

	level.Info(logger).Log("msg", "loaded feed catalog",
		"path", cfg.CatalogPath,
		"feeds", len(feeds),
		"backend", cfg.Storage.Backend)

	return &App{
		cfg:      cfg,
		logger:   logger,
		reg:      reg,
		feeds:    feeds,
		reader:   reader,
		archiver: arch,
		started:  time.Now(),
	}, nil
}

// Run starts the daemon and blocks until a signal arrives or a service
// fails. The health server comes up before anything else and goes down after
// everything else so probes stay truthful across the whole lifecycle.
func (a *App) Run() error {
	ctx := context.Background()

	httpServer := &http.Server{Handler: a.httpHandler()}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.HealthPort))
	if err != nil {
		return fmt.Errorf("listening on health port %d: %w", a.cfg.Server.HealthPort, err)
	}
	go func() {
		if serveErr := httpServer.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			level.Error(a.logger).Log("msg", "health server failed", "err", serveErr)
		}
	}()
	level.Info(a.logger).Log("msg", "health server up", "port", a.cfg.Server.HealthPort)

	if err := a.resolveSecrets(ctx); err != nil {
		_ = httpServer.Close()
		return fmt.Errorf("resolving secrets: %w", err)
	}

	sm, err := services.NewManager(a.archiver)
	if err != nil {
		_ = httpServer.Close()
		return fmt.Errorf("building service manager: %w", err)
	}

	healthy := func() { level.Info(a.logger).Log("msg", "archiver running") }
	stopped := func() { level.Info(a.logger).Log("msg", "archiver stopped") }
	failed := func(service services.Service) {
		sm.StopAsync()
		level.Error(a.logger).Log("msg", "service failed", "err", service.FailureCase())
	}
	sm.AddListener(services.NewManagerListener(healthy, stopped, failed))

	handler := signals.NewHandler(a.logger)
	go func() {
		handler.Loop()
		level.Info(a.logger).Log("msg", "shutdown signal received")
		sm.StopAsync()
	}()

	if err := sm.StartAsync(ctx); err != nil {
		_ = httpServer.Close()
		return fmt.Errorf("starting services: %w", err)
	}
	runErr := sm.AwaitStopped(ctx)
	handler.Stop()

	// connection pools and the blob handle close once all permits are home;
	// the health endpoint goes last
	a.reader.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(ctx, httpShutdownTimeout)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	if runErr != nil {
		return runErr
	}
	for _, failure := range sm.ServicesByState()[services.Failed] {
		return failure.FailureCase()
	}
	return nil
}

// resolveSecrets warms every referenced secret before the first fetch. A
// catalog with no auth never touches the secret store.
func (a *App) resolveSecrets(ctx context.Context) error {
	authenticated := false
	for i := range a.feeds {
		if a.feeds[i].Auth != nil {
			authenticated = true
			break
		}
	}
	if !authenticated {
		return nil
	}

	if a.cfg.Secrets.ProjectID == "" {
		return fmt.Errorf("catalog references auth secrets but secrets.gcp_project_id is not set")
	}

	store, err := secrets.NewGCPStore(ctx, a.cfg.Secrets.ProjectID)
	if err != nil {
		return err
	}
	defer store.Close()

	return secrets.NewResolver(store, a.logger).ResolveAll(ctx, a.feeds)
}
