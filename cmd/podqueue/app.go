package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"

	"github.com/jo-hoe/podqueue/internal/artifacts"
	"github.com/jo-hoe/podqueue/internal/config"
	"github.com/jo-hoe/podqueue/internal/events"
	"github.com/jo-hoe/podqueue/internal/generator"
	"github.com/jo-hoe/podqueue/internal/generator/command"
	"github.com/jo-hoe/podqueue/internal/generator/mock"
	"github.com/jo-hoe/podqueue/internal/generator/remote"
	"github.com/jo-hoe/podqueue/internal/jobs"
	"github.com/jo-hoe/podqueue/internal/metrics"
	"github.com/jo-hoe/podqueue/internal/processor"
	"github.com/jo-hoe/podqueue/internal/server"
	"github.com/jo-hoe/podqueue/internal/service"
)

// app holds the components shared by every subcommand.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	store   jobs.Store
	metrics *metrics.Metrics
	bus     *events.NATS
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	var h slog.Handler
	switch strings.ToLower(format) {
	case "json":
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	case "tint":
		h = tint.NewHandler(w, &tint.Options{Level: lvl, TimeFormat: time.Kitchen})
	default:
		h = slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
	}
	return slog.New(h)
}

// bootstrap loads configuration and opens the store. Events are connected
// only when a NATS URL is configured.
func bootstrap(ctx context.Context, configPath string, logOut io.Writer) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(logOut, cfg.Server.LogLevel, cfg.Server.LogFormat)
	slog.SetDefault(logger)

	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: logger, store: store, metrics: metrics.New()}

	if url := strings.TrimSpace(cfg.Events.NATSURL); url != "" {
		bus, err := events.Connect(url, cfg.Events.ClientName, cfg.Events.SubjectPrefix, logger)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		a.bus = bus
	}
	return a, nil
}

func (a *app) close() {
	if a.bus != nil {
		a.bus.Close()
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("close store", "err", err)
	}
}

func (a *app) publisher() events.Publisher {
	if a.bus == nil {
		return events.Nop{}
	}
	return a.bus
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (jobs.Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "memory":
		return jobs.NewMemoryStore(), nil
	case "postgres":
		s, err := jobs.NewPostgresStore(ctx, cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	case "sqlite", "":
		s, err := jobs.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func newGenerator(cfg *config.Config) (generator.Generator, error) {
	workDir := cfg.Worker.WorkDir
	switch strings.ToLower(cfg.Generator.Provider) {
	case "mock", "":
		return mock.New(cfg.Generator.Mock, workDir), nil
	case "http":
		return remote.New(cfg.Generator.HTTP, workDir), nil
	case "command":
		g, err := command.New(cfg.Generator.Command, workDir)
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unsupported generator provider %q", cfg.Generator.Provider)
	}
}

func newBackend(ctx context.Context, cfg *config.Config, log *slog.Logger) (artifacts.Backend, error) {
	switch strings.ToLower(cfg.Storage.Backend) {
	case "s3":
		b, err := artifacts.NewS3(ctx, cfg.Storage.S3, log)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "local", "":
		return artifacts.NewLocal(cfg.Storage.Local.Dir, cfg.Storage.Local.PublicBaseURL, log), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
	}
}

func (a *app) service(backend artifacts.Backend) *service.Service {
	return service.New(a.log, a.store, backend, a.publisher(), a.metrics, a.cfg.Server.LibraryLimit)
}

// runHTTP serves the API until ctx is cancelled or the listener fails.
func (a *app) runHTTP(ctx context.Context) error {
	backend, err := newBackend(ctx, a.cfg, a.log)
	if err != nil {
		return err
	}
	httpSrv := server.NewHTTPServer(&server.Server{
		Log:     a.log,
		Cfg:     a.cfg,
		Jobs:    a.service(backend),
		Store:   a.store,
		Metrics: a.metrics,
	})

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("http server starting", "address", a.cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		a.log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("http shutdown", "err", err)
	}
	a.log.Info("http server stopped")
	return nil
}

// runWorker consumes queued jobs until ctx is cancelled.
func (a *app) runWorker(ctx context.Context) error {
	if err := a.store.Ping(ctx); err != nil {
		return fmt.Errorf("store not reachable: %w", err)
	}
	if err := os.MkdirAll(a.cfg.Worker.WorkDir, 0o750); err != nil {
		return fmt.Errorf("ensure work dir: %w", err)
	}
	gen, err := newGenerator(a.cfg)
	if err != nil {
		return err
	}
	backend, err := newBackend(ctx, a.cfg, a.log)
	if err != nil {
		return err
	}

	var wake <-chan struct{}
	if a.bus != nil {
		if wake, err = a.bus.Wake(ctx); err != nil {
			a.log.Warn("event wake-up disabled", "err", err)
		}
	}

	worker := processor.New(a.log, a.cfg, a.store, gen, backend, a.publisher(), a.metrics)
	loop := processor.NewLoop(a.log, a.store, worker, a.cfg.Worker, a.metrics, wake)
	if err := loop.Start(ctx); err != nil {
		return err
	}
	a.log.Info("worker started", "generator", a.cfg.Generator.Provider, "storage", a.cfg.Storage.Backend)

	<-ctx.Done()
	loop.Shutdown(a.cfg.Server.ShutdownGrace)
	a.log.Info("worker stopped")
	return nil
}
