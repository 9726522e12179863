// Package daemon wires a Herald engine, its store, the admin API and the
// Prometheus endpoint into the heraldd process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/herald"
	"github.com/xraph/herald/api"
	"github.com/xraph/herald/crm"
	"github.com/xraph/herald/observability"
	"github.com/xraph/herald/store"
	"github.com/xraph/herald/store/memory"
	"github.com/xraph/herald/store/mongo"
	"github.com/xraph/herald/store/postgres"
	"github.com/xraph/herald/store/redis"
	"github.com/xraph/herald/store/sqlite"
)

// OpenStore connects the backend named by cfg.Driver.
func OpenStore(ctx context.Context, cfg StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		return sqlite.Open(cfg.DSN)
	case "postgres":
		return postgres.Open(ctx, cfg.DSN)
	case "redis":
		return redis.Open(cfg.DSN)
	case "mongo":
		return mongo.Open(ctx, cfg.DSN, cfg.Database)
	default:
		return nil, fmt.Errorf("herald: unknown store driver %q", cfg.Driver)
	}
}

// Daemon is a configured, not yet running heraldd process.
type Daemon struct {
	cfg     Config
	logger  *slog.Logger
	store   store.Store
	herald  *herald.Herald
	watcher *crm.BigDealWatcher
	server  *http.Server
}

// New opens the store, migrates it and builds the engine and HTTP server.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Daemon, error) {
	s, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	d, err := build(ctx, cfg, s, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return d, nil
}

func build(ctx context.Context, cfg Config, s store.Store, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.DisableMigrate {
		if err := s.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("herald: migrate %s store: %w", cfg.Store.Driver, err)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := append(cfg.ToOptions(),
		herald.WithStore(s),
		herald.WithLogger(logger),
		herald.WithMetrics(observability.NewMetrics(reg)),
		herald.WithTracer(observability.NewTracer()),
	)
	h, err := herald.New(opts...)
	if err != nil {
		return nil, err
	}

	if cfg.RegisterCRMTypes {
		if err := crm.RegisterDefaults(ctx, h.Catalog()); err != nil {
			return nil, err
		}
	}

	d := &Daemon{cfg: cfg, logger: logger, store: s, herald: h}
	if len(cfg.BigDealAlerts) > 0 {
		d.watcher = crm.NewBigDealWatcher(h, logger)
		for _, a := range cfg.BigDealAlerts {
			d.watcher.PutRule(a.Rule())
		}
	}

	d.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           d.routes(reg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return d, nil
}

func (d *Daemon) routes(reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Get("/healthz", d.healthz)

	base := "/" + strings.Trim(d.cfg.BasePath, "/")
	r.Mount(base, api.NewHandler(d.herald, d.logger))
	return r
}

func (d *Daemon) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := d.store.Ping(ctx); err != nil {
		d.logger.WarnContext(ctx, "health check failed", "error", err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok")) //nolint:errcheck // best effort
}

// Handler returns the daemon's HTTP handler.
func (d *Daemon) Handler() http.Handler { return d.server.Handler }

// Herald returns the engine.
func (d *Daemon) Herald() *herald.Herald { return d.herald }

// Run starts the engine and serves HTTP until ctx is cancelled, then shuts
// everything down within the configured shutdown timeout.
func (d *Daemon) Run(ctx context.Context) error {
	if d.watcher != nil {
		if err := d.watcher.Start(ctx); err != nil {
			return err
		}
	}
	if err := d.herald.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.logger.Info("herald listening", "addr", d.cfg.Addr, "store", d.cfg.Store.Driver)
		if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("herald: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return d.shutdown()
	})
	return g.Wait()
}

func (d *Daemon) shutdown() error {
	timeout := d.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = herald.DefaultConfig().ShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	d.logger.Info("herald shutting down")
	errs := []error{d.server.Shutdown(ctx)}
	if d.watcher != nil {
		errs = append(errs, d.watcher.Stop(ctx))
	}
	errs = append(errs, d.herald.Stop(ctx), d.store.Close())
	return errors.Join(errs...)
}
