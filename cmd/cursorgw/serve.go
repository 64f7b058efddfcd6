package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/ninawilliansoc/cursor-api-reforged/internal/admission"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/api"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/config"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/credpool"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/logging"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/metrics"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/pipeline"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/ratelimit"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/retry"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/storage"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/upstream"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/usage"
)

const (
	shutdownTimeout   = 5 * time.Second
	migratedCookieMsg = "Migrated from environment variables"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway in the foreground",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().Int("port", 0, "listen port (overrides server.port)")
}

// gateway is the fully wired set of components behind one serve process.
type gateway struct {
	cfg      config.Config
	store    *storage.Store
	metrics  *metrics.Metrics
	pool     *credpool.Pool
	limiter  *ratelimit.Limiter
	queue    *admission.Queue
	usage    *usage.Worker
	pipeline *pipeline.Pipeline
}

// buildGateway opens storage, migrates configured cookies into the
// credential pool and wires the request path. The caller owns g.store.
func buildGateway(cfg config.Config, log *zap.Logger) (*gateway, error) {
	log = logging.OrNop(log)
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	if len(cfg.Auth.Cookies) > 0 {
		n, err := store.ImportCredentials(cfg.Auth.Cookies, migratedCookieMsg)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("migrating configured cookies: %w", err)
		}
		if n > 0 {
			log.Info("configured cookies migrated", zap.Int("added", n))
		}
	}

	g := &gateway{cfg: cfg, store: store}
	if cfg.Metrics.Enabled {
		g.metrics = metrics.New()
	}

	g.pool = credpool.New(store, log, g.metrics)
	g.limiter = ratelimit.New(ratelimit.Config{
		Limit:   cfg.RateLimit.Limit,
		Window:  cfg.RateLimit.Window,
		Penalty: cfg.RateLimit.Penalty,
	}, log, g.metrics)
	g.queue = admission.New(admission.Config{
		Threshold:       cfg.Admission.Threshold,
		NormalWait:      cfg.Admission.NormalWait,
		ExtendedWait:    cfg.Admission.ExtendedWait,
		PriorityWait:    cfg.Admission.PriorityWait,
		RejectOnTimeout: cfg.Admission.RejectOnTimeout,
	}, log, g.metrics)

	client, err := upstream.NewClient(upstream.Config{
		BaseURL:        cfg.Upstream.BaseURL,
		ClientVersion:  cfg.Upstream.ClientVersion,
		Timezone:       cfg.Upstream.Timezone,
		ProxyURL:       cfg.Upstream.ProxyURL,
		ConnectTimeout: cfg.Upstream.ConnectTimeout,
		ReadTimeout:    cfg.Upstream.ReadTimeout,
	}, log, g.metrics)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating upstream client: %w", err)
	}

	g.pipeline = pipeline.New(pipeline.Deps{
		Upstream: client,
		Pool:     g.pool,
		Retry:    retry.NewEngine(store, cfg.Retry.MaxAttempts, log, g.metrics),
		Fallback: cfg.Auth.Cookies,
		Logger:   log,
	})
	g.usage = usage.NewWorker(store, 0, log)
	return g, nil
}

// routes composes the admin API, the metrics endpoint and the
// OpenAI-compatible surface.
func (g *gateway) routes(adminToken string, log *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Mount("/admin", api.NewAdminHandler(api.AdminDeps{
		Store:  g.store,
		Pool:   g.pool,
		Queue:  g.queue,
		Token:  adminToken,
		Logger: log,
	}))
	if g.metrics != nil {
		r.Handle("/metrics", g.metrics.Handler())
	}
	r.Mount("/", api.NewOpenAIHandler(api.Deps{
		Pipeline: g.pipeline,
		Tokens:   g.store,
		Usage:    g.usage,
		Limiter:  g.limiter,
		Queue:    g.queue,
		Metrics:  g.metrics,
		Logger:   log,
	}))
	return r
}

// background registers the maintenance jobs that run alongside the HTTP
// server: rotation ticks, limiter pruning, usage recording and the optional
// credential file watcher.
func (g *gateway) background(ctx context.Context, eg *errgroup.Group, log *zap.Logger) error {
	log = logging.OrNop(log)
	sched := credpool.NewScheduler(log)
	if err := sched.Every("rotate-credentials", g.cfg.Rotation.Interval, g.pool.Tick); err != nil {
		return err
	}
	if err := sched.Every("prune-rate-limits", g.cfg.RateLimit.Window, func() error {
		if n := g.limiter.Prune(); n > 0 {
			log.Debug("rate limit windows pruned", zap.Int("removed", n))
		}
		return nil
	}); err != nil {
		return err
	}
	eg.Go(func() error { return sched.Run(ctx) })

	eg.Go(func() error {
		g.usage.Run(ctx)
		return nil
	})

	if path := g.cfg.Credentials.WatchFile; path != "" {
		w := credpool.NewFileWatcher(path, g.store, log)
		if _, err := w.Load(); err != nil {
			log.Warn("initial credential file load failed", zap.String("path", path), zap.Error(err))
		}
		eg.Go(func() error { return w.Watch(ctx) })
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Server.Port = port
	}

	log, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logging.Sync(log)
	log.Info("starting cursorgw", zap.String("version", version))

	adminToken, err := config.GetAdminToken(cfg)
	if err != nil {
		return err
	}

	g, err := buildGateway(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := g.store.Close(); err != nil {
			log.Warn("closing storage", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	eg, ctx := errgroup.WithContext(ctx)

	if err := g.background(ctx, eg, log); err != nil {
		return err
	}

	errLog, _ := zap.NewStdLogAt(log.Named("http"), zapcore.ErrorLevel)
	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           g.routes(adminToken, log),
		ErrorLog:          errLog,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	eg.Go(func() error {
		log.Info("gateway listening", logging.Addr(srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}
