// Package app wires the Beacon server runtime: config, logging, stores, HTTP routes, and realtime gateways.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"beacon/cmd/internal/alert"
	"beacon/cmd/internal/device"
	"beacon/cmd/internal/metrics"
	"beacon/cmd/internal/notify"
	"beacon/cmd/internal/presence"
	"beacon/cmd/internal/realtime"
	"beacon/cmd/internal/sos"
	"beacon/cmd/internal/tracking"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// App is the Beacon server runtime: it owns the stores, the HTTP server and the websocket gateways.
type App struct {
	cfg     Config
	log     Logger
	metrics *metrics.Metrics

	alerts   alert.Store
	presence presence.Store

	dbPool *pgxpool.Pool
	redis  *redis.Client

	hub      *realtime.Hub
	expirer  *alert.Expirer
	device   *device.Gateway
	tracking *tracking.Gateway
	api      *tracking.API
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log, _ = NewLogger(cfg)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a := &App{
		cfg:     cfg,
		log:     log,
		metrics: metrics.New(reg),
		hub:     realtime.NewHub(log),
	}

	if err := a.openAlertStore(ctx); err != nil {
		a.closeStores()
		return nil, err
	}
	if err := a.openPresenceStore(ctx); err != nil {
		a.closeStores()
		return nil, err
	}

	gw, err := newNotifyGateway(ctx, cfg, log)
	if err != nil {
		a.closeStores()
		return nil, err
	}

	writer := sos.NewWriter(a.alerts, log, a.metrics,
		sos.WithTTL(cfg.AlertTTL),
		sos.WithWriteTimeout(cfg.AlertWriteTimeout),
		sos.WithMaxAttempts(cfg.AlertMaxAttempts),
		sos.WithBackoffStep(cfg.AlertBackoffStep),
	)

	a.device = device.NewGateway(log, device.Deps{
		Store:       a.alerts,
		Writer:      writer,
		Notifier:    notify.NewRetrier(gw, log, a.metrics, cfg.NotifyMaxAttempts),
		Fallback:    presence.NewFallbackResolver(a.presence, log, a.metrics),
		Presence:    presence.NewTracker(a.presence, log),
		DebugErrors: cfg.DebugErrors,
		UpdateLimit: cfg.UpdateLimit,
	}, cfg.WS, a.hub, a.metrics)

	a.tracking = tracking.NewGateway(log, tracking.NewSubscriber(a.alerts, log, a.metrics), cfg.WS, a.hub, a.metrics)
	a.api = tracking.NewAPI(log, a.alerts)
	a.expirer = alert.NewExpirer(a.alerts, log, a.metrics)

	return a, nil
}

// Handler returns the full HTTP stack: routes plus middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a)

	var h http.Handler = mux
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	return WithRequestLogging(h, a.log, a.metrics)
}

// Run starts the HTTP server and the expiry sweep and blocks until context
// cancellation or a fatal server error. Stores are closed before it returns.
func (a *App) Run(ctx context.Context) error {
	defer a.closeStores()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	if err := a.expirer.Start(a.cfg.ExpirySchedule); err != nil {
		return fmt.Errorf("app: schedule expiry: %w", err)
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"db_enabled", a.dbPool != nil,
		"redis_enabled", a.redis != nil,
		"notify_mode", a.cfg.NotifyMode,
		"device_ws", wsBaseURL(base)+"/ws/device",
		"track_ws", wsBaseURL(base)+"/ws/track",
		"alert_api", base+"/api/alerts/{id}",
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", context.Cause(gctx))

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()

		// Hijacked websocket connections are invisible to Shutdown.
		a.hub.CloseAll("server shutting down")

		err := srv.Shutdown(shutdownCtx)
		if err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
		}
		a.expirer.Stop(shutdownCtx)
		return err
	})

	err := g.Wait()
	a.log.Info("server.stopped")
	return err
}

func (a *App) openAlertStore(ctx context.Context) error {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		a.alerts = alert.NewInMemoryStore()
		return nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("app: connect postgres: %w", err)
	}
	a.dbPool = pool

	// Ownership model:
	// - app owns pool lifecycle
	// - PostgresStore.Close() stops its listener only
	st, err := alert.NewPostgresStore(pool,
		alert.WithSchema(a.cfg.DBSchema),
		alert.WithLogger(a.log),
	)
	if err != nil {
		return err
	}
	a.alerts = st

	if a.cfg.DBAutoMigrate {
		if err := st.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("app: ensure schema: %w", err)
		}
	}

	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema)
	return nil
}

func (a *App) openPresenceStore(ctx context.Context) error {
	if a.cfg.RedisURL == "" {
		a.log.Info("redis.disabled.inmemory_presence")
		a.presence = presence.NewInMemoryStore()
		return nil
	}

	rdb, err := presence.NewRedisClient(ctx, a.cfg.RedisURL)
	if err != nil {
		return err
	}
	a.redis = rdb

	st, err := presence.NewRedisStore(rdb, presence.WithTTL(a.cfg.PresenceTTL))
	if err != nil {
		return err
	}
	a.presence = st

	a.log.Info("redis.enabled.presence_store")
	return nil
}

// closeStores releases stores and pools. The Redis client is closed by its store.
func (a *App) closeStores() {
	if a.alerts != nil {
		if err := a.alerts.Close(); err != nil {
			a.log.Error("store.close.fail", "store", "alert", "err", err)
		}
	}
	if a.presence != nil {
		if err := a.presence.Close(); err != nil {
			a.log.Error("store.close.fail", "store", "presence", "err", err)
		}
	} else if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

func newNotifyGateway(ctx context.Context, cfg Config, log Logger) (notify.Gateway, error) {
	switch mode := strings.ToLower(strings.TrimSpace(cfg.NotifyMode)); mode {
	case "http":
		gw, err := notify.NewHTTPGateway(cfg.NotifyURL, cfg.NotifyTimeout)
		if err != nil {
			return nil, err
		}
		return gw, nil
	case "fcm":
		gw, err := notify.NewFCMGateway(ctx, cfg.FCMCredentialsFile, cfg.FCMTopicPrefix)
		if err != nil {
			return nil, err
		}
		return gw, nil
	case "", "log":
		return notify.NewLogGateway(log), nil
	default:
		return nil, fmt.Errorf("app: unknown notify mode %q", mode)
	}
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
