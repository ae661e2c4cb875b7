package app

import (
	"context"
	"net/http"
	"time"
)

func registerHTTP(mux *http.ServeMux, a *App) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.ReadinessRequireDB && a.dbPool == nil {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if a.dbPool != nil {
			if err := PingDB(r.Context(), a.dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				a.log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		if a.redis != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			err := a.redis.Ping(ctx).Err()
			cancel()
			if err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				a.log.Info("readyz.redis.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("/metrics", a.metrics.Handler())

	a.api.Register(mux)
	a.device.Register(mux)
	a.tracking.Register(mux)
}
