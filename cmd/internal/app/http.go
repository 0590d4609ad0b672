package app

import (
	"net/http"
	"time"

	"pairgate/cmd/internal/metrics"
)

type healthResponse struct {
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
	UptimeSeconds  int64     `json:"uptime_seconds"`
	Store          string    `json:"store"`
	ActiveAttempts int       `json:"active_attempts"`
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{
			Status:         "healthy",
			Timestamp:      time.Now().UTC(),
			UptimeSeconds:  int64(time.Since(a.started).Seconds()),
			Store:          a.store.Backend(),
			ActiveAttempts: a.orch.Active(),
		})
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.ReadinessCheckStore {
			if err := a.store.Ping(r.Context()); err != nil {
				http.Error(w, "store not ready", http.StatusServiceUnavailable)
				a.log.Info("readyz.store.not_ready", "err", err)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if a.registry != nil {
		mux.Handle("GET /metrics", metrics.HTTPHandler(a.registry))
	}

	a.api.Register(mux)

	var h http.Handler = mux
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	h = WithRecover(h, a.log)
	h = WithRequestLogging(h, a.log)
	return h
}
