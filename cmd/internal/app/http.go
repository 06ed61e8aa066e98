package app

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wagate/cmd/internal/api"
	"wagate/cmd/internal/realtime"
)

// routes groups what registerHTTP mounts; nil members are skipped.
type routes struct {
	ready   func(ctx context.Context) error
	gather  prometheus.Gatherer
	api     *api.Handler
	ws      *realtime.WSGateway
	started func() bool
}

func registerHTTP(mux *http.ServeMux, log Logger, rt routes) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if rt.started != nil && !rt.started() {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		if rt.ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := rt.ready(ctx); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				log.Info("readyz.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if rt.gather != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(rt.gather, promhttp.HandlerOpts{}))
	}
	if rt.api != nil {
		rt.api.Register(mux)
	}
	if rt.ws != nil {
		mux.Handle("GET /ws/sessions", rt.ws)
	}
}
