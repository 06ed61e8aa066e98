// Package app wires the gateway runtime: config, logging, storage, the bridge transport,
// the webhook sink, HTTP routes and the status feed.
package app

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"wagate/cmd/internal/api"
	"wagate/cmd/internal/bridge"
	"wagate/cmd/internal/credentials"
	"wagate/cmd/internal/gateway"
	"wagate/cmd/internal/metrics"
	"wagate/cmd/internal/realtime"
	"wagate/cmd/internal/sessionstore"
	"wagate/cmd/internal/webhook"
)

// App owns the HTTP server and the session manager.
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool

	registry *prometheus.Registry
	manager  *gateway.Manager
	feed     *realtime.Feed
	ws       *realtime.WSGateway
	api      *api.Handler

	started atomic.Bool
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	records, pool, err := newRecordStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	closePool := func() {
		if pool != nil {
			pool.Close()
		}
	}

	creds, err := newCredentialStore(cfg)
	if err != nil {
		closePool()
		return nil, err
	}

	dialer, err := bridge.NewDialer(bridge.Config{URL: cfg.BridgeURL, Token: cfg.BridgeToken}, log.With("component", "bridge"))
	if err != nil {
		closePool()
		return nil, err
	}

	var sink gateway.EventSink
	if cfg.WebhookURL != "" {
		sink = webhook.New(webhook.Config{
			URL:     cfg.WebhookURL,
			Secret:  cfg.WebhookSecret,
			Timeout: cfg.WebhookTimeout,
		}, log.With("component", "webhook"), m)
	} else {
		log.Warn("webhook.disabled")
	}

	feed := realtime.NewFeed(log.With("component", "feed"), m)

	mgr, err := gateway.NewManager(managerConfig(cfg), gateway.Deps{
		Dialer:      dialer,
		Credentials: creds,
		Records:     records,
		Sink:        sink,
		Notifier:    feed,
		Metrics:     m,
		Logger:      log,
	})
	if err != nil {
		closePool()
		return nil, err
	}

	apiHandler, err := api.NewHandler(log.With("component", "api"), mgr, api.Config{Token: cfg.APIToken})
	if err != nil {
		closePool()
		return nil, err
	}

	wsCfg := realtime.DefaultConfig()
	wsCfg.AllowedOrigins = cfg.WSAllowedOrigins
	wsCfg.OriginRequired = cfg.WSOriginRequired
	wsCfg.Token = cfg.APIToken
	ws := realtime.NewWSGateway(wsCfg, log.With("component", "feed"), feed, mgr, m)

	return &App{
		cfg:       cfg,
		log:       log,
		dbPool:    pool,
		dbEnabled: pool != nil,
		registry:  reg,
		manager:   mgr,
		feed:      feed,
		ws:        ws,
		api:       apiHandler,
	}, nil
}

func managerConfig(cfg Config) gateway.Config {
	gc := gateway.DefaultConfig()
	gc.SendTimeout = cfg.SendTimeout
	gc.LookupTimeout = cfg.LookupTimeout
	gc.ReconnectDelay = cfg.ReconnectDelay
	gc.ReconnectMaxDelay = cfg.ReconnectMaxDelay
	gc.MaxReconnectAttempts = cfg.ReconnectMaxAttempts
	gc.WatchdogInterval = cfg.WatchdogInterval
	gc.WatchdogLow = cfg.WatchdogLow
	gc.WatchdogHigh = cfg.WatchdogHigh
	gc.SendRate = cfg.SendRate
	gc.SendBurst = cfg.SendBurst
	gc.ReloadConcurrency = cfg.ReloadConcurrency
	return gc
}

func newCredentialStore(cfg Config) (*credentials.Store, error) {
	var opts []credentials.Option
	if cfg.CredentialsKeyHex != "" {
		key, err := credentials.ParseKeyHex(cfg.CredentialsKeyHex)
		if err != nil {
			return nil, err
		}
		sealer, err := credentials.NewSealer(key)
		if err != nil {
			return nil, err
		}
		opts = append(opts, credentials.WithSealer(sealer))
	}
	return credentials.NewStore(cfg.SessionsDir, opts...), nil
}

// newRecordStore decides between the Postgres record store and the in-memory dev store.
func newRecordStore(ctx context.Context, cfg Config, log Logger) (gateway.RecordStore, *pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return sessionstore.NewInMemoryStore(), nil, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	st, err := sessionstore.NewPostgresStore(pool, sessionstore.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	return st, pool, nil
}

func (a *App) ready(ctx context.Context) error {
	if a.cfg.ReadinessRequireDB && !a.dbEnabled {
		return errors.New("db not configured")
	}
	if a.dbEnabled && a.dbPool != nil {
		if err := PingDB(ctx, a.dbPool, 2*time.Second); err != nil {
			return errors.New("db not ready")
		}
	}
	return nil
}

// Handler returns the root HTTP handler with middleware applied.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, routes{
		ready:   a.ready,
		gather:  a.registry,
		api:     a.api,
		ws:      a.ws,
		started: a.started.Load,
	})
	return WithRequestLogging(WithSecurityHeaders(mux), a.log)
}

// Run starts the HTTP server, reloads persisted sessions and blocks until context
// cancellation or a fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 30*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled, "bridge_url", a.cfg.BridgeURL)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if a.cfg.ReloadOnStart {
		n, err := a.manager.ReloadPersisted(ctx)
		if err != nil {
			a.log.Error("sessions.reload.fail", "err", err)
		} else {
			a.log.Info("sessions.reload.ok", "started", n)
		}
	}
	a.started.Store(true)

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}

	// Transports close without logout so credentials survive the restart.
	if err := a.manager.Shutdown(shutdownCtx); err != nil {
		a.log.Error("sessions.shutdown.fail", "err", err)
	}

	if a.dbPool != nil {
		a.dbPool.Close()
	}

	a.log.Info("server.stopped")
	return runErr
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
