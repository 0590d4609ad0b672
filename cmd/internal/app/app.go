// Package app wires the pairgate runtime: config, logging, the session store,
// the bridge driver, the orchestrator and the HTTP server.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"pairgate/cmd/internal/api"
	"pairgate/cmd/internal/bridge"
	"pairgate/cmd/internal/metrics"
	"pairgate/cmd/internal/pairing"
	"pairgate/cmd/internal/sessionstore"
	"pairgate/cmd/phone"
)

// Version is reported by the service descriptor. Set at build time.
var Version = "dev"

// App is the pairgate runtime.
type App struct {
	cfg Config
	log Logger

	store    *sessionstore.Client
	orch     *pairing.Orchestrator
	api      *api.Handler
	registry *prom.Registry

	closers []closer
	started time.Time
}

// New constructs a fully wired App that can open device sessions.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogColor)
	}
	if err := cfg.ValidateBridge(); err != nil {
		return nil, err
	}
	dialer, err := newDialer(cfg, log)
	if err != nil {
		return nil, err
	}
	return build(ctx, cfg, log, dialer)
}

// NewOffline constructs an App without a bridge. Session checks and deletes
// work; pairing fails with a pairing_failed error.
func NewOffline(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogColor)
	}
	return build(ctx, cfg, log, offlineDialer{})
}

func build(ctx context.Context, cfg Config, log Logger, dialer bridge.Dialer) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, started: time.Now()}
	defer func() {
		if err != nil {
			a.closeAll(context.Background())
		}
	}()

	var rec metrics.Recorder = metrics.NoopRecorder{}
	storeOpts := []sessionstore.ClientOption{
		sessionstore.WithPrefix(cfg.StorePrefix),
		sessionstore.WithMaxConflictRetries(cfg.StoreMaxConflicts),
		sessionstore.WithLogger(log),
	}
	if cfg.MetricsEnabled {
		a.registry = prom.NewRegistry()
		metrics.RegisterRuntime(a.registry)
		pr := metrics.NewPrometheusRecorder(a.registry)
		rec = pr
		storeOpts = append(storeOpts, sessionstore.WithObserver(pr))
	}

	backend, storeURL, c, err := newStoreBackend(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a.addCloser(c)
	a.store, err = sessionstore.NewClient(backend, storeOpts...)
	if err != nil {
		return nil, err
	}

	locker, c, err := newLocker(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a.addCloser(c)

	pub, c, err := newPublisher(cfg, log)
	if err != nil {
		return nil, err
	}
	a.addCloser(c)

	a.orch, err = pairing.New(a.store, dialer, pairingConfig(cfg),
		pairing.WithLogger(log),
		pairing.WithNormalizer(phone.Normalizer{Strict: cfg.StrictNumbers}),
		pairing.WithLocker(locker),
		pairing.WithRecorder(rec),
		pairing.WithPublisher(pub),
	)
	if err != nil {
		return nil, err
	}

	keys, err := newKeyVerifier(cfg, log)
	if err != nil {
		return nil, err
	}
	a.api, err = api.NewHandler(a.orch, api.Config{
		ServiceName: "pairgate",
		Version:     Version,
		StoreURL:    storeURL,
		PairTimeout: cfg.PairingTimeout + cfg.SettleDelay + 5*time.Second,
		Throttle: api.ThrottleConfig{
			Max:        cfg.PairRateMax,
			Window:     cfg.PairRateWindow,
			TrustProxy: cfg.TrustProxy,
		},
	}, api.WithLogger(log), api.WithAPIKeys(keys))
	if err != nil {
		return nil, err
	}
	return a, nil
}

func pairingConfig(cfg Config) pairing.Config {
	return pairing.Config{
		PairingTimeout:     cfg.PairingTimeout,
		LinkTimeout:        cfg.LinkTimeout,
		SettleDelay:        cfg.SettleDelay,
		Reconnect:          pairing.NewReconnectPolicy(pairing.BackoffMode(cfg.ReconnectMode), cfg.ReconnectInitial, cfg.ReconnectMax, cfg.ReconnectRetries),
		ExistingSession:    pairing.ExistingSessionPolicy(cfg.ExistingSession),
		Mode:               pairing.Mode(cfg.PairingMode),
		DeliverCredentials: cfg.DeliverCredentials,
		DeliveryNote:       cfg.DeliveryNote,
	}
}

// Orchestrator returns the pairing orchestrator (used by the CLI).
func (a *App) Orchestrator() *pairing.Orchestrator { return a.orch }

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.routes(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 60*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"url", runtimeBaseURL(a.cfg.HTTPAddr),
		"store", a.store.Backend(),
		"mode", a.cfg.PairingMode,
		"metrics", a.registry != nil,
	)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := a.store.Ping(pingCtx); err != nil {
		a.log.Warn("store.ping.fail", "err", err)
	}
	cancel()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}
	if err := a.Close(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}

	a.log.Info("server.stopped")
	return runErr
}

// Close stops running attempts and releases every component.
func (a *App) Close(ctx context.Context) error {
	var err error
	if a.orch != nil {
		if err = a.orch.Shutdown(ctx); err != nil {
			a.log.Error("pairing.shutdown.fail", "err", err, "active", a.orch.Active())
		}
	}
	a.closeAll(ctx)
	return err
}

func (a *App) addCloser(c *closer) {
	if c != nil {
		a.closers = append(a.closers, *c)
	}
}

func (a *App) closeAll(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.log.Error("component.close.fail", "component", c.name, "err", err)
		}
	}
	a.closers = nil
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

// runtimeBaseURL turns a listen address into a URL a local client can reach.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}
