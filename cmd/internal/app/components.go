package app

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"pairgate/cmd/internal/attemptlock"
	"pairgate/cmd/internal/bridge"
	"pairgate/cmd/internal/notify"
	"pairgate/cmd/internal/sessionstore"
)

// closer releases a component on shutdown.
type closer struct {
	name string
	fn   func(context.Context) error
}

// NewDBPool builds a pgxpool with sane defaults and validates connectivity.
// Schema provisioning is done lazily by the postgres session backend.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := PingDB(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// PingDB checks if we can acquire a connection within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}

// newStoreBackend picks the session store backend. storeURL is a browsable
// location of the sessions, when the backend has one.
func newStoreBackend(ctx context.Context, cfg Config, log Logger) (backend sessionstore.Backend, storeURL string, c *closer, err error) {
	switch cfg.StoreBackend {
	case BackendGitHub:
		gh, err := sessionstore.NewGitHubBackend(sessionstore.GitHubConfig{
			Token:       cfg.GitHubToken,
			Owner:       cfg.GitHubOwner,
			Repo:        cfg.GitHubRepo,
			Branch:      cfg.GitHubBranch,
			APIURL:      cfg.GitHubAPIURL,
			CreateInOrg: cfg.GitHubCreateInOrg,
			Timeout:     cfg.GitHubTimeout,
		}, nil)
		if err != nil {
			return nil, "", nil, err
		}
		log.Info("store.enabled.github", "owner", cfg.GitHubOwner, "repo", cfg.GitHubRepo, "branch", cfg.GitHubBranch)
		return gh, gh.RepoURL(cfg.StorePrefix), nil, nil

	case BackendPostgres:
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, "", nil, err
		}
		pg, err := sessionstore.NewPostgresBackend(pool, sessionstore.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, "", nil, err
		}
		log.Info("store.enabled.postgres", "schema", cfg.DBSchema)
		return pg, "", &closer{name: "postgres", fn: func(context.Context) error {
			pool.Close()
			return nil
		}}, nil

	case BackendMemory:
		log.Warn("store.enabled.memory", "note", "sessions are lost on restart")
		return sessionstore.NewMemoryBackend(), "", nil, nil

	default:
		return nil, "", nil, errors.New("unknown store backend " + cfg.StoreBackend)
	}
}

// newLocker returns a Redis locker when PAIRGATE_REDIS_URL is set, so that
// replicas never pair the same number concurrently, and an in-process one otherwise.
func newLocker(ctx context.Context, cfg Config, log Logger) (attemptlock.Locker, *closer, error) {
	if cfg.RedisURL == "" {
		return attemptlock.NewMemoryLocker(), nil, nil
	}
	client, err := attemptlock.Connect(ctx, cfg.RedisURL, 3, time.Second)
	if err != nil {
		return nil, nil, err
	}
	locker, err := attemptlock.NewRedisLocker(client, "")
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	log.Info("lock.enabled.redis")
	return locker, &closer{name: "redis", fn: func(context.Context) error { return client.Close() }}, nil
}

// newPublisher returns a NATS publisher when PAIRGATE_NATS_URL is set and a
// log publisher otherwise.
func newPublisher(cfg Config, log Logger) (notify.Publisher, *closer, error) {
	if cfg.NATSURL == "" {
		return notify.NewLogPublisher(log), nil, nil
	}
	p, err := notify.NewNATSPublisher(notify.NATSConfig{
		URL:           cfg.NATSURL,
		SubjectPrefix: cfg.NATSSubjectPrefix,
		JetStream:     cfg.NATSJetStream,
		Name:          "pairgate",
	}, log)
	if err != nil {
		return nil, nil, err
	}
	log.Info("notify.enabled.nats", "jetstream", cfg.NATSJetStream)
	return p, &closer{name: "nats", fn: func(context.Context) error { return p.Close() }}, nil
}

// ErrBridgeNotConfigured is returned by the offline dialer.
var ErrBridgeNotConfigured = errors.New("bridge not configured")

type offlineDialer struct{}

func (offlineDialer) Dial(context.Context, json.RawMessage) (bridge.Conn, error) {
	return nil, ErrBridgeNotConfigured
}

func newDialer(cfg Config, log Logger) (bridge.Dialer, error) {
	return bridge.NewWSDialer(bridge.WSConfig{
		URL:              cfg.BridgeURL,
		Token:            cfg.BridgeToken,
		HandshakeTimeout: cfg.BridgeHandshakeTimeout,
		RequestTimeout:   cfg.BridgeRequestTimeout,
	}, log)
}
