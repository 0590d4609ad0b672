package sessionstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	defaultPrefix             = "sessions"
	defaultSuffix             = ".json"
	defaultMaxConflictRetries = 5
)

// Observer receives one call per store operation. Result is "ok", "not_found",
// "conflict" or "error".
type Observer interface {
	ObserveStoreOp(op, result string, d time.Duration)
}

// Client is the session store used by the pairing orchestrator.
type Client struct {
	backend Backend
	log     *slog.Logger
	obs     Observer

	prefix     string
	suffix     string
	maxRetries int

	locks *keyedMutex

	containerMu    sync.Mutex
	containerReady bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithPrefix sets the directory blobs are stored under (default "sessions").
func WithPrefix(prefix string) ClientOption {
	return func(c *Client) {
		c.prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	}
}

// WithSuffix sets the blob name suffix (default ".json").
func WithSuffix(suffix string) ClientOption {
	return func(c *Client) {
		if s := strings.TrimSpace(suffix); s != "" {
			c.suffix = s
		}
	}
}

// WithMaxConflictRetries bounds the re-read/re-write loop on version conflicts.
func WithMaxConflictRetries(n int) ClientOption {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithObserver attaches an operation observer (metrics).
func WithObserver(obs Observer) ClientOption {
	return func(c *Client) {
		c.obs = obs
	}
}

// NewClient wraps backend with the conditional-write discipline.
func NewClient(backend Backend, opts ...ClientOption) (*Client, error) {
	if backend == nil {
		return nil, errors.New("sessionstore: nil backend")
	}
	c := &Client{
		backend:    backend,
		log:        slog.Default(),
		prefix:     defaultPrefix,
		suffix:     defaultSuffix,
		maxRetries: defaultMaxConflictRetries,
		locks:      newKeyedMutex(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(c)
	}
	return c, nil
}

// Backend returns the underlying backend name ("github", "postgres", "memory").
func (c *Client) Backend() string { return c.backend.Name() }

// Path returns the blob path for identifier.
func (c *Client) Path(identifier string) string {
	if c.prefix == "" {
		return identifier + c.suffix
	}
	return c.prefix + "/" + identifier + c.suffix
}

// Get returns the stored bundle. A missing blob (or a missing container) yields found=false.
func (c *Client) Get(ctx context.Context, identifier string) (bundle json.RawMessage, found bool, err error) {
	start := time.Now()
	defer func() { c.observe("get", start, err, found) }()

	obj, err := c.backend.Read(ctx, c.Path(identifier))
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrContainerMissing):
		return nil, false, nil
	default:
		return nil, false, unavailable("get", err)
	}

	if !json.Valid(obj.Data) {
		return nil, false, fmt.Errorf("sessionstore get: %w: stored blob is not JSON", ErrInvalidBundle)
	}
	return json.RawMessage(obj.Data), true, nil
}

// Put writes the full bundle for identifier and returns the new version token.
//
// Writing content identical to what is stored is a no-op that returns the
// current version, so retries are idempotent.
func (c *Client) Put(ctx context.Context, identifier string, bundle json.RawMessage) (version string, err error) {
	start := time.Now()
	defer func() { c.observe("put", start, err, true) }()

	data, err := encodeBundle(bundle)
	if err != nil {
		return "", err
	}

	unlock := c.locks.Lock(identifier)
	defer unlock()

	if err := c.ensureContainer(ctx); err != nil {
		return "", err
	}

	path := c.Path(identifier)
	reprovisioned := false
	for attempt := 0; attempt <= c.maxRetries; {
		current := ""
		obj, err := c.backend.Read(ctx, path)
		switch {
		case err == nil:
			if bytes.Equal(obj.Data, data) {
				return obj.Version, nil
			}
			current = obj.Version
		case errors.Is(err, ErrNotFound):
		case errors.Is(err, ErrContainerMissing):
			if err := c.reprovision(ctx, path, &reprovisioned, err); err != nil {
				return "", err
			}
			continue
		default:
			return "", unavailable("put", err)
		}

		v, err := c.backend.Write(ctx, WriteRequest{
			Path:    path,
			Data:    data,
			Version: current,
			Message: "Save session for " + identifier,
		})
		switch {
		case err == nil:
			return v, nil
		case errors.Is(err, ErrContainerMissing):
			if err := c.reprovision(ctx, path, &reprovisioned, err); err != nil {
				return "", err
			}
			continue
		case !errors.Is(err, ErrConflict):
			return "", unavailable("put", err)
		}
		attempt++
		c.log.Info("store.put.conflict", "path", path, "attempt", attempt)
	}

	return "", fmt.Errorf("sessionstore put: %w: %w after %d attempts", ErrUnavailable, ErrConflict, c.maxRetries+1)
}

// reprovision recreates a container that disappeared after it was cached as
// ready. It runs at most once per write; a second miss is cause.
func (c *Client) reprovision(ctx context.Context, path string, done *bool, cause error) error {
	c.forgetContainer()
	if *done {
		return unavailable("put", cause)
	}
	*done = true
	c.log.Warn("store.container.vanished", "path", path)
	return c.ensureContainer(ctx)
}

// Delete removes the blob for identifier. deleted=false means nothing was stored.
func (c *Client) Delete(ctx context.Context, identifier string) (deleted bool, err error) {
	start := time.Now()
	defer func() { c.observe("delete", start, err, deleted) }()

	unlock := c.locks.Lock(identifier)
	defer unlock()

	path := c.Path(identifier)
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		obj, err := c.backend.Read(ctx, path)
		switch {
		case err == nil:
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrContainerMissing):
			return false, nil
		default:
			return false, unavailable("delete", err)
		}

		err = c.backend.Remove(ctx, RemoveRequest{
			Path:    path,
			Version: obj.Version,
			Message: "Delete session for " + identifier,
		})
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, ErrNotFound):
			return false, nil
		case errors.Is(err, ErrConflict):
			c.log.Info("store.delete.conflict", "path", path, "attempt", attempt+1)
			continue
		default:
			return false, unavailable("delete", err)
		}
	}

	return false, fmt.Errorf("sessionstore delete: %w: %w after %d attempts", ErrUnavailable, ErrConflict, c.maxRetries+1)
}

// List returns the stored session blobs.
func (c *Client) List(ctx context.Context) (out []ObjectInfo, err error) {
	start := time.Now()
	defer func() { c.observe("list", start, err, true) }()

	items, err := c.backend.List(ctx, c.prefix)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrContainerMissing):
		return nil, nil
	default:
		return nil, unavailable("list", err)
	}

	out = make([]ObjectInfo, 0, len(items))
	for _, it := range items {
		if !strings.HasSuffix(it.Name, c.suffix) {
			continue
		}
		out = append(out, it)
	}
	return out, nil
}

// EnsureContainer provisions the backing container. Safe to call repeatedly.
func (c *Client) EnsureContainer(ctx context.Context) error {
	c.forgetContainer()
	return c.ensureContainer(ctx)
}

// Ping checks that the backend is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.backend.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (c *Client) ensureContainer(ctx context.Context) error {
	c.containerMu.Lock()
	defer c.containerMu.Unlock()

	if c.containerReady {
		return nil
	}
	if err := c.backend.EnsureContainer(ctx); err != nil {
		return unavailable("ensure_container", err)
	}
	c.containerReady = true
	c.log.Info("store.container.ready", "backend", c.backend.Name())
	return nil
}

func (c *Client) forgetContainer() {
	c.containerMu.Lock()
	c.containerReady = false
	c.containerMu.Unlock()
}

func (c *Client) observe(op string, start time.Time, err error, found bool) {
	if c.obs == nil {
		return
	}
	result := "ok"
	switch {
	case errors.Is(err, ErrConflict):
		result = "conflict"
	case err != nil:
		result = "error"
	case !found:
		result = "not_found"
	}
	c.obs.ObserveStoreOp(op, result, time.Since(start))
}

// encodeBundle validates bundle and renders it the way it is stored: indented, newline-terminated.
func encodeBundle(bundle json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(bundle)) == 0 || !json.Valid(bundle) {
		return nil, ErrInvalidBundle
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, bundle, "", "  "); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBundle, err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func unavailable(op string, err error) error {
	if errors.Is(err, ErrUnavailable) {
		return fmt.Errorf("sessionstore %s: %w", op, err)
	}
	return fmt.Errorf("sessionstore %s: %w: %w", op, ErrUnavailable, err)
}
