// Package pairing runs the session lifecycle: validate an identifier, decide
// whether to resume, drive the device-pairing handshake, persist credential
// updates and react to connection lifecycle events.
package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"pairgate/cmd/ids"
	"pairgate/cmd/internal/attemptlock"
	"pairgate/cmd/internal/bridge"
	"pairgate/cmd/internal/metrics"
	"pairgate/cmd/internal/notify"
	"pairgate/cmd/internal/sessionstore"
	"pairgate/cmd/phone"
)

// Store is the session store the orchestrator persists bundles through.
type Store interface {
	Get(ctx context.Context, identifier string) (json.RawMessage, bool, error)
	Put(ctx context.Context, identifier string, bundle json.RawMessage) (string, error)
	Delete(ctx context.Context, identifier string) (bool, error)
	List(ctx context.Context) ([]sessionstore.ObjectInfo, error)
}

// ExistingSessionPolicy decides what happens when a bundle is already stored.
type ExistingSessionPolicy string

const (
	// ExistingReport answers "already paired" without connecting.
	ExistingReport ExistingSessionPolicy = "report"
	// ExistingResume connects with the stored bundle.
	ExistingResume ExistingSessionPolicy = "resume"
)

// Mode selects how an unregistered device is linked.
type Mode string

const (
	ModeCode Mode = "code"
	ModeQR   Mode = "qr"
)

// DefaultDeliveryNote is sent after the credential document on a successful link.
const DefaultDeliveryNote = "Do not share this file with anybody.\n\nYour session has been backed up securely."

// Config tunes the orchestrator.
type Config struct {
	// PairingTimeout bounds an attempt until the caller is answered.
	PairingTimeout time.Duration
	// LinkTimeout bounds the whole attempt, including the background phase.
	LinkTimeout time.Duration
	// SettleDelay is waited after connecting before a pairing code is requested.
	SettleDelay  time.Duration
	StoreTimeout time.Duration
	Reconnect    ReconnectPolicy

	ExistingSession ExistingSessionPolicy
	Mode            Mode

	// DeliverCredentials sends the bundle and DeliveryNote to the paired account once open.
	DeliverCredentials bool
	DeliveryNote       string

	// LockTTL is the lease on an identifier while an attempt runs; defaults past LinkTimeout.
	LockTTL time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PairingTimeout:  30 * time.Second,
		LinkTimeout:     5 * time.Minute,
		SettleDelay:     3 * time.Second,
		StoreTimeout:    15 * time.Second,
		Reconnect:       DefaultReconnectPolicy(),
		ExistingSession: ExistingReport,
		Mode:            ModeCode,
		DeliveryNote:    DefaultDeliveryNote,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PairingTimeout <= 0 {
		c.PairingTimeout = d.PairingTimeout
	}
	if c.LinkTimeout <= 0 {
		c.LinkTimeout = d.LinkTimeout
	}
	if c.LinkTimeout < c.PairingTimeout {
		c.LinkTimeout = c.PairingTimeout
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = d.StoreTimeout
	}
	if c.Reconnect == (ReconnectPolicy{}) {
		c.Reconnect = d.Reconnect
	}
	if c.ExistingSession == "" {
		c.ExistingSession = d.ExistingSession
	}
	if c.Mode == "" {
		c.Mode = d.Mode
	}
	if strings.TrimSpace(c.DeliveryNote) == "" {
		c.DeliveryNote = d.DeliveryNote
	}
	if c.LockTTL <= 0 {
		c.LockTTL = c.LinkTimeout + time.Minute
	}
	return c
}

// Validate reports configuration that cannot be applied.
func (c Config) Validate() error {
	switch c.ExistingSession {
	case ExistingReport, ExistingResume:
	default:
		return fmt.Errorf("unknown existing-session policy %q", c.ExistingSession)
	}
	switch c.Mode {
	case ModeCode, ModeQR:
	default:
		return fmt.Errorf("unknown pairing mode %q", c.Mode)
	}
	return c.Reconnect.Validate()
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

// WithNormalizer replaces the identifier normalizer.
func WithNormalizer(n phone.Normalizer) Option {
	return func(o *Orchestrator) { o.norm = n }
}

// WithLocker adds a cross-process lock per identifier.
func WithLocker(l attemptlock.Locker) Option {
	return func(o *Orchestrator) { o.locker = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.rec = r
		}
	}
}

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(p notify.Publisher) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.pub = p
		}
	}
}

// Orchestrator runs pairing attempts. It is safe for concurrent use; the store
// is the only state shared between attempts.
type Orchestrator struct {
	cfg    Config
	store  Store
	dialer bridge.Dialer
	norm   phone.Normalizer
	locker attemptlock.Locker
	rec    metrics.Recorder
	pub    notify.Publisher
	log    *slog.Logger

	reg *registry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an orchestrator.
func New(store Store, dialer bridge.Dialer, cfg Config, opts ...Option) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("pairing: nil store")
	}
	if dialer == nil {
		return nil, errors.New("pairing: nil dialer")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pairing: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:    cfg,
		store:  store,
		dialer: dialer,
		rec:    metrics.NoopRecorder{},
		log:    slog.Default(),
		reg:    newRegistry(),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(o)
	}
	if o.pub == nil {
		o.pub = notify.NewLogPublisher(o.log)
	}
	return o, nil
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// Outcome is what the caller of BeginPairing was answered with.
type Outcome string

const (
	OutcomeCode          Outcome = "pairing_code"
	OutcomeQR            Outcome = "qr"
	OutcomeAlreadyPaired Outcome = "already_paired"
	OutcomeConnected     Outcome = "connected"
)

// Result answers BeginPairing.
type Result struct {
	AttemptID  string  `json:"attempt_id"`
	Identifier string  `json:"identifier"`
	Outcome    Outcome `json:"outcome"`
	// Code is the pairing code in groups of four ("ABCD-1234").
	Code string `json:"code,omitempty"`
	// QR is the raw QR payload in QR mode.
	QR string `json:"qr,omitempty"`
}

// BeginPairing validates raw, then either reports an existing session or starts
// an attempt and blocks until the caller can be answered: a pairing code, a QR
// payload, an open connection, or a typed failure. The attempt continues in the
// background after the answer until it links, logs out or fails.
func (o *Orchestrator) BeginPairing(ctx context.Context, raw string) (Result, error) {
	const op = "pairing.BeginPairing"

	identifier, err := o.norm.Normalize(raw)
	if err != nil {
		return Result{}, newError(op, KindInvalidIdentifier, err)
	}

	now := time.Now().UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		return Result{}, newError(op, KindInternal, err)
	}
	a := newAttempt(id, identifier, now)
	log := o.log.With("attempt_id", id, "identifier", phone.Mask(identifier))

	if !o.reg.add(a) {
		return Result{}, newError(op, KindAttemptInProgress, fmt.Errorf("identifier %s", phone.Mask(identifier)))
	}
	lease, err := o.acquire(ctx, identifier)
	if err != nil {
		o.reg.retire(a)
		a.finish(time.Now().UTC())
		if errors.Is(err, attemptlock.ErrHeld) {
			return Result{}, newError(op, KindAttemptInProgress, err)
		}
		return Result{}, newError(op, KindStoreUnavailable, err)
	}
	o.rec.SetActiveAttempts(o.reg.count())

	r := newRunner(o, a, lease, log)
	r.enter(StateResumingOrFresh)
	o.publish(notify.Event{Type: notify.TypeAttemptStarted, AttemptID: id, Identifier: identifier, State: StateResumingOrFresh.String()})

	stored, found, err := o.store.Get(ctx, identifier)
	if err != nil {
		r.fail(op, KindStoreUnavailable, err)
		r.release()
		ans := <-r.answers
		return ans.res, ans.err
	}
	if found && o.cfg.ExistingSession != ExistingResume {
		r.enter(StateClosedExisting)
		r.respond(Result{Outcome: OutcomeAlreadyPaired}, nil)
		r.release()
		log.Info("pairing.already_paired")
		return (<-r.answers).res, nil
	}
	if found {
		r.bundle = stored
		r.resumed = true
	}

	o.wg.Add(1)
	go r.run(o.ctx)

	select {
	case ans := <-r.answers:
		return ans.res, ans.err
	case <-ctx.Done():
		kind := KindInternal
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = KindPairingTimeout
		}
		return Result{AttemptID: id, Identifier: identifier}, newError(op, kind, ctx.Err())
	}
}

// SessionStatus answers CheckSession.
type SessionStatus struct {
	Identifier string    `json:"identifier"`
	Exists     bool      `json:"exists"`
	Active     *Snapshot `json:"active_attempt,omitempty"`
}

// CheckSession reports whether a bundle is stored for raw and whether an attempt is running.
func (o *Orchestrator) CheckSession(ctx context.Context, raw string) (SessionStatus, error) {
	const op = "pairing.CheckSession"

	identifier, err := o.norm.Normalize(raw)
	if err != nil {
		return SessionStatus{}, newError(op, KindInvalidIdentifier, err)
	}
	_, found, err := o.store.Get(ctx, identifier)
	if err != nil {
		return SessionStatus{}, newError(op, KindStoreUnavailable, err)
	}
	st := SessionStatus{Identifier: identifier, Exists: found}
	if a := o.reg.activeFor(identifier); a != nil {
		snap := a.Snapshot()
		st.Active = &snap
	}
	return st, nil
}

// DeleteSession removes the stored bundle for raw. deleted=false means nothing was stored.
// A session with a running attempt cannot be deleted.
func (o *Orchestrator) DeleteSession(ctx context.Context, raw string) (bool, error) {
	const op = "pairing.DeleteSession"

	identifier, err := o.norm.Normalize(raw)
	if err != nil {
		return false, newError(op, KindInvalidIdentifier, err)
	}
	if a := o.reg.activeFor(identifier); a != nil {
		return false, newError(op, KindAttemptInProgress, fmt.Errorf("attempt %s", a.ID))
	}
	deleted, err := o.store.Delete(ctx, identifier)
	if err != nil {
		return false, newError(op, KindStoreUnavailable, err)
	}
	if deleted {
		o.log.Info("pairing.session.deleted", "identifier", phone.Mask(identifier))
		o.publish(notify.Event{Type: notify.TypeSessionDeleted, Identifier: identifier})
	}
	return deleted, nil
}

// SessionInfo describes a stored session.
type SessionInfo struct {
	Identifier string     `json:"identifier"`
	Path       string     `json:"path"`
	Size       int64      `json:"size"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
}

// ListSessions lists stored sessions.
func (o *Orchestrator) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	items, err := o.store.List(ctx)
	if err != nil {
		return nil, newError("pairing.ListSessions", KindStoreUnavailable, err)
	}
	out := make([]SessionInfo, 0, len(items))
	for _, it := range items {
		name := it.Name
		if i := strings.LastIndexByte(name, '.'); i > 0 {
			name = name[:i]
		}
		out = append(out, SessionInfo{
			Identifier: name,
			Path:       it.Path,
			Size:       it.Size,
			UpdatedAt:  it.UpdatedAt,
		})
	}
	return out, nil
}

// ErrUnknownAttempt is returned for attempt ids that are not running or recent.
var ErrUnknownAttempt = errors.New("pairing: unknown attempt")

// Attempt returns a snapshot of a running or recently finished attempt.
func (o *Orchestrator) Attempt(id string) (Snapshot, bool) {
	a := o.reg.lookup(id)
	if a == nil {
		return Snapshot{}, false
	}
	return a.Snapshot(), true
}

// Wait blocks until attempt id is terminal and returns its final snapshot.
func (o *Orchestrator) Wait(ctx context.Context, id string) (Snapshot, error) {
	a := o.reg.lookup(id)
	if a == nil {
		return Snapshot{}, ErrUnknownAttempt
	}
	select {
	case <-a.Done():
		return a.Snapshot(), nil
	case <-ctx.Done():
		return a.Snapshot(), ctx.Err()
	}
}

// Active returns the number of running attempts.
func (o *Orchestrator) Active() int { return o.reg.count() }

// Shutdown stops every running attempt and waits for them to release their
// resources, or for ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) acquire(ctx context.Context, identifier string) (attemptlock.Lease, error) {
	if o.locker == nil {
		return nil, nil
	}
	return o.locker.Acquire(ctx, identifier, o.cfg.LockTTL)
}

func (o *Orchestrator) publish(ev notify.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.pub.Publish(ctx, ev); err != nil {
		o.log.Warn("pairing.publish.fail", "type", ev.Type, "err", err)
	}
}
