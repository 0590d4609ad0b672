package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"pairgate/cmd/internal/attemptlock"
	"pairgate/cmd/internal/bridge"
	"pairgate/cmd/internal/notify"
)

type answer struct {
	res Result
	err error
}

type step uint8

const (
	stepDone step = iota
	stepReconnect
)

var (
	errShutdown         = errors.New("orchestrator shutting down")
	errNothingCommitted = errors.New("no credentials committed to the store")
)

// runner drives one attempt. All fields are owned by the attempt goroutine.
type runner struct {
	o     *Orchestrator
	a     *Attempt
	lease attemptlock.Lease
	log   *slog.Logger

	// bundle is the last persisted credential document; reconnects are seeded with it.
	bundle json.RawMessage
	// latest is the last document the driver reported, persisted or not.
	latest  json.RawMessage
	resumed bool

	conn bridge.Conn

	answers  chan answer
	answered bool

	// answerCtx bounds every step until the caller is answered.
	answerCtx    context.Context
	answerCancel context.CancelFunc

	released bool
}

func newRunner(o *Orchestrator, a *Attempt, lease attemptlock.Lease, log *slog.Logger) *runner {
	return &runner{
		o:            o,
		a:            a,
		lease:        lease,
		log:          log,
		answers:      make(chan answer, 1),
		answerCancel: func() {},
	}
}

func (r *runner) run(parent context.Context) {
	defer r.o.wg.Done()
	defer r.release()
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("pairing.attempt.panic", "panic", p, "stack", string(debug.Stack()))
			r.closeConn()
			r.fail("pairing.run", KindInternal, fmt.Errorf("panic: %v", p))
		}
	}()

	ctx, cancel := context.WithTimeout(parent, r.o.cfg.LinkTimeout)
	defer cancel()
	r.answerCtx, r.answerCancel = context.WithTimeout(ctx, r.o.cfg.PairingTimeout)

	for {
		if !r.enter(StateConnecting) {
			return
		}
		if r.connect(ctx) == stepDone {
			return
		}
	}
}

// opCtx bounds a step by the answer deadline until the caller is answered.
func (r *runner) opCtx(ctx context.Context) context.Context {
	if r.answered {
		return ctx
	}
	return r.answerCtx
}

func (r *runner) deadline() <-chan struct{} {
	if r.answered {
		return nil
	}
	return r.answerCtx.Done()
}

func (r *runner) connect(ctx context.Context) step {
	conn, err := r.o.dialer.Dial(r.opCtx(ctx), r.bundle)
	if err != nil {
		if r.opCtx(ctx).Err() != nil {
			return r.expired(ctx)
		}
		if bridge.IsTransient(err) {
			r.log.Warn("pairing.dial.fail", "err", err)
			return r.reconnect(ctx, err)
		}
		r.fail("pairing.connect", KindPairingFailed, err)
		return stepDone
	}
	r.conn = conn
	r.log.Info("pairing.connected", "registered", conn.Registered(), "reconnects", r.a.reconnectCount())

	var settle <-chan time.Time
	if !conn.Registered() {
		if !r.enter(StateAwaitingCode) {
			return stepDone
		}
		if !r.answered && r.o.cfg.Mode == ModeCode {
			t := time.NewTimer(r.o.cfg.SettleDelay)
			defer t.Stop()
			settle = t.C
		}
	}

	events := conn.Events()
	for {
		select {
		case <-ctx.Done():
			r.closeConn()
			return r.expired(ctx)
		case <-r.deadline():
			r.closeConn()
			return r.expired(ctx)
		case <-settle:
			settle = nil
			if s, done := r.requestCode(ctx); done {
				return s
			}
		case ev, ok := <-events:
			if !ok {
				ev = bridge.Event{Kind: bridge.EventConnectionClose, Close: &bridge.CloseError{Reason: "event stream ended"}}
			}
			if s, done := r.handle(ctx, ev); done {
				return s
			}
		}
	}
}

func (r *runner) requestCode(ctx context.Context) (step, bool) {
	started := time.Now()
	code, err := r.conn.RequestPairingCode(r.answerCtx, r.a.Identifier)
	if err != nil {
		r.closeConn()
		if r.answerCtx.Err() != nil {
			return r.expired(ctx), true
		}
		if bridge.IsTransient(err) {
			r.log.Warn("pairing.code.request.fail", "err", err)
			return r.reconnect(ctx, err), true
		}
		r.fail("pairing.request_code", KindPairingFailed, err)
		return stepDone, true
	}
	r.log.Info("pairing.code.issued", "elapsed", time.Since(started))
	r.respond(Result{Outcome: OutcomeCode, Code: bridge.FormatPairingCode(code)}, nil)
	r.publish(notify.TypeAttemptCodeIssued)
	return stepDone, false
}

func (r *runner) handle(ctx context.Context, ev bridge.Event) (step, bool) {
	switch ev.Kind {
	case bridge.EventCredentialsChanged:
		_ = r.persist(ctx, ev.Credentials)
	case bridge.EventQRAvailable:
		if !r.answered && r.o.cfg.Mode == ModeQR && ev.QR != "" {
			r.log.Info("pairing.qr.issued")
			r.respond(Result{Outcome: OutcomeQR, QR: ev.QR}, nil)
			r.publish(notify.TypeAttemptQRIssued)
		}
	case bridge.EventConnectionOpen:
		return r.opened(ctx), true
	case bridge.EventConnectionClose:
		return r.closed(ctx, ev.Close), true
	default:
		r.log.Debug("pairing.event.ignored", "kind", ev.Kind.String())
	}
	return stepDone, false
}

// persist writes creds through the store. It runs on its own deadline so that a
// write already underway survives the attempt's deadline.
func (r *runner) persist(ctx context.Context, creds json.RawMessage) error {
	if len(creds) == 0 {
		return nil
	}
	r.latest = creds

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.o.cfg.StoreTimeout)
	defer cancel()
	version, err := r.o.store.Put(sctx, r.a.Identifier, creds)
	if err != nil {
		r.a.countPersist(false)
		r.log.Warn("pairing.creds.persist.fail", "err", err)
		return err
	}
	r.bundle = creds
	r.a.countPersist(true)
	r.log.Debug("pairing.creds.persisted", "version", version)
	return nil
}

// opened finishes the attempt once the connection is up. The attempt only
// counts as linked when the latest bundle is committed to the store.
func (r *runner) opened(ctx context.Context) step {
	if !r.enter(StateOpen) {
		return stepDone
	}
	r.log.Info("pairing.connection.open")

	var err error
	if r.latest != nil {
		err = r.persist(ctx, r.latest)
	}
	if err == nil && r.bundle == nil {
		err = errNothingCommitted
	}
	if err != nil {
		r.closeConn()
		r.fail("pairing.persist", KindStoreUnavailable, err)
		return stepDone
	}

	if r.o.cfg.DeliverCredentials {
		r.deliver(ctx)
	}
	r.respond(Result{Outcome: OutcomeConnected}, nil)
	r.closeConn()
	if r.enter(StateClosedLinked) {
		r.publish(notify.TypeAttemptLinked)
	}
	return stepDone
}

// deliver sends the credential document and the note to the paired account.
// Failures are logged and never fail the attempt.
func (r *runner) deliver(ctx context.Context) {
	doc := r.bundle
	if doc == nil {
		doc = r.latest
	}
	if doc == nil || r.conn == nil {
		return
	}

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.o.cfg.StoreTimeout)
	defer cancel()
	msgs := []bridge.Message{
		{To: r.a.Identifier, Document: indentJSON(doc), Mimetype: "application/json", FileName: "creds.json"},
		{To: r.a.Identifier, Text: r.o.cfg.DeliveryNote},
	}
	for _, m := range msgs {
		if err := r.conn.Send(dctx, m); err != nil {
			r.log.Warn("pairing.delivery.fail", "err", err)
			return
		}
	}
	r.log.Info("pairing.delivery.ok")
}

func (r *runner) closed(ctx context.Context, ce *bridge.CloseError) step {
	r.closeConn()
	if ce == nil {
		ce = &bridge.CloseError{}
	}
	r.log.Info("pairing.connection.close", "status", ce.Status, "reason", ce.Reason)

	if ce.LoggedOut() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.o.cfg.StoreTimeout)
		defer cancel()
		if _, err := r.o.store.Delete(sctx, r.a.Identifier); err != nil {
			r.log.Warn("pairing.logout.delete.fail", "err", err)
		}
		r.fail("pairing.connection", KindAuthTerminated, ce)
		return stepDone
	}
	if !bridge.IsTransient(ce) {
		r.fail("pairing.connection", KindPairingFailed, ce)
		return stepDone
	}
	return r.reconnect(ctx, ce)
}

// reconnect backs off and asks the run loop for another connection, unless the
// retry budget is spent.
func (r *runner) reconnect(ctx context.Context, cause error) step {
	limit := r.o.cfg.Reconnect.MaxRetries
	if n := r.a.reconnectCount(); n >= limit {
		r.fail("pairing.reconnect", KindTransientTransport, fmt.Errorf("gave up after %d reconnects: %w", n, cause))
		return stepDone
	}
	if !r.enter(StateReconnecting) {
		return stepDone
	}
	n := r.a.countReconnect()
	r.o.rec.IncReconnect()
	delay := r.o.cfg.Reconnect.Delay(n)
	r.log.Info("pairing.reconnect", "attempt", n, "max", limit, "delay", delay, "err", cause)
	r.publish(notify.TypeAttemptReconnecting)

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return stepReconnect
	case <-ctx.Done():
		return r.expired(ctx)
	case <-r.deadline():
		return r.expired(ctx)
	}
}

func (r *runner) expired(ctx context.Context) step {
	r.closeConn()
	switch {
	case r.o.ctx.Err() != nil:
		r.fail("pairing.run", KindInternal, errShutdown)
	case !r.answered:
		r.fail("pairing.deadline", KindPairingTimeout, fmt.Errorf("no answer within %s", r.o.cfg.PairingTimeout))
	default:
		r.fail("pairing.deadline", KindPairingTimeout, fmt.Errorf("not linked within %s: %w", r.o.cfg.LinkTimeout, ctx.Err()))
	}
	return stepDone
}

// closeConn closes the live connection once.
func (r *runner) closeConn() {
	if r.conn == nil {
		return
	}
	if err := r.conn.Close(); err != nil {
		r.log.Debug("pairing.conn.close.fail", "err", err)
	}
	r.conn = nil
}

func (r *runner) enter(to State) bool {
	from, err := r.a.transition(to)
	if err != nil {
		r.log.Error("pairing.transition.illegal", "err", err)
		r.fail("pairing.transition", KindInternal, err)
		return false
	}
	r.o.rec.IncTransition(from.String(), to.String())
	r.log.Debug("pairing.state", "from", from.String(), "to", to.String())
	return true
}

// fail makes the attempt terminal with a typed error. The first failure wins.
func (r *runner) fail(op string, kind Kind, err error) {
	e := newError(op, kind, err)

	terminal := StateClosedFailed
	if kind == KindAuthTerminated {
		terminal = StateClosedLoggedOut
	}
	from, terr := r.a.transition(terminal)
	if terr != nil && !from.Terminal() && terminal != StateClosedFailed {
		terminal = StateClosedFailed
		from, terr = r.a.transition(terminal)
	}
	if terr != nil {
		r.log.Debug("pairing.fail.ignored", "state", from.String(), "kind", string(kind), "err", err)
		r.respond(Result{}, e)
		return
	}
	r.a.setErr(e)
	r.o.rec.IncTransition(from.String(), terminal.String())
	if terminal == StateClosedLoggedOut {
		r.publish(notify.TypeAttemptLoggedOut)
	} else {
		r.publish(notify.TypeAttemptFailed)
	}
	r.log.Warn("pairing.attempt.fail", "kind", string(kind), "err", err)
	r.respond(Result{}, e)
}

func (r *runner) respond(res Result, err error) {
	if r.answered {
		return
	}
	r.answered = true
	r.answerCancel()
	res.AttemptID = r.a.ID
	res.Identifier = r.a.Identifier
	if err == nil && res.Outcome == OutcomeCode {
		r.o.rec.ObserveCodeLatency(time.Since(r.a.Started))
	}
	r.answers <- answer{res: res, err: err}
}

// release runs once the attempt is terminal and frees everything it holds.
func (r *runner) release() {
	if r.released {
		return
	}
	r.released = true

	r.closeConn()
	if !r.a.State().Terminal() {
		r.fail("pairing.run", KindInternal, errors.New("attempt ended without a terminal state"))
	}
	r.answerCancel()
	if r.lease != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.lease.Release(ctx); err != nil {
			r.log.Warn("pairing.lock.release.fail", "err", err)
		}
		cancel()
	}

	now := time.Now().UTC()
	r.o.reg.retire(r.a)
	r.a.finish(now)

	snap := r.a.Snapshot()
	result := resultLabel(snap)
	r.o.rec.IncAttempt(result)
	r.o.rec.ObserveAttemptDuration(result, now.Sub(r.a.Started))
	r.o.rec.SetActiveAttempts(r.o.reg.count())
	r.log.Info("pairing.attempt.end",
		"state", snap.State.String(),
		"result", result,
		"reconnects", snap.Reconnects,
		"persisted", snap.Persisted,
		"duration", now.Sub(r.a.Started),
	)
}

func (r *runner) publish(typ string) {
	snap := r.a.Snapshot()
	r.o.publish(notify.Event{
		Type:       typ,
		AttemptID:  r.a.ID,
		Identifier: r.a.Identifier,
		State:      snap.State.String(),
		Kind:       string(snap.ErrorKind),
		Reconnects: snap.Reconnects,
	})
}

func resultLabel(s Snapshot) string {
	switch s.State {
	case StateClosedLinked:
		return "linked"
	case StateClosedExisting:
		return "already_paired"
	case StateClosedLoggedOut:
		return "logged_out"
	}
	if s.ErrorKind != "" {
		return string(s.ErrorKind)
	}
	return "failed"
}

func indentJSON(doc json.RawMessage) []byte {
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return doc
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return doc
	}
	return out
}
