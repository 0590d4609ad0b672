package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"pairgate/cmd/ids"
	v1 "pairgate/shared/contracts/bridge/v1"
)

const wsCloseGrace = 1 * time.Second

// WSConfig configures the websocket driver.
type WSConfig struct {
	URL   string
	Token string

	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration

	HTTPClient *http.Client
}

// WSDialer opens device sessions through a websocket bridge gateway.
type WSDialer struct {
	cfg  WSConfig
	host string
	log  *slog.Logger
}

// NewWSDialer validates cfg and fills defaults.
func NewWSDialer(cfg WSConfig, log *slog.Logger) (*WSDialer, error) {
	raw := strings.TrimSpace(cfg.URL)
	if raw == "" {
		return nil, errors.New("bridge: url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("bridge: parse url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("bridge: unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("bridge: url has no host")
	}
	cfg.URL = raw

	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = heartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = heartbeatTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &WSDialer{cfg: cfg, host: u.Host, log: log}, nil
}

// Dial implements Dialer. It returns once the gateway reports the session ready.
func (d *WSDialer) Dial(ctx context.Context, creds json.RawMessage) (Conn, error) {
	hsCtx, cancel := context.WithTimeout(ctx, d.cfg.HandshakeTimeout)
	defer cancel()

	hdr := http.Header{}
	if d.cfg.Token != "" {
		hdr.Set("Authorization", "Bearer "+d.cfg.Token)
	}

	ws, resp, err := websocket.Dial(hsCtx, d.cfg.URL, &websocket.DialOptions{
		HTTPClient:   d.cfg.HTTPClient,
		HTTPHeader:   hdr,
		Subprotocols: []string{v1.Subprotocol},
	})
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		d.log.Info("bridge.dial.fail", "host", d.host, "http_status", status, "err", err)
		return nil, fmt.Errorf("bridge dial %s: %w", d.host, err)
	}

	if sp := ws.Subprotocol(); sp != v1.Subprotocol {
		_ = ws.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("%w: subprotocol %q", ErrProtocol, sp)
	}
	ws.SetReadLimit(maxFrameBytes)

	c := newWSConn(ctx, ws, d.cfg, d.log)
	go c.readLoop()
	go c.heartbeat()

	open, err := v1.NewEnvelope(v1.TypeSessionOpen, c.nextID(), v1.SessionOpenPayload{Credentials: creds})
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	if err := writeEnvelope(hsCtx, ws, open, d.cfg.WriteTimeout); err != nil {
		_ = c.Close()
		return nil, c.transportErr(err)
	}

	select {
	case <-c.ready:
		d.log.Debug("bridge.session.ready", "host", d.host, "registered", c.Registered())
		return c, nil
	case <-c.readerDone:
		_ = c.Close()
		return nil, c.terminalErr()
	case <-hsCtx.Done():
		_ = c.Close()
		return nil, fmt.Errorf("bridge handshake: %w", hsCtx.Err())
	}
}

// wsConn is one websocket session to the gateway.
//
// The read loop is the only writer to events and closes it on exit.
type wsConn struct {
	ws  *websocket.Conn
	cfg WSConfig
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	events     chan Event
	ready      chan struct{}
	readyOnce  sync.Once
	readerDone chan struct{}
	registered atomic.Bool

	mu      sync.Mutex
	pending map[string]chan v1.Envelope
	err     error

	closeOnce sync.Once
}

func newWSConn(parent context.Context, ws *websocket.Conn, cfg WSConfig, log *slog.Logger) *wsConn {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	return &wsConn{
		ws:         ws,
		cfg:        cfg,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		events:     make(chan Event, eventQueueSize),
		ready:      make(chan struct{}),
		readerDone: make(chan struct{}),
		pending:    make(map[string]chan v1.Envelope),
	}
}

func (c *wsConn) Events() <-chan Event { return c.events }

func (c *wsConn) Registered() bool { return c.registered.Load() }

func (c *wsConn) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	resp, err := c.request(ctx, v1.TypePairingRequest, v1.PairingRequestPayload{Phone: phone}, v1.TypePairingCode)
	if err != nil {
		return "", err
	}
	var p v1.PairingCodePayload
	if err := json.Unmarshal(resp.Payload, &p); err != nil {
		return "", fmt.Errorf("%w: pairing.code payload: %v", ErrProtocol, err)
	}
	if strings.TrimSpace(p.Code) == "" {
		return "", fmt.Errorf("%w: empty pairing code", ErrProtocol)
	}
	return p.Code, nil
}

func (c *wsConn) Send(ctx context.Context, msg Message) error {
	_, err := c.request(ctx, v1.TypeMessageSend, v1.MessageSendPayload{
		To:       msg.To,
		Text:     msg.Text,
		Document: msg.Document,
		Mimetype: msg.Mimetype,
		FileName: msg.FileName,
	}, v1.TypeMessageAck)
	return err
}

// Close is idempotent. It waits briefly for the read loop to drain.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.ws.Close(websocket.StatusNormalClosure, "bye")

		t := time.NewTimer(wsCloseGrace)
		defer t.Stop()
		select {
		case <-c.readerDone:
		case <-t.C:
			_ = c.ws.CloseNow()
		}
	})
	return nil
}

func (c *wsConn) nextID() string {
	id, err := ids.NewULID(time.Now())
	if err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return id
}

func (c *wsConn) request(ctx context.Context, typ string, payload any, want string) (v1.Envelope, error) {
	id := c.nextID()
	env, err := v1.NewEnvelope(typ, id, payload)
	if err != nil {
		return v1.Envelope{}, err
	}

	ch := make(chan v1.Envelope, 1)
	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return v1.Envelope{}, c.terminalErr()
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.pending != nil {
			delete(c.pending, id)
		}
		c.mu.Unlock()
	}()

	if err := writeEnvelope(ctx, c.ws, env, c.cfg.WriteTimeout); err != nil {
		return v1.Envelope{}, c.transportErr(err)
	}

	rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	select {
	case resp, ok := <-ch:
		if !ok {
			return v1.Envelope{}, c.terminalErr()
		}
		if resp.Type == v1.TypeError {
			var p v1.ErrorPayload
			_ = json.Unmarshal(resp.Payload, &p)
			return v1.Envelope{}, &GatewayError{Code: p.Code, Message: p.Message}
		}
		if resp.Type != want {
			return v1.Envelope{}, fmt.Errorf("%w: %s answered with %s", ErrProtocol, typ, resp.Type)
		}
		return resp, nil
	case <-rctx.Done():
		return v1.Envelope{}, fmt.Errorf("bridge %s: %w", typ, rctx.Err())
	}
}

func (c *wsConn) readLoop() {
	defer close(c.readerDone)
	defer close(c.events)
	defer c.failPending()

	rl := newRateLimiter(c.cfg.RateEvents, c.cfg.RateWindow)

	for {
		mt, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				c.setErr(ErrClosed)
				return
			}
			ce := closeFromWebsocket(err)
			c.setErr(ce)
			c.emit(Event{Kind: EventConnectionClose, Close: ce})
			return
		}

		if !rl.Allow(time.Now().UTC()) {
			ce := &CloseError{Err: fmt.Errorf("%w: inbound rate exceeded", ErrProtocol)}
			c.setErr(ce)
			_ = c.ws.Close(websocket.StatusPolicyViolation, "rate limited")
			c.emit(Event{Kind: EventConnectionClose, Close: ce})
			return
		}

		if mt != websocket.MessageText && mt != websocket.MessageBinary {
			continue
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Info("bridge.read.bad_json", "err", err)
			continue
		}
		if err := env.Validate(); err != nil {
			c.log.Info("bridge.read.bad_envelope", "type", env.Type, "err", err)
			continue
		}

		if done := c.dispatch(env); done {
			return
		}
	}
}

// dispatch handles one envelope and reports whether the session ended.
func (c *wsConn) dispatch(env v1.Envelope) bool {
	switch env.Type {
	case v1.TypeSessionReady:
		var p v1.SessionReadyPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.log.Info("bridge.read.bad_payload", "type", env.Type, "err", err)
			return false
		}
		c.registered.Store(p.Registered)
		c.readyOnce.Do(func() { close(c.ready) })

	case v1.TypeCredsUpdate:
		var p v1.CredsUpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || len(p.Credentials) == 0 {
			c.log.Info("bridge.read.bad_payload", "type", env.Type, "err", err)
			return false
		}
		c.emit(Event{Kind: EventCredentialsChanged, Credentials: p.Credentials})

	case v1.TypeConnectionUpdate:
		var p v1.ConnectionUpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.log.Info("bridge.read.bad_payload", "type", env.Type, "err", err)
			return false
		}
		if p.QR != "" {
			c.emit(Event{Kind: EventQRAvailable, QR: p.QR})
		}
		switch p.Connection {
		case v1.ConnectionOpen:
			c.registered.Store(true)
			c.emit(Event{Kind: EventConnectionOpen})
		case v1.ConnectionClose:
			ce := &CloseError{Status: p.StatusCode, Reason: p.Reason}
			c.setErr(ce)
			c.emit(Event{Kind: EventConnectionClose, Close: ce})
			_ = c.ws.Close(websocket.StatusNormalClosure, "session closed")
			return true
		}

	case v1.TypePairingCode, v1.TypeMessageAck, v1.TypeError:
		if env.ReplyTo == "" {
			if env.Type == v1.TypeError {
				var p v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &p)
				c.log.Info("bridge.gateway.error", "code", p.Code, "message", p.Message)
			}
			return false
		}
		c.mu.Lock()
		ch := c.pending[env.ReplyTo]
		c.mu.Unlock()
		if ch != nil {
			select {
			case ch <- env:
			default:
			}
		}

	default:
		c.log.Debug("bridge.read.ignored", "type", env.Type)
	}
	return false
}

func (c *wsConn) heartbeat() {
	t := time.NewTicker(c.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.readerDone:
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(c.ctx, c.cfg.HeartbeatTimeout)
			err := c.ws.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				c.log.Info("bridge.ping.fail", "failures", failures, "err", err)
				if failures >= maxPingFailures {
					_ = c.ws.Close(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (c *wsConn) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func (c *wsConn) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pending = nil
}

func (c *wsConn) setErr(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

func (c *wsConn) terminalErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrClosed
}

func (c *wsConn) transportErr(err error) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	return closeFromWebsocket(err)
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}
