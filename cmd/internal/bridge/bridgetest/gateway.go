package bridgetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	v1 "pairgate/shared/contracts/bridge/v1"
)

// GatewaySession is the server side of one bridge connection.
type GatewaySession struct {
	ctx  context.Context
	conn *websocket.Conn

	// Open is the session.open request the client started with.
	Open v1.SessionOpenPayload
}

// Context is canceled when the client goes away.
func (s *GatewaySession) Context() context.Context { return s.ctx }

// Send writes an envelope of type typ. replyTo may be empty.
func (s *GatewaySession) Send(typ, replyTo string, payload any) error {
	env, err := v1.NewEnvelope(typ, fmt.Sprintf("gw-%d", time.Now().UnixNano()), payload)
	if err != nil {
		return err
	}
	env.ReplyTo = replyTo
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, b)
}

// Recv reads the next envelope.
func (s *GatewaySession) Recv() (v1.Envelope, error) {
	_, data, err := s.conn.Read(s.ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, env.Validate()
}

// Expect reads the next envelope and fails unless it has type typ.
func (s *GatewaySession) Expect(typ string) (v1.Envelope, error) {
	env, err := s.Recv()
	if err != nil {
		return env, err
	}
	if env.Type != typ {
		return env, fmt.Errorf("bridgetest: got %s, want %s", env.Type, typ)
	}
	return env, nil
}

// Ready answers session.open.
func (s *GatewaySession) Ready(registered bool) error {
	return s.Send(v1.TypeSessionReady, "", v1.SessionReadyPayload{Registered: registered})
}

// Creds pushes a credential update.
func (s *GatewaySession) Creds(raw string) error {
	return s.Send(v1.TypeCredsUpdate, "", v1.CredsUpdatePayload{Credentials: json.RawMessage(raw)})
}

// QR pushes a QR payload.
func (s *GatewaySession) QR(qr string) error {
	return s.Send(v1.TypeConnectionUpdate, "", v1.ConnectionUpdatePayload{Connection: v1.ConnectionConnecting, QR: qr})
}

// Opened reports the session online.
func (s *GatewaySession) Opened() error {
	return s.Send(v1.TypeConnectionUpdate, "", v1.ConnectionUpdatePayload{Connection: v1.ConnectionOpen})
}

// Closed reports a disconnect with status and ends the websocket.
func (s *GatewaySession) Closed(status int, reason string) error {
	err := s.Send(v1.TypeConnectionUpdate, "", v1.ConnectionUpdatePayload{
		Connection: v1.ConnectionClose,
		StatusCode: status,
		Reason:     reason,
	})
	_ = s.conn.Close(websocket.StatusNormalClosure, "closed")
	return err
}

// Drop closes the websocket with a raw close code and no connection.update.
func (s *GatewaySession) Drop(code websocket.StatusCode, reason string) {
	_ = s.conn.Close(code, reason)
}

// Serve answers requests until the client leaves: pairing requests get code,
// message sends get acks. Delivered messages are passed to onMessage when set.
func (s *GatewaySession) Serve(code string, onMessage func(v1.MessageSendPayload)) error {
	for {
		env, err := s.Recv()
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		switch env.Type {
		case v1.TypePairingRequest:
			if err := s.Send(v1.TypePairingCode, env.ID, v1.PairingCodePayload{Code: code}); err != nil {
				return err
			}
		case v1.TypeMessageSend:
			var p v1.MessageSendPayload
			_ = json.Unmarshal(env.Payload, &p)
			if onMessage != nil {
				onMessage(p)
			}
			if err := s.Send(v1.TypeMessageAck, env.ID, v1.MessageAckPayload{MessageID: "m-" + env.ID}); err != nil {
				return err
			}
		}
	}
}

// Gateway is an httptest websocket server speaking the bridge contract.
type Gateway struct {
	srv     *httptest.Server
	handler func(*GatewaySession)
	token   string

	mu       sync.Mutex
	sessions int
	errs     []error
}

// NewGateway starts a gateway running handler once per accepted connection,
// after session.open was received. A non-empty token is required as bearer auth.
func NewGateway(token string, handler func(*GatewaySession)) *Gateway {
	g := &Gateway{handler: handler, token: token}
	g.srv = httptest.NewServer(http.HandlerFunc(g.serve))
	return g
}

// URL returns the ws:// endpoint.
func (g *Gateway) URL() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

// Close stops the server.
func (g *Gateway) Close() { g.srv.Close() }

// Sessions returns the number of accepted sessions.
func (g *Gateway) Sessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessions
}

// Errs returns protocol errors observed by the gateway.
func (g *Gateway) Errs() []error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]error(nil), g.errs...)
}

func (g *Gateway) fail(err error) {
	g.mu.Lock()
	g.errs = append(g.errs, err)
	g.mu.Unlock()
}

func (g *Gateway) serve(w http.ResponseWriter, r *http.Request) {
	if g.token != "" && r.Header.Get("Authorization") != "Bearer "+g.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{v1.Subprotocol},
	})
	if err != nil {
		g.fail(err)
		return
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(1 << 20)

	s := &GatewaySession{ctx: r.Context(), conn: conn}
	env, err := s.Expect(v1.TypeSessionOpen)
	if err != nil {
		g.fail(err)
		return
	}
	if err := json.Unmarshal(env.Payload, &s.Open); err != nil {
		g.fail(err)
		return
	}

	g.mu.Lock()
	g.sessions++
	g.mu.Unlock()

	g.handler(s)
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}
