// Package main provides a CI-friendly smoke test for a pairgate bridge gateway.
//
// It validates:
//   - handshake + subprotocol selection
//   - session.open -> session.ready for a fresh device
//   - pairing.request -> pairing.code correlated by reply_to (with -phone)
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	"pairgate/cmd/phone"
	v1 "pairgate/shared/contracts/bridge/v1"
)

const maxReadBytes = 4 << 20

type smokeClient struct {
	conn  *websocket.Conn
	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8765/bridge", "Bridge WebSocket URL")
		token   = flag.String("token", os.Getenv("PAIRGATE_BRIDGE_TOKEN"), "Bearer token for the bridge")
		number  = flag.String("phone", "", "Phone number to request a pairing code for (optional)")
		timeout = flag.Duration("timeout", 15*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	var id string
	if strings.TrimSpace(*number) != "" {
		var err error
		if id, err = phone.Normalize(*number); err != nil {
			fatalf("invalid -phone: %v", err)
		}
	}

	root := context.Background()

	c := mustConnect(root, *wsURL, *token, *timeout)
	defer closeWS(c.conn)

	registered := mustOpenSession(root, c, *timeout)
	if *verbose {
		fmt.Printf("session ready: registered=%t\n", registered)
	}
	if registered {
		fatalf("fresh session reported as registered")
	}

	if id == "" {
		fmt.Println("OK: session opened")
		return
	}

	code := mustRequestCode(root, c, id, *timeout)
	fmt.Printf("OK: phone=%s code=%s\n", phone.Mask(id), code)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func mustConnect(parent context.Context, wsURL, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(token) != "" {
		h.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect: %v", err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		closeWS(conn)
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		conn:  conn,
		inbox: make(chan v1.Envelope, 64),
		errCh: make(chan error, 1),
	}
	go c.readLoop()
	return c
}

func (c *smokeClient) readLoop() {
	defer close(c.inbox)
	for {
		_, b, err := c.conn.Read(context.Background())
		if err != nil {
			c.errCh <- err
			return
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			c.errCh <- fmt.Errorf("decode envelope: %w", err)
			return
		}
		if err := env.Validate(); err != nil {
			c.errCh <- fmt.Errorf("invalid envelope: %w", err)
			return
		}
		c.inbox <- env
	}
}

func mustOpenSession(parent context.Context, c *smokeClient, stepTimeout time.Duration) bool {
	req := mustEnvelope(v1.TypeSessionOpen, "smoke-open", v1.SessionOpenPayload{})
	mustWriteWithTimeout(parent, c.conn, req, stepTimeout)

	ready := c.mustReadUntilType(parent, v1.TypeSessionReady, stepTimeout)
	var p v1.SessionReadyPayload
	if err := json.Unmarshal(ready.Payload, &p); err != nil {
		fatalf("unmarshal session.ready payload: %v", err)
	}
	return p.Registered
}

func mustRequestCode(parent context.Context, c *smokeClient, id string, stepTimeout time.Duration) string {
	req := mustEnvelope(v1.TypePairingRequest, "smoke-pair", v1.PairingRequestPayload{Phone: id})
	mustWriteWithTimeout(parent, c.conn, req, stepTimeout)

	res := c.mustReadUntilType(parent, v1.TypePairingCode, stepTimeout)
	if res.ReplyTo != req.ID {
		fatalf("pairing.code reply_to mismatch: got=%q want=%q", res.ReplyTo, req.ID)
	}
	var p v1.PairingCodePayload
	if err := json.Unmarshal(res.Payload, &p); err != nil {
		fatalf("unmarshal pairing.code payload: %v", err)
	}
	if strings.TrimSpace(p.Code) == "" {
		fatalf("pairing.code missing code")
	}
	return p.Code
}

// mustReadUntilType skips lifecycle updates the gateway may interleave.
func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q: %v", wantType, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q: %v", wantType, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q", wantType)
			}
			switch env.Type {
			case wantType:
				return env
			case v1.TypeError:
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("gateway error: code=%q msg=%q", ep.Code, ep.Message)
			case v1.TypeCredsUpdate, v1.TypeConnectionUpdate:
				continue
			default:
				fatalf("unexpected envelope type: got=%q want=%q", env.Type, wantType)
			}
		}
	}
}

func mustEnvelope(typ, id string, payload any) v1.Envelope {
	env, err := v1.NewEnvelope(typ, id, payload)
	if err != nil {
		fatalf("build %s: %v", typ, err)
	}
	return env
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
