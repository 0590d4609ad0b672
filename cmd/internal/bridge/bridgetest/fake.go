// Package bridgetest provides scripted bridge drivers and a fake websocket
// gateway for tests.
package bridgetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"pairgate/cmd/internal/bridge"
)

// FakeConn is an in-memory bridge.Conn driven by the test.
type FakeConn struct {
	mu         sync.Mutex
	events     chan bridge.Event
	closed     bool
	closes     int
	registered bool

	code         string
	codeErr      error
	codeRequests []string
	sendErr      error
	sent         []bridge.Message

	// OnPairingCode runs after a pairing code was handed out, outside the lock.
	OnPairingCode func(c *FakeConn, phone string)
	// OnSend runs after a message was accepted, outside the lock.
	OnSend func(c *FakeConn, msg bridge.Message)
}

// NewFakeConn returns an open connection that answers pairing requests with code.
func NewFakeConn(registered bool, code string) *FakeConn {
	return &FakeConn{
		events:     make(chan bridge.Event, 256),
		registered: registered,
		code:       code,
	}
}

// FailPairingCode makes RequestPairingCode return err.
func (c *FakeConn) FailPairingCode(err error) *FakeConn {
	c.mu.Lock()
	c.codeErr = err
	c.mu.Unlock()
	return c
}

// FailSend makes Send return err.
func (c *FakeConn) FailSend(err error) *FakeConn {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
	return c
}

func (c *FakeConn) Events() <-chan bridge.Event { return c.events }

func (c *FakeConn) Registered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

func (c *FakeConn) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", bridge.ErrClosed
	}
	c.codeRequests = append(c.codeRequests, phone)
	code, err := c.code, c.codeErr
	hook := c.OnPairingCode
	c.mu.Unlock()

	if err != nil {
		return "", err
	}
	if hook != nil {
		hook(c, phone)
	}
	return code, nil
}

func (c *FakeConn) Send(ctx context.Context, msg bridge.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return bridge.ErrClosed
	}
	if c.sendErr != nil {
		err := c.sendErr
		c.mu.Unlock()
		return err
	}
	c.sent = append(c.sent, msg)
	hook := c.OnSend
	c.mu.Unlock()

	if hook != nil {
		hook(c, msg)
	}
	return nil
}

// Close is idempotent; CloseCount still counts every call.
func (c *FakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

// Emit delivers ev unless the connection is closed. It reports whether ev was queued.
func (c *FakeConn) Emit(ev bridge.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.events <- ev
	if ev.Kind == bridge.EventConnectionOpen {
		c.registered = true
	}
	if ev.Kind == bridge.EventConnectionClose {
		c.closed = true
		close(c.events)
	}
	return true
}

// EmitCredentials emits EventCredentialsChanged.
func (c *FakeConn) EmitCredentials(raw string) bool {
	return c.Emit(bridge.Event{Kind: bridge.EventCredentialsChanged, Credentials: json.RawMessage(raw)})
}

// EmitQR emits EventQRAvailable.
func (c *FakeConn) EmitQR(qr string) bool {
	return c.Emit(bridge.Event{Kind: bridge.EventQRAvailable, QR: qr})
}

// EmitOpen emits EventConnectionOpen.
func (c *FakeConn) EmitOpen() bool {
	return c.Emit(bridge.Event{Kind: bridge.EventConnectionOpen})
}

// EmitClose emits EventConnectionClose and ends the event stream.
func (c *FakeConn) EmitClose(status int, reason string) bool {
	return c.Emit(bridge.Event{
		Kind:  bridge.EventConnectionClose,
		Close: &bridge.CloseError{Status: status, Reason: reason},
	})
}

// CloseCount returns how many times Close was called.
func (c *FakeConn) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// Closed reports whether the stream has ended.
func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// CodeRequests returns the phones pairing codes were requested for.
func (c *FakeConn) CodeRequests() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.codeRequests...)
}

// Sent returns the delivered messages.
func (c *FakeConn) Sent() []bridge.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bridge.Message(nil), c.sent...)
}

// Script decides what the n-th Dial (0-based) returns.
type Script func(n int, creds json.RawMessage) (*FakeConn, error)

// FakeDialer is a bridge.Dialer that follows a Script.
type FakeDialer struct {
	script Script

	mu    sync.Mutex
	conns []*FakeConn
	seeds []json.RawMessage
	dialC chan *FakeConn
}

// NewFakeDialer builds a dialer from script. A nil script dials unregistered
// connections answering "ABCD1234".
func NewFakeDialer(script Script) *FakeDialer {
	if script == nil {
		script = func(int, json.RawMessage) (*FakeConn, error) {
			return NewFakeConn(false, "ABCD1234"), nil
		}
	}
	return &FakeDialer{script: script, dialC: make(chan *FakeConn, 64)}
}

// ErrScriptExhausted is returned when a Script has no answer for a dial.
var ErrScriptExhausted = errors.New("bridgetest: no scripted connection")

// Sequence returns a Script that hands out conns in order.
func Sequence(conns ...*FakeConn) Script {
	return func(n int, _ json.RawMessage) (*FakeConn, error) {
		if n >= len(conns) {
			return nil, fmt.Errorf("%w: dial #%d", ErrScriptExhausted, n+1)
		}
		return conns[n], nil
	}
}

func (d *FakeDialer) Dial(ctx context.Context, creds json.RawMessage) (bridge.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	n := len(d.seeds)
	d.seeds = append(d.seeds, append(json.RawMessage(nil), creds...))
	d.mu.Unlock()

	conn, err := d.script(n, creds)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	select {
	case d.dialC <- conn:
	default:
	}
	return conn, nil
}

// Dials returns the number of Dial calls.
func (d *FakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seeds)
}

// Seeds returns the credentials each Dial was seeded with.
func (d *FakeDialer) Seeds() []json.RawMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]json.RawMessage(nil), d.seeds...)
}

// Conns returns the connections handed out so far.
func (d *FakeDialer) Conns() []*FakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*FakeConn(nil), d.conns...)
}

// Dialed yields each connection as it is handed out.
func (d *FakeDialer) Dialed() <-chan *FakeConn { return d.dialC }
