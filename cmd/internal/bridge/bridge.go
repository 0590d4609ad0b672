// Package bridge is the connection driver: it opens a device session on the
// messaging network through an external protocol gateway and exposes the
// session's lifecycle as a typed event stream.
package bridge

import (
	"context"
	"encoding/json"
)

// EventKind identifies a lifecycle event.
type EventKind uint8

const (
	// EventCredentialsChanged carries the full, updated credential document.
	EventCredentialsChanged EventKind = iota + 1
	// EventQRAvailable carries a QR payload for an unregistered session.
	EventQRAvailable
	// EventConnectionOpen reports the session is registered and online.
	EventConnectionOpen
	// EventConnectionClose reports the session ended. It is always the last event.
	EventConnectionClose
)

func (k EventKind) String() string {
	switch k {
	case EventCredentialsChanged:
		return "credentials_changed"
	case EventQRAvailable:
		return "qr_available"
	case EventConnectionOpen:
		return "connection_open"
	case EventConnectionClose:
		return "connection_close"
	default:
		return "unknown"
	}
}

// Event is one lifecycle notification from a Conn.
type Event struct {
	Kind EventKind

	// Credentials is set for EventCredentialsChanged.
	Credentials json.RawMessage
	// QR is set for EventQRAvailable.
	QR string
	// Close is set for EventConnectionClose.
	Close *CloseError
}

// Dialer opens device sessions.
type Dialer interface {
	// Dial opens a session seeded with creds. Empty creds means a fresh device.
	Dial(ctx context.Context, creds json.RawMessage) (Conn, error)
}

// Conn is a live device session.
//
// Events are delivered in order. The channel is closed after
// EventConnectionClose or after Close, whichever comes first.
type Conn interface {
	Events() <-chan Event

	// Registered reports whether the seeded credentials were already registered.
	Registered() bool

	// RequestPairingCode asks the network for a pairing code for phone (digits only).
	// The code is returned as issued, without separators.
	RequestPairingCode(ctx context.Context, phone string) (string, error)

	// Send delivers a message to an account over the open session.
	Send(ctx context.Context, msg Message) error

	// Close releases the transport. Safe to call repeatedly.
	Close() error
}

// Message is an outbound message. Document, when set, takes precedence over Text
// as the message body; Text then becomes a separate message.
type Message struct {
	To       string
	Text     string
	Document []byte
	Mimetype string
	FileName string
}
