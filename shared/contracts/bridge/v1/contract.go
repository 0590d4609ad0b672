// Package v1 defines the pairgate bridge protocol v1 contract.
//
// The bridge is the gateway process that speaks the messaging network's device
// protocol. pairgate drives it over a websocket using the envelopes below.
// This package is dependency-light and shared by the client and test fakes.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated on the websocket handshake.
const Subprotocol = "pairgate.bridge.v1"

// Type constants (wire-stable).
const (
	// TypeSessionOpen starts a device session with optional stored credentials (client -> gateway).
	TypeSessionOpen = "session.open"
	// TypeSessionReady reports whether the session is already registered (gateway -> client).
	TypeSessionReady = "session.ready"

	// TypePairingRequest asks for a phone-number pairing code (client -> gateway).
	TypePairingRequest = "pairing.request"
	// TypePairingCode answers a pairing request (gateway -> client).
	TypePairingCode = "pairing.code"

	// TypeCredsUpdate carries the full credential document after every change (gateway -> client).
	TypeCredsUpdate = "creds.update"
	// TypeConnectionUpdate reports connection lifecycle changes (gateway -> client).
	TypeConnectionUpdate = "connection.update"

	// TypeMessageSend sends a text or document to an account (client -> gateway).
	TypeMessageSend = "message.send"
	// TypeMessageAck acknowledges a send (gateway -> client).
	TypeMessageAck = "message.ack"

	// TypeError is a generic error envelope (gateway -> client).
	TypeError = "error"
)

// Connection states carried by ConnectionUpdatePayload.
const (
	ConnectionConnecting = "connecting"
	ConnectionOpen       = "open"
	ConnectionClose      = "close"
)

// Disconnect status codes reported with ConnectionClose.
const (
	StatusLoggedOut       = 401
	StatusTimedOut        = 408
	StatusConnectionClose = 428
	StatusReplaced        = 440
	StatusBadSession      = 500
	StatusUnavailable     = 503
	StatusRestartRequired = 515
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	ReplyTo string          `json:"reply_to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeSessionOpen,
		TypeSessionReady,
		TypePairingRequest,
		TypePairingCode,
		TypeCredsUpdate,
		TypeConnectionUpdate,
		TypeMessageSend,
		TypeMessageAck,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(typ, id string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Envelope{
		V:       Version,
		Type:    typ,
		ID:      id,
		TS:      time.Now().UTC(),
		Payload: raw,
	}, nil
}

// ---- Payloads ----

// SessionOpenPayload opens a session. Credentials is empty for a fresh device.
type SessionOpenPayload struct {
	Credentials json.RawMessage `json:"credentials,omitempty"`
}

// SessionReadyPayload answers SessionOpen.
type SessionReadyPayload struct {
	Registered bool `json:"registered"`
}

// PairingRequestPayload requests a pairing code for a canonical number (digits only).
type PairingRequestPayload struct {
	Phone string `json:"phone"`
}

// PairingCodePayload carries the raw pairing code, without separators.
type PairingCodePayload struct {
	Code string `json:"code"`
}

// CredsUpdatePayload carries the full, current credential document.
type CredsUpdatePayload struct {
	Credentials json.RawMessage `json:"credentials"`
}

// ConnectionUpdatePayload reports a connection lifecycle change. QR is set
// while an unregistered session waits to be scanned.
type ConnectionUpdatePayload struct {
	Connection string `json:"connection,omitempty"`
	QR         string `json:"qr,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// MessageSendPayload sends text or a document to an account.
type MessageSendPayload struct {
	To       string `json:"to"`
	Text     string `json:"text,omitempty"`
	Document []byte `json:"document,omitempty"`
	Mimetype string `json:"mimetype,omitempty"`
	FileName string `json:"file_name,omitempty"`
}

// MessageAckPayload acknowledges a send.
type MessageAckPayload struct {
	MessageID string `json:"message_id,omitempty"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
