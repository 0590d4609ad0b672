package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/coder/websocket"

	v1 "pairgate/shared/contracts/bridge/v1"
)

// StatusLoggedOut is the disconnect status for a revoked or rejected device.
// It is the only terminal status.
const StatusLoggedOut = v1.StatusLoggedOut

var (
	// ErrClosed is returned by operations on a Conn after Close.
	ErrClosed = errors.New("bridge: connection closed")

	// ErrProtocol reports a gateway that violates the bridge contract.
	ErrProtocol = errors.New("bridge: protocol violation")
)

// CloseError describes why a session ended. Status is the network's disconnect
// status code; 0 when the transport failed without one.
type CloseError struct {
	Status int
	Reason string
	Err    error
}

func (e *CloseError) Error() string {
	switch {
	case e.Status != 0 && e.Reason != "":
		return fmt.Sprintf("connection closed: status %d: %s", e.Status, e.Reason)
	case e.Status != 0:
		return fmt.Sprintf("connection closed: status %d", e.Status)
	case e.Err != nil:
		return "connection closed: " + e.Err.Error()
	default:
		return "connection closed"
	}
}

func (e *CloseError) Unwrap() error { return e.Err }

// LoggedOut reports whether the session was terminated by the network.
func (e *CloseError) LoggedOut() bool { return e != nil && e.Status == StatusLoggedOut }

// GatewayError is an error envelope returned by the gateway for a request.
type GatewayError struct {
	Code    string
	Message string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway error %s: %s", e.Code, e.Message)
}

// IsLoggedOut reports whether err carries the logged-out status.
func IsLoggedOut(err error) bool {
	var ce *CloseError
	return errors.As(err, &ce) && ce.LoggedOut()
}

// IsTransient reports whether a failure is worth a reconnect. The decision is
// made from typed errors only: close statuses, websocket close codes, network
// timeouts, resets and EOF.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *CloseError
	if errors.As(err, &ce) {
		if ce.Status == StatusLoggedOut {
			return false
		}
		if ce.Status != 0 {
			return true
		}
		if ce.Err == nil {
			return true
		}
		return IsTransient(ce.Err)
	}

	switch websocket.CloseStatus(err) {
	case -1:
	case websocket.StatusNormalClosure,
		websocket.StatusGoingAway,
		websocket.StatusAbnormalClosure,
		websocket.StatusNoStatusRcvd,
		websocket.StatusInternalError,
		websocket.StatusServiceRestart,
		websocket.StatusTryAgainLater,
		websocket.StatusBadGateway:
		return true
	default:
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsTemporary
}

// closeFromWebsocket maps a transport error into a CloseError. Gateways signal
// a network disconnect status by closing with 4000+status.
func closeFromWebsocket(err error) *CloseError {
	if code := websocket.CloseStatus(err); code >= 4000 && code < 5000 {
		var ce websocket.CloseError
		reason := ""
		if errors.As(err, &ce) {
			reason = ce.Reason
		}
		return &CloseError{Status: int(code) - 4000, Reason: reason, Err: err}
	}
	return &CloseError{Err: err}
}
