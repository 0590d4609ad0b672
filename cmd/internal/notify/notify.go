// Package notify publishes pairing lifecycle events for other services.
package notify

import (
	"context"
	"log/slog"
	"time"

	"pairgate/cmd/phone"
)

// Event types.
const (
	TypeAttemptStarted      = "attempt.started"
	TypeAttemptCodeIssued   = "attempt.code_issued"
	TypeAttemptQRIssued     = "attempt.qr_issued"
	TypeAttemptReconnecting = "attempt.reconnecting"
	TypeAttemptLinked       = "attempt.linked"
	TypeAttemptLoggedOut    = "attempt.logged_out"
	TypeAttemptFailed       = "attempt.failed"
	TypeSessionDeleted      = "session.deleted"
)

// Event is one lifecycle notification. It never carries credential material.
type Event struct {
	Type       string    `json:"type"`
	AttemptID  string    `json:"attempt_id,omitempty"`
	Identifier string    `json:"identifier"`
	State      string    `json:"state,omitempty"`
	Kind       string    `json:"kind,omitempty"`
	Reconnects int       `json:"reconnects,omitempty"`
	At         time.Time `json:"at"`
}

// Publisher delivers events. Implementations must not block for long.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// LogPublisher writes events to the log. Used when no broker is configured.
type LogPublisher struct {
	log *slog.Logger
}

// NewLogPublisher returns a publisher logging at debug level.
func NewLogPublisher(log *slog.Logger) *LogPublisher {
	if log == nil {
		log = slog.Default()
	}
	return &LogPublisher{log: log}
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(ctx context.Context, ev Event) error {
	p.log.DebugContext(ctx, "notify.event",
		"type", ev.Type,
		"attempt_id", ev.AttemptID,
		"identifier", phone.Mask(ev.Identifier),
		"state", ev.State,
		"kind", ev.Kind,
	)
	return nil
}
