// Package api is the HTTP surface of the pairing service.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"pairgate/cmd/internal/pairing"
	"pairgate/cmd/security/token"
)

// Service is what the handlers need from the orchestrator.
type Service interface {
	BeginPairing(ctx context.Context, raw string) (pairing.Result, error)
	CheckSession(ctx context.Context, raw string) (pairing.SessionStatus, error)
	DeleteSession(ctx context.Context, raw string) (bool, error)
	ListSessions(ctx context.Context) ([]pairing.SessionInfo, error)
	Attempt(id string) (pairing.Snapshot, bool)
}

// Config tunes the handlers.
type Config struct {
	// ServiceName and Version are reported by the descriptor route.
	ServiceName string
	Version     string
	// StoreURL is a browsable location of the session store, if any.
	StoreURL string
	// QRImageSize is the PNG edge length for QR answers.
	QRImageSize int
	// PairTimeout bounds a single begin-pairing request.
	PairTimeout time.Duration
	// Throttle limits pair requests per client IP.
	Throttle ThrottleConfig
}

// Handler serves the pairing routes.
type Handler struct {
	svc  Service
	log  *slog.Logger
	cfg  Config
	keys *token.Verifier

	throttle *ipThrottle
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

// WithAPIKeys guards the admin routes. Without keys they answer 401.
func WithAPIKeys(v *token.Verifier) Option {
	return func(h *Handler) { h.keys = v }
}

// NewHandler constructs a Handler.
func NewHandler(svc Service, cfg Config, opts ...Option) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("api: nil service")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		cfg.ServiceName = "pairgate"
	}
	if cfg.QRImageSize <= 0 {
		cfg.QRImageSize = defaultQRSize
	}
	h := &Handler{svc: svc, cfg: cfg, log: slog.Default(), throttle: newIPThrottle(cfg.Throttle)}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h, nil
}

// Register wires the routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("GET /{$}", h.handleIndex)
	mux.HandleFunc("GET /api/pair", h.throttled(h.handlePair))
	mux.HandleFunc("GET /pair", h.throttled(h.handleLegacyPair))
	mux.HandleFunc("GET /api/check", h.handleCheck)
	mux.Handle(routeDeleteSession, h.requireKey(http.HandlerFunc(h.handleDelete)))
	mux.Handle(routeListSessions, h.requireKey(http.HandlerFunc(h.handleSessions)))
	mux.Handle(routeAttempt, h.requireKey(http.HandlerFunc(h.handleAttempt)))
}

type indexResponse struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Version   string            `json:"version,omitempty"`
	Endpoints map[string]string `json:"endpoints"`
	Store     string            `json:"store,omitempty"`
}

func (h *Handler) handleIndex(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, indexResponse{
		Status:  "online",
		Service: h.cfg.ServiceName,
		Version: h.cfg.Version,
		Endpoints: map[string]string{
			"generate": "GET /api/pair?num=PHONE_NUMBER",
			"check":    "GET /api/check?num=PHONE_NUMBER",
			"delete":   "DELETE /api/session?num=PHONE_NUMBER",
			"sessions": "GET /api/sessions",
		},
		Store: h.cfg.StoreURL,
	})
}
