package api

import (
	"encoding/json"
	"net/http"

	"pairgate/cmd/internal/pairing"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

type errorResponse struct {
	Success bool     `json:"success"`
	Error   apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg, hint string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg, Hint: hint}})
}

// writePairingError renders a typed orchestrator failure. The message is the
// kind's sentinel text; causes stay in the logs.
func writePairingError(w http.ResponseWriter, err error) {
	kind := pairing.KindOf(err)
	writeError(w, StatusForKind(kind), string(kind), messageForKind(kind), pairing.HintOf(err))
}

// StatusForKind maps a failure kind to its HTTP status.
func StatusForKind(k pairing.Kind) int {
	switch k {
	case pairing.KindInvalidIdentifier:
		return http.StatusBadRequest
	case pairing.KindAttemptInProgress:
		return http.StatusConflict
	case pairing.KindStoreUnavailable, pairing.KindTransientTransport:
		return http.StatusServiceUnavailable
	case pairing.KindPairingTimeout:
		return http.StatusGatewayTimeout
	case pairing.KindPairingFailed:
		return http.StatusBadGateway
	case pairing.KindAuthTerminated:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func messageForKind(k pairing.Kind) string {
	switch k {
	case pairing.KindInvalidIdentifier:
		return pairing.ErrInvalidIdentifier.Error()
	case pairing.KindStoreUnavailable:
		return pairing.ErrStoreUnavailable.Error()
	case pairing.KindPairingTimeout:
		return pairing.ErrPairingTimeout.Error()
	case pairing.KindAuthTerminated:
		return pairing.ErrAuthTerminated.Error()
	case pairing.KindTransientTransport:
		return pairing.ErrTransientTransport.Error()
	case pairing.KindAttemptInProgress:
		return pairing.ErrAttemptInProgress.Error()
	case pairing.KindPairingFailed:
		return pairing.ErrPairingFailed.Error()
	default:
		return pairing.ErrInternal.Error()
	}
}
