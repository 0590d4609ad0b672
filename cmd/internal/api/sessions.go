package api

import (
	"net/http"
	"strings"
	"time"

	"pairgate/cmd/internal/pairing"
	"pairgate/cmd/phone"
)

type checkResponse struct {
	Success       bool              `json:"success"`
	PhoneNumber   string            `json:"phone_number"`
	HasSession    bool              `json:"has_session"`
	ActiveAttempt *pairing.Snapshot `json:"active_attempt,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("num"))
	if raw == "" {
		writeError(w, http.StatusBadRequest, "missing_number", "phone number is required", "")
		return
	}
	st, err := h.svc.CheckSession(r.Context(), raw)
	if err != nil {
		writePairingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, checkResponse{
		Success:       true,
		PhoneNumber:   st.Identifier,
		HasSession:    st.Exists,
		ActiveAttempt: st.Active,
		Timestamp:     time.Now().UTC(),
	})
}

type deleteResponse struct {
	Success     bool   `json:"success"`
	Deleted     bool   `json:"deleted"`
	Message     string `json:"message"`
	PhoneNumber string `json:"phone_number"`
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("num"))
	if raw == "" {
		writeError(w, http.StatusBadRequest, "missing_number", "phone number is required", "")
		return
	}
	deleted, err := h.svc.DeleteSession(r.Context(), raw)
	if err != nil {
		writePairingError(w, err)
		return
	}

	id, _ := phone.Normalize(raw)
	msg := "session deleted"
	if !deleted {
		msg = "no session stored"
	}
	h.log.Info("api.session.delete", "identifier", phone.Mask(id), "deleted", deleted)
	writeJSON(w, http.StatusOK, deleteResponse{Success: true, Deleted: deleted, Message: msg, PhoneNumber: id})
}

type sessionsResponse struct {
	Success  bool                  `json:"success"`
	Count    int                   `json:"count"`
	Sessions []pairing.SessionInfo `json:"sessions"`
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.ListSessions(r.Context())
	if err != nil {
		writePairingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionsResponse{Success: true, Count: len(items), Sessions: items})
}

func (h *Handler) handleAttempt(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.svc.Attempt(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown attempt", "")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
