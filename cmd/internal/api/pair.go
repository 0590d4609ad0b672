package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"pairgate/cmd/internal/pairing"
	"pairgate/cmd/phone"
)

type pairResponse struct {
	Success     bool            `json:"success"`
	Timestamp   time.Time       `json:"timestamp"`
	AttemptID   string          `json:"attempt_id"`
	PhoneNumber string          `json:"phone_number"`
	Outcome     pairing.Outcome `json:"outcome"`
	Code        string          `json:"code,omitempty"`
	QR          string          `json:"qr,omitempty"`
	QRImage     string          `json:"qr_image,omitempty"`
	Message     string          `json:"message,omitempty"`
}

func (h *Handler) handlePair(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("num"))
	if raw == "" {
		writeError(w, http.StatusBadRequest, "missing_number", "phone number is required", "Example: /api/pair?num=15551234567")
		return
	}

	res, err := h.begin(r.Context(), raw)
	if err != nil {
		writePairingError(w, err)
		return
	}

	out := pairResponse{
		Success:     true,
		Timestamp:   time.Now().UTC(),
		AttemptID:   res.AttemptID,
		PhoneNumber: res.Identifier,
		Outcome:     res.Outcome,
		Code:        res.Code,
		QR:          res.QR,
	}
	switch res.Outcome {
	case pairing.OutcomeAlreadyPaired:
		out.Message = "session already exists"
	case pairing.OutcomeConnected:
		out.Message = "session connected"
	case pairing.OutcomeQR:
		img, err := qrDataURI(res.QR, h.cfg.QRImageSize)
		if err != nil {
			h.log.Warn("api.qr.render.fail", "err", err)
		}
		out.QRImage = img
	}
	writeJSON(w, http.StatusOK, out)
}

type legacyPairResponse struct {
	Code string `json:"code"`
}

// handleLegacyPair serves the v0 single-field contract: {"code": "..."}
// on success and on failure.
func (h *Handler) handleLegacyPair(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("number"))

	res, err := h.begin(r.Context(), raw)
	if err != nil {
		kind := pairing.KindOf(err)
		status := http.StatusServiceUnavailable
		if kind == pairing.KindInvalidIdentifier {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, legacyPairResponse{Code: pairing.HintOf(err)})
		return
	}

	switch res.Outcome {
	case pairing.OutcomeCode:
		writeJSON(w, http.StatusOK, legacyPairResponse{Code: res.Code})
	case pairing.OutcomeQR:
		writeJSON(w, http.StatusOK, legacyPairResponse{Code: res.QR})
	case pairing.OutcomeAlreadyPaired:
		writeJSON(w, http.StatusOK, legacyPairResponse{Code: "Session already exists"})
	default:
		writeJSON(w, http.StatusOK, legacyPairResponse{Code: "Connected"})
	}
}

func (h *Handler) begin(ctx context.Context, raw string) (pairing.Result, error) {
	if h.cfg.PairTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.PairTimeout)
		defer cancel()
	}
	res, err := h.svc.BeginPairing(ctx, raw)
	if err != nil {
		lvl := h.log.Warn
		if pairing.KindOf(err) == pairing.KindInternal {
			lvl = h.log.Error
		}
		lvl("api.pair.fail", "identifier", phone.Mask(res.Identifier), "kind", string(pairing.KindOf(err)), "err", err)
		return res, err
	}
	h.log.Info("api.pair.ok", "identifier", phone.Mask(res.Identifier), "attempt_id", res.AttemptID, "outcome", string(res.Outcome))
	return res, nil
}
