package app

import (
	"errors"
	"fmt"
	"net/http"

	"pairgate/cmd/internal/api"
	"pairgate/cmd/security/token"
)

// ValidateSecurityConfig enforces the key policy at startup.
func ValidateSecurityConfig(cfg Config) error {
	if cfg.RequireTokenHMAC && len(cfg.TokenHMACKey) < token.MinHMACKeyBytes {
		if cfg.TokenHMACKey == "" {
			return errors.New("security policy: PAIRGATE_REQUIRE_TOKEN_HMAC=true but PAIRGATE_TOKEN_HMAC_KEY is missing")
		}
		return fmt.Errorf("security policy: PAIRGATE_TOKEN_HMAC_KEY is too short (min %d bytes)", token.MinHMACKeyBytes)
	}
	if _, err := token.NewVerifier(cfg.APIKeys, cfg.TokenHMACKey); err != nil {
		return fmt.Errorf("security policy: %w", err)
	}
	return nil
}

// newKeyVerifier builds the admin key verifier. It has already passed
// ValidateSecurityConfig when called from New.
func newKeyVerifier(cfg Config, log Logger) (*token.Verifier, error) {
	v, err := token.NewVerifier(cfg.APIKeys, cfg.TokenHMACKey)
	if err != nil {
		return nil, err
	}
	if !v.Enabled() {
		log.Warn("security.admin_api.disabled",
			"reason", "no PAIRGATE_API_KEYS",
			"routes", api.AdminRoutes(),
			"status", http.StatusUnauthorized,
		)
	}
	return v, nil
}
