package token

import "errors"

// Public, stable errors for callers.
var (
	ErrHMACKeyTooShort = errors.New("token HMAC key too short")
	ErrHMACKeyMissing  = errors.New("token HMAC key missing")
	ErrBadDigest       = errors.New("malformed key digest")
)
