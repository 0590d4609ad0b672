// Package token hashes and verifies the API keys that guard pairgate's admin
// routes.
//
// Keys are configured either in plain form or as digests:
//   - "sha256:<hex>" is SHA-256(key), usable when no HMAC key is configured.
//   - "hmac:<hex>" is HMAC-SHA256(key, PAIRGATE_TOKEN_HMAC_KEY).
//
// Plain keys are hashed at startup and never kept in memory afterwards.
// Verification compares digests in constant time and always checks every
// configured key.
package token
