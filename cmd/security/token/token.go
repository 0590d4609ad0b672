package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// MinHMACKeyBytes is the minimum HMAC secret length.
const MinHMACKeyBytes = 32

const (
	prefixSHA  = "sha256:"
	prefixHMAC = "hmac:"
)

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// Verifier checks presented API keys against a configured set.
type Verifier struct {
	hmacKey []byte
	sha     [][]byte
	mac     [][]byte
}

// NewVerifier builds a Verifier from configured keys (plain or digest form).
// hmacKey may be empty; when set it must be at least MinHMACKeyBytes long and
// plain keys are stored as HMAC digests.
func NewVerifier(keys []string, hmacKey string) (*Verifier, error) {
	v := &Verifier{}
	if k := strings.TrimSpace(hmacKey); k != "" {
		if len(k) < MinHMACKeyBytes {
			return nil, ErrHMACKeyTooShort
		}
		v.hmacKey = []byte(k)
	}

	for _, raw := range keys {
		k := strings.TrimSpace(raw)
		switch {
		case k == "":
			continue
		case strings.HasPrefix(k, prefixSHA):
			d, err := decodeDigest(strings.TrimPrefix(k, prefixSHA))
			if err != nil {
				return nil, err
			}
			v.sha = append(v.sha, d)
		case strings.HasPrefix(k, prefixHMAC):
			if v.hmacKey == nil {
				return nil, fmt.Errorf("%w: hmac digest configured", ErrHMACKeyMissing)
			}
			d, err := decodeDigest(strings.TrimPrefix(k, prefixHMAC))
			if err != nil {
				return nil, err
			}
			v.mac = append(v.mac, d)
		case v.hmacKey != nil:
			d, _ := hex.DecodeString(HashHMACSHA256Hex(k, v.hmacKey))
			v.mac = append(v.mac, d)
		default:
			d, _ := hex.DecodeString(HashSHA256Hex(k))
			v.sha = append(v.sha, d)
		}
	}
	return v, nil
}

func decodeDigest(s string) ([]byte, error) {
	d, err := hex.DecodeString(strings.ToLower(s))
	if err != nil || len(d) != sha256.Size {
		return nil, ErrBadDigest
	}
	return d, nil
}

// Enabled reports whether at least one key is configured.
func (v *Verifier) Enabled() bool {
	return v != nil && len(v.sha)+len(v.mac) > 0
}

// Verify reports whether presented matches a configured key.
func (v *Verifier) Verify(presented string) bool {
	if !v.Enabled() || presented == "" {
		return false
	}

	sum := sha256.Sum256([]byte(presented))
	ok := false
	for _, d := range v.sha {
		if hmac.Equal(sum[:], d) {
			ok = true
		}
	}
	if v.hmacKey != nil {
		m := hmac.New(sha256.New, v.hmacKey)
		_, _ = m.Write([]byte(presented))
		mac := m.Sum(nil)
		for _, d := range v.mac {
			if hmac.Equal(mac, d) {
				ok = true
			}
		}
	}
	return ok
}
