package token

import (
	"errors"
	"strings"
	"testing"
)

const testHMACKey = "0123456789abcdef0123456789abcdef"

func TestVerifier_PlainKeys(t *testing.T) {
	t.Parallel()

	v, err := NewVerifier([]string{"alpha", " ", "beta"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if !v.Enabled() {
		t.Fatal("expected enabled")
	}
	for _, k := range []string{"alpha", "beta"} {
		if !v.Verify(k) {
			t.Fatalf("Verify(%q) = false", k)
		}
	}
	for _, k := range []string{"", "gamma", "alpha "} {
		if v.Verify(k) {
			t.Fatalf("Verify(%q) = true", k)
		}
	}
}

func TestVerifier_DigestKeys(t *testing.T) {
	t.Parallel()

	v, err := NewVerifier([]string{
		"sha256:" + strings.ToUpper(HashSHA256Hex("ops")),
		"hmac:" + HashHMACSHA256Hex("ci", []byte(testHMACKey)),
	}, testHMACKey)
	if err != nil {
		t.Fatal(err)
	}
	if !v.Verify("ops") || !v.Verify("ci") {
		t.Fatal("digest keys should verify")
	}
	if v.Verify("sha256:" + HashSHA256Hex("ops")) {
		t.Fatal("the digest itself must not verify")
	}
}

func TestVerifier_PlainKeysUseHMACWhenConfigured(t *testing.T) {
	t.Parallel()

	v, err := NewVerifier([]string{"alpha"}, testHMACKey)
	if err != nil {
		t.Fatal(err)
	}
	if len(v.sha) != 0 || len(v.mac) != 1 {
		t.Fatalf("expected one hmac digest, got sha=%d mac=%d", len(v.sha), len(v.mac))
	}
	if !v.Verify("alpha") {
		t.Fatal("Verify(alpha) = false")
	}
}

func TestNewVerifier_Errors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		keys    []string
		hmacKey string
		want    error
	}{
		{name: "short hmac key", keys: []string{"a"}, hmacKey: "short", want: ErrHMACKeyTooShort},
		{name: "hmac digest without key", keys: []string{"hmac:" + HashSHA256Hex("x")}, want: ErrHMACKeyMissing},
		{name: "bad hex", keys: []string{"sha256:zz"}, want: ErrBadDigest},
		{name: "short digest", keys: []string{"sha256:abcd"}, want: ErrBadDigest},
	}
	for _, tc := range cases {
		_, err := NewVerifier(tc.keys, tc.hmacKey)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: err=%v want %v", tc.name, err, tc.want)
		}
	}
}

func TestVerifier_NilAndEmpty(t *testing.T) {
	t.Parallel()

	var nilV *Verifier
	if nilV.Enabled() || nilV.Verify("x") {
		t.Fatal("nil verifier must reject")
	}
	v, err := NewVerifier(nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if v.Enabled() || v.Verify("x") {
		t.Fatal("empty verifier must reject")
	}
}
