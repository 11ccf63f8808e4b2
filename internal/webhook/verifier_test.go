package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature_Valid(t *testing.T) {
	secret := []byte("test-secret")
	body := []byte(`{"id":"evt_1","type":"subscription.updated","data":{}}`)
	v := &Verifier{secret: secret}

	if !v.VerifySignature(body, sign(secret, body)) {
		t.Error("expected valid signature to verify")
	}
}

func TestVerifySignature_WrongSecret(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	v := &Verifier{secret: []byte("real-secret")}

	if v.VerifySignature(body, sign([]byte("wrong-secret"), body)) {
		t.Error("expected signature signed with wrong secret to fail")
	}
}

func TestVerifySignature_TamperedBody(t *testing.T) {
	secret := []byte("test-secret")
	original := []byte(`{"id":"evt_1","amount":100}`)
	sig := sign(secret, original)
	v := &Verifier{secret: secret}

	tampered := []byte(`{"id":"evt_1","amount":100000}`)
	if v.VerifySignature(tampered, sig) {
		t.Error("expected tampered body to fail verification")
	}
}

func TestVerifySignature_MalformedHex(t *testing.T) {
	v := &Verifier{secret: []byte("test-secret")}
	if v.VerifySignature([]byte("body"), "not-hex-zz") {
		t.Error("expected malformed hex signature to fail, not panic")
	}
}

func TestParseRFC3339_Empty(t *testing.T) {
	if _, err := parseRFC3339(""); err == nil {
		t.Error("expected error for empty timestamp")
	}
}

func TestParseRFC3339_Valid(t *testing.T) {
	ts, err := parseRFC3339("2026-03-17T12:00:00Z")
	if err != nil {
		t.Fatalf("parseRFC3339 error: %v", err)
	}
	if ts.Year() != 2026 {
		t.Errorf("year = %d, want 2026", ts.Year())
	}
}
