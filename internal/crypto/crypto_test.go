package crypto

import (
	"bytes"
	"testing"
)

func TestKDFDeterminismAndContext(t *testing.T) {
	ikm := []byte("ikm")
	ctxA := "arqma-ss:v1:quic:tx"
	ctxB := "arqma-ss:v1:quic:rx"

	keyA1 := KDF(ctxA, ikm)
	keyA2 := KDF(ctxA, ikm)
	if !bytes.Equal(keyA1, keyA2) {
		t.Fatalf("KDF not deterministic")
	}

	keyB := KDF(ctxB, ikm)
	if bytes.Equal(keyA1, keyB) {
		t.Fatalf("expected different keys for different contexts")
	}
}

func TestEd25519SignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := GenKeypair()
	if err != nil {
		t.Fatalf("GenKeypair failed: %v", err)
	}
	msg := []byte("store request body")
	sig := Sign(priv, msg)
	if sig == nil {
		t.Fatalf("Sign returned nil")
	}
	if !Verify(pub, msg, sig) {
		t.Fatalf("expected signature to verify")
	}
	if Verify(pub, append(msg, 'x'), sig) {
		t.Fatalf("expected signature over tampered message to fail")
	}
}

func TestBase32ZRoundTrip(t *testing.T) {
	pub, _, err := GenKeypair()
	if err != nil {
		t.Fatalf("GenKeypair failed: %v", err)
	}
	encoded := EncodeBase32Z(pub)
	decoded, err := DecodeBase32Z(encoded)
	if err != nil {
		t.Fatalf("DecodeBase32Z failed: %v", err)
	}
	if !bytes.Equal(decoded, pub) {
		t.Fatalf("base32z round trip mismatch")
	}
	addr := SnodeAddress(pub)
	if addr[len(addr)-6:] != ".snode" {
		t.Fatalf("expected .snode suffix, got %s", addr)
	}
}
