package cryptoutil

import (
	"crypto/ed25519"
	"testing"
)

func TestVerifySignatureAcceptsValid(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("ed25519.GenerateKey() error = %v", err)
	}
	data := []byte("receipt_data bytes")
	sig := ed25519.Sign(priv, data)

	ok, err := VerifySignature(pub, data, sig)
	if err != nil {
		t.Fatalf("VerifySignature() error = %v", err)
	}
	if !ok {
		t.Error("VerifySignature() = false, want true for a valid signature")
	}
}

func TestVerifySignatureRejectsTamperedData(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	sig := ed25519.Sign(priv, []byte("original"))

	ok, err := VerifySignature(pub, []byte("tampered"), sig)
	if err != nil {
		t.Fatalf("VerifySignature() error = %v", err)
	}
	if ok {
		t.Error("VerifySignature() = true, want false for tampered data")
	}
}

func TestVerifySignatureRejectsWrongKeyLength(t *testing.T) {
	if _, err := VerifySignature([]byte("short"), []byte("data"), make([]byte, ed25519.SignatureSize)); err == nil {
		t.Error("VerifySignature() should reject a malformed public key")
	}
}

func TestVerifySignatureRejectsWrongSignatureLength(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	if _, err := VerifySignature(pub, []byte("data"), []byte("short")); err == nil {
		t.Error("VerifySignature() should reject a malformed signature")
	}
}
