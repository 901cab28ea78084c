package cryptoutil

import (
	"crypto/ed25519"
	"fmt"
)

// VerifySignature reports whether signature is a valid Ed25519 signature of
// data under pubKey. It never re-canonicalizes data; callers must pass the
// exact bytes that were signed.
func VerifySignature(pubKey, data, signature []byte) (bool, error) {
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("cryptoutil: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pubKey))
	}
	if len(signature) != ed25519.SignatureSize {
		return false, fmt.Errorf("cryptoutil: signature must be %d bytes, got %d", ed25519.SignatureSize, len(signature))
	}
	return ed25519.Verify(pubKey, data, signature), nil
}
