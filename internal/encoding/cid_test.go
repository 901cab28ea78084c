package encoding

import (
	"strings"
	"testing"
)

func TestComputeCIDShape(t *testing.T) {
	cid := ComputeCID([]byte("hello jar"))

	if !strings.HasPrefix(cid, "b") {
		t.Fatalf("ComputeCID() = %q, want prefix 'b'", cid)
	}
	if len(cid) < 50 || len(cid) > 60 {
		t.Errorf("len(ComputeCID()) = %d, want 50-60 per spec", len(cid))
	}
	for _, r := range cid[1:] {
		if !strings.ContainsRune("abcdefghijklmnopqrstuvwxyz234567", r) {
			t.Errorf("ComputeCID() contains non-base32 rune %q", r)
		}
	}
}

func TestComputeCIDDeterministic(t *testing.T) {
	data := []byte("jar.created receipt bytes")
	if ComputeCID(data) != ComputeCID(data) {
		t.Error("ComputeCID() is not deterministic for identical input")
	}
}

func TestComputeCIDSensitiveToEveryByte(t *testing.T) {
	base := []byte("jar.member_added")
	original := ComputeCID(base)

	for i := range base {
		mutated := append([]byte(nil), base...)
		mutated[i] ^= 0x01
		if ComputeCID(mutated) == original {
			t.Fatalf("flipping byte %d did not change the CID", i)
		}
	}
}

func TestVerifyCID(t *testing.T) {
	data := []byte("receipt payload")
	cid := ComputeCID(data)

	if !VerifyCID(cid, data) {
		t.Error("VerifyCID() should accept a freshly computed CID")
	}
	if VerifyCID(cid, []byte("different payload")) {
		t.Error("VerifyCID() should reject a mismatched payload")
	}
	if VerifyCID("bnotarealcid", data) {
		t.Error("VerifyCID() should reject a bogus claimed CID")
	}
}
