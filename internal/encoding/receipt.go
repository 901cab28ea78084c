package encoding

import (
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// RawReceipt is the untrusted, top-level shape of a CBOR receipt envelope.
// Unknown top-level keys never fail parsing; the "payload" sub-map's
// concrete shape depends on receipt_type and is interpreted by internal/jar.
type RawReceipt struct {
	ReceiptType string         `cbor:"receipt_type"`
	SenderDID   string         `cbor:"sender_did"`
	Timestamp   uint64         `cbor:"timestamp"`
	ParentCID   string         `cbor:"parent_cid,omitempty"`
	Payload     map[string]any `cbor:"payload"`
}

// DecodeReceipt parses canonical CBOR receipt bytes into a RawReceipt. It
// performs no signature verification and no re-canonicalization; callers
// must verify receipt_data against a signature and a claimed CID separately.
func DecodeReceipt(data []byte) (*RawReceipt, error) {
	var raw RawReceipt
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("encoding: malformed receipt CBOR: %w", err)
	}
	if raw.ReceiptType == "" {
		return nil, fmt.Errorf("encoding: receipt missing receipt_type")
	}
	if raw.SenderDID == "" {
		return nil, fmt.Errorf("encoding: receipt missing sender_did")
	}
	return &raw, nil
}

// ExtractSenderDID is a targeted decoder used to find which device key to
// verify a receipt's signature with. It must not be used for anything that
// implies trust in the receipt's contents — only the key lookup.
func ExtractSenderDID(data []byte) (string, error) {
	var partial struct {
		SenderDID string `cbor:"sender_did"`
	}
	if err := cbor.Unmarshal(data, &partial); err != nil {
		return "", fmt.Errorf("encoding: malformed receipt CBOR: %w", err)
	}
	if partial.SenderDID == "" {
		return "", fmt.Errorf("encoding: receipt missing sender_did")
	}
	if !strings.HasPrefix(partial.SenderDID, "did:phone:") && !strings.HasPrefix(partial.SenderDID, "did:buds:") {
		return "", fmt.Errorf("encoding: sender_did has unrecognized prefix")
	}
	return partial.SenderDID, nil
}

// EncodeReceipt is the inverse of DecodeReceipt, used by tests. The jar
// backfill returns the stored receipt bytes as they are and does not call it.
func EncodeReceipt(r *RawReceipt) ([]byte, error) {
	return cbor.Marshal(r)
}
