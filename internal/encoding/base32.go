package encoding

import "github.com/multiformats/go-multibase"

// EncodeBase32 returns the lowercase, unpadded RFC 4648 base32 encoding of
// data, with no multibase prefix character. ComputeCID uses the prefixed
// form directly since CIDv1's "b" prefix and multibase's Base32 code point
// coincide.
func EncodeBase32(data []byte) (string, error) {
	encoded, err := multibase.Encode(multibase.Base32, data)
	if err != nil {
		return "", err
	}
	// Strip the leading multibase code byte ('b') to get raw base32.
	return encoded[1:], nil
}

// DecodeBase32 decodes a raw (unprefixed) lowercase RFC 4648 base32 string
// produced by EncodeBase32.
func DecodeBase32(s string) ([]byte, error) {
	_, data, err := multibase.Decode("b" + s)
	return data, err
}
