// Package crypto provides the cryptographic primitives the ingestion
// pipeline depends on: base64url codecs, SHA256/SHA384 hashing, the ANS-104
// deep hash construction (including streaming variants for payloads that
// never touch memory as a single slice), and a signature-type registry
// covering every owner/signature scheme an inbound data item may carry.
package crypto

import (
	"encoding/base64"
)

// Base64URLEncode encodes bytes to an unpadded Base64URL string, the
// encoding used throughout ANS-104 for signatures, owners, and IDs.
func Base64URLEncode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// Base64URLDecode decodes an unpadded Base64URL string to bytes.
func Base64URLDecode(data string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(data)
}

// Base64Encode and Base64Decode name the same unpadded base64url operation;
// kept so callers migrated from the tag codec's older naming still compile.
func Base64Encode(data []byte) string {
	return Base64URLEncode(data)
}

func Base64Decode(data string) ([]byte, error) {
	return Base64URLDecode(data)
}
