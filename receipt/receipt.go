// Package receipt signs upload receipts with the service wallet, reusing
// signer.Signer — the teacher's "Arweave transaction signer" repurposed
// here as the service's receipt-signing wallet: same RSA-PSS machinery,
// same gojwk-loaded JWK, a new deep-hash field list per spec.md §4.8.
package receipt

import (
	stdcrypto "crypto"
	"crypto/rand"
	"crypto/rsa"
	_ "crypto/sha512"
	"fmt"

	"github.com/liteseed/turbo-upload-service/crypto"
	"github.com/liteseed/turbo-upload-service/signer"
)

// Version selects which deep-hashed field list Sign uses.
type Version string

const (
	// VersionHistorical signs only {"Bundlr", version, id, deadlineHeight,
	// timestamp}, matching receipts issued before the v0.2 field set.
	VersionHistorical Version = "historical"
	// VersionV02 additionally includes dataCaches, fastFinalityIndexes,
	// and winc, per the v0.2 switch spec.md §4.8 describes.
	VersionV02 Version = "v0.2"
)

// Unsigned is the receipt payload before signing.
type Unsigned struct {
	Version         string
	ID              string
	DeadlineHeight  int64
	Timestamp       int64

	// v0.2-only fields
	DataCaches           []string
	FastFinalityIndexes  []string
	Winc                 string
}

// Signed is the final receipt returned to the client: the unsigned
// fields plus the public wallet modulus and the base64url signature.
type Signed struct {
	Unsigned
	Public    string `json:"public"`
	Signature string `json:"signature"`
}

// Sign deep-hashes receipt's ordered fields per spec.md §4.8 and signs
// the 48-byte digest with RSA-PSS at salt length 0 — a deliberate
// divergence from the teacher's PSSSaltLengthAuto (see DESIGN.md).
func Sign(s *signer.Signer, receiptVersion Version, r Unsigned) (*Signed, error) {
	chunks := fieldChunks(receiptVersion, r)
	digest := crypto.DeepHash(chunks)

	sig, err := rsa.SignPSS(rand.Reader, s.PrivateKey, stdcrypto.SHA384, digest[:], &rsa.PSSOptions{
		SaltLength: 0,
		Hash:       stdcrypto.SHA384,
	})
	if err != nil {
		return nil, fmt.Errorf("receipt: signing: %w", err)
	}

	return &Signed{
		Unsigned:  r,
		Public:    s.Owner(),
		Signature: crypto.Base64URLEncode(sig),
	}, nil
}

func fieldChunks(version Version, r Unsigned) [][]byte {
	chunks := [][]byte{
		[]byte("Bundlr"),
		[]byte(r.Version),
		[]byte(r.ID),
		[]byte(decimal(r.DeadlineHeight)),
		[]byte(decimal(r.Timestamp)),
	}
	if version == VersionV02 {
		chunks = append(chunks,
			[]byte(joinStrings(r.DataCaches)),
			[]byte(joinStrings(r.FastFinalityIndexes)),
			[]byte(r.Winc),
		)
	}
	return chunks
}

func decimal(n int64) string {
	return fmt.Sprintf("%d", n)
}

func joinStrings(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}
