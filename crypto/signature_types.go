package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Signature type identifiers as carried in a data item's signatureType
// field. Type 1 is the only scheme the teacher library originally verified;
// the rest are registered here with the same (length, length, name) shape
// the ANS-104 bundle format already used for Arweave/ED25519/Ethereum/Solana.
const (
	SignatureTypeArweave    = 1
	SignatureTypeEd25519    = 2
	SignatureTypeEthereum   = 3
	SignatureTypeSolana     = 4
	SignatureTypeAptos      = 5
	SignatureTypeAptosMulti = 6
)

// SignatureScheme describes one signature type's wire shape and how to
// verify a signature produced under it.
type SignatureScheme struct {
	Name            string
	SignatureLength int
	PublicKeyLength int
	Verify          func(owner, signature, message []byte) error
}

// SignatureSchemes is the lookup table keyed by the numeric signature type
// carried on the wire, replacing what would otherwise be one parser
// constant set per scheme.
var SignatureSchemes = map[int]SignatureScheme{
	SignatureTypeArweave: {
		Name:            "arweave",
		SignatureLength: 512,
		PublicKeyLength: 512,
		Verify:          verifyRSAPSS,
	},
	SignatureTypeEd25519: {
		Name:            "ed25519",
		SignatureLength: 64,
		PublicKeyLength: 32,
		Verify:          verifyEd25519,
	},
	SignatureTypeEthereum: {
		Name:            "ethereum",
		SignatureLength: 65,
		PublicKeyLength: 65,
		Verify:          verifySecp256k1,
	},
	SignatureTypeSolana: {
		Name:            "solana",
		SignatureLength: 64,
		PublicKeyLength: 32,
		Verify:          verifyEd25519,
	},
	SignatureTypeAptos: {
		Name:            "aptos",
		SignatureLength: 64,
		PublicKeyLength: 32,
		Verify:          verifyEd25519,
	},
	SignatureTypeAptosMulti: {
		Name:            "aptos-multi-ed25519",
		SignatureLength: 64*32 + 4,
		PublicKeyLength: 32*32 + 1,
		Verify:          verifyAptosMultiEd25519,
	},
}

// LookupSignatureScheme returns the scheme registered for a signature type,
// or an error naming the unsupported type.
func LookupSignatureScheme(signatureType int) (SignatureScheme, error) {
	scheme, ok := SignatureSchemes[signatureType]
	if !ok {
		return SignatureScheme{}, fmt.Errorf("crypto: unsupported signature type %d", signatureType)
	}
	return scheme, nil
}

// VerifyByType verifies a deep-hashed message against a raw owner/signature
// pair under the scheme registered for signatureType. message is the raw
// deep hash digest (or, for RSA-PSS, the pre-hash payload as crypto.Verify
// already expects) depending on the scheme's own convention.
func VerifyByType(signatureType int, owner, signature, message []byte) error {
	scheme, err := LookupSignatureScheme(signatureType)
	if err != nil {
		return err
	}
	if len(signature) != scheme.SignatureLength {
		return fmt.Errorf("crypto: signature length %d does not match %s (want %d)", len(signature), scheme.Name, scheme.SignatureLength)
	}
	if len(owner) != scheme.PublicKeyLength {
		return fmt.Errorf("crypto: owner length %d does not match %s (want %d)", len(owner), scheme.Name, scheme.PublicKeyLength)
	}
	return scheme.Verify(owner, signature, message)
}

func verifyRSAPSS(owner, signature, message []byte) error {
	return Verify(message, signature, Base64URLEncode(owner))
}

func verifyEd25519(owner, signature, message []byte) error {
	if !ed25519.Verify(ed25519.PublicKey(owner), message, signature) {
		return fmt.Errorf("crypto: ed25519 signature verification failed")
	}
	return nil
}

// verifySecp256k1 verifies an Ethereum-style signature: the owner carries
// the 65-byte uncompressed public key, the signature is the 65-byte
// r||s||v (or r||s||recid) form go-ethereum itself produces.
func verifySecp256k1(owner, signature, message []byte) error {
	hash := sha256.Sum256(message)
	sig := signature
	if len(sig) == 65 {
		sig = sig[:64] // go-ethereum's VerifySignature does not take the recovery id
	}
	if !ethcrypto.VerifySignature(owner, hash[:], sig) {
		return fmt.Errorf("crypto: secp256k1 signature verification failed")
	}
	return nil
}

// verifyAptosMultiEd25519 verifies a multi-signature Aptos data item: the
// owner is up to 32 concatenated Ed25519 public keys followed by one
// trailing byte (not read here); the signature is a bitmap-ordered
// concatenation of Ed25519 signatures for the keys that actually signed,
// followed by a 4-byte bitmap marking those keys, most significant bit
// first.
func verifyAptosMultiEd25519(owner, signature, message []byte) error {
	if len(owner) < 1 {
		return fmt.Errorf("crypto: aptos multi-ed25519 owner too short")
	}
	if len(signature) < 4 {
		return fmt.Errorf("crypto: aptos multi-ed25519 signature too short")
	}
	bitmap := signature[len(signature)-4:]
	signature = signature[:len(signature)-4]
	keys := owner[:len(owner)-1]
	keyCount := len(keys) / ed25519.PublicKeySize
	sigIndex := 0
	for i := 0; i < keyCount; i++ {
		byteIdx, bitIdx := i/8, 7-(i%8)
		if bitmap[byteIdx]&(1<<uint(bitIdx)) == 0 {
			continue
		}
		if (sigIndex+1)*ed25519.SignatureSize > len(signature) {
			return fmt.Errorf("crypto: aptos multi-ed25519 signature truncated")
		}
		key := ed25519.PublicKey(keys[i*ed25519.PublicKeySize : (i+1)*ed25519.PublicKeySize])
		sig := signature[sigIndex*ed25519.SignatureSize : (sigIndex+1)*ed25519.SignatureSize]
		if !ed25519.Verify(key, message, sig) {
			return fmt.Errorf("crypto: aptos multi-ed25519 signature %d failed", sigIndex)
		}
		sigIndex++
	}
	return nil
}
