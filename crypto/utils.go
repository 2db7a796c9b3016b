package crypto

import (
	"crypto/rsa"
	"math/big"
)

// GetAddressFromOwner derives the RSA-owner wallet address: SHA256 of the
// public key modulus, base64url-encoded.
func GetAddressFromOwner(owner string) (string, error) {
	publicKey, err := GetPublicKeyFromOwner(owner)
	if err != nil {
		return "", err
	}
	return GetAddressFromPublicKey(publicKey), nil
}

func GetPublicKeyFromOwner(owner string) (*rsa.PublicKey, error) {
	data, err := Base64Decode(owner)
	if err != nil {
		return nil, err
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(data),
		E: 65537, //"AQAB"
	}, nil
}

func GetAddressFromPublicKey(p *rsa.PublicKey) string {
	return Base64Encode(SHA256(p.N.Bytes()))
}
