package signer

import "github.com/liteseed/turbo-upload-service/crypto"

func (s *Signer) Sign(data []byte) ([]byte, error) {
	return crypto.Sign(data, s.PrivateKey)
}
