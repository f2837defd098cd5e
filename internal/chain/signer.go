package chain

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"
)

// Signer signs outgoing contract messages. The key material never leaves it.
type Signer interface {
	Sign(msg []byte) ([]byte, error)
	PublicKey() []byte
}

type Ed25519Signer struct {
	key ed25519.PrivateKey
}

// NewEd25519Signer accepts a hex encoded 32-byte seed or 64-byte private key, with or
// without a 0x prefix.
func NewEd25519Signer(hexKey string) (*Ed25519Signer, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode signing key: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return &Ed25519Signer{key: ed25519.NewKeyFromSeed(raw)}, nil
	case ed25519.PrivateKeySize:
		return &Ed25519Signer{key: ed25519.PrivateKey(raw)}, nil
	default:
		return nil, fmt.Errorf("signing key must be 32 or 64 bytes, got %d", len(raw))
	}
}

func (s *Ed25519Signer) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(s.key, msg), nil
}

func (s *Ed25519Signer) PublicKey() []byte {
	return s.key.Public().(ed25519.PublicKey)
}
