package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Signer produces the hex signature stored in each log entry.
type Signer interface {
	Sign(data []byte) (string, error)
	PublicKey() string
}

// Ed25519Signer signs with a single Ed25519 key.
type Ed25519Signer struct {
	key   ed25519.PrivateKey
	keyID string
}

// NewEd25519Signer generates a fresh, process-local key.
func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return &Ed25519Signer{key: priv, keyID: keyID}, nil
}

// NewEd25519SignerFromSeedHex derives the key from a 32-byte hex seed, so
// restarts keep the same public key.
func NewEd25519SignerFromSeedHex(seedHex, keyID string) (*Ed25519Signer, error) {
	seed, err := DecodeFixedHex("signing_key", seedHex, Ed25519SeedSize)
	if err != nil {
		return nil, err
	}
	return &Ed25519Signer{key: ed25519.NewKeyFromSeed(seed), keyID: keyID}, nil
}

// KeyID names the key in operator logs.
func (s *Ed25519Signer) KeyID() string { return s.keyID }

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	return hex.EncodeToString(ed25519.Sign(s.key, data)), nil
}

// PublicKey returns the hex verification key.
func (s *Ed25519Signer) PublicKey() string {
	return hex.EncodeToString(s.key.Public().(ed25519.PublicKey))
}

// Verify checks a hex signature against a hex public key. Malformed hex or a
// wrong-size key is an error; a well-formed but wrong signature is false.
func Verify(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pub, err := DecodeFixedHex("public_key", pubKeyHex, ed25519.PublicKeySize)
	if err != nil {
		return false, err
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("signature is not hex: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return false, nil
	}
	return ed25519.Verify(pub, data, sig), nil
}
