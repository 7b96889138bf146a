package crypto

import (
	"crypto/ed25519"
	"encoding/hex"

	"github.com/Mindburn-Labs/tccflow/pkg/flowerr"
)

const (
	// AESKeySize is the AES-128 key length in bytes (32 hex characters).
	AESKeySize = 16
	// Ed25519SeedSize is the private key seed length in bytes (64 hex characters).
	Ed25519SeedSize = ed25519.SeedSize
)

// Keys is the validated key material for the crypto flow.
type Keys struct {
	AES     []byte
	Signing ed25519.PrivateKey
}

// PublicKey returns the Ed25519 public key derived from the signing seed.
func (k *Keys) PublicKey() ed25519.PublicKey {
	return k.Signing.Public().(ed25519.PublicKey)
}

// DecodeFixedHex decodes s as exactly n bytes of hex. Wrong length or
// non-hex characters are rejected; nothing is truncated or padded.
func DecodeFixedHex(field, s string, n int) ([]byte, error) {
	if s == "" {
		return nil, flowerr.Validation("decode", "%s is required", field)
	}
	if len(s) != n*2 {
		return nil, flowerr.Validation("decode", "%s must be %d hex characters, got %d", field, n*2, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, flowerr.Validation("decode", "%s must be valid hex", field)
	}
	return b, nil
}

// ParseKeys validates the hex encoded AES key and Ed25519 seed.
func ParseKeys(aesHex, ed25519Hex string) (*Keys, error) {
	aesKey, err := DecodeFixedHex("aes_key", aesHex, AESKeySize)
	if err != nil {
		return nil, err
	}
	seed, err := DecodeFixedHex("ed25519_key", ed25519Hex, Ed25519SeedSize)
	if err != nil {
		return nil, err
	}
	return &Keys{AES: aesKey, Signing: ed25519.NewKeyFromSeed(seed)}, nil
}
