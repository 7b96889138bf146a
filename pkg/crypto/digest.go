package crypto

import (
	"crypto/sha256"

	"golang.org/x/crypto/sha3"
)

// SHA256 returns the SHA-256 digest of data.
func SHA256(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// Keccak256 absorbs data into a fresh Keccak-256 sponge and squeezes 32 bytes.
// This is the original Keccak padding, not FIPS 202 SHA3-256.
func Keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}
