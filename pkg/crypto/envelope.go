package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	"github.com/Mindburn-Labs/tccflow/pkg/flowerr"
)

// Seal encrypts plaintext with AES-GCM under key. The nonce is derived from
// HMAC-SHA256(key, plaintext) so equal inputs produce equal envelopes, which
// keeps flow outputs reproducible. Layout: nonce ‖ ciphertext ‖ tag.
func Seal(key, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(plaintext)
	nonce := mac.Sum(nil)[:aead.NonceSize()]

	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// Open reverses Seal. Authentication failure and malformed envelopes are
// crypto errors.
func Open(key, envelope []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(envelope) < aead.NonceSize()+aead.Overhead() {
		return nil, flowerr.New(flowerr.KindCrypto, "decrypt", "envelope too short (%d bytes)", len(envelope))
	}
	nonce, ct := envelope[:aead.NonceSize()], envelope[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, flowerr.Wrap(flowerr.KindCrypto, "decrypt", err, "envelope authentication failed")
	}
	return pt, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != AESKeySize {
		return nil, flowerr.Validation("cipher", "aes key must be %d bytes, got %d", AESKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return aead, nil
}
