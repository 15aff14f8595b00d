package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	SessionKeySize = chacha20poly1305.KeySize   // 32
	SealNonceSize  = chacha20poly1305.NonceSize // 12
	SealTagSize    = chacha20poly1305.Overhead  // 16
)

// ErrDecrypt is the only failure Open reports. Tampering, a stale key and
// malformed input are indistinguishable to the caller.
var ErrDecrypt = errors.New("decryption failed")

// Seal encrypts plaintext under a session key and packs the result as
// nonce || tag || ciphertext, so the two ends need no out-of-band framing.
// A fresh random nonce is drawn per call.
func Seal(key, plaintext []byte) ([]byte, error) {
	if len(key) != SessionKeySize {
		return nil, fmt.Errorf("bad key size: need %d", SessionKeySize)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, SealNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil) // ciphertext || tag
	ct := sealed[:len(sealed)-SealTagSize]
	tag := sealed[len(sealed)-SealTagSize:]
	out := make([]byte, 0, SealNonceSize+len(sealed))
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ct...)
	return out, nil
}

// Open authenticates and decrypts a Seal blob. Inputs shorter than
// nonce+tag are rejected outright; partially decrypted data is never
// returned.
func Open(key, blob []byte) ([]byte, error) {
	if len(key) != SessionKeySize {
		return nil, ErrDecrypt
	}
	if len(blob) < SealNonceSize+SealTagSize {
		return nil, ErrDecrypt
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, ErrDecrypt
	}
	nonce := blob[:SealNonceSize]
	tag := blob[SealNonceSize : SealNonceSize+SealTagSize]
	ct := blob[SealNonceSize+SealTagSize:]
	sealed := make([]byte, 0, len(ct)+SealTagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}
