package crypto

import (
	"crypto/sha256"
	"errors"

	"golang.org/x/crypto/pbkdf2"
)

// KDF cost. High on purpose: one derivation per handshake, and the cost
// penalizes handshake-flood attackers more than the relay.
const kdfIterations = 100_000

const NonceSize = 16

// DeriveSessionKey stretches a DH shared secret into the 32-byte session key.
// The salt binds the key to the device identity and the handshake nonce, so
// two devices (or two handshakes) never derive the same key from a colliding
// secret.
func DeriveSessionKey(shared []byte, deviceID string, nonce []byte) ([]byte, error) {
	if len(shared) == 0 || deviceID == "" || len(nonce) == 0 {
		return nil, errors.New("empty key material")
	}
	salt := make([]byte, 0, len(deviceID)+len(nonce))
	salt = append(salt, deviceID...)
	salt = append(salt, nonce...)
	return pbkdf2.Key(shared, salt, kdfIterations, SessionKeySize, sha256.New), nil
}
