// internal/crypto/crypto.go
package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"
)

// -----------------------------------------------------------------------------
// Relay crypto suite:
// - RSA-PSS + SHA3-256 for the relay's long-term identity (sign only)
// - secp256k1 for device (wallet) long-term keys, verify only
// - X25519 ephemeral per handshake, PBKDF2-SHA256 session key derivation
// - ChaCha20-Poly1305 for all post-handshake traffic
// -----------------------------------------------------------------------------

const RSABits = 4096

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

// Digest hashes a labeled concatenation of parts. The label keeps
// transcript digests domain-separated across protocol stages.
func Digest(label string, parts ...[]byte) []byte {
	buf := make([]byte, 0, len(label))
	buf = append(buf, []byte(label)...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return SHA3_256(buf)
}

// -----------------------------------------------------------------------------
// Relay identity (RSA-PSS)
// -----------------------------------------------------------------------------

// GenerateIdentity creates the relay's long-term signing keypair. Callers
// invoke this explicitly at startup (never inside a constructor) so key
// generation failure is observable and retryable.
func GenerateIdentity() (pubDER, privDER []byte, err error) {
	priv, err := rsa.GenerateKey(rand.Reader, RSABits)
	if err != nil {
		return nil, nil, err
	}
	pubDER, err = x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	privDER, err = x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, err
	}
	return pubDER, privDER, nil
}

func SignDigest(privDER, digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, errors.New("bad digest size")
	}
	key, err := parseRSAPrivateKey(privDER)
	if err != nil {
		return nil, err
	}
	return rsa.SignPSS(rand.Reader, key, crypto.SHA3_256, digest, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
}

func VerifyDigest(pubDER, digest, sig []byte) bool {
	if len(digest) != 32 {
		return false
	}
	key, err := parseRSAPublicKey(pubDER)
	if err != nil {
		return false
	}
	return rsa.VerifyPSS(key, crypto.SHA3_256, digest, sig, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash}) == nil
}

func parseRSAPublicKey(pubDER []byte) (*rsa.PublicKey, error) {
	key, err := x509.ParsePKIXPublicKey(pubDER)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not rsa public key")
	}
	return rsaKey, nil
}

func parseRSAPrivateKey(privDER []byte) (*rsa.PrivateKey, error) {
	key, err := x509.ParsePKCS8PrivateKey(privDER)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("not rsa private key")
	}
	return rsaKey, nil
}

// -----------------------------------------------------------------------------
// Device signatures (secp256k1 wallet keys)
// -----------------------------------------------------------------------------

// VerifyDeviceSig checks a wallet signature over a 32-byte digest. Accepts
// 64-byte R||S or 65-byte R||S||V signatures; pub is a 33- or 65-byte
// secp256k1 point in SEC1 encoding.
func VerifyDeviceSig(pub, digest, sig []byte) bool {
	if len(digest) != 32 || len(pub) == 0 {
		return false
	}
	if len(sig) == 65 {
		sig = sig[:64]
	}
	if len(sig) != 64 {
		return false
	}
	return ethcrypto.VerifySignature(pub, digest, sig)
}

// -----------------------------------------------------------------------------
// Identity storage
// -----------------------------------------------------------------------------

func SaveIdentity(dir string, pub, priv []byte) error {
	if len(pub) == 0 || len(priv) == 0 {
		return errors.New("empty key")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "relay_pub.hex"), []byte(hex.EncodeToString(pub)), 0600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "relay_priv.hex"), []byte(hex.EncodeToString(priv)), 0600)
}

func LoadIdentity(dir string) ([]byte, []byte, error) {
	pubHex, err := os.ReadFile(filepath.Join(dir, "relay_pub.hex"))
	if err != nil {
		return nil, nil, err
	}
	privHex, err := os.ReadFile(filepath.Join(dir, "relay_priv.hex"))
	if err != nil {
		return nil, nil, err
	}
	pub, err := hex.DecodeString(string(pubHex))
	if err != nil {
		return nil, nil, fmt.Errorf("bad relay_pub.hex")
	}
	priv, err := hex.DecodeString(string(privHex))
	if err != nil {
		return nil, nil, fmt.Errorf("bad relay_priv.hex")
	}
	return pub, priv, nil
}

// Zero overwrites b in place. Use on shared secrets and retired session keys.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
