package crypto

import (
	"bytes"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

func TestDeriveSessionKeyDeterministic(t *testing.T) {
	shared := bytes.Repeat([]byte{0x11}, 32)
	nonce := bytes.Repeat([]byte{0x22}, NonceSize)
	k1, err := DeriveSessionKey(shared, "AA:BB:CC:DD:EE:FF", nonce)
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	k2, err := DeriveSessionKey(shared, "AA:BB:CC:DD:EE:FF", nonce)
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	if len(k1) != SessionKeySize {
		t.Fatalf("bad key length %d", len(k1))
	}
	if !bytes.Equal(k1, k2) {
		t.Fatalf("derivation not deterministic")
	}
}

func TestDeriveSessionKeyBindsDeviceAndNonce(t *testing.T) {
	shared := bytes.Repeat([]byte{0x33}, 32)
	nonceA := bytes.Repeat([]byte{0x44}, NonceSize)
	nonceB := bytes.Repeat([]byte{0x45}, NonceSize)
	base, err := DeriveSessionKey(shared, "dev-a", nonceA)
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	otherDevice, err := DeriveSessionKey(shared, "dev-b", nonceA)
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	otherNonce, err := DeriveSessionKey(shared, "dev-a", nonceB)
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	if bytes.Equal(base, otherDevice) || bytes.Equal(base, otherNonce) {
		t.Fatalf("expected distinct keys across device/nonce")
	}
}

func TestDeriveSessionKeyEmptyMaterial(t *testing.T) {
	if _, err := DeriveSessionKey(nil, "dev", []byte{1}); err == nil {
		t.Fatalf("expected empty material error")
	}
	if _, err := DeriveSessionKey([]byte{1}, "", []byte{1}); err == nil {
		t.Fatalf("expected empty material error")
	}
}

func TestEphemeralSharedAgreement(t *testing.T) {
	a, err := GenerateEphemeral()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	b, err := GenerateEphemeral()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	aPub, err := a.Public()
	if err != nil {
		t.Fatalf("public failed: %v", err)
	}
	bPub, err := b.Public()
	if err != nil {
		t.Fatalf("public failed: %v", err)
	}
	sa, err := a.Shared(bPub)
	if err != nil {
		t.Fatalf("shared failed: %v", err)
	}
	sb, err := b.Shared(aPub)
	if err != nil {
		t.Fatalf("shared failed: %v", err)
	}
	if !bytes.Equal(sa, sb) {
		t.Fatalf("shared secrets disagree")
	}
}

func TestEphemeralDestroy(t *testing.T) {
	e, err := GenerateEphemeral()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	pub, err := e.Public()
	if err != nil {
		t.Fatalf("public failed: %v", err)
	}
	e.Destroy()
	e.Destroy() // idempotent
	if _, err := e.Public(); err == nil {
		t.Fatalf("expected destroyed error from Public")
	}
	if _, err := e.Shared(pub); err == nil {
		t.Fatalf("expected destroyed error from Shared")
	}
}

func TestVerifyDeviceSig(t *testing.T) {
	priv, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("keygen failed: %v", err)
	}
	pub := ethcrypto.FromECDSAPub(&priv.PublicKey)
	digest := SHA3_256([]byte("challenge"))
	sig, err := ethcrypto.Sign(digest, priv)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if !VerifyDeviceSig(pub, digest, sig) {
		t.Fatalf("valid 65-byte signature rejected")
	}
	if !VerifyDeviceSig(pub, digest, sig[:64]) {
		t.Fatalf("valid 64-byte signature rejected")
	}
	bad := append([]byte(nil), sig...)
	bad[3] ^= 0xff
	if VerifyDeviceSig(pub, digest, bad) {
		t.Fatalf("tampered signature accepted")
	}
	if VerifyDeviceSig(pub, SHA3_256([]byte("other")), sig) {
		t.Fatalf("signature over other digest accepted")
	}
}

func TestRelayIdentitySignVerify(t *testing.T) {
	if testing.Short() {
		t.Skip("rsa keygen is slow")
	}
	pub, priv, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate identity failed: %v", err)
	}
	digest := SHA3_256([]byte("msg"))
	sig, err := SignDigest(priv, digest)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if !VerifyDigest(pub, digest, sig) {
		t.Fatalf("valid signature rejected")
	}
	if VerifyDigest(pub, SHA3_256([]byte("other")), sig) {
		t.Fatalf("signature over other digest accepted")
	}
}
