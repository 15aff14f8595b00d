// internal/auth/engine.go
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"acprelay/internal/crypto"
	"acprelay/internal/keyex"
	"acprelay/internal/metrics"
	"acprelay/internal/proto"
	"acprelay/internal/session"
)

var (
	ErrBlocked             = errors.New("device authentication blocked")
	ErrKeyExchangeRequired = errors.New("key exchange required")
	ErrKeyExchangeFailed   = errors.New("key exchange failed")
	ErrNoChallenge         = errors.New("no outstanding challenge")
	ErrChallengeExpired    = errors.New("challenge expired")
	ErrInvalidSignature    = errors.New("invalid challenge signature")
)

const (
	ChallengeSize = 32

	blockReasonAttempts = "too_many_auth_attempts"
)

// AuthStatus is the read-only answer to a device status query.
type AuthStatus string

const (
	StatusAuthenticated   AuthStatus = "authenticated"
	StatusBlocked         AuthStatus = "blocked"
	StatusPending         AuthStatus = "pending"
	StatusUnauthenticated AuthStatus = "unauthenticated"
)

// Engine runs the challenge-response protocol on top of a completed key
// exchange. Its attempt counter is independent of the key-exchange counter:
// a device can exhaust one without touching the other.
type Engine struct {
	reg          *session.Registry
	kx           *keyex.Engine
	relayPub     []byte
	maxAttempts  int
	blockFor     time.Duration
	challengeTTL time.Duration
	metrics      *metrics.Metrics
	now          func() time.Time
}

func NewEngine(reg *session.Registry, kx *keyex.Engine, relayPub []byte, maxAttempts int, blockFor, challengeTTL time.Duration, m *metrics.Metrics) *Engine {
	return &Engine{
		reg:          reg,
		kx:           kx,
		relayPub:     relayPub,
		maxAttempts:  maxAttempts,
		blockFor:     blockFor,
		challengeTTL: challengeTTL,
		metrics:      m,
		now:          time.Now,
	}
}

// Authenticate begins authentication for a device presenting its long-term
// public key. It registers the key, starts a key exchange and issues a fresh
// challenge; both outbound messages are returned for the caller to transmit.
// Already-authenticated devices succeed idempotently with nothing to send.
// Authentication completes asynchronously in VerifyResponse.
func (e *Engine) Authenticate(deviceID string, devicePubKey []byte) (*proto.KeyExchangeInitMsg, *proto.AuthChallengeMsg, error) {
	var (
		init      *proto.KeyExchangeInitMsg
		challenge *proto.AuthChallengeMsg
	)
	err := e.reg.WithDevice(deviceID, func(st *session.DeviceState) error {
		if st.Auth != nil {
			return nil
		}
		if st.AuthAttempts.Blocked(e.now()) {
			return ErrBlocked
		}
		if len(devicePubKey) == 0 {
			return fmt.Errorf("empty device public key")
		}
		st.DevicePubKey = append([]byte(nil), devicePubKey...)

		kxInit, err := e.kx.InitiateOn(st)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrKeyExchangeFailed, err)
		}
		init = &kxInit

		c := make([]byte, ChallengeSize)
		if _, err := rand.Read(c); err != nil {
			return err
		}
		st.Challenge = &session.Challenge{Bytes: c, IssuedAt: e.now()}
		challenge = &proto.AuthChallengeMsg{
			Type:           proto.MsgTypeAuthChallenge,
			Challenge:      proto.EncodeBytes(c),
			RelayPublicKey: proto.EncodeBytes(e.relayPub),
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return init, challenge, nil
}

// VerifyResponse checks the device's signature over the outstanding
// challenge. The challenge is consumed on the first attempt no matter the
// outcome, so the same response can never be verified twice.
func (e *Engine) VerifyResponse(deviceID string, sig []byte) error {
	return e.reg.WithDevice(deviceID, func(st *session.DeviceState) error {
		now := e.now()
		if st.KeyEx == nil || st.KeyEx.Status != session.StatusCompleted {
			return ErrKeyExchangeRequired
		}
		if st.Challenge == nil {
			return ErrNoChallenge
		}
		c := st.Challenge
		st.Challenge = nil
		if now.Sub(c.IssuedAt) >= e.challengeTTL {
			return ErrChallengeExpired
		}
		digest := crypto.SHA3_256(c.Bytes)
		if len(st.DevicePubKey) == 0 || !crypto.VerifyDeviceSig(st.DevicePubKey, digest, sig) {
			st.AuthAttempts.Count++
			if st.AuthAttempts.Count >= e.maxAttempts {
				st.AuthAttempts.BlockedUntil = now.Add(e.blockFor)
				st.AuthAttempts.Reason = blockReasonAttempts
				if e.metrics != nil {
					e.metrics.IncAuthBlocked()
				}
			}
			if e.metrics != nil {
				e.metrics.IncAuthFailed()
			}
			return ErrInvalidSignature
		}
		st.Auth = &session.AuthRecord{
			AuthenticatedAt: now,
			DevicePubKey:    st.DevicePubKey,
		}
		st.AuthAttempts.Reset()
		if e.metrics != nil {
			e.metrics.IncAuthSuccess()
		}
		return nil
	})
}

// IsBlocked reports whether the device is authentication-blocked right now.
func (e *Engine) IsBlocked(deviceID string) bool {
	blocked := false
	now := e.now()
	_ = e.reg.WithDevice(deviceID, func(st *session.DeviceState) error {
		blocked = st.AuthAttempts.Blocked(now)
		return nil
	})
	return blocked
}

// IsAuthenticated reports whether the device holds a live auth record.
func (e *Engine) IsAuthenticated(deviceID string) bool {
	return e.reg.IsAuthenticated(deviceID)
}

// Status answers a device status query without side effects.
func (e *Engine) Status(deviceID string) AuthStatus {
	status := StatusUnauthenticated
	now := e.now()
	_ = e.reg.WithDevice(deviceID, func(st *session.DeviceState) error {
		switch {
		case st.Auth != nil:
			status = StatusAuthenticated
		case st.AuthAttempts.Blocked(now):
			status = StatusBlocked
		case st.Challenge != nil:
			status = StatusPending
		}
		return nil
	})
	return status
}
