// internal/keyex/engine.go
package keyex

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"acprelay/internal/crypto"
	"acprelay/internal/metrics"
	"acprelay/internal/proto"
	"acprelay/internal/session"
)

var (
	ErrBlocked           = errors.New("device key-exchange blocked")
	ErrTooManyAttempts   = errors.New("too many key-exchange attempts")
	ErrExchangeInFlight  = errors.New("key exchange already pending")
	ErrNoPendingExchange = errors.New("no pending key exchange")
	ErrTimeout           = errors.New("key exchange timed out")
	ErrInvalidSignature  = errors.New("invalid key-exchange signature")
	ErrNotReady          = errors.New("key exchange not completed")
)

const blockReasonAttempts = "too_many_key_exchange_attempts"

// Engine drives the per-device Diffie-Hellman handshake state machine:
// Pending -> Completed, or Pending -> Failed with an attempt counter that
// escalates to a temporary block.
type Engine struct {
	reg         *session.Registry
	relayPub    []byte
	maxAttempts int
	blockFor    time.Duration
	timeout     time.Duration
	metrics     *metrics.Metrics
	now         func() time.Time
}

func NewEngine(reg *session.Registry, relayPub []byte, maxAttempts int, blockFor, timeout time.Duration, m *metrics.Metrics) *Engine {
	return &Engine{
		reg:         reg,
		relayPub:    relayPub,
		maxAttempts: maxAttempts,
		blockFor:    blockFor,
		timeout:     timeout,
		metrics:     m,
		now:         time.Now,
	}
}

// Initiate starts a fresh handshake for the device and returns the
// key_exchange_init message to transmit.
func (e *Engine) Initiate(deviceID string) (proto.KeyExchangeInitMsg, error) {
	var msg proto.KeyExchangeInitMsg
	err := e.reg.WithDevice(deviceID, func(st *session.DeviceState) error {
		var err error
		msg, err = e.InitiateOn(st)
		return err
	})
	return msg, err
}

// InitiateOn is Initiate for callers that already hold the device lock
// (the auth engine starts a key exchange mid-authentication).
func (e *Engine) InitiateOn(st *session.DeviceState) (proto.KeyExchangeInitMsg, error) {
	return e.start(st, false)
}

// Rotate begins a key rotation: the same handshake shape with a fresh
// ephemeral keypair and nonce. Only valid once the current exchange is
// Completed; the old session key stays live until the rotation response
// installs its replacement.
func (e *Engine) Rotate(deviceID string) (proto.KeyExchangeInitMsg, error) {
	var msg proto.KeyExchangeInitMsg
	err := e.reg.WithDevice(deviceID, func(st *session.DeviceState) error {
		if st.KeyEx == nil || st.KeyEx.Status != session.StatusCompleted {
			return ErrNotReady
		}
		var err error
		msg, err = e.start(st, true)
		return err
	})
	return msg, err
}

func (e *Engine) start(st *session.DeviceState, rotation bool) (proto.KeyExchangeInitMsg, error) {
	now := e.now()
	if st.KeyExAttempts.Blocked(now) {
		return proto.KeyExchangeInitMsg{}, ErrBlocked
	}
	if st.KeyExAttempts.Count >= e.maxAttempts {
		st.KeyExAttempts.BlockedUntil = now.Add(e.blockFor)
		st.KeyExAttempts.Reason = blockReasonAttempts
		return proto.KeyExchangeInitMsg{}, ErrTooManyAttempts
	}
	if st.KeyEx != nil && st.KeyEx.Status == session.StatusPending {
		if now.Sub(st.KeyEx.CreatedAt) < e.timeout {
			return proto.KeyExchangeInitMsg{}, ErrExchangeInFlight
		}
		e.expire(st)
	}
	eph, err := crypto.GenerateEphemeral()
	if err != nil {
		return proto.KeyExchangeInitMsg{}, err
	}
	pub, err := eph.Public()
	if err != nil {
		eph.Destroy()
		return proto.KeyExchangeInitMsg{}, err
	}
	nonce := make([]byte, crypto.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		eph.Destroy()
		return proto.KeyExchangeInitMsg{}, err
	}
	st.KeyEx = &session.KeyExchange{
		Status:    session.StatusPending,
		Ephemeral: eph,
		Nonce:     nonce,
		CreatedAt: now,
		Rotation:  rotation,
	}
	if e.metrics != nil {
		e.metrics.IncHandshakeStarted()
		if rotation {
			e.metrics.IncHandshakeRotations()
		}
	}
	msgType := proto.MsgTypeKeyExchangeInit
	if rotation {
		msgType = proto.MsgTypeKeyRotationInit
	}
	return proto.KeyExchangeInitMsg{
		Type:           msgType,
		DHPublicKey:    proto.EncodeBytes(pub),
		Nonce:          proto.EncodeBytes(nonce),
		RelayPublicKey: proto.EncodeBytes(e.relayPub),
	}, nil
}

// HandleResponse consumes the device's key_exchange_response (or
// key_rotation_response): verifies the signature over the transcript,
// derives the session key and installs it in the registry. The pending
// state is consumed on every verification attempt, success or failure, so a
// replayed response can never complete twice.
func (e *Engine) HandleResponse(deviceID string, deviceDHPub, sig []byte) error {
	return e.reg.WithDevice(deviceID, func(st *session.DeviceState) error {
		now := e.now()
		if st.KeyEx == nil || st.KeyEx.Status != session.StatusPending {
			return ErrNoPendingExchange
		}
		if now.Sub(st.KeyEx.CreatedAt) >= e.timeout {
			e.expire(st)
			if e.metrics != nil {
				e.metrics.IncHandshakeExpired()
			}
			return ErrTimeout
		}
		relayDHPub, err := st.KeyEx.Ephemeral.Public()
		if err != nil {
			e.expire(st)
			return fmt.Errorf("ephemeral unavailable: %w", err)
		}
		digest := crypto.SHA3_256(proto.KeyExchangeSigInput(relayDHPub, st.KeyEx.Nonce))
		if len(st.DevicePubKey) == 0 || !crypto.VerifyDeviceSig(st.DevicePubKey, digest, sig) {
			e.expire(st)
			st.KeyExAttempts.Count++
			if st.KeyExAttempts.Count >= e.maxAttempts {
				st.KeyExAttempts.BlockedUntil = now.Add(e.blockFor)
				st.KeyExAttempts.Reason = blockReasonAttempts
			}
			if e.metrics != nil {
				e.metrics.IncHandshakeFailed()
			}
			return ErrInvalidSignature
		}
		shared, err := st.KeyEx.Ephemeral.Shared(deviceDHPub)
		if err != nil {
			e.expire(st)
			st.KeyExAttempts.Count++
			if st.KeyExAttempts.Count >= e.maxAttempts {
				st.KeyExAttempts.BlockedUntil = now.Add(e.blockFor)
				st.KeyExAttempts.Reason = blockReasonAttempts
			}
			if e.metrics != nil {
				e.metrics.IncHandshakeFailed()
			}
			return ErrInvalidSignature
		}
		key, err := crypto.DeriveSessionKey(shared, st.ID, st.KeyEx.Nonce)
		crypto.Zero(shared)
		if err != nil {
			e.expire(st)
			return err
		}
		// Forward secrecy: the previous key (if any) dies with this
		// installation, and the ephemeral dies with the derivation.
		crypto.Zero(st.SessionKey)
		st.SessionKey = key
		st.KeyEx.Ephemeral.Destroy()
		st.KeyEx.Ephemeral = nil
		crypto.Zero(st.KeyEx.Nonce)
		st.KeyEx.Nonce = nil
		st.KeyEx.Status = session.StatusCompleted
		st.KeyExAttempts.Reset()
		if e.metrics != nil {
			e.metrics.IncHandshakeCompleted()
		}
		return nil
	})
}

// expire discards the pending exchange and its key material, leaving a
// Failed record behind.
func (e *Engine) expire(st *session.DeviceState) {
	if st.KeyEx == nil {
		return
	}
	st.KeyEx.Ephemeral.Destroy()
	st.KeyEx.Ephemeral = nil
	crypto.Zero(st.KeyEx.Nonce)
	st.KeyEx.Nonce = nil
	st.KeyEx.Status = session.StatusFailed
}

// SweepExpired evicts pending exchanges older than the handshake timeout.
// Runs off the dispatcher's housekeeping tick.
func (e *Engine) SweepExpired() {
	now := e.now()
	for _, id := range e.reg.Devices() {
		_ = e.reg.WithDevice(id, func(st *session.DeviceState) error {
			if st.KeyEx != nil && st.KeyEx.Status == session.StatusPending && now.Sub(st.KeyEx.CreatedAt) >= e.timeout {
				e.expire(st)
				if e.metrics != nil {
					e.metrics.IncHandshakeExpired()
				}
			}
			return nil
		})
	}
}

// IsBlocked reports whether the device is key-exchange blocked right now.
func (e *Engine) IsBlocked(deviceID string) bool {
	blocked := false
	now := e.now()
	_ = e.reg.WithDevice(deviceID, func(st *session.DeviceState) error {
		blocked = st.KeyExAttempts.Blocked(now)
		return nil
	})
	return blocked
}

// Status reports the device's key-exchange state for status queries.
func (e *Engine) Status(deviceID string) session.Status {
	return e.reg.KeyExchangeStatus(deviceID)
}
