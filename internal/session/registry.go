// internal/session/registry.go
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"acprelay/internal/crypto"
)

var (
	ErrUnknownDevice = errors.New("unknown device")
	ErrNoSessionKey  = errors.New("no session key for device")
	ErrDisconnected  = errors.New("device disconnected")
)

// Status of a device's key exchange. Unknown devices report StatusFailed, so
// a disconnect is indistinguishable from a failed handshake to callers.
type Status int

const (
	StatusFailed Status = iota
	StatusPending
	StatusCompleted
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCompleted:
		return "completed"
	default:
		return "failed"
	}
}

// Handle is the live transport link to one device. Implementations are
// provided by the radio adapter.
type Handle interface {
	Send(data []byte) error
	Close() error
}

// KeyExchange is the per-device handshake record. The ephemeral keypair is
// exclusively owned here and destroyed the moment the shared secret is
// derived; after completion only Status and CreatedAt remain meaningful.
type KeyExchange struct {
	Status    Status
	Ephemeral *crypto.Ephemeral
	Nonce     []byte
	CreatedAt time.Time
	Rotation  bool
}

// Challenge is an outstanding auth challenge; at most one per device,
// consumed on the first verification attempt regardless of outcome.
type Challenge struct {
	Bytes    []byte
	IssuedAt time.Time
}

type AuthRecord struct {
	AuthenticatedAt time.Time
	DevicePubKey    []byte
}

// Counter is a retry counter with its block record. Cleared wholesale on
// success; there is no decay.
type Counter struct {
	Count        int
	BlockedUntil time.Time
	Reason       string
}

func (c *Counter) Blocked(now time.Time) bool {
	if c.BlockedUntil.IsZero() {
		return false
	}
	if now.Before(c.BlockedUntil) {
		return true
	}
	c.BlockedUntil = time.Time{}
	c.Reason = ""
	return false
}

func (c *Counter) Reset() {
	c.Count = 0
	c.BlockedUntil = time.Time{}
	c.Reason = ""
}

type PendingTx struct {
	ID      string
	Payload []byte
	AddedAt time.Time
}

// DeviceState holds everything the relay knows about one device, behind one
// mutex. The mutex serializes the device's whole flow: no two handshake
// steps, or a handshake step and a transaction, ever run concurrently for
// the same device. Separate devices proceed independently.
type DeviceState struct {
	mu sync.Mutex

	ID           string
	SessionID    string
	Handle       Handle
	SessionKey   []byte
	KeyEx        *KeyExchange
	Challenge    *Challenge
	Auth         *AuthRecord
	DevicePubKey []byte

	KeyExAttempts Counter
	AuthAttempts  Counter

	Pending []PendingTx

	closed bool
}

// Registry owns all per-device state. One map behind one lock, one state
// struct per device: disconnect tears everything down in one place and
// nothing can drift out of sync.
type Registry struct {
	mu      sync.Mutex
	devices map[string]*DeviceState
}

func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]*DeviceState)}
}

// Attach binds a device to a live transport handle. A reconnecting device
// invalidates and replaces its prior session in full.
func (r *Registry) Attach(deviceID string, h Handle) {
	r.mu.Lock()
	prior := r.devices[deviceID]
	st := &DeviceState{ID: deviceID, SessionID: uuid.NewString(), Handle: h}
	r.devices[deviceID] = st
	r.mu.Unlock()
	if prior != nil {
		teardown(prior)
	}
}

// SessionID returns the correlation id of the device's current session.
func (r *Registry) SessionID(deviceID string) string {
	id := ""
	_ = r.WithDevice(deviceID, func(st *DeviceState) error {
		id = st.SessionID
		return nil
	})
	return id
}

// WithDevice runs fn with the device's state locked. All engine mutations go
// through here; fn must not call back into the registry for the same device.
func (r *Registry) WithDevice(deviceID string, fn func(*DeviceState) error) error {
	r.mu.Lock()
	st := r.devices[deviceID]
	r.mu.Unlock()
	if st == nil {
		return ErrUnknownDevice
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return ErrDisconnected
	}
	return fn(st)
}

// Disconnect removes the device and releases all five categories of its
// state: transport handle, session key (zeroized), key-exchange state,
// attempt counters, auth record — plus the pending transaction list.
// Idempotent; safe against concurrent lookups because removal happens under
// the registry lock and teardown under the device lock.
func (r *Registry) Disconnect(deviceID string) {
	r.mu.Lock()
	st := r.devices[deviceID]
	delete(r.devices, deviceID)
	r.mu.Unlock()
	if st != nil {
		teardown(st)
	}
}

func teardown(st *DeviceState) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	st.closed = true
	if st.Handle != nil {
		_ = st.Handle.Close()
		st.Handle = nil
	}
	crypto.Zero(st.SessionKey)
	st.SessionKey = nil
	if st.KeyEx != nil {
		st.KeyEx.Ephemeral.Destroy()
		crypto.Zero(st.KeyEx.Nonce)
		st.KeyEx = nil
	}
	st.Challenge = nil
	st.Auth = nil
	st.DevicePubKey = nil
	st.KeyExAttempts = Counter{}
	st.AuthAttempts = Counter{}
	st.Pending = nil
}

// Live reports the number of devices with an attached transport handle.
func (r *Registry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, st := range r.devices {
		st.mu.Lock()
		if st.Handle != nil && !st.closed {
			n++
		}
		st.mu.Unlock()
	}
	return n
}

// SessionKey returns a copy of the device's session key. There is no
// fallback: a device without a completed handshake gets an error, never a
// manufactured key.
func (r *Registry) SessionKey(deviceID string) ([]byte, error) {
	var key []byte
	err := r.WithDevice(deviceID, func(st *DeviceState) error {
		if len(st.SessionKey) == 0 {
			return ErrNoSessionKey
		}
		key = append([]byte(nil), st.SessionKey...)
		return nil
	})
	if errors.Is(err, ErrUnknownDevice) || errors.Is(err, ErrDisconnected) {
		return nil, ErrNoSessionKey
	}
	if err != nil {
		return nil, err
	}
	return key, nil
}

// KeyExchangeStatus reports the device's handshake status; unknown or
// disconnected devices report StatusFailed.
func (r *Registry) KeyExchangeStatus(deviceID string) Status {
	status := StatusFailed
	_ = r.WithDevice(deviceID, func(st *DeviceState) error {
		if st.KeyEx != nil {
			status = st.KeyEx.Status
		}
		return nil
	})
	return status
}

// IsAuthenticated reports whether the device holds a live auth record.
func (r *Registry) IsAuthenticated(deviceID string) bool {
	ok := false
	_ = r.WithDevice(deviceID, func(st *DeviceState) error {
		ok = st.Auth != nil
		return nil
	})
	return ok
}

// Devices snapshots the ids of all known devices.
func (r *Registry) Devices() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.devices))
	for id := range r.devices {
		out = append(out, id)
	}
	return out
}
