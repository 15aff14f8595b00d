package session

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"acprelay/internal/crypto"
)

type fakeHandle struct {
	mu     sync.Mutex
	closed bool
	sent   [][]byte
}

func (h *fakeHandle) Send(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("closed")
	}
	h.sent = append(h.sent, append([]byte(nil), data...))
	return nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func TestAttachAndLive(t *testing.T) {
	r := NewRegistry()
	if r.Live() != 0 {
		t.Fatalf("expected no live sessions")
	}
	r.Attach("d1", &fakeHandle{})
	r.Attach("d2", &fakeHandle{})
	if got := r.Live(); got != 2 {
		t.Fatalf("live = %d, want 2", got)
	}
}

func TestReconnectReplacesPriorSession(t *testing.T) {
	r := NewRegistry()
	old := &fakeHandle{}
	r.Attach("d1", old)
	_ = r.WithDevice("d1", func(st *DeviceState) error {
		st.SessionKey = bytes.Repeat([]byte{0x01}, crypto.SessionKeySize)
		return nil
	})
	firstSession := r.SessionID("d1")
	r.Attach("d1", &fakeHandle{})
	if !old.closed {
		t.Fatalf("prior handle not closed on reconnect")
	}
	if r.SessionID("d1") == "" || r.SessionID("d1") == firstSession {
		t.Fatalf("reconnect did not mint a fresh session id")
	}
	if _, err := r.SessionKey("d1"); !errors.Is(err, ErrNoSessionKey) {
		t.Fatalf("prior session key survived reconnect: %v", err)
	}
	if got := r.Live(); got != 1 {
		t.Fatalf("live = %d, want 1", got)
	}
}

func TestSessionKeyNoFallback(t *testing.T) {
	r := NewRegistry()
	if _, err := r.SessionKey("ghost"); !errors.Is(err, ErrNoSessionKey) {
		t.Fatalf("expected ErrNoSessionKey for unknown device, got %v", err)
	}
	r.Attach("d1", &fakeHandle{})
	if _, err := r.SessionKey("d1"); !errors.Is(err, ErrNoSessionKey) {
		t.Fatalf("expected ErrNoSessionKey before handshake, got %v", err)
	}
}

func TestSessionKeyReturnsCopy(t *testing.T) {
	r := NewRegistry()
	r.Attach("d1", &fakeHandle{})
	_ = r.WithDevice("d1", func(st *DeviceState) error {
		st.SessionKey = bytes.Repeat([]byte{0x07}, crypto.SessionKeySize)
		return nil
	})
	key, err := r.SessionKey("d1")
	if err != nil {
		t.Fatalf("session key: %v", err)
	}
	key[0] = 0xff
	again, err := r.SessionKey("d1")
	if err != nil {
		t.Fatalf("session key: %v", err)
	}
	if again[0] != 0x07 {
		t.Fatalf("registry key mutated through returned copy")
	}
}

func TestDisconnectCompleteness(t *testing.T) {
	r := NewRegistry()
	h := &fakeHandle{}
	r.Attach("d1", h)
	eph, err := crypto.GenerateEphemeral()
	if err != nil {
		t.Fatalf("ephemeral: %v", err)
	}
	key := bytes.Repeat([]byte{0x09}, crypto.SessionKeySize)
	_ = r.WithDevice("d1", func(st *DeviceState) error {
		st.SessionKey = key
		st.KeyEx = &KeyExchange{Status: StatusCompleted, Ephemeral: eph, Nonce: []byte{1, 2, 3}, CreatedAt: time.Now()}
		st.Challenge = &Challenge{Bytes: []byte{4, 5, 6}, IssuedAt: time.Now()}
		st.Auth = &AuthRecord{AuthenticatedAt: time.Now()}
		st.KeyExAttempts = Counter{Count: 2}
		st.AuthAttempts = Counter{Count: 1}
		st.Pending = []PendingTx{{ID: "tx1"}}
		return nil
	})

	r.Disconnect("d1")
	r.Disconnect("d1") // idempotent

	if !h.closed {
		t.Fatalf("handle not released")
	}
	if !bytes.Equal(key, make([]byte, crypto.SessionKeySize)) {
		t.Fatalf("session key not zeroized")
	}
	if r.IsAuthenticated("d1") {
		t.Fatalf("device still authenticated after disconnect")
	}
	if got := r.KeyExchangeStatus("d1"); got != StatusFailed {
		t.Fatalf("key exchange status after disconnect = %v, want failed", got)
	}
	if _, err := r.SessionKey("d1"); !errors.Is(err, ErrNoSessionKey) {
		t.Fatalf("session key recoverable after disconnect: %v", err)
	}
	if r.Live() != 0 {
		t.Fatalf("live count nonzero after disconnect")
	}
}

func TestWithDeviceUnknown(t *testing.T) {
	r := NewRegistry()
	err := r.WithDevice("ghost", func(*DeviceState) error { return nil })
	if !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
}

func TestCounterBlockExpiry(t *testing.T) {
	now := time.Unix(1700000000, 0)
	c := Counter{Count: 3, BlockedUntil: now.Add(5 * time.Minute), Reason: "too_many_attempts"}
	if !c.Blocked(now) {
		t.Fatalf("expected blocked")
	}
	if c.Blocked(now.Add(5*time.Minute + time.Second)) {
		t.Fatalf("expected block expired")
	}
	if c.Reason != "" || !c.BlockedUntil.IsZero() {
		t.Fatalf("expired block record not cleared")
	}
}
