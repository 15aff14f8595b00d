// internal/radio/transport.go
package radio

import (
	"errors"
	"sync"

	goble "github.com/go-ble/ble"

	"acprelay/internal/session"
)

// GATT identifiers for the relay service: one write characteristic for
// inbound device traffic, one notify characteristic for outbound.
var (
	ServiceUUID    = goble.MustParse("0000a1c9-0000-1000-8000-00805f9b34fb")
	WriteCharUUID  = goble.MustParse("0000a1ca-0000-1000-8000-00805f9b34fb")
	NotifyCharUUID = goble.MustParse("0000a1cb-0000-1000-8000-00805f9b34fb")
)

type EventKind int

const (
	EventConnect EventKind = iota
	EventData
	EventDisconnect
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventData:
		return "data"
	default:
		return "disconnect"
	}
}

// Event is one transport occurrence delivered to the dispatcher. Handle is
// set only on EventConnect, Data only on EventData. Per-device ordering
// follows the BLE link; cross-device ordering is unspecified.
type Event struct {
	Kind     EventKind
	DeviceID string
	Handle   session.Handle
	Data     []byte
}

// NotifyHandle sends outbound frames to one subscribed device over its
// notify characteristic, chunked to the negotiated MTU.
type NotifyHandle struct {
	mu     sync.Mutex
	n      goble.Notifier
	closed bool
}

func newNotifyHandle(n goble.Notifier) *NotifyHandle {
	return &NotifyHandle{n: n}
}

func (h *NotifyHandle) Send(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("handle closed")
	}
	chunk := h.n.Cap()
	if chunk <= 0 {
		chunk = 20
	}
	for off := 0; off < len(data); off += chunk {
		end := off + chunk
		if end > len(data) {
			end = len(data)
		}
		if _, err := h.n.Write(data[off:end]); err != nil {
			return err
		}
	}
	return nil
}

func (h *NotifyHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.n.Close()
}
