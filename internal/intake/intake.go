// internal/intake/intake.go
package intake

import (
	"time"

	"github.com/rs/zerolog"

	"acprelay/internal/auth"
	"acprelay/internal/guard"
	"acprelay/internal/metrics"
	"acprelay/internal/proto"
	"acprelay/internal/session"
	"acprelay/internal/validator"
)

// Sender seals a reply under the device's session key and transmits it.
// Implemented by the dispatcher; every intake reply goes through it.
type Sender interface {
	SendSealed(deviceID string, msg any) error
}

// Event is one accepted transaction handed to the broadcaster.
type Event struct {
	DeviceID string
	Tx       proto.TransactionMsg
}

// Intake gates decrypted transaction messages and hands accepted ones to the
// broadcaster over a bounded channel. Delivery is fire-and-forget: if the
// broadcaster cannot keep up the event is dropped and counted, never blocked
// on.
type Intake struct {
	reg     *session.Registry
	guard   *guard.Guard
	auth    *auth.Engine
	sender  Sender
	events  chan Event
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time
}

func New(reg *session.Registry, g *guard.Guard, a *auth.Engine, sender Sender, buffer int, m *metrics.Metrics, log zerolog.Logger) *Intake {
	return &Intake{
		reg:     reg,
		guard:   g,
		auth:    a,
		sender:  sender,
		events:  make(chan Event, buffer),
		metrics: m,
		log:     log.With().Str("component", "intake").Logger(),
		now:     time.Now,
	}
}

// Events is the stream of accepted transactions for the broadcaster.
func (i *Intake) Events() <-chan Event {
	return i.events
}

// Process runs a decrypted inbound transaction through the admission,
// authentication and validation gates in order. Denials are answered with an
// explicit message to the device; the returned error covers only transport
// failures while replying.
func (i *Intake) Process(deviceID string, plaintext []byte) error {
	if i.metrics != nil {
		i.metrics.IncTxReceived()
	}
	if ok, reason := i.guard.CheckTransaction(deviceID); !ok {
		i.reject(deviceID, "", reason)
		retry := 0
		if until, active := i.guard.BlacklistedUntil(deviceID); active {
			retry = int(until.Sub(i.now()).Seconds())
		}
		return i.sender.SendSealed(deviceID, proto.StatusMsg{
			Type:          proto.MsgTypeDeviceBlacklisted,
			Reason:        reason,
			RetryAfterSec: retry,
		})
	}
	if !i.auth.IsAuthenticated(deviceID) {
		i.reject(deviceID, "", "unauthenticated")
		return i.sender.SendSealed(deviceID, proto.StatusMsg{Type: proto.MsgTypeAuthRequired})
	}
	if i.auth.IsBlocked(deviceID) {
		i.reject(deviceID, "", "blocked")
		return i.sender.SendSealed(deviceID, proto.StatusMsg{Type: proto.MsgTypeDeviceBlocked})
	}

	tx, err := proto.DecodeTransaction(plaintext)
	if err != nil {
		i.reject(deviceID, "", "malformed")
		return i.sender.SendSealed(deviceID, proto.ErrorMsg{
			Type:    proto.MsgTypeError,
			Message: "malformed transaction",
		})
	}
	if err := validator.Validate(tx); err != nil {
		i.reject(deviceID, tx.ID, "invalid")
		return i.sender.SendSealed(deviceID, proto.ErrorMsg{
			Type:    proto.MsgTypeError,
			TxID:    tx.ID,
			Message: err.Error(),
		})
	}

	if err := i.reg.WithDevice(deviceID, func(st *session.DeviceState) error {
		st.Pending = append(st.Pending, session.PendingTx{
			ID:      tx.ID,
			Payload: append([]byte(nil), plaintext...),
			AddedAt: i.now(),
		})
		return nil
	}); err != nil {
		return err
	}

	select {
	case i.events <- Event{DeviceID: deviceID, Tx: tx}:
	default:
		if i.metrics != nil {
			i.metrics.IncEventsDropped()
		}
		i.log.Warn().Str("device", deviceID).Str("tx", tx.ID).Msg("broadcaster backlog full, event dropped")
	}

	if i.metrics != nil {
		i.metrics.IncTxAcked()
	}
	i.log.Info().Str("device", deviceID).Str("tx", tx.ID).Str("chain", tx.ChainID).Msg("transaction accepted")
	return i.sender.SendSealed(deviceID, proto.AckMsg{Type: proto.MsgTypeAck, TxID: tx.ID})
}

func (i *Intake) reject(deviceID, txID, reason string) {
	if i.metrics != nil {
		i.metrics.IncTxRejected()
	}
	ev := i.log.Debug().Str("device", deviceID).Str("reason", reason)
	if txID != "" {
		ev = ev.Str("tx", txID)
	}
	ev.Msg("transaction rejected")
}
