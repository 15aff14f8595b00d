// internal/daemon/dispatcher.go
package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"acprelay/internal/auth"
	"acprelay/internal/crypto"
	"acprelay/internal/guard"
	"acprelay/internal/intake"
	"acprelay/internal/keyex"
	"acprelay/internal/metrics"
	"acprelay/internal/proto"
	"acprelay/internal/radio"
	"acprelay/internal/session"
)

const (
	queueDepth       = 32
	housekeepingTick = 30 * time.Second
)

// Dispatcher is the single consumer of the transport event stream. It admits
// connections, then serializes each device's inbound traffic through one
// worker goroutine so no two handshake steps for the same device ever run
// concurrently. Different devices proceed in parallel.
type Dispatcher struct {
	reg     *session.Registry
	guard   *guard.Guard
	kx      *keyex.Engine
	auth    *auth.Engine
	intake  *intake.Intake
	metrics *metrics.Metrics
	log     zerolog.Logger

	queues map[string]chan []byte
	wg     sync.WaitGroup
}

func New(reg *session.Registry, g *guard.Guard, kx *keyex.Engine, a *auth.Engine, m *metrics.Metrics, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		reg:     reg,
		guard:   g,
		kx:      kx,
		auth:    a,
		metrics: m,
		log:     log.With().Str("component", "dispatcher").Logger(),
		queues:  make(map[string]chan []byte),
	}
}

// SetIntake wires the transaction intake after construction. The dispatcher
// is the intake's reply sender, so the two reference each other.
func (d *Dispatcher) SetIntake(in *intake.Intake) {
	d.intake = in
}

// Run consumes transport events until ctx is cancelled or the stream closes.
// The queues map is touched only from this goroutine.
func (d *Dispatcher) Run(ctx context.Context, events <-chan radio.Event) {
	ticker := time.NewTicker(housekeepingTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return
		case <-ticker.C:
			d.kx.SweepExpired()
			d.guard.Sweep()
		case ev, ok := <-events:
			if !ok {
				d.shutdown()
				return
			}
			d.handleEvent(ev)
		}
	}
}

func (d *Dispatcher) shutdown() {
	for id, q := range d.queues {
		close(q)
		delete(d.queues, id)
		d.reg.Disconnect(id)
	}
	d.wg.Wait()
}

func (d *Dispatcher) handleEvent(ev radio.Event) {
	switch ev.Kind {
	case radio.EventConnect:
		d.handleConnect(ev.DeviceID, ev.Handle)
	case radio.EventData:
		d.handleInbound(ev.DeviceID, ev.Data)
	case radio.EventDisconnect:
		d.drop(ev.DeviceID)
	}
}

func (d *Dispatcher) handleConnect(id string, h session.Handle) {
	if ok, reason := d.guard.CheckConnection(id); !ok {
		d.countDeny(reason)
		d.log.Info().Str("device", id).Str("reason", reason).Msg("connection denied")
		msg := any(proto.StatusMsg{Type: proto.MsgTypeDeviceBlacklisted, Reason: reason})
		if reason == guard.DenyConnectionCap {
			msg = proto.ErrorMsg{Type: proto.MsgTypeError, Message: reason}
		}
		if data, err := proto.Encode(msg); err == nil {
			_ = h.Send(data)
		}
		_ = h.Close()
		return
	}
	// A reconnecting device replaces its prior session wholesale.
	if q, ok := d.queues[id]; ok {
		close(q)
		delete(d.queues, id)
	}
	d.reg.Attach(id, h)
	q := make(chan []byte, queueDepth)
	d.queues[id] = q
	d.wg.Add(1)
	go d.worker(id, q)
	d.log.Info().Str("device", id).Str("session", d.reg.SessionID(id)).Msg("device connected")
}

func (d *Dispatcher) handleInbound(id string, data []byte) {
	q, ok := d.queues[id]
	if !ok {
		d.log.Debug().Str("device", id).Msg("data from unknown device")
		return
	}
	select {
	case q <- data:
	default:
		// A device flooding faster than its worker drains is disconnected
		// rather than allowed to grow the queue without bound.
		d.log.Warn().Str("device", id).Msg("inbound queue overflow, disconnecting")
		d.drop(id)
	}
}

func (d *Dispatcher) drop(id string) {
	if q, ok := d.queues[id]; ok {
		close(q)
		delete(d.queues, id)
	}
	d.reg.Disconnect(id)
}

func (d *Dispatcher) worker(id string, q chan []byte) {
	defer d.wg.Done()
	for data := range q {
		d.dispatch(id, data)
	}
}

// dispatch routes one inbound frame: plaintext JSON with a handshake type
// runs the handshake engines, anything else must be a sealed blob under the
// device's session key.
func (d *Dispatcher) dispatch(id string, data []byte) {
	if typ := proto.PeekType(data); typ != "" && proto.IsHandshakeType(typ) {
		d.dispatchHandshake(id, typ, data)
		return
	}
	key, err := d.reg.SessionKey(id)
	if err != nil {
		d.rejectCiphertext(id)
		return
	}
	plain, err := crypto.Open(key, data)
	crypto.Zero(key)
	if err != nil {
		d.rejectCiphertext(id)
		return
	}
	switch typ := proto.PeekType(plain); typ {
	case proto.MsgTypeTransaction:
		if d.intake == nil {
			return
		}
		if err := d.intake.Process(id, plain); err != nil {
			d.log.Error().Err(err).Str("device", id).Msg("transaction reply failed")
		}
	default:
		d.log.Debug().Str("device", id).Str("type", typ).Msg("unsupported sealed message")
		_ = d.SendSealed(id, proto.ErrorMsg{Type: proto.MsgTypeError, Message: "unsupported message type"})
	}
}

// rejectCiphertext records a failed decryption. One uniform event for every
// cause, so an attacker cannot distinguish tampering from a stale key from
// garbage input. No reply is sent.
func (d *Dispatcher) rejectCiphertext(id string) {
	if d.metrics != nil {
		d.metrics.IncDecryptFailures()
	}
	d.log.Warn().Str("device", id).Msg("rejected undecryptable payload")
}

func (d *Dispatcher) dispatchHandshake(id, typ string, data []byte) {
	switch typ {
	case proto.MsgTypeAuthInit:
		d.handleAuthInit(id, data)
	case proto.MsgTypeKeyExchangeResponse, proto.MsgTypeKeyRotationResponse:
		d.handleKeyExchangeResponse(id, typ, data)
	case proto.MsgTypeAuthResponse:
		d.handleAuthResponse(id, data)
	default:
		// Relay-initiated types coming back from a device are noise.
		d.log.Debug().Str("device", id).Str("type", typ).Msg("unexpected handshake message")
	}
}

func (d *Dispatcher) handleAuthInit(id string, data []byte) {
	m, err := proto.DecodeAuthInit(data)
	if err != nil {
		d.sendPlain(id, proto.AuthResultMsg{Type: proto.MsgTypeAuthFailed, Reason: "malformed auth_init"})
		return
	}
	pub, err := proto.DecodeBytes(m.DevicePublicKey)
	if err != nil {
		d.sendPlain(id, proto.AuthResultMsg{Type: proto.MsgTypeAuthFailed, Reason: "bad device public key"})
		return
	}
	init, challenge, err := d.auth.Authenticate(id, pub)
	if err != nil {
		d.log.Info().Err(err).Str("device", id).Msg("authentication refused")
		d.sendPlain(id, proto.AuthResultMsg{Type: proto.MsgTypeAuthFailed, Reason: err.Error()})
		return
	}
	if init == nil && challenge == nil {
		d.sendPlain(id, proto.AuthResultMsg{Type: proto.MsgTypeAuthSuccess})
		return
	}
	d.sendPlain(id, init)
	d.sendPlain(id, challenge)
}

func (d *Dispatcher) handleKeyExchangeResponse(id, typ string, data []byte) {
	rotation := typ == proto.MsgTypeKeyRotationResponse
	m, err := proto.DecodeKeyExchangeResponse(data, rotation)
	if err != nil {
		d.sendPlain(id, proto.ErrorMsg{Type: proto.MsgTypeError, Message: "malformed key exchange response"})
		return
	}
	dhPub, err1 := proto.DecodeBytes(m.DHPublicKey)
	sig, err2 := proto.DecodeBytes(m.Signature)
	if err1 != nil || err2 != nil {
		d.sendPlain(id, proto.ErrorMsg{Type: proto.MsgTypeError, Message: "malformed key exchange response"})
		return
	}
	if err := d.kx.HandleResponse(id, dhPub, sig); err != nil {
		d.log.Info().Err(err).Str("device", id).Bool("rotation", rotation).Msg("key exchange failed")
		d.sendPlain(id, proto.ErrorMsg{Type: proto.MsgTypeError, Message: err.Error()})
		return
	}
	d.log.Info().Str("device", id).Bool("rotation", rotation).Msg("session key installed")
}

func (d *Dispatcher) handleAuthResponse(id string, data []byte) {
	m, err := proto.DecodeAuthResponse(data)
	if err != nil {
		d.sendPlain(id, proto.AuthResultMsg{Type: proto.MsgTypeAuthFailed, Reason: "malformed auth_response"})
		return
	}
	sig, err := proto.DecodeBytes(m.Response)
	if err != nil {
		d.sendPlain(id, proto.AuthResultMsg{Type: proto.MsgTypeAuthFailed, Reason: "bad signature encoding"})
		return
	}
	if err := d.auth.VerifyResponse(id, sig); err != nil {
		d.log.Info().Err(err).Str("device", id).Msg("authentication failed")
		d.sendPlain(id, proto.AuthResultMsg{Type: proto.MsgTypeAuthFailed, Reason: err.Error()})
		return
	}
	d.log.Info().Str("device", id).Msg("device authenticated")
	d.sendPlain(id, proto.AuthResultMsg{Type: proto.MsgTypeAuthSuccess})
}

// SendSealed encrypts a message under the device's session key and sends it.
// Used for every post-handshake reply; a missing key is an invariant
// violation reported to the caller, never papered over with a fresh key.
func (d *Dispatcher) SendSealed(deviceID string, msg any) error {
	data, err := proto.Encode(msg)
	if err != nil {
		return err
	}
	key, err := d.reg.SessionKey(deviceID)
	if err != nil {
		return err
	}
	blob, err := crypto.Seal(key, data)
	crypto.Zero(key)
	if err != nil {
		return err
	}
	return d.send(deviceID, blob)
}

// SendTransactionStatus delivers a broadcaster outcome back to the device.
func (d *Dispatcher) SendTransactionStatus(deviceID, txID, status, txHash string) error {
	return d.SendSealed(deviceID, proto.TxStatusMsg{
		Type:   proto.MsgTypeTxStatus,
		TxID:   txID,
		Status: status,
		TxHash: txHash,
	})
}

func (d *Dispatcher) sendPlain(deviceID string, msg any) {
	data, err := proto.Encode(msg)
	if err != nil {
		d.log.Error().Err(err).Str("device", deviceID).Msg("encode failed")
		return
	}
	if err := d.send(deviceID, data); err != nil {
		d.log.Warn().Err(err).Str("device", deviceID).Msg("send failed")
	}
}

func (d *Dispatcher) send(deviceID string, raw []byte) error {
	return d.reg.WithDevice(deviceID, func(st *session.DeviceState) error {
		if st.Handle == nil {
			return session.ErrDisconnected
		}
		return st.Handle.Send(raw)
	})
}

func (d *Dispatcher) countDeny(reason string) {
	if d.metrics == nil {
		return
	}
	switch reason {
	case guard.DenyConnectionCap:
		d.metrics.IncAdmissionDenyCap()
	case guard.DenyBlacklisted:
		d.metrics.IncAdmissionDenyBlacklist()
	case guard.DenyRateLimit:
		d.metrics.IncAdmissionDenyRate()
	}
}
