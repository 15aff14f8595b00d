package daemon

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"acprelay/internal/auth"
	"acprelay/internal/crypto"
	"acprelay/internal/guard"
	"acprelay/internal/intake"
	"acprelay/internal/keyex"
	"acprelay/internal/proto"
	"acprelay/internal/radio"
	"acprelay/internal/session"
)

type chanHandle struct {
	out    chan []byte
	once   sync.Once
	closed chan struct{}
}

func newChanHandle() *chanHandle {
	return &chanHandle{out: make(chan []byte, 16), closed: make(chan struct{})}
}

func (h *chanHandle) Send(data []byte) error {
	select {
	case <-h.closed:
		return errors.New("closed")
	default:
	}
	h.out <- append([]byte(nil), data...)
	return nil
}

func (h *chanHandle) Close() error {
	h.once.Do(func() { close(h.closed) })
	return nil
}

func (h *chanHandle) recv(t *testing.T) []byte {
	t.Helper()
	select {
	case data := <-h.out:
		return data
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for outbound frame")
		return nil
	}
}

func (h *chanHandle) expectSilence(t *testing.T) {
	t.Helper()
	select {
	case data := <-h.out:
		t.Fatalf("unexpected outbound frame: %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

type fixture struct {
	reg    *session.Registry
	in     *intake.Intake
	events chan radio.Event
}

func newFixture(t *testing.T, maxSessions int) *fixture {
	t.Helper()
	reg := session.NewRegistry()
	g := guard.New(60*time.Second, 5*time.Minute, 5, 10, maxSessions, reg.Live)
	kx := keyex.NewEngine(reg, []byte("relay-pub"), 3, 5*time.Minute, 60*time.Second, nil)
	a := auth.NewEngine(reg, kx, []byte("relay-pub"), 3, 5*time.Minute, 30*time.Second, nil)
	d := New(reg, g, kx, a, nil, zerolog.Nop())
	in := intake.New(reg, g, a, d, 8, nil, zerolog.Nop())
	d.SetIntake(in)

	events := make(chan radio.Event)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx, events)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &fixture{reg: reg, in: in, events: events}
}

type wallet struct {
	priv       *ecdsa.PrivateKey
	pub        []byte
	sessionKey []byte
}

func newWallet(t *testing.T) *wallet {
	t.Helper()
	priv, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("wallet keygen: %v", err)
	}
	return &wallet{priv: priv, pub: ethcrypto.FromECDSAPub(&priv.PublicKey)}
}

func (w *wallet) authInit(t *testing.T) []byte {
	t.Helper()
	data, err := proto.Encode(proto.AuthInitMsg{
		Type:            proto.MsgTypeAuthInit,
		DevicePublicKey: proto.EncodeBytes(w.pub),
	})
	if err != nil {
		t.Fatalf("encode auth_init: %v", err)
	}
	return data
}

// keyExchangeResponse answers a key_exchange_init frame and records the
// session key the wallet derives for itself.
func (w *wallet) keyExchangeResponse(t *testing.T, deviceID string, frame []byte) []byte {
	t.Helper()
	var init proto.KeyExchangeInitMsg
	if err := decodeJSON(frame, &init); err != nil {
		t.Fatalf("decode key_exchange_init: %v", err)
	}
	relayDH, err := proto.DecodeBytes(init.DHPublicKey)
	if err != nil {
		t.Fatalf("decode relay dh: %v", err)
	}
	nonce, err := proto.DecodeBytes(init.Nonce)
	if err != nil {
		t.Fatalf("decode nonce: %v", err)
	}
	eph, err := crypto.GenerateEphemeral()
	if err != nil {
		t.Fatalf("wallet ephemeral: %v", err)
	}
	dhPub, err := eph.Public()
	if err != nil {
		t.Fatalf("wallet dh pub: %v", err)
	}
	sig, err := ethcrypto.Sign(crypto.SHA3_256(proto.KeyExchangeSigInput(relayDH, nonce)), w.priv)
	if err != nil {
		t.Fatalf("wallet sign: %v", err)
	}
	shared, err := eph.Shared(relayDH)
	if err != nil {
		t.Fatalf("wallet shared: %v", err)
	}
	w.sessionKey, err = crypto.DeriveSessionKey(shared, deviceID, nonce)
	if err != nil {
		t.Fatalf("wallet derive: %v", err)
	}
	respType := proto.MsgTypeKeyExchangeResponse
	if init.Type == proto.MsgTypeKeyRotationInit {
		respType = proto.MsgTypeKeyRotationResponse
	}
	data, err := proto.Encode(proto.KeyExchangeResponseMsg{
		Type:        respType,
		DHPublicKey: proto.EncodeBytes(dhPub),
		Signature:   proto.EncodeBytes(sig),
	})
	if err != nil {
		t.Fatalf("encode response: %v", err)
	}
	return data
}

func (w *wallet) authResponse(t *testing.T, frame []byte) []byte {
	t.Helper()
	var m proto.AuthChallengeMsg
	if err := decodeJSON(frame, &m); err != nil {
		t.Fatalf("decode auth_challenge: %v", err)
	}
	c, err := proto.DecodeBytes(m.Challenge)
	if err != nil {
		t.Fatalf("decode challenge: %v", err)
	}
	sig, err := ethcrypto.Sign(crypto.SHA3_256(c), w.priv)
	if err != nil {
		t.Fatalf("sign challenge: %v", err)
	}
	data, err := proto.Encode(proto.AuthResponseMsg{
		Type:     proto.MsgTypeAuthResponse,
		Response: proto.EncodeBytes(sig),
	})
	if err != nil {
		t.Fatalf("encode auth_response: %v", err)
	}
	return data
}

func decodeJSON(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (f *fixture) connect(t *testing.T, id string) *chanHandle {
	t.Helper()
	h := newChanHandle()
	f.events <- radio.Event{Kind: radio.EventConnect, DeviceID: id, Handle: h}
	return h
}

func (f *fixture) data(id string, payload []byte) {
	f.events <- radio.Event{Kind: radio.EventData, DeviceID: id, Data: payload}
}

// Full wire-level session: auth_init through an encrypted acked transaction.
func TestEndToEndSession(t *testing.T) {
	f := newFixture(t, 0)
	w := newWallet(t)
	h := f.connect(t, "d1")

	f.data("d1", w.authInit(t))
	kxInit := h.recv(t)
	if typ := proto.PeekType(kxInit); typ != proto.MsgTypeKeyExchangeInit {
		t.Fatalf("first frame type = %s, want key_exchange_init", typ)
	}
	challenge := h.recv(t)
	if typ := proto.PeekType(challenge); typ != proto.MsgTypeAuthChallenge {
		t.Fatalf("second frame type = %s, want auth_challenge", typ)
	}

	f.data("d1", w.keyExchangeResponse(t, "d1", kxInit))
	f.data("d1", w.authResponse(t, challenge))
	result := h.recv(t)
	if typ := proto.PeekType(result); typ != proto.MsgTypeAuthSuccess {
		t.Fatalf("auth result type = %s, want auth_success: %s", proto.PeekType(result), result)
	}

	tx := proto.TransactionMsg{
		Type:      proto.MsgTypeTransaction,
		ID:        "tx1",
		Recipient: "0x52908400098527886E0F7030069857D2E4169EE7",
		Amount:    "1",
		ChainID:   "1",
		SignedTx:  base64.StdEncoding.EncodeToString([]byte("raw")),
	}
	plain, err := proto.Encode(tx)
	if err != nil {
		t.Fatalf("encode tx: %v", err)
	}
	sealed, err := crypto.Seal(w.sessionKey, plain)
	if err != nil {
		t.Fatalf("seal tx: %v", err)
	}
	f.data("d1", sealed)

	reply := h.recv(t)
	plainReply, err := crypto.Open(w.sessionKey, reply)
	if err != nil {
		t.Fatalf("decrypt reply: %v", err)
	}
	var ack proto.AckMsg
	if err := decodeJSON(plainReply, &ack); err != nil || ack.Type != proto.MsgTypeAck || ack.TxID != "tx1" {
		t.Fatalf("reply = %s, want ack for tx1", plainReply)
	}

	select {
	case ev := <-f.in.Events():
		if ev.DeviceID != "d1" || ev.Tx.ID != "tx1" {
			t.Fatalf("broadcaster event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no broadcaster event")
	}
}

func TestConnectionCapDenied(t *testing.T) {
	f := newFixture(t, 1)
	h1 := f.connect(t, "d1")
	_ = h1

	h2 := f.connect(t, "d2")
	frame := h2.recv(t)
	if typ := proto.PeekType(frame); typ != proto.MsgTypeError {
		t.Fatalf("deny frame type = %s", typ)
	}
	select {
	case <-h2.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("denied handle not closed")
	}
}

func TestUndecryptablePayloadGetsNoReply(t *testing.T) {
	f := newFixture(t, 0)
	h := f.connect(t, "d1")

	f.data("d1", []byte{0x01, 0x02, 0x03})
	h.expectSilence(t)
}

func TestDisconnectTearsDownSession(t *testing.T) {
	f := newFixture(t, 0)
	h := f.connect(t, "d1")

	f.events <- radio.Event{Kind: radio.EventDisconnect, DeviceID: "d1"}
	select {
	case <-h.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("handle not closed on disconnect")
	}
	// Registry updates happen before the handle closes.
	if f.reg.Live() != 0 {
		t.Fatalf("live sessions = %d after disconnect", f.reg.Live())
	}
}

func TestTransactionBeforeAuthGetsAuthRequired(t *testing.T) {
	f := newFixture(t, 0)
	w := newWallet(t)
	h := f.connect(t, "d1")

	// Complete only the key exchange, skip authentication.
	f.data("d1", w.authInit(t))
	kxInit := h.recv(t)
	_ = h.recv(t) // challenge, ignored
	f.data("d1", w.keyExchangeResponse(t, "d1", kxInit))

	tx, err := proto.Encode(proto.TransactionMsg{
		Type: proto.MsgTypeTransaction, ID: "tx1", Recipient: "r", Amount: "1", ChainID: "1",
		SignedTx: base64.StdEncoding.EncodeToString([]byte("raw")),
	})
	if err != nil {
		t.Fatalf("encode tx: %v", err)
	}
	// Wallet has a key but never answered the challenge.
	sealed, err := crypto.Seal(w.sessionKey, tx)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	f.data("d1", sealed)

	reply := h.recv(t)
	plain, err := crypto.Open(w.sessionKey, reply)
	if err != nil {
		t.Fatalf("decrypt reply: %v", err)
	}
	if typ := proto.PeekType(plain); typ != proto.MsgTypeAuthRequired {
		t.Fatalf("reply type = %s, want auth_required", typ)
	}
}
