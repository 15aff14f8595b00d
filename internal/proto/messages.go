// internal/proto/messages.go
package proto

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Message types exchanged over the GATT characteristic. Handshake-phase
// messages travel as plain JSON; everything else rides inside the AEAD
// envelope.
const (
	MsgTypeAuthInit            = "auth_init"
	MsgTypeKeyExchangeInit     = "key_exchange_init"
	MsgTypeKeyExchangeResponse = "key_exchange_response"
	MsgTypeKeyRotationInit     = "key_rotation_init"
	MsgTypeKeyRotationResponse = "key_rotation_response"
	MsgTypeAuthChallenge       = "auth_challenge"
	MsgTypeAuthResponse        = "auth_response"
	MsgTypeAuthSuccess         = "auth_success"
	MsgTypeAuthFailed          = "auth_failed"

	MsgTypeTransaction       = "transaction"
	MsgTypeAck               = "ack"
	MsgTypeError             = "error"
	MsgTypeAuthRequired      = "auth_required"
	MsgTypeDeviceBlocked     = "device_blocked"
	MsgTypeDeviceBlacklisted = "device_blacklisted"
	MsgTypeTxStatus          = "tx_status"
)

// Per-type input caps, enforced before JSON decoding. The RSA-4096 relay
// public key dominates the handshake message sizes.
const (
	MaxHandshakeSize   = 8 << 10
	MaxTransactionSize = 64 << 10
)

func MaxSizeForType(t string) int {
	if t == MsgTypeTransaction {
		return MaxTransactionSize
	}
	return MaxHandshakeSize
}

func IsHandshakeType(t string) bool {
	switch t {
	case MsgTypeAuthInit, MsgTypeKeyExchangeInit, MsgTypeKeyExchangeResponse,
		MsgTypeKeyRotationInit, MsgTypeKeyRotationResponse,
		MsgTypeAuthChallenge, MsgTypeAuthResponse,
		MsgTypeAuthSuccess, MsgTypeAuthFailed:
		return true
	}
	return false
}

// PeekType extracts the type field of a plaintext JSON message without
// decoding the rest. Returns "" for non-JSON input (likely a sealed blob).
func PeekType(data []byte) string {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return ""
	}
	return head.Type
}

type AuthInitMsg struct {
	Type            string `json:"type"`
	DevicePublicKey string `json:"devicePublicKey"`
}

type KeyExchangeInitMsg struct {
	Type           string `json:"type"`
	DHPublicKey    string `json:"dhPublicKey"`
	Nonce          string `json:"nonce"`
	RelayPublicKey string `json:"relayPublicKey,omitempty"`
}

type KeyExchangeResponseMsg struct {
	Type        string `json:"type"`
	DHPublicKey string `json:"dhPublicKey"`
	Signature   string `json:"signature"`
}

type AuthChallengeMsg struct {
	Type           string `json:"type"`
	Challenge      string `json:"challenge"`
	RelayPublicKey string `json:"relayPublicKey,omitempty"`
}

type AuthResponseMsg struct {
	Type     string `json:"type"`
	Response string `json:"response"`
}

type AuthResultMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

type TransactionMsg struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	ChainID   string `json:"chainId"`
	SignedTx  string `json:"signedTx"`
}

type AckMsg struct {
	Type string `json:"type"`
	TxID string `json:"txId"`
}

type ErrorMsg struct {
	Type    string `json:"type"`
	TxID    string `json:"txId,omitempty"`
	Message string `json:"message"`
}

type StatusMsg struct {
	Type          string `json:"type"`
	Reason        string `json:"reason,omitempty"`
	RetryAfterSec int    `json:"retryAfterSec,omitempty"`
}

type TxStatusMsg struct {
	Type   string `json:"type"`
	TxID   string `json:"txId"`
	Status string `json:"status"`
	TxHash string `json:"txHash,omitempty"`
}

func Encode(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

func decodeAs[T any](data []byte, want string) (T, error) {
	var m T
	if max := MaxSizeForType(want); len(data) > max {
		return m, fmt.Errorf("payload too large for type %s", want)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, err
	}
	if got := PeekType(data); got != "" && got != want {
		return m, fmt.Errorf("unexpected msg type: %s", got)
	}
	return m, nil
}

func DecodeAuthInit(data []byte) (AuthInitMsg, error) {
	return decodeAs[AuthInitMsg](data, MsgTypeAuthInit)
}

func DecodeKeyExchangeResponse(data []byte, rotation bool) (KeyExchangeResponseMsg, error) {
	want := MsgTypeKeyExchangeResponse
	if rotation {
		want = MsgTypeKeyRotationResponse
	}
	return decodeAs[KeyExchangeResponseMsg](data, want)
}

func DecodeAuthResponse(data []byte) (AuthResponseMsg, error) {
	return decodeAs[AuthResponseMsg](data, MsgTypeAuthResponse)
}

func DecodeTransaction(data []byte) (TransactionMsg, error) {
	return decodeAs[TransactionMsg](data, MsgTypeTransaction)
}

func EncodeBytes(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func DecodeBytes(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("empty field")
	}
	return base64.StdEncoding.DecodeString(s)
}
