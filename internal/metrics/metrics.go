// internal/metrics/metrics.go
package metrics

import (
	"encoding/json"
	"os"
	"sync/atomic"
	"time"
)

type Snapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Admission   AdmissionMetrics `json:"admission"`
	Handshake   HandshakeMetrics `json:"handshake"`
	Auth        AuthMetrics      `json:"auth"`
	Traffic     TrafficMetrics   `json:"traffic"`
	Broadcast   BroadcastMetrics `json:"broadcast"`
}

type AdmissionMetrics struct {
	DenyConnectionCap uint64 `json:"deny_connection_cap"`
	DenyBlacklisted   uint64 `json:"deny_blacklisted"`
	DenyRateLimit     uint64 `json:"deny_rate_limit"`
}

type HandshakeMetrics struct {
	Started   uint64 `json:"started"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Rotations uint64 `json:"rotations"`
	Expired   uint64 `json:"expired"`
}

type AuthMetrics struct {
	Success uint64 `json:"success"`
	Failed  uint64 `json:"failed"`
	Blocked uint64 `json:"blocked"`
}

type TrafficMetrics struct {
	DecryptFailures uint64 `json:"decrypt_failures"`
	TxReceived      uint64 `json:"tx_received"`
	TxAcked         uint64 `json:"tx_acked"`
	TxRejected      uint64 `json:"tx_rejected"`
	EventsDropped   uint64 `json:"events_dropped"`
}

type BroadcastMetrics struct {
	Success uint64 `json:"success"`
	Failed  uint64 `json:"failed"`
}

type Metrics struct {
	admissionDenyCap       atomic.Uint64
	admissionDenyBlacklist atomic.Uint64
	admissionDenyRate      atomic.Uint64
	handshakeStarted       atomic.Uint64
	handshakeCompleted     atomic.Uint64
	handshakeFailed        atomic.Uint64
	handshakeRotations     atomic.Uint64
	handshakeExpired       atomic.Uint64
	authSuccess            atomic.Uint64
	authFailed             atomic.Uint64
	authBlocked            atomic.Uint64
	decryptFailures        atomic.Uint64
	txReceived             atomic.Uint64
	txAcked                atomic.Uint64
	txRejected             atomic.Uint64
	eventsDropped          atomic.Uint64
	broadcastSuccess       atomic.Uint64
	broadcastFailed        atomic.Uint64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncAdmissionDenyCap()       { m.admissionDenyCap.Add(1) }
func (m *Metrics) IncAdmissionDenyBlacklist() { m.admissionDenyBlacklist.Add(1) }
func (m *Metrics) IncAdmissionDenyRate()      { m.admissionDenyRate.Add(1) }
func (m *Metrics) IncHandshakeStarted()       { m.handshakeStarted.Add(1) }
func (m *Metrics) IncHandshakeCompleted()     { m.handshakeCompleted.Add(1) }
func (m *Metrics) IncHandshakeFailed()        { m.handshakeFailed.Add(1) }
func (m *Metrics) IncHandshakeRotations()     { m.handshakeRotations.Add(1) }
func (m *Metrics) IncHandshakeExpired()       { m.handshakeExpired.Add(1) }
func (m *Metrics) IncAuthSuccess()            { m.authSuccess.Add(1) }
func (m *Metrics) IncAuthFailed()             { m.authFailed.Add(1) }
func (m *Metrics) IncAuthBlocked()            { m.authBlocked.Add(1) }
func (m *Metrics) IncDecryptFailures()        { m.decryptFailures.Add(1) }
func (m *Metrics) IncTxReceived()             { m.txReceived.Add(1) }
func (m *Metrics) IncTxAcked()                { m.txAcked.Add(1) }
func (m *Metrics) IncTxRejected()             { m.txRejected.Add(1) }
func (m *Metrics) IncEventsDropped()          { m.eventsDropped.Add(1) }
func (m *Metrics) IncBroadcastSuccess()       { m.broadcastSuccess.Add(1) }
func (m *Metrics) IncBroadcastFailed()        { m.broadcastFailed.Add(1) }

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Admission: AdmissionMetrics{
			DenyConnectionCap: m.admissionDenyCap.Load(),
			DenyBlacklisted:   m.admissionDenyBlacklist.Load(),
			DenyRateLimit:     m.admissionDenyRate.Load(),
		},
		Handshake: HandshakeMetrics{
			Started:   m.handshakeStarted.Load(),
			Completed: m.handshakeCompleted.Load(),
			Failed:    m.handshakeFailed.Load(),
			Rotations: m.handshakeRotations.Load(),
			Expired:   m.handshakeExpired.Load(),
		},
		Auth: AuthMetrics{
			Success: m.authSuccess.Load(),
			Failed:  m.authFailed.Load(),
			Blocked: m.authBlocked.Load(),
		},
		Traffic: TrafficMetrics{
			DecryptFailures: m.decryptFailures.Load(),
			TxReceived:      m.txReceived.Load(),
			TxAcked:         m.txAcked.Load(),
			TxRejected:      m.txRejected.Load(),
			EventsDropped:   m.eventsDropped.Load(),
		},
		Broadcast: BroadcastMetrics{
			Success: m.broadcastSuccess.Load(),
			Failed:  m.broadcastFailed.Load(),
		},
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
