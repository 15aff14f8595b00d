package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestSnapshotCounts(t *testing.T) {
	m := New()
	m.IncHandshakeStarted()
	m.IncHandshakeStarted()
	m.IncHandshakeCompleted()
	m.IncAuthFailed()
	m.IncDecryptFailures()
	m.IncBroadcastSuccess()

	s := m.Snapshot()
	if s.Handshake.Started != 2 || s.Handshake.Completed != 1 {
		t.Fatalf("handshake = %+v", s.Handshake)
	}
	if s.Auth.Failed != 1 || s.Auth.Success != 0 {
		t.Fatalf("auth = %+v", s.Auth)
	}
	if s.Traffic.DecryptFailures != 1 {
		t.Fatalf("traffic = %+v", s.Traffic)
	}
	if s.Broadcast.Success != 1 {
		t.Fatalf("broadcast = %+v", s.Broadcast)
	}
}

func TestWriteSnapshot(t *testing.T) {
	m := New()
	m.IncTxReceived()
	path := filepath.Join(t.TempDir(), "metrics.json")
	if err := m.WriteSnapshot(path); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if s.Traffic.TxReceived != 1 {
		t.Fatalf("tx_received = %d, want 1", s.Traffic.TxReceived)
	}
	if s.GeneratedAt.IsZero() {
		t.Fatalf("generated_at missing")
	}
}

func TestWriteSnapshotEmptyPath(t *testing.T) {
	if err := New().WriteSnapshot(""); err != nil {
		t.Fatalf("empty path should be a no-op, got %v", err)
	}
}
