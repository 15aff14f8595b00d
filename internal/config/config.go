// internal/config/config.go
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultMaxConnections        = 10
	defaultMaxTxPerMinute        = 10
	defaultMaxConnectsPerMinute  = 5
	defaultScanTimeoutSec        = 30
	defaultConnectTimeoutSec     = 15
	defaultKeyExchangeTimeoutSec = 60
	defaultAuthTimeoutSec        = 30
	defaultMaxKeyExchangeTries   = 3
	defaultMaxAuthTries          = 3
	defaultBlockDurationSec      = 300
	defaultRateWindowSec         = 60
	defaultDeviceName            = "acprelay"
)

// Config is a snapshot of the environment-driven settings the relay
// recognizes. Load once at startup; values do not change at runtime.
type Config struct {
	MaxConnections       int
	MaxTxPerMinute       int
	MaxConnectsPerMinute int
	RateWindow           time.Duration
	ScanTimeout          time.Duration
	ConnectTimeout       time.Duration
	KeyExchangeTimeout   time.Duration
	AuthTimeout          time.Duration
	MaxKeyExchangeTries  int
	MaxAuthTries         int
	BlockDuration        time.Duration

	DeviceName          string
	KeyDir              string
	EVMRPCURL           string
	SolanaRPCURL        string
	MetricsSnapshotPath string
}

func Load() Config {
	return Config{
		MaxConnections:       envIntDefault("ACP_MAX_CONNECTIONS", defaultMaxConnections),
		MaxTxPerMinute:       envIntDefault("ACP_MAX_TX_PER_MINUTE", defaultMaxTxPerMinute),
		MaxConnectsPerMinute: envIntDefault("ACP_MAX_CONNECTS_PER_MINUTE", defaultMaxConnectsPerMinute),
		RateWindow:           envSecDefault("ACP_RATE_WINDOW_SEC", defaultRateWindowSec),
		ScanTimeout:          envSecDefault("ACP_SCAN_TIMEOUT_SEC", defaultScanTimeoutSec),
		ConnectTimeout:       envSecDefault("ACP_CONNECT_TIMEOUT_SEC", defaultConnectTimeoutSec),
		KeyExchangeTimeout:   envSecDefault("ACP_KEY_EXCHANGE_TIMEOUT_SEC", defaultKeyExchangeTimeoutSec),
		AuthTimeout:          envSecDefault("ACP_AUTH_TIMEOUT_SEC", defaultAuthTimeoutSec),
		MaxKeyExchangeTries:  envIntDefault("ACP_MAX_KEY_EXCHANGE_ATTEMPTS", defaultMaxKeyExchangeTries),
		MaxAuthTries:         envIntDefault("ACP_MAX_AUTH_ATTEMPTS", defaultMaxAuthTries),
		BlockDuration:        envSecDefault("ACP_BLOCK_DURATION_SEC", defaultBlockDurationSec),
		DeviceName:           envStrDefault("ACP_DEVICE_NAME", defaultDeviceName),
		KeyDir:               envStrDefault("ACP_KEY_DIR", defaultKeyDir()),
		EVMRPCURL:            strings.TrimSpace(os.Getenv("ACP_EVM_RPC_URL")),
		SolanaRPCURL:         strings.TrimSpace(os.Getenv("ACP_SOLANA_RPC_URL")),
		MetricsSnapshotPath:  strings.TrimSpace(os.Getenv("ACP_METRICS_SNAPSHOT_PATH")),
	}
}

func Debug() bool {
	return os.Getenv("ACP_DEBUG") == "1"
}

func defaultKeyDir() string {
	h, err := os.UserHomeDir()
	if err != nil || h == "" {
		return ".acprelay"
	}
	return filepath.Join(h, ".acprelay")
}

func envInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envIntDefault(key string, def int) int {
	if v, ok := envInt(key); ok && v > 0 {
		return v
	}
	return def
}

func envSecDefault(key string, defSec int) time.Duration {
	if v, ok := envInt(key); ok && v > 0 {
		return time.Duration(v) * time.Second
	}
	return time.Duration(defSec) * time.Second
}

func envStrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
