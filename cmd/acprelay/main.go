// cmd/acprelay/main.go
package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"acprelay/internal/auth"
	"acprelay/internal/broadcast"
	"acprelay/internal/config"
	"acprelay/internal/crypto"
	"acprelay/internal/daemon"
	"acprelay/internal/guard"
	"acprelay/internal/intake"
	"acprelay/internal/keyex"
	"acprelay/internal/metrics"
	"acprelay/internal/radio"
	"acprelay/internal/session"
)

const (
	intakeBuffer         = 64
	metricsSnapshotEvery = time.Minute
)

func main() {
	os.Exit(run(os.Stderr))
}

func run(stderr io.Writer) int {
	level := zerolog.InfoLevel
	if config.Debug() {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: stderr}).Level(level).With().Timestamp().Logger()

	cfg := config.Load()

	// Identity is loaded or generated explicitly here so a key failure is a
	// startup error, not something buried in a constructor.
	relayPub, relayPriv, err := crypto.LoadIdentity(cfg.KeyDir)
	if errors.Is(err, os.ErrNotExist) {
		log.Info().Str("dir", cfg.KeyDir).Msg("generating relay identity")
		relayPub, relayPriv, err = crypto.GenerateIdentity()
		if err == nil {
			err = crypto.SaveIdentity(cfg.KeyDir, relayPub, relayPriv)
		}
	}
	if err != nil {
		log.Error().Err(err).Msg("relay identity unavailable")
		return 1
	}
	defer crypto.Zero(relayPriv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	reg := session.NewRegistry()
	g := guard.New(cfg.RateWindow, cfg.BlockDuration, cfg.MaxConnectsPerMinute, cfg.MaxTxPerMinute, cfg.MaxConnections, reg.Live)
	kx := keyex.NewEngine(reg, relayPub, cfg.MaxKeyExchangeTries, cfg.BlockDuration, cfg.KeyExchangeTimeout, m)
	a := auth.NewEngine(reg, kx, relayPub, cfg.MaxAuthTries, cfg.BlockDuration, cfg.AuthTimeout, m)
	d := daemon.New(reg, g, kx, a, m, log)
	in := intake.New(reg, g, a, d, intakeBuffer, m, log)
	d.SetIntake(in)

	var evm, solana broadcast.Chain
	if cfg.EVMRPCURL != "" {
		c, err := broadcast.NewEVM(ctx, cfg.EVMRPCURL)
		if err != nil {
			log.Error().Err(err).Msg("evm rpc unavailable, evm broadcasts disabled")
		} else {
			defer c.Close()
			evm = c
		}
	}
	if cfg.SolanaRPCURL != "" {
		solana = broadcast.NewSolana(cfg.SolanaRPCURL)
	}
	bc := broadcast.New(evm, solana, d, m, log)
	go bc.Run(ctx, in.Events())

	// A dead radio stack degrades the relay instead of killing it: the
	// dispatcher keeps running so the HTTP surface can still feed it.
	p := radio.NewPeripheral(cfg.DeviceName, log)
	if err := p.Init(); err != nil {
		log.Error().Err(err).Msg("radio init failed, BLE functionality will be disabled")
	} else {
		go func() {
			if err := p.Advertise(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("advertising stopped")
			}
		}()
	}

	if cfg.MetricsSnapshotPath != "" {
		go snapshotLoop(ctx, m, cfg.MetricsSnapshotPath, log)
	}

	log.Info().Str("name", cfg.DeviceName).Int("max_connections", cfg.MaxConnections).Msg("relay started")
	d.Run(ctx, p.Events())

	if cfg.MetricsSnapshotPath != "" {
		if err := m.WriteSnapshot(cfg.MetricsSnapshotPath); err != nil {
			log.Warn().Err(err).Msg("final metrics snapshot failed")
		}
	}
	log.Info().Msg("relay stopped")
	return 0
}

func snapshotLoop(ctx context.Context, m *metrics.Metrics, path string, log zerolog.Logger) {
	ticker := time.NewTicker(metricsSnapshotEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.WriteSnapshot(path); err != nil {
				log.Warn().Err(err).Str("path", path).Msg("metrics snapshot failed")
			}
		}
	}
}
