// internal/broadcast/broadcaster.go
package broadcast

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"acprelay/internal/intake"
	"acprelay/internal/metrics"
	"acprelay/internal/validator"
)

// Tx status values reported back to the device.
const (
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
)

const (
	broadcastAttempts = 2
	retryDelay        = 2 * time.Second
	broadcastTimeout  = 30 * time.Second
)

var errNoChain = errors.New("no broadcaster configured for chain")

// Chain submits one signed transaction blob and returns its hash.
type Chain interface {
	Broadcast(ctx context.Context, signedTx []byte) (string, error)
}

// StatusSender reports the broadcast outcome back to the originating device.
// Implemented by the dispatcher over the sealed channel.
type StatusSender interface {
	SendTransactionStatus(deviceID, txID, status, txHash string) error
}

// Broadcaster consumes accepted transactions from the intake and forwards
// them to the chain matching their chain id, with bounded retry.
type Broadcaster struct {
	evm     Chain
	solana  Chain
	sender  StatusSender
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func New(evm, solana Chain, sender StatusSender, m *metrics.Metrics, log zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		evm:     evm,
		solana:  solana,
		sender:  sender,
		metrics: m,
		log:     log.With().Str("component", "broadcast").Logger(),
	}
}

// Run drains the event stream until ctx is cancelled or the stream closes.
func (b *Broadcaster) Run(ctx context.Context, events <-chan intake.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			b.handle(ctx, ev)
		}
	}
}

func (b *Broadcaster) handle(ctx context.Context, ev intake.Event) {
	hash, err := b.broadcast(ctx, ev)
	if err != nil {
		if b.metrics != nil {
			b.metrics.IncBroadcastFailed()
		}
		b.log.Error().Err(err).Str("device", ev.DeviceID).Str("tx", ev.Tx.ID).Str("chain", ev.Tx.ChainID).Msg("broadcast failed")
		b.report(ev.DeviceID, ev.Tx.ID, StatusFailed, "")
		return
	}
	if b.metrics != nil {
		b.metrics.IncBroadcastSuccess()
	}
	b.log.Info().Str("device", ev.DeviceID).Str("tx", ev.Tx.ID).Str("hash", hash).Msg("broadcast confirmed")
	b.report(ev.DeviceID, ev.Tx.ID, StatusConfirmed, hash)
}

func (b *Broadcaster) broadcast(ctx context.Context, ev intake.Event) (string, error) {
	chain := b.evm
	if validator.IsSolana(ev.Tx.ChainID) {
		chain = b.solana
	}
	if chain == nil {
		return "", errNoChain
	}
	raw, err := base64.StdEncoding.DecodeString(ev.Tx.SignedTx)
	if err != nil {
		return "", err
	}
	var lastErr error
	for attempt := 1; attempt <= broadcastAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, broadcastTimeout)
		hash, err := chain.Broadcast(callCtx, raw)
		cancel()
		if err == nil {
			return hash, nil
		}
		lastErr = err
		b.log.Warn().Err(err).Str("tx", ev.Tx.ID).Int("attempt", attempt).Msg("broadcast attempt failed")
		if attempt < broadcastAttempts {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}
	return "", lastErr
}

func (b *Broadcaster) report(deviceID, txID, status, hash string) {
	if b.sender == nil {
		return
	}
	if err := b.sender.SendTransactionStatus(deviceID, txID, status, hash); err != nil {
		b.log.Warn().Err(err).Str("device", deviceID).Str("tx", txID).Msg("status delivery failed")
	}
}
