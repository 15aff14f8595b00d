// internal/radio/central.go
package radio

import (
	"context"
	"fmt"
	"sync"
	"time"

	goble "github.com/go-ble/ble"
	"github.com/rs/zerolog"
)

// Central is the scanning role: discover advertising relays and connect to
// them. Used when this node acts as the initiating side of a relay-to-relay
// link; the wallet app plays the same role against our Peripheral.
type Central struct {
	scanTimeout    time.Duration
	connectTimeout time.Duration
	log            zerolog.Logger
}

func NewCentral(scanTimeout, connectTimeout time.Duration, log zerolog.Logger) *Central {
	return &Central{
		scanTimeout:    scanTimeout,
		connectTimeout: connectTimeout,
		log:            log.With().Str("component", "central").Logger(),
	}
}

// Scan collects the addresses of peers advertising the relay service until
// the scan timeout elapses.
func (c *Central) Scan(ctx context.Context) ([]string, error) {
	var (
		mu    sync.Mutex
		seen  = make(map[string]bool)
		addrs []string
	)
	scanCtx, cancel := context.WithTimeout(ctx, c.scanTimeout)
	defer cancel()

	handler := func(a goble.Advertisement) {
		mu.Lock()
		defer mu.Unlock()
		addr := a.Addr().String()
		if !seen[addr] {
			seen[addr] = true
			addrs = append(addrs, addr)
			c.log.Debug().Str("addr", addr).Str("name", a.LocalName()).Msg("relay discovered")
		}
	}
	filter := func(a goble.Advertisement) bool {
		return goble.Contains(a.Services(), ServiceUUID)
	}
	err := goble.Scan(scanCtx, false, handler, filter)
	if err != nil && scanCtx.Err() == nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	return addrs, nil
}

// Peer is an established outbound link: write for sending, the Notify
// callback for receiving.
type Peer struct {
	Addr   string
	client goble.Client
	write  *goble.Characteristic
}

// Connect dials a discovered relay, resolves the service characteristics and
// subscribes to its notify stream. Inbound frames are delivered to onData.
func (c *Central) Connect(ctx context.Context, addr string, onData func([]byte)) (*Peer, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	client, err := goble.Dial(dialCtx, goble.NewAddr(addr))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	profile, err := client.DiscoverProfile(true)
	if err != nil {
		client.CancelConnection()
		return nil, fmt.Errorf("discover profile: %w", err)
	}
	write := findCharacteristic(profile, WriteCharUUID)
	notify := findCharacteristic(profile, NotifyCharUUID)
	if write == nil || notify == nil {
		client.CancelConnection()
		return nil, fmt.Errorf("peer %s missing relay characteristics", addr)
	}
	if err := client.Subscribe(notify, false, func(data []byte) {
		onData(append([]byte(nil), data...))
	}); err != nil {
		client.CancelConnection()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	c.log.Info().Str("addr", addr).Msg("connected")
	return &Peer{Addr: addr, client: client, write: write}, nil
}

func findCharacteristic(p *goble.Profile, u goble.UUID) *goble.Characteristic {
	for _, svc := range p.Services {
		if !svc.UUID.Equal(ServiceUUID) {
			continue
		}
		for _, ch := range svc.Characteristics {
			if ch.UUID.Equal(u) {
				return ch
			}
		}
	}
	return nil
}

// Send writes one frame to the peer's write characteristic.
func (p *Peer) Send(data []byte) error {
	return p.client.WriteCharacteristic(p.write, data, false)
}

// Disconnected closes when the link drops.
func (p *Peer) Disconnected() <-chan struct{} {
	return p.client.Disconnected()
}

func (p *Peer) Close() error {
	return p.client.CancelConnection()
}
