// internal/radio/peripheral.go
package radio

import (
	"context"
	"fmt"
	"time"

	goble "github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/rs/zerolog"
)

const (
	eventBuffer       = 256
	advertiseCooldown = 5 * time.Second
)

// Peripheral is the relay-side radio role: advertise the service and accept
// wallet connections. A device is considered connected once it subscribes to
// the notify characteristic, and disconnected when that subscription's
// context ends.
type Peripheral struct {
	name   string
	events chan Event
	log    zerolog.Logger
}

func NewPeripheral(name string, log zerolog.Logger) *Peripheral {
	return &Peripheral{
		name:   name,
		events: make(chan Event, eventBuffer),
		log:    log.With().Str("component", "peripheral").Logger(),
	}
}

// Events is the transport event stream consumed by the dispatcher.
func (p *Peripheral) Events() <-chan Event {
	return p.events
}

// Init claims the HCI device and registers the GATT service. Failure here
// means the radio stack is unavailable; the caller decides whether to run
// degraded without BLE.
func (p *Peripheral) Init() error {
	dev, err := linux.NewDevice()
	if err != nil {
		return fmt.Errorf("open hci device: %w", err)
	}
	goble.SetDefaultDevice(dev)

	write := goble.NewCharacteristic(WriteCharUUID)
	write.Property = goble.CharWrite | goble.CharWriteNR
	write.HandleWrite(goble.WriteHandlerFunc(p.serveWrite))

	notify := goble.NewCharacteristic(NotifyCharUUID)
	notify.Property = goble.CharNotify
	notify.HandleNotify(goble.NotifyHandlerFunc(p.serveNotify))

	svc := goble.NewService(ServiceUUID)
	svc.AddCharacteristic(write)
	svc.AddCharacteristic(notify)
	if err := goble.AddService(svc); err != nil {
		return fmt.Errorf("register gatt service: %w", err)
	}
	return nil
}

// Advertise runs the advertising loop until ctx is cancelled, backing off
// after radio errors.
func (p *Peripheral) Advertise(ctx context.Context) error {
	p.log.Info().Str("name", p.name).Msg("advertising")
	for {
		if err := goble.AdvertiseNameAndServices(ctx, p.name, ServiceUUID); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Error().Err(err).Msg("advertising failed, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(advertiseCooldown):
			}
		}
	}
}

func (p *Peripheral) serveWrite(req goble.Request, rsp goble.ResponseWriter) {
	id := req.Conn().RemoteAddr().String()
	data := append([]byte(nil), req.Data()...)
	p.emit(Event{Kind: EventData, DeviceID: id, Data: data})
	rsp.SetStatus(goble.ErrSuccess)
}

func (p *Peripheral) serveNotify(req goble.Request, n goble.Notifier) {
	id := req.Conn().RemoteAddr().String()
	h := newNotifyHandle(n)
	p.emit(Event{Kind: EventConnect, DeviceID: id, Handle: h})
	<-n.Context().Done()
	p.emit(Event{Kind: EventDisconnect, DeviceID: id})
}

func (p *Peripheral) emit(ev Event) {
	select {
	case p.events <- ev:
	default:
		// The dispatcher has stalled; shedding radio events here beats
		// wedging the BLE stack's handler goroutine.
		p.log.Warn().Str("device", ev.DeviceID).Stringer("kind", ev.Kind).Msg("event buffer full, dropped")
	}
}
