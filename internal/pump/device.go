package pump

import (
	"context"
	"fmt"

	"github.com/sweeney/pool-controller/internal/config"
	"github.com/sweeney/pool-controller/internal/logging"
	"github.com/sweeney/pool-controller/internal/logic"
	"github.com/sweeney/pool-controller/internal/tuya"
)

// EventKind distinguishes device events.
type EventKind int

const (
	// EventData carries a sparse data point update.
	EventData EventKind = iota
	// EventDisconnected reports the loss of an established connection.
	EventDisconnected
	// EventError reports a device error that did not drop the connection.
	EventError
)

// Event is a device notification.
type Event struct {
	Kind EventKind
	DPS  logic.DPS
	Err  error
}

// Device is a networked smart switch. Connect returns once the connection
// is established; updates and losses arrive on Events.
type Device interface {
	Connect(ctx context.Context) error
	Set(index int, value any) error
	Events() <-chan Event
	Close() error
}

// NewDevice returns the Device for the configured switch type.
func NewDevice(cfg config.SwitchConfig, log *logging.Logger) (Device, error) {
	switch cfg.Type {
	case "tuya":
		c := cfg.Configuration
		dev, err := tuya.New(tuya.Config{
			IP:      c.IPAddress,
			ID:      c.DeviceID,
			Key:     c.LocalKey,
			Version: c.Version,
			RefreshDPS: []int{
				logic.DPSCurrent, logic.DPSPower, logic.DPSVoltage,
			},
		}, log)
		if err != nil {
			return nil, err
		}
		return newTuyaDevice(dev), nil
	}
	return nil, fmt.Errorf("unknown switch type %q", cfg.Type)
}

// tuyaDevice translates tuya events into pump events.
type tuyaDevice struct {
	dev    *tuya.Device
	events chan Event
	done   chan struct{}
}

func newTuyaDevice(dev *tuya.Device) *tuyaDevice {
	d := &tuyaDevice{
		dev:    dev,
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}
	go d.forward()
	return d
}

func (d *tuyaDevice) forward() {
	for {
		select {
		case <-d.done:
			return
		case ev := <-d.dev.Events():
			out := Event{Err: ev.Err}
			switch ev.Kind {
			case tuya.EventData:
				out.Kind = EventData
				out.DPS = logic.ParseDPS(ev.DPS)
			case tuya.EventDisconnected:
				out.Kind = EventDisconnected
			default:
				out.Kind = EventError
			}
			select {
			case d.events <- out:
			case <-d.done:
				return
			}
		}
	}
}

func (d *tuyaDevice) Connect(ctx context.Context) error { return d.dev.Connect(ctx) }
func (d *tuyaDevice) Set(index int, value any) error    { return d.dev.Set(index, value) }
func (d *tuyaDevice) Events() <-chan Event              { return d.events }

func (d *tuyaDevice) Close() error {
	close(d.done)
	return d.dev.Close()
}
