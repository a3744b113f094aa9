// Package sensor polls the water and ambient probes and the chlorinator's
// power monitor.
package sensor

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sweeney/pool-controller/internal/channel"
	"github.com/sweeney/pool-controller/internal/config"
	"github.com/sweeney/pool-controller/internal/logging"
	"github.com/sweeney/pool-controller/internal/mqtt"
)

// Probe takes one sample. Each value is addressed to the channel it is
// reported on.
type Probe interface {
	Read() (map[channel.Name]float64, error)
	Channels() []channel.Name
}

// NewProbe returns the probe for a sensor configuration. temp and humidity
// are the channels its readings are reported on; humidity is ignored by
// probes that do not measure it.
func NewProbe(cfg config.SensorConfig, temp, humidity channel.Name) (Probe, error) {
	o := cfg.Configuration
	switch cfg.Type {
	case "ds18b20":
		if o.DeviceID == "" {
			return nil, fmt.Errorf("ds18b20: deviceId is required")
		}
		return NewDS18B20(W1Dir, o.DeviceID, o.Units, temp), nil
	case "dht":
		dev := o.IIODevice
		if dev == "" {
			dev = "iio:device0"
		}
		return NewDHT(IIODir, dev, temp, humidity), nil
	}
	return nil, fmt.Errorf("unknown sensor type %q", cfg.Type)
}

// Options configures a Monitor.
type Options struct {
	Name  string
	Probe Probe
	Bus   *channel.Bus
	MQTT  mqtt.PubSub
	Log   *logging.Logger

	// Interval is the poll period after a good read, Retry after a failed one.
	Interval time.Duration
	Retry    time.Duration
}

// Monitor polls a Probe and reports changed readings.
type Monitor struct {
	name     string
	probe    Probe
	bus      *channel.Bus
	mqtt     mqtt.PubSub
	log      *logging.Logger
	interval time.Duration
	retry    time.Duration

	mu        sync.Mutex
	last      map[channel.Name]string
	loggedErr bool

	wg sync.WaitGroup
}

// NewMonitor creates a Monitor. Intervals default to 10s and 5s.
func NewMonitor(o Options) *Monitor {
	m := &Monitor{
		name:     o.Name,
		probe:    o.Probe,
		bus:      o.Bus,
		mqtt:     o.MQTT,
		log:      o.Log,
		interval: o.Interval,
		retry:    o.Retry,
		last:     make(map[channel.Name]string),
	}
	if m.interval <= 0 {
		m.interval = 10 * time.Second
	}
	if m.retry <= 0 {
		m.retry = 5 * time.Second
	}
	return m
}

// Start answers queries for the probe's channels and polls until ctx is
// cancelled.
func (m *Monitor) Start(ctx context.Context) {
	for _, name := range m.probe.Channels() {
		name := name
		m.bus.Handle(name, func(string) {
			if v, ok := m.Value(name); ok {
				m.bus.Send(name, v)
			} else {
				m.bus.Send(name, nil)
			}
		})
	}

	m.log.Info("monitoring sensor", "sensor", m.name)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			next := m.interval
			if err := m.Poll(); err != nil {
				next = m.retry
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(next):
			}
		}
	}()
}

// Wait blocks until the poll loop has exited.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

// Poll reads the probe once and reports every reading that changed.
func (m *Monitor) Poll() error {
	values, err := m.probe.Read()
	if err != nil {
		m.mu.Lock()
		first := !m.loggedErr
		m.loggedErr = true
		m.mu.Unlock()
		if first {
			m.log.Error("sensor read failed", "sensor", m.name, "error", err)
		}
		return err
	}

	m.mu.Lock()
	if m.loggedErr {
		m.log.Info("sensor recovered", "sensor", m.name)
	}
	m.loggedErr = false
	var changed []channel.Name
	for _, name := range m.probe.Channels() {
		v, ok := values[name]
		if !ok {
			continue
		}
		s := strconv.FormatFloat(v, 'f', 1, 64)
		if m.last[name] == s {
			continue
		}
		m.last[name] = s
		changed = append(changed, name)
	}
	out := make(map[channel.Name]string, len(changed))
	for _, name := range changed {
		out[name] = m.last[name]
	}
	m.mu.Unlock()

	for _, name := range changed {
		m.bus.Send(name, out[name])
		m.mqtt.Publish(string(name), out[name])
	}
	return nil
}

// Value returns the last reported value on name.
func (m *Monitor) Value(name channel.Name) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.last[name]
	return v, ok
}
