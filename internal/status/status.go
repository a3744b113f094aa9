// Package status provides a thread-safe view of the controller state.
// It is fed from the local channel and read by the HTTP handlers and the
// metrics collector.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/pool-controller/internal/channel"
	"github.com/sweeney/pool-controller/internal/logic"
	"github.com/sweeney/pool-controller/internal/network"
)

// Config contains daemon configuration for display.
type Config struct {
	DataDir    string
	HTTPAddr   string
	Broker     string
	GPIODriver string
}

// ChlorinatorInfo is the chlorinator's state. This is a local copy to avoid
// importing internal/chlorinator from status.
type ChlorinatorInfo struct {
	Output          int
	Effective       int
	DutyCycle       int
	ActiveCell      int
	ActiveCellStart time.Time
}

// Snapshot is a point-in-time view of controller state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Status         logic.SystemStatus
	Switch         logic.SwitchState
	PumpConfigured bool
	PumpConnection string
	MQTTConnected  bool
	Chlorinator    *ChlorinatorInfo
	Readings       map[channel.Name]string
	Network        *network.Info
	StartTime      time.Time
	Now            time.Time
	Config         Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Reading returns the last value on name.
func (s Snapshot) Reading(name channel.Name) (string, bool) {
	v, ok := s.Readings[name]
	return v, ok
}

// Sources are polled on every Snapshot. Any may be nil.
type Sources struct {
	MQTTConnected  func() bool
	PumpConnection func() string
	Chlorinator    func() ChlorinatorInfo
}

// Tracker holds mutable controller state behind an RWMutex.
type Tracker struct {
	mu       sync.RWMutex
	snap     Snapshot
	readings map[channel.Name]string
	sources  Sources
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			Status:    logic.StatusInitializing,
			StartTime: startTime,
			Config:    cfg,
		},
		readings: make(map[channel.Name]string),
	}
}

// SetSources installs the polled sources.
func (t *Tracker) SetSources(s Sources) {
	t.mu.Lock()
	t.sources = s
	t.mu.Unlock()
}

// SetBroker records the broker URL once the broker configuration is known.
func (t *Tracker) SetBroker(url string) {
	t.mu.Lock()
	t.snap.Config.Broker = url
	t.mu.Unlock()
}

// SetPumpConfigured records whether a pump module is enabled.
func (t *Tracker) SetPumpConfigured(configured bool) {
	t.mu.Lock()
	t.snap.PumpConfigured = configured
	t.mu.Unlock()
}

// SetStatus sets the system status.
func (t *Tracker) SetStatus(s logic.SystemStatus) {
	t.mu.Lock()
	t.snap.Status = s
	t.mu.Unlock()
}

// SetSwitch sets the pump switch state. An empty state means unknown.
func (t *Tracker) SetSwitch(s logic.SwitchState) {
	t.mu.Lock()
	t.snap.Switch = s
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *network.Info) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// SetReading records the last value on a telemetry or sensor channel. A
// nil value means unknown.
func (t *Tracker) SetReading(name channel.Name, v *string) {
	t.mu.Lock()
	if v == nil {
		delete(t.readings, name)
	} else {
		t.readings[name] = *v
	}
	t.mu.Unlock()
}

// Apply folds one local channel event into the state.
func (t *Tracker) Apply(ev channel.Event) {
	switch ev.Channel {
	case channel.SystemStatus:
		if s, ok := parseStatus(ev.Payload); ok {
			t.SetStatus(s)
		}
	case channel.SystemSwitch:
		s, _ := ev.Payload.(string)
		t.SetSwitch(logic.SwitchState(s))
	case channel.SystemNetwork:
		info, _ := ev.Payload.(*network.Info)
		t.SetNetwork(info)
	case channel.PumpKW, channel.PumpMA, channel.PumpVoltage,
		channel.ChlorinatorKW, channel.ChlorinatorMA, channel.ChlorinatorVoltage,
		channel.WaterTemperature, channel.AmbientTemperature, channel.AmbientHumidity:
		if s, ok := ev.Payload.(string); ok {
			t.SetReading(ev.Channel, &s)
		} else {
			t.SetReading(ev.Channel, nil)
		}
	}
}

// Observe applies every event sent on bus. The returned function stops it.
func (t *Tracker) Observe(bus *channel.Bus) (cancel func()) {
	return bus.Observe(t.Apply)
}

// Snapshot returns a point-in-time copy of the controller state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	s.Readings = make(map[channel.Name]string, len(t.readings))
	for k, v := range t.readings {
		s.Readings[k] = v
	}
	src := t.sources
	t.mu.RUnlock()

	if src.MQTTConnected != nil {
		s.MQTTConnected = src.MQTTConnected()
	}
	if src.PumpConnection != nil {
		s.PumpConnection = src.PumpConnection()
	}
	if src.Chlorinator != nil {
		c := src.Chlorinator()
		s.Chlorinator = &c
	}
	s.Now = time.Now()
	return s
}

func parseStatus(v any) (logic.SystemStatus, bool) {
	switch p := v.(type) {
	case logic.SystemStatus:
		return p, true
	case string:
		for _, s := range []logic.SystemStatus{logic.StatusInitializing, logic.StatusAvailable, logic.StatusError} {
			if s.String() == p {
				return s, true
			}
		}
	}
	return 0, false
}
