// Package channel is the local command/event channel shared by the
// controller modules and the UI shell.
//
// Every message is addressed to a Name. Outbound values are pushed with Send
// and reach every observer. Inbound messages are delivered with Dispatch to
// the handlers registered for that name: an empty payload is a query (the
// handler pushes the current value back with Send) and anything else is a
// command.
package channel

import (
	"sync"
)

// Name identifies a channel. The same names are used as MQTT topics.
type Name string

// System channels.
const (
	SystemStatus    Name = "system/status"
	SystemSwitch    Name = "system/switch"
	SystemSwitchSet Name = "system/switch/set"
	SystemNetwork   Name = "system/network"
	SystemSchedule  Name = "system/schedule"
)

// Configuration channels.
const (
	ModulesConfig       Name = "configuration/modules"
	ModulesConfigUpdate Name = "configuration/modules/update"
	MQTTConfig          Name = "configuration/mqtt"
	MQTTConfigUpdate    Name = "configuration/mqtt/update"
)

// Pump telemetry.
const (
	PumpKW      Name = "pump/kW"
	PumpMA      Name = "pump/mA"
	PumpVoltage Name = "pump/voltage"
)

// Chlorinator channels.
const (
	ChlorinatorOutput    Name = "chlorinator/output"
	ChlorinatorOutputSet Name = "chlorinator/output/set"
	ChlorinatorKW        Name = "chlorinator/power/kW"
	ChlorinatorMA        Name = "chlorinator/power/mA"
	ChlorinatorVoltage   Name = "chlorinator/power/voltage"
)

// Sensors.
const (
	WaterTemperature   Name = "water/temperature"
	AmbientTemperature Name = "ambient/temperature"
	AmbientHumidity    Name = "ambient/humidity"
)

// Event is one outbound value. A nil Payload means the value is unknown.
type Event struct {
	Channel Name `json:"channel"`
	Payload any  `json:"payload"`
}

// Handler receives an inbound payload. An empty payload is a query.
type Handler func(payload string)

// Bus routes local channel traffic. The zero value is not usable; use New.
type Bus struct {
	mu        sync.RWMutex
	handlers  map[Name][]Handler
	observers map[int]func(Event)
	nextID    int
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		handlers:  make(map[Name][]Handler),
		observers: make(map[int]func(Event)),
	}
}

// Send pushes value on name to every observer.
func (b *Bus) Send(name Name, value any) {
	b.mu.RLock()
	obs := make([]func(Event), 0, len(b.observers))
	for _, fn := range b.observers {
		obs = append(obs, fn)
	}
	b.mu.RUnlock()

	ev := Event{Channel: name, Payload: value}
	for _, fn := range obs {
		fn(ev)
	}
}

// Observe registers fn for every outbound event. The returned function
// removes it.
func (b *Bus) Observe(fn func(Event)) (cancel func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.observers[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.observers, id)
		b.mu.Unlock()
	}
}

// Handle registers fn for inbound messages on name.
func (b *Bus) Handle(name Name, fn Handler) {
	b.mu.Lock()
	b.handlers[name] = append(b.handlers[name], fn)
	b.mu.Unlock()
}

// Dispatch delivers an inbound message. It reports whether any handler was
// registered for name.
func (b *Bus) Dispatch(name Name, payload string) bool {
	b.mu.RLock()
	hs := append([]Handler(nil), b.handlers[name]...)
	b.mu.RUnlock()

	for _, h := range hs {
		h(payload)
	}
	return len(hs) > 0
}

// Recorder collects events for tests and for late-joining readers that want
// the last value per channel.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	last   map[Name]any
}

// NewRecorder creates a Recorder observing b.
func NewRecorder(b *Bus) *Recorder {
	r := &Recorder{last: make(map[Name]any)}
	b.Observe(r.record)
	return r
}

func (r *Recorder) record(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.last[ev.Channel] = ev.Payload
	r.mu.Unlock()
}

// Events returns a copy of every event seen.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// On returns the payloads seen on name, in order.
func (r *Recorder) On(name Name) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, ev := range r.events {
		if ev.Channel == name {
			out = append(out, ev.Payload)
		}
	}
	return out
}

// Last returns the last payload seen on name.
func (r *Recorder) Last(name Name) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.last[name]
	return v, ok
}

// Reset forgets everything recorded.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.last = make(map[Name]any)
	r.mu.Unlock()
}
