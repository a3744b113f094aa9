// Package pump keeps a connection to the smart switch powering the pool
// pump, turns its data point updates into switch and telemetry events and
// fails safe to "off" when the switch goes away.
package pump

import (
	"context"
	"sync"
	"time"

	"github.com/sweeney/pool-controller/internal/channel"
	"github.com/sweeney/pool-controller/internal/logging"
	"github.com/sweeney/pool-controller/internal/logic"
	"github.com/sweeney/pool-controller/internal/mqtt"
)

// State is the connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "disconnected"
}

// telemetryChannels maps metering indices to their channel.
var telemetryChannels = map[int]channel.Name{
	logic.DPSCurrent: channel.PumpMA,
	logic.DPSPower:   channel.PumpKW,
	logic.DPSVoltage: channel.PumpVoltage,
}

// Options configures an Adapter.
type Options struct {
	Device Device
	Bus    *channel.Bus
	MQTT   mqtt.PubSub
	Log    *logging.Logger

	// Grace is how long a lost connection may stay lost before the pump is
	// reported off.
	Grace time.Duration

	// RetryMin and RetryMax bound the reconnect backoff.
	RetryMin time.Duration
	RetryMax time.Duration
}

// Adapter is the pump's switch adapter.
type Adapter struct {
	dev      Device
	bus      *channel.Bus
	mqtt     mqtt.PubSub
	log      *logging.Logger
	grace    time.Duration
	retryMin time.Duration
	retryMax time.Duration

	mu          sync.Mutex
	state       State
	connecting  bool
	lost        bool
	dps         logic.DPS
	graceTimer  *time.Timer
	graceGen    int
	offSent     bool
	loggedError bool
	onSwitch    []func(logic.SwitchState)
	onConnected []func()

	wg sync.WaitGroup
}

// New creates an Adapter. Nothing happens until Start.
func New(o Options) *Adapter {
	a := &Adapter{
		dev:      o.Device,
		bus:      o.Bus,
		mqtt:     o.MQTT,
		log:      o.Log,
		grace:    o.Grace,
		retryMin: o.RetryMin,
		retryMax: o.RetryMax,
	}
	if a.grace <= 0 {
		a.grace = 5 * time.Second
	}
	if a.retryMin <= 0 {
		a.retryMin = time.Second
	}
	if a.retryMax < a.retryMin {
		a.retryMax = a.retryMin
	}
	return a
}

// OnSwitch registers fn for every switch state change, including the
// synthetic "off" after the grace window.
func (a *Adapter) OnSwitch(fn func(logic.SwitchState)) {
	a.mu.Lock()
	a.onSwitch = append(a.onSwitch, fn)
	a.mu.Unlock()
}

// OnConnected registers fn for every successful connect.
func (a *Adapter) OnConnected(fn func()) {
	a.mu.Lock()
	a.onConnected = append(a.onConnected, fn)
	a.mu.Unlock()
}

// Start registers the telemetry queries, begins connecting and processes
// device events until ctx is cancelled. A device that cannot be reached
// within the grace window is reported off.
func (a *Adapter) Start(ctx context.Context) {
	for idx, name := range telemetryChannels {
		idx, name := idx, name
		a.bus.Handle(name, func(string) {
			if v, ok := a.Telemetry(idx); ok {
				a.bus.Send(name, v)
			}
		})
	}

	a.mu.Lock()
	a.startGrace()
	a.ensureConnecting(ctx)
	a.mu.Unlock()

	a.wg.Add(1)
	go a.run(ctx)
}

// Wait blocks until the event loop and any connect loop have exited.
func (a *Adapter) Wait() {
	a.wg.Wait()
}

func (a *Adapter) run(ctx context.Context) {
	defer a.wg.Done()
	defer func() {
		a.mu.Lock()
		if a.graceTimer != nil {
			a.graceTimer.Stop()
		}
		a.graceGen++
		a.mu.Unlock()
	}()

	events := a.dev.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			switch ev.Kind {
			case EventData:
				a.analyseUpdate(ev.DPS)
			case EventDisconnected:
				a.disconnected(ctx, ev.Err)
			case EventError:
				a.logError(ev.Err)
			}
		}
	}
}

// ensureConnecting starts the connect loop unless one is running.
// Caller holds mu.
func (a *Adapter) ensureConnecting(ctx context.Context) {
	if a.connecting {
		return
	}
	a.connecting = true
	a.wg.Add(1)
	go a.connectLoop(ctx)
}

func (a *Adapter) connectLoop(ctx context.Context) {
	defer a.wg.Done()

	backoff := a.retryMin
	for {
		a.mu.Lock()
		a.state = Connecting
		a.lost = false
		a.mu.Unlock()

		err := a.dev.Connect(ctx)
		if err == nil && a.connected() {
			return
		}

		a.mu.Lock()
		a.state = Disconnected
		if ctx.Err() != nil {
			a.connecting = false
			a.mu.Unlock()
			return
		}
		a.mu.Unlock()
		if err != nil {
			a.logError(err)
		}

		select {
		case <-ctx.Done():
			a.mu.Lock()
			a.connecting = false
			a.mu.Unlock()
			return
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * 1.5)
		if backoff > a.retryMax {
			backoff = a.retryMax
		}
	}
}

// connected marks the adapter connected unless the connection was lost
// while Connect was returning.
func (a *Adapter) connected() bool {
	a.mu.Lock()
	if a.lost {
		a.mu.Unlock()
		a.log.Warn("connection lost during connect, retrying")
		return false
	}
	a.state = Connected
	a.connecting = false
	a.loggedError = false
	a.offSent = false
	a.graceGen++
	if a.graceTimer != nil {
		a.graceTimer.Stop()
	}
	fns := append([]func(){}, a.onConnected...)
	a.mu.Unlock()

	a.log.Info("connected")
	for _, fn := range fns {
		fn()
	}
	return true
}

func (a *Adapter) disconnected(ctx context.Context, cause error) {
	a.mu.Lock()
	a.state = Disconnected
	a.loggedError = false
	if a.connecting {
		a.lost = true
	}
	a.startGrace()
	a.ensureConnecting(ctx)
	a.mu.Unlock()

	a.log.Error("disconnected", "error", cause)
}

// startGrace (re)arms the grace timer. Caller holds mu.
func (a *Adapter) startGrace() {
	if a.graceTimer != nil {
		a.graceTimer.Stop()
	}
	a.graceGen++
	gen := a.graceGen
	a.graceTimer = time.AfterFunc(a.grace, func() { a.graceExpired(gen) })
}

// graceExpired reports the pump off and forgets all telemetry, once per
// outage.
func (a *Adapter) graceExpired(gen int) {
	a.mu.Lock()
	if gen != a.graceGen || a.state == Connected || a.offSent {
		a.mu.Unlock()
		return
	}
	a.offSent = true
	a.dps = nil
	fns := append([]func(logic.SwitchState){}, a.onSwitch...)
	a.mu.Unlock()

	a.log.Warn("switch unreachable, reporting pump off", "grace", a.grace)

	for _, fn := range fns {
		fn(logic.SwitchOff)
	}
	for _, name := range []channel.Name{channel.PumpKW, channel.PumpVoltage, channel.PumpMA} {
		a.bus.Send(name, nil)
	}
}

// analyseUpdate compares each incoming index with the last value seen at
// that index and emits only the changes.
func (a *Adapter) analyseUpdate(incoming logic.DPS) {
	a.mu.Lock()
	if a.dps == nil {
		a.dps = logic.DPS{}
	}
	changed := logic.Changed(a.dps, incoming)
	for _, idx := range changed {
		a.dps[idx] = incoming[idx]
	}
	fns := append([]func(logic.SwitchState){}, a.onSwitch...)
	a.mu.Unlock()

	for _, idx := range changed {
		raw := incoming[idx]
		switch idx {
		case logic.DPSSwitch:
			s, ok := logic.SwitchFromDPS(raw)
			if !ok {
				a.log.Warn("unexpected switch value", "value", raw)
				continue
			}
			a.log.Debug("switch changed", "state", s)
			for _, fn := range fns {
				fn(s)
			}
		default:
			name, ok := telemetryChannels[idx]
			if !ok {
				continue
			}
			v, ok := logic.ScaleDPS(idx, raw)
			if !ok {
				continue
			}
			s := logic.FormatDPS(idx, v)
			a.bus.Send(name, s)
			a.mqtt.Publish(string(name), s)
		}
	}
}

// Switch asks the device for the desired state unless the last known state
// already matches. The change is only reported once the device echoes it.
func (a *Adapter) Switch(desired logic.SwitchState) {
	a.mu.Lock()
	raw, known := a.dps[logic.DPSSwitch]
	a.mu.Unlock()

	if known {
		if cur, ok := logic.SwitchFromDPS(raw); ok && cur == desired {
			return
		}
	}
	a.log.Info("switching pump", "state", desired)
	if err := a.dev.Set(logic.DPSSwitch, desired == logic.SwitchOn); err != nil {
		a.logError(err)
	}
}

// Telemetry returns the formatted value of a metering index if known.
func (a *Adapter) Telemetry(index int) (string, bool) {
	a.mu.Lock()
	raw, ok := a.dps[index]
	a.mu.Unlock()
	if !ok {
		return "", false
	}
	v, ok := logic.ScaleDPS(index, raw)
	if !ok {
		return "", false
	}
	return logic.FormatDPS(index, v), true
}

// SwitchState returns the last reported switch state.
func (a *Adapter) SwitchState() (logic.SwitchState, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	raw, ok := a.dps[logic.DPSSwitch]
	if !ok {
		return "", false
	}
	return logic.SwitchFromDPS(raw)
}

// State returns the connection state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// logError logs err unless an error was already logged since the last
// connect or disconnect.
func (a *Adapter) logError(err error) {
	a.mu.Lock()
	if a.loggedError {
		a.mu.Unlock()
		return
	}
	a.loggedError = true
	a.mu.Unlock()
	a.log.Error("switch error", "error", err)
}

// Close closes the device.
func (a *Adapter) Close() error {
	return a.dev.Close()
}
