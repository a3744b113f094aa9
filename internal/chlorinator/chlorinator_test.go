package chlorinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sweeney/pool-controller/internal/channel"
	"github.com/sweeney/pool-controller/internal/config"
	"github.com/sweeney/pool-controller/internal/gpio"
	"github.com/sweeney/pool-controller/internal/logging"
	"github.com/sweeney/pool-controller/internal/logic"
	"github.com/sweeney/pool-controller/internal/mqtt"
	"github.com/sweeney/pool-controller/internal/store"
)

const (
	pin1 = 23
	pin2 = 24
)

var day = time.Date(2024, 3, 10, 10, 0, 0, 0, time.UTC)

type harness struct {
	c      *Controller
	port   *gpio.FakePort
	store  *store.MemoryStore
	rec    *channel.Recorder
	bus    *channel.Bus
	broker *mqtt.FakeClient
	now    time.Time
}

func newHarness(t *testing.T, seed map[string]string, pump logic.SwitchState) *harness {
	t.Helper()
	h := &harness{
		port:   gpio.NewFakePort(),
		store:  store.NewMemoryStore(),
		bus:    channel.New(),
		broker: mqtt.NewFakeClient(true),
		now:    day,
	}
	if len(seed) > 0 {
		if err := h.store.SetMany(seed); err != nil {
			t.Fatal(err)
		}
	}
	h.rec = channel.NewRecorder(h.bus)
	h.c = New(Options{
		Config: config.ChlorinatorConfig{
			Cell: config.CellConfig{In1: pin1, In2: pin2, DescaleCycleDays: 7},
		},
		Port:  h.port,
		Store: h.store,
		Bus:   h.bus,
		MQTT:  mqtt.NewAdapter(h.broker, "", logging.Discard()),
		Log:   logging.Discard(),
		Pump:  pump,
		Now:   func() time.Time { return h.now },
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.c.Start(ctx)
	t.Cleanup(func() {
		cancel()
		h.c.Wait()
	})
}

func TestSetOutputClamps(t *testing.T) {
	tests := []struct {
		raw  float64
		want int
	}{
		{150, 100},
		{-5, 0},
		{40, 40},
		{39.6, 40},
	}
	for _, tt := range tests {
		h := newHarness(t, nil, logic.SwitchOn)
		h.c.SetOutput(tt.raw)
		if got := h.c.Output(); got != tt.want {
			t.Errorf("SetOutput(%v): output = %d, want %d", tt.raw, got, tt.want)
		}
		if tt.want == 0 {
			continue
		}
		v, err := store.GetInt(h.store, store.KeyChlorinatorOutput, -1)
		if err != nil || v != tt.want {
			t.Errorf("SetOutput(%v): stored %d (%v), want %d", tt.raw, v, err, tt.want)
		}
	}
}

func TestSetOutputIdempotent(t *testing.T) {
	h := newHarness(t, nil, logic.SwitchOn)
	h.c.SetOutput(40)

	writes := h.store.Writes
	pwm := h.port.WriteCount()
	events := len(h.rec.On(channel.ChlorinatorOutput))
	published := len(h.broker.PublishedTo("chlorinator/output"))

	h.c.SetOutput(40)

	if h.store.Writes != writes {
		t.Errorf("store writes %d -> %d", writes, h.store.Writes)
	}
	if h.port.WriteCount() != pwm {
		t.Errorf("pwm writes %d -> %d", pwm, h.port.WriteCount())
	}
	if n := len(h.rec.On(channel.ChlorinatorOutput)); n != events {
		t.Errorf("bus events %d -> %d", events, n)
	}
	if n := len(h.broker.PublishedTo("chlorinator/output")); n != published {
		t.Errorf("mqtt publishes %d -> %d", published, n)
	}
}

func TestDutyCycleNeverExceedsCeiling(t *testing.T) {
	h := newHarness(t, nil, logic.SwitchOn)
	h.start(t)

	ceiling := int(float64(gpio.DefaultRange) * logic.DutyCeiling)
	prev := -1
	for v := 0; v <= 100; v++ {
		h.c.SetOutput(float64(v))
		d := h.port.Duty(pin1)
		if d > ceiling {
			t.Fatalf("output %d: duty %d exceeds %d", v, d, ceiling)
		}
		if d < prev {
			t.Fatalf("output %d: duty %d decreased from %d", v, d, prev)
		}
		prev = d
	}
	if prev != ceiling {
		t.Errorf("duty at 100%% = %d, want %d", prev, ceiling)
	}

	for _, w := range h.port.Writes {
		if w.Duty > ceiling {
			t.Errorf("write %+v exceeds ceiling", w)
		}
	}
}

func TestDutyCycleUsesPortRange(t *testing.T) {
	h := newHarness(t, nil, logic.SwitchOn)
	h.port.Range = 1000
	h.start(t)

	h.c.SetOutput(100)
	if d := h.port.Duty(pin1); d != 800 {
		t.Errorf("duty = %d, want 800", d)
	}
}

func TestPumpOnAppliesStoredOutput(t *testing.T) {
	h := newHarness(t, map[string]string{store.KeyChlorinatorOutput: "40"}, logic.SwitchOff)
	h.start(t)

	if d := h.port.Duty(pin1); d != 0 {
		t.Fatalf("duty before pump on = %d, want 0", d)
	}

	h.c.Switch(logic.SwitchOn)

	if d := h.port.Duty(pin1); d != 82 {
		t.Errorf("duty = %d, want 82", d)
	}
	if d := h.port.Duty(pin2); d != 0 {
		t.Errorf("inactive cell duty = %d, want 0", d)
	}
	if last, _ := h.rec.Last(channel.ChlorinatorOutput); last != 40 {
		t.Errorf("bus output = %v, want 40", last)
	}
	pubs := h.broker.PublishedTo("chlorinator/output")
	if len(pubs) == 0 || pubs[len(pubs)-1] != "40" {
		t.Errorf("mqtt output = %v, want last 40", pubs)
	}
}

func TestPumpOffKeepsCommandedOutput(t *testing.T) {
	h := newHarness(t, map[string]string{store.KeyChlorinatorOutput: "60"}, logic.SwitchOn)
	h.start(t)

	h.c.Switch(logic.SwitchOff)

	if d := h.port.Duty(pin1); d != 0 {
		t.Errorf("duty with pump off = %d, want 0", d)
	}
	if h.c.Output() != 60 {
		t.Errorf("commanded output = %d, want 60", h.c.Output())
	}
	if s := h.c.State(); s.Effective != 0 || s.Pump != logic.SwitchOff {
		t.Errorf("state = %+v", s)
	}

	// Changing the output while off is remembered but not applied.
	h.c.SetOutput(30)
	if d := h.port.Duty(pin1); d != 0 {
		t.Errorf("duty after set while off = %d, want 0", d)
	}
	h.c.Switch(logic.SwitchOn)
	if d := h.port.Duty(pin1); d != 61 {
		t.Errorf("duty after pump on = %d, want 61", d)
	}
}

func TestCycleAlternatesWhenDue(t *testing.T) {
	h := newHarness(t, map[string]string{
		store.KeyChlorinatorPin:             "1",
		store.KeyChlorinatorActiveCellStart: "2024-03-03",
		store.KeyChlorinatorOutput:          "50",
	}, logic.SwitchOn)
	h.start(t)

	pin, _ := h.store.Get(store.KeyChlorinatorPin)
	start, _ := h.store.Get(store.KeyChlorinatorActiveCellStart)
	if pin != "2" || start != "2024-03-10" {
		t.Errorf("persisted pin=%s start=%s, want 2 and 2024-03-10", pin, start)
	}

	if d := h.port.Duty(pin1); d != 0 {
		t.Errorf("old cell duty = %d, want 0", d)
	}
	if d := h.port.Duty(pin2); d != 102 {
		t.Errorf("new cell duty = %d, want 102", d)
	}
	if h.c.State().ActiveCell != 2 {
		t.Errorf("active cell = %d, want 2", h.c.State().ActiveCell)
	}
}

func TestCycleNotDue(t *testing.T) {
	h := newHarness(t, map[string]string{
		store.KeyChlorinatorPin:             "2",
		store.KeyChlorinatorActiveCellStart: "2024-03-04",
		store.KeyChlorinatorOutput:          "50",
	}, logic.SwitchOn)
	h.start(t)

	pin, _ := h.store.Get(store.KeyChlorinatorPin)
	if pin != "2" {
		t.Errorf("pin = %s, want 2", pin)
	}
	if d := h.port.Duty(pin1); d != 0 {
		t.Errorf("inactive cell duty = %d, want 0", d)
	}
	if d := h.port.Duty(pin2); d != 102 {
		t.Errorf("active cell duty = %d, want 102", d)
	}

	// Exactly at start + cycle days.
	h.now = time.Date(2024, 3, 11, 0, 0, 1, 0, time.UTC)
	h.c.CheckCycle()
	if h.c.State().ActiveCell != 1 {
		t.Errorf("active cell = %d, want 1", h.c.State().ActiveCell)
	}
	if d := h.port.Duty(pin2); d != 0 {
		t.Errorf("old cell duty = %d, want 0", d)
	}
	if d := h.port.Duty(pin1); d != 102 {
		t.Errorf("new cell duty = %d, want 102", d)
	}
}

func TestCycleReadsPersistedCell(t *testing.T) {
	h := newHarness(t, map[string]string{
		store.KeyChlorinatorPin:             "1",
		store.KeyChlorinatorActiveCellStart: "2024-03-08",
		store.KeyChlorinatorOutput:          "50",
	}, logic.SwitchOn)
	h.start(t)

	// Another writer moved the cycle to cell 2, started three days ago.
	h.store.SetMany(map[string]string{
		store.KeyChlorinatorPin:             "2",
		store.KeyChlorinatorActiveCellStart: "2024-03-07",
	})
	h.c.CheckCycle()

	if h.c.State().ActiveCell != 2 {
		t.Errorf("active cell = %d, want the persisted cell 2", h.c.State().ActiveCell)
	}
	if d := h.port.Duty(pin1); d != 0 {
		t.Errorf("cell 1 duty = %d, want 0", d)
	}
	if d := h.port.Duty(pin2); d != 102 {
		t.Errorf("cell 2 duty = %d, want 102", d)
	}

	// When due, the persisted cell is the one alternated away from.
	h.now = day.AddDate(0, 0, 5)
	h.c.CheckCycle()
	pin, _ := h.store.Get(store.KeyChlorinatorPin)
	if pin != "1" || h.c.State().ActiveCell != 1 {
		t.Errorf("after cycle pin=%s active=%d, want 1", pin, h.c.State().ActiveCell)
	}
}

func TestCycleFirstRunInitializes(t *testing.T) {
	h := newHarness(t, nil, logic.SwitchOff)
	h.start(t)

	start, err := h.store.Get(store.KeyChlorinatorActiveCellStart)
	if err != nil || start != "2024-03-10" {
		t.Errorf("start = %q (%v), want 2024-03-10", start, err)
	}
	pin, _ := h.store.Get(store.KeyChlorinatorPin)
	if pin != "1" {
		t.Errorf("pin = %q, want 1", pin)
	}
	if h.c.State().ActiveCell != 1 {
		t.Errorf("first run must not alternate")
	}
}

func TestCycleStoreFailureKeepsCell(t *testing.T) {
	h := newHarness(t, map[string]string{
		store.KeyChlorinatorPin:             "1",
		store.KeyChlorinatorActiveCellStart: "2024-01-01",
	}, logic.SwitchOn)
	h.store.SetError = errors.New("disk full")
	h.c.CheckCycle()

	if h.c.State().ActiveCell != 1 {
		t.Errorf("cell flipped without persisting")
	}
}

func TestMQTTSetOutput(t *testing.T) {
	h := newHarness(t, nil, logic.SwitchOn)
	h.start(t)

	if !h.broker.Deliver("chlorinator/output/set", "55", false) {
		t.Fatal("controller not subscribed to chlorinator/output/set")
	}
	if h.c.Output() != 55 {
		t.Errorf("output = %d, want 55", h.c.Output())
	}

	h.broker.Deliver("chlorinator/output/set", "lots", false)
	if h.c.Output() != 55 {
		t.Errorf("non-numeric payload changed output to %d", h.c.Output())
	}
}

func TestBusQueryAndCommand(t *testing.T) {
	h := newHarness(t, map[string]string{store.KeyChlorinatorOutput: "25"}, logic.SwitchOff)
	h.start(t)
	h.rec.Reset()

	h.bus.Dispatch(channel.ChlorinatorOutput, "")
	if last, _ := h.rec.Last(channel.ChlorinatorOutput); last != 25 {
		t.Errorf("query answered %v, want 25", last)
	}

	h.bus.Dispatch(channel.ChlorinatorOutputSet, "70")
	if h.c.Output() != 70 {
		t.Errorf("output = %d, want 70", h.c.Output())
	}
}

func TestWriteErrorIsNotFatal(t *testing.T) {
	h := newHarness(t, nil, logic.SwitchOn)
	h.port.SetWriteError(errors.New("pigpiod gone"))
	h.start(t)

	h.c.SetOutput(20)
	if h.c.Output() != 20 {
		t.Errorf("output = %d, want 20", h.c.Output())
	}

	h.port.SetWriteError(nil)
	h.c.SetOutput(30)
	if d := h.port.Duty(pin1); d != 61 {
		t.Errorf("duty after recovery = %d, want 61", d)
	}
}

type fakePower struct {
	samples []logic.Telemetry
	err     error
	i       int
}

func (f *fakePower) Read() (logic.Telemetry, error) {
	if f.err != nil {
		return logic.Telemetry{}, f.err
	}
	s := f.samples[f.i]
	if f.i < len(f.samples)-1 {
		f.i++
	}
	return s, nil
}

func ptr(v float64) *float64 { return &v }

func TestPowerTelemetryForwardedOnChange(t *testing.T) {
	h := newHarness(t, nil, logic.SwitchOn)
	h.c.power = &fakePower{samples: []logic.Telemetry{
		{Voltage: ptr(24.01), CurrentMilliamps: ptr(1500), PowerKilowatts: ptr(0.036)},
		{Voltage: ptr(24.01), CurrentMilliamps: ptr(1500), PowerKilowatts: ptr(0.036)},
		{Voltage: ptr(23.5), CurrentMilliamps: ptr(1500), PowerKilowatts: ptr(0.035)},
	}}

	h.c.ReadPower()
	h.c.ReadPower()
	h.c.ReadPower()

	if got := h.rec.On(channel.ChlorinatorVoltage); len(got) != 2 || got[1] != "23.50" {
		t.Errorf("voltage events = %v", got)
	}
	if got := h.rec.On(channel.ChlorinatorMA); len(got) != 1 || got[0] != "1500" {
		t.Errorf("current events = %v", got)
	}
	if got := h.broker.PublishedTo("chlorinator/power/kW"); len(got) != 2 || got[0] != "0.036" {
		t.Errorf("kW publishes = %v", got)
	}
	if h.c.Output() != 0 {
		t.Errorf("power telemetry must not change output")
	}
}

func TestPowerErrorDoesNotEmit(t *testing.T) {
	h := newHarness(t, nil, logic.SwitchOn)
	h.c.power = &fakePower{err: errors.New("i2c nack")}
	h.c.ReadPower()
	h.c.ReadPower()
	if len(h.rec.Events()) != 0 {
		t.Errorf("events = %v", h.rec.Events())
	}
}
