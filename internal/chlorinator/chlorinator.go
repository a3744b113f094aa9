// Package chlorinator drives the two-cell salt chlorinator: it converts the
// requested output into a PWM duty cycle on the active cell, gates it on the
// pump state and alternates the cells on the descale schedule.
package chlorinator

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sweeney/pool-controller/internal/channel"
	"github.com/sweeney/pool-controller/internal/config"
	"github.com/sweeney/pool-controller/internal/gpio"
	"github.com/sweeney/pool-controller/internal/logging"
	"github.com/sweeney/pool-controller/internal/logic"
	"github.com/sweeney/pool-controller/internal/mqtt"
	"github.com/sweeney/pool-controller/internal/store"
)

// PowerReader samples the cell supply. Implemented by sensor.INA226.
type PowerReader interface {
	Read() (logic.Telemetry, error)
}

// Options configures a Controller.
type Options struct {
	Config config.ChlorinatorConfig
	Port   gpio.Port
	Store  store.Store
	Bus    *channel.Bus
	MQTT   mqtt.PubSub
	Log    *logging.Logger

	// Pump is the pump state assumed until the first Switch call.
	Pump logic.SwitchState

	// CycleInterval is how often the descale schedule is checked.
	CycleInterval time.Duration

	// Power is optional. It is polled every PowerInterval.
	Power         PowerReader
	PowerInterval time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

// State is a point-in-time view of the controller.
type State struct {
	Output          int
	Effective       int
	DutyCycle       int
	ActiveCell      int
	ActiveCellStart string
	Pump            logic.SwitchState
}

// Controller owns both cell pins. No other component writes them.
type Controller struct {
	cell  config.CellConfig
	port  gpio.Port
	store store.Store
	bus   *channel.Bus
	mqtt  mqtt.PubSub
	log   *logging.Logger
	now   func() time.Time

	interval      time.Duration
	power         PowerReader
	powerInterval time.Duration

	mu         sync.Mutex
	output     int
	pump       logic.SwitchState
	activeCell int
	cellStart  string
	pwmRange   int
	duty       int
	lastPower  logic.Telemetry
	powerErr   bool

	wg sync.WaitGroup
}

// New creates a Controller, loading the persisted output and active cell.
func New(o Options) *Controller {
	c := &Controller{
		cell:          o.Config.Cell,
		port:          o.Port,
		store:         o.Store,
		bus:           o.Bus,
		mqtt:          o.MQTT,
		log:           o.Log,
		now:           o.Now,
		interval:      o.CycleInterval,
		power:         o.Power,
		powerInterval: o.PowerInterval,
		pump:          o.Pump,
		pwmRange:      logic.DefaultPWMRange,
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.interval <= 0 {
		c.interval = time.Hour
	}
	if c.powerInterval <= 0 {
		c.powerInterval = 10 * time.Second
	}
	if c.pump == "" {
		c.pump = logic.SwitchOff
	}

	out, err := store.GetInt(c.store, store.KeyChlorinatorOutput, 0)
	if err != nil {
		c.log.Error("read persisted output", "error", err)
	}
	c.output = logic.ClampOutput(float64(out))

	cell, err := store.GetInt(c.store, store.KeyChlorinatorPin, 1)
	if err != nil {
		c.log.Error("read persisted cell", "error", err)
	}
	c.activeCell = logic.NormalizeCell(cell)

	if start, err := c.store.Get(store.KeyChlorinatorActiveCellStart); err == nil {
		c.cellStart = start
	}
	return c
}

// Start initializes both cells to zero, applies the current output, runs
// the first descale check and starts the periodic loop. The loop stops when
// ctx is cancelled.
func (c *Controller) Start(ctx context.Context) {
	c.log.Info("begin cycling chlorinator cells",
		"in1", c.cell.In1, "in2", c.cell.In2,
		"descale_cycle_days", c.cell.DescaleCycleDays,
		"active_cell", c.activeCell, "output", c.output)

	c.registerHandlers()

	r, err := c.port.PWMRange(c.cell.In1)
	if err != nil {
		c.log.Warn("read pwm range, using default", "error", err, "range", r)
	}

	c.mu.Lock()
	if r > 0 {
		c.pwmRange = r
	}
	c.initPins()
	c.pwmWrite()
	output := c.output
	c.mu.Unlock()

	c.bus.Send(channel.ChlorinatorOutput, output)

	c.CheckCycle()

	c.wg.Add(1)
	go c.loop(ctx)
}

// Wait blocks until the loop started by Start has exited.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) loop(ctx context.Context) {
	defer c.wg.Done()

	cycle := time.NewTicker(c.interval)
	defer cycle.Stop()

	var powerC <-chan time.Time
	if c.power != nil {
		t := time.NewTicker(c.powerInterval)
		defer t.Stop()
		powerC = t.C
		c.ReadPower()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-cycle.C:
			c.CheckCycle()
		case <-powerC:
			c.ReadPower()
		}
	}
}

func (c *Controller) registerHandlers() {
	c.bus.Handle(channel.ChlorinatorOutput, func(string) {
		c.bus.Send(channel.ChlorinatorOutput, c.Output())
	})
	c.bus.Handle(channel.ChlorinatorOutputSet, c.handleSet)
	c.mqtt.Subscribe(string(channel.ChlorinatorOutputSet), c.handleSet)
}

func (c *Controller) handleSet(payload string) {
	v, err := strconv.ParseFloat(strings.TrimSpace(payload), 64)
	if err != nil {
		c.log.Warn("ignoring non-numeric output", "payload", payload)
		return
	}
	c.SetOutput(v)
}

// Output returns the last commanded output percent.
func (c *Controller) Output() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.output
}

// SetOutput clamps raw to [0,100]. If the value differs from the current one
// it is persisted, announced and written to the active cell.
func (c *Controller) SetOutput(raw float64) {
	value := logic.ClampOutput(raw)

	c.mu.Lock()
	c.log.Debug("set output", "from", c.output, "to", value, "raw", raw)
	if value == c.output {
		c.mu.Unlock()
		return
	}
	c.output = value
	if err := store.SetInt(c.store, store.KeyChlorinatorOutput, value); err != nil {
		c.log.Error("persist output", "error", err)
	}
	c.pwmWrite()
	c.mu.Unlock()

	c.bus.Send(channel.ChlorinatorOutput, value)
	c.mqtt.Publish(string(channel.ChlorinatorOutput), strconv.Itoa(value))
}

// Switch applies the pump state. With the pump off the cell is driven at 0
// but the commanded output is kept for when the pump returns.
func (c *Controller) Switch(pump logic.SwitchState) {
	c.mu.Lock()
	c.pump = pump
	effective := logic.EffectiveOutput(c.output, pump)
	c.pwmWrite()
	c.mu.Unlock()

	c.log.Info("pump state applied", "pump", pump, "effective_output", effective)

	c.bus.Send(channel.ChlorinatorOutput, effective)
	c.mqtt.Publish(string(channel.ChlorinatorOutput), strconv.Itoa(effective))
}

// CheckCycle alternates the active cell once its descale cycle has elapsed.
// The cell and its start date are both read from the store. Without a
// persisted start date the cell is recorded as starting today.
func (c *Controller) CheckCycle() {
	c.mu.Lock()
	defer c.mu.Unlock()

	today := c.now()

	pin, err := store.GetInt(c.store, store.KeyChlorinatorPin, c.activeCell)
	if err != nil {
		c.log.Error("check cycle: read cell", "error", err)
		return
	}
	if cell := logic.NormalizeCell(pin); cell != c.activeCell {
		c.log.Warn("persisted cell differs, adopting it", "memory", c.activeCell, "store", cell)
		c.activeCell = cell
		c.initPins()
		c.pwmWrite()
	}

	raw, err := c.store.Get(store.KeyChlorinatorActiveCellStart)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		c.log.Error("check cycle", "error", err)
		return
	}
	start, perr := logic.ParseDate(raw)
	if errors.Is(err, store.ErrNotFound) || perr != nil {
		if perr != nil && err == nil {
			c.log.Warn("unreadable cell start date, restarting cycle", "value", raw)
		}
		c.persistCell(c.activeCell, today)
		return
	}

	if c.cell.DescaleCycleDays <= 0 {
		return
	}
	if !logic.ShouldAlternate(start, today, c.cell.DescaleCycleDays) {
		return
	}

	next := logic.OtherCell(c.activeCell)
	if !c.persistCell(next, today) {
		return
	}
	c.log.Info("switching cell", "from", c.activeCell, "to", next)
	c.activeCell = next

	c.initPins()
	c.pwmWrite()
}

// persistCell writes the cell, its start date and the output in one step.
func (c *Controller) persistCell(cell int, today time.Time) bool {
	date := logic.FormatDate(today)
	err := c.store.SetMany(map[string]string{
		store.KeyChlorinatorPin:             strconv.Itoa(cell),
		store.KeyChlorinatorActiveCellStart: date,
		store.KeyChlorinatorOutput:          strconv.Itoa(c.output),
	})
	if err != nil {
		c.log.Error("persist cell", "error", err)
		return false
	}
	c.cellStart = date
	return true
}

func (c *Controller) initPins() {
	for _, pin := range []int{c.cell.In1, c.cell.In2} {
		if err := c.port.SetMode(pin, gpio.Output); err != nil {
			c.log.Error("set pin mode", "pin", pin, "error", err)
		}
		if err := c.port.PWMWrite(pin, 0); err != nil {
			c.log.Error("zero pin", "pin", pin, "error", err)
		}
	}
}

// pwmWrite drives the active cell at the effective output and the other cell
// at zero. The duty cycle ceiling is applied here so every write honours it.
func (c *Controller) pwmWrite() {
	value := logic.EffectiveOutput(c.output, c.pump)
	duty := logic.DutyCycle(value, c.pwmRange)

	on, off := c.cell.In1, c.cell.In2
	if c.activeCell == 2 {
		on, off = off, on
	}

	c.log.Debug("pwm write", "pin", on, "duty_cycle", duty)

	if err := c.port.PWMWrite(off, 0); err != nil {
		c.log.Error("set duty cycle", "pin", off, "error", err)
	}
	if err := c.port.PWMWrite(on, duty); err != nil {
		c.log.Error("set duty cycle", "pin", on, "error", err)
		return
	}
	c.duty = duty
}

// ReadPower samples the power sensor and forwards changed readings.
func (c *Controller) ReadPower() {
	if c.power == nil {
		return
	}
	t, err := c.power.Read()

	c.mu.Lock()
	if err != nil {
		if !c.powerErr {
			c.powerErr = true
			c.log.Error("read power sensor", "error", err)
		}
		c.mu.Unlock()
		return
	}
	c.powerErr = false
	last := c.lastPower
	c.lastPower = t
	c.mu.Unlock()

	c.forward(channel.ChlorinatorKW, last.PowerKilowatts, t.PowerKilowatts, 3)
	c.forward(channel.ChlorinatorMA, last.CurrentMilliamps, t.CurrentMilliamps, 0)
	c.forward(channel.ChlorinatorVoltage, last.Voltage, t.Voltage, 2)
}

func (c *Controller) forward(name channel.Name, last, next *float64, prec int) {
	if next == nil {
		return
	}
	s := strconv.FormatFloat(*next, 'f', prec, 64)
	if last != nil && strconv.FormatFloat(*last, 'f', prec, 64) == s {
		return
	}
	c.bus.Send(name, s)
	c.mqtt.Publish(string(name), s)
}

// State returns a snapshot for status reporting.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Output:          c.output,
		Effective:       logic.EffectiveOutput(c.output, c.pump),
		DutyCycle:       c.duty,
		ActiveCell:      c.activeCell,
		ActiveCellStart: c.cellStart,
		Pump:            c.pump,
	}
}
