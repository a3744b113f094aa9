// Package controller wires the pool modules together. It owns the system
// status and the pump switch state and relays switch and schedule commands
// between the local channel, MQTT and the modules.
package controller

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sweeney/pool-controller/internal/channel"
	"github.com/sweeney/pool-controller/internal/chlorinator"
	"github.com/sweeney/pool-controller/internal/config"
	"github.com/sweeney/pool-controller/internal/configfile"
	"github.com/sweeney/pool-controller/internal/gpio"
	"github.com/sweeney/pool-controller/internal/logging"
	"github.com/sweeney/pool-controller/internal/logic"
	"github.com/sweeney/pool-controller/internal/mqtt"
	"github.com/sweeney/pool-controller/internal/network"
	"github.com/sweeney/pool-controller/internal/pump"
	"github.com/sweeney/pool-controller/internal/sensor"
	"github.com/sweeney/pool-controller/internal/status"
	"github.com/sweeney/pool-controller/internal/store"
)

// Broker is the MQTT surface the controller needs. *mqtt.Adapter
// implements it.
type Broker interface {
	mqtt.PubSub
	mqtt.ConnectionStatus
	Close() error
}

// PowerSensor is a chlorinator power reader that holds a device open.
type PowerSensor interface {
	chlorinator.PowerReader
	io.Closer
}

// Options configures a Controller. The factory fields default to the real
// implementations and exist so tests can substitute fakes.
type Options struct {
	Config  config.Config
	Bus     *channel.Bus
	Store   store.Store
	Port    gpio.Port
	Tracker *status.Tracker
	Log     *logging.Logger

	ConnectMQTT   func(config.MQTT, *logging.Logger) Broker
	NewSwitch     func(config.SwitchConfig, *logging.Logger) (pump.Device, error)
	OpenPower     func(config.Ina226Config) (PowerSensor, error)
	NewProbe      func(cfg config.SensorConfig, temp, humidity channel.Name) (sensor.Probe, error)
	NetworkSource network.Source

	// Location is where schedule times are interpreted. Defaults to local.
	Location *time.Location
}

// Controller is the orchestrator.
type Controller struct {
	opts Options
	cfg  config.Config
	bus  *channel.Bus
	log  *logging.Logger

	modules  *configfile.Provider[config.Modules]
	mqttFile *configfile.Provider[config.MQTT]
	network  *network.Monitor
	broker   Broker

	chlorinator *chlorinator.Controller
	cell        config.CellConfig
	power       PowerSensor
	pump        *pump.Adapter
	sensors     []*sensor.Monitor
	schedule    *Scheduler
	tracker     *status.Tracker

	mu          sync.Mutex
	status      logic.SystemStatus
	switchState logic.SwitchState
	scheduleSub sync.Once

	cancel  context.CancelFunc
	stopped bool
}

// New creates a Controller. Nothing runs until Start.
func New(o Options) *Controller {
	if o.Log == nil {
		o.Log = logging.Discard()
	}
	if o.ConnectMQTT == nil {
		o.ConnectMQTT = func(cfg config.MQTT, log *logging.Logger) Broker { return mqtt.Connect(cfg, log) }
	}
	if o.NewSwitch == nil {
		o.NewSwitch = pump.NewDevice
	}
	if o.OpenPower == nil {
		o.OpenPower = func(cfg config.Ina226Config) (PowerSensor, error) { return sensor.OpenINA226(cfg) }
	}
	if o.NewProbe == nil {
		o.NewProbe = sensor.NewProbe
	}
	if o.Tracker == nil {
		o.Tracker = status.NewTracker(time.Now(), status.Config{DataDir: o.Config.DataDir, HTTPAddr: o.Config.HTTP})
	}

	c := &Controller{
		opts:    o,
		cfg:     o.Config,
		bus:     o.Bus,
		log:     o.Log.Component("system"),
		tracker: o.Tracker,
		status:  logic.StatusInitializing,
	}
	c.schedule = NewScheduler(c.requestSwitch, o.Location, o.Log.Component("schedule"))
	return c
}

// Tracker returns the status tracker fed by this controller.
func (c *Controller) Tracker() *status.Tracker { return c.tracker }

// Start runs the boot sequence. Modules degrade independently: a missing
// broker or unreachable device is logged and the rest keeps running. Only a
// configuration that enables no module at all puts the system in Error.
func (c *Controller) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	c.tracker.Observe(c.bus)
	c.announceStatus()

	c.loadConfiguration(ctx)

	c.network = network.NewMonitor(network.Options{
		Bus:      c.bus,
		Log:      c.opts.Log.Component("network"),
		Source:   c.opts.NetworkSource,
		Interval: c.cfg.Timing.NetworkPoll,
	})
	c.network.Start(ctx)

	mqttCfg, _ := c.mqttFile.Get()
	if mqttCfg.Configured() {
		c.tracker.SetBroker(mqtt.BrokerURL(mqttCfg))
	}
	c.broker = c.opts.ConnectMQTT(mqttCfg, c.opts.Log.Component("mqtt"))
	c.tracker.SetSources(status.Sources{
		MQTTConnected:  c.broker.IsConnected,
		PumpConnection: c.pumpConnection,
		Chlorinator:    c.chlorinatorInfo,
	})
	c.registerHandlers()
	c.publishStatus()

	modules, _ := c.modules.Get()
	if modules.Empty() {
		c.log.Error("no modules configured", "path", c.cfg.ModulesPath())
		c.setStatus(logic.StatusError)
		return nil
	}

	c.startChlorinator(ctx, modules)
	if err := c.startPump(ctx, modules); err != nil {
		c.log.Error("pump unavailable", "error", err)
		c.setStatus(logic.StatusError)
	}
	c.startSensors(ctx, modules)

	c.schedule.Start()
	c.log.Info("controller started",
		"pump", modules.Pump != nil,
		"chlorinator", modules.Chlorinator != nil,
		"sensors", len(c.sensors))
	return nil
}

func (c *Controller) loadConfiguration(ctx context.Context) {
	settle := c.cfg.Timing.ConfigSettle
	c.modules = configfile.New[config.Modules](configfile.Options{
		Path:   c.cfg.ModulesPath(),
		Settle: settle,
		Log:    c.opts.Log.Component("config"),
		Bus:    c.bus,
		Get:    channel.ModulesConfig,
		Set:    channel.ModulesConfigUpdate,
	})
	c.modules.OnChange(func(config.Modules) {
		c.log.Warn("module configuration changed, restart to apply", "path", c.cfg.ModulesPath())
	})

	c.mqttFile = configfile.New[config.MQTT](configfile.Options{
		Path:   c.cfg.MQTTPath(),
		Settle: settle,
		Log:    c.opts.Log.Component("config"),
		Bus:    c.bus,
		Get:    channel.MQTTConfig,
		Set:    channel.MQTTConfigUpdate,
	})
	c.mqttFile.OnChange(func(config.MQTT) {
		c.log.Warn("mqtt configuration changed, restart to apply", "path", c.cfg.MQTTPath())
	})

	for _, w := range []interface{ Watch(context.Context) error }{c.modules, c.mqttFile} {
		if err := w.Watch(ctx); err != nil {
			c.log.Warn("configuration watch unavailable", "error", err)
		}
	}
}

func (c *Controller) startChlorinator(ctx context.Context, m config.Modules) {
	if m.Chlorinator == nil {
		return
	}
	c.cell = m.Chlorinator.Cell
	initial := logic.SwitchOn
	if m.Pump != nil {
		initial = logic.SwitchOff
	}

	var power chlorinator.PowerReader
	if pc := m.Chlorinator.PowerConsumption; pc != nil {
		p, err := c.opts.OpenPower(*pc)
		if err != nil {
			c.log.Error("chlorinator power sensor unavailable", "error", err)
		} else {
			c.power = p
			power = p
		}
	}

	c.chlorinator = chlorinator.New(chlorinator.Options{
		Config:        *m.Chlorinator,
		Port:          c.opts.Port,
		Store:         c.opts.Store,
		Bus:           c.bus,
		MQTT:          c.broker,
		Log:           c.opts.Log.Component("chlorinator"),
		Pump:          initial,
		CycleInterval: c.cfg.Timing.CycleCheckInterval,
		Power:         power,
		PowerInterval: c.cfg.Timing.SensorPoll,
	})
	c.chlorinator.Start(ctx)
}

func (c *Controller) startPump(ctx context.Context, m config.Modules) error {
	if m.Pump == nil {
		c.log.Info("no pump configured, assuming always on")
		c.onSwitch(logic.SwitchOn)
		return nil
	}
	c.tracker.SetPumpConfigured(true)

	dev, err := c.opts.NewSwitch(m.Pump.Switch, c.opts.Log.Component("tuya"))
	if err != nil {
		return err
	}
	c.pump = pump.New(pump.Options{
		Device:   dev,
		Bus:      c.bus,
		MQTT:     c.broker,
		Log:      c.opts.Log.Component("pump"),
		Grace:    c.cfg.Timing.PumpGrace,
		RetryMin: c.cfg.Timing.PumpRetryMin,
		RetryMax: c.cfg.Timing.PumpRetryMax,
	})
	c.pump.OnSwitch(c.onSwitch)
	c.pump.OnConnected(func() {
		c.scheduleSub.Do(func() {
			c.broker.Subscribe(string(channel.SystemSchedule), c.handleSchedule)
		})
	})
	c.pump.Start(ctx)
	return nil
}

func (c *Controller) startSensors(ctx context.Context, m config.Modules) {
	type probeSpec struct {
		name     string
		cfg      *config.SensorConfig
		temp     channel.Name
		humidity channel.Name
	}
	var specs []probeSpec
	if m.Water != nil && m.Water.Temperature != nil {
		specs = append(specs, probeSpec{"water", m.Water.Temperature, channel.WaterTemperature, ""})
	}
	if m.Ambient != nil && m.Ambient.Temperature != nil {
		specs = append(specs, probeSpec{"ambient", m.Ambient.Temperature, channel.AmbientTemperature, channel.AmbientHumidity})
	}

	for _, s := range specs {
		probe, err := c.opts.NewProbe(*s.cfg, s.temp, s.humidity)
		if err != nil {
			c.log.Error("sensor unavailable", "sensor", s.name, "error", err)
			continue
		}
		mon := sensor.NewMonitor(sensor.Options{
			Name:     s.name,
			Probe:    probe,
			Bus:      c.bus,
			MQTT:     c.broker,
			Log:      c.opts.Log.Component("sensor").With("sensor", s.name),
			Interval: c.cfg.Timing.SensorPoll,
		})
		mon.Start(ctx)
		c.sensors = append(c.sensors, mon)
	}
}

func (c *Controller) registerHandlers() {
	c.bus.Handle(channel.SystemStatus, func(string) { c.announceStatus() })
	c.bus.Handle(channel.SystemSwitch, func(string) { c.announceSwitch() })
	c.bus.Handle(channel.SystemSwitchSet, c.handleSwitchSet)
	c.bus.Handle(channel.SystemSchedule, c.handleSchedule)

	// MQTT queries are empty messages on the state topic.
	c.broker.Subscribe(string(channel.SystemStatus), func(p string) {
		if p == "" {
			c.publishStatus()
		}
	})
	c.broker.Subscribe(string(channel.SystemSwitch), func(p string) {
		if p == "" {
			c.publishSwitch()
		}
	})
	c.broker.Subscribe(string(channel.SystemSwitchSet), c.handleSwitchSet)
}

// onSwitch handles a pump switch event: it records and announces the
// state, gates the chlorinator and marks the system available on the first
// report.
func (c *Controller) onSwitch(s logic.SwitchState) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.switchState = s
	prev := c.status
	c.status = c.status.Next(logic.StatusAvailable)
	changed := c.status != prev
	c.mu.Unlock()

	c.log.Info("pump switch", "state", s)
	c.announceSwitch()
	c.publishSwitch()

	if c.chlorinator != nil {
		c.chlorinator.Switch(s)
	}
	if changed {
		c.announceStatus()
		c.publishStatus()
	}
}

func (c *Controller) handleSwitchSet(payload string) {
	s, err := logic.ParseSwitchState(payload)
	if err != nil {
		c.log.Warn("ignoring switch command", "error", err)
		return
	}
	c.requestSwitch(s)
}

// requestSwitch is the single path for manual and scheduled commands.
func (c *Controller) requestSwitch(s logic.SwitchState) {
	if c.pump == nil {
		c.log.Warn("switch command ignored, no pump configured", "state", s)
		return
	}
	c.pump.Switch(s)
}

func (c *Controller) handleSchedule(payload string) {
	if payload == "" {
		c.bus.Send(channel.SystemSchedule, c.schedule.Current())
		return
	}
	if err := c.schedule.Apply(payload); err != nil {
		c.log.Warn("ignoring schedule", "error", err)
		return
	}
	c.bus.Send(channel.SystemSchedule, c.schedule.Current())
}

func (c *Controller) setStatus(to logic.SystemStatus) {
	c.mu.Lock()
	prev := c.status
	c.status = c.status.Next(to)
	changed := c.status != prev
	c.mu.Unlock()
	if changed {
		c.announceStatus()
		c.publishStatus()
	}
}

// Status returns the system status.
func (c *Controller) Status() logic.SystemStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SwitchState returns the last reported pump state, empty before the first
// report.
func (c *Controller) SwitchState() logic.SwitchState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.switchState
}

func (c *Controller) announceStatus() {
	c.bus.Send(channel.SystemStatus, c.Status().String())
}

func (c *Controller) publishStatus() {
	if c.broker != nil {
		c.broker.Publish(string(channel.SystemStatus), c.Status().String())
	}
}

// announceSwitch pushes the state, or nil while it is unknown.
func (c *Controller) announceSwitch() {
	if s := c.SwitchState(); s != "" {
		c.bus.Send(channel.SystemSwitch, string(s))
		return
	}
	c.bus.Send(channel.SystemSwitch, nil)
}

func (c *Controller) publishSwitch() {
	if s := c.SwitchState(); s != "" {
		c.broker.Publish(string(channel.SystemSwitch), string(s))
	}
}

func (c *Controller) pumpConnection() string {
	if c.pump == nil {
		return ""
	}
	return c.pump.State().String()
}

func (c *Controller) chlorinatorInfo() status.ChlorinatorInfo {
	if c.chlorinator == nil {
		return status.ChlorinatorInfo{}
	}
	st := c.chlorinator.State()
	pin := c.cell.In1
	if st.ActiveCell == 2 {
		pin = c.cell.In2
	}
	info := status.ChlorinatorInfo{
		Output:     st.Output,
		Effective:  st.Effective,
		DutyCycle:  st.DutyCycle,
		ActiveCell: pin,
	}
	if t, err := logic.ParseDate(st.ActiveCellStart); err == nil {
		info.ActiveCellStart = t
	}
	return info
}

// Stop stops every loop, then drives the chlorinator to zero and closes the
// devices, the broker and the store. The cell is zeroed only after the pump
// loop has exited so an in-flight switch report cannot re-energize it.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.stopped || c.cancel == nil {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	c.cancel()
	c.schedule.Stop()

	if c.chlorinator != nil {
		c.chlorinator.Wait()
	}
	if c.pump != nil {
		c.pump.Wait()
	}
	for _, s := range c.sensors {
		s.Wait()
	}
	c.network.Wait()
	c.modules.Wait()
	c.mqttFile.Wait()

	if c.chlorinator != nil {
		c.chlorinator.Switch(logic.SwitchOff)
	}

	var errs []error
	if c.pump != nil {
		errs = append(errs, c.pump.Close())
	}
	if c.power != nil {
		errs = append(errs, c.power.Close())
	}
	if c.broker != nil {
		errs = append(errs, c.broker.Close())
	}
	if c.opts.Port != nil {
		errs = append(errs, c.opts.Port.Close())
	}
	if c.opts.Store != nil {
		errs = append(errs, c.opts.Store.Close())
	}
	c.log.Info("controller stopped")
	return errors.Join(errs...)
}
