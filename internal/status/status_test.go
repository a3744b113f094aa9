package status

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/pool-controller/internal/channel"
	"github.com/sweeney/pool-controller/internal/logic"
	"github.com/sweeney/pool-controller/internal/network"
)

func TestNewTracker(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := Config{DataDir: "/var/lib/pool-controller", Broker: "tcp://localhost:1883", HTTPAddr: ":80"}
	tr := NewTracker(start, cfg)

	snap := tr.Snapshot()
	if !snap.StartTime.Equal(start) {
		t.Errorf("StartTime: got %v, want %v", snap.StartTime, start)
	}
	if snap.Config.HTTPAddr != ":80" {
		t.Errorf("Config.HTTPAddr: got %q, want %q", snap.Config.HTTPAddr, ":80")
	}
	if snap.Status != logic.StatusInitializing {
		t.Errorf("Status: got %v, want INITIALIZING", snap.Status)
	}
	if snap.MQTTConnected {
		t.Error("expected MQTTConnected=false initially")
	}
	if snap.Chlorinator != nil {
		t.Error("expected nil Chlorinator without a source")
	}
}

func TestApplyEvents(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})
	bus := channel.New()
	cancel := tr.Observe(bus)
	defer cancel()

	bus.Send(channel.SystemStatus, logic.StatusAvailable.String())
	bus.Send(channel.SystemSwitch, string(logic.SwitchOn))
	bus.Send(channel.PumpKW, "0.75")
	bus.Send(channel.WaterTemperature, "26.5")
	bus.Send(channel.SystemNetwork, &network.Info{Iface: "wlan0", Address: "192.168.1.42"})

	snap := tr.Snapshot()
	if snap.Status != logic.StatusAvailable {
		t.Errorf("Status: got %v", snap.Status)
	}
	if snap.Switch != logic.SwitchOn {
		t.Errorf("Switch: got %q", snap.Switch)
	}
	if v, ok := snap.Reading(channel.PumpKW); !ok || v != "0.75" {
		t.Errorf("PumpKW: got %q, %v", v, ok)
	}
	if v, _ := snap.Reading(channel.WaterTemperature); v != "26.5" {
		t.Errorf("WaterTemperature: got %q", v)
	}
	if snap.Network == nil || snap.Network.Address != "192.168.1.42" {
		t.Errorf("Network: got %+v", snap.Network)
	}

	// Unknown telemetry clears the reading.
	bus.Send(channel.PumpKW, nil)
	if _, ok := tr.Snapshot().Reading(channel.PumpKW); ok {
		t.Error("PumpKW should be unknown after nil")
	}

	// Unrecognised status payloads are ignored.
	bus.Send(channel.SystemStatus, "BROKEN")
	if tr.Snapshot().Status != logic.StatusAvailable {
		t.Error("status changed on a bad payload")
	}
}

func TestSources(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})
	connected := false
	tr.SetSources(Sources{
		MQTTConnected:  func() bool { return connected },
		PumpConnection: func() string { return "connected" },
		Chlorinator: func() ChlorinatorInfo {
			return ChlorinatorInfo{Output: 40, Effective: 40, DutyCycle: 82, ActiveCell: 23}
		},
	})

	snap := tr.Snapshot()
	if snap.MQTTConnected {
		t.Error("expected MQTTConnected=false")
	}
	if snap.PumpConnection != "connected" {
		t.Errorf("PumpConnection: got %q", snap.PumpConnection)
	}
	if snap.Chlorinator == nil || snap.Chlorinator.DutyCycle != 82 {
		t.Errorf("Chlorinator: got %+v", snap.Chlorinator)
	}

	connected = true
	if !tr.Snapshot().MQTTConnected {
		t.Error("expected MQTTConnected=true")
	}
}

func TestSnapshotUptime(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	snap := Snapshot{
		StartTime: start,
		Now:       start.Add(15 * time.Minute),
	}

	if snap.Uptime() != 15*time.Minute {
		t.Errorf("Uptime: got %v, want 15m", snap.Uptime())
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})
	v := "230.1"
	tr.SetReading(channel.PumpVoltage, &v)
	tr.SetSwitch(logic.SwitchOn)

	snap1 := tr.Snapshot()

	tr.SetSwitch(logic.SwitchOff)
	tr.SetReading(channel.PumpVoltage, nil)

	if snap1.Switch != logic.SwitchOn {
		t.Error("snapshot should be a copy; Switch was modified")
	}
	if _, ok := snap1.Reading(channel.PumpVoltage); !ok {
		t.Error("snapshot should be a copy; readings were modified")
	}
}

func TestFormatJSON(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	snap := Snapshot{
		Status:         logic.StatusAvailable,
		Switch:         logic.SwitchOn,
		PumpConfigured: true,
		PumpConnection: "connected",
		MQTTConnected:  true,
		Chlorinator: &ChlorinatorInfo{
			Output: 40, Effective: 40, DutyCycle: 82, ActiveCell: 24,
			ActiveCellStart: time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC),
		},
		Readings: map[channel.Name]string{
			channel.PumpKW:           "0.75",
			channel.ChlorinatorMA:    "1200",
			channel.WaterTemperature: "26.5",
		},
		StartTime: start,
		Now:       start.Add(15 * time.Minute),
		Config:    Config{Broker: "tcp://localhost:1883", HTTPAddr: ":80", GPIODriver: "pigpiod"},
	}

	data := FormatJSON(snap)

	var parsed StatusJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	s := parsed.Status
	if s.System != "AVAILABLE" {
		t.Errorf("System: got %q, want AVAILABLE", s.System)
	}
	if s.Switch != "ON" {
		t.Errorf("Switch: got %q, want ON", s.Switch)
	}
	if s.UptimeSeconds != 900 {
		t.Errorf("UptimeSeconds: got %d, want 900", s.UptimeSeconds)
	}
	if !s.MQTT.Connected {
		t.Error("expected MQTT.Connected=true")
	}
	if s.Pump.KW == nil || *s.Pump.KW != "0.75" {
		t.Errorf("Pump.KW: got %v", s.Pump.KW)
	}
	if s.Pump.MA != nil {
		t.Errorf("Pump.MA: got %v, want null", *s.Pump.MA)
	}
	if s.Chlorinator == nil || s.Chlorinator.DutyCycle != 82 || s.Chlorinator.ActiveCellStart != "2026-01-03" {
		t.Errorf("Chlorinator: got %+v", s.Chlorinator)
	}
	if s.Chlorinator.MA == nil || *s.Chlorinator.MA != "1200" {
		t.Errorf("Chlorinator.MA: got %v", s.Chlorinator.MA)
	}
	if s.Sensors.WaterTemperature == nil || *s.Sensors.WaterTemperature != "26.5" {
		t.Errorf("Sensors.WaterTemperature: got %v", s.Sensors.WaterTemperature)
	}
	if s.Config.GPIODriver != "pigpiod" {
		t.Errorf("Config.GPIODriver: got %q", s.Config.GPIODriver)
	}
}

func TestFormatJSONUnknownState(t *testing.T) {
	snap := Snapshot{
		StartTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Now:       time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC),
	}

	data := FormatJSON(snap)

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	status := raw["status"].(map[string]any)
	if status["switch"] != "UNKNOWN" {
		t.Errorf("switch: got %v, want UNKNOWN", status["switch"])
	}
	if _, exists := status["chlorinator"]; exists {
		t.Error("chlorinator should be omitted when not running")
	}
	if _, exists := status["network"]; exists {
		t.Error("network should be omitted when unknown")
	}
}

func TestFormatJSONWithNetwork(t *testing.T) {
	snap := Snapshot{
		StartTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Now:       time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC),
		Network:   &network.Info{Type: "wifi", Address: "192.168.1.42", Status: "connected", SSID: "MyNet"},
	}

	var parsed StatusJSON
	json.Unmarshal(FormatJSON(snap), &parsed)

	if parsed.Status.Network == nil {
		t.Fatal("expected Network in JSON")
	}
	if parsed.Status.Network.IP != "192.168.1.42" {
		t.Errorf("Network.IP: got %q, want 192.168.1.42", parsed.Status.Network.IP)
	}
	if parsed.Status.Network.SSID != "MyNet" {
		t.Errorf("Network.SSID: got %q, want MyNet", parsed.Status.Network.SSID)
	}
}

func TestConcurrentAccess(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})
	bus := channel.New()
	tr.Observe(bus)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			bus.Send(channel.SystemSwitch, "ON")
			bus.Send(channel.PumpMA, "1500")
			tr.SetNetwork(&network.Info{Address: "1.2.3.4"})
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			snap := tr.Snapshot()
			_ = snap.Uptime()
			_ = FormatJSON(snap)
		}
	}()

	wg.Wait()
}
