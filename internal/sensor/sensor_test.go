package sensor

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/sweeney/pool-controller/internal/channel"
	"github.com/sweeney/pool-controller/internal/config"
	"github.com/sweeney/pool-controller/internal/logging"
	"github.com/sweeney/pool-controller/internal/mqtt"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

const w1Good = "72 01 4b 46 7f ff 0e 10 57 : crc=57 YES\n72 01 4b 46 7f ff 0e 10 57 t=23125\n"

func TestDS18B20(t *testing.T) {
	tests := []struct {
		name    string
		content string
		units   string
		want    float64
		wantErr bool
	}{
		{"celsius", w1Good, "C", 23.125, false},
		{"fahrenheit", w1Good, "F", 73.625, false},
		{"negative", "aa : crc=aa YES\naa t=-1250\n", "", -1.25, false},
		{"crc failure", "72 01 : crc=57 NO\n72 01 t=23125\n", "C", 0, true},
		{"short", "72 01 : crc=57 YES\n", "C", 0, true},
		{"no reading", "72 01 : crc=57 YES\n72 01 4b\n", "C", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, filepath.Join(dir, "28-0000", "w1_slave"), tt.content)

			p := NewDS18B20(dir, "28-0000", tt.units, channel.WaterTemperature)
			got, err := p.Read()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if v := got[channel.WaterTemperature]; math.Abs(v-tt.want) > 1e-9 {
				t.Errorf("got %v, want %v", v, tt.want)
			}
		})
	}
}

func TestDS18B20MissingDevice(t *testing.T) {
	p := NewDS18B20(t.TempDir(), "28-absent", "C", channel.WaterTemperature)
	if _, err := p.Read(); err == nil {
		t.Error("expected error for missing device")
	}
}

func TestDHT(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "iio:device0", "in_temp_input"), "21400\n")
	writeFile(t, filepath.Join(root, "iio:device0", "in_humidityrelative_input"), "55300\n")

	p := NewDHT(root, "iio:device0", channel.AmbientTemperature, channel.AmbientHumidity)
	got, err := p.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got[channel.AmbientTemperature] != 21.4 || got[channel.AmbientHumidity] != 55.3 {
		t.Errorf("got %v", got)
	}
	if len(p.Channels()) != 2 {
		t.Errorf("channels = %v", p.Channels())
	}
}

func TestDHTReadError(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "iio:device0", "in_temp_input"), "garbage")

	p := NewDHT(root, "iio:device0", channel.AmbientTemperature, channel.AmbientHumidity)
	if _, err := p.Read(); err == nil {
		t.Error("expected parse error")
	}
}

func TestNewProbe(t *testing.T) {
	if _, err := NewProbe(config.SensorConfig{Type: "ds18b20"}, channel.WaterTemperature, ""); err == nil {
		t.Error("expected error without device id")
	}
	if _, err := NewProbe(config.SensorConfig{Type: "bme280"}, channel.AmbientTemperature, ""); err == nil {
		t.Error("expected error for unknown type")
	}
	p, err := NewProbe(config.SensorConfig{Type: "dht", Configuration: config.SensorDriverOptions{GPIO: 4, Type: 22}},
		channel.AmbientTemperature, channel.AmbientHumidity)
	if err != nil {
		t.Fatalf("NewProbe: %v", err)
	}
	if _, ok := p.(*DHT); !ok {
		t.Errorf("probe = %T", p)
	}
}

type fakeRegisters struct {
	regs    map[byte]uint16
	writes  map[byte]uint16
	readErr error
}

func (f *fakeRegisters) ReadReg(reg byte) (uint16, error) {
	if f.readErr != nil {
		return 0, f.readErr
	}
	return f.regs[reg], nil
}

func (f *fakeRegisters) WriteReg(reg byte, v uint16) error {
	f.writes[reg] = v
	return nil
}

func (f *fakeRegisters) Close() error { return nil }

func TestINA226(t *testing.T) {
	dev := &fakeRegisters{
		regs: map[byte]uint16{
			regBusVoltage: 9600,
			regCurrent:    10240,
			regPower:      480,
		},
		writes: map[byte]uint16{},
	}
	s, err := NewINA226(dev, 0.1, 3200)
	if err != nil {
		t.Fatalf("NewINA226: %v", err)
	}

	tm, err := s.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if dev.writes[regCalibration] != 524 {
		t.Errorf("calibration = %d, want 524", dev.writes[regCalibration])
	}
	if _, ok := dev.writes[regConfig]; !ok {
		t.Error("config register not written")
	}
	if math.Abs(*tm.Voltage-12.0) > 1e-9 {
		t.Errorf("voltage = %v", *tm.Voltage)
	}
	if math.Abs(*tm.CurrentMilliamps-1000) > 1e-9 {
		t.Errorf("current = %v", *tm.CurrentMilliamps)
	}
	if math.Abs(*tm.PowerKilowatts-0.001171875) > 1e-12 {
		t.Errorf("power = %v", *tm.PowerKilowatts)
	}
}

func TestINA226ReconfiguresAfterError(t *testing.T) {
	dev := &fakeRegisters{regs: map[byte]uint16{}, writes: map[byte]uint16{}}
	s, _ := NewINA226(dev, 0.1, 3200)

	dev.readErr = errors.New("remote I/O error")
	if _, err := s.Read(); err == nil {
		t.Fatal("expected error")
	}
	delete(dev.writes, regCalibration)
	dev.readErr = nil
	if _, err := s.Read(); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if _, ok := dev.writes[regCalibration]; !ok {
		t.Error("calibration not rewritten after failure")
	}
}

func TestINA226RejectsBadCalibration(t *testing.T) {
	if _, err := NewINA226(&fakeRegisters{}, 0, 3200); err == nil {
		t.Error("expected error for zero shunt")
	}
}

type scriptedProbe struct {
	values []map[channel.Name]float64
	errs   []error
	i      int
}

func (p *scriptedProbe) Channels() []channel.Name {
	return []channel.Name{channel.AmbientTemperature, channel.AmbientHumidity}
}

func (p *scriptedProbe) Read() (map[channel.Name]float64, error) {
	i := p.i
	p.i++
	return p.values[i], p.errs[i]
}

func TestMonitorEmitsChangesOnly(t *testing.T) {
	probe := &scriptedProbe{
		values: []map[channel.Name]float64{
			{channel.AmbientTemperature: 21.43, channel.AmbientHumidity: 55},
			{channel.AmbientTemperature: 21.41, channel.AmbientHumidity: 56},
			nil,
			{channel.AmbientTemperature: 22, channel.AmbientHumidity: 56},
		},
		errs: []error{nil, nil, errors.New("timeout"), nil},
	}
	bus := channel.New()
	rec := channel.NewRecorder(bus)
	broker := mqtt.NewFakeClient(true)
	m := NewMonitor(Options{
		Name:  "ambient",
		Probe: probe,
		Bus:   bus,
		MQTT:  mqtt.NewAdapter(broker, "", logging.Discard()),
		Log:   logging.Discard(),
	})

	for i := 0; i < 4; i++ {
		err := m.Poll()
		if (i == 2) != (err != nil) {
			t.Fatalf("poll %d: err = %v", i, err)
		}
	}

	if got := rec.On(channel.AmbientTemperature); len(got) != 2 || got[0] != "21.4" || got[1] != "22.0" {
		t.Errorf("temperature events = %v", got)
	}
	if got := rec.On(channel.AmbientHumidity); len(got) != 2 || got[1] != "56.0" {
		t.Errorf("humidity events = %v", got)
	}
	if got := broker.PublishedTo("ambient/temperature"); len(got) != 2 {
		t.Errorf("mqtt temperature = %v", got)
	}
	if v, ok := m.Value(channel.AmbientHumidity); !ok || v != "56.0" {
		t.Errorf("Value = %q, %v", v, ok)
	}
}
