package sensor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sweeney/pool-controller/internal/channel"
)

// Sysfs roots of the kernel drivers.
const (
	W1Dir  = "/sys/bus/w1/devices"
	IIODir = "/sys/bus/iio/devices"
)

// ErrCRC is returned when the 1-Wire driver reports a failed checksum.
var ErrCRC = errors.New("ds18b20: crc check failed")

// DS18B20 reads a 1-Wire temperature probe through the w1_therm driver.
type DS18B20 struct {
	path       string
	fahrenheit bool
	channel    channel.Name
}

// NewDS18B20 creates a probe for the device id under dir. units is "C"
// (default) or "F".
func NewDS18B20(dir, id, units string, ch channel.Name) *DS18B20 {
	return &DS18B20{
		path:       filepath.Join(dir, id, "w1_slave"),
		fahrenheit: strings.EqualFold(units, "F"),
		channel:    ch,
	}
}

func (d *DS18B20) Channels() []channel.Name { return []channel.Name{d.channel} }

// Read parses the two-line w1_slave format:
//
//	72 01 4b 46 7f ff 0e 10 57 : crc=57 YES
//	72 01 4b 46 7f ff 0e 10 57 t=23125
func (d *DS18B20) Read() (map[channel.Name]float64, error) {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return nil, fmt.Errorf("ds18b20: %w", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) < 2 {
		return nil, fmt.Errorf("ds18b20: short read from %s", d.path)
	}
	if !strings.HasSuffix(strings.TrimSpace(lines[0]), "YES") {
		return nil, ErrCRC
	}
	i := strings.LastIndex(lines[1], "t=")
	if i < 0 {
		return nil, fmt.Errorf("ds18b20: no temperature in %s", d.path)
	}
	milli, err := strconv.Atoi(strings.TrimSpace(lines[1][i+2:]))
	if err != nil {
		return nil, fmt.Errorf("ds18b20: %w", err)
	}

	c := float64(milli) / 1000
	if d.fahrenheit {
		c = c*9/5 + 32
	}
	return map[channel.Name]float64{d.channel: c}, nil
}

// DHT reads a DHT11/DHT22 through the Linux IIO dht11 driver.
type DHT struct {
	dir         string
	temperature channel.Name
	humidity    channel.Name
}

// NewDHT creates a probe for the IIO device under root.
func NewDHT(root, device string, temperature, humidity channel.Name) *DHT {
	return &DHT{dir: filepath.Join(root, device), temperature: temperature, humidity: humidity}
}

func (d *DHT) Channels() []channel.Name {
	if d.humidity == "" {
		return []channel.Name{d.temperature}
	}
	return []channel.Name{d.temperature, d.humidity}
}

// Read returns temperature in °C and relative humidity in %. The driver
// reports both in thousandths.
func (d *DHT) Read() (map[channel.Name]float64, error) {
	t, err := readMilli(filepath.Join(d.dir, "in_temp_input"))
	if err != nil {
		return nil, fmt.Errorf("dht: %w", err)
	}
	out := map[channel.Name]float64{d.temperature: t}
	if d.humidity != "" {
		h, err := readMilli(filepath.Join(d.dir, "in_humidityrelative_input"))
		if err != nil {
			return nil, fmt.Errorf("dht: %w", err)
		}
		out[d.humidity] = h
	}
	return out, nil
}

func readMilli(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return float64(n) / 1000, nil
}
