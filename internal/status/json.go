package status

import (
	"encoding/json"
	"time"

	"github.com/sweeney/pool-controller/internal/channel"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	System        string           `json:"system"`
	Switch        string           `json:"switch"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	StartTime     string           `json:"start_time"`
	Timestamp     string           `json:"timestamp"`
	MQTT          MQTTStatus       `json:"mqtt"`
	Pump          PumpJSON         `json:"pump"`
	Chlorinator   *ChlorinatorJSON `json:"chlorinator,omitempty"`
	Sensors       SensorsJSON      `json:"sensors"`
	Network       *NetworkJSON     `json:"network,omitempty"`
	Config        ConfigJSON       `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// PumpJSON is the pump switch and its metering.
type PumpJSON struct {
	Configured bool    `json:"configured"`
	Connection string  `json:"connection,omitempty"`
	KW         *string `json:"kw"`
	MA         *string `json:"ma"`
	Voltage    *string `json:"voltage"`
}

// ChlorinatorJSON is the chlorinator state and its power monitor.
type ChlorinatorJSON struct {
	Output          int     `json:"output"`
	Effective       int     `json:"effective"`
	DutyCycle       int     `json:"duty_cycle"`
	ActiveCell      int     `json:"active_cell"`
	ActiveCellStart string  `json:"active_cell_start,omitempty"`
	KW              *string `json:"kw"`
	MA              *string `json:"ma"`
	Voltage         *string `json:"voltage"`
}

// SensorsJSON holds the temperature and humidity readings.
type SensorsJSON struct {
	WaterTemperature   *string `json:"water_temperature"`
	AmbientTemperature *string `json:"ambient_temperature"`
	AmbientHumidity    *string `json:"ambient_humidity"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Iface      string `json:"iface"`
	IP         string `json:"ip"`
	Type       string `json:"type"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	DataDir    string `json:"data_dir"`
	HTTPAddr   string `json:"http_addr"`
	Broker     string `json:"broker"`
	GPIODriver string `json:"gpio_driver"`
}

func buildInner(snap Snapshot) StatusInner {
	sw := string(snap.Switch)
	if sw == "" {
		sw = "UNKNOWN"
	}
	reading := func(name channel.Name) *string {
		if v, ok := snap.Reading(name); ok {
			return &v
		}
		return nil
	}

	inner := StatusInner{
		System:        snap.Status.String(),
		Switch:        sw,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Pump: PumpJSON{
			Configured: snap.PumpConfigured,
			Connection: snap.PumpConnection,
			KW:         reading(channel.PumpKW),
			MA:         reading(channel.PumpMA),
			Voltage:    reading(channel.PumpVoltage),
		},
		Sensors: SensorsJSON{
			WaterTemperature:   reading(channel.WaterTemperature),
			AmbientTemperature: reading(channel.AmbientTemperature),
			AmbientHumidity:    reading(channel.AmbientHumidity),
		},
		Config: ConfigJSON{
			DataDir:    snap.Config.DataDir,
			HTTPAddr:   snap.Config.HTTPAddr,
			Broker:     snap.Config.Broker,
			GPIODriver: snap.Config.GPIODriver,
		},
	}

	if c := snap.Chlorinator; c != nil {
		inner.Chlorinator = &ChlorinatorJSON{
			Output:     c.Output,
			Effective:  c.Effective,
			DutyCycle:  c.DutyCycle,
			ActiveCell: c.ActiveCell,
			KW:         reading(channel.ChlorinatorKW),
			MA:         reading(channel.ChlorinatorMA),
			Voltage:    reading(channel.ChlorinatorVoltage),
		}
		if !c.ActiveCellStart.IsZero() {
			inner.Chlorinator.ActiveCellStart = c.ActiveCellStart.Format(time.DateOnly)
		}
	}

	if n := snap.Network; n != nil {
		inner.Network = &NetworkJSON{
			Iface:      n.Iface,
			IP:         n.Address,
			Type:       n.Type,
			Status:     n.Status,
			Gateway:    n.Gateway,
			WifiStatus: n.WifiStatus,
			SSID:       n.SSID,
		}
	}
	return inner
}

// FormatJSON returns the indented JSON status for the web endpoint.
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}
