package config

// Modules is the content of modules.config.json. A nil section means the
// module is disabled.
type Modules struct {
	Pump        *PumpConfig        `json:"pump,omitempty"`
	Chlorinator *ChlorinatorConfig `json:"chlorinator,omitempty"`
	Water       *WaterConfig       `json:"water,omitempty"`
	Ambient     *AmbientConfig     `json:"ambient,omitempty"`
}

// Empty reports whether no module at all is enabled.
func (m Modules) Empty() bool {
	return m.Pump == nil && m.Chlorinator == nil &&
		(m.Water == nil || m.Water.Temperature == nil) &&
		(m.Ambient == nil || m.Ambient.Temperature == nil)
}

// PumpConfig describes the smart switch powering the pump.
type PumpConfig struct {
	Switch SwitchConfig `json:"switch"`
}

// SwitchConfig is tagged by Type; Configuration is interpreted per type.
type SwitchConfig struct {
	Type          string     `json:"type"`
	Configuration TuyaConfig `json:"configuration"`
}

// TuyaConfig addresses a Tuya smart plug on the LAN. An empty IPAddress
// means the device is discovered by broadcast.
type TuyaConfig struct {
	IPAddress string `json:"ipAddress"`
	DeviceID  string `json:"deviceId"`
	LocalKey  string `json:"localKey"`
	Version   string `json:"version,omitempty"`
}

// ChlorinatorConfig describes the two-cell chlorinator.
type ChlorinatorConfig struct {
	Cell             CellConfig    `json:"cell"`
	PowerConsumption *Ina226Config `json:"powerConsumption,omitempty"`
}

// CellConfig holds the BCM pins of both cells and the alternation period.
type CellConfig struct {
	In1              int `json:"in1"`
	In2              int `json:"in2"`
	DescaleCycleDays int `json:"descaleCycleDays"`
}

// Ina226Config configures the power monitor on the I2C bus.
type Ina226Config struct {
	Bus     int     `json:"bus,omitempty"`
	Address int     `json:"address"`
	RShunt  float64 `json:"rShunt"`
	MaxMA   float64 `json:"maxMa"`
}

// WaterConfig holds the water sensors.
type WaterConfig struct {
	Temperature *SensorConfig `json:"temperature,omitempty"`
}

// AmbientConfig holds the ambient sensors.
type AmbientConfig struct {
	Temperature *SensorConfig `json:"temperature,omitempty"`
}

// SensorConfig is tagged by Type ("ds18b20" or "dht").
type SensorConfig struct {
	Type          string              `json:"type"`
	Configuration SensorDriverOptions `json:"configuration"`
}

// SensorDriverOptions is the union of the per-driver options.
type SensorDriverOptions struct {
	// ds18b20
	DeviceID string `json:"deviceId,omitempty"`
	Units    string `json:"units,omitempty"`

	// dht
	GPIO      int    `json:"gpio,omitempty"`
	Type      int    `json:"type,omitempty"`
	IIODevice string `json:"iioDevice,omitempty"`
}

// MQTT is the content of mqtt.config.json.
type MQTT struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topicPrefix,omitempty"`
}

// Configured reports whether a broker host is set.
func (m MQTT) Configured() bool { return m.Host != "" }
