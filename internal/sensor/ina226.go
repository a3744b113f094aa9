package sensor

import (
	"fmt"
	"sync"

	"github.com/sweeney/pool-controller/internal/config"
	"github.com/sweeney/pool-controller/internal/logic"
)

// INA226 registers.
const (
	regConfig      = 0x00
	regBusVoltage  = 0x02
	regPower       = 0x03
	regCurrent     = 0x04
	regCalibration = 0x05
)

const (
	// 16 sample average, 1.1ms conversions, shunt and bus continuous.
	ina226Config = 0x4527

	busVoltageLSB = 0.00125 // V
	powerLSBRatio = 25
)

// Register is a 16-bit register device on an I2C bus.
type Register interface {
	ReadReg(reg byte) (uint16, error)
	WriteReg(reg byte, v uint16) error
	Close() error
}

// INA226 reads bus voltage, current and power from a TI INA226.
type INA226 struct {
	mu         sync.Mutex
	dev        Register
	currentLSB float64 // A
	cal        uint16
	configured bool
}

// OpenINA226 opens the device described by cfg on /dev/i2c-<bus>.
func OpenINA226(cfg config.Ina226Config) (*INA226, error) {
	bus := cfg.Bus
	if bus == 0 {
		bus = 1
	}
	addr := cfg.Address
	if addr == 0 {
		addr = 0x40
	}
	dev, err := openI2C(bus, addr)
	if err != nil {
		return nil, err
	}
	s, err := NewINA226(dev, cfg.RShunt, cfg.MaxMA)
	if err != nil {
		dev.Close()
		return nil, err
	}
	return s, nil
}

// NewINA226 calibrates for a shunt of rShunt ohms and a full scale of
// maxMA milliamps.
func NewINA226(dev Register, rShunt, maxMA float64) (*INA226, error) {
	if rShunt <= 0 || maxMA <= 0 {
		return nil, fmt.Errorf("ina226: rShunt and maxMa must be positive")
	}
	lsb := maxMA / 1000 / 32768
	cal := 0.00512 / (lsb * rShunt)
	if cal > 0xFFFF {
		return nil, fmt.Errorf("ina226: calibration %f out of range", cal)
	}
	return &INA226{dev: dev, currentLSB: lsb, cal: uint16(cal)}, nil
}

// Read returns one sample. The device is (re)configured on the first read
// and after any failure, since it loses calibration on power loss.
func (s *INA226) Read() (logic.Telemetry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.configured {
		if err := s.dev.WriteReg(regConfig, ina226Config); err != nil {
			return logic.Telemetry{}, fmt.Errorf("ina226 config: %w", err)
		}
		if err := s.dev.WriteReg(regCalibration, s.cal); err != nil {
			return logic.Telemetry{}, fmt.Errorf("ina226 calibrate: %w", err)
		}
		s.configured = true
	}

	vRaw, err := s.dev.ReadReg(regBusVoltage)
	if err != nil {
		s.configured = false
		return logic.Telemetry{}, fmt.Errorf("ina226 bus voltage: %w", err)
	}
	iRaw, err := s.dev.ReadReg(regCurrent)
	if err != nil {
		s.configured = false
		return logic.Telemetry{}, fmt.Errorf("ina226 current: %w", err)
	}
	pRaw, err := s.dev.ReadReg(regPower)
	if err != nil {
		s.configured = false
		return logic.Telemetry{}, fmt.Errorf("ina226 power: %w", err)
	}

	v := float64(vRaw) * busVoltageLSB
	ma := float64(int16(iRaw)) * s.currentLSB * 1000
	kw := float64(pRaw) * powerLSBRatio * s.currentLSB / 1000
	return logic.Telemetry{Voltage: &v, CurrentMilliamps: &ma, PowerKilowatts: &kw}, nil
}

// Close releases the bus.
func (s *INA226) Close() error {
	return s.dev.Close()
}
