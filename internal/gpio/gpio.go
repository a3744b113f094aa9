// Package gpio provides discrete pin and PWM access with hardware abstraction.
// The cdev implementation uses the Linux GPIO character device, the pigpiod
// implementation talks to the pigpio daemon, and the fake implementation
// allows testing without hardware.
package gpio

import (
	"fmt"

	"github.com/sweeney/pool-controller/internal/config"
)

// Mode is the direction of a pin.
type Mode int

const (
	Input Mode = iota
	Output
)

func (m Mode) String() string {
	if m == Output {
		return "out"
	}
	return "in"
}

// Level is the logic level of a pin.
type Level int

const (
	Low  Level = 0
	High Level = 1
)

// Port is the set of pin primitives the controller depends on. Calls may
// fail with a transport error and are never retried by the port.
type Port interface {
	SetMode(pin int, mode Mode) error
	Mode(pin int) (Mode, error)
	Level(pin int) (Level, error)
	SetLevel(pin int, level Level) error

	// PWMWrite drives pin with duty in [0, PWMRange(pin)].
	PWMWrite(pin int, duty int) error
	PWMRange(pin int) (int, error)

	// Close releases the port and returns pins to a safe state.
	Close() error
}

// DefaultRange is the PWM range of the software PWM and pigpio's default.
const DefaultRange = 255

// New opens the port selected by cfg.Driver.
func New(cfg config.GPIOConfig) (Port, error) {
	switch cfg.Driver {
	case "pigpiod":
		return NewPigpiodPort(cfg.PigpiodAddr), nil
	case "cdev", "":
		p, err := NewCdevPort(cfg.Chip, cfg.PWMFrequency)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, fmt.Errorf("gpio: unknown driver %q", cfg.Driver)
}
