// Package logic contains the pure rules of the pool controller.
// This package has NO external dependencies (no GPIO, MQTT, OS, or time.Sleep).
// Time is always injectable via time.Time parameters.
package logic

import "fmt"

// SwitchState represents whether the pump is energized.
type SwitchState string

const (
	SwitchOn  SwitchState = "ON"
	SwitchOff SwitchState = "OFF"
)

// ParseSwitchState accepts the wire tags "ON" and "OFF".
func ParseSwitchState(s string) (SwitchState, error) {
	switch SwitchState(s) {
	case SwitchOn, SwitchOff:
		return SwitchState(s), nil
	}
	return "", fmt.Errorf("unknown switch state %q", s)
}

// SwitchFromBool maps a device boolean to a SwitchState.
func SwitchFromBool(b bool) SwitchState {
	if b {
		return SwitchOn
	}
	return SwitchOff
}

// SystemStatus is the overall controller status.
type SystemStatus int

const (
	StatusInitializing SystemStatus = iota
	StatusAvailable
	StatusError
)

func (s SystemStatus) String() string {
	switch s {
	case StatusInitializing:
		return "INITIALIZING"
	case StatusAvailable:
		return "AVAILABLE"
	case StatusError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// Next returns the status after an event. Available is only entered from
// Initializing and Error is terminal.
func (s SystemStatus) Next(to SystemStatus) SystemStatus {
	switch {
	case s == StatusError:
		return StatusError
	case to == StatusError:
		return StatusError
	case s == StatusInitializing && to == StatusAvailable:
		return StatusAvailable
	}
	return s
}

// Telemetry is one electrical sample. Nil fields are unknown.
type Telemetry struct {
	Voltage          *float64
	CurrentMilliamps *float64
	PowerKilowatts   *float64
}
