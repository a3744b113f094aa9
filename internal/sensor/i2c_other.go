//go:build !linux

package sensor

import "errors"

type i2cDev struct{}

func openI2C(int, int) (*i2cDev, error) {
	return nil, errors.New("sensor: i2c-dev not supported on this platform (requires Linux)")
}

func (d *i2cDev) ReadReg(byte) (uint16, error) { return 0, errors.New("sensor: not supported") }
func (d *i2cDev) WriteReg(byte, uint16) error  { return errors.New("sensor: not supported") }
func (d *i2cDev) Close() error                 { return nil }
