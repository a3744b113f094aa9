//go:build !linux

package gpio

import "errors"

// CdevPort is not available on non-Linux platforms.
type CdevPort struct{}

// NewCdevPort returns an error on non-Linux platforms.
func NewCdevPort(string, int) (*CdevPort, error) {
	return nil, errors.New("gpio: character device not supported on this platform (requires Linux)")
}

func (p *CdevPort) SetMode(int, Mode) error { return errors.New("gpio: not supported") }
func (p *CdevPort) Mode(int) (Mode, error) { return Input, errors.New("gpio: not supported") }
func (p *CdevPort) Level(int) (Level, error) { return Low, errors.New("gpio: not supported") }
func (p *CdevPort) SetLevel(int, Level) error { return errors.New("gpio: not supported") }
func (p *CdevPort) PWMWrite(int, int) error { return errors.New("gpio: not supported") }
func (p *CdevPort) PWMRange(int) (int, error) { return DefaultRange, nil }
func (p *CdevPort) Close() error { return nil }
