package gpio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// pigpio socket command numbers.
const (
	pigModes = 0
	pigModeg = 1
	pigRead  = 3
	pigWrite = 4
	pigPWM   = 5
	pigPRG   = 22
)

const pigTimeout = 2 * time.Second

// PigpiodPort talks to the pigpio daemon over its socket interface. Each
// command is a 16 byte frame (cmd, p1, p2, p3 as little-endian uint32) and the
// reply echoes it with the result in the last word.
type PigpiodPort struct {
	addr string
	dial func(network, addr string) (net.Conn, error)

	mu   sync.Mutex
	conn net.Conn
	pwm  map[int]bool
}

// NewPigpiodPort creates a port for addr ("host:8888"). The connection is
// opened lazily and re-opened after a transport error.
func NewPigpiodPort(addr string) *PigpiodPort {
	return &PigpiodPort{
		addr: addr,
		dial: func(network, addr string) (net.Conn, error) {
			return net.DialTimeout(network, addr, pigTimeout)
		},
	}
}

func (p *PigpiodPort) command(cmd, p1, p2 uint32) (int32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		conn, err := p.dial("tcp", p.addr)
		if err != nil {
			return 0, fmt.Errorf("dial pigpiod %s: %w", p.addr, err)
		}
		p.conn = conn
	}

	var req [16]byte
	binary.LittleEndian.PutUint32(req[0:], cmd)
	binary.LittleEndian.PutUint32(req[4:], p1)
	binary.LittleEndian.PutUint32(req[8:], p2)

	p.conn.SetDeadline(time.Now().Add(pigTimeout))
	if _, err := p.conn.Write(req[:]); err != nil {
		p.reset()
		return 0, fmt.Errorf("pigpiod write cmd %d: %w", cmd, err)
	}
	var resp [16]byte
	if _, err := io.ReadFull(p.conn, resp[:]); err != nil {
		p.reset()
		return 0, fmt.Errorf("pigpiod read cmd %d: %w", cmd, err)
	}

	res := int32(binary.LittleEndian.Uint32(resp[12:]))
	if res < 0 {
		return res, fmt.Errorf("pigpiod cmd %d gpio %d: error %d", cmd, p1, res)
	}
	return res, nil
}

func (p *PigpiodPort) reset() {
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

// SetMode sets the pin direction.
func (p *PigpiodPort) SetMode(pin int, mode Mode) error {
	_, err := p.command(pigModes, uint32(pin), uint32(mode))
	return err
}

// Mode reads the pin direction. Alternate functions are reported as Output.
func (p *PigpiodPort) Mode(pin int) (Mode, error) {
	res, err := p.command(pigModeg, uint32(pin), 0)
	if err != nil {
		return Input, err
	}
	if res == 0 {
		return Input, nil
	}
	return Output, nil
}

// Level reads the pin.
func (p *PigpiodPort) Level(pin int) (Level, error) {
	res, err := p.command(pigRead, uint32(pin), 0)
	if err != nil {
		return Low, err
	}
	if res == 0 {
		return Low, nil
	}
	return High, nil
}

// SetLevel writes the pin.
func (p *PigpiodPort) SetLevel(pin int, level Level) error {
	_, err := p.command(pigWrite, uint32(pin), uint32(level))
	return err
}

// PWMWrite starts hardware-timed PWM on pin.
func (p *PigpiodPort) PWMWrite(pin int, duty int) error {
	if duty < 0 {
		return fmt.Errorf("pwm pin %d: negative duty %d", pin, duty)
	}
	if _, err := p.command(pigPWM, uint32(pin), uint32(duty)); err != nil {
		return err
	}
	p.mu.Lock()
	if p.pwm == nil {
		p.pwm = make(map[int]bool)
	}
	p.pwm[pin] = true
	p.mu.Unlock()
	return nil
}

// PWMRange returns the daemon's PWM range for pin, or DefaultRange if it
// cannot be read.
func (p *PigpiodPort) PWMRange(pin int) (int, error) {
	res, err := p.command(pigPRG, uint32(pin), 0)
	if err != nil || res <= 0 {
		return DefaultRange, err
	}
	return int(res), nil
}

// Close stops PWM on every pin this port drove and drops the socket. The
// daemon outlives the process, so a pin left running would stay energized.
func (p *PigpiodPort) Close() error {
	p.mu.Lock()
	pins := make([]int, 0, len(p.pwm))
	for pin := range p.pwm {
		pins = append(pins, pin)
	}
	p.pwm = nil
	p.mu.Unlock()

	var errs []error
	for _, pin := range pins {
		if _, err := p.command(pigPWM, uint32(pin), 0); err != nil {
			errs = append(errs, fmt.Errorf("stop pwm pin %d: %w", pin, err))
		}
	}

	p.mu.Lock()
	p.reset()
	p.mu.Unlock()
	return errors.Join(errs...)
}
