//go:build linux

package gpio

import (
	"fmt"
	"sync"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

// CdevPort drives pins through the Linux GPIO character device. The
// character device has no PWM, so PWM is generated in software per pin.
type CdevPort struct {
	mu     sync.Mutex
	chip   *gpiocdev.Chip
	lines  map[int]*gpiocdev.Line
	modes  map[int]Mode
	pwm    map[int]*softPWM
	period time.Duration
}

// NewCdevPort opens the named chip (e.g. "gpiochip0"). frequency is the
// software PWM frequency in Hz.
func NewCdevPort(chipName string, frequency int) (*CdevPort, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}
	if frequency <= 0 {
		frequency = 100
	}
	return &CdevPort{
		chip:   chip,
		lines:  make(map[int]*gpiocdev.Line),
		modes:  make(map[int]Mode),
		pwm:    make(map[int]*softPWM),
		period: time.Second / time.Duration(frequency),
	}, nil
}

// SetMode requests or reconfigures the line. Outputs start low.
func (p *CdevPort) SetMode(pin int, mode Mode) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopPWM(pin)
	return p.configure(pin, mode)
}

func (p *CdevPort) configure(pin int, mode Mode) error {
	if line, ok := p.lines[pin]; ok {
		if p.modes[pin] == mode {
			return nil
		}
		var err error
		if mode == Output {
			err = line.Reconfigure(gpiocdev.AsOutput(0))
		} else {
			err = line.Reconfigure(gpiocdev.AsInput)
		}
		if err != nil {
			return fmt.Errorf("reconfigure pin %d: %w", pin, err)
		}
		p.modes[pin] = mode
		return nil
	}

	var (
		line *gpiocdev.Line
		err  error
	)
	if mode == Output {
		line, err = p.chip.RequestLine(pin, gpiocdev.AsOutput(0))
	} else {
		line, err = p.chip.RequestLine(pin, gpiocdev.AsInput)
	}
	if err != nil {
		return fmt.Errorf("request pin %d: %w", pin, err)
	}
	p.lines[pin] = line
	p.modes[pin] = mode
	return nil
}

// Mode returns the last configured mode; unrequested pins report Input.
func (p *CdevPort) Mode(pin int) (Mode, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.modes[pin], nil
}

// Level reads the pin, requesting it as input if it is not held yet.
func (p *CdevPort) Level(pin int) (Level, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	line, ok := p.lines[pin]
	if !ok {
		if err := p.configure(pin, Input); err != nil {
			return Low, err
		}
		line = p.lines[pin]
	}
	v, err := line.Value()
	if err != nil {
		return Low, fmt.Errorf("read pin %d: %w", pin, err)
	}
	return Level(v), nil
}

// SetLevel drives an output pin, cancelling any PWM on it.
func (p *CdevPort) SetLevel(pin int, level Level) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopPWM(pin)
	return p.setValue(pin, int(level))
}

func (p *CdevPort) setValue(pin, v int) error {
	if err := p.configure(pin, Output); err != nil {
		return err
	}
	if err := p.lines[pin].SetValue(v); err != nil {
		return fmt.Errorf("write pin %d: %w", pin, err)
	}
	return nil
}

// PWMWrite starts, updates or stops software PWM on pin.
func (p *CdevPort) PWMWrite(pin int, duty int) error {
	if duty < 0 || duty > DefaultRange {
		return fmt.Errorf("pwm pin %d: duty %d outside [0,%d]", pin, duty, DefaultRange)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if duty == 0 || duty == DefaultRange {
		p.stopPWM(pin)
		return p.setValue(pin, duty/DefaultRange)
	}

	if pwm, ok := p.pwm[pin]; ok {
		pwm.set(duty)
		return nil
	}
	if err := p.configure(pin, Output); err != nil {
		return err
	}
	pwm := newSoftPWM(p.lines[pin], p.period, duty)
	p.pwm[pin] = pwm
	go pwm.run()
	return nil
}

// PWMRange is fixed for software PWM.
func (p *CdevPort) PWMRange(int) (int, error) {
	return DefaultRange, nil
}

func (p *CdevPort) stopPWM(pin int) {
	if pwm, ok := p.pwm[pin]; ok {
		pwm.stop()
		delete(p.pwm, pin)
	}
}

// Close stops all PWM, drives outputs low and returns every line to input
// so the cells are de-energized across a restart.
func (p *CdevPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for pin := range p.pwm {
		p.stopPWM(pin)
	}
	for pin, line := range p.lines {
		if p.modes[pin] == Output {
			if err := line.SetValue(0); err != nil {
				errs = append(errs, fmt.Errorf("drive pin %d low: %w", pin, err))
			}
		}
		if err := line.Reconfigure(gpiocdev.AsInput); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure pin %d: %w", pin, err))
		}
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pin %d: %w", pin, err))
		}
	}
	if err := p.chip.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close chip: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// softPWM toggles a line with a fixed period.
type softPWM struct {
	line   *gpiocdev.Line
	period time.Duration

	mu   sync.Mutex
	duty int
	done chan struct{}
	exit chan struct{}
}

func newSoftPWM(line *gpiocdev.Line, period time.Duration, duty int) *softPWM {
	return &softPWM{
		line:   line,
		period: period,
		duty:   duty,
		done:   make(chan struct{}),
		exit:   make(chan struct{}),
	}
}

func (s *softPWM) set(duty int) {
	s.mu.Lock()
	s.duty = duty
	s.mu.Unlock()
}

func (s *softPWM) run() {
	defer close(s.exit)
	for {
		s.mu.Lock()
		high := s.period * time.Duration(s.duty) / DefaultRange
		s.mu.Unlock()

		s.line.SetValue(1)
		if !s.wait(high) {
			return
		}
		s.line.SetValue(0)
		if !s.wait(s.period - high) {
			return
		}
	}
}

func (s *softPWM) wait(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.done:
		return false
	case <-t.C:
		return true
	}
}

// stop ends the loop and leaves the line low.
func (s *softPWM) stop() {
	close(s.done)
	<-s.exit
	s.line.SetValue(0)
}
