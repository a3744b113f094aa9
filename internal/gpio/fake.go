package gpio

import "sync"

// PWMCall records a single PWMWrite.
type PWMCall struct {
	Pin  int
	Duty int
}

// FakePort is a test double that records writes and keeps per-pin state.
// It is safe for concurrent use.
type FakePort struct {
	mu sync.Mutex

	// Range is returned by PWMRange (DefaultRange when zero).
	Range int

	// Writes contains every successful PWMWrite in order.
	Writes []PWMCall

	modes  map[int]Mode
	levels map[int]Level
	duty   map[int]int

	// WriteError, if set, is returned by PWMWrite, SetLevel and SetMode.
	WriteError error

	// RangeError, if set, is returned by PWMRange.
	RangeError error

	// Closed tracks if Close was called.
	Closed bool
}

// NewFakePort creates a FakePort with the default PWM range.
func NewFakePort() *FakePort {
	return &FakePort{
		modes:  make(map[int]Mode),
		levels: make(map[int]Level),
		duty:   make(map[int]int),
	}
}

func (f *FakePort) SetMode(pin int, mode Mode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.WriteError != nil {
		return f.WriteError
	}
	f.modes[pin] = mode
	return nil
}

func (f *FakePort) Mode(pin int) (Mode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.modes[pin], nil
}

func (f *FakePort) Level(pin int) (Level, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.levels[pin], nil
}

func (f *FakePort) SetLevel(pin int, level Level) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.WriteError != nil {
		return f.WriteError
	}
	f.levels[pin] = level
	return nil
}

func (f *FakePort) PWMWrite(pin int, duty int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.WriteError != nil {
		return f.WriteError
	}
	f.duty[pin] = duty
	f.Writes = append(f.Writes, PWMCall{Pin: pin, Duty: duty})
	return nil
}

func (f *FakePort) PWMRange(int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RangeError != nil {
		return DefaultRange, f.RangeError
	}
	if f.Range == 0 {
		return DefaultRange, nil
	}
	return f.Range, nil
}

func (f *FakePort) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// Duty returns the last duty cycle written to pin.
func (f *FakePort) Duty(pin int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.duty[pin]
}

// WriteCount returns the number of PWM writes so far.
func (f *FakePort) WriteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Writes)
}

// ModeOf returns the mode last set on pin.
func (f *FakePort) ModeOf(pin int) Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.modes[pin]
}

// SetWriteError sets WriteError under the lock.
func (f *FakePort) SetWriteError(err error) {
	f.mu.Lock()
	f.WriteError = err
	f.mu.Unlock()
}
