package pump

import (
	"context"
	"sync"

	"github.com/sweeney/pool-controller/internal/logic"
)

// SetCall records a single Set.
type SetCall struct {
	Index int
	Value any
}

// FakeDevice is a scriptable Device for tests. It is safe for concurrent use.
type FakeDevice struct {
	mu sync.Mutex

	events chan Event

	connectErr  error
	setErr      error
	connects    int
	inFlight    int
	maxInFlight int
	sets        []SetCall
	closed      bool

	// Block, if non-nil, is received from before Connect returns.
	Block chan struct{}
}

// NewFakeDevice creates a FakeDevice whose Connect succeeds.
func NewFakeDevice() *FakeDevice {
	return &FakeDevice{events: make(chan Event, 64)}
}

func (f *FakeDevice) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connects++
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	block := f.Block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
	return f.connectErr
}

func (f *FakeDevice) Set(index int, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.sets = append(f.sets, SetCall{Index: index, Value: value})
	return nil
}

func (f *FakeDevice) Events() <-chan Event { return f.events }

func (f *FakeDevice) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// SetConnectError makes every following Connect fail with err (nil clears).
func (f *FakeDevice) SetConnectError(err error) {
	f.mu.Lock()
	f.connectErr = err
	f.mu.Unlock()
}

// SetSetError makes every following Set fail with err (nil clears).
func (f *FakeDevice) SetSetError(err error) {
	f.mu.Lock()
	f.setErr = err
	f.mu.Unlock()
}

// Data emits a data point update.
func (f *FakeDevice) Data(dps logic.DPS) {
	f.events <- Event{Kind: EventData, DPS: dps}
}

// Disconnect emits a connection loss.
func (f *FakeDevice) Disconnect(err error) {
	f.events <- Event{Kind: EventDisconnected, Err: err}
}

// Error emits a device error.
func (f *FakeDevice) Error(err error) {
	f.events <- Event{Kind: EventError, Err: err}
}

// Connects returns the number of Connect calls.
func (f *FakeDevice) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// MaxInFlight returns the highest number of concurrent Connect calls seen.
func (f *FakeDevice) MaxInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

// Sets returns a copy of the recorded Set calls.
func (f *FakeDevice) Sets() []SetCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SetCall(nil), f.sets...)
}

// Closed reports whether Close was called.
func (f *FakeDevice) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
