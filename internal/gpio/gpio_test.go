package gpio

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/sweeney/pool-controller/internal/config"
)

func TestFakePortRecordsWrites(t *testing.T) {
	f := NewFakePort()

	if err := f.SetMode(17, Output); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if err := f.PWMWrite(17, 100); err != nil {
		t.Fatalf("PWMWrite: %v", err)
	}
	if err := f.PWMWrite(17, 0); err != nil {
		t.Fatalf("PWMWrite: %v", err)
	}

	if f.ModeOf(17) != Output {
		t.Errorf("mode = %v, want out", f.ModeOf(17))
	}
	if f.Duty(17) != 0 {
		t.Errorf("duty = %d, want 0", f.Duty(17))
	}
	if f.WriteCount() != 2 {
		t.Errorf("writes = %d, want 2", f.WriteCount())
	}
	if f.Writes[0] != (PWMCall{Pin: 17, Duty: 100}) {
		t.Errorf("first write = %+v", f.Writes[0])
	}
}

func TestFakePortWriteError(t *testing.T) {
	f := NewFakePort()
	f.SetWriteError(errors.New("bus fault"))

	if err := f.PWMWrite(4, 10); err == nil {
		t.Error("expected error")
	}
	if f.WriteCount() != 0 {
		t.Errorf("failed writes must not be recorded, got %d", f.WriteCount())
	}
}

func TestFakePortRange(t *testing.T) {
	f := NewFakePort()
	if r, _ := f.PWMRange(4); r != DefaultRange {
		t.Errorf("default range = %d, want %d", r, DefaultRange)
	}
	f.Range = 1000
	if r, _ := f.PWMRange(4); r != 1000 {
		t.Errorf("range = %d, want 1000", r)
	}
}

func TestModeString(t *testing.T) {
	if Input.String() != "in" || Output.String() != "out" {
		t.Errorf("got %q %q", Input.String(), Output.String())
	}
}

func TestNewUnknownDriver(t *testing.T) {
	if _, err := New(config.GPIOConfig{Driver: "sysfs"}); err == nil {
		t.Error("expected error for unknown driver")
	}
}

// fakeDaemon answers pigpio socket commands over a pipe.
type fakeDaemon struct {
	mu       sync.Mutex
	commands [][3]uint32
	result   func(cmd, p1, p2 uint32) int32
}

func (d *fakeDaemon) serve(conn net.Conn) {
	defer conn.Close()
	for {
		var req [16]byte
		if _, err := io.ReadFull(conn, req[:]); err != nil {
			return
		}
		cmd := binary.LittleEndian.Uint32(req[0:])
		p1 := binary.LittleEndian.Uint32(req[4:])
		p2 := binary.LittleEndian.Uint32(req[8:])

		d.mu.Lock()
		d.commands = append(d.commands, [3]uint32{cmd, p1, p2})
		d.mu.Unlock()

		var res int32
		if d.result != nil {
			res = d.result(cmd, p1, p2)
		}
		resp := req
		binary.LittleEndian.PutUint32(resp[12:], uint32(res))
		if _, err := conn.Write(resp[:]); err != nil {
			return
		}
	}
}

func newPigpiodWithDaemon(d *fakeDaemon) *PigpiodPort {
	p := NewPigpiodPort("pipe")
	p.dial = func(string, string) (net.Conn, error) {
		client, server := net.Pipe()
		go d.serve(server)
		return client, nil
	}
	return p
}

func TestPigpiodFrames(t *testing.T) {
	d := &fakeDaemon{}
	p := newPigpiodWithDaemon(d)
	defer p.Close()

	if err := p.SetMode(23, Output); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if err := p.PWMWrite(23, 204); err != nil {
		t.Fatalf("PWMWrite: %v", err)
	}
	if err := p.SetLevel(24, High); err != nil {
		t.Fatalf("SetLevel: %v", err)
	}

	want := [][3]uint32{
		{pigModes, 23, 1},
		{pigPWM, 23, 204},
		{pigWrite, 24, 1},
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.commands) != len(want) {
		t.Fatalf("commands = %v, want %v", d.commands, want)
	}
	for i := range want {
		if d.commands[i] != want[i] {
			t.Errorf("command %d = %v, want %v", i, d.commands[i], want[i])
		}
	}
}

func TestPigpiodCloseStopsPWM(t *testing.T) {
	d := &fakeDaemon{}
	p := newPigpiodWithDaemon(d)

	if err := p.PWMWrite(23, 204); err != nil {
		t.Fatal(err)
	}
	if err := p.SetLevel(24, High); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	last := d.commands[len(d.commands)-1]
	if last != [3]uint32{pigPWM, 23, 0} {
		t.Errorf("last command = %v, want pwm 23 to 0", last)
	}
	if len(d.commands) != 3 {
		t.Errorf("commands = %v, want only the driven pwm pin stopped", d.commands)
	}
}

func TestPigpiodReads(t *testing.T) {
	d := &fakeDaemon{result: func(cmd, p1, p2 uint32) int32 {
		switch cmd {
		case pigModeg:
			return 1
		case pigRead:
			return 1
		case pigPRG:
			return 1000
		}
		return 0
	}}
	p := newPigpiodWithDaemon(d)
	defer p.Close()

	if m, err := p.Mode(5); err != nil || m != Output {
		t.Errorf("Mode = %v, %v", m, err)
	}
	if l, err := p.Level(5); err != nil || l != High {
		t.Errorf("Level = %v, %v", l, err)
	}
	if r, err := p.PWMRange(5); err != nil || r != 1000 {
		t.Errorf("PWMRange = %d, %v", r, err)
	}
}

func TestPigpiodErrorResult(t *testing.T) {
	d := &fakeDaemon{result: func(cmd, p1, p2 uint32) int32 { return -3 }}
	p := newPigpiodWithDaemon(d)
	defer p.Close()

	if err := p.PWMWrite(5, 10); err == nil {
		t.Error("expected error for negative result")
	}
	r, err := p.PWMRange(5)
	if err == nil {
		t.Error("expected error from PWMRange")
	}
	if r != DefaultRange {
		t.Errorf("range fallback = %d, want %d", r, DefaultRange)
	}
}

func TestPigpiodRedialsAfterTransportError(t *testing.T) {
	dials := 0
	d := &fakeDaemon{}
	p := NewPigpiodPort("pipe")
	p.dial = func(string, string) (net.Conn, error) {
		dials++
		client, server := net.Pipe()
		if dials == 1 {
			server.Close()
		} else {
			go d.serve(server)
		}
		return client, nil
	}
	defer p.Close()

	if err := p.SetLevel(6, High); err == nil {
		t.Fatal("expected error on closed connection")
	}
	if err := p.SetLevel(6, High); err != nil {
		t.Fatalf("second call should redial: %v", err)
	}
	if dials != 2 {
		t.Errorf("dials = %d, want 2", dials)
	}
}

func TestPigpiodDialError(t *testing.T) {
	p := NewPigpiodPort("pipe")
	p.dial = func(string, string) (net.Conn, error) { return nil, errors.New("refused") }
	if err := p.SetMode(1, Input); err == nil {
		t.Error("expected dial error")
	}
}
