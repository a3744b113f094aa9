package channel

import "testing"

func TestSendReachesObservers(t *testing.T) {
	b := New()
	r1 := NewRecorder(b)
	r2 := NewRecorder(b)

	b.Send(ChlorinatorOutput, 40)

	for i, r := range []*Recorder{r1, r2} {
		got := r.On(ChlorinatorOutput)
		if len(got) != 1 || got[0] != 40 {
			t.Errorf("recorder %d got %v", i, got)
		}
	}
}

func TestObserveCancel(t *testing.T) {
	b := New()
	count := 0
	cancel := b.Observe(func(Event) { count++ })

	b.Send(SystemStatus, "AVAILABLE")
	cancel()
	b.Send(SystemStatus, "ERROR")

	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestDispatchQueryAndCommand(t *testing.T) {
	b := New()
	r := NewRecorder(b)
	current := "OFF"

	b.Handle(SystemSwitch, func(string) { b.Send(SystemSwitch, current) })
	b.Handle(SystemSwitchSet, func(p string) { current = p })

	if !b.Dispatch(SystemSwitchSet, "ON") {
		t.Fatal("expected handler for switch set")
	}
	b.Dispatch(SystemSwitch, "")

	last, ok := r.Last(SystemSwitch)
	if !ok || last != "ON" {
		t.Errorf("last switch = %v (%v), want ON", last, ok)
	}
}

func TestDispatchUnknownChannel(t *testing.T) {
	b := New()
	if b.Dispatch("nope", "") {
		t.Error("dispatch to unregistered channel should report false")
	}
}

func TestHandlerMayRegisterHandlers(t *testing.T) {
	b := New()
	b.Handle(PumpKW, func(string) {
		b.Handle(PumpMA, func(string) {})
	})
	b.Dispatch(PumpKW, "")
	if !b.Dispatch(PumpMA, "") {
		t.Error("handler registered during dispatch should be live")
	}
}

func TestRecorderReset(t *testing.T) {
	b := New()
	r := NewRecorder(b)
	b.Send(PumpKW, nil)
	r.Reset()
	if len(r.Events()) != 0 {
		t.Errorf("events after reset: %v", r.Events())
	}
	if _, ok := r.Last(PumpKW); ok {
		t.Error("last should be cleared")
	}
}
