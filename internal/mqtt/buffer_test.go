package mqtt

import (
	"testing"
)

func TestLatestBufferEmptyDrain(t *testing.T) {
	b := newLatestBuffer()
	got := b.drainAll()
	if got != nil {
		t.Errorf("expected nil from empty drain, got %d items", len(got))
	}
}

func TestLatestBufferKeepsLatestPerTopic(t *testing.T) {
	b := newLatestBuffer()
	b.put("pump/kW", "0.10")
	b.put("chlorinator/output", "40")
	b.put("pump/kW", "0.75")

	if b.len() != 2 {
		t.Fatalf("len = %d, want 2", b.len())
	}

	got := b.drainAll()
	want := []bufferedMsg{
		{topic: "pump/kW", payload: "0.75"},
		{topic: "chlorinator/output", payload: "40"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("item %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	// Second drain should be empty
	if got2 := b.drainAll(); got2 != nil {
		t.Errorf("expected nil from second drain, got %d items", len(got2))
	}
}

func TestLatestBufferMultipleCycles(t *testing.T) {
	b := newLatestBuffer()

	b.put("a", "1")
	b.drainAll()

	b.put("b", "2")
	got := b.drainAll()
	if len(got) != 1 || got[0].topic != "b" {
		t.Errorf("second cycle = %v", got)
	}
}
