package decoder

import (
	"testing"

	"github.com/snarg/fleet-agent/internal/signal"
)

func TestResolveAndSignalType(t *testing.T) {
	d := New("dm1", []Rule{
		{SignalID: 1, Source: "can", Type: signal.TypeF32, Name: "0x100.rpm"},
		{SignalID: 2, Source: "obd", Type: signal.TypeU8, Name: "0x0C"},
	})

	id, ok := d.Resolve("can", "0x100.rpm")
	if !ok || id != 1 {
		t.Fatalf("Resolve got (%d,%v)", id, ok)
	}
	typ, ok := d.SignalType(2)
	if !ok || typ != signal.TypeU8 {
		t.Fatalf("SignalType got (%v,%v)", typ, ok)
	}
	if _, ok := d.SignalType(99); ok {
		t.Fatal("expected missing signal to not resolve")
	}
}

func TestRegistryAtomicSwap(t *testing.T) {
	r := NewRegistry()
	if r.Current() != nil {
		t.Fatal("expected nil before publish")
	}
	d1 := New("dm1", nil)
	r.Publish(d1)
	if r.Current() != d1 {
		t.Fatal("expected d1 active")
	}
	d2 := New("dm2", nil)
	r.Publish(d2)
	if r.Current() != d2 {
		t.Fatal("expected d2 active after swap")
	}
}

func TestFilterWanted(t *testing.T) {
	d := New("dm1", []Rule{
		{SignalID: 1, Source: "can", Name: "0x100.rpm"},
		{SignalID: 2, Source: "can", Name: "0x101.speed"},
	})
	f := NewFilter(d, map[signal.ID]bool{1: true})
	if !f.Wanted("can", "0x100.rpm") {
		t.Error("expected 0x100.rpm to be wanted")
	}
	if f.Wanted("can", "0x101.speed") {
		t.Error("expected 0x101.speed to not be wanted")
	}
}
