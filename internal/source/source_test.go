package source

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/fleet-agent/internal/clock"
	"github.com/snarg/fleet-agent/internal/decoder"
	"github.com/snarg/fleet-agent/internal/pipeline"
	"github.com/snarg/fleet-agent/internal/signal"
)

type stubFilter struct {
	f *decoder.Filter
}

func (s stubFilter) CurrentFilter() *decoder.Filter { return s.f }

func testDict() *decoder.Dictionary {
	return decoder.New("m1", []decoder.Rule{
		{SignalID: 1, Source: "can", Name: "engine_rpm", Type: signal.TypeF64},
		{SignalID: 2, Source: "obd", Name: "speed", Type: signal.TypeF64},
	})
}

func TestSimProducerEmitsRequiredSignals(t *testing.T) {
	dict := testDict()
	reg := decoder.NewRegistry()
	reg.Publish(dict)
	filter := stubFilter{decoder.NewFilter(dict, map[signal.ID]bool{1: true})}

	pl := pipeline.New(64)
	consumer := pl.Register()
	defer pl.Unregister(consumer)

	sim := NewSimProducer(pl, reg, filter, clock.Real{}, []SimSignal{
		{Source: "can", Name: "engine_rpm"},
		{Source: "obd", Name: "speed"}, // not in filter: never emitted
	}, 5*time.Millisecond, zerolog.Nop())
	if err := sim.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sim.Stop()

	select {
	case s := <-consumer.Chan():
		if s.ID != 1 {
			t.Fatalf("sample ID = %d, want 1 (signal 2 is filtered out)", s.ID)
		}
		if s.Value.Kind != signal.KindNumber {
			t.Fatalf("sample value kind = %v, want number", s.Value.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no sample emitted")
	}
}

func TestSimProducerEmitsNothingWithoutDictionary(t *testing.T) {
	reg := decoder.NewRegistry() // nothing published
	filter := stubFilter{decoder.NewFilter(nil, nil)}

	pl := pipeline.New(8)
	consumer := pl.Register()
	defer pl.Unregister(consumer)

	sim := NewSimProducer(pl, reg, filter, clock.Real{}, []SimSignal{
		{Source: "can", Name: "engine_rpm"},
	}, 2*time.Millisecond, zerolog.Nop())
	if err := sim.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	sim.Stop()
	if n := sim.Emitted(); n != 0 {
		t.Fatalf("emitted %d samples with no active dictionary", n)
	}
}

func TestSimProducerStopReturnsAfterLoopExit(t *testing.T) {
	reg := decoder.NewRegistry()
	filter := stubFilter{decoder.NewFilter(nil, nil)}
	pl := pipeline.New(8)

	sim := NewSimProducer(pl, reg, filter, clock.Real{}, nil, time.Millisecond, zerolog.Nop())
	if err := sim.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	done := make(chan struct{})
	go func() {
		sim.Stop()
		sim.Stop() // second call must not panic or block
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
