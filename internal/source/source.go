// Package source models the physical bus adapters feeding the signal
// pipeline as the narrow contract the rest of the agent consumes: a
// Producer that can be started and stopped. Real CAN/OBD decoders live
// outside this module's scope; the implementations here — an in-process
// simulator and a file-drop source — exist for bench testing and field
// diagnostics, where a technician needs signals flowing without a live
// bus.
package source

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/fleet-agent/internal/clock"
	"github.com/snarg/fleet-agent/internal/decoder"
	"github.com/snarg/fleet-agent/internal/pipeline"
	"github.com/snarg/fleet-agent/internal/signal"
)

// Producer is the contract a signal source satisfies: start producing
// samples into the pipeline, stop and return only once the producing
// goroutine has exited.
type Producer interface {
	Name() string
	Start() error
	Stop()
}

// dictSource is the narrow view a producer needs of the decoder
// registry. Satisfied by *decoder.Registry.
type dictSource interface {
	Current() *decoder.Dictionary
}

// filterSource is the narrow view a producer needs of the campaign
// manager's published decode filter. Satisfied by *campaign.Manager.
type filterSource interface {
	CurrentFilter() *decoder.Filter
}

// SimSignal names one external identifier a SimProducer emits.
type SimSignal struct {
	Source string // "can" | "obd" | "custom"
	Name   string
}

// SimProducer emits a deterministic ramp of numeric samples for a fixed
// set of external identifiers, resolving each through the active decoder
// dictionary and honoring the published decode filter — a signal no
// active campaign requires is not emitted, same as a real adapter would
// skip decoding it.
type SimProducer struct {
	pipe    *pipeline.Pipeline
	dict    dictSource
	filter  filterSource
	clk     clock.Clock
	signals []SimSignal
	period  time.Duration
	log     zerolog.Logger

	stop chan struct{}
	done chan struct{}
	once sync.Once

	tick    int64
	emitted atomic.Int64
}

// NewSimProducer builds a simulator emitting each configured signal once
// per period.
func NewSimProducer(pipe *pipeline.Pipeline, dict dictSource, filter filterSource, clk clock.Clock, signals []SimSignal, period time.Duration, log zerolog.Logger) *SimProducer {
	return &SimProducer{
		pipe:    pipe,
		dict:    dict,
		filter:  filter,
		clk:     clk,
		signals: signals,
		period:  period,
		log:     log.With().Str("component", "sim-source").Logger(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (p *SimProducer) Name() string { return "sim" }

// Start launches the emit loop in its own goroutine.
func (p *SimProducer) Start() error {
	p.log.Info().Int("signals", len(p.signals)).Dur("period", p.period).Msg("sim source started")
	go p.loop()
	return nil
}

// Stop terminates the emit loop and waits for it to exit. Safe to call
// more than once.
func (p *SimProducer) Stop() {
	p.once.Do(func() {
		close(p.stop)
		<-p.done
	})
}

// Emitted reports how many samples have been published, for tests and
// diagnostics.
func (p *SimProducer) Emitted() int64 { return p.emitted.Load() }

func (p *SimProducer) loop() {
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			return
		case <-p.clk.After(p.period):
			p.emit()
		}
	}
}

func (p *SimProducer) emit() {
	dict := p.dict.Current()
	if dict == nil {
		return
	}
	filter := p.filter.CurrentFilter()
	now := p.clk.NowMs()
	p.tick++
	for i, sig := range p.signals {
		if !filter.Wanted(sig.Source, sig.Name) {
			continue
		}
		id, ok := dict.Resolve(sig.Source, sig.Name)
		if !ok {
			continue
		}
		p.pipe.Publish(signal.Sample{
			ID:          id,
			TimestampMs: now,
			Value:       signal.Number(float64((p.tick + int64(i)) % 100)),
		})
		p.emitted.Add(1)
	}
}
