// Package pipeline implements the Signal Pipeline: a bounded
// multi-producer/single-consumer queue of decoded signal samples, with a
// distributor that fans out to dynamically registered consumer queues.
// Producers are non-blocking and drop on full with a counter increment.
// There is no replay: a consumer attached mid-stream sees only samples
// published after registration; buffered history lives downstream in
// the inspection engine's ring buffers.
package pipeline

import (
	"sync"
	"sync/atomic"

	"github.com/snarg/fleet-agent/internal/signal"
)

// Consumer is a registered, bounded per-consumer queue of samples.
type Consumer struct {
	ch      chan signal.Sample
	dropped atomic.Int64
}

// Chan returns the channel to read samples from, in arrival order for any
// single producer (cross-producer ordering is not guaranteed).
func (c *Consumer) Chan() <-chan signal.Sample { return c.ch }

// Dropped returns the number of samples dropped because this consumer's
// queue was full.
func (c *Consumer) Dropped() int64 { return c.dropped.Load() }

// Pipeline is the shared distributor. Producers call Publish; consumers
// attach with Register and must Unregister when done.
type Pipeline struct {
	mu          sync.RWMutex
	consumers   map[*Consumer]struct{}
	consumerCap int

	producerDropped atomic.Int64
}

// New creates a pipeline whose registered consumer queues each hold up to
// consumerQueueSize samples before dropping.
func New(consumerQueueSize int) *Pipeline {
	return &Pipeline{
		consumers:   make(map[*Consumer]struct{}),
		consumerCap: consumerQueueSize,
	}
}

// Register attaches a new consumer queue. Samples published between a
// detach-begin (Unregister call) and its completion may be dropped.
func (p *Pipeline) Register() *Consumer {
	c := &Consumer{ch: make(chan signal.Sample, p.consumerCap)}
	p.mu.Lock()
	p.consumers[c] = struct{}{}
	p.mu.Unlock()
	return c
}

// Unregister detaches a consumer. Safe to call once.
func (p *Pipeline) Unregister(c *Consumer) {
	p.mu.Lock()
	delete(p.consumers, c)
	p.mu.Unlock()
}

// Publish fans a sample out to every registered consumer, non-blocking.
// A consumer whose queue is full has the sample dropped and its counter
// incremented; this never blocks the producer.
func (p *Pipeline) Publish(s signal.Sample) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.consumers) == 0 {
		p.producerDropped.Add(1)
		return
	}
	for c := range p.consumers {
		select {
		case c.ch <- s:
		default:
			c.dropped.Add(1)
		}
	}
}

// ConsumerCount reports how many consumers are currently registered, for
// diagnostics.
func (p *Pipeline) ConsumerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.consumers)
}

// DroppedNoConsumers reports samples published while no consumer was
// registered at all.
func (p *Pipeline) DroppedNoConsumers() int64 { return p.producerDropped.Load() }
