// Package checkin implements the Checkin Reporter: a periodic
// announcement of the sync_id set the agent currently has active
// (decoder manifest, campaigns, state templates), retried on failure
// with the next interval's current snapshot rather than a stale one.
package checkin

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/fleet-agent/internal/clock"
)

// SyncIDProvider is the narrow view the reporter needs of the Campaign
// Manager: the sync_ids active right now.
type SyncIDProvider interface {
	ActiveSyncIDs() []string
}

// Sender delivers one checkin over the transport.
type Sender interface {
	Checkin(syncIDs []string) error
}

// Reporter runs the periodic checkin loop: gated once at startup, then
// an immediate first send, then one send per interval until stopped.
type Reporter struct {
	provider   SyncIDProvider
	sender     Sender
	clk        clock.Clock
	intervalMs int64
	log        zerolog.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

// NewReporter creates a Checkin Reporter. intervalMs is
// checkin_interval_ms.
func NewReporter(provider SyncIDProvider, sender Sender, clk clock.Clock, intervalMs int64, log zerolog.Logger) *Reporter {
	return &Reporter{
		provider:   provider,
		sender:     sender,
		clk:        clk,
		intervalMs: intervalMs,
		log:        log.With().Str("component", "checkin-reporter").Logger(),
		stop:       make(chan struct{}),
	}
}

// Run blocks until ready fires (or Stop is called), sends the first
// checkin immediately, then sends on every interval until Stop. Call in
// its own goroutine.
//
// ready must not close until the Campaign Manager has restored any
// persisted decoder manifest and campaign list, so the first checkin
// reports restored state rather than an empty set that would precede it.
func (r *Reporter) Run(ready <-chan struct{}) {
	select {
	case <-ready:
	case <-r.stop:
		return
	}

	r.send()
	for {
		timerC := r.clk.After(time.Duration(r.intervalMs) * time.Millisecond)
		select {
		case <-timerC:
			r.send()
		case <-r.stop:
			return
		}
	}
}

// send reads the provider's current sync_ids fresh on every call, so a
// prior send's failure is retried with whatever is active now, not the
// snapshot that failed.
func (r *Reporter) send() {
	ids := r.provider.ActiveSyncIDs()
	if err := r.sender.Checkin(ids); err != nil {
		r.log.Warn().Err(err).Strs("sync_ids", ids).Msg("checkin failed, retrying next interval")
	}
}

// Stop terminates the loop. Safe to call more than once, and safe to
// call before ready ever fires.
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}
