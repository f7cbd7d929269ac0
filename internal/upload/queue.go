// Package upload implements the Upload Queue and Uploader worker pool:
// a bounded, non-blocking queue of assembled TriggeredData bundles and a
// pool of workers draining it to Transport, with persist-on-disconnect
// retry and an optional S3 cold archive for oversized raw data frames.
// Enqueue never blocks: the Inspection Engine must never stall waiting
// on upload backpressure.
package upload

import (
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/snarg/fleet-agent/internal/inspection"
)

// QueueStats reports current queue occupancy, for the diagnostics API.
type QueueStats struct {
	Pending int   `json:"pending"`
	Dropped int64 `json:"dropped"`
}

// Queue is the bounded channel of triggered data awaiting upload.
// Enqueue never blocks: a full queue rejects the new bundle and
// increments a counter.
type Queue struct {
	jobs    chan inspection.TriggeredData
	dropped atomic.Int64
	log     zerolog.Logger
}

// NewQueue creates a queue with the given buffer size.
func NewQueue(size int, log zerolog.Logger) *Queue {
	return &Queue{
		jobs: make(chan inspection.TriggeredData, size),
		log:  log.With().Str("component", "upload-queue").Logger(),
	}
}

// Enqueue adds one triggered-data bundle. Returns false if the queue is
// full; the caller (Inspection Engine) is responsible for releasing any
// RawRefs in td if this returns false, since nothing will consume them.
func (q *Queue) Enqueue(td inspection.TriggeredData) bool {
	select {
	case q.jobs <- td:
		return true
	default:
		q.dropped.Add(1)
		q.log.Warn().Str("campaign_sync_id", td.CampaignSyncID).Msg("upload queue full, dropping triggered data")
		return false
	}
}

// Stats reports current occupancy and lifetime drop count.
func (q *Queue) Stats() QueueStats {
	return QueueStats{Pending: len(q.jobs), Dropped: q.dropped.Load()}
}

func (q *Queue) close() { close(q.jobs) }
