package upload

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/fleet-agent/internal/clock"
	"github.com/snarg/fleet-agent/internal/inspection"
	"github.com/snarg/fleet-agent/internal/persistence"
	"github.com/snarg/fleet-agent/internal/rawbuffer"
	"github.com/snarg/fleet-agent/internal/wire"
)

// Sender publishes one assembled vehicle-data payload. Implemented by
// *transport.Transport.
type Sender interface {
	PublishVehicleData(payload []byte) error
}

// ColdArchive stores an oversized raw data frame out of band, leaving
// only a reference in the main vehicle-data message. Implemented by an
// S3-backed archive; nil when no archive is configured, in which case
// oversized frames are referenced but their bytes are not retained.
type ColdArchive interface {
	Archive(ctx context.Context, key string, data []byte) error
}

// Stats reports the uploader's lifetime counters, for the diagnostics
// API and metrics collector.
type Stats struct {
	Uploaded  int64 `json:"uploaded"`
	Failed    int64 `json:"failed"`
	Persisted int64 `json:"persisted"`
	Archived  int64 `json:"archived"`
	Replayed  int64 `json:"replayed"`
}

// Options configures an Uploader.
type Options struct {
	Workers                  int
	RetryInterval            time.Duration
	RawArchiveThresholdBytes int // 0 disables archiving regardless of ColdArchive
	Log                      zerolog.Logger
}

// Uploader drains a Queue with a pool of workers, publishing each bundle
// via Sender. A failed publish is persisted to disk for later replay if
// the triggering campaign declared persist_all_collected_data; otherwise
// it is dropped — a backgrounded upload failure must never block or
// crash the producer.
type Uploader struct {
	queue   *Queue
	sender  Sender
	raw     *rawbuffer.Manager
	store   *persistence.Store
	archive ColdArchive
	clk     clock.Clock
	opts    Options
	log     zerolog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	uploaded  atomic.Int64
	failed    atomic.Int64
	persisted atomic.Int64
	archived  atomic.Int64
	replayed  atomic.Int64
}

// NewUploader builds an Uploader. store and archive may be nil: with no
// store, persist-on-disconnect failures are simply dropped; with no
// archive, oversized raw frames are referenced but never retained.
func NewUploader(queue *Queue, sender Sender, raw *rawbuffer.Manager, store *persistence.Store, archive ColdArchive, clk clock.Clock, opts Options) *Uploader {
	ctx, cancel := context.WithCancel(context.Background())
	return &Uploader{
		queue:   queue,
		sender:  sender,
		raw:     raw,
		store:   store,
		archive: archive,
		clk:     clk,
		opts:    opts,
		log:     opts.Log.With().Str("component", "uploader").Logger(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the worker pool and, if a Store was supplied, a replay
// loop that retries persisted payloads on RetryInterval.
func (u *Uploader) Start() {
	for i := 0; i < u.opts.Workers; i++ {
		u.wg.Add(1)
		go u.worker(i)
	}
	if u.store != nil {
		u.wg.Add(1)
		go u.replayLoop()
	}
	u.log.Info().Int("workers", u.opts.Workers).Msg("uploader started")
}

// Stop closes the queue and cancels the shared context, then waits for
// in-flight jobs and the replay loop to finish.
func (u *Uploader) Stop() {
	u.stopOnce.Do(func() {
		u.queue.close()
		u.cancel()
		u.wg.Wait()
	})
	u.log.Info().
		Int64("uploaded", u.uploaded.Load()).
		Int64("failed", u.failed.Load()).
		Int64("persisted", u.persisted.Load()).
		Msg("uploader stopped")
}

// Stats reports lifetime counters.
func (u *Uploader) Stats() Stats {
	return Stats{
		Uploaded:  u.uploaded.Load(),
		Failed:    u.failed.Load(),
		Persisted: u.persisted.Load(),
		Archived:  u.archived.Load(),
		Replayed:  u.replayed.Load(),
	}
}

func (u *Uploader) worker(id int) {
	defer u.wg.Done()
	log := u.log.With().Int("worker", id).Logger()
	for td := range u.queue.jobs {
		u.process(log, td)
	}
}

func (u *Uploader) process(log zerolog.Logger, td inspection.TriggeredData) {
	defer releaseRawRefs(u.raw, td.RawRefs)

	payload, err := u.buildPayload(td)
	if err != nil {
		u.failed.Add(1)
		log.Error().Err(err).Str("campaign_sync_id", td.CampaignSyncID).Msg("failed to assemble vehicle data payload")
		return
	}
	if td.Compress {
		gz, err := compressPayload(payload)
		if err != nil {
			log.Warn().Err(err).Str("campaign_sync_id", td.CampaignSyncID).Msg("payload compression failed, sending uncompressed")
		} else {
			payload = gz
		}
	}

	if err := u.sender.PublishVehicleData(payload); err != nil {
		u.failed.Add(1)
		log.Warn().Err(err).Str("campaign_sync_id", td.CampaignSyncID).Msg("vehicle data publish failed")
		if td.PersistOnDisconnect && u.store != nil {
			if _, perr := u.store.WritePayload(payload); perr != nil {
				log.Error().Err(perr).Msg("failed to persist triggered data for retry")
			} else {
				u.persisted.Add(1)
			}
		}
		return
	}
	u.uploaded.Add(1)
}

// buildPayload assembles the wire-level VehicleDataDoc: every collected
// sample across every required signal, every custom-function-contributed
// complex signal (carried through as a raw JSON value), and a reference
// list for any raw data frames — archiving the bytes out of band when
// they exceed the configured threshold rather than inlining them, since
// the main topic payload must stay small enough for routine MQTT
// delivery.
func (u *Uploader) buildPayload(td inspection.TriggeredData) ([]byte, error) {
	doc := wire.VehicleDataDoc{
		CampaignSyncID: td.CampaignSyncID,
		TriggerTs:      td.TriggerTs,
		ActiveDTCs:     td.ActiveDTCs,
	}

	for _, snap := range td.Signals {
		for _, s := range snap.Samples {
			doc.Signals = append(doc.Signals, wire.SignalValueDoc{
				SignalID:    uint32(snap.SignalID),
				TimestampMs: s.TimestampMs,
				Value:       s.Value.Interface(),
			})
		}
	}
	for _, c := range td.Complex {
		doc.Signals = append(doc.Signals, wire.SignalValueDoc{
			SignalID:    uint32(c.SignalID),
			TimestampMs: td.TriggerTs,
			Value:       json.RawMessage(c.Payload),
		})
	}

	for _, ref := range td.RawRefs {
		doc.RawDataRefs = append(doc.RawDataRefs, uint32(ref.Frame.SignalID))
		u.archiveFrame(td, ref)
	}

	return json.Marshal(doc)
}

func (u *Uploader) archiveFrame(td inspection.TriggeredData, ref inspection.RawRef) {
	if u.archive == nil || u.opts.RawArchiveThresholdBytes <= 0 {
		return
	}
	if len(ref.Frame.Bytes) < u.opts.RawArchiveThresholdBytes {
		return
	}
	key := fmt.Sprintf("%s/%d/%d", td.CampaignSyncID, td.TriggerTs, ref.Frame.SignalID)
	ctx, cancel := context.WithTimeout(u.ctx, 30*time.Second)
	defer cancel()
	if err := u.archive.Archive(ctx, key, ref.Frame.Bytes); err != nil {
		u.log.Warn().Err(err).Str("key", key).Msg("cold archive upload failed")
		return
	}
	u.archived.Add(1)
}

// compressPayload gzips an assembled document, for campaigns that
// declared compress_collected_data. The cloud ingest detects the gzip
// magic bytes; there is no transport-level content-encoding header on
// an MQTT publish.
func compressPayload(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func releaseRawRefs(raw *rawbuffer.Manager, refs []inspection.RawRef) {
	for _, r := range refs {
		r.Release(raw)
	}
}

// replayLoop periodically retries payloads persisted after a failed
// publish, same dynamic-wait-then-act shape as checkin.Reporter: a
// stopped context ends the loop at the next wake rather than mid-send.
func (u *Uploader) replayLoop() {
	defer u.wg.Done()
	interval := u.opts.RetryInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	for {
		timerC := u.clk.After(interval)
		select {
		case <-timerC:
			u.replayPersisted()
		case <-u.ctx.Done():
			return
		}
	}
}

func (u *Uploader) replayPersisted() {
	ids, err := u.store.ListPayloads()
	if err != nil {
		u.log.Warn().Err(err).Msg("failed to list persisted payloads for replay")
		return
	}
	for _, id := range ids {
		blob, err := u.store.ReadPayload(id)
		if err != nil {
			u.log.Warn().Err(err).Str("id", id).Msg("failed to read persisted payload, leaving for next replay")
			continue
		}
		if err := u.sender.PublishVehicleData(blob); err != nil {
			u.log.Debug().Err(err).Str("id", id).Msg("persisted payload replay still failing")
			continue
		}
		if err := u.store.ErasePayload(id); err != nil {
			u.log.Warn().Err(err).Str("id", id).Msg("failed to erase replayed payload")
			continue
		}
		u.replayed.Add(1)
	}
}
