package main

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/snarg/fleet-agent/internal/campaign"
	"github.com/snarg/fleet-agent/internal/config"
	"github.com/snarg/fleet-agent/internal/decoder"
	"github.com/snarg/fleet-agent/internal/persistence"
	"github.com/snarg/fleet-agent/internal/rawbuffer"
	"github.com/snarg/fleet-agent/internal/signal"
	"github.com/snarg/fleet-agent/internal/wire"
)

// controlPlane is the inbound-document glue between the transport, the
// persistence store, and the campaign/decoder state. The same apply
// path serves three callers: live MQTT messages (persisted after
// applying), the restore pass at startup (not re-persisted), and the
// persistence watcher picking up blobs dropped externally while the
// agent runs.
type controlPlane struct {
	dec   *decoder.Registry
	mgr   *campaign.Manager
	store *persistence.Store
	raw   *rawbuffer.Manager
	cfg   *config.Config
	log   zerolog.Logger

	mu         sync.Mutex
	complexIDs []signal.ID // string/bytes signals currently configured on the raw buffer
}

func newControlPlane(dec *decoder.Registry, mgr *campaign.Manager, store *persistence.Store, raw *rawbuffer.Manager, cfg *config.Config, log zerolog.Logger) *controlPlane {
	return &controlPlane{
		dec:   dec,
		mgr:   mgr,
		store: store,
		raw:   raw,
		cfg:   cfg,
		log:   log.With().Str("component", "control-plane").Logger(),
	}
}

// restore replays persisted control documents before the first checkin,
// manifest first so restored campaigns can validate against it. A kind
// that was never written, or whose blob fails its integrity check, is
// skipped and the agent proceeds as if nothing had been persisted.
func (c *controlPlane) restore() {
	for _, kind := range []persistence.Kind{
		persistence.KindDecoderManifest,
		persistence.KindCampaignList,
		persistence.KindStateTemplates,
	} {
		blob, err := c.store.Read(kind)
		if errors.Is(err, persistence.ErrNotFound) {
			continue
		}
		if err != nil {
			c.log.Warn().Err(err).Str("kind", kind.String()).Msg("persisted blob unreadable, skipping restore")
			continue
		}
		c.apply(kind, blob, false)
		c.log.Info().Str("kind", kind.String()).Int("bytes", len(blob)).Msg("persisted document restored")
	}
}

// onExternalBlobChange re-reads a singleton blob the persistence watcher
// saw change on disk — a technician updating the manifest by USB stick —
// and applies it without writing it back.
func (c *controlPlane) onExternalBlobChange(kind persistence.Kind) {
	blob, err := c.store.Read(kind)
	if err != nil {
		c.log.Warn().Err(err).Str("kind", kind.String()).Msg("externally changed blob unreadable")
		return
	}
	c.log.Info().Str("kind", kind.String()).Msg("applying externally updated document")
	c.apply(kind, blob, false)
}

func (c *controlPlane) apply(kind persistence.Kind, payload []byte, persist bool) {
	switch kind {
	case persistence.KindDecoderManifest:
		c.applyDecoderManifest(payload, persist)
	case persistence.KindCampaignList:
		c.applyCollectionSchemes(payload, persist)
	case persistence.KindStateTemplates:
		c.applyStateTemplates(payload, persist)
	}
}

// applyDecoderManifest activates a new decoder dictionary: publishes the
// snapshot, reconfigures raw-buffer quotas for the manifest's complex
// (string/bytes) signals, and notifies the campaign manager so campaigns
// tied to the previous manifest fall back to INACTIVE.
func (c *controlPlane) applyDecoderManifest(payload []byte, persist bool) {
	var doc wire.DecoderManifestDoc
	if err := json.Unmarshal(payload, &doc); err != nil || doc.SyncID == "" {
		c.log.Warn().Msg("malformed decoder manifest discarded, previous manifest retained")
		return
	}

	rules := make([]decoder.Rule, 0, len(doc.Rules))
	var complexIDs []signal.ID
	for _, r := range doc.Rules {
		t, ok := signal.TypeFromString(r.Type)
		if !ok {
			c.log.Warn().Str("type", r.Type).Uint32("signal_id", r.SignalID).Msg("unknown signal type, decoding rule skipped")
			continue
		}
		rules = append(rules, decoder.Rule{
			SignalID: signal.ID(r.SignalID),
			Source:   r.Source,
			Type:     t,
			Name:     r.Name,
		})
		if t == signal.TypeString || t == signal.TypeBytes {
			complexIDs = append(complexIDs, signal.ID(r.SignalID))
		}
	}

	c.dec.Publish(decoder.New(doc.SyncID, rules))
	c.reconfigureRawQuotas(complexIDs)
	c.mgr.OnManifestUpdated()
	c.log.Info().Str("sync_id", doc.SyncID).Int("rules", len(rules)).Msg("decoder manifest activated")

	if persist {
		c.persist(persistence.KindDecoderManifest, payload)
	}
}

// reconfigureRawQuotas points the raw buffer's per-signal configs at the
// new manifest's complex signals, dropping configs for signals the new
// manifest no longer carries.
func (c *controlPlane) reconfigureRawQuotas(complexIDs []signal.ID) {
	c.mu.Lock()
	old := c.complexIDs
	c.complexIDs = complexIDs
	c.mu.Unlock()

	keep := make(map[signal.ID]bool, len(complexIDs))
	for _, id := range complexIDs {
		keep[id] = true
	}
	for _, id := range old {
		if !keep[id] {
			c.raw.RemoveConfig(id)
		}
	}
	for _, id := range complexIDs {
		c.raw.Configure(id, rawbuffer.Quota{
			ReservedBytes:     c.cfg.RawBufferReservedBytesDefault,
			MaxBytes:          c.cfg.RawBufferMaxBytesDefault,
			MaxSamples:        c.cfg.RawBufferMaxSamplesDefault,
			MaxBytesPerSample: c.cfg.RawBufferMaxBytesPerSample,
		})
	}
}

func (c *controlPlane) applyCollectionSchemes(payload []byte, persist bool) {
	var doc wire.CollectionSchemesDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		c.log.Warn().Err(err).Msg("malformed campaign list discarded, previous list retained")
		return
	}
	c.mgr.UpdateCampaignList(doc)
	c.log.Info().Int("campaigns", len(doc.Schemes)).Msg("campaign list applied")

	if persist {
		c.persist(persistence.KindCampaignList, payload)
	}
}

// applyStateTemplates applies a version-gated diff. What gets persisted
// is not the diff itself but the manager's resulting snapshot, so a
// restart replays the full set rather than only the last delta.
func (c *controlPlane) applyStateTemplates(payload []byte, persist bool) {
	var doc wire.StateTemplatesDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		c.log.Warn().Err(err).Msg("malformed state template diff discarded")
		return
	}
	c.mgr.UpdateStateTemplates(doc)

	if persist {
		snap, err := json.Marshal(c.mgr.StateTemplatesSnapshot())
		if err != nil {
			c.log.Error().Err(err).Msg("failed to marshal state template snapshot")
			return
		}
		c.persist(persistence.KindStateTemplates, snap)
	}
}

// persist writes one control document blob, logging rather than failing:
// persistence is best-effort and must never stall the inbound path.
func (c *controlPlane) persist(kind persistence.Kind, blob []byte) {
	if err := c.store.Write(kind, blob); err != nil {
		c.log.Warn().Err(err).Str("kind", kind.String()).Msg("failed to persist control document")
	}
}
