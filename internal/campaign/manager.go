package campaign

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/fleet-agent/internal/clock"
	"github.com/snarg/fleet-agent/internal/condition"
	"github.com/snarg/fleet-agent/internal/decoder"
	"github.com/snarg/fleet-agent/internal/signal"
	"github.com/snarg/fleet-agent/internal/wire"
)

// ActiveCampaign is the read-only view of one ACTIVE campaign published
// to the Inspection Engine inside a Matrix. The engine never reaches
// back into the manager's campaigns map.
type ActiveCampaign struct {
	SyncID                  string
	Priority                int
	Trigger                 TriggerKind
	PeriodMs                int64
	Tree                    *condition.Node
	MinIntervalMs           int64
	Mode                    TriggerMode
	AfterDurationMs         int64
	IncludeActiveDTCs       bool
	SignalRequirements      []SignalRequirement
	PersistAllCollectedData bool
	CompressCollectedData   bool
}

// Matrix is the Inspection Matrix: an immutable snapshot of every
// currently ACTIVE campaign, published atomically whenever the manager's
// lifecycle evaluation changes the active set.
type Matrix struct {
	ManifestSyncID string
	Campaigns      []ActiveCampaign
}

// Manager owns the CampaignList and DecoderManifest lifecycle: a single
// goroutine that wakes on a computed deadline or an external update,
// re-evaluates every campaign's state, and republishes the Inspection
// Matrix and the Decoder Dictionary filter whenever the active set
// changes. The wake deadline is dynamic — the earliest pending start or
// expiry, capped by the configured idle time — rather than a fixed
// interval, with a wake channel for externally triggered re-evaluation.
type Manager struct {
	mu               sync.Mutex
	campaigns        map[string]*Campaign
	stateTmpls       map[string]bool
	stateTmplVersion int

	dec          *decoder.Registry
	clk          clock.Clock
	idleTimeMs   int64
	maxTreeDepth int
	log          zerolog.Logger

	lastManifestSyncID string

	matrix atomic.Pointer[Matrix]
	filter atomic.Pointer[decoder.Filter]

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a Campaign Manager. idleTimeMs bounds how long the
// manager goroutine will sleep before re-checking state even with no
// pending deadline or wake, per collection_scheme_manager_idle_time_ms.
func NewManager(dec *decoder.Registry, clk clock.Clock, idleTimeMs int64, maxTreeDepth int, log zerolog.Logger) *Manager {
	return &Manager{
		campaigns:    make(map[string]*Campaign),
		stateTmpls:   make(map[string]bool),
		dec:          dec,
		clk:          clk,
		idleTimeMs:   idleTimeMs,
		maxTreeDepth: maxTreeDepth,
		log:          log.With().Str("component", "campaign-manager").Logger(),
		wake:         make(chan struct{}, 1),
		stop:         make(chan struct{}),
	}
}

// Start runs the manager's evaluation loop in its own goroutine.
func (m *Manager) Start() {
	m.mu.Lock()
	m.evaluateLocked(true)
	m.mu.Unlock()
	go m.loop()
}

// Stop terminates the evaluation loop. Safe to call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Manager) loop() {
	for {
		m.mu.Lock()
		deadline := m.nextDeadlineLocked()
		m.mu.Unlock()

		wait := deadline - m.clk.NowMs()
		if wait < 0 {
			wait = 0
		}
		timerC := m.clk.After(time.Duration(wait) * time.Millisecond)

		select {
		case <-timerC:
		case <-m.wake:
		case <-m.stop:
			return
		}

		m.mu.Lock()
		m.evaluateLocked(false)
		m.mu.Unlock()
	}
}

// nextDeadlineLocked computes the next wall-clock epoch-ms at which a
// campaign's state must change, capped by idleTimeMs so the loop
// periodically re-checks after a wall-clock jump.
func (m *Manager) nextDeadlineLocked() int64 {
	now := m.clk.NowMs()
	next := now + m.idleTimeMs
	for _, c := range m.campaigns {
		switch c.State {
		case StatePendingStart:
			if c.StartMs < next {
				next = c.StartMs
			}
		case StateActive:
			if c.ExpiryMs < next {
				next = c.ExpiryMs
			}
		}
	}
	if next < now {
		next = now
	}
	return next
}

func (m *Manager) wakeLocked() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// UpdateCampaignList applies a freshly received CampaignList: sync_ids
// missing from the new list are dropped immediately, new sync_ids are
// added INACTIVE, and sync_ids present in both keep their current state
// (re-evaluation, not this diff, decides whether they advance).
func (m *Manager) UpdateCampaignList(doc wire.CollectionSchemesDoc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[string]bool, len(doc.Schemes))
	for _, sdoc := range doc.Schemes {
		want[sdoc.CampaignSyncID] = true
	}
	setChanged := false
	for id := range m.campaigns {
		if !want[id] {
			m.log.Info().Str("campaign", id).Msg("campaign removed")
			delete(m.campaigns, id)
			setChanged = true
		}
	}

	for _, sdoc := range doc.Schemes {
		if existing, ok := m.campaigns[sdoc.CampaignSyncID]; ok {
			if err := existing.update(sdoc); err != nil {
				m.log.Warn().Str("campaign", sdoc.CampaignSyncID).Err(err).Msg("campaign dropped: malformed update")
				delete(m.campaigns, sdoc.CampaignSyncID)
				setChanged = true
			}
			continue
		}
		c, err := fromDoc(sdoc)
		if err != nil {
			m.log.Warn().Str("campaign", sdoc.CampaignSyncID).Err(err).Msg("campaign rejected")
			continue
		}
		m.campaigns[sdoc.CampaignSyncID] = c
		// A freshly added campaign starts INACTIVE. Force a republish even
		// if evaluateLocked leaves it INACTIVE; the Matrix and Filter only
		// carry the signal requirements of campaigns that reach ACTIVE.
		setChanged = true
	}

	m.evaluateLocked(setChanged)
	m.wakeLocked()
}

// UpdateStateTemplates applies an added/removed diff of state-template
// sync_ids, reported alongside decoder manifest and campaign sync_ids in
// the periodic checkin. A diff carrying a version lower than the last
// applied one is stale and ignored; the current version may be re-sent
// with further additions or removals. Removing an unknown id is a no-op.
func (m *Manager) UpdateStateTemplates(doc wire.StateTemplatesDoc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc.Version < m.stateTmplVersion {
		m.log.Warn().
			Int("version", doc.Version).
			Int("current", m.stateTmplVersion).
			Msg("stale state template diff ignored")
		return
	}
	m.stateTmplVersion = doc.Version
	for _, id := range doc.Added {
		m.stateTmpls[id] = true
	}
	for _, id := range doc.Removed {
		delete(m.stateTmpls, id)
	}
}

// StateTemplatesSnapshot returns the current state-template set and
// version as a document that, applied to a fresh Manager via
// UpdateStateTemplates, reproduces this state. Persisted across restarts
// so the first checkin after boot reports the restored templates.
func (m *Manager) StateTemplatesSnapshot() wire.StateTemplatesDoc {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := wire.StateTemplatesDoc{Version: m.stateTmplVersion}
	for id := range m.stateTmpls {
		doc.Added = append(doc.Added, id)
	}
	sort.Strings(doc.Added)
	return doc
}

// OnManifestUpdated must be called after the caller publishes a new
// decoder manifest to dec. Every campaign ACTIVE under the previous
// manifest transitions back to INACTIVE; it re-enters the lifecycle once
// a matching manifest becomes active again.
func (m *Manager) OnManifestUpdated() {
	m.mu.Lock()
	defer m.mu.Unlock()

	dict := m.dec.Current()
	newSyncID := ""
	if dict != nil {
		newSyncID = dict.SyncID
	}
	if newSyncID == m.lastManifestSyncID {
		return
	}
	// Every campaign tied to the previous manifest falls out of the new
	// manifest's sync_id match in evaluateLocked below and transitions
	// back to INACTIVE there; it re-enters the lifecycle once a matching
	// manifest is active again.
	m.lastManifestSyncID = newSyncID
	m.evaluateLocked(false)
	m.wakeLocked()
}

// Evaluate forces an immediate re-check of every campaign's eligibility
// and time-driven state, without waiting for the loop's next deadline or
// wake signal. Exposed for tests and for callers driving the manager
// without Start.
func (m *Manager) Evaluate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evaluateLocked(false)
}

// evaluateLocked re-checks every campaign's eligibility and time-driven
// state, dropping campaigns that fail to typecheck or exceed the
// configured tree depth, and republishes the Matrix and Filter if the
// active set changed. Errors surfaced here (MANIFEST_MISMATCH,
// TYPECHECK_FAILED, TREE_DEPTH_EXCEEDED) are isolating: they never abort
// evaluation of the remaining campaigns.
func (m *Manager) evaluateLocked(force bool) {
	dict := m.dec.Current()
	manifestSyncID := ""
	if dict != nil {
		manifestSyncID = dict.SyncID
	}

	now := m.clk.NowMs()
	changed := force || m.matrix.Load() == nil

	for id, c := range m.campaigns {
		if dict == nil || c.DecoderManifestSyncID != manifestSyncID {
			if c.State != StateInactive {
				changed = true
			}
			c.State = StateInactive
			c.validatedManifestSyncID = ""
			continue
		}

		if c.validatedManifestSyncID != manifestSyncID {
			if err := validateTree(c, dict, m.maxTreeDepth); err != nil {
				m.log.Warn().Str("campaign", id).Err(err).Msg("campaign dropped: typecheck failed")
				delete(m.campaigns, id)
				changed = true
				continue
			}
			c.validatedManifestSyncID = manifestSyncID
		}

		var next State
		switch {
		case now < c.StartMs:
			next = StatePendingStart
		case now < c.ExpiryMs:
			next = StateActive
		default:
			next = StateExpired
		}
		if next != c.State {
			changed = true
			c.State = next
		}
	}

	if changed {
		m.publishLocked(dict, manifestSyncID)
	}
}

func (m *Manager) publishLocked(dict *decoder.Dictionary, manifestSyncID string) {
	matrix := &Matrix{ManifestSyncID: manifestSyncID}
	required := make(map[signal.ID]bool)

	for _, c := range m.campaigns {
		if c.State != StateActive {
			continue
		}
		matrix.Campaigns = append(matrix.Campaigns, ActiveCampaign{
			SyncID:                  c.SyncID,
			Priority:                c.Priority,
			Trigger:                 c.Trigger,
			PeriodMs:                c.PeriodMs,
			Tree:                    c.Tree,
			MinIntervalMs:           c.MinIntervalMs,
			Mode:                    c.Mode,
			AfterDurationMs:         c.AfterDurationMs,
			IncludeActiveDTCs:       c.IncludeActiveDTCs,
			SignalRequirements:      c.SignalRequirements,
			PersistAllCollectedData: c.PersistAllCollectedData,
			CompressCollectedData:   c.CompressCollectedData,
		})
		for _, r := range c.SignalRequirements {
			required[r.SignalID] = true
		}
	}

	m.matrix.Store(matrix)
	m.filter.Store(decoder.NewFilter(dict, required))
}

// CurrentMatrix returns the most recently published Inspection Matrix, or
// nil if the manager has not yet evaluated.
func (m *Manager) CurrentMatrix() *Matrix { return m.matrix.Load() }

// CurrentFilter returns the most recently published decode filter.
func (m *Manager) CurrentFilter() *decoder.Filter { return m.filter.Load() }

// ActiveSyncIDs returns the sync_ids the Checkin Reporter must send: the
// active decoder manifest, every ACTIVE campaign, and every known
// state-template sync_id.
func (m *Manager) ActiveSyncIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.campaigns)+len(m.stateTmpls)+1)
	if m.lastManifestSyncID != "" {
		ids = append(ids, m.lastManifestSyncID)
	}
	for _, c := range m.campaigns {
		if c.State == StateActive {
			ids = append(ids, c.SyncID)
		}
	}
	for id := range m.stateTmpls {
		ids = append(ids, id)
	}
	return ids
}
