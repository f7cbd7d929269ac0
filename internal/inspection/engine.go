// Package inspection implements the Inspection Engine: the single-
// threaded consumer that updates per-signal ring buffers and fixed
// windows, evaluates every dependent campaign's condition tree on each
// sample, and assembles Triggered Data bundles on a satisfying
// transition. All evaluation state is confined to the engine's one
// goroutine: each decoded sample is dispatched by signal ID to every
// campaign whose requirements include it, with no locks on the hot path.
package inspection

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/fleet-agent/internal/campaign"
	"github.com/snarg/fleet-agent/internal/clock"
	"github.com/snarg/fleet-agent/internal/condition"
	"github.com/snarg/fleet-agent/internal/customfn"
	"github.com/snarg/fleet-agent/internal/pipeline"
	"github.com/snarg/fleet-agent/internal/rawbuffer"
	"github.com/snarg/fleet-agent/internal/signal"
)

// RawRef is a pinned raw-data handle attached to a TriggeredData bundle.
// The receiver (the Upload Queue) owns the borrow and must call Release
// exactly once, after the payload has been read or persisted.
type RawRef struct {
	Frame rawbuffer.Frame
}

func (r RawRef) Release(m *rawbuffer.Manager) {
	m.Release(r.Frame)
}

// idleFallbackMs bounds how long the engine sleeps with nothing scheduled
// (no time_based campaign, no pending after_duration_ms fire); a new
// sample still wakes it sooner via its own select case. A matrix
// published while the engine sleeps is picked up at its next wake-up,
// by sample or by deadline.
const idleFallbackMs = int64(time.Hour / time.Millisecond)

// SignalSnapshot is one required signal's buffered history at fire time.
type SignalSnapshot struct {
	SignalID signal.ID
	Samples  []signal.Sample
}

// ComplexSignal is a custom-function-contributed payload, attached to the
// tagged signal rather than sampled off the pipeline.
type ComplexSignal struct {
	SignalID signal.ID
	Payload  []byte
}

// TriggeredData is one campaign's fire, assembled and handed to the
// Upload Queue.
type TriggeredData struct {
	CampaignSyncID      string
	TriggerTs           int64
	Priority            int
	Signals             []SignalSnapshot
	Complex             []ComplexSignal
	RawRefs             []RawRef
	ActiveDTCs          []string // nil unless the campaign asked for them and a provider is wired
	PersistOnDisconnect bool
	Compress            bool
}

// DTCProvider reports the diagnostic trouble codes currently active on
// the vehicle. Reading codes off the bus is an adapter concern, so the
// engine only snapshots whatever provider it was given; with none
// wired, campaigns that ask for DTCs get an empty list.
type DTCProvider interface {
	ActiveDTCs() []string
}

// matrixSource is the narrow view the engine needs of the Campaign
// Manager: its latest published Inspection Matrix.
type matrixSource interface {
	CurrentMatrix() *campaign.Matrix
}

// campaignState is the engine's private per-campaign evaluation state:
// the last three-valued result (for rising-edge detection), the last
// fire time (for rate limiting), and any pending delayed fire.
type campaignState struct {
	def            campaign.ActiveCampaign
	lastResult     signal.Value
	lastFireMs     int64
	nextTimeFireMs int64 // 0 = not a time_based campaign, or not yet scheduled
	pendingDueMs   int64 // 0 = no after_duration_ms fire pending
}

// snapshotView adapts the engine's latest-observed-value map to
// condition.Snapshot.
type snapshotView struct {
	latest map[signal.ID]signal.Value
}

func (s snapshotView) Value(id signal.ID) signal.Value {
	v, ok := s.latest[id]
	if !ok {
		return signal.Undefined
	}
	return v
}

// Engine is the Inspection Engine. One Engine runs in its own goroutine,
// pulling from a single registered pipeline.Consumer.
type Engine struct {
	consumer  *pipeline.Consumer
	clk       clock.Clock
	matrixSrc matrixSource
	fns       *customfn.Registry
	raw       *rawbuffer.Manager
	out       chan<- TriggeredData
	log       zerolog.Logger

	stop     chan struct{}
	stopOnce sync.Once

	ringBuffers map[signal.ID]*ringBuffer
	windows     map[signal.ID]map[int64]*fixedWindow
	latest      map[signal.ID]signal.Value
	reqIndex    map[signal.ID][]string

	campaigns  map[string]*campaignState
	lastMatrix *campaign.Matrix
	dtcs       DTCProvider

	evaluations atomic.Int64
	fires       atomic.Int64
}

// EvaluationCount reports how many times a condition tree has been
// evaluated, for the metrics collector.
func (e *Engine) EvaluationCount() int64 { return e.evaluations.Load() }

// FireCount reports how many TriggeredData bundles have been assembled
// and emitted, for the metrics collector.
func (e *Engine) FireCount() int64 { return e.fires.Load() }

// NewEngine creates an Engine. out should be buffered generously by the
// caller; assembleAndEmit blocks on it (bounded only by Stop) rather than
// drop triggered data, since triggers are the whole point of the system.
func NewEngine(consumer *pipeline.Consumer, clk clock.Clock, matrixSrc matrixSource, fns *customfn.Registry, raw *rawbuffer.Manager, out chan<- TriggeredData, log zerolog.Logger) *Engine {
	return &Engine{
		consumer:    consumer,
		clk:         clk,
		matrixSrc:   matrixSrc,
		fns:         fns,
		raw:         raw,
		out:         out,
		log:         log.With().Str("component", "inspection-engine").Logger(),
		stop:        make(chan struct{}),
		ringBuffers: make(map[signal.ID]*ringBuffer),
		windows:     make(map[signal.ID]map[int64]*fixedWindow),
		latest:      make(map[signal.ID]signal.Value),
		reqIndex:    make(map[signal.ID][]string),
		campaigns:   make(map[string]*campaignState),
	}
}

// SetDTCProvider wires the source of active diagnostic trouble codes.
// Call before Run; the engine reads it only from its own goroutine.
func (e *Engine) SetDTCProvider(p DTCProvider) { e.dtcs = p }

// Stop terminates Run. Safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
}

// Run is the engine's single-threaded loop. Call it in its own goroutine.
func (e *Engine) Run() {
	for {
		e.rebuildFromMatrixIfChanged()

		deadline := e.nextDeadline()
		wait := deadline - e.clk.NowMs()
		if wait < 0 {
			wait = 0
		}
		timerC := e.clk.After(time.Duration(wait) * time.Millisecond)

		select {
		case <-e.stop:
			return
		case s, ok := <-e.consumer.Chan():
			if !ok {
				return
			}
			e.handleSample(s)
		case <-timerC:
			e.handleTick()
		}
	}
}

// Tick forces the engine to process one sample (if any is immediately
// available) or run its deadline check, without blocking on a real
// timer. Exposed for deterministic tests driving a fake clock.
func (e *Engine) Tick() {
	e.rebuildFromMatrixIfChanged()
	select {
	case s := <-e.consumer.Chan():
		e.handleSample(s)
	default:
		e.handleTick()
	}
}

func (e *Engine) rebuildFromMatrixIfChanged() {
	m := e.matrixSrc.CurrentMatrix()
	if m == e.lastMatrix {
		return
	}
	e.lastMatrix = m

	newCampaigns := make(map[string]*campaignState)
	newReqIndex := make(map[signal.ID][]string)
	capacities := make(map[signal.ID]int)

	if m != nil {
		for _, ac := range m.Campaigns {
			cs, existed := e.campaigns[ac.SyncID]
			if !existed {
				cs = &campaignState{}
				if ac.Trigger == campaign.TriggerTimeBased {
					cs.nextTimeFireMs = e.clk.NowMs() + ac.PeriodMs
				}
			}
			cs.def = ac
			newCampaigns[ac.SyncID] = cs
			for _, r := range ac.SignalRequirements {
				newReqIndex[r.SignalID] = append(newReqIndex[r.SignalID], ac.SyncID)
				if r.SampleBufferSize > capacities[r.SignalID] {
					capacities[r.SignalID] = r.SampleBufferSize
				}
				if r.FixedWindowPeriodMs > 0 {
					ws := e.windows[r.SignalID]
					if ws == nil {
						ws = make(map[int64]*fixedWindow)
						e.windows[r.SignalID] = ws
					}
					if ws[r.FixedWindowPeriodMs] == nil {
						ws[r.FixedWindowPeriodMs] = newFixedWindow(r.FixedWindowPeriodMs)
					}
				}
			}
		}
	}

	for id := range e.campaigns {
		if _, ok := newCampaigns[id]; !ok {
			e.fns.Cleanup(id)
		}
	}

	e.campaigns = newCampaigns
	e.reqIndex = newReqIndex

	for id, n := range capacities {
		rb, ok := e.ringBuffers[id]
		if !ok {
			e.ringBuffers[id] = newRingBuffer(n)
			continue
		}
		if n > rb.cap {
			rb.resize(n)
		}
	}
}

// handleSample updates the signal's ring buffer and fixed windows, then
// re-evaluates every campaign whose condition depends on this signal.
func (e *Engine) handleSample(s signal.Sample) {
	e.latest[s.ID] = s.Value

	rb, ok := e.ringBuffers[s.ID]
	if !ok {
		rb = newRingBuffer(1)
		e.ringBuffers[s.ID] = rb
	}
	rb.push(s)

	if s.Value.Kind == signal.KindNumber {
		for _, w := range e.windows[s.ID] {
			w.observe(s.TimestampMs, s.Value.N)
		}
	}

	for _, id := range e.reqIndex[s.ID] {
		cs := e.campaigns[id]
		if cs == nil || cs.def.Trigger != campaign.TriggerConditionBased {
			continue
		}
		e.evaluateCondition(cs)
	}
}

// evaluateCondition evaluates the tree with three-valued logic, applies
// rising-edge or always-fire semantics, then the
// condition_minimum_interval_ms rate limit.
//
// TRIGGER_ALWAYS campaigns fire only when the interval has elapsed AND
// the condition is true at that moment (not "fire immediately, then gate
// for interval") — every candidate fire, rising-edge or always, passes
// through the same rate-limit check below.
func (e *Engine) evaluateCondition(cs *campaignState) {
	e.evaluations.Add(1)
	snap := snapshotView{latest: e.latest}
	result := condition.Evaluate(cs.def.Tree, cs.def.SyncID, snap, e.fns)
	satisfied := result.Kind == signal.KindBool && result.B

	fire := false
	switch cs.def.Mode {
	case campaign.TriggerAlways:
		fire = satisfied
	default: // TriggerRisingEdge
		prevFalseOrUndefined := cs.lastResult.IsUndefined() || (cs.lastResult.Kind == signal.KindBool && !cs.lastResult.B)
		fire = satisfied && prevFalseOrUndefined
	}
	cs.lastResult = result
	if !fire {
		return
	}

	now := e.clk.NowMs()
	if cs.def.MinIntervalMs > 0 && now-cs.lastFireMs < cs.def.MinIntervalMs {
		return
	}
	cs.lastFireMs = now
	e.triggerFire(cs, now)
}

// triggerFire applies the after_duration_ms delay: a campaign that
// declares one waits that long (continuing to fill buffers) before the
// actual snapshot is assembled.
func (e *Engine) triggerFire(cs *campaignState, nowMs int64) {
	if cs.def.AfterDurationMs > 0 {
		due := nowMs + cs.def.AfterDurationMs
		if cs.pendingDueMs == 0 || due < cs.pendingDueMs {
			cs.pendingDueMs = due
		}
		return
	}
	e.assembleAndEmit(cs, nowMs)
}

// handleTick drives time-based campaigns and any after_duration_ms
// fires whose delay has elapsed, emitting same-tick fires in priority
// order: lower priority number wins, then stable order by sync_id.
func (e *Engine) handleTick() {
	now := e.clk.NowMs()
	var due []*campaignState

	for _, cs := range e.campaigns {
		if cs.def.Trigger == campaign.TriggerTimeBased && cs.nextTimeFireMs != 0 && cs.nextTimeFireMs <= now {
			next := cs.nextTimeFireMs + cs.def.PeriodMs
			if next <= now {
				next = now + cs.def.PeriodMs
			}
			cs.nextTimeFireMs = next
			if cs.def.AfterDurationMs > 0 {
				dueAt := now + cs.def.AfterDurationMs
				if cs.pendingDueMs == 0 || dueAt < cs.pendingDueMs {
					cs.pendingDueMs = dueAt
				}
			} else {
				// No delay: queue for immediate, priority-ordered assembly
				// below rather than firing inline here, since map iteration
				// order is unspecified and same-tick fires must respect the
				// priority/sync_id tie-break.
				due = append(due, cs)
			}
		}
		if cs.pendingDueMs != 0 && cs.pendingDueMs <= now {
			cs.pendingDueMs = 0
			due = append(due, cs)
		}
	}

	sort.SliceStable(due, func(i, j int) bool {
		if due[i].def.Priority != due[j].def.Priority {
			return due[i].def.Priority < due[j].def.Priority
		}
		return due[i].def.SyncID < due[j].def.SyncID
	})
	for _, cs := range due {
		e.assembleAndEmit(cs, now)
	}
}

// nextDeadline computes the next wall-clock epoch-ms the engine must wake
// at even with no incoming sample: the earliest pending after_duration_ms
// fire or time_based period, capped by idleFallbackMs.
func (e *Engine) nextDeadline() int64 {
	now := e.clk.NowMs()
	next := now + idleFallbackMs
	for _, cs := range e.campaigns {
		if cs.def.Trigger == campaign.TriggerTimeBased && cs.nextTimeFireMs != 0 && cs.nextTimeFireMs < next {
			next = cs.nextTimeFireMs
		}
		if cs.pendingDueMs != 0 && cs.pendingDueMs < next {
			next = cs.pendingDueMs
		}
	}
	if next < now {
		next = now
	}
	return next
}

// assembleAndEmit snapshots each required signal's last N buffered
// samples, borrows any still-live raw handles, runs the custom function
// condition-end hooks, and emits the bundle.
func (e *Engine) assembleAndEmit(cs *campaignState, fireTs int64) {
	e.fires.Add(1)
	collected := make(map[signal.ID]bool)
	var sigSnaps []SignalSnapshot
	var rawRefs []RawRef

	for _, req := range cs.def.SignalRequirements {
		if req.ConditionOnly {
			continue
		}
		rb, ok := e.ringBuffers[req.SignalID]
		if !ok {
			continue
		}
		samples := rb.snapshot()
		if len(samples) == 0 {
			continue
		}
		if n := req.SampleBufferSize; n > 0 && len(samples) > n {
			samples = samples[len(samples)-n:]
		}
		sigSnaps = append(sigSnaps, SignalSnapshot{SignalID: req.SignalID, Samples: samples})
		collected[req.SignalID] = true

		for _, s := range samples {
			if s.RawHandle == 0 {
				continue
			}
			if fr, ok := e.raw.Borrow(req.SignalID, s.RawHandle); ok {
				rawRefs = append(rawRefs, RawRef{Frame: fr})
			}
		}
	}

	var complexSignals []ComplexSignal
	if name, tagged, ok := condition.FindCustomFn(cs.def.Tree); ok {
		_ = name
		ctx := customfn.ConditionEndContext{
			CollectedSignals: collected,
			TimestampMs:      fireTs,
			TaggedSignalID:   tagged,
			RawConfigured:    e.raw.Configured,
			Emit: func(id signal.ID, payload []byte) {
				complexSignals = append(complexSignals, ComplexSignal{SignalID: id, Payload: payload})
			},
		}
		e.fns.ConditionEnd(cs.def.SyncID, ctx)
	}

	var dtcs []string
	if cs.def.IncludeActiveDTCs && e.dtcs != nil {
		dtcs = e.dtcs.ActiveDTCs()
	}

	td := TriggeredData{
		CampaignSyncID:      cs.def.SyncID,
		TriggerTs:           fireTs,
		Priority:            cs.def.Priority,
		Signals:             sigSnaps,
		Complex:             complexSignals,
		RawRefs:             rawRefs,
		ActiveDTCs:          dtcs,
		PersistOnDisconnect: cs.def.PersistAllCollectedData,
		Compress:            cs.def.CompressCollectedData,
	}

	select {
	case e.out <- td:
	case <-e.stop:
	}
}
