package customfn

import (
	"encoding/json"
	"sync"

	"github.com/snarg/fleet-agent/internal/signal"
)

// MultiRisingEdge is the multi-rising-edge trigger function: args are
// pairs of (label_string, bool_flag). It
// remembers the previous flag for each label per campaign; on a
// false→true transition of any label it fires (the returned boolean), and
// queues the full set of currently-true labels — not just the one that
// rose — to be emitted as the TriggeredData payload once ConditionEnd
// runs. Wrong arity or mismatched types return ErrTypeMismatch and leave
// internal state unchanged.
type MultiRisingEdge struct {
	mu      sync.Mutex
	prev    map[string]map[string]bool // campaignID -> label -> last flag
	pending map[string][]string        // campaignID -> currently-true labels, queued for the next ConditionEnd
}

// NewMultiRisingEdge creates an empty tracker.
func NewMultiRisingEdge() *MultiRisingEdge {
	return &MultiRisingEdge{
		prev:    make(map[string]map[string]bool),
		pending: make(map[string][]string),
	}
}

// Invoke returns true iff at least one label transitioned false→true on
// this call.
func (m *MultiRisingEdge) Invoke(campaignID string, args []signal.Value) (signal.Value, error) {
	if len(args)%2 != 0 {
		return signal.Undefined, ErrTypeMismatch
	}
	type pair struct {
		label string
		flag  bool
	}
	pairs := make([]pair, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		labelV, flagV := args[i], args[i+1]
		if labelV.Kind != signal.KindString || flagV.Kind != signal.KindBool {
			return signal.Undefined, ErrTypeMismatch
		}
		pairs = append(pairs, pair{label: labelV.S, flag: flagV.B})
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	campPrev, ok := m.prev[campaignID]
	if !ok {
		campPrev = make(map[string]bool)
		m.prev[campaignID] = campPrev
	}

	rose := false
	var currentlyTrue []string
	for _, p := range pairs {
		if p.flag && !campPrev[p.label] {
			rose = true
		}
		campPrev[p.label] = p.flag
		if p.flag {
			currentlyTrue = append(currentlyTrue, p.label)
		}
	}

	if rose {
		m.pending[campaignID] = currentlyTrue
	}

	return signal.Bool(rose), nil
}

// ConditionEnd emits one complex-data signal carrying the JSON-encoded
// list of all currently-true labels, provided some label rose this pass,
// the tagged signal was collected, and it has a raw-data config. The
// pending label list is always cleared, whether or not emission
// happened, so a later fire doesn't re-report a stale snapshot.
func (m *MultiRisingEdge) ConditionEnd(campaignID string, ctx ConditionEndContext) {
	m.mu.Lock()
	labels, ok := m.pending[campaignID]
	delete(m.pending, campaignID)
	m.mu.Unlock()

	if !ok {
		return
	}
	if ctx.CollectedSignals == nil || !ctx.CollectedSignals[ctx.TaggedSignalID] {
		return
	}
	if ctx.RawConfigured == nil || !ctx.RawConfigured(ctx.TaggedSignalID) {
		return
	}

	payload, err := json.Marshal(labels)
	if err != nil {
		return
	}
	if ctx.Emit != nil {
		ctx.Emit(ctx.TaggedSignalID, payload)
	}
}

// Cleanup drops all state for a removed campaign.
func (m *MultiRisingEdge) Cleanup(campaignID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.prev, campaignID)
	delete(m.pending, campaignID)
}
