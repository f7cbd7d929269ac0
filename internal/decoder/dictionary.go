// Package decoder maintains the currently-active Decoder Dictionary: the
// mapping from external identifiers (bus, frame, PID, custom name) to
// internal signal IDs and types. It is published as an immutable
// snapshot, swapped atomically whenever a new decoder manifest is
// activated: exactly one manifest is active at a time, and a reader
// holding a snapshot never observes a blended view across two manifests.
package decoder

import (
	"sync/atomic"

	"github.com/snarg/fleet-agent/internal/signal"
)

// Rule describes how one external identifier decodes into a signal.
type Rule struct {
	SignalID signal.ID
	Source   string // "can" | "obd" | "custom"
	Type     signal.Type
	Name     string // external identifier within Source
}

// Dictionary is one immutable decoder manifest snapshot.
type Dictionary struct {
	SyncID string
	byID   map[signal.ID]Rule
	bySource map[string]map[string]Rule // source -> external name -> rule
}

// New builds a read-only Dictionary from a flat rule list.
func New(syncID string, rules []Rule) *Dictionary {
	d := &Dictionary{
		SyncID:   syncID,
		byID:     make(map[signal.ID]Rule, len(rules)),
		bySource: make(map[string]map[string]Rule),
	}
	for _, r := range rules {
		d.byID[r.SignalID] = r
		sub, ok := d.bySource[r.Source]
		if !ok {
			sub = make(map[string]Rule)
			d.bySource[r.Source] = sub
		}
		sub[r.Name] = r
	}
	return d
}

// SignalType implements condition.ManifestTypes.
func (d *Dictionary) SignalType(id signal.ID) (signal.Type, bool) {
	if d == nil {
		return signal.TypeUnknown, false
	}
	r, ok := d.byID[id]
	return r.Type, ok
}

// Resolve looks up the internal signal ID for an external (source, name)
// pair, as used by decoder adapters translating raw bus frames.
func (d *Dictionary) Resolve(source, name string) (signal.ID, bool) {
	if d == nil {
		return 0, false
	}
	sub, ok := d.bySource[source]
	if !ok {
		return 0, false
	}
	r, ok := sub[name]
	return r.SignalID, ok
}

// Filter is the subset of signals the active campaigns require decoded,
// keyed by source for cheap adapter-side filtering.
type Filter struct {
	bySource map[string]map[string]bool
}

// NewFilter builds a decode filter from a set of required signal IDs
// resolved against a dictionary.
func NewFilter(d *Dictionary, required map[signal.ID]bool) *Filter {
	f := &Filter{bySource: make(map[string]map[string]bool)}
	if d == nil {
		return f
	}
	for id := range required {
		r, ok := d.byID[id]
		if !ok {
			continue
		}
		sub, ok := f.bySource[r.Source]
		if !ok {
			sub = make(map[string]bool)
			f.bySource[r.Source] = sub
		}
		sub[r.Name] = true
	}
	return f
}

// Wanted reports whether the given external identifier should be decoded.
func (f *Filter) Wanted(source, name string) bool {
	if f == nil {
		return false
	}
	sub, ok := f.bySource[source]
	return ok && sub[name]
}

// Registry holds the single active Dictionary, published atomically.
// Consumers subscribe by reading Current(); each read returns a stable
// snapshot even if a swap happens concurrently.
type Registry struct {
	current atomic.Pointer[Dictionary]
}

// NewRegistry creates a registry with no active dictionary.
func NewRegistry() *Registry { return &Registry{} }

// Current returns the active snapshot, or nil if none has been published.
func (r *Registry) Current() *Dictionary { return r.current.Load() }

// Publish atomically swaps in a new dictionary.
func (r *Registry) Publish(d *Dictionary) { r.current.Store(d) }
