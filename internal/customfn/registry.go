// Package customfn implements the extension points condition trees can
// invoke: Invoke during evaluation, ConditionEnd when a fire is assembled
// to contribute signals to the outgoing TriggeredData, and Cleanup on
// campaign removal. Functions are registered by name at startup and
// looked up by name each time an evaluating tree invokes one.
package customfn

import (
	"errors"

	"github.com/snarg/fleet-agent/internal/signal"
)

// ErrTypeMismatch is returned for wrong arity or mismatched argument
// types; internal state is left unchanged.
var ErrTypeMismatch = errors.New("TYPE_MISMATCH")

// ConditionEndContext carries what a custom function needs to decide
// whether, and how, to contribute a complex-data signal to the outgoing
// TriggeredData once the condition tree has finished evaluating.
type ConditionEndContext struct {
	CollectedSignals map[signal.ID]bool
	TimestampMs      int64
	TaggedSignalID   signal.ID
	RawConfigured    func(signal.ID) bool
	Emit             func(signalID signal.ID, payload []byte)
}

// Function is a custom function extension point.
type Function interface {
	Invoke(campaignID string, args []signal.Value) (signal.Value, error)
	ConditionEnd(campaignID string, ctx ConditionEndContext)
	Cleanup(campaignID string)
}

// Registry dispatches condition-tree custom_fn calls by name.
type Registry struct {
	fns map[string]Function
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{fns: make(map[string]Function)}
}

// Register installs a function under a name referenced by condition trees.
func (r *Registry) Register(name string, fn Function) {
	r.fns[name] = fn
}

// Invoke implements condition.CustomFnInvoker.
func (r *Registry) Invoke(campaignID, name string, args []signal.Value) (signal.Value, error) {
	fn, ok := r.fns[name]
	if !ok {
		return signal.Undefined, ErrTypeMismatch
	}
	return fn.Invoke(campaignID, args)
}

// ConditionEnd runs every registered function's end-of-pass hook for one
// campaign. The inspection engine calls it once per fire, while it
// assembles that fire's TriggeredData; evaluation passes that do not
// fire do not call it.
func (r *Registry) ConditionEnd(campaignID string, ctx ConditionEndContext) {
	for _, fn := range r.fns {
		fn.ConditionEnd(campaignID, ctx)
	}
}

// Cleanup runs every registered function's cleanup hook for a removed
// campaign.
func (r *Registry) Cleanup(campaignID string) {
	for _, fn := range r.fns {
		fn.Cleanup(campaignID)
	}
}

// Get returns the named function for direct access, or false if unknown.
func (r *Registry) Get(name string) (Function, bool) {
	fn, ok := r.fns[name]
	return fn, ok
}
