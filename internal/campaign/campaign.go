// Package campaign implements the Campaign Manager: the lifecycle state
// machine for cloud-issued collection campaigns, and the derived
// artifacts — the Inspection Matrix and the Decoder Dictionary filter —
// published whenever that lifecycle changes.
package campaign

import (
	"errors"
	"fmt"

	"github.com/snarg/fleet-agent/internal/condition"
	"github.com/snarg/fleet-agent/internal/signal"
	"github.com/snarg/fleet-agent/internal/wire"
)

// State is a campaign's position in its lifecycle.
type State int

const (
	StateInactive State = iota
	StatePendingStart
	StateActive
	StateExpired
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "INACTIVE"
	case StatePendingStart:
		return "PENDING_START"
	case StateActive:
		return "ACTIVE"
	case StateExpired:
		return "EXPIRED"
	case StateRemoved:
		return "REMOVED"
	default:
		return "UNKNOWN"
	}
}

// TriggerKind distinguishes a campaign's firing mode.
type TriggerKind int

const (
	TriggerTimeBased TriggerKind = iota
	TriggerConditionBased
)

// TriggerMode selects between rising-edge and fire-on-every-true-sample
// semantics for a condition_based campaign.
type TriggerMode int

const (
	TriggerRisingEdge TriggerMode = iota
	TriggerAlways
)

// SignalRequirement is one per-signal declaration within a campaign,
// decoupled from its wire representation.
type SignalRequirement struct {
	SignalID              signal.ID
	SampleBufferSize      int
	MinimumSamplePeriodMs int64
	FixedWindowPeriodMs   int64
	ConditionOnly         bool
}

// ErrUnknownTrigger is returned when a campaign document specifies
// neither time_based nor condition_based.
var ErrUnknownTrigger = errors.New("campaign has no trigger configured")

// Campaign is the Campaign Manager's private, mutable record for one
// cloud-issued sync_id. Only the manager goroutine touches these fields;
// everything else observes campaigns through an immutable Matrix.
type Campaign struct {
	SyncID                string
	DecoderManifestSyncID string
	StartMs               int64
	ExpiryMs              int64

	Trigger         TriggerKind
	PeriodMs        int64 // time_based
	Tree            *condition.Node
	MinIntervalMs   int64       // condition_based
	Mode            TriggerMode // condition_based

	AfterDurationMs         int64
	IncludeActiveDTCs       bool
	SignalRequirements      []SignalRequirement
	Priority                int
	PersistAllCollectedData bool
	CompressCollectedData   bool

	State State

	// validatedManifestSyncID is the decoder manifest sync_id against
	// which Tree last successfully typechecked, so unchanged campaigns
	// aren't rebuilt and retypechecked every evaluation cycle.
	validatedManifestSyncID string
}

// required returns the set of signal IDs this campaign needs decoded,
// used to build the Decoder Dictionary filter.
func (c *Campaign) required() map[signal.ID]bool {
	req := make(map[signal.ID]bool, len(c.SignalRequirements))
	for _, r := range c.SignalRequirements {
		req[r.SignalID] = true
	}
	return req
}

// fromDoc builds a new Campaign in state INACTIVE from a wire document.
func fromDoc(doc wire.CampaignDoc) (*Campaign, error) {
	c := &Campaign{
		SyncID:                  doc.CampaignSyncID,
		DecoderManifestSyncID:   doc.DecoderManifestSyncID,
		StartMs:                 doc.StartMs,
		ExpiryMs:                doc.ExpiryMs,
		AfterDurationMs:         doc.AfterDurationMs,
		IncludeActiveDTCs:       doc.IncludeActiveDTCs,
		Priority:                doc.Priority,
		PersistAllCollectedData: doc.PersistAllCollectedData,
		CompressCollectedData:   doc.CompressCollectedData,
		State:                   StateInactive,
	}
	for _, r := range doc.SignalRequirements {
		c.SignalRequirements = append(c.SignalRequirements, SignalRequirement{
			SignalID:              signal.ID(r.SignalID),
			SampleBufferSize:      r.SampleBufferSize,
			MinimumSamplePeriodMs: r.MinimumSamplePeriodMs,
			FixedWindowPeriodMs:   r.FixedWindowPeriodMs,
			ConditionOnly:         r.ConditionOnly,
		})
	}

	switch {
	case doc.TimeBased != nil:
		c.Trigger = TriggerTimeBased
		c.PeriodMs = doc.TimeBased.PeriodMs
	case doc.ConditionBased != nil:
		c.Trigger = TriggerConditionBased
		c.MinIntervalMs = doc.ConditionBased.MinIntervalMs
		if doc.ConditionBased.TriggerMode == "ALWAYS" {
			c.Mode = TriggerAlways
		} else {
			c.Mode = TriggerRisingEdge
		}
		tree, err := condition.Parse(doc.ConditionBased.Tree)
		if err != nil {
			return nil, fmt.Errorf("campaign %s: %w", doc.CampaignSyncID, err)
		}
		c.Tree = tree
	default:
		return nil, fmt.Errorf("campaign %s: %w", doc.CampaignSyncID, ErrUnknownTrigger)
	}
	return c, nil
}

// validateTree typechecks a condition_based campaign's tree against the
// active manifest. Time-based campaigns have no tree and always pass.
func validateTree(c *Campaign, manifest condition.ManifestTypes, maxDepth int) error {
	if c.Trigger != TriggerConditionBased {
		return nil
	}
	return condition.Build(c.Tree, manifest, maxDepth)
}

// update refreshes the mutable fields of an existing campaign from a
// resent document, keeping State but clearing the validation cache, so
// re-evaluation retypechecks the refreshed content.
func (c *Campaign) update(doc wire.CampaignDoc) error {
	fresh, err := fromDoc(doc)
	if err != nil {
		return err
	}
	state := c.State
	*c = *fresh
	c.State = state
	return nil
}
