// Package wire holds the JSON document shapes exchanged with the cloud
// control plane over transport: inbound DecoderManifest, CollectionSchemes,
// and StateTemplates, and outbound Checkin and VehicleData. These are
// the external schema boundary; this package owns only the struct tags,
// not any validation or business logic.
package wire

import "encoding/json"

// DecoderManifestDoc is the inbound decoder manifest document.
type DecoderManifestDoc struct {
	SyncID string               `json:"sync_id"`
	Rules  []DecodingRuleDoc    `json:"decoding_rules"`
}

// DecodingRuleDoc maps one external bus identifier to an internal signal.
type DecodingRuleDoc struct {
	SignalID uint32 `json:"signal_id"`
	Source   string `json:"source"` // "can" | "obd" | "custom"
	Type     string `json:"type"`   // one of signal.Type's String() values
	// Name is the external identifier within Source (frame/PID/custom name).
	Name string `json:"name"`
}

// CollectionSchemesDoc is the inbound campaign list document.
type CollectionSchemesDoc struct {
	Schemes []CampaignDoc `json:"collection_schemes"`
}

// CampaignDoc mirrors one cloud-issued campaign (a.k.a. collection scheme).
type CampaignDoc struct {
	CampaignSyncID        string              `json:"campaign_sync_id"`
	DecoderManifestSyncID string              `json:"decoder_manifest_sync_id"`
	StartMs               int64               `json:"start_ms"`
	ExpiryMs              int64               `json:"expiry_ms"`
	TimeBased             *TimeBasedDoc       `json:"time_based,omitempty"`
	ConditionBased        *ConditionBasedDoc  `json:"condition_based,omitempty"`
	AfterDurationMs       int64               `json:"after_duration_ms"`
	IncludeActiveDTCs     bool                `json:"include_active_dtcs"`
	SignalRequirements    []SignalRequirement `json:"signal_requirements"`
	Priority              int                 `json:"priority"`
	PersistAllCollectedData bool              `json:"persist_all_collected_data"`
	CompressCollectedData   bool              `json:"compress_collected_data"`
}

// TimeBasedDoc configures a time_based trigger.
type TimeBasedDoc struct {
	PeriodMs int64 `json:"period_ms"`
}

// ConditionBasedDoc configures a condition_based trigger.
type ConditionBasedDoc struct {
	Tree          json.RawMessage `json:"tree"`
	MinIntervalMs int64           `json:"min_interval_ms"`
	TriggerMode   string          `json:"trigger_mode"` // "ALWAYS" | "RISING_EDGE"
}

// SignalRequirement is one per-signal declaration within a campaign.
type SignalRequirement struct {
	SignalID            uint32 `json:"signal_id"`
	SampleBufferSize    int    `json:"sample_buffer_size"`
	MinimumSamplePeriodMs int64 `json:"minimum_sample_period_ms"`
	FixedWindowPeriodMs int64  `json:"fixed_window_period_ms"`
	ConditionOnly       bool   `json:"condition_only"`
}

// StateTemplatesDoc is the optional state-template diff document.
type StateTemplatesDoc struct {
	Version int      `json:"version"`
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
}

// CheckinDoc is the outbound periodic self-report.
type CheckinDoc struct {
	SyncIDs []string `json:"sync_ids"`
}

// VehicleDataDoc is the outbound triggered payload.
type VehicleDataDoc struct {
	CampaignSyncID string            `json:"campaign_sync_id"`
	TriggerTs      int64             `json:"trigger_ts"`
	Signals        []SignalValueDoc  `json:"signals"`
	RawDataRefs    []uint32          `json:"raw_data_refs,omitempty"`
	ActiveDTCs     []string          `json:"active_dtcs,omitempty"`
}

// SignalValueDoc is one (id, ts, value) tuple inside a VehicleDataDoc.
type SignalValueDoc struct {
	SignalID    uint32      `json:"signal_id"`
	TimestampMs int64       `json:"timestamp_ms"`
	Value       interface{} `json:"value"`
}
