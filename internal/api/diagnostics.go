package api

import (
	"net/http"

	"github.com/snarg/fleet-agent/internal/campaign"
	"github.com/snarg/fleet-agent/internal/pipeline"
	"github.com/snarg/fleet-agent/internal/rawbuffer"
	"github.com/snarg/fleet-agent/internal/upload"
)

// DiagnosticsHandler serves read-only views of live agent state: the
// published Inspection Matrix, raw-buffer occupancy, upload queue/worker
// stats, and signal pipeline fan-out. Every dependency may be nil where
// the corresponding component hasn't been wired (e.g. no raw-buffer
// signals configured), in which case the handler reports an empty body
// rather than panicking.
type DiagnosticsHandler struct {
	campaigns *campaign.Manager
	pipeline  *pipeline.Pipeline
	raw       *rawbuffer.Manager
	queue     *upload.Queue
	uploader  *upload.Uploader
}

func NewDiagnosticsHandler(campaigns *campaign.Manager, pl *pipeline.Pipeline, raw *rawbuffer.Manager, queue *upload.Queue, uploader *upload.Uploader) *DiagnosticsHandler {
	return &DiagnosticsHandler{campaigns: campaigns, pipeline: pl, raw: raw, queue: queue, uploader: uploader}
}

// campaignView is the JSON-safe projection of campaign.ActiveCampaign —
// the condition tree itself is omitted, since it's an internal AST with
// no defined wire representation and campaign sync_id is enough for an
// operator to cross-reference against the cloud's own campaign records.
type campaignView struct {
	SyncID            string `json:"sync_id"`
	Priority          int    `json:"priority"`
	Trigger           string `json:"trigger"`
	Mode              string `json:"mode,omitempty"`
	PeriodMs          int64  `json:"period_ms,omitempty"`
	MinIntervalMs     int64  `json:"min_interval_ms,omitempty"`
	AfterDurationMs   int64  `json:"after_duration_ms,omitempty"`
	IncludeActiveDTCs bool   `json:"include_active_dtcs"`
	SignalCount       int    `json:"signal_count"`
	PersistOnFailure  bool   `json:"persist_on_failure"`
}

type matrixResponse struct {
	ManifestSyncID string          `json:"manifest_sync_id"`
	Campaigns      []campaignView  `json:"campaigns"`
}

func (h *DiagnosticsHandler) Matrix(w http.ResponseWriter, r *http.Request) {
	if h.campaigns == nil {
		WriteJSON(w, http.StatusOK, matrixResponse{})
		return
	}
	m := h.campaigns.CurrentMatrix()
	if m == nil {
		WriteJSON(w, http.StatusOK, matrixResponse{})
		return
	}

	resp := matrixResponse{ManifestSyncID: m.ManifestSyncID}
	for _, c := range m.Campaigns {
		trigger := "time_based"
		if c.Trigger == campaign.TriggerConditionBased {
			trigger = "condition_based"
		}
		mode := ""
		if c.Trigger == campaign.TriggerConditionBased {
			if c.Mode == campaign.TriggerAlways {
				mode = "always"
			} else {
				mode = "rising_edge"
			}
		}
		resp.Campaigns = append(resp.Campaigns, campaignView{
			SyncID:            c.SyncID,
			Priority:          c.Priority,
			Trigger:           trigger,
			Mode:              mode,
			PeriodMs:          c.PeriodMs,
			MinIntervalMs:     c.MinIntervalMs,
			AfterDurationMs:   c.AfterDurationMs,
			IncludeActiveDTCs: c.IncludeActiveDTCs,
			SignalCount:       len(c.SignalRequirements),
			PersistOnFailure:  c.PersistAllCollectedData,
		})
	}
	WriteJSON(w, http.StatusOK, resp)
}

type rawBufferStatsResponse struct {
	Signals []rawbuffer.Stats `json:"signals"`
}

func (h *DiagnosticsHandler) RawBuffer(w http.ResponseWriter, r *http.Request) {
	if h.raw == nil {
		WriteJSON(w, http.StatusOK, rawBufferStatsResponse{})
		return
	}
	WriteJSON(w, http.StatusOK, rawBufferStatsResponse{Signals: h.raw.AllStats()})
}

type pipelineStatsResponse struct {
	ConsumerCount      int   `json:"consumer_count"`
	DroppedNoConsumers int64 `json:"dropped_no_consumers"`
}

func (h *DiagnosticsHandler) Pipeline(w http.ResponseWriter, r *http.Request) {
	if h.pipeline == nil {
		WriteJSON(w, http.StatusOK, pipelineStatsResponse{})
		return
	}
	WriteJSON(w, http.StatusOK, pipelineStatsResponse{
		ConsumerCount:      h.pipeline.ConsumerCount(),
		DroppedNoConsumers: h.pipeline.DroppedNoConsumers(),
	})
}

type uploadStatsResponse struct {
	Queue    upload.QueueStats `json:"queue"`
	Uploaded int64             `json:"uploaded"`
	Failed   int64             `json:"failed"`
	Persisted int64            `json:"persisted"`
	Archived int64             `json:"archived"`
	Replayed int64             `json:"replayed"`
}

func (h *DiagnosticsHandler) Upload(w http.ResponseWriter, r *http.Request) {
	resp := uploadStatsResponse{}
	if h.queue != nil {
		resp.Queue = h.queue.Stats()
	}
	if h.uploader != nil {
		s := h.uploader.Stats()
		resp.Uploaded = s.Uploaded
		resp.Failed = s.Failed
		resp.Persisted = s.Persisted
		resp.Archived = s.Archived
		resp.Replayed = s.Replayed
	}
	WriteJSON(w, http.StatusOK, resp)
}
