package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/snarg/fleet-agent/internal/campaign"
	"github.com/snarg/fleet-agent/internal/pipeline"
	"github.com/snarg/fleet-agent/internal/rawbuffer"
	"github.com/snarg/fleet-agent/internal/upload"
)

// EngineStats is the narrow view the collector needs of the inspection
// engine's lifetime counters.
type EngineStats interface {
	EvaluationCount() int64
	FireCount() int64
}

// Collector implements prometheus.Collector to read live gauges at scrape
// time rather than polling them onto a timer. Every dependency may be
// nil (not yet wired, or not configured — e.g. no optional pgstore
// backend), in which case its gauges report zero rather than the
// collector panicking or omitting them.
type Collector struct {
	pool      *pgxpool.Pool
	engine    EngineStats
	pl        *pipeline.Pipeline
	raw       *rawbuffer.Manager
	queue     *upload.Queue
	campaigns *campaign.Manager

	engineEvaluations         *prometheus.Desc
	engineFires               *prometheus.Desc
	pipelineConsumers         *prometheus.Desc
	pipelineDroppedNoConsumer *prometheus.Desc
	rawBufferBytes            *prometheus.Desc
	uploadQueuePending        *prometheus.Desc
	uploadQueueDropped        *prometheus.Desc
	activeCampaigns           *prometheus.Desc
	dbTotalConns              *prometheus.Desc
	dbAcquiredConns           *prometheus.Desc
	dbIdleConns               *prometheus.Desc
}

// NewCollector creates a collector over whichever dependencies are
// available; any of them may be nil.
func NewCollector(pool *pgxpool.Pool, engine EngineStats, pl *pipeline.Pipeline, raw *rawbuffer.Manager, queue *upload.Queue, campaigns *campaign.Manager) *Collector {
	return &Collector{
		pool:      pool,
		engine:    engine,
		pl:        pl,
		raw:       raw,
		queue:     queue,
		campaigns: campaigns,

		engineEvaluations: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "engine_evaluations_live"),
			"Condition tree evaluations performed, read live at scrape time.",
			nil, nil,
		),
		engineFires: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "engine_fires_live"),
			"TriggeredData bundles emitted, read live at scrape time.",
			nil, nil,
		),
		pipelineConsumers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pipeline", "consumers_active"),
			"Current number of registered signal pipeline consumers.",
			nil, nil,
		),
		pipelineDroppedNoConsumer: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pipeline", "dropped_no_consumer_total"),
			"Samples dropped because no consumer was registered at publish time.",
			nil, nil,
		),
		rawBufferBytes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "raw_buffer", "bytes_in_use"),
			"Total bytes currently held by the raw data buffer manager.",
			nil, nil,
		),
		uploadQueuePending: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "upload_queue", "pending"),
			"Current number of triggered-data bundles awaiting upload.",
			nil, nil,
		),
		uploadQueueDropped: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "upload_queue", "dropped_live"),
			"Triggered-data bundles dropped because the upload queue was full, read live at scrape time.",
			nil, nil,
		),
		activeCampaigns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "active_campaigns"),
			"Current number of campaigns in the published inspection matrix.",
			nil, nil,
		),
		dbTotalConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "total_conns"),
			"Total database pool connections (optional pgstore backend).",
			nil, nil,
		),
		dbAcquiredConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "acquired_conns"),
			"Database pool connections currently in use.",
			nil, nil,
		),
		dbIdleConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "idle_conns"),
			"Database pool idle connections.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.engineEvaluations
	ch <- c.engineFires
	ch <- c.pipelineConsumers
	ch <- c.pipelineDroppedNoConsumer
	ch <- c.rawBufferBytes
	ch <- c.uploadQueuePending
	ch <- c.uploadQueueDropped
	ch <- c.activeCampaigns
	ch <- c.dbTotalConns
	ch <- c.dbAcquiredConns
	ch <- c.dbIdleConns
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.engine != nil {
		ch <- prometheus.MustNewConstMetric(c.engineEvaluations, prometheus.CounterValue, float64(c.engine.EvaluationCount()))
		ch <- prometheus.MustNewConstMetric(c.engineFires, prometheus.CounterValue, float64(c.engine.FireCount()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.engineEvaluations, prometheus.CounterValue, 0)
		ch <- prometheus.MustNewConstMetric(c.engineFires, prometheus.CounterValue, 0)
	}

	if c.pl != nil {
		ch <- prometheus.MustNewConstMetric(c.pipelineConsumers, prometheus.GaugeValue, float64(c.pl.ConsumerCount()))
		ch <- prometheus.MustNewConstMetric(c.pipelineDroppedNoConsumer, prometheus.CounterValue, float64(c.pl.DroppedNoConsumers()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.pipelineConsumers, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.pipelineDroppedNoConsumer, prometheus.CounterValue, 0)
	}

	if c.raw != nil {
		var total int64
		for _, s := range c.raw.AllStats() {
			total += s.Bytes
		}
		ch <- prometheus.MustNewConstMetric(c.rawBufferBytes, prometheus.GaugeValue, float64(total))
	} else {
		ch <- prometheus.MustNewConstMetric(c.rawBufferBytes, prometheus.GaugeValue, 0)
	}

	if c.queue != nil {
		stats := c.queue.Stats()
		ch <- prometheus.MustNewConstMetric(c.uploadQueuePending, prometheus.GaugeValue, float64(stats.Pending))
		ch <- prometheus.MustNewConstMetric(c.uploadQueueDropped, prometheus.CounterValue, float64(stats.Dropped))
	} else {
		ch <- prometheus.MustNewConstMetric(c.uploadQueuePending, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.uploadQueueDropped, prometheus.CounterValue, 0)
	}

	if c.campaigns != nil {
		if m := c.campaigns.CurrentMatrix(); m != nil {
			ch <- prometheus.MustNewConstMetric(c.activeCampaigns, prometheus.GaugeValue, float64(len(m.Campaigns)))
		} else {
			ch <- prometheus.MustNewConstMetric(c.activeCampaigns, prometheus.GaugeValue, 0)
		}
	} else {
		ch <- prometheus.MustNewConstMetric(c.activeCampaigns, prometheus.GaugeValue, 0)
	}

	if c.pool != nil {
		stat := c.pool.Stat()
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, float64(stat.TotalConns()))
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, float64(stat.AcquiredConns()))
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, float64(stat.IdleConns()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, 0)
	}
}
