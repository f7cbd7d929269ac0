package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/snarg/fleet-agent/internal/api"
	"github.com/snarg/fleet-agent/internal/campaign"
	"github.com/snarg/fleet-agent/internal/checkin"
	"github.com/snarg/fleet-agent/internal/clock"
	"github.com/snarg/fleet-agent/internal/config"
	"github.com/snarg/fleet-agent/internal/customfn"
	"github.com/snarg/fleet-agent/internal/decoder"
	"github.com/snarg/fleet-agent/internal/inspection"
	"github.com/snarg/fleet-agent/internal/metrics"
	"github.com/snarg/fleet-agent/internal/persistence"
	"github.com/snarg/fleet-agent/internal/persistence/pgstore"
	"github.com/snarg/fleet-agent/internal/pipeline"
	"github.com/snarg/fleet-agent/internal/rawbuffer"
	"github.com/snarg/fleet-agent/internal/source"
	"github.com/snarg/fleet-agent/internal/transport"
	"github.com/snarg/fleet-agent/internal/upload"
)

// version, commit, and buildTime are injected at build time via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

// Exit codes: 0 clean shutdown, 1 config error, 2 unrecoverable
// subsystem failure.
const (
	exitConfigError = 1
	exitSubsystem   = 2
)

func main() {
	var overrides config.Overrides
	var showVersion bool
	flag.StringVar(&overrides.EnvFile, "env-file", "", "Path to .env file (default: .env)")
	flag.StringVar(&overrides.HTTPAddr, "listen", "", "Diagnostics HTTP listen address (overrides HTTP_ADDR)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
	flag.StringVar(&overrides.MQTTBrokerURL, "mqtt-url", "", "MQTT broker URL (overrides MQTT_BROKER_URL)")
	flag.StringVar(&overrides.PersistDir, "persist-dir", "", "Persistence directory (overrides PERSIST_DIR)")
	flag.StringVar(&overrides.VehicleID, "vehicle-id", "", "Vehicle identity (overrides VEHICLE_ID)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s (commit=%s, built=%s)\n", version, commit, buildTime)
		os.Exit(0)
	}

	startTime := time.Now()
	early := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load(overrides)
	if err != nil {
		early.Error().Err(err).Msg("failed to load config")
		os.Exit(exitConfigError)
	}
	if err := cfg.Validate(); err != nil {
		early.Error().Err(err).Msg("invalid config")
		os.Exit(exitConfigError)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("vehicle_id", cfg.VehicleID).
		Str("log_level", level.String()).
		Msg("fleet-agent starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.Real{}

	// Persistence first: restored documents must be in place before the
	// first checkin.
	store, err := persistence.NewStore(cfg.PersistDir, cfg.PersistMaxBytes)
	if err != nil {
		log.Error().Err(err).Str("dir", cfg.PersistDir).Msg("failed to open persistence store")
		os.Exit(exitSubsystem)
	}

	// Optional Postgres backend: configured but unreachable is fatal —
	// a fleet that asked for centralized state should not silently run
	// without it.
	var pg *pgstore.Store
	if cfg.DatabaseURL != "" {
		pg, err = pgstore.Connect(ctx, cfg.DatabaseURL, log)
		if err != nil {
			log.Error().Err(err).Msg("failed to connect to database")
			os.Exit(exitSubsystem)
		}
		defer pg.Close()
	}

	dec := decoder.NewRegistry()
	mgr := campaign.NewManager(dec, clk, cfg.CampaignManagerIdleTimeMs, cfg.ConditionTreeMaxDepth, log)
	raw := rawbuffer.NewManager(cfg.RawBufferGlobalMaxBytes)

	cp := newControlPlane(dec, mgr, store, raw, cfg, log)
	cp.restore()

	mgr.Start()
	defer mgr.Stop()

	// Persisted state is loaded and the manager is running: the checkin
	// gate may open as soon as the reporter starts below.
	ready := make(chan struct{})
	close(ready)

	tport, err := transport.Connect(transport.Options{
		BrokerURL:      cfg.MQTTBrokerURL,
		ClientID:       cfg.MQTTClientID,
		VehicleID:      cfg.VehicleID,
		Username:       cfg.MQTTUsername,
		Password:       cfg.MQTTPassword,
		PublishTimeout: cfg.MQTTPublishTimeout,
		Log:            log,
	}, transport.Handlers{
		OnDecoderManifest:   func(payload []byte) { cp.applyDecoderManifest(payload, true) },
		OnCollectionSchemes: func(payload []byte) { cp.applyCollectionSchemes(payload, true) },
		OnStateTemplates:    func(payload []byte) { cp.applyStateTemplates(payload, true) },
	})
	if err != nil {
		log.Error().Err(err).Str("broker", cfg.MQTTBrokerURL).Msg("failed to connect to mqtt broker")
		os.Exit(exitSubsystem)
	}
	defer tport.Close()
	log.Info().Str("broker", cfg.MQTTBrokerURL).Str("client_id", cfg.MQTTClientID).Msg("mqtt connected")

	var archive upload.ColdArchive
	if cfg.S3Bucket != "" {
		s3a, err := upload.NewS3ColdArchive(ctx, upload.S3Config{
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		}, log)
		if err != nil {
			log.Error().Err(err).Msg("failed to initialize s3 cold archive")
			os.Exit(exitSubsystem)
		}
		archive = s3a
		log.Info().Str("bucket", cfg.S3Bucket).Msg("s3 cold archive enabled")
	}

	queue := upload.NewQueue(cfg.UploadQueueSize, log)
	uploader := upload.NewUploader(queue, tport, raw, store, archive, clk, upload.Options{
		Workers:                  cfg.UploadWorkers,
		RetryInterval:            cfg.UploadRetryInterval,
		RawArchiveThresholdBytes: cfg.RawArchiveThresholdBytes,
		Log:                      log,
	})
	uploader.Start()
	defer uploader.Stop()

	// Bridge engine fires into the upload queue; a bundle the queue
	// rejects must have its borrowed raw frames released here, since
	// nothing downstream will ever see it. The defer ordering below is
	// load-bearing: the engine stops first, then the bridge drains, and
	// only then does uploader.Stop close the queue it feeds.
	fns := customfn.NewRegistry()
	fns.Register("multi_rising_edge", customfn.NewMultiRisingEdge())

	pl := pipeline.New(cfg.PipelineConsumerSize)
	triggered := make(chan inspection.TriggeredData, cfg.UploadQueueSize)

	bridgeDone := make(chan struct{})
	defer func() { <-bridgeDone }()
	defer stop() // wake the bridge even when shutdown came from an http error, not a signal
	go func() {
		defer close(bridgeDone)
		for {
			select {
			case <-ctx.Done():
				return
			case td := <-triggered:
				if !queue.Enqueue(td) {
					for _, r := range td.RawRefs {
						r.Release(raw)
					}
				}
			}
		}
	}()

	consumer := pl.Register()
	engine := inspection.NewEngine(consumer, clk, mgr, fns, raw, triggered, log)
	go engine.Run()
	defer engine.Stop()

	var sender checkin.Sender = tport
	if pg != nil {
		sender = &auditingSender{transport: tport, pg: pg, log: log}
	}
	reporter := checkin.NewReporter(mgr, sender, clk, cfg.CheckinIntervalMs, log)
	go reporter.Run(ready)
	defer reporter.Stop()

	// Watch the persistence directory for blobs dropped by other means
	// (USB-stick field updates). Not fatal: the agent functions without
	// it, MQTT remains the primary control path.
	watcher := persistence.NewWatcher(store, log)
	if err := watcher.Start(cp.onExternalBlobChange); err != nil {
		log.Warn().Err(err).Msg("persistence watcher unavailable")
	} else {
		defer watcher.Stop()
	}

	for _, producer := range buildSources(cfg, pl, dec, mgr, clk, log) {
		if err := producer.Start(); err != nil {
			log.Error().Err(err).Str("source", producer.Name()).Msg("failed to start signal source")
			os.Exit(exitSubsystem)
		}
		defer producer.Stop()
	}

	if cfg.MetricsEnabled {
		var pool *pgxpool.Pool
		if pg != nil {
			pool = pg.Pool()
		}
		prometheus.MustRegister(metrics.NewCollector(pool, engine, pl, raw, queue, mgr))
	}

	if !cfg.AuthEnabled {
		log.Warn().Msg("AUTH_ENABLED=false — diagnostics API endpoints are open")
	} else if cfg.AuthTokenGenerated {
		log.Info().Str("token", cfg.AuthToken).Msg("AUTH_TOKEN auto-generated (set AUTH_TOKEN in .env for a persistent token)")
	}

	srv := api.NewServer(api.ServerOptions{
		Addr:           cfg.HTTPAddr,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		AuthToken:      cfg.AuthToken,
		CORSOrigins:    cfg.CORSOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		MetricsEnabled: cfg.MetricsEnabled,
		DB:             dbChecker(pg),
		Transport:      tport,
		Campaigns:      mgr,
		Pipeline:       pl,
		RawBuffer:      raw,
		Queue:          queue,
		Uploader:       uploader,
		Version:        fmt.Sprintf("%s (commit=%s, built=%s)", version, commit, buildTime),
		StartTime:      startTime,
		Log:            log.With().Str("component", "http").Logger(),
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	log.Info().
		Str("listen", cfg.HTTPAddr).
		Dur("startup_ms", time.Since(startTime)).
		Msg("fleet-agent ready")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("fleet-agent stopped")
}

// dbChecker avoids handing the api package a non-nil interface wrapping
// a nil *pgstore.Store.
func dbChecker(pg *pgstore.Store) api.DBChecker {
	if pg == nil {
		return nil
	}
	return pg
}

// buildSources assembles the optional local signal sources: the
// simulator (SIM_SOURCE_SIGNALS) and the file-drop directory
// (SOURCE_DROP_DIR). Both are bench/diagnostic aids; a production
// vehicle runs real bus adapters out of process.
func buildSources(cfg *config.Config, pl *pipeline.Pipeline, dec *decoder.Registry, mgr *campaign.Manager, clk clock.Clock, log zerolog.Logger) []source.Producer {
	var producers []source.Producer

	if cfg.SimSourceSignals != "" {
		var sims []source.SimSignal
		for _, entry := range strings.Split(cfg.SimSourceSignals, ",") {
			parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
			if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
				log.Warn().Str("entry", entry).Msg("malformed SIM_SOURCE_SIGNALS entry, skipping")
				continue
			}
			sims = append(sims, source.SimSignal{Source: parts[0], Name: parts[1]})
		}
		if len(sims) > 0 {
			producers = append(producers, source.NewSimProducer(pl, dec, mgr, clk, sims, cfg.SimSourcePeriod, log))
		}
	}

	if cfg.SourceDropDir != "" {
		if err := os.MkdirAll(cfg.SourceDropDir, 0o755); err != nil {
			log.Warn().Err(err).Str("dir", cfg.SourceDropDir).Msg("cannot create source drop directory, file source disabled")
		} else {
			producers = append(producers, source.NewFileDropSource(pl, dec, clk, cfg.SourceDropDir, log))
		}
	}

	return producers
}

// auditingSender mirrors every successful checkin into the Postgres
// audit trail. Audit failures are logged, never surfaced: the checkin
// itself already succeeded and must not be retried for a bookkeeping
// error.
type auditingSender struct {
	transport *transport.Transport
	pg        *pgstore.Store
	log       zerolog.Logger
}

func (s *auditingSender) Checkin(syncIDs []string) error {
	if err := s.transport.Checkin(syncIDs); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.pg.RecordCheckin(ctx, syncIDs); err != nil {
		s.log.Warn().Err(err).Msg("checkin audit record failed")
	}
	return nil
}
