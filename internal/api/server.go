// Package api implements the agent's diagnostics HTTP server: health
// and Prometheus endpoints plus read-only views of campaign, pipeline,
// raw-buffer, and upload state for operators debugging a vehicle
// in the field. It has no write surface — campaigns and decoder state
// arrive over MQTT, never through this API.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/snarg/fleet-agent/internal/campaign"
	"github.com/snarg/fleet-agent/internal/pipeline"
	"github.com/snarg/fleet-agent/internal/rawbuffer"
	"github.com/snarg/fleet-agent/internal/upload"
)

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

type ServerOptions struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	AuthToken      string // empty disables bearer auth
	CORSOrigins    string // comma-separated, empty allows all origins
	RateLimitRPS   float64
	RateLimitBurst int
	MetricsEnabled bool

	DB        DBChecker   // optional pgstore backend, nil if on-disk only
	Transport ConnChecker // MQTT transport
	Campaigns *campaign.Manager
	Pipeline  *pipeline.Pipeline
	RawBuffer *rawbuffer.Manager
	Queue     *upload.Queue
	Uploader  *upload.Uploader

	Version   string
	StartTime time.Time
	Log       zerolog.Logger
}

func NewServer(opts ServerOptions) *Server {
	r := chi.NewRouter()

	var corsOrigins []string
	if opts.CORSOrigins != "" {
		for _, o := range strings.Split(opts.CORSOrigins, ",") {
			if s := strings.TrimSpace(o); s != "" {
				corsOrigins = append(corsOrigins, s)
			}
		}
	}

	r.Use(Trace(opts.Log))
	r.Use(CORS(corsOrigins))
	r.Use(RateLimit(opts.RateLimitRPS, opts.RateLimitBurst))
	r.Use(Recoverer(opts.Log))

	health := NewHealthHandler(opts.DB, opts.Transport, opts.Version, opts.StartTime)
	r.Get("/healthz", health.ServeHTTP)

	if opts.MetricsEnabled {
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
	}

	diag := NewDiagnosticsHandler(opts.Campaigns, opts.Pipeline, opts.RawBuffer, opts.Queue, opts.Uploader)

	r.Group(func(r chi.Router) {
		if opts.MetricsEnabled {
			r.Use(Instrument)
		}
		r.Use(BearerAuth(opts.AuthToken))

		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/campaigns", diag.Matrix)
			r.Get("/raw-buffer", diag.RawBuffer)
			r.Get("/pipeline", diag.Pipeline)
			r.Get("/upload", diag.Upload)
		})
	})

	srv := &http.Server{
		Addr:         opts.Addr,
		Handler:      r,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		IdleTimeout:  opts.IdleTimeout,
	}

	return &Server{http: srv, log: opts.Log}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("diagnostics api starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("diagnostics api shutting down")
	return s.http.Shutdown(ctx)
}
