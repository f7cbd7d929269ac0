package api

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/snarg/fleet-agent/internal/metrics"
)

// statusRecorder captures the status code and body size a handler
// produced, for the access log and request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *statusRecorder) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Trace assigns each request an id and writes one access-log line when
// the handler returns. Ids are sequential within a process run,
// prefixed with a boot nonce so lines from different runs never collide
// in aggregated logs; a client-supplied X-Request-ID wins.
func Trace(log zerolog.Logger) func(http.Handler) http.Handler {
	var seq atomic.Uint64
	nonce := make([]byte, 3)
	rand.Read(nonce)
	boot := hex.EncodeToString(nonce)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = fmt.Sprintf("%s-%05d", boot, seq.Add(1))
			}
			w.Header().Set("X-Request-ID", id)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r)

			log.Info().
				Str("request_id", id).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Int64("bytes", rec.bytes).
				Dur("duration_ms", time.Since(start)).
				Str("remote", remoteHost(r)).
				Msg("request")
		})
	}
}

// Instrument records request metrics, labeled by chi route pattern so a
// client probing random URLs cannot mint unbounded label values.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unmatched"
		}
		metrics.ObserveHTTPRequest(r.Method, pattern, rec.status, time.Since(start), rec.bytes)
	})
}

// Recoverer converts a handler panic into a 500, so one bad diagnostics
// request cannot take down the agent process alongside the campaign
// engine it reports on.
func Recoverer(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rv := recover(); rv != nil {
					log.Error().
						Interface("panic", rv).
						Str("path", r.URL.Path).
						Msg("handler panicked")
					WriteError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// CORS lets browser dashboards read the diagnostics endpoints. Only GET
// ever crosses this surface, so the preflight grant is static. An empty
// origins list allows any origin — there are no cookies or credentials
// on this API for a hostile page to ride on.
func CORS(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Same-origin or non-browser client; nothing to grant.
				next.ServeHTTP(w, r)
				return
			}

			switch {
			case len(allowed) == 0:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			default:
				if r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				// Serve without CORS headers; the browser blocks the read.
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// limiterTTL is how long an idle client's rate-limiter entry survives
// before a later insert may reap it.
const limiterTTL = 10 * time.Minute

// pruneThreshold caps how many client entries accumulate before an
// insert sweeps out idle ones. A vehicle diagnostics listener sees a
// handful of clients, so this is a leak bound, not a tuning knob.
const pruneThreshold = 256

type clientLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimit caps request rate per client address. Idle entries are
// pruned as new clients arrive, keeping the map bounded without a
// background goroutine to stop at shutdown.
func RateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	var mu sync.Mutex
	clients := make(map[string]*clientLimiter)

	take := func(addr string) bool {
		mu.Lock()
		defer mu.Unlock()

		now := time.Now()
		c, ok := clients[addr]
		if !ok {
			if len(clients) >= pruneThreshold {
				for a, e := range clients {
					if now.Sub(e.lastSeen) > limiterTTL {
						delete(clients, a)
					}
				}
			}
			c = &clientLimiter{lim: rate.NewLimiter(rate.Limit(rps), burst)}
			clients[addr] = c
		}
		c.lastSeen = now
		return c.lim.Allow()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !take(remoteHost(r)) {
				w.Header().Set("Retry-After", "1")
				WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// remoteHost strips the port from RemoteAddr. The diagnostics listener
// binds on localhost or the vehicle LAN; there is no proxy tier whose
// forwarding headers could be trusted, so X-Forwarded-For is
// deliberately not consulted.
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// bearerToken returns the Authorization bearer value, if any. This API
// has no streaming endpoints, so there is no query-parameter fallback.
func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}

// BearerAuth requires a valid bearer token. An empty configured token
// disables auth entirely.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			if subtle.ConstantTimeCompare([]byte(bearerToken(r)), []byte(token)) != 1 {
				WriteError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
