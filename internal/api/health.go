package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// DBChecker is satisfied by the optional pgstore backend. Nil when the
// agent runs with the on-disk store only.
type DBChecker interface {
	HealthCheck(ctx context.Context) error
}

// ConnChecker is satisfied by the MQTT transport.
type ConnChecker interface {
	IsConnected() bool
}

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
}

type HealthHandler struct {
	db        DBChecker // nil if no optional database backend configured
	transport ConnChecker
	version   string
	startTime time.Time
}

func NewHealthHandler(db DBChecker, transport ConnChecker, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{db: db, transport: transport, version: version, startTime: startTime}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	if h.db != nil {
		if err := h.db.HealthCheck(r.Context()); err != nil {
			checks["database"] = "error"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	} else {
		checks["database"] = "not_configured"
	}

	if h.transport != nil {
		if h.transport.IsConnected() {
			checks["mqtt"] = "ok"
		} else {
			checks["mqtt"] = "disconnected"
			if status == "healthy" {
				status = "degraded"
			}
		}
	} else {
		checks["mqtt"] = "not_configured"
	}

	resp := HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(resp)
}
