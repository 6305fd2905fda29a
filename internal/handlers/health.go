package handlers

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"time"

	"image-optimizer/internal/database"
	"image-optimizer/internal/startup"
)

const (
	statusHealthy  = "healthy"
	statusDegraded = "degraded"
	statusDown     = "unhealthy"
)

var errNoDatabase = errors.New("database not configured")

// HealthResponse contains the health check response
type HealthResponse struct {
	Status   string `json:"status"`
	Ready    bool   `json:"ready"`
	Version  string `json:"version"`
	Uptime   string `json:"uptime"`
	Database string `json:"database"`

	Indexing    bool   `json:"indexing"`
	LastIndexed string `json:"lastIndexed,omitempty"`
	IndexError  string `json:"indexError,omitempty"`

	// Tools maps local tool names to availability.
	Tools   map[string]bool   `json:"tools,omitempty"`
	Savings *database.Savings `json:"savings,omitempty"`

	// System info
	GoVersion    string `json:"goVersion"`
	NumCPU       int    `json:"numCpu"`
	NumGoroutine int    `json:"numGoroutine"`
}

// HealthCheck returns the health status of the service
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:       statusHealthy,
		Version:      startup.Version,
		Uptime:       time.Since(h.startTime).Round(time.Second).String(),
		Database:     "ok",
		GoVersion:    runtime.Version(),
		NumCPU:       runtime.NumCPU(),
		NumGoroutine: runtime.NumGoroutine(),
	}

	if err := h.pingDB(r.Context()); err != nil {
		response.Status = statusDown
		response.Database = err.Error()
	} else {
		response.Ready = true
		if savings, err := h.db.SavingsSummary(r.Context()); err == nil {
			response.Savings = &savings
		}
	}

	if h.indexer != nil {
		status := h.indexer.GetHealthStatus()
		response.Indexing = status.Indexing
		if !status.LastIndexed.IsZero() {
			response.LastIndexed = status.LastIndexed.Format(time.RFC3339)
		}
		if status.LastError != "" {
			response.IndexError = status.LastError
			if response.Status == statusHealthy {
				response.Status = statusDegraded
			}
		}
	}

	if h.tools != nil {
		response.Tools = h.tools.Probe()
	}

	code := http.StatusOK
	if !response.Ready {
		code = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, code, response)
}

// LivenessCheck is a simple liveness probe (always returns 200 if server is running)
func (h *Handlers) LivenessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	// For HEAD requests, only send headers (no body)
	if r.Method != http.MethodHead {
		writeJSON(w, map[string]string{
			"status": "alive",
		})
	}
}

// ReadinessCheck returns 200 only when the ledger answers.
func (h *Handlers) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.pingDB(r.Context()); err != nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

func (h *Handlers) pingDB(ctx context.Context) error {
	if h.db == nil {
		return errNoDatabase
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return h.db.Ping(ctx)
}
