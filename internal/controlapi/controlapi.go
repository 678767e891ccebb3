// Package controlapi exposes the PollingMonitor's synchronous control
// surface (spec §6) over HTTP, grounded in pkg/webui/server.go's
// handler/sendJSON/sendError convention.
package controlapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/thelastdreamer/bondarb/internal/monitor"
	"github.com/thelastdreamer/bondarb/pkg/metrics"
)

const defaultAggregationWindow = "5m"

// APIResponse mirrors the teacher's webui.APIResponse envelope.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Register installs the control-surface routes on mux. exporter may be
// nil, in which case /metrics is not registered.
func Register(mux *http.ServeMux, mon *monitor.Monitor, exporter *metrics.Exporter, log *slog.Logger) {
	h := &handler{mon: mon, exporter: exporter, log: log}
	mux.HandleFunc("/api/status", h.handleStatus)
	mux.HandleFunc("/api/pause", h.handlePause)
	mux.HandleFunc("/api/resume", h.handleResume)
	mux.HandleFunc("/api/reload", h.handleReload)
	mux.HandleFunc("/api/temporary-limits", h.handleTemporaryLimits)
	mux.HandleFunc("/api/reservations", h.handleReservations)
	mux.HandleFunc("/api/reservations/clear", h.handleClearReservation)
	if exporter != nil {
		mux.HandleFunc("/metrics", h.handleMetrics)
		mux.HandleFunc("/metrics/aggregated", h.handleMetricsAggregated)
	}
}

type handler struct {
	mon      *monitor.Monitor
	exporter *metrics.Exporter
	log      *slog.Logger
}

// handleMetrics serves the current metrics snapshot in Prometheus text
// format, the scrape target an operator's Prometheus instance polls.
func (h *handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.sendError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Write([]byte(h.exporter.ExportPrometheus()))
}

// handleMetricsAggregated serves per-series count/sum/percentile/stddev
// summaries over a window, e.g. GET /metrics/aggregated?window=1h, letting
// an operator eyeball recent active-client/stream/reservation pressure
// without standing up a separate Prometheus query.
func (h *handler) handleMetricsAggregated(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.sendError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	windowParam := r.URL.Query().Get("window")
	if windowParam == "" {
		windowParam = defaultAggregationWindow
	}
	window, ok := metrics.ParseAggregationWindow(windowParam)
	if !ok {
		h.sendError(w, "invalid window", http.StatusBadRequest)
		return
	}
	body, err := h.exporter.ExportAggregatedJSON(window)
	if err != nil {
		h.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(body))
}

func (h *handler) sendJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(APIResponse{Success: true, Data: data})
}

func (h *handler) sendError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(APIResponse{Success: false, Error: message})
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.sendError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.sendJSON(w, h.mon.GetCurrentStatus())
}

func (h *handler) handlePause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.sendError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.mon.Pause()
	h.sendJSON(w, map[string]bool{"paused": true})
}

func (h *handler) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.sendError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.mon.Resume()
	h.sendJSON(w, map[string]bool{"paused": false})
}

func (h *handler) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.sendError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ConfigPath string `json:"config_path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConfigPath == "" {
		h.sendError(w, "config_path is required", http.StatusBadRequest)
		return
	}
	if err := h.mon.ReloadFromConfigFile(r.Context(), req.ConfigPath); err != nil {
		h.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.sendJSON(w, map[string]bool{"reloaded": true})
}

func (h *handler) handleTemporaryLimits(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.sendJSON(w, h.mon.GetTemporaryLimits())
	case http.MethodPost:
		var req struct {
			DownloadMbps *float64 `json:"download_mbps"`
			UploadMbps   *float64 `json:"upload_mbps"`
			DurationS    float64  `json:"duration_s"`
			Source       string   `json:"source"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.sendError(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.DurationS <= 0 {
			h.sendError(w, "duration_s must be positive", http.StatusBadRequest)
			return
		}
		h.mon.SetTemporaryLimits(req.DownloadMbps, req.UploadMbps, time.Duration(req.DurationS*float64(time.Second)), req.Source)
		h.sendJSON(w, map[string]bool{"set": true})
	case http.MethodDelete:
		h.mon.ClearTemporaryLimits()
		h.sendJSON(w, map[string]bool{"cleared": true})
	default:
		h.sendError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *handler) handleReservations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.sendError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.sendJSON(w, h.mon.ListReservations())
}

func (h *handler) handleClearReservation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.sendError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		h.sendError(w, "id is required", http.StatusBadRequest)
		return
	}
	ok := h.mon.ClearReservation(req.ID)
	if !ok {
		h.sendError(w, "reservation not found", http.StatusNotFound)
		return
	}
	h.sendJSON(w, map[string]bool{"cleared": true})
}
