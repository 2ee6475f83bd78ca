// Package server provides HTTP server construction for roomsync.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/roomsync/internal/mcpserver"
	"github.com/alexjbarnes/roomsync/internal/roomsync"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Mirror     mcpserver.Mirror
	MCPHandler http.Handler
	Logger     *slog.Logger
}

// healthResponse is the body of /healthz.
type healthResponse struct {
	Phase    string `json:"phase"`
	Health   string `json:"health"`
	Revision uint64 `json:"revision"`
}

// NewMux builds the HTTP mux with the MCP endpoint and a liveness probe
// over the room mirror.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", HandleHealth(cfg.Mirror, cfg.Logger))
	mux.Handle("/mcp", cfg.MCPHandler)

	return mux
}

// HandleHealth reports the session phase and push health. It answers 503
// once the session is closed so a supervisor can restart the process.
func HandleHealth(m mcpserver.Mirror, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)

			return
		}

		phase := m.Phase()
		resp := healthResponse{
			Phase:    phase.String(),
			Health:   m.Health().String(),
			Revision: m.Stats().Revision,
		}

		status := http.StatusOK
		if phase == roomsync.PhaseClosed {
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(status)

		if err := json.NewEncoder(w).Encode(resp); err != nil && logger != nil {
			logger.Debug("writing health response", slog.String("error", err.Error()))
		}
	}
}
