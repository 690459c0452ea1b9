// ABOUTME: HTTP handlers for health, readiness and live statistics
// ABOUTME: /api/stats sits behind bearer auth restricted to the metrics roles

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/2389/pulse-gateway/internal/protocol"
)

// StatsResponse is the JSON response for GET /api/stats.
type StatsResponse struct {
	ServerID      string `json:"serverId"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
	protocol.Stats
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the store answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (g *Gateway) handleStats(w http.ResponseWriter, _ *http.Request) {
	resp := StatsResponse{
		ServerID:      g.serverID,
		UptimeSeconds: int64(time.Since(g.startedAt).Seconds()),
		Stats:         g.manager.Stats(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		g.logger.Error("failed to encode stats", "error", err)
	}
}
