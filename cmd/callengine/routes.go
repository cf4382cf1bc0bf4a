package main

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dialhouse/callengine/internal/record"
)

type deps struct {
	wsHandler http.Handler
	store     *record.Store
}

// registerRoutes wires all HTTP endpoints to the shared mux.
func registerRoutes(mux *http.ServeMux, d deps) {
	mux.Handle("/ws/call", d.wsHandler)
	mux.HandleFunc("/health", handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	if d.store != nil {
		mux.HandleFunc("POST /api/records/{session_id}/score", d.handleScore)
	}
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleScore stores the post-call AI quality score for a finished call.
func (d deps) handleScore(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")

	var body struct {
		Score float64 `json:"score"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if body.Score < 0 || body.Score > 100 {
		http.Error(w, "score out of range", http.StatusBadRequest)
		return
	}

	if err := d.store.SetAIScore(sessionID, body.Score); err != nil {
		slog.Error("set ai score", "session_id", sessionID, "error", err)
		http.Error(w, "store failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
