package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"slabvalue/internal/logger"
	"slabvalue/internal/valuation"
)

// handleStream pushes comp snapshots for one asset as server-sent events
// until the client disconnects.
// GET /api/assets/{id}/stream
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.svc.Asset(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, 500, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(200)
	flusher.Flush()

	sent := 0
	err := s.svc.WatchComps(r.Context(), id, func(snap valuation.CompSnapshot) {
		line, err := json.Marshal(snap)
		if err != nil {
			logger.Warn("API", "Stream marshal failed", zap.Error(err))
			return
		}
		fmt.Fprintf(w, "event: comps\ndata: %s\n\n", line)
		flusher.Flush()
		sent++
	})
	if err != nil && r.Context().Err() == nil {
		line, _ := json.Marshal(map[string]string{"message": err.Error()})
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", line)
		flusher.Flush()
	}
	logger.Debug("API", "Stream closed", zap.String("id", id), zap.Int("events", sent))
}
