package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"slabvalue/internal/cache"
	"slabvalue/internal/config"
	"slabvalue/internal/db"
	"slabvalue/internal/engine"
	"slabvalue/internal/logger"
	"slabvalue/internal/metrics"
	"slabvalue/internal/valuation"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker is the comp search health probe.
type HealthChecker interface {
	HealthCheck(ctx context.Context) bool
}

// Server is the HTTP API server that connects the valuation service, the
// asset store and the comp search collaborator.
type Server struct {
	cfg     *config.Config
	svc     *valuation.Service
	db      Pinger
	comps   HealthChecker
	cache   *cache.Cache
	limiter *rateLimiter
	started time.Time
}

// NewServer creates a Server. A zero cfg.HTTP.RatePerSec disables per-client
// rate limiting.
func NewServer(cfg *config.Config, svc *valuation.Service, database Pinger, comps HealthChecker, c *cache.Cache) *Server {
	s := &Server{
		cfg:     cfg,
		svc:     svc,
		db:      database,
		comps:   comps,
		cache:   c,
		started: time.Now(),
	}
	if cfg.HTTP.RatePerSec > 0 {
		s.limiter = newRateLimiter(cfg.HTTP.RatePerSec, cfg.HTTP.Burst)
	}
	return s
}

// Handler returns the HTTP handler with all API routes and CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)

	mux.HandleFunc("GET /api/assets", s.handleListAssets)
	mux.HandleFunc("POST /api/assets", s.handleCreateAsset)
	mux.HandleFunc("GET /api/assets/{id}", s.handleGetAsset)
	mux.HandleFunc("PUT /api/assets/{id}", s.handleUpdateAsset)
	mux.HandleFunc("DELETE /api/assets/{id}", s.handleDeleteAsset)

	mux.HandleFunc("GET /api/assets/{id}/valuation", s.handleValuation)
	mux.HandleFunc("POST /api/assets/{id}/refresh", s.handleRefresh)
	mux.HandleFunc("GET /api/assets/{id}/trend", s.handleTrend)
	mux.HandleFunc("GET /api/assets/{id}/poll", s.handlePoll)
	mux.HandleFunc("GET /api/assets/{id}/stream", s.handleStream)
	mux.HandleFunc("POST /api/revalue", s.handleRevalue)

	mux.HandleFunc("GET /api/liquidity/{tag}", s.handleLiquidity)
	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", s.handleUpdateSettings)

	mux.Handle("GET /metrics", metrics.Handler())

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.middleware(h)
	}
	return corsMiddleware(h)
}

// StartLimiterCleanup drops idle per-client limiters every interval until
// ctx is done.
func (s *Server) StartLimiterCleanup(ctx context.Context, interval time.Duration) {
	if s.limiter == nil {
		return
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := s.limiter.sweep(interval); n > 0 {
					logger.Debug("API", "Dropped idle rate limiters", zap.Int("count", n))
				}
			}
		}
	}()
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeServiceError maps service errors onto status codes.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var mErr *cache.MutationError
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeError(w, 404, "not found")
	case errors.Is(err, valuation.ErrInvalid):
		writeError(w, 400, err.Error())
	case errors.Is(err, cache.ErrMutationInFlight):
		writeError(w, 409, "another change to this item is still saving")
	case errors.As(err, &mErr):
		logger.Warn("API", "Mutation rolled back", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, 500, mErr.UserMessage())
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
	default:
		logger.Error("API", "Request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, 500, "internal error")
	}
}

// --- Handlers ---

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbOK := s.db != nil && s.db.Ping(ctx) == nil
	compsOK := s.comps != nil && s.comps.HealthCheck(ctx)

	result := map[string]interface{}{
		"db_ok":          dbOK,
		"compsearch_ok":  compsOK,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"pollers":        s.svc.Pollers(),
	}
	if s.cache != nil {
		result["cache_entries"] = s.cache.Len()
	}
	writeJSON(w, result)
}

// assetRequest is the editable part of an asset.
type assetRequest struct {
	Name          string          `json:"name"`
	GlobalID      string          `json:"global_id"`
	Grade         string          `json:"grade"`
	Liquidity     string          `json:"liquidity"`
	PurchasePrice json.RawMessage `json:"purchase_price"`
	Notes         string          `json:"notes"`
}

func (req assetRequest) asset(id string) (db.Asset, error) {
	a := db.Asset{
		ID:        id,
		Name:      req.Name,
		GlobalID:  req.GlobalID,
		Grade:     req.Grade,
		Liquidity: req.Liquidity,
		Notes:     req.Notes,
	}
	if len(req.PurchasePrice) > 0 && string(req.PurchasePrice) != "null" {
		if err := a.PurchasePrice.UnmarshalJSON(req.PurchasePrice); err != nil {
			return db.Asset{}, errors.New("purchase_price must be a number")
		}
	}
	return a, nil
}

func decodeAsset(w http.ResponseWriter, r *http.Request, id string) (db.Asset, bool) {
	var req assetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid json")
		return db.Asset{}, false
	}
	a, err := req.asset(id)
	if err != nil {
		writeError(w, 400, err.Error())
		return db.Asset{}, false
	}
	return a, true
}

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	items, err := s.svc.Assets(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, items)
}

func (s *Server) handleCreateAsset(w http.ResponseWriter, r *http.Request) {
	a, ok := decodeAsset(w, r, "")
	if !ok {
		return
	}
	created, err := s.svc.CreateAsset(r.Context(), a)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	logger.Info("API", "Asset created", zap.String("id", created.ID), zap.String("name", created.Name))
	writeJSONStatus(w, 201, created)
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.Asset(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, a)
}

func (s *Server) handleUpdateAsset(w http.ResponseWriter, r *http.Request) {
	a, ok := decodeAsset(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	updated, err := s.svc.UpdateAsset(r.Context(), a)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, updated)
}

func (s *Server) handleDeleteAsset(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteAsset(r.Context(), r.PathValue("id")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(204)
}

func (s *Server) handleValuation(w http.ResponseWriter, r *http.Request) {
	v, err := s.svc.Valuate(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, v)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	v, err := s.svc.Refresh(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, v)
}

func (s *Server) handleTrend(w http.ResponseWriter, r *http.Request) {
	series, err := s.svc.Trend(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, series)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.svc.Asset(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	st, ok := s.svc.PollStatus(id)
	if !ok {
		writeJSON(w, map[string]string{"state": "idle"})
		return
	}
	writeJSON(w, st)
}

func (s *Server) handleRevalue(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	out, err := s.svc.RevalueAll(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, map[string]interface{}{
		"count":       len(out),
		"valuations":  out,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleLiquidity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, engine.ClassifyLiquidity(strings.TrimSpace(r.PathValue("tag"))))
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	v, err := s.svc.Settings(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, v)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var next db.Settings
	if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
		writeError(w, 400, "invalid json")
		return
	}
	saved, err := s.svc.UpdateSettings(r.Context(), next)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, saved)
}
