// Package api exposes the read-only reporting HTTP API: health,
// latest policy snapshots, and violation periods.
package api

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/civicfleet/compliance-cli/internal/aggregate"
	"github.com/civicfleet/compliance-cli/internal/model"
	"github.com/civicfleet/compliance-cli/internal/store"
)

// Server serves the reporting API backed by the snapshot store.
type Server struct {
	store   store.Store
	limiter *clientLimiter
}

// Config tunes API behavior.
type Config struct {
	RateLimit float64
	RateBurst int
}

// NewServer creates a Server with per-client rate limiting.
func NewServer(st store.Store, cfg Config) *Server {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}
	return &Server{
		store:   st,
		limiter: newClientLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
	}
}

// Router builds the chi router with middleware and routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))
	r.Use(s.rateLimit)

	r.Get("/health", s.handleHealth)
	r.Get("/policies/{policy_id}/snapshot", s.handlePolicySnapshot)
	r.Get("/violation_periods", s.handleViolationPeriods)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handlePolicySnapshot returns the most recent snapshot per provider for
// one policy.
func (s *Server) handlePolicySnapshot(w http.ResponseWriter, r *http.Request) {
	policyID, err := uuid.Parse(chi.URLParam(r, "policy_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid policy_id")
		return
	}

	if _, err := s.store.ReadPolicy(r.Context(), policyID); err != nil {
		if eris.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "policy not found")
			return
		}
		zap.L().Error("read policy", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	snapshots, err := s.store.ReadComplianceSnapshots(r.Context(), store.SnapshotFilter{
		StartTime: 0,
		EndTime:   model.Now(),
		PolicyIDs: []uuid.UUID{policyID},
	})
	if err != nil {
		zap.L().Error("read snapshots", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// Snapshots arrive ordered by compliance_as_of within each provider,
	// so the last one seen per provider is the latest.
	latest := make(map[uuid.UUID]model.ComplianceSnapshot)
	var order []uuid.UUID
	for _, snap := range snapshots {
		if _, seen := latest[snap.ProviderID]; !seen {
			order = append(order, snap.ProviderID)
		}
		latest[snap.ProviderID] = snap
	}
	out := make([]model.ComplianceSnapshot, 0, len(order))
	for _, id := range order {
		out = append(out, latest[id])
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"policy_id": policyID,
		"snapshots": out,
	})
}

func (s *Server) handleViolationPeriods(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	startTime, err := parseTimestamp(q.Get("start_time"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start_time")
		return
	}
	endTime, err := parseTimestamp(q.Get("end_time"), model.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end_time")
		return
	}
	providerIDs, err := parseUUIDList(q.Get("provider_ids"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid provider_ids")
		return
	}
	policyIDs, err := parseUUIDList(q.Get("policy_ids"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid policy_ids")
		return
	}

	snapshots, err := s.store.ReadComplianceSnapshots(r.Context(), store.SnapshotFilter{
		StartTime:   startTime,
		EndTime:     endTime,
		ProviderIDs: providerIDs,
		PolicyIDs:   policyIDs,
	})
	if err != nil {
		zap.L().Error("read snapshots", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	periods := aggregate.ViolationPeriods(snapshots, aggregate.Options{
		StartTime:   startTime,
		EndTime:     endTime,
		ProviderIDs: providerIDs,
		PolicyIDs:   policyIDs,
	})
	if periods == nil {
		periods = []model.ViolationPeriod{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"start_time":        startTime,
		"end_time":          endTime,
		"violation_periods": periods,
	})
}

// rateLimit enforces a per-client-IP token bucket.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.limiter.allow(host) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type clientLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func newClientLimiter(limit rate.Limit, burst int) *clientLimiter {
	return &clientLimiter{
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (c *clientLimiter) allow(client string) bool {
	c.mu.Lock()
	l, ok := c.limiters[client]
	if !ok {
		l = rate.NewLimiter(c.limit, c.burst)
		c.limiters[client] = l
	}
	c.mu.Unlock()
	return l.Allow()
}

// request parsing helpers

func parseTimestamp(raw string, fallback model.Timestamp) (model.Timestamp, error) {
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, eris.Errorf("api: invalid timestamp %q", raw)
	}
	return model.Timestamp(v), nil
}

func parseUUIDList(raw string) ([]uuid.UUID, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]uuid.UUID, 0, len(parts))
	for _, p := range parts {
		id, err := uuid.Parse(strings.TrimSpace(p))
		if err != nil {
			return nil, eris.Wrapf(err, "api: parse uuid %q", p)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
