// Package api serves the query/admin surface of the mitigation engine:
// read-only stats and event listing plus the manual block/unblock
// operations. Intended for operator tooling, not end users.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aegisd-project/aegisd/internal/core"
	"github.com/aegisd-project/aegisd/internal/security"
)

// Server is the aegisd admin REST API server.
type Server struct {
	engine *security.Engine
	cfg    *core.Config
	logBuf *core.LogRingBuffer
	server *http.Server
	logger zerolog.Logger
}

// NewServer creates the admin API server around an initialized engine.
func NewServer(engine *security.Engine, cfg *core.Config, logBuf *core.LogRingBuffer, logger zerolog.Logger) *Server {
	s := &Server{
		engine: engine,
		cfg:    cfg,
		logBuf: logBuf,
		logger: logger.With().Str("component", "api_server").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/security/stats", s.handleStats)
	mux.HandleFunc("/api/v1/security/events", s.handleEvents)
	mux.HandleFunc("/api/v1/security/threats", s.handleThreats)
	mux.HandleFunc("/api/v1/security/threats/", s.handleThreatByIP)
	mux.HandleFunc("/api/v1/security/failed-attempt", s.handleFailedAttempt)
	mux.HandleFunc("/api/v1/logs", s.handleLogs)
	mux.HandleFunc("/health", s.handleHealth)

	// Middleware chain: CORS -> logging -> rate limit -> auth -> handler
	handler := corsMiddleware(
		loggingMiddleware(
			rateLimitMiddleware(
				authMiddleware(mux, cfg, s.logger),
				100, // requests per second per IP
			),
			s.logger,
		),
		cfg.Server.CORSOrigins,
	)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the composed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start begins serving the API.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("admin API starting")
	if s.cfg.AuthEnabled() {
		s.logger.Info().Int("keys", len(s.cfg.Server.APIKeys)).Msg("API authentication enabled")
	} else {
		s.logger.Warn().Msg("API authentication disabled — set api_keys in config or AEGISD_API_KEY env var")
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("admin API server error")
		}
	}()
	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats := s.engine.GetStats(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":        "1.0.0",
		"status":         "running",
		"store_healthy":  stats.StoreHealthy,
		"bus_connected":  stats.BusConnected,
		"bus_metrics":    s.engine.BusMetrics(),
		"uptime_seconds": stats.UptimeSeconds,
		"blocklist":      s.engine.Blocklist(),
		"timestamp":      time.Now().UTC(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.GetStats(r.Context()))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	typeFilter := core.EventType(r.URL.Query().Get("type"))
	if typeFilter != "" && !typeFilter.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "unknown event type: " + string(typeFilter),
		})
		return
	}

	events := s.engine.Events(limit, typeFilter)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  len(events),
	})
}

func (s *Server) handleThreats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	threats := s.engine.Threats()
	blocked := 0
	for _, t := range threats {
		if t.Blocked {
			blocked++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"threats":       threats,
		"total":         len(threats),
		"blocked_count": blocked,
	})
}

// handleThreatByIP handles /api/v1/security/threats/{ip}[/block|/unblock]
func (s *Server) handleThreatByIP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/security/threats/")
	path = strings.TrimSuffix(path, "/")

	switch {
	case strings.HasSuffix(path, "/block"):
		s.handleBlock(w, r, strings.TrimSuffix(path, "/block"))
	case strings.HasSuffix(path, "/unblock"):
		s.handleUnblock(w, r, strings.TrimSuffix(path, "/unblock"))
	default:
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		entry, ok := s.engine.Threat(path)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no threat entry for IP"})
			return
		}
		writeJSON(w, http.StatusOK, entry)
	}
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request, ip string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if ip == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing IP"})
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&body)
	}
	if body.Reason == "" {
		body.Reason = "manual block via admin API"
	}

	entry := s.engine.BlockIP(ip, body.Reason)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "blocked",
		"threat": entry,
	})
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request, ip string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if ip == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing IP"})
		return
	}

	entry, ok := s.engine.UnblockIP(ip)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no threat entry for IP"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "unblocked",
		"threat": entry,
	})
}

// handleFailedAttempt is the authentication collaborator's report endpoint:
// POST {"ip": "...", "endpoint": "..."} after a failed login.
func (s *Server) handleFailedAttempt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		IP       string `json:"ip"`
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if body.IP == "" || body.Endpoint == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "ip and endpoint are required"})
		return
	}

	if err := s.engine.RecordFailedAttempt(r.Context(), body.IP, body.Endpoint); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to record attempt"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	entries := []core.LogEntry{}
	if s.logBuf != nil {
		entries = s.logBuf.GetEntries(limit)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  entries,
		"total": len(entries),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
