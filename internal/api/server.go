// Package api exposes the HTTP surface: message ingestion plus
// read-only introspection over sessions, routing, and the archive.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stagehand-chat/stagehand/internal/archive"
	"github.com/stagehand-chat/stagehand/internal/buildinfo"
	"github.com/stagehand-chat/stagehand/internal/coordinator"
	"github.com/stagehand-chat/stagehand/internal/router"
	"github.com/stagehand-chat/stagehand/internal/session"
)

// maxMessageBytes bounds an inbound message body.
const maxMessageBytes = 64 * 1024

// Pinger reports backend reachability for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ArchiveReader serves the archive introspection endpoints. nil
// disables them.
type ArchiveReader interface {
	Search(ctx context.Context, q archive.SearchQuery) ([]archive.Record, error)
	Stats(ctx context.Context) (archive.Stats, error)
}

// Server is the HTTP API server.
type Server struct {
	coord    *coordinator.Coordinator
	registry *session.Registry
	router   *router.Router
	store    ArchiveReader
	pinger   Pinger
	logger   *slog.Logger

	httpServer *http.Server
}

// New creates the API server bound to addr.
func New(addr string, coord *coordinator.Coordinator, registry *session.Registry, rt *router.Router, store ArchiveReader, pinger Pinger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		coord:    coord,
		registry: registry,
		router:   rt,
		store:    store,
		pinger:   pinger,
		logger:   logger.With("component", "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("POST /v1/message", s.handleMessage)
	mux.HandleFunc("GET /v1/sessions", s.handleSessions)
	mux.HandleFunc("GET /v1/router/stats", s.handleRouterStats)
	mux.HandleFunc("GET /v1/router/audit", s.handleRouterAudit)
	mux.HandleFunc("GET /v1/archive/search", s.handleArchiveSearch)
	mux.HandleFunc("GET /v1/archive/stats", s.handleArchiveStats)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.withLogging(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving. Blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("api listen on %s: %w", s.httpServer.Addr, err)
	}
	s.logger.Info("api server listening", "addr", ln.Addr().String())

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api serve: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// messageRequest is the inbound message envelope. History is the
// platform's view of recent turns; optional.
type messageRequest struct {
	ChannelID string             `json:"channel_id"`
	AuthorID  string             `json:"author_id"`
	Text      string             `json:"text"`
	History   []coordinator.Turn `json:"history,omitempty"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	body := http.MaxBytesReader(w, r.Body, maxMessageBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.ChannelID) == "" {
		errorResponse(w, http.StatusBadRequest, "channel_id is required")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		errorResponse(w, http.StatusBadRequest, "text is required")
		return
	}
	if req.AuthorID == "" {
		req.AuthorID = "anonymous"
	}

	res := s.coord.HandleMessage(r.Context(), req.ChannelID, req.AuthorID, req.Text, req.History)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status": "ok",
		"uptime": buildinfo.Uptime().Round(time.Second).String(),
	}

	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			status["status"] = "degraded"
			status["llm"] = err.Error()
		} else {
			status["llm"] = "ok"
		}
	}

	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, buildinfo.Info())
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.registry.ActiveSessions()
	out := make([]map[string]any, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, map[string]any{
			"channel_id":       sess.ChannelID,
			"participants":     sess.Participants,
			"started_at":       sess.StartedAt,
			"last_activity_at": sess.LastActivityAt,
			"gm_mode":          sess.GMMode,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active":   len(out),
		"sessions": out,
	})
}

func (s *Server) handleRouterStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.router.GetStats())
}

func (s *Server) handleRouterAudit(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", 50)
	writeJSON(w, http.StatusOK, map[string]any{
		"decisions": s.router.AuditLog(limit),
	})
}

func (s *Server) handleArchiveSearch(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		errorResponse(w, http.StatusServiceUnavailable, "archive disabled")
		return
	}

	q := archive.SearchQuery{
		Text:      r.URL.Query().Get("q"),
		ChannelID: r.URL.Query().Get("channel"),
		Route:     r.URL.Query().Get("route"),
		Limit:     parseIntParam(r, "limit", 20),
	}
	recs, err := s.store.Search(r.Context(), q)
	if err != nil {
		s.logger.Error("archive search failed", "error", err)
		errorResponse(w, http.StatusInternalServerError, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(recs),
		"results": recs,
	})
}

func (s *Server) handleArchiveStats(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		errorResponse(w, http.StatusServiceUnavailable, "archive disabled")
		return
	}

	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.logger.Error("archive stats failed", "error", err)
		errorResponse(w, http.StatusInternalServerError, "stats failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// withLogging logs each request at debug level with latency.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"elapsed", time.Since(start).Round(time.Millisecond),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "error", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func parseIntParam(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
