package main

import (
	"bufio"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/plnamente/blue-taurus/internal/command"
	"github.com/plnamente/blue-taurus/internal/export"
	"github.com/plnamente/blue-taurus/internal/hub"
	"github.com/plnamente/blue-taurus/internal/protocol"
	"github.com/plnamente/blue-taurus/internal/store"
)

const (
	maxRequestBody = 1024 * 1024 // 1MB limit
	xlsxType       = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// Server exposes the REST API and the agent websocket endpoint.
type Server struct {
	store  store.Store
	hub    *hub.Hub
	issuer *command.Issuer
	apiKey string

	requestCount atomic.Int64
	errorCount   atomic.Int64
}

// commandRequest is the body of POST /api/agents/{id}/commands.
type commandRequest struct {
	CmdType protocol.CommandType `json:"cmd_type"`
	Args    *string              `json:"args,omitempty"`
}

// agentView is an agent as returned by the API; Status reflects the live session.
type agentView struct {
	store.Agent
	Connected bool `json:"connected"`
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.Handle("/ws", s.hub)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/agents", s.handleListAgents).Methods(http.MethodGet)
	api.HandleFunc("/agents/{id}", s.handleGetAgent).Methods(http.MethodGet)
	api.HandleFunc("/agents/{id}", s.requireAPIKey(s.handleDeleteAgent)).Methods(http.MethodDelete)
	api.HandleFunc("/agents/{id}/compliance", s.handleCompliance).Methods(http.MethodGet)
	api.HandleFunc("/agents/{id}/compliance.xlsx", s.handleComplianceXLSX).Methods(http.MethodGet)
	api.HandleFunc("/agents/{id}/inventory", s.handleInventory).Methods(http.MethodGet)
	api.HandleFunc("/agents/{id}/commands", s.requireAPIKey(s.handleSendCommand)).Methods(http.MethodPost)

	return s.countRequests(loggingMiddleware(r))
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		s.serverError(w, "list agents", err)
		return
	}
	views := make([]agentView, 0, len(agents))
	for _, a := range agents {
		views = append(views, s.view(a))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := s.agentID(w, r)
	if !ok {
		return
	}
	a, err := s.store.GetAgent(r.Context(), id)
	if err != nil {
		s.storeError(w, "get agent", err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.view(*a))
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := s.agentID(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteAgent(r.Context(), id); err != nil {
		s.storeError(w, "delete agent", err)
		return
	}
	log.Info().Str("agent_id", id.String()).Msg("Agent deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCompliance(w http.ResponseWriter, r *http.Request) {
	id, ok := s.agentID(w, r)
	if !ok {
		return
	}
	rec, err := s.store.LatestReport(r.Context(), id)
	if err != nil {
		s.storeError(w, "latest report", err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleComplianceXLSX(w http.ResponseWriter, r *http.Request) {
	id, ok := s.agentID(w, r)
	if !ok {
		return
	}
	rec, err := s.store.LatestReport(r.Context(), id)
	if err != nil {
		s.storeError(w, "latest report", err)
		return
	}
	data, err := export.Excel(id.String(), rec.Report)
	if err != nil {
		s.serverError(w, "render workbook", err)
		return
	}
	w.Header().Set("Content-Type", xlsxType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="compliance-%s.xlsx"`, id))
	if _, err := w.Write(data); err != nil {
		log.Warn().Err(err).Msg("Error writing workbook")
	}
}

func (s *Server) handleInventory(w http.ResponseWriter, r *http.Request) {
	id, ok := s.agentID(w, r)
	if !ok {
		return
	}
	sw, err := s.store.Inventory(r.Context(), id)
	if err != nil {
		s.storeError(w, "inventory", err)
		return
	}
	if sw == nil {
		sw = []protocol.SoftwareInfo{}
	}
	s.writeJSON(w, http.StatusOK, sw)
}

func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := s.agentID(w, r)
	if !ok {
		return
	}
	if s.issuer == nil {
		s.errorJSON(w, http.StatusServiceUnavailable, "command signing key not configured")
		return
	}
	if s.apiKey == "" {
		s.errorJSON(w, http.StatusServiceUnavailable, "command dispatch requires an API key")
		return
	}

	var req commandRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		s.errorJSON(w, http.StatusBadRequest, "invalid command request: "+err.Error())
		return
	}
	if !req.CmdType.Valid() {
		s.errorJSON(w, http.StatusBadRequest, fmt.Sprintf("unknown command type %q", req.CmdType))
		return
	}
	if _, err := s.store.GetAgent(r.Context(), id); err != nil {
		s.storeError(w, "get agent", err)
		return
	}

	cmd, err := s.issuer.Issue(req.CmdType, req.Args)
	if err != nil {
		s.serverError(w, "sign command", err)
		return
	}
	if err := s.hub.SendCommand(id, cmd); err != nil {
		switch {
		case errors.Is(err, hub.ErrAgentNotConnected):
			s.errorJSON(w, http.StatusConflict, "agent is not connected")
		case errors.Is(err, hub.ErrSendQueueFull):
			s.errorJSON(w, http.StatusServiceUnavailable, "agent is not keeping up, try again")
		default:
			s.serverError(w, "send command", err)
		}
		return
	}
	s.writeJSON(w, http.StatusAccepted, cmd)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	pending := s.hub.Pending()
	status := "healthy"
	code := http.StatusOK
	if pending > 0 {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]any{
		"status":         status,
		"agents":         len(s.hub.Connected()),
		"pending_writes": pending,
		"requests":       s.requestCount.Load(),
		"errors":         s.errorCount.Load(),
	})
}

func (s *Server) view(a store.Agent) agentView {
	connected := s.hub.IsConnected(a.ID)
	a.Status = store.StatusOffline
	if connected {
		a.Status = store.StatusOnline
	}
	return agentView{Agent: a, Connected: connected}
}

func (s *Server) agentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.errorJSON(w, http.StatusBadRequest, "invalid agent id")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" && !constantTimeCompare(r.Header.Get("X-API-Key"), s.apiKey) {
			log.Warn().Str("remote", r.RemoteAddr).Str("path", r.URL.Path).Msg("Rejected request with invalid API key")
			s.errorJSON(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.errorJSON(w, http.StatusNotFound, "not found")
		return
	}
	s.serverError(w, op, err)
}

func (s *Server) serverError(w http.ResponseWriter, op string, err error) {
	log.Error().Err(err).Str("op", op).Msg("Request failed")
	s.errorJSON(w, http.StatusInternalServerError, "internal server error")
}

func (s *Server) errorJSON(w http.ResponseWriter, code int, msg string) {
	s.errorCount.Add(1)
	s.writeJSON(w, code, map[string]string{"error": msg})
}

func (*Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Error writing response")
	}
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requestCount.Add(1)
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for logging. It forwards
// Hijack so websocket upgrades pass through.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		duration := time.Since(start)

		if r.URL.Path == "/ws" {
			// Session length, not request latency.
			log.Debug().Str("remote", r.RemoteAddr).Dur("duration", duration).Msg("Websocket closed")
			return
		}
		ev := log.Debug()
		if duration > time.Second {
			ev = log.Warn()
		}
		ev.Str("remote", r.RemoteAddr).Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", rec.status).Dur("duration", duration).Msg("Request")
	})
}

// constantTimeCompare performs constant-time string comparison to prevent timing attacks.
func constantTimeCompare(a, b string) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
