// Package api implements the diagnostic HTTP surface of the bridge daemon.
//
// Routes:
//	GET    /api/v1/snapshot          — Full copy-out snapshot
//	GET    /api/v1/status            — Daemon health summary
//	GET    /api/v1/metrics           — Relay and push counters
//	GET    /api/v1/history/sessions  — Connect/disconnect log
//	GET    /api/v1/history/alerts    — Logged alert entries
//	GET    /api/v1/history/pushes    — Push transaction log
//	POST   /api/v1/push              — Start a settings push
//	DELETE /api/v1/push              — Cancel the active push
//	POST   /api/v1/link/enabled      — Enable/disable the central subsystem
//	POST   /api/v1/link/reconnect    — Fast reconnect to a known address
//	POST   /api/v1/radio/priority    — Claim/release radio priority
//	POST   /api/v1/proxy/metrics/reset — Zero the relay counters
//	GET    /api/v1/events            — WebSocket live stream
//
// Framework: standard library net/http mux; gorilla/websocket for the
// event stream.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ajmdroid/v1g2-simple-sub000/internal/bridge"
	"github.com/ajmdroid/v1g2-simple-sub000/internal/store"
)

// Bridge is the control surface the handlers drive.
type Bridge interface {
	Snapshot() bridge.Snapshot
	Bus() *bridge.EventBus
	StartPush(slotOverride string) error
	CancelPush(reason string)
	SetLinkEnabled(on bool)
	SetRadioPriority(on bool)
	FastReconnect(addr string) error
	ResetProxyMetrics()
}

// History is the store subset the read endpoints need. May be nil when the
// daemon runs without persistence.
type History interface {
	RecentSessions(n int) ([]*store.SessionEdge, error)
	RecentAlerts(n int) ([]*store.AlertRow, error)
	RecentPushes(n int) ([]*store.PushRow, error)
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// Server holds handler dependencies.
type Server struct {
	br   Bridge
	hist History
	log  *zap.Logger
}

// NewRouter wires all /api/v1/* routes and returns a http.Handler.
func NewRouter(br Bridge, hist History, log *zap.Logger) http.Handler {
	s := &Server{br: br, hist: hist, log: log}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/snapshot", s.snapshot)
	mux.HandleFunc("GET /api/v1/status", s.status)
	mux.HandleFunc("GET /api/v1/metrics", s.metrics)

	mux.HandleFunc("GET /api/v1/history/sessions", s.historySessions)
	mux.HandleFunc("GET /api/v1/history/alerts", s.historyAlerts)
	mux.HandleFunc("GET /api/v1/history/pushes", s.historyPushes)

	mux.HandleFunc("POST /api/v1/push", s.startPush)
	mux.HandleFunc("DELETE /api/v1/push", s.cancelPush)

	mux.HandleFunc("POST /api/v1/link/enabled", s.linkEnabled)
	mux.HandleFunc("POST /api/v1/link/reconnect", s.linkReconnect)
	mux.HandleFunc("POST /api/v1/radio/priority", s.radioPriority)
	mux.HandleFunc("POST /api/v1/proxy/metrics/reset", s.resetProxyMetrics)

	mux.HandleFunc("GET /api/v1/events", s.eventStream)

	return withLogging(log, mux)
}

// ── Snapshot / status ─────────────────────────────────────────────────────

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.br.Snapshot())
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	snap := s.br.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"time":        time.Now().UTC().Format(time.RFC3339),
		"connection":  snap.Connection,
		"companion":   snap.Companion,
		"alert_count": len(snap.Alerts),
		"subscribers": s.br.Bus().Len(),
	})
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	snap := s.br.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"proxy": snap.Proxy,
		"push":  snap.PushMetrics,
	})
}

// ── History ───────────────────────────────────────────────────────────────

func (s *Server) historySessions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50, 1, 500)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.hist == nil {
		http.Error(w, "history disabled", http.StatusNotFound)
		return
	}
	edges, err := s.hist.RecentSessions(limit)
	if err != nil {
		s.log.Error("api: list sessions", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": edges,
		"count":    len(edges),
	})
}

func (s *Server) historyAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50, 1, 500)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.hist == nil {
		http.Error(w, "history disabled", http.StatusNotFound)
		return
	}
	rows, err := s.hist.RecentAlerts(limit)
	if err != nil {
		s.log.Error("api: list alerts", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": rows,
		"count":  len(rows),
	})
}

func (s *Server) historyPushes(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50, 1, 500)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.hist == nil {
		http.Error(w, "history disabled", http.StatusNotFound)
		return
	}
	rows, err := s.hist.RecentPushes(limit)
	if err != nil {
		s.log.Error("api: list pushes", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pushes": rows,
		"count":  len(rows),
	})
}

// ── Push ──────────────────────────────────────────────────────────────────

type startPushRequest struct {
	Slot string `json:"slot,omitempty"`
}

func (s *Server) startPush(w http.ResponseWriter, r *http.Request) {
	var req startPushRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
	}
	if err := s.br.StartPush(req.Slot); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "started"})
}

type cancelPushRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) cancelPush(w http.ResponseWriter, r *http.Request) {
	var req cancelPushRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
	}
	reason := req.Reason
	if reason == "" {
		reason = "api request"
	}
	s.br.CancelPush(reason)
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "cancelled"})
}

// ── Link / radio control ──────────────────────────────────────────────────

type enabledRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) linkEnabled(w http.ResponseWriter, r *http.Request) {
	var req enabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	s.br.SetLinkEnabled(req.Enabled)
	writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": req.Enabled})
}

type reconnectRequest struct {
	Addr string `json:"addr"`
}

func (s *Server) linkReconnect(w http.ResponseWriter, r *http.Request) {
	var req reconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Addr == "" {
		http.Error(w, "addr required", http.StatusBadRequest)
		return
	}
	if err := s.br.FastReconnect(req.Addr); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "connecting"})
}

type priorityRequest struct {
	Priority bool `json:"priority"`
}

func (s *Server) radioPriority(w http.ResponseWriter, r *http.Request) {
	var req priorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	s.br.SetRadioPriority(req.Priority)
	writeJSON(w, http.StatusOK, map[string]interface{}{"priority": req.Priority})
}

func (s *Server) resetProxyMetrics(w http.ResponseWriter, r *http.Request) {
	s.br.ResetProxyMetrics()
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "reset"})
}

// ── WebSocket event stream ────────────────────────────────────────────────

func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("api: ws upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	ch, unsub := s.br.Bus().Subscribe()
	defer unsub()

	ping := time.NewTicker(20 * time.Second)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug("api: ws write", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// ── Middleware ────────────────────────────────────────────────────────────

func withLogging(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rw, r)
		log.Debug("api",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.code),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

// ── helpers ───────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func queryInt(r *http.Request, key string, def, min, max int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < min || n > max {
		return 0, fmt.Errorf("%s must be %d–%d", key, min, max)
	}
	return n, nil
}
