// Package server exposes the orchestrator over HTTP: JSON endpoints for
// control, SSE streams for output and ledger state, and a WebSocket surface
// for bidirectional clients.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	sse "github.com/tmaxmax/go-sse"

	"grimoire-go/internal/broadcast"
	"grimoire-go/internal/config"
	"grimoire-go/internal/hub"
	"grimoire-go/internal/ledger"
	"grimoire-go/internal/run"
	"grimoire-go/internal/transcript"
	"grimoire-go/internal/workdir"
)

// heartbeatInterval keeps SSE transports able to detect dead peers. It is a
// liveness signal only, never a cancellation mechanism.
const heartbeatInterval = 30 * time.Second

type Server struct {
	cfg         config.Config
	coordinator *run.Coordinator
	broadcaster *broadcast.Broadcaster
	outputHub   *hub.Hub
	locator     *transcript.Locator
	logger      *slog.Logger
}

func New(cfg config.Config, coordinator *run.Coordinator, broadcaster *broadcast.Broadcaster,
	outputHub *hub.Hub, locator *transcript.Locator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:         cfg,
		coordinator: coordinator,
		broadcaster: broadcaster,
		outputHub:   outputHub,
		locator:     locator,
		logger:      logger,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/run", s.handleRun)
	mux.HandleFunc("/api/interrupt", s.handleInterrupt)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/state/stream", s.handleStateStream)
	mux.HandleFunc("/api/output/stream", s.handleOutputStream)
	mux.HandleFunc("/api/processes", s.handleProcesses)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/ws", s.handleWS)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.allowClient(r) {
			writeJSON(w, http.StatusForbidden, map[string]any{"error": "Forbidden for client IP."})
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func (s *Server) allowClient(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return config.IsAllowedClient(ip, s.cfg.AllowCIDRs)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"basePath": workdir.Root(),
	})
}

type runRequest struct {
	SessionID string `json:"sessionId"`
	Prompt    string `json:"prompt"`
	WorkDir   string `json:"workDir"`
	Continue  bool   `json:"continue"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid JSON body."})
		return
	}
	if strings.TrimSpace(req.Prompt) == "" && !req.Continue {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "prompt is required."})
		return
	}

	processID, err := s.coordinator.Start(run.Request{
		SessionID: req.SessionID,
		Prompt:    req.Prompt,
		WorkDir:   req.WorkDir,
		Continue:  req.Continue,
	})
	if errors.Is(err, run.ErrBusy) {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "busy"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"processId": processID})
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	sessionID := strings.TrimSpace(r.URL.Query().Get("sessionId"))
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "sessionId is required."})
		return
	}
	if err := s.coordinator.Interrupt(sessionID); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no active run for session."})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.coordinator.State()})
}

func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"processes": s.coordinator.Active()})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.locator.Sessions()})
}

// handleStateStream pushes full ledger snapshots over SSE. The first frame is
// the current snapshot so a new client is immediately consistent.
func (s *Server) handleStateStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	sub := s.broadcaster.Subscribe(s.coordinator.State())
	defer s.broadcaster.Unsubscribe(sub.ID)

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if err := sendComment(sess, "ready"); err != nil {
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done:
			return
		case <-heartbeat.C:
			if err := sendComment(sess, "heartbeat"); err != nil {
				return
			}
		case snapshot := <-sub.C:
			payload, err := json.Marshal(stateFrame(snapshot))
			if err != nil {
				continue
			}
			if err := sendData(sess, "", string(payload)); err != nil {
				return
			}
		}
	}
}

func stateFrame(snapshot []ledger.Record) map[string]any {
	if snapshot == nil {
		snapshot = []ledger.Record{}
	}
	return map[string]any{"sessions": snapshot}
}

// handleOutputStream attaches an SSE client to a session's output. The hub
// replays the pending prompt and backlog into the subscriber queue before any
// live chunk, so the client sees one ordered stream.
func (s *Server) handleOutputStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	sessionID := strings.TrimSpace(r.URL.Query().Get("sessionId"))
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "sessionId is required."})
		return
	}

	sub := s.outputHub.Subscribe(sessionID)
	defer s.outputHub.Unsubscribe(sessionID, sub.ID)

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if err := sendComment(sess, "ready"); err != nil {
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done:
			return
		case <-heartbeat.C:
			if err := sendComment(sess, "heartbeat"); err != nil {
				return
			}
		case event := <-sub.C:
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if err := sendData(sess, event.ID, string(payload)); err != nil {
				return
			}
		}
	}
}

func sendComment(sess *sse.Session, comment string) error {
	msg := &sse.Message{}
	msg.AppendComment(comment)
	if err := sess.Send(msg); err != nil {
		return err
	}
	return sess.Flush()
}

func sendData(sess *sse.Session, id, payload string) error {
	msg := &sse.Message{}
	if id != "" {
		msg.ID = sse.ID(id)
	}
	msg.AppendData(payload)
	if err := sess.Send(msg); err != nil {
		return err
	}
	return sess.Flush()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
