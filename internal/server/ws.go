package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"grimoire-go/internal/hub"
	"grimoire-go/internal/run"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The CIDR allowlist already gated this request; same-origin checks do
	// not apply to a LAN tool.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn serializes writes; gorilla connections allow one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) sendJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

type wsMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsChatRequest struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"sessionId,omitempty"`
	WorkDir   string `json:"workDir,omitempty"`
	Continue  bool   `json:"continue,omitempty"`
}

type wsSessionRef struct {
	SessionID string `json:"sessionId"`
}

type wsInput struct {
	SessionID string `json:"sessionId"`
	Input     string `json:"input"`
}

func eventFrame(sessionID string, event hub.Event) map[string]any {
	frame := map[string]any{
		"type":    string(event.Kind),
		"payload": event.Payload,
	}
	if sessionID != "" {
		frame["sessionId"] = sessionID
	}
	if event.ID != "" {
		frame["id"] = event.ID
	}
	return frame
}

// handleWS carries the bidirectional client surface: subscribe to session
// output, start chats, answer the agent's stdin prompts, and interrupt runs.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	ws := &wsConn{conn: conn}
	defer conn.Close()

	subscriptions := map[string]*hub.Subscriber{}
	var subMu sync.Mutex
	defer func() {
		subMu.Lock()
		defer subMu.Unlock()
		for sessionID, sub := range subscriptions {
			s.outputHub.Unsubscribe(sessionID, sub.ID)
		}
	}()

	subscribe := func(sessionID string) {
		subMu.Lock()
		defer subMu.Unlock()
		if sessionID == "" {
			return
		}
		if _, ok := subscriptions[sessionID]; ok {
			return
		}
		sub := s.outputHub.Subscribe(sessionID)
		subscriptions[sessionID] = sub
		go s.pumpEvents(ws, sessionID, sub)
	}

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket read failed", "error", err)
			}
			return
		}

		switch msg.Type {
		case "subscribe":
			var ref wsSessionRef
			if err := json.Unmarshal(msg.Payload, &ref); err != nil || ref.SessionID == "" {
				continue
			}
			subscribe(ref.SessionID)

		case "chat":
			var req wsChatRequest
			if err := json.Unmarshal(msg.Payload, &req); err != nil {
				_ = ws.sendJSON(map[string]any{"type": "error", "payload": "invalid chat request"})
				continue
			}
			subscribe(req.SessionID)
			go s.startWSChat(ws, req)

		case "interrupt":
			var ref wsSessionRef
			if err := json.Unmarshal(msg.Payload, &ref); err != nil || ref.SessionID == "" {
				continue
			}
			if err := s.coordinator.Interrupt(ref.SessionID); err != nil {
				_ = ws.sendJSON(map[string]any{"type": "error", "sessionId": ref.SessionID, "payload": "no active run for session"})
			}

		case "input":
			var input wsInput
			if err := json.Unmarshal(msg.Payload, &input); err != nil || input.SessionID == "" {
				continue
			}
			if err := s.coordinator.WriteInput(input.SessionID, input.Input); err != nil {
				_ = ws.sendJSON(map[string]any{"type": "error", "sessionId": input.SessionID, "payload": "no active run for session"})
			}
		}
	}
}

// pumpEvents drains one hub subscription into the socket until either side
// goes away. A write failure abandons the pump; the read loop notices the
// dead connection separately.
func (s *Server) pumpEvents(ws *wsConn, sessionID string, sub *hub.Subscriber) {
	for {
		select {
		case <-sub.Done:
			return
		case event := <-sub.C:
			if err := ws.sendJSON(eventFrame(sessionID, event)); err != nil {
				return
			}
		}
	}
}

func (s *Server) startWSChat(ws *wsConn, req wsChatRequest) {
	request := run.Request{
		SessionID: req.SessionID,
		Prompt:    req.Prompt,
		WorkDir:   req.WorkDir,
		Continue:  req.Continue,
	}
	if req.SessionID == "" {
		// No session to subscribe to yet; route this run's events straight
		// to the requester.
		request.Observer = func(event hub.Event) {
			_ = ws.sendJSON(eventFrame("", event))
		}
	}

	processID, err := s.coordinator.Start(request)
	if errors.Is(err, run.ErrBusy) {
		_ = ws.sendJSON(map[string]any{"type": "error", "sessionId": req.SessionID, "payload": "busy"})
		return
	}
	if err != nil {
		_ = ws.sendJSON(map[string]any{"type": "error", "sessionId": req.SessionID, "payload": err.Error()})
		return
	}
	_ = ws.sendJSON(map[string]any{"type": "processId", "processId": processID, "sessionId": req.SessionID})
}
