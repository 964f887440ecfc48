package handlers

import (
	"encoding/json"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/drydock-dev/drydock/internal/logger"
	"github.com/drydock-dev/drydock/internal/models"
	"github.com/drydock-dev/drydock/internal/registry"
	"github.com/drydock-dev/drydock/internal/services"
)

// TerminalWSHandler bridges a WebSocket connection to a session's PTY. The
// socket closing never kills the shell; the session stays attachable.
type TerminalWSHandler struct {
	store    *services.Store
	terminal *services.TerminalController
	registry *registry.Registry
}

// NewTerminalWSHandler creates the handler.
func NewTerminalWSHandler(store *services.Store, terminal *services.TerminalController, reg *registry.Registry) *TerminalWSHandler {
	return &TerminalWSHandler{store: store, terminal: terminal, registry: reg}
}

// terminalSink adapts a websocket connection to the PTY output interface.
// Writes are serialized; gorilla-style conns do not allow concurrent
// writers.
type terminalSink struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *terminalSink) writeJSON(frame models.TerminalOutbound) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.WriteJSON(frame); err != nil {
		logger.Debugf("terminal frame write failed: %v", err)
	}
}

func (s *terminalSink) Output(data []byte) {
	s.writeJSON(models.TerminalOutbound{Type: "output", Data: string(data)})
}

func (s *terminalSink) Exit(code int) {
	s.writeJSON(models.TerminalOutbound{Type: "exit", ExitCode: &code})
	s.close(websocket.CloseNormalClosure, "process exited")
}

func (s *terminalSink) Detached() {
	s.close(websocket.CloseNormalClosure, "attached elsewhere")
}

func (s *terminalSink) close(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	_ = s.conn.Close()
}

// Upgrade promotes the HTTP request to a WebSocket connection.
func (h *TerminalWSHandler) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return websocket.New(h.Handle)(c)
	}
	return fiber.ErrUpgradeRequired
}

// Handle runs one terminal connection to completion.
func (h *TerminalWSHandler) Handle(conn *websocket.Conn) {
	defer conn.Close()

	userID, _ := conn.Locals("userID").(string)
	if userID == "" {
		closeWith(conn, models.CloseUnauthenticated, "authentication required")
		return
	}

	sessionID := conn.Params("id")
	sess, err := h.store.ReconcileSession(sessionID, h.registry)
	if err != nil || sess.UserID != userID {
		closeWith(conn, models.CloseSessionNotFound, "session not found")
		return
	}

	sink := &terminalSink{conn: conn}
	cols, rows, err := h.terminal.Attach(sess, sink)
	if err != nil {
		logger.Errorf("terminal attach failed for session %s: %v", sessionID, err)
		sink.writeJSON(models.TerminalOutbound{Type: "error", Message: "failed to start terminal"})
		closeWith(conn, models.CloseInternalError, "failed to start terminal")
		return
	}
	defer h.terminal.Detach(sessionID, sink)

	sink.writeJSON(models.TerminalOutbound{
		Type:      "connected",
		SessionID: sessionID,
		Cols:      cols,
		Rows:      rows,
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			// Socket gone; the PTY keeps running for the next attach.
			logger.Debugf("terminal socket for session %s closed: %v", sessionID, err)
			return
		}

		var frame models.TerminalInbound
		if err := json.Unmarshal(data, &frame); err != nil {
			logger.Debugf("dropping malformed terminal frame for session %s", sessionID)
			continue
		}

		switch frame.Type {
		case "input":
			h.terminal.Write(sessionID, []byte(frame.Data))
			h.store.TouchSession(sessionID)
		case "resize":
			if frame.Cols > 0 && frame.Rows > 0 {
				h.terminal.Resize(sessionID, frame.Cols, frame.Rows)
			}
		case "ping":
			sink.writeJSON(models.TerminalOutbound{Type: "pong"})
		default:
			logger.Debugf("unknown terminal frame type %q for session %s", frame.Type, sessionID)
		}
	}
}

// closeWith sends a close frame carrying one of the bridge close codes.
func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}
