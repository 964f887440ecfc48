package handlers

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/drydock-dev/drydock/internal/logger"
	"github.com/drydock-dev/drydock/internal/models"
	"github.com/drydock-dev/drydock/internal/registry"
	"github.com/drydock-dev/drydock/internal/services"
)

// AssistantWSHandler bridges a WebSocket connection to the assistant
// controller. Unlike the terminal, closing the socket aborts any in-flight
// invocation; assistant turns have no detached consumer.
type AssistantWSHandler struct {
	store     *services.Store
	assistant *services.AssistantController
	registry  *registry.Registry
	watcher   *services.SessionWatcher
}

// NewAssistantWSHandler creates the handler. watcher may be nil when
// transcript watching is unavailable.
func NewAssistantWSHandler(store *services.Store, assistant *services.AssistantController, reg *registry.Registry, watcher *services.SessionWatcher) *AssistantWSHandler {
	return &AssistantWSHandler{store: store, assistant: assistant, registry: reg, watcher: watcher}
}

// assistantEmitter serializes event writes onto the socket.
type assistantEmitter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (e *assistantEmitter) Emit(ev models.OutboundEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.conn.WriteJSON(ev); err != nil {
		logger.Debugf("assistant event write failed: %v", err)
	}
}

// Upgrade promotes the HTTP request to a WebSocket connection.
func (h *AssistantWSHandler) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return websocket.New(h.Handle)(c)
	}
	return fiber.ErrUpgradeRequired
}

// Handle runs one assistant connection to completion.
func (h *AssistantWSHandler) Handle(conn *websocket.Conn) {
	defer conn.Close()

	userID, _ := conn.Locals("userID").(string)
	if userID == "" {
		closeWith(conn, models.CloseUnauthenticated, "authentication required")
		return
	}

	sessionID := conn.Params("id")
	sess, err := h.store.GetSession(sessionID)
	if err != nil || sess.UserID != userID {
		closeWith(conn, models.CloseSessionNotFound, "session not found")
		return
	}

	if h.watcher != nil {
		h.watcher.Watch(sess)
	}

	emitter := &assistantEmitter{conn: conn}
	emitter.Emit(models.NewStatusEvent(models.ActivityConnected))

	// A dangling invocation from a dropped socket must not outlive this
	// one either.
	defer h.assistant.Abort(sessionID)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			logger.Debugf("assistant socket for session %s closed: %v", sessionID, err)
			return
		}

		var frame models.AssistantInbound
		if err := json.Unmarshal(data, &frame); err != nil {
			emitter.Emit(models.NewErrorEvent("malformed frame"))
			continue
		}

		switch frame.Type {
		case "user":
			h.handleUserMessage(sess, strings.TrimSpace(frame.Content), emitter)
		case "abort":
			h.assistant.Abort(sessionID)
		case "ping":
			for _, ev := range pongEvents(h.assistant.Busy(sessionID)) {
				emitter.Emit(ev)
			}
		default:
			emitter.Emit(models.NewErrorEvent("unknown frame type " + frame.Type))
		}
	}
}

// pongEvents answers a heartbeat ping: the pong frame first, then the
// current activity so long-idle clients resync their state.
func pongEvents(busy bool) []models.OutboundEvent {
	status := models.ActivityIdle
	if busy {
		status = models.ActivityThinking
	}
	return []models.OutboundEvent{
		{Type: models.EventPong, Timestamp: time.Now()},
		models.NewStatusEvent(status),
	}
}

func (h *AssistantWSHandler) handleUserMessage(sess *models.Session, content string, emitter *assistantEmitter) {
	if content == "" {
		emitter.Emit(models.NewErrorEvent("empty message"))
		return
	}

	emitter.Emit(models.OutboundEvent{
		Type:      models.EventUser,
		Timestamp: time.Now(),
		Text:      content,
	})
	h.store.TouchSession(sess.ID)

	if err := h.assistant.Invoke(sess, content, emitter); err != nil {
		if errors.Is(err, services.ErrAssistantBusy) || errors.Is(err, registry.ErrAlreadyRunning) {
			emitter.Emit(models.NewErrorEvent("a turn is already in progress"))
			return
		}
		logger.Warnf("assistant start failed for session %s: %v", sess.ID, err)
		emitter.Emit(models.NewErrorEvent(err.Error()))
		// A start failure often means missing credentials; point the
		// client at the login flow. The session stays addressable.
		emitter.Emit(models.OutboundEvent{
			Type:      models.EventLoginRequired,
			Timestamp: time.Now(),
		})
		emitter.Emit(models.NewStatusEvent(models.ActivityError))
	}
}
