package models

import (
	"encoding/json"
	"time"
)

// EventType tags an outbound event on the assistant channel.
type EventType string

const (
	EventUser          EventType = "user"
	EventAssistant     EventType = "assistant"
	EventToolUse       EventType = "tool_use"
	EventToolResult    EventType = "tool_result"
	EventError         EventType = "error"
	EventStatus        EventType = "status"
	EventPong          EventType = "pong"
	EventSystem        EventType = "system"
	EventLoginRequired EventType = "login_required"
)

// SessionActivity is the status payload carried by EventStatus events.
type SessionActivity string

const (
	ActivityConnected SessionActivity = "connected"
	ActivityThinking  SessionActivity = "thinking"
	ActivityIdle      SessionActivity = "idle"
	ActivityError     SessionActivity = "error"
)

// OutboundEvent is the wire contract between a controller and any attached
// bridge. Fields are populated per Type; unused fields are omitted.
type OutboundEvent struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// EventUser, EventAssistant, EventSystem
	Text string `json:"text,omitempty"`

	// EventToolUse, EventToolResult
	Tool       string          `json:"tool,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	Result     string          `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`

	// EventError
	Message string `json:"message,omitempty"`

	// EventStatus
	Status SessionActivity `json:"status,omitempty"`

	// EventLoginRequired
	LoginURL string `json:"login_url,omitempty"`
}

// NewStatusEvent builds a status transition event stamped with now.
func NewStatusEvent(activity SessionActivity) OutboundEvent {
	return OutboundEvent{Type: EventStatus, Timestamp: time.Now(), Status: activity}
}

// NewErrorEvent builds an error event stamped with now.
func NewErrorEvent(message string) OutboundEvent {
	return OutboundEvent{Type: EventError, Timestamp: time.Now(), Message: message}
}

// TerminalInbound is a client frame on the terminal channel.
type TerminalInbound struct {
	Type string `json:"type"` // "input", "resize", "ping"
	Data string `json:"data,omitempty"`
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
}

// TerminalOutbound is a server frame on the terminal channel.
type TerminalOutbound struct {
	Type      string `json:"type"` // "connected", "output", "exit", "error", "pong"
	SessionID string `json:"sessionId,omitempty"`
	Cols      uint16 `json:"cols,omitempty"`
	Rows      uint16 `json:"rows,omitempty"`
	Data      string `json:"data,omitempty"`
	ExitCode  *int   `json:"exitCode,omitempty"`
	Message   string `json:"message,omitempty"`
}

// AssistantInbound is a client frame on the assistant channel.
type AssistantInbound struct {
	Type    string `json:"type"` // "user", "ping", "abort"
	Content string `json:"content,omitempty"`
}

// WebSocket close codes used by the bridges.
const (
	CloseUnauthenticated = 4001
	CloseSessionNotFound = 4004
	CloseInternalError   = 4500
)
