package services

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/drydock-dev/drydock/internal/logger"
	"github.com/drydock-dev/drydock/internal/models"
)

// rawRecord covers the record shapes the assistant CLI emits on its
// stream-json protocol. Fields that vary by shape stay as RawMessage until
// the shape is known.
type rawRecord struct {
	Type    string      `json:"type"`
	Subtype string      `json:"subtype,omitempty"`
	Message *rawMessage `json:"message,omitempty"`

	// content_block_start
	ContentBlock *rawBlock `json:"content_block,omitempty"`

	// bare tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// error records carry either a plain string or a nested object
	ErrorField json.RawMessage `json:"error,omitempty"`

	// final aggregate result (suppressed)
	Result string `json:"result,omitempty"`
}

type rawMessage struct {
	Role    string     `json:"role,omitempty"`
	Content []rawBlock `json:"content,omitempty"`
}

type rawBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type rawError struct {
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`
}

// NormalizeLine parses one JSON line of assistant output into zero or more
// outbound events. A final aggregate result record yields zero events;
// its content was already streamed incrementally. Unrecognized
// shapes are logged and dropped, never fatal.
func NormalizeLine(line []byte) []models.OutboundEvent {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return nil
	}

	var rec rawRecord
	if err := json.Unmarshal([]byte(trimmed), &rec); err != nil {
		logger.Debugf("skipping malformed assistant output line: %v", err)
		return nil
	}

	now := time.Now()
	switch rec.Type {
	case "message", "assistant":
		if rec.Message == nil {
			logger.Debugf("assistant record without message payload, skipping")
			return nil
		}
		return normalizeBlocks(rec.Message.Content, now)

	case "user":
		// The CLI returns tool outcomes wrapped in user-role records.
		// Text blocks here are the echoed prompt, not new content.
		if rec.Message == nil {
			return nil
		}
		var results []rawBlock
		for _, block := range rec.Message.Content {
			if block.Type == "tool_result" {
				results = append(results, block)
			}
		}
		return normalizeBlocks(results, now)

	case "content_block_start":
		if rec.ContentBlock == nil {
			return nil
		}
		return normalizeBlocks([]rawBlock{*rec.ContentBlock}, now)

	case "tool_use":
		return []models.OutboundEvent{{
			Type:       models.EventToolUse,
			Timestamp:  now,
			Tool:       rec.Name,
			ToolCallID: rec.ID,
			Params:     rec.Input,
		}}

	case "tool_result":
		return []models.OutboundEvent{{
			Type:       models.EventToolResult,
			Timestamp:  now,
			ToolCallID: rec.ToolUseID,
			Result:     stringifyContent(rec.Content),
			IsError:    rec.IsError,
		}}

	case "error":
		return []models.OutboundEvent{{
			Type:      models.EventError,
			Timestamp: now,
			Message:   errorText(rec),
		}}

	case "result":
		// Aggregate of content already emitted incrementally.
		return nil

	case "system":
		// Init/config records from the CLI itself; not part of the
		// conversation stream.
		return nil

	default:
		logger.Debugf("unrecognized assistant record type %q, skipping", rec.Type)
		return nil
	}
}

func normalizeBlocks(blocks []rawBlock, now time.Time) []models.OutboundEvent {
	var events []models.OutboundEvent
	for _, block := range blocks {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			events = append(events, models.OutboundEvent{
				Type:      models.EventAssistant,
				Timestamp: now,
				Text:      block.Text,
			})
		case "tool_use":
			events = append(events, models.OutboundEvent{
				Type:       models.EventToolUse,
				Timestamp:  now,
				Tool:       block.Name,
				ToolCallID: block.ID,
				Params:     block.Input,
			})
		case "tool_result":
			events = append(events, models.OutboundEvent{
				Type:       models.EventToolResult,
				Timestamp:  now,
				ToolCallID: block.ToolUseID,
				Result:     stringifyContent(block.Content),
				IsError:    block.IsError,
			})
		default:
			logger.Debugf("unrecognized content block type %q, skipping", block.Type)
		}
	}
	return events
}

// stringifyContent renders a tool result payload as text. String payloads
// are unwrapped; structured payloads are re-serialized.
func stringifyContent(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var str string
	if err := json.Unmarshal(content, &str); err == nil {
		return str
	}

	// Array-of-text-blocks form used by newer CLI versions.
	var blocks []rawBlock
	if err := json.Unmarshal(content, &blocks); err == nil && len(blocks) > 0 {
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
	}

	return string(content)
}

func errorText(rec rawRecord) string {
	if len(rec.ErrorField) > 0 {
		var nested rawError
		if err := json.Unmarshal(rec.ErrorField, &nested); err == nil && nested.Message != "" {
			return nested.Message
		}
		var plain string
		if err := json.Unmarshal(rec.ErrorField, &plain); err == nil && plain != "" {
			return plain
		}
		return string(rec.ErrorField)
	}
	if rec.Result != "" {
		return rec.Result
	}
	return "assistant reported an error"
}
