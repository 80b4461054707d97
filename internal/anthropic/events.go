// Package anthropic defines the vendor-side stream event union emitted by
// browser-tab workers, plus the materialized message forms used by the
// non-streaming path. Events are decoded exactly once at the transport
// boundary; everything downstream works with *StreamEvent.
package anthropic

import (
	"encoding/json"
	"fmt"
)

// Stream event types relayed from the vendor chat UI.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventPing              = "ping"
	EventError             = "error"
)

// Worker-housekeeping event types carried on the same transport.
const (
	EventWorkerRegister     = "worker_register"
	EventWorkerUpdateActive = "worker_update_active_conversation"
	EventTabFocus           = "tab_focus"
)

// Content block kinds.
const (
	BlockText     = "text"
	BlockThinking = "thinking"
	BlockToolUse  = "tool_use"
)

// Delta kinds inside content_block_delta.
const (
	DeltaText            = "text_delta"
	DeltaThinking        = "thinking_delta"
	DeltaThinkingSummary = "thinking_summary_delta"
	DeltaInputJSON       = "input_json_delta"
)

// Stop reasons reported by the vendor.
const (
	StopEndTurn   = "end_turn"
	StopSequence  = "stop_sequence"
	StopMaxTokens = "max_tokens"
	StopToolUse   = "tool_use"
)

// StreamEvent is the closed tagged union for every inbound worker frame.
// Which pointer fields are populated depends on Type.
type StreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index,omitempty"`

	Message      *MessageStart `json:"message,omitempty"`
	ContentBlock *ContentBlock `json:"content_block,omitempty"`
	Delta        *Delta        `json:"delta,omitempty"`
	Usage        *Usage        `json:"usage,omitempty"`
	Error        *APIError     `json:"error,omitempty"`

	// Housekeeping payloads (worker_register, worker_update_active_conversation, tab_focus).
	ClientID       string `json:"clientId,omitempty"`
	TabID          string `json:"tabId,omitempty"`
	IsWorker       bool   `json:"isWorker,omitempty"`
	Pathname       string `json:"pathname,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Active         bool   `json:"active,omitempty"`
}

// MessageStart is the envelope carried by message_start.
type MessageStart struct {
	ID         string `json:"id"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason,omitempty"`
	Usage      Usage  `json:"usage,omitempty"`
}

// ContentBlock describes a block at content_block_start time. Text and
// Thinking carry any initial content present when the block opens; Input
// holds structured tool input if the vendor included it at start.
type ContentBlock struct {
	Type     string          `json:"type"`
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name,omitempty"`
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// Delta carries the incremental payload of content_block_delta and the
// stop-reason update of message_delta.
type Delta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	Summary     string `json:"summary,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// Usage counters are cumulative totals, not increments.
type Usage struct {
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// APIError is an explicit mid-stream failure from the vendor.
type APIError struct {
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return "anthropic: unknown error"
	}
	if e.Type == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

var knownEventTypes = map[string]struct{}{
	EventMessageStart:       {},
	EventContentBlockStart:  {},
	EventContentBlockDelta:  {},
	EventContentBlockStop:   {},
	EventMessageDelta:       {},
	EventMessageStop:        {},
	EventPing:               {},
	EventError:              {},
	EventWorkerRegister:     {},
	EventWorkerUpdateActive: {},
	EventTabFocus:           {},
}

// DecodeEvent parses one inbound frame into the event union. Unrecognized
// type tags are rejected here rather than coerced downstream.
func DecodeEvent(data []byte) (*StreamEvent, error) {
	var ev StreamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("anthropic: decode event: %w", err)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("anthropic: event missing type tag")
	}
	if _, ok := knownEventTypes[ev.Type]; !ok {
		return nil, fmt.Errorf("anthropic: unrecognized event type %q", ev.Type)
	}
	return &ev, nil
}

// IsStreamEvent reports whether the event belongs to a completion stream
// (as opposed to worker housekeeping or ping).
func (ev *StreamEvent) IsStreamEvent() bool {
	switch ev.Type {
	case EventMessageStart, EventContentBlockStart, EventContentBlockDelta,
		EventContentBlockStop, EventMessageDelta, EventMessageStop, EventError:
		return true
	}
	return false
}

// Message is a fully materialized assistant message, used by the
// non-streaming synthesis path.
type Message struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason,omitempty"`
	Content    []ContentBlock `json:"content"`
	Usage      Usage          `json:"usage"`
}
