package protocol

import (
	"encoding/json"
	"strings"
)

// Agent stdout event discriminators. The agent process emits newline-
// delimited JSON objects, one event per line.
const (
	EventSystem    = "system"
	EventAssistant = "assistant"
	EventUser      = "user"
	EventResult    = "result"
)

// Agent event subtypes.
const (
	SubtypeInit    = "init"
	SubtypeSuccess = "success"
)

// Content item discriminators inside an agent message.
const (
	ContentText       = "text"
	ContentThinking   = "thinking"
	ContentToolUse    = "tool_use"
	ContentToolResult = "tool_result"
)

// AgentEvent is one decoded line of the agent's stream. Fields are
// populated selectively depending on Type; unknown shapes decode to an
// event that matches no known discriminator and are skipped by the caller.
type AgentEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`

	Message *AgentMessage `json:"message,omitempty"`

	// Result-event fields: the authoritative end-of-turn signal.
	Result       string  `json:"result,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	DurationMS   int64   `json:"duration_ms,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`

	// Streaming delta text, present on partial-output events.
	Delta *AgentDelta `json:"delta,omitempty"`
}

// AgentMessage is the message body of an assistant or user-echo event.
type AgentMessage struct {
	Role    string        `json:"role,omitempty"`
	Model   string        `json:"model,omitempty"`
	Content []ContentItem `json:"content"`
}

// AgentDelta carries incremental text on streaming events.
type AgentDelta struct {
	Text string `json:"text,omitempty"`
}

// ContentItem is one element of a message's content array: narrative text,
// reasoning, a tool invocation, or a tool result.
type ContentItem struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`

	// tool_result fields. Content is either a plain string or an array of
	// {type:"text",text:...} objects depending on the tool.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// DecodeEvent parses one stream line. ok is false when the line is not a
// JSON object carrying a known discriminator; such lines are incidental
// non-protocol output and must be skipped, not treated as fatal.
func DecodeEvent(line []byte) (ev AgentEvent, ok bool) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" || trimmed[0] != '{' {
		return AgentEvent{}, false
	}
	if err := json.Unmarshal([]byte(trimmed), &ev); err != nil {
		return AgentEvent{}, false
	}
	switch ev.Type {
	case EventSystem, EventAssistant, EventUser, EventResult:
		return ev, true
	default:
		return AgentEvent{}, false
	}
}

// ResultText flattens a tool_result content value to plain text.
func (c ContentItem) ResultText() string {
	if len(c.Content) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(c.Content, &s); err == nil {
		return s
	}

	var items []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(c.Content, &items); err != nil {
		return ""
	}
	parts := make([]string, 0, len(items))
	for _, it := range items {
		if it.Type == ContentText && it.Text != "" {
			parts = append(parts, it.Text)
		}
	}
	return strings.Join(parts, "\n")
}
