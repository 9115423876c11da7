// Package protocol defines the shared vocabulary of the Foreman
// orchestrator: the normalized block taxonomy that session logs are built
// from, the decoded shape of the agent's stdout event stream, the observer
// wire messages served over the Unix socket, and the typed errors callers
// discriminate on. It has no dependencies on the other foreman packages so
// that every component can import it.
package protocol

import "encoding/json"

// BlockType discriminates the Block tagged union.
type BlockType string

// Block type constants.
const (
	BlockText        BlockType = "text"
	BlockThinking    BlockType = "thinking"
	BlockToolUse     BlockType = "tool_use"
	BlockToolResult  BlockType = "tool_result"
	BlockUser        BlockType = "user"
	BlockStatus      BlockType = "status"
	BlockStreamDelta BlockType = "stream_delta"
)

// StatusSubtype classifies a status block.
type StatusSubtype string

// Status subtype constants.
const (
	StatusInit     StatusSubtype = "init"
	StatusComplete StatusSubtype = "complete"
	StatusError    StatusSubtype = "error"
	StatusAbort    StatusSubtype = "abort"
)

// Block is one normalized unit of agent activity in a session's append-only
// log. Exactly one payload pointer is non-nil, selected by Type.
type Block struct {
	Type        BlockType           `json:"type"`
	Text        *TextPayload        `json:"text,omitempty"`
	Thinking    *ThinkingPayload    `json:"thinking,omitempty"`
	ToolUse     *ToolUsePayload     `json:"tool_use,omitempty"`
	ToolResult  *ToolResultPayload  `json:"tool_result,omitempty"`
	User        *UserPayload        `json:"user,omitempty"`
	Status      *StatusPayload      `json:"status,omitempty"`
	StreamDelta *StreamDeltaPayload `json:"stream_delta,omitempty"`
}

// TextPayload carries narrative assistant text.
type TextPayload struct {
	Text string `json:"text"`
}

// ThinkingPayload carries reasoning text emitted by the agent.
type ThinkingPayload struct {
	Text string `json:"text"`
}

// ToolUsePayload carries one tool invocation by the agent.
type ToolUsePayload struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResultPayload carries the outcome of a tool invocation, correlated
// back to the originating ToolUsePayload by ToolUseID.
type ToolResultPayload struct {
	ToolUseID string `json:"tool_use_id"`
	Output    string `json:"output"`
	IsError   bool   `json:"is_error,omitempty"`
}

// UserPayload carries a human-authored message.
type UserPayload struct {
	Text        string   `json:"text"`
	Attachments []string `json:"attachments,omitempty"`
}

// StatusPayload carries a session lifecycle marker. Token is the
// continuation token, annotated onto init blocks once the agent reports
// it.
type StatusPayload struct {
	Subtype    StatusSubtype `json:"subtype"`
	Model      string        `json:"model,omitempty"`
	Token      string        `json:"token,omitempty"`
	CostUSD    float64       `json:"cost_usd,omitempty"`
	DurationMS int64         `json:"duration_ms,omitempty"`
	NumTurns   int           `json:"num_turns,omitempty"`
	ErrorText  string        `json:"error_text,omitempty"`
}

// StreamDeltaPayload carries one incremental text fragment.
type StreamDeltaPayload struct {
	Text string `json:"text"`
}

// NewTextBlock builds a text block.
func NewTextBlock(text string) Block {
	return Block{Type: BlockText, Text: &TextPayload{Text: text}}
}

// NewThinkingBlock builds a thinking block.
func NewThinkingBlock(text string) Block {
	return Block{Type: BlockThinking, Thinking: &ThinkingPayload{Text: text}}
}

// NewToolUseBlock builds a tool_use block.
func NewToolUseBlock(id, name string, input json.RawMessage) Block {
	return Block{Type: BlockToolUse, ToolUse: &ToolUsePayload{ID: id, Name: name, Input: input}}
}

// NewToolResultBlock builds a tool_result block.
func NewToolResultBlock(toolUseID, output string, isError bool) Block {
	return Block{Type: BlockToolResult, ToolResult: &ToolResultPayload{
		ToolUseID: toolUseID,
		Output:    output,
		IsError:   isError,
	}}
}

// NewUserBlock builds a user block.
func NewUserBlock(text string, attachments []string) Block {
	return Block{Type: BlockUser, User: &UserPayload{Text: text, Attachments: attachments}}
}

// NewStatusBlock builds a status block with the given subtype.
func NewStatusBlock(subtype StatusSubtype) Block {
	return Block{Type: BlockStatus, Status: &StatusPayload{Subtype: subtype}}
}

// NewStreamDeltaBlock builds a stream_delta block.
func NewStreamDeltaBlock(text string) Block {
	return Block{Type: BlockStreamDelta, StreamDelta: &StreamDeltaPayload{Text: text}}
}

// EncodeBlocks serializes a block log for persistence on the task record.
func EncodeBlocks(blocks []Block) (string, error) {
	if len(blocks) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(blocks)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeBlocks deserializes a persisted block log. An empty string is
// treated as an empty log, not an error.
func DecodeBlocks(raw string) ([]Block, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var blocks []Block
	if err := json.Unmarshal([]byte(raw), &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}
