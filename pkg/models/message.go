package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type in a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// BlockType discriminates the variants of ContentBlock.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockThinking   BlockType = "thinking"
)

// ContentBlock is one tagged unit of message content. A Message's Content is
// an ordered list of blocks rather than a single string, so that a single
// assistant turn can mix prose, a tool invocation, and thinking output the
// way Anthropic and Gemini represent it on the wire. Exactly one of the
// type-specific fields is populated, selected by Type.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// Text holds the block text for BlockText and BlockThinking.
	Text string `json:"text,omitempty"`

	// Image holds inline image data for BlockImage.
	Image *ImageBlock `json:"image,omitempty"`

	// ToolUse holds a tool invocation request for BlockToolUse.
	ToolUse *ToolCall `json:"tool_use,omitempty"`

	// ToolResult holds a tool's output for BlockToolResult.
	ToolResult *ToolResult `json:"tool_result,omitempty"`

	// Signature carries a provider-opaque thinking signature (Anthropic),
	// preserved and replayed verbatim on the next turn when present.
	Signature string `json:"signature,omitempty"`

	// CacheBreakpoint marks this block as a provider prompt-cache boundary.
	// Only meaningful to adapters that support explicit cache control.
	CacheBreakpoint bool `json:"cache_breakpoint,omitempty"`
}

// Text is a convenience constructor for a text content block.
func Text(s string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: s}
}

// Thinking is a convenience constructor for a thinking content block.
func Thinking(s, signature string) ContentBlock {
	return ContentBlock{Type: BlockThinking, Text: s, Signature: signature}
}

// ToolUseBlock is a convenience constructor for a tool_use content block.
func ToolUseBlock(call ToolCall) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ToolUse: &call}
}

// ToolResultBlock is a convenience constructor for a tool_result content block.
func ToolResultBlock(result ToolResult) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolResult: &result}
}

// ImageBlock carries inline image bytes or a reference URL for vision-capable
// models.
type ImageBlock struct {
	MimeType string `json:"mime_type,omitempty"`
	Data     []byte `json:"data,omitempty"`
	URL      string `json:"url,omitempty"`
}

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the output of a tool execution, addressed back to
// the tool_use block that requested it by ToolCallID.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Message is one turn of a conversation. Content is an ordered list of
// blocks; FirstText and ConcatText are convenience accessors for the common
// case of a plain text turn.
type Message struct {
	ID        string         `json:"id,omitempty"`
	Role      Role           `json:"role"`
	Content   []ContentBlock `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at,omitempty"`
}

// NewTextMessage builds a single-block text message.
func NewTextMessage(role Role, text string) Message {
	return Message{Role: role, Content: []ContentBlock{Text(text)}}
}

// FirstText returns the text of the first text block, or "" if none.
func (m Message) FirstText() string {
	for _, b := range m.Content {
		if b.Type == BlockText {
			return b.Text
		}
	}
	return ""
}

// ConcatText joins every text block's content with no separator, which is
// the shape most providers expect when flattening a message to plain text.
func (m Message) ConcatText() string {
	var out string
	for _, b := range m.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolUses returns every tool_use block in the message, in order.
func (m Message) ToolUses() []ToolCall {
	var calls []ToolCall
	for _, b := range m.Content {
		if b.Type == BlockToolUse && b.ToolUse != nil {
			calls = append(calls, *b.ToolUse)
		}
	}
	return calls
}

// ToolResults returns every tool_result block in the message, in order.
func (m Message) ToolResults() []ToolResult {
	var results []ToolResult
	for _, b := range m.Content {
		if b.Type == BlockToolResult && b.ToolResult != nil {
			results = append(results, *b.ToolResult)
		}
	}
	return results
}

// IsEmpty reports whether the message carries no content blocks at all, or
// only blank text blocks - the shape the sanitizer drops from assistant
// turns before they reach a provider.
func (m Message) IsEmpty() bool {
	for _, b := range m.Content {
		switch b.Type {
		case BlockText:
			if b.Text != "" {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Session identifies a conversation the dispatcher is operating over. It is
// a reference-implementation concern (on-disk session persistence is out of
// scope) kept here only as the addressing key the sanitizer, cache, and
// cost meter key their per-conversation state on.
type Session struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id,omitempty"`
	Title     string         `json:"title,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Agent represents a configured AI agent: its default model, provider,
// system prompt, and tool allowlist.
type Agent struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	Model        string         `json:"model"`
	Provider     string         `json:"provider"`
	Tools        []string       `json:"tools,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}
