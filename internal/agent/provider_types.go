package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/nexus/pkg/models"
)

// LLMProvider is the interface every provider adapter implements: a
// non-streaming Call and a streaming Stream over the same unified request
// and event shapes, so the dispatcher and tool loop never see
// provider-specific wire formats.
//
// Implementations must be safe for concurrent use.
type LLMProvider interface {
	// Name returns the provider name used in model-id resolution
	// ("anthropic", "openai", "google", "xai", "openrouter", "ollama").
	Name() string

	// Call performs a single non-streaming completion.
	Call(ctx context.Context, call *LLMCall) (*LLMResult, error)

	// Stream performs a streaming completion. The returned channel is
	// closed after a terminal StreamEvent (message-end or error) has been
	// sent, or when ctx is cancelled.
	Stream(ctx context.Context, call *LLMCall) (<-chan *StreamEvent, error)

	// Models returns the provider's known model catalogue.
	Models() []Model

	// SupportsTools reports whether the provider can accept tool schemas.
	SupportsTools() bool
}

// SystemPrompt splits the system prompt into a static part (stable across
// calls in a session, eligible for a long-lived prompt cache) and a dynamic
// part (varies per turn, e.g. injected date/time or retrieved context).
// Adapters that support prompt caching tag the static block ephemeral and
// leave the dynamic block uncached.
type SystemPrompt struct {
	Static  string
	Dynamic string
}

// IsEmpty reports whether neither part carries any text.
func (s SystemPrompt) IsEmpty() bool {
	return s.Static == "" && s.Dynamic == ""
}

// ThinkingLevel selects an extended-thinking depth. The empty value disables
// thinking. Each adapter maps a level to a concrete token budget.
type ThinkingLevel string

const (
	ThinkingNone   ThinkingLevel = ""
	ThinkingLow    ThinkingLevel = "low"
	ThinkingMedium ThinkingLevel = "medium"
	ThinkingHigh   ThinkingLevel = "high"
	ThinkingXHigh  ThinkingLevel = "xhigh"
)

// ThinkingBudgets maps a thinking level to its token budget, per the fixed
// table every adapter that supports extended thinking must honor.
var ThinkingBudgets = map[ThinkingLevel]int{
	ThinkingLow:    4096,
	ThinkingMedium: 10000,
	ThinkingHigh:   16000,
	ThinkingXHigh:  32000,
}

// ToolSchema describes a single callable tool in provider-neutral form.
// Parameters is a JSON Schema object.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// LLMCall is the provider-neutral request passed to dispatch, sanitize, and
// every adapter. The Model field always carries a bare model id (no
// "provider/" prefix) by the time an adapter sees it; the dispatcher
// resolves and strips the provider qualifier earlier.
type LLMCall struct {
	// Provider is the resolved provider name (e.g. "anthropic").
	Provider string

	// Model is the bare model id for that provider.
	Model string

	// SessionID keys per-session state (cache fingerprints, cost
	// attribution); may be empty for stateless calls.
	SessionID string

	System   SystemPrompt
	Messages []models.Message
	Tools    []ToolSchema

	MaxTokens int
	Thinking  ThinkingLevel

	// Stream requests the streaming code path; Call ignores it.
	Stream bool
}

// Usage reports token accounting for a single call, including prompt-cache
// discounts where the provider offers them.
type Usage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	CacheWriteTokens int `json:"cache_write_tokens,omitempty"`
	CacheReadTokens  int `json:"cache_read_tokens,omitempty"`
}

// LLMResult is the provider-neutral response from a single call. Content
// carries the full ordered block list (text, thinking, tool_use) the
// assistant turn should be recorded with.
type LLMResult struct {
	// Model reflects the provider/model that actually answered - under
	// failover this may differ from the model requested.
	Model    string
	Provider string

	Content []models.ContentBlock
	Usage   Usage

	// Cached is true when this result was served from the response cache
	// without any provider I/O.
	Cached bool
}

// Text concatenates every text block in Content.
func (r *LLMResult) Text() string {
	var out string
	for _, b := range r.Content {
		if b.Type == models.BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolCalls returns every tool_use block in Content.
func (r *LLMResult) ToolCalls() []models.ToolCall {
	var calls []models.ToolCall
	for _, b := range r.Content {
		if b.Type == models.BlockToolUse && b.ToolUse != nil {
			calls = append(calls, *b.ToolUse)
		}
	}
	return calls
}

// HasToolCalls reports whether the result requested any tool execution.
func (r *LLMResult) HasToolCalls() bool {
	for _, b := range r.Content {
		if b.Type == models.BlockToolUse {
			return true
		}
	}
	return false
}

// StreamEventType discriminates StreamEvent.
type StreamEventType string

const (
	EventTextDelta     StreamEventType = "text-delta"
	EventThinkingDelta StreamEventType = "thinking-delta"
	EventToolUseStart  StreamEventType = "tool-use-start"
	EventToolUseDelta  StreamEventType = "tool-use-delta"
	EventToolUseEnd    StreamEventType = "tool-use-end"
	EventMessageEnd    StreamEventType = "message-end"
	EventError         StreamEventType = "error"
)

// StreamEvent is one unified event from an adapter's Stream. Exactly the
// fields relevant to Type are populated.
type StreamEvent struct {
	Type StreamEventType

	TextDelta     string
	ThinkingDelta string

	ToolUseID    string
	ToolUseName  string
	ToolUseDelta string // partial JSON fragment, concatenated across deltas
	ToolUseInput json.RawMessage

	// Result is populated on EventMessageEnd with the fully assembled
	// response, equivalent to what Call would have returned.
	Result *LLMResult

	// Err is populated on EventError; the stream is terminal after this.
	Err error
}

// Model describes an available LLM model and its capabilities.
type Model struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ContextSize    int    `json:"context_size"`
	SupportsVision bool   `json:"supports_vision"`
}

// Tool defines the interface for executable agent tools.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolResult contains the output from a tool execution. A leading U+274C
// rune in Content marks an error result for circuit-breaker accounting in
// the tool loop, mirroring IsError.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}
