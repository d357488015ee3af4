// Package providers implements LLM provider integrations for the Nexus agent
// runtime. Each adapter implements agent.LLMProvider: a non-streaming Call
// and a streaming Stream over the provider-neutral LLMCall/LLMResult/
// StreamEvent shapes, so the dispatcher and tool loop never see
// provider-specific wire formats.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/agent/toolconv"
	"github.com/haasonsaas/nexus/pkg/models"
)

// AnthropicProvider implements agent.LLMProvider for Anthropic's Claude API.
// It handles message/tool conversion, prompt-cache breakpoints on the
// static half of the system prompt, extended-thinking budgets, and
// streaming SSE processing.
//
// AnthropicProvider is safe for concurrent use; each Call or Stream opens an
// independent request.
type AnthropicProvider struct {
	client anthropic.Client

	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// AnthropicConfig holds configuration for NewAnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

// NewAnthropicProvider builds an AnthropicProvider. APIKey is required; all
// other fields default (MaxRetries 3, RetryDelay 1s, DefaultModel
// claude-sonnet-4-20250514).
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}

	opts := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
		defaultModel: config.DefaultModel,
	}, nil
}

// Name implements agent.LLMProvider.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Models implements agent.LLMProvider.
func (p *AnthropicProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "claude-opus-4-20250514", Name: "Claude Opus 4", ContextSize: 200000, SupportsVision: true},
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", ContextSize: 200000, SupportsVision: true},
		{ID: "claude-3-5-sonnet-20241022", Name: "Claude 3.5 Sonnet", ContextSize: 200000, SupportsVision: true},
		{ID: "claude-3-haiku-20240307", Name: "Claude 3 Haiku", ContextSize: 200000, SupportsVision: true},
	}
}

// SupportsTools implements agent.LLMProvider.
func (p *AnthropicProvider) SupportsTools() bool { return true }

// Call implements agent.LLMProvider with a single non-streaming request,
// retried with exponential backoff on transient failures.
func (p *AnthropicProvider) Call(ctx context.Context, call *agent.LLMCall) (*agent.LLMResult, error) {
	params, err := p.buildParams(call)
	if err != nil {
		return nil, err
	}

	var message *anthropic.Message
	backoff := p.retryDelay
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		message, err = p.client.Messages.New(ctx, *params)
		if err == nil {
			break
		}
		wrapped := p.wrapError(err, p.getModel(call.Model))
		if !isRetryableDispatchErr(wrapped) || attempt >= p.maxRetries {
			return nil, wrapped
		}
		select {
		case <-ctx.Done():
			return nil, agent.NewDispatchError(agent.KindCancelled, "anthropic", ctx.Err())
		case <-time.After(backoff):
			backoff = time.Duration(math.Min(float64(backoff*2), float64(30*time.Second)))
		}
	}
	if err != nil {
		return nil, p.wrapError(err, p.getModel(call.Model))
	}

	return anthropicMessageToResult(message, p.getModel(call.Model)), nil
}

// Stream implements agent.LLMProvider.
func (p *AnthropicProvider) Stream(ctx context.Context, call *agent.LLMCall) (<-chan *agent.StreamEvent, error) {
	params, err := p.buildParams(call)
	if err != nil {
		return nil, err
	}

	events := make(chan *agent.StreamEvent, 16)
	model := p.getModel(call.Model)
	stream := p.client.Messages.NewStreaming(ctx, *params)

	go func() {
		defer close(events)
		p.processStream(stream, events, model)
	}()

	return events, nil
}

func (p *AnthropicProvider) buildParams(call *agent.LLMCall) (*anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(call.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	params := &anthropic.MessageNewParams{
		Model:     anthropic.Model(p.getModel(call.Model)),
		Messages:  messages,
		MaxTokens: int64(p.getMaxTokens(call.MaxTokens)),
	}

	if !call.System.IsEmpty() {
		var blocks []anthropic.TextBlockParam
		if call.System.Static != "" {
			block := anthropic.TextBlockParam{Type: "text", Text: call.System.Static}
			block.CacheControl = anthropic.NewCacheControlEphemeralParam()
			blocks = append(blocks, block)
		}
		if call.System.Dynamic != "" {
			blocks = append(blocks, anthropic.TextBlockParam{Type: "text", Text: call.System.Dynamic})
		}
		params.System = blocks
	}

	if len(call.Tools) > 0 {
		tools, err := toolconv.ToAnthropicTools(call.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}

	if budget, ok := agent.ThinkingBudgets[call.Thinking]; ok {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(budget))
	}

	return params, nil
}

func convertAnthropicMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		for _, block := range msg.Content {
			switch block.Type {
			case models.BlockText:
				if block.Text != "" {
					content = append(content, anthropic.NewTextBlock(block.Text))
				}
			case models.BlockThinking:
				// Thinking blocks are not replayed on input per Anthropic's
				// API contract; only the signature would be, and the SDK's
				// thinking-block param requires the full reasoning payload
				// which we don't retain verbatim.
			case models.BlockToolUse:
				if block.ToolUse == nil {
					continue
				}
				var input map[string]any
				if err := json.Unmarshal(block.ToolUse.Input, &input); err != nil {
					return nil, fmt.Errorf("invalid tool call input for %s: %w", block.ToolUse.Name, err)
				}
				content = append(content, anthropic.NewToolUseBlock(block.ToolUse.ID, input, block.ToolUse.Name))
			case models.BlockToolResult:
				if block.ToolResult == nil {
					continue
				}
				content = append(content, anthropic.NewToolResultBlock(
					block.ToolResult.ToolCallID, block.ToolResult.Content, block.ToolResult.IsError))
			}
		}

		if len(content) == 0 {
			continue
		}

		var message anthropic.MessageParam
		if msg.Role == models.RoleAssistant {
			message = anthropic.NewAssistantMessage(content...)
		} else {
			// User and tool-result turns both map to Anthropic's "user" role.
			message = anthropic.NewUserMessage(content...)
		}
		result = append(result, message)
	}

	return result, nil
}

func anthropicMessageToResult(message *anthropic.Message, model string) *agent.LLMResult {
	result := &agent.LLMResult{
		Model:    model,
		Provider: "anthropic",
		Usage: agent.Usage{
			InputTokens:      int(message.Usage.InputTokens),
			OutputTokens:     int(message.Usage.OutputTokens),
			CacheWriteTokens: int(message.Usage.CacheCreationInputTokens),
			CacheReadTokens:  int(message.Usage.CacheReadInputTokens),
		},
	}

	for _, block := range message.Content {
		switch block.Type {
		case "text":
			result.Content = append(result.Content, models.Text(block.Text))
		case "thinking":
			result.Content = append(result.Content, models.Thinking(block.Thinking, block.Signature))
		case "tool_use":
			input, _ := json.Marshal(block.Input)
			result.Content = append(result.Content, models.ToolUseBlock(models.ToolCall{
				ID: block.ID, Name: block.Name, Input: input,
			}))
		}
	}

	return result
}

// maxEmptyStreamEvents bounds consecutive empty SSE events before the stream
// is treated as malformed.
const maxEmptyStreamEvents = 300

func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], events chan<- *agent.StreamEvent, model string) {
	var currentToolID, currentToolName string
	var toolInput strings.Builder
	inTool := false
	emptyCount := 0

	assembled := &agent.LLMResult{Model: model, Provider: "anthropic"}
	var textBuf strings.Builder
	var thinkingBuf strings.Builder

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			assembled.Usage.InputTokens = int(ms.Message.Usage.InputTokens)
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				tu := block.AsToolUse()
				currentToolID, currentToolName = tu.ID, tu.Name
				toolInput.Reset()
				inTool = true
				events <- &agent.StreamEvent{Type: agent.EventToolUseStart, ToolUseID: currentToolID, ToolUseName: currentToolName}
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					textBuf.WriteString(delta.Text)
					events <- &agent.StreamEvent{Type: agent.EventTextDelta, TextDelta: delta.Text}
					processed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					thinkingBuf.WriteString(delta.Thinking)
					events <- &agent.StreamEvent{Type: agent.EventThinkingDelta, ThinkingDelta: delta.Thinking}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					toolInput.WriteString(delta.PartialJSON)
					events <- &agent.StreamEvent{Type: agent.EventToolUseDelta, ToolUseID: currentToolID, ToolUseDelta: delta.PartialJSON}
					processed = true
				}
			}

		case "content_block_stop":
			if inTool {
				input := json.RawMessage(toolInput.String())
				assembled.Content = append(assembled.Content, models.ToolUseBlock(models.ToolCall{
					ID: currentToolID, Name: currentToolName, Input: input,
				}))
				events <- &agent.StreamEvent{Type: agent.EventToolUseEnd, ToolUseID: currentToolID, ToolUseInput: input}
				inTool = false
				processed = true
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				assembled.Usage.OutputTokens = int(md.Usage.OutputTokens)
			}
			processed = true

		case "message_stop":
			if textBuf.Len() > 0 {
				assembled.Content = append([]models.ContentBlock{models.Text(textBuf.String())}, assembled.Content...)
			}
			events <- &agent.StreamEvent{Type: agent.EventMessageEnd, Result: assembled}
			return

		case "error":
			events <- &agent.StreamEvent{Type: agent.EventError, Err: p.wrapError(errors.New("anthropic stream error"), model)}
			return
		}

		if processed {
			emptyCount = 0
		} else {
			emptyCount++
			if emptyCount >= maxEmptyStreamEvents {
				events <- &agent.StreamEvent{Type: agent.EventError, Err: p.wrapError(
					fmt.Errorf("stream appears malformed: %d consecutive empty events", emptyCount), model)}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		events <- &agent.StreamEvent{Type: agent.EventError, Err: p.wrapError(err, model)}
	}
}

func (p *AnthropicProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func (p *AnthropicProvider) getMaxTokens(maxTokens int) int {
	if maxTokens <= 0 {
		return 4096
	}
	return maxTokens
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

// wrapError classifies a raw Anthropic SDK error into an *agent.DispatchError
// so the dispatcher's retry/failover policy can reason about it without
// knowing Anthropic's wire format.
func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	var de *agent.DispatchError
	if errors.As(err, &de) {
		return de
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		kind := dispatchKindForStatus(apiErr.StatusCode)

		raw := apiErr.RawJSON()
		if raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil && payload.Error.Type != "" {
				if k, ok := anthropicErrorCodeKind[payload.Error.Type]; ok {
					kind = k
				}
			}
		}
		return agent.NewDispatchError(kind, "anthropic", err)
	}

	return agent.NewDispatchError(dispatchKindForText(err.Error()), "anthropic", err)
}

var anthropicErrorCodeKind = map[string]agent.DispatchErrorKind{
	"rate_limit_error":     agent.KindRateLimit,
	"overloaded_error":     agent.KindOverloaded,
	"authentication_error": agent.KindAuth,
	"permission_error":     agent.KindAuth,
	"invalid_request_error": agent.KindProviderSchema,
}

func isRetryableDispatchErr(err error) bool {
	var de *agent.DispatchError
	if errors.As(err, &de) {
		return agent.IsRetryableKind(de.Kind)
	}
	return false
}
