package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/agent/toolconv"
	"github.com/haasonsaas/nexus/pkg/models"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider implements agent.LLMProvider for OpenAI's chat completions
// API. It maps ThinkingLevel onto the o-series ReasoningEffort parameter
// rather than a token budget, since OpenAI's reasoning models don't expose
// one.
//
// OpenAIProvider is safe for concurrent use.
type OpenAIProvider struct {
	client *openai.Client

	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// OpenAIConfig holds configuration for NewOpenAIProvider.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

// NewOpenAIProvider builds an OpenAIProvider. APIKey is required; all other
// fields default (MaxRetries 3, RetryDelay 1s, DefaultModel gpt-4o).
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gpt-4o"
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if strings.TrimSpace(config.BaseURL) != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	client := openai.NewClientWithConfig(clientConfig)
	return &OpenAIProvider{
		client:       client,
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
		defaultModel: config.DefaultModel,
	}, nil
}

// Name implements agent.LLMProvider.
func (p *OpenAIProvider) Name() string { return "openai" }

// Models implements agent.LLMProvider.
func (p *OpenAIProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "gpt-4o", Name: "GPT-4o", ContextSize: 128000, SupportsVision: true},
		{ID: "gpt-4o-mini", Name: "GPT-4o mini", ContextSize: 128000, SupportsVision: true},
		{ID: "o3-mini", Name: "OpenAI o3-mini", ContextSize: 200000, SupportsVision: false},
		{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", ContextSize: 128000, SupportsVision: true},
	}
}

// SupportsTools implements agent.LLMProvider.
func (p *OpenAIProvider) SupportsTools() bool { return true }

// Call implements agent.LLMProvider with a single non-streaming request,
// retried with exponential backoff on transient failures.
func (p *OpenAIProvider) Call(ctx context.Context, call *agent.LLMCall) (*agent.LLMResult, error) {
	req, err := p.buildRequest(call, false)
	if err != nil {
		return nil, err
	}

	var resp openai.ChatCompletionResponse
	backoff := p.retryDelay
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		resp, err = p.client.CreateChatCompletion(ctx, req)
		if err == nil {
			break
		}
		wrapped := p.wrapError(err, p.getModel(call.Model))
		if !isRetryableDispatchErr(wrapped) || attempt >= p.maxRetries {
			return nil, wrapped
		}
		select {
		case <-ctx.Done():
			return nil, agent.NewDispatchError(agent.KindCancelled, "openai", ctx.Err())
		case <-time.After(backoff):
			backoff = time.Duration(math.Min(float64(backoff*2), float64(30*time.Second)))
		}
	}
	if err != nil {
		return nil, p.wrapError(err, p.getModel(call.Model))
	}

	return openaiResponseToResult(resp, p.getModel(call.Model)), nil
}

// Stream implements agent.LLMProvider.
func (p *OpenAIProvider) Stream(ctx context.Context, call *agent.LLMCall) (<-chan *agent.StreamEvent, error) {
	req, err := p.buildRequest(call, true)
	if err != nil {
		return nil, err
	}

	model := p.getModel(call.Model)
	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, p.wrapError(err, model)
	}

	events := make(chan *agent.StreamEvent, 16)
	go func() {
		defer close(events)
		defer stream.Close()
		p.processStream(stream, events, model)
	}()

	return events, nil
}

func (p *OpenAIProvider) buildRequest(call *agent.LLMCall, stream bool) (openai.ChatCompletionRequest, error) {
	messages, err := convertOpenAIMessages(call.Messages, call.System)
	if err != nil {
		return openai.ChatCompletionRequest{}, fmt.Errorf("openai: failed to convert messages: %w", err)
	}

	req := openai.ChatCompletionRequest{
		Model:    p.getModel(call.Model),
		Messages: messages,
		Stream:   stream,
	}
	if call.MaxTokens > 0 {
		req.MaxTokens = call.MaxTokens
	}
	if len(call.Tools) > 0 {
		req.Tools = toolconv.ToOpenAITools(call.Tools)
	}
	if effort, ok := reasoningEffortForLevel[call.Thinking]; ok {
		req.ReasoningEffort = effort
	}

	return req, nil
}

// reasoningEffortForLevel maps the shared ThinkingLevel scale onto OpenAI's
// o-series reasoning_effort parameter, which has no token-budget
// equivalent.
var reasoningEffortForLevel = map[agent.ThinkingLevel]string{
	agent.ThinkingLow:    "low",
	agent.ThinkingMedium: "medium",
	agent.ThinkingHigh:   "high",
	agent.ThinkingXHigh:  "high",
}

func convertOpenAIMessages(messages []models.Message, system agent.SystemPrompt) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if !system.IsEmpty() {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: strings.TrimSpace(system.Static + "\n" + system.Dynamic),
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			continue

		case models.RoleTool:
			for _, tr := range msg.ToolResults() {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}

		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.ConcatText()}
			for _, tc := range msg.ToolUses() {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
			result = append(result, oaiMsg)

		default: // user
			parts := convertOpenAIContentParts(msg.Content)
			if len(parts) == 1 && parts[0].Type == openai.ChatMessagePartTypeText {
				result = append(result, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: parts[0].Text,
				})
				continue
			}
			result = append(result, openai.ChatCompletionMessage{
				Role:         openai.ChatMessageRoleUser,
				MultiContent: parts,
			})
		}
	}

	return result, nil
}

func convertOpenAIContentParts(blocks []models.ContentBlock) []openai.ChatMessagePart {
	var parts []openai.ChatMessagePart
	for _, block := range blocks {
		switch block.Type {
		case models.BlockText:
			if block.Text != "" {
				parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: block.Text})
			}
		case models.BlockImage:
			if block.Image == nil {
				continue
			}
			url := block.Image.URL
			if url == "" && len(block.Image.Data) > 0 {
				url = fmt.Sprintf("data:%s;base64,%s", block.Image.MimeType, base64.StdEncoding.EncodeToString(block.Image.Data))
			}
			if url == "" {
				continue
			}
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: url, Detail: openai.ImageURLDetailAuto},
			})
		}
	}
	return parts
}

func openaiResponseToResult(resp openai.ChatCompletionResponse, model string) *agent.LLMResult {
	result := &agent.LLMResult{
		Model:    model,
		Provider: "openai",
		Usage: agent.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if len(resp.Choices) == 0 {
		return result
	}

	choice := resp.Choices[0]
	if choice.Message.Content != "" {
		result.Content = append(result.Content, models.Text(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		result.Content = append(result.Content, models.ToolUseBlock(models.ToolCall{
			ID: tc.ID, Name: tc.Function.Name, Input: json.RawMessage(tc.Function.Arguments),
		}))
	}
	return result
}

func (p *OpenAIProvider) processStream(stream *openai.ChatCompletionStream, events chan<- *agent.StreamEvent, model string) {
	toolCalls := make(map[int]*models.ToolCall)
	toolStarted := make(map[int]bool)
	var textBuf strings.Builder
	assembled := &agent.LLMResult{Model: model, Provider: "openai"}

	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			events <- &agent.StreamEvent{Type: agent.EventError, Err: p.wrapError(err, model)}
			return
		}

		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta

		if delta.Content != "" {
			textBuf.WriteString(delta.Content)
			events <- &agent.StreamEvent{Type: agent.EventTextDelta, TextDelta: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &models.ToolCall{}
			}
			if tc.ID != "" {
				toolCalls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[index].Name = tc.Function.Name
			}
			if !toolStarted[index] && toolCalls[index].ID != "" && toolCalls[index].Name != "" {
				toolStarted[index] = true
				events <- &agent.StreamEvent{Type: agent.EventToolUseStart, ToolUseID: toolCalls[index].ID, ToolUseName: toolCalls[index].Name}
			}
			if tc.Function.Arguments != "" {
				toolCalls[index].Input = append(toolCalls[index].Input, []byte(tc.Function.Arguments)...)
				events <- &agent.StreamEvent{Type: agent.EventToolUseDelta, ToolUseID: toolCalls[index].ID, ToolUseDelta: tc.Function.Arguments}
			}
		}

		if resp.Usage != nil {
			assembled.Usage.InputTokens = resp.Usage.PromptTokens
			assembled.Usage.OutputTokens = resp.Usage.CompletionTokens
		}
	}

	if textBuf.Len() > 0 {
		assembled.Content = append(assembled.Content, models.Text(textBuf.String()))
	}
	for i := 0; i < len(toolCalls); i++ {
		tc, ok := toolCalls[i]
		if !ok || tc.ID == "" || tc.Name == "" {
			continue
		}
		assembled.Content = append(assembled.Content, models.ToolUseBlock(*tc))
		events <- &agent.StreamEvent{Type: agent.EventToolUseEnd, ToolUseID: tc.ID, ToolUseInput: tc.Input}
	}

	events <- &agent.StreamEvent{Type: agent.EventMessageEnd, Result: assembled}
}

func (p *OpenAIProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

// wrapError classifies a raw go-openai SDK error into an
// *agent.DispatchError so the dispatcher's retry/failover policy can reason
// about it without knowing OpenAI's wire format.
func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	var de *agent.DispatchError
	if errors.As(err, &de) {
		return de
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		kind := dispatchKindForStatus(apiErr.HTTPStatusCode)
		if apiErr.Code != nil {
			if code, ok := apiErr.Code.(string); ok {
				if k, ok := openaiErrorCodeKind[code]; ok {
					kind = k
				}
			}
		}
		return agent.NewDispatchError(kind, "openai", err)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return agent.NewDispatchError(dispatchKindForStatus(reqErr.HTTPStatusCode), "openai", err)
	}

	return agent.NewDispatchError(dispatchKindForText(err.Error()), "openai", err)
}

var openaiErrorCodeKind = map[string]agent.DispatchErrorKind{
	"rate_limit_exceeded":     agent.KindRateLimit,
	"insufficient_quota":      agent.KindCostCapExceeded,
	"invalid_api_key":         agent.KindAuth,
	"context_length_exceeded": agent.KindTokenOverflow,
	"model_not_found":         agent.KindProviderSchema,
}
