package providers

import (
	"context"
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

// OpenRouterProvider implements agent.LLMProvider against OpenRouter's
// aggregator API, which is wire-compatible with OpenAI's chat completions
// endpoint. Model IDs use OpenRouter's "provider/model" format (e.g.
// "anthropic/claude-3-opus").
//
// OpenRouterProvider is safe for concurrent use.
type OpenRouterProvider struct {
	client *openai.Client

	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
	appName      string
	siteURL      string
}

// OpenRouterConfig holds configuration for NewOpenRouterProvider.
type OpenRouterConfig struct {
	APIKey string
	// BaseURL overrides the default https://openrouter.ai/api/v1 endpoint;
	// tests point this at an httptest server.
	BaseURL      string
	DefaultModel string
	AppName      string
	SiteURL      string
	MaxRetries   int
	RetryDelay   time.Duration
}

// NewOpenRouterProvider builds an OpenRouterProvider. APIKey is required;
// all other fields default (MaxRetries 3, RetryDelay 1s, DefaultModel
// openai/gpt-4o).
func NewOpenRouterProvider(config OpenRouterConfig) (*OpenRouterProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("openrouter: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "openai/gpt-4o"
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	clientConfig.BaseURL = "https://openrouter.ai/api/v1"
	if strings.TrimSpace(config.BaseURL) != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &OpenRouterProvider{
		client:       openai.NewClientWithConfig(clientConfig),
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
		defaultModel: config.DefaultModel,
		appName:      config.AppName,
		siteURL:      config.SiteURL,
	}, nil
}

// Name implements agent.LLMProvider.
func (p *OpenRouterProvider) Name() string { return "openrouter" }

// Models implements agent.LLMProvider, returning a curated slice of
// OpenRouter's 200+ catalogue entries spanning several upstream providers.
func (p *OpenRouterProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "openai/gpt-4o", Name: "GPT-4o", ContextSize: 128000, SupportsVision: true},
		{ID: "openai/gpt-4-turbo", Name: "GPT-4 Turbo", ContextSize: 128000, SupportsVision: true},
		{ID: "anthropic/claude-3-opus", Name: "Claude 3 Opus", ContextSize: 200000, SupportsVision: true},
		{ID: "anthropic/claude-3-sonnet", Name: "Claude 3 Sonnet", ContextSize: 200000, SupportsVision: true},
		{ID: "google/gemini-pro", Name: "Gemini Pro", ContextSize: 32000, SupportsVision: false},
		{ID: "meta-llama/llama-3-70b-instruct", Name: "Llama 3 70B", ContextSize: 8192, SupportsVision: false},
		{ID: "mistralai/mixtral-8x7b-instruct", Name: "Mixtral 8x7B", ContextSize: 32768, SupportsVision: false},
	}
}

// SupportsTools implements agent.LLMProvider. OpenRouter passes tool support
// through from the underlying routed model.
func (p *OpenRouterProvider) SupportsTools() bool { return true }

// Call implements agent.LLMProvider with a single non-streaming request,
// retried with exponential backoff on transient failures.
func (p *OpenRouterProvider) Call(ctx context.Context, call *agent.LLMCall) (*agent.LLMResult, error) {
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
			return nil, agent.NewDispatchError(agent.KindCancelled, "openrouter", ctx.Err())
		case <-time.After(backoff):
			backoff = time.Duration(math.Min(float64(backoff*2), float64(30*time.Second)))
		}
	}
	if err != nil {
		return nil, p.wrapError(err, p.getModel(call.Model))
	}

	return openrouterResponseToResult(resp, p.getModel(call.Model)), nil
}

// Stream implements agent.LLMProvider.
func (p *OpenRouterProvider) Stream(ctx context.Context, call *agent.LLMCall) (<-chan *agent.StreamEvent, error) {
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

func (p *OpenRouterProvider) buildRequest(call *agent.LLMCall, stream bool) (openai.ChatCompletionRequest, error) {
	messages, err := convertOpenAIMessages(call.Messages, call.System)
	if err != nil {
		return openai.ChatCompletionRequest{}, fmt.Errorf("openrouter: failed to convert messages: %w", err)
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

	return req, nil
}

func openrouterResponseToResult(resp openai.ChatCompletionResponse, model string) *agent.LLMResult {
	result := &agent.LLMResult{
		Model:    model,
		Provider: "openrouter",
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

func (p *OpenRouterProvider) processStream(stream *openai.ChatCompletionStream, events chan<- *agent.StreamEvent, model string) {
	toolCalls := make(map[int]*models.ToolCall)
	toolStarted := make(map[int]bool)
	var textBuf strings.Builder
	assembled := &agent.LLMResult{Model: model, Provider: "openrouter"}

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

func (p *OpenRouterProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

// wrapError classifies a raw go-openai SDK error (OpenRouter speaks the same
// wire error format) into an *agent.DispatchError.
func (p *OpenRouterProvider) wrapError(err error, model string) error {
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
		return agent.NewDispatchError(kind, "openrouter", err)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return agent.NewDispatchError(dispatchKindForStatus(reqErr.HTTPStatusCode), "openrouter", err)
	}

	return agent.NewDispatchError(dispatchKindForText(err.Error()), "openrouter", err)
}
