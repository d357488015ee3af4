// Package providers implements LLM provider integrations for the Nexus agent
// runtime.
//
// This file implements the Google/Gemini provider using the Google Gen AI Go
// SDK.
package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"strings"
	"time"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/agent/toolconv"
	"github.com/haasonsaas/nexus/pkg/models"
	"google.golang.org/genai"
)

// GoogleProvider implements agent.LLMProvider for Google's Gemini API.
// Gemini has no native tool_call/tool_result id scheme, so this adapter
// synthesizes one on output and resolves function-response names back from
// the in-flight message history on input.
//
// GoogleProvider is safe for concurrent use; each Call or Stream opens an
// independent request.
type GoogleProvider struct {
	client *genai.Client

	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// GoogleConfig holds configuration for NewGoogleProvider.
type GoogleConfig struct {
	APIKey       string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

// NewGoogleProvider builds a GoogleProvider. APIKey is required; all other
// fields default (MaxRetries 3, RetryDelay 1s, DefaultModel
// gemini-2.0-flash).
func NewGoogleProvider(config GoogleConfig) (*GoogleProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}

	return &GoogleProvider{
		client:       client,
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
		defaultModel: config.DefaultModel,
	}, nil
}

// Name implements agent.LLMProvider.
func (p *GoogleProvider) Name() string { return "google" }

// Models implements agent.LLMProvider.
func (p *GoogleProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash", ContextSize: 1000000, SupportsVision: true},
		{ID: "gemini-2.0-flash-lite", Name: "Gemini 2.0 Flash Lite", ContextSize: 1000000, SupportsVision: true},
		{ID: "gemini-1.5-pro", Name: "Gemini 1.5 Pro", ContextSize: 2000000, SupportsVision: true},
		{ID: "gemini-1.5-flash", Name: "Gemini 1.5 Flash", ContextSize: 1000000, SupportsVision: true},
	}
}

// SupportsTools implements agent.LLMProvider.
func (p *GoogleProvider) SupportsTools() bool { return true }

// Call implements agent.LLMProvider by draining a single-shot Stream and
// assembling the final result; Gemini's SDK has no distinct non-streaming
// call for this surface.
func (p *GoogleProvider) Call(ctx context.Context, call *agent.LLMCall) (*agent.LLMResult, error) {
	events, err := p.Stream(ctx, call)
	if err != nil {
		return nil, err
	}
	for ev := range events {
		switch ev.Type {
		case agent.EventMessageEnd:
			return ev.Result, nil
		case agent.EventError:
			return nil, ev.Err
		}
	}
	return nil, agent.NewDispatchError(agent.KindNetwork, "google", errors.New("stream closed without a result"))
}

// Stream implements agent.LLMProvider.
func (p *GoogleProvider) Stream(ctx context.Context, call *agent.LLMCall) (<-chan *agent.StreamEvent, error) {
	model := p.getModel(call.Model)
	contents, err := p.convertMessages(call.Messages)
	if err != nil {
		return nil, fmt.Errorf("google: failed to convert messages: %w", err)
	}
	config := p.buildConfig(call)

	events := make(chan *agent.StreamEvent, 16)
	go func() {
		defer close(events)

		backoff := p.retryDelay
		for attempt := 0; attempt <= p.maxRetries; attempt++ {
			streamIter := p.client.Models.GenerateContentStream(ctx, model, contents, config)
			assembled, streamErr := p.processStreamResponse(ctx, streamIter, events, model)
			if streamErr == nil {
				events <- &agent.StreamEvent{Type: agent.EventMessageEnd, Result: assembled}
				return
			}

			wrapped := p.wrapError(streamErr, model)
			if !isRetryableDispatchErr(wrapped) || attempt >= p.maxRetries {
				events <- &agent.StreamEvent{Type: agent.EventError, Err: wrapped}
				return
			}
			select {
			case <-ctx.Done():
				events <- &agent.StreamEvent{Type: agent.EventError, Err: agent.NewDispatchError(agent.KindCancelled, "google", ctx.Err())}
				return
			case <-time.After(backoff):
				backoff = time.Duration(math.Min(float64(backoff*2), float64(30*time.Second)))
			}
		}
	}()

	return events, nil
}

// processStreamResponse consumes the Gemini iterator, emits deltas as it
// goes, and returns the fully assembled result.
func (p *GoogleProvider) processStreamResponse(ctx context.Context, streamIter iter.Seq2[*genai.GenerateContentResponse, error], events chan<- *agent.StreamEvent, model string) (*agent.LLMResult, error) {
	assembled := &agent.LLMResult{Model: model, Provider: "google"}
	var textBuf strings.Builder
	toolIndex := 0

	for resp, err := range streamIter {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if err != nil {
			return nil, err
		}
		if resp == nil {
			continue
		}

		if resp.UsageMetadata != nil {
			assembled.Usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
			assembled.Usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		}

		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					textBuf.WriteString(part.Text)
					events <- &agent.StreamEvent{Type: agent.EventTextDelta, TextDelta: part.Text}
				}
				if part.FunctionCall != nil {
					argsJSON, marshalErr := json.Marshal(part.FunctionCall.Args)
					if marshalErr != nil {
						argsJSON = []byte("{}")
					}
					id := fmt.Sprintf("call_%s_%d", part.FunctionCall.Name, toolIndex)
					toolIndex++
					assembled.Content = append(assembled.Content, models.ToolUseBlock(models.ToolCall{
						ID: id, Name: part.FunctionCall.Name, Input: argsJSON,
					}))
					events <- &agent.StreamEvent{Type: agent.EventToolUseStart, ToolUseID: id, ToolUseName: part.FunctionCall.Name}
					events <- &agent.StreamEvent{Type: agent.EventToolUseDelta, ToolUseID: id, ToolUseDelta: string(argsJSON)}
					events <- &agent.StreamEvent{Type: agent.EventToolUseEnd, ToolUseID: id, ToolUseInput: argsJSON}
				}
			}
		}
	}

	if textBuf.Len() > 0 {
		assembled.Content = append([]models.ContentBlock{models.Text(textBuf.String())}, assembled.Content...)
	}
	return assembled, nil
}

// convertMessages converts message history to Gemini's Content format.
// Gemini has no native tool_call_id; function responses are matched to
// their call by name, resolved from the preceding assistant turn's tool_use
// blocks.
func (p *GoogleProvider) convertMessages(messages []models.Message) ([]*genai.Content, error) {
	toolNameByID := make(map[string]string)
	for _, msg := range messages {
		for _, tc := range msg.ToolUses() {
			toolNameByID[tc.ID] = tc.Name
		}
	}

	var result []*genai.Content
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		content := &genai.Content{}
		switch msg.Role {
		case models.RoleAssistant:
			content.Role = genai.RoleModel
		default:
			content.Role = genai.RoleUser
		}

		for _, block := range msg.Content {
			switch block.Type {
			case models.BlockText:
				if block.Text != "" {
					content.Parts = append(content.Parts, &genai.Part{Text: block.Text})
				}
			case models.BlockImage:
				if block.Image == nil {
					continue
				}
				part, err := p.convertImage(*block.Image)
				if err != nil {
					continue
				}
				content.Parts = append(content.Parts, part)
			case models.BlockToolUse:
				if block.ToolUse == nil {
					continue
				}
				var args map[string]any
				if err := json.Unmarshal(block.ToolUse.Input, &args); err != nil {
					args = make(map[string]any)
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{Name: block.ToolUse.Name, Args: args},
				})
			case models.BlockToolResult:
				if block.ToolResult == nil {
					continue
				}
				var response map[string]any
				if err := json.Unmarshal([]byte(block.ToolResult.Content), &response); err != nil {
					response = map[string]any{"result": block.ToolResult.Content, "error": block.ToolResult.IsError}
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionResponse: &genai.FunctionResponse{
						Name:     toolNameByID[block.ToolResult.ToolCallID],
						Response: response,
					},
				})
			}
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result, nil
}

func (p *GoogleProvider) convertImage(img models.ImageBlock) (*genai.Part, error) {
	if len(img.Data) > 0 {
		return &genai.Part{InlineData: &genai.Blob{Data: img.Data, MIMEType: img.MimeType}}, nil
	}
	if strings.HasPrefix(img.URL, "data:") {
		parts := strings.SplitN(img.URL, ",", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid data URL")
		}
		mimeType := strings.TrimSuffix(strings.TrimPrefix(parts[0], "data:"), ";base64")
		data, err := base64.StdEncoding.DecodeString(parts[1])
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 image: %w", err)
		}
		return &genai.Part{InlineData: &genai.Blob{Data: data, MIMEType: mimeType}}, nil
	}
	return &genai.Part{FileData: &genai.FileData{FileURI: img.URL, MIMEType: img.MimeType}}, nil
}

func (p *GoogleProvider) buildConfig(call *agent.LLMCall) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if !call.System.IsEmpty() {
		text := strings.TrimSpace(call.System.Static + "\n" + call.System.Dynamic)
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: text}}}
	}
	if call.MaxTokens > 0 {
		maxTokens := call.MaxTokens
		if maxTokens > math.MaxInt32 {
			maxTokens = math.MaxInt32
		}
		config.MaxOutputTokens = int32(maxTokens)
	}
	if len(call.Tools) > 0 {
		config.Tools = toolconv.ToGeminiTools(call.Tools)
	}

	return config
}

func (p *GoogleProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

// wrapError classifies a raw Gemini SDK error into an *agent.DispatchError.
// The SDK doesn't expose a structured status code on this surface, so
// classification runs off the error text.
func (p *GoogleProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	var de *agent.DispatchError
	if errors.As(err, &de) {
		return de
	}
	return agent.NewDispatchError(dispatchKindForText(err.Error()), "google", err)
}
