// Package providers contains LLM provider implementations.
package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/agent/toolconv"
	"github.com/haasonsaas/nexus/pkg/models"
	openai "github.com/sashabaranov/go-openai"
)

// OllamaConfig configures the Ollama provider.
type OllamaConfig struct {
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
}

// OllamaProvider implements agent.LLMProvider for a local Ollama server.
// Ollama's /api/chat is stream-only, so Call drains a Stream call rather
// than hitting a separate non-streaming endpoint.
type OllamaProvider struct {
	client       *http.Client
	baseURL      string
	defaultModel string
}

var _ agent.LLMProvider = (*OllamaProvider)(nil)

// NewOllamaProvider creates a new Ollama provider.
func NewOllamaProvider(cfg OllamaConfig) *OllamaProvider {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &OllamaProvider{
		client:       &http.Client{Timeout: timeout},
		baseURL:      baseURL,
		defaultModel: strings.TrimSpace(cfg.DefaultModel),
	}
}

// Name implements agent.LLMProvider.
func (p *OllamaProvider) Name() string { return "ollama" }

// Models implements agent.LLMProvider, returning the default model only
// when configured - Ollama has no catalogue endpoint this adapter queries.
func (p *OllamaProvider) Models() []agent.Model {
	if p.defaultModel == "" {
		return nil
	}
	return []agent.Model{{ID: p.defaultModel, Name: p.defaultModel}}
}

// SupportsTools implements agent.LLMProvider.
func (p *OllamaProvider) SupportsTools() bool { return true }

// Call implements agent.LLMProvider by draining a single Stream call and
// assembling the final result.
func (p *OllamaProvider) Call(ctx context.Context, call *agent.LLMCall) (*agent.LLMResult, error) {
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
	return nil, agent.NewDispatchError(agent.KindNetwork, "ollama", errors.New("stream closed without a result"))
}

// Stream implements agent.LLMProvider.
func (p *OllamaProvider) Stream(ctx context.Context, call *agent.LLMCall) (<-chan *agent.StreamEvent, error) {
	model := p.getModel(call.Model)
	if model == "" {
		return nil, agent.NewDispatchError(agent.KindProviderSchema, "ollama", errors.New("model is required"))
	}

	payload := ollamaChatRequest{
		Model:    model,
		Stream:   true,
		Messages: buildOllamaMessages(call),
	}
	if len(call.Tools) > 0 {
		payload.Tools = toolconv.ToOpenAITools(call.Tools)
	}
	if call.MaxTokens > 0 {
		payload.Options = map[string]any{"num_predict": call.MaxTokens}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, agent.NewDispatchError(agent.KindProviderSchema, "ollama", fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, agent.NewDispatchError(agent.KindNetwork, "ollama", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, agent.NewDispatchError(agent.KindNetwork, "ollama", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		if readErr != nil {
			return nil, agent.NewDispatchError(dispatchKindForStatus(resp.StatusCode), "ollama",
				fmt.Errorf("ollama status %d (read body failed: %w)", resp.StatusCode, readErr))
		}
		return nil, agent.NewDispatchError(dispatchKindForStatus(resp.StatusCode), "ollama",
			fmt.Errorf("ollama status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody))))
	}

	events := make(chan *agent.StreamEvent, 16)
	go p.streamResponse(ctx, resp.Body, events, model)
	return events, nil
}

func (p *OllamaProvider) streamResponse(ctx context.Context, body io.ReadCloser, events chan<- *agent.StreamEvent, model string) {
	defer close(events)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 1024*64)
	scanner.Buffer(buf, 1024*1024)

	assembled := &agent.LLMResult{Model: model, Provider: "ollama"}
	var textBuf strings.Builder
	emitted := map[string]struct{}{}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			events <- &agent.StreamEvent{Type: agent.EventError, Err: agent.NewDispatchError(agent.KindCancelled, "ollama", ctx.Err())}
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var resp ollamaChatResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			events <- &agent.StreamEvent{Type: agent.EventError, Err: agent.NewDispatchError(agent.KindProviderSchema, "ollama", fmt.Errorf("decode response: %w", err))}
			return
		}
		if resp.Error != "" {
			events <- &agent.StreamEvent{Type: agent.EventError, Err: agent.NewDispatchError(dispatchKindForText(resp.Error), "ollama", errors.New(resp.Error))}
			return
		}
		if resp.Message != nil {
			if resp.Message.Content != "" {
				textBuf.WriteString(resp.Message.Content)
				events <- &agent.StreamEvent{Type: agent.EventTextDelta, TextDelta: resp.Message.Content}
			}
			for _, tc := range resp.Message.ToolCalls {
				callID := strings.TrimSpace(tc.ID)
				if callID == "" {
					callID = toolCallKey(tc)
					if callID == "" {
						callID = uuid.NewString()
					}
				}
				if _, ok := emitted[callID]; ok {
					continue
				}
				emitted[callID] = struct{}{}

				input := tc.Function.Arguments
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				name := strings.TrimSpace(tc.Function.Name)
				assembled.Content = append(assembled.Content, models.ToolUseBlock(models.ToolCall{ID: callID, Name: name, Input: input}))
				events <- &agent.StreamEvent{Type: agent.EventToolUseStart, ToolUseID: callID, ToolUseName: name}
				events <- &agent.StreamEvent{Type: agent.EventToolUseDelta, ToolUseID: callID, ToolUseDelta: string(input)}
				events <- &agent.StreamEvent{Type: agent.EventToolUseEnd, ToolUseID: callID, ToolUseInput: input}
			}
		}
		if resp.Done {
			assembled.Usage = agent.Usage{InputTokens: resp.PromptEvalCount, OutputTokens: resp.EvalCount}
			if textBuf.Len() > 0 {
				assembled.Content = append([]models.ContentBlock{models.Text(textBuf.String())}, assembled.Content...)
			}
			events <- &agent.StreamEvent{Type: agent.EventMessageEnd, Result: assembled}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		events <- &agent.StreamEvent{Type: agent.EventError, Err: agent.NewDispatchError(agent.KindNetwork, "ollama", err)}
	}
}

func (p *OllamaProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Tools    []openai.Tool       `json:"tools,omitempty"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaChatResponse struct {
	Message         *ollamaChatMessage `json:"message"`
	Done            bool               `json:"done"`
	Error           string             `json:"error"`
	EvalCount       int                `json:"eval_count"`
	PromptEvalCount int                `json:"prompt_eval_count"`
}

type ollamaToolCall struct {
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func buildOllamaMessages(call *agent.LLMCall) []ollamaChatMessage {
	messages := make([]ollamaChatMessage, 0, len(call.Messages)+1)

	toolNames := map[string]string{}
	for _, msg := range call.Messages {
		for _, tc := range msg.ToolUses() {
			toolNames[tc.ID] = tc.Name
		}
	}

	if system := strings.TrimSpace(call.System.Static + "\n" + call.System.Dynamic); system != "" {
		messages = append(messages, ollamaChatMessage{Role: "system", Content: system})
	}

	for _, msg := range call.Messages {
		switch msg.Role {
		case models.RoleSystem:
			continue

		case models.RoleAssistant:
			ollamaMsg := ollamaChatMessage{Role: "assistant", Content: msg.ConcatText()}
			for _, tc := range msg.ToolUses() {
				args := tc.Input
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				ollamaMsg.ToolCalls = append(ollamaMsg.ToolCalls, ollamaToolCall{
					ID:       tc.ID,
					Type:     "function",
					Function: ollamaToolFunction{Name: tc.Name, Arguments: args},
				})
			}
			messages = append(messages, ollamaMsg)

		case models.RoleTool:
			for _, tr := range msg.ToolResults() {
				messages = append(messages, ollamaChatMessage{
					Role:     "tool",
					Content:  tr.Content,
					ToolName: toolNames[tr.ToolCallID],
				})
			}

		default:
			messages = append(messages, ollamaChatMessage{Role: "user", Content: msg.ConcatText()})
		}
	}
	return messages
}

func toolCallKey(tc ollamaToolCall) string {
	if strings.TrimSpace(tc.ID) != "" {
		return strings.TrimSpace(tc.ID)
	}
	name := strings.TrimSpace(tc.Function.Name)
	args := strings.TrimSpace(string(tc.Function.Arguments))
	if name == "" && args == "" {
		return ""
	}
	return name + ":" + args
}
