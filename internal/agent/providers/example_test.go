package providers_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/agent/providers"
	"github.com/haasonsaas/nexus/pkg/models"
)

// weatherTool is a minimal agent.Tool used by the examples below.
type weatherTool struct{}

func (weatherTool) Name() string        { return "get_weather" }
func (weatherTool) Description() string { return "Get the current weather for a given city" }
func (weatherTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}`)
}
func (weatherTool) Execute(_ context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		City string `json:"city"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return &agent.ToolResult{Content: "invalid input", IsError: true}, nil
	}
	return &agent.ToolResult{Content: fmt.Sprintf("sunny in %s", input.City)}, nil
}

// Example_basicCompletion shows a single non-streaming completion request.
func Example_basicCompletion() {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return
	}
	provider, err := providers.NewOpenAIProvider(providers.OpenAIConfig{APIKey: apiKey})
	if err != nil {
		log.Fatal(err)
	}

	result, err := provider.Call(context.Background(), &agent.LLMCall{
		Model:     "gpt-4o-mini",
		System:    agent.SystemPrompt{Static: "You are a helpful assistant."},
		Messages:  []models.Message{models.NewTextMessage(models.RoleUser, "Say hello in 3 words")},
		MaxTokens: 50,
	})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(result.Text())
}

// Example_streaming shows consuming a streaming completion.
func Example_streaming() {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return
	}
	provider, err := providers.NewAnthropicProvider(providers.AnthropicConfig{APIKey: apiKey})
	if err != nil {
		log.Fatal(err)
	}

	events, err := provider.Stream(context.Background(), &agent.LLMCall{
		Model:     "claude-sonnet-4-20250514",
		Messages:  []models.Message{models.NewTextMessage(models.RoleUser, "Count to three")},
		MaxTokens: 100,
	})
	if err != nil {
		log.Fatal(err)
	}
	for ev := range events {
		switch ev.Type {
		case agent.EventTextDelta:
			fmt.Print(ev.TextDelta)
		case agent.EventError:
			log.Fatal(ev.Err)
		}
	}
}

// Example_tools shows registering a tool and handling a tool_use response.
func Example_tools() {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return
	}
	provider, err := providers.NewAnthropicProvider(providers.AnthropicConfig{APIKey: apiKey})
	if err != nil {
		log.Fatal(err)
	}

	registry := agent.NewToolRegistry()
	registry.Register(weatherTool{})

	result, err := provider.Call(context.Background(), &agent.LLMCall{
		Model:     "claude-sonnet-4-20250514",
		Messages:  []models.Message{models.NewTextMessage(models.RoleUser, "What's the weather in Boston?")},
		Tools:     registry.Schemas(),
		MaxTokens: 200,
	})
	if err != nil {
		log.Fatal(err)
	}
	for _, call := range result.ToolCalls() {
		fmt.Printf("tool call: %s(%s)\n", call.Name, call.Input)
	}
}
