package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/haasonsaas/nexus/pkg/models"
)

// scriptedProvider returns one canned LLMResult per call, in order.
type scriptedProvider struct {
	results []*LLMResult
	errs    []error
	calls   int
}

func (p *scriptedProvider) Call(ctx context.Context, call *LLMCall) (*LLMResult, error) {
	idx := p.calls
	p.calls++
	if idx < len(p.errs) && p.errs[idx] != nil {
		return nil, p.errs[idx]
	}
	if idx >= len(p.results) {
		return &LLMResult{Model: call.Model, Provider: "scripted", Content: []models.ContentBlock{models.Text("done")}}, nil
	}
	return p.results[idx], nil
}

func (p *scriptedProvider) Stream(ctx context.Context, call *LLMCall) (<-chan *StreamEvent, error) {
	return nil, errors.New("not implemented")
}

func (p *scriptedProvider) Name() string        { return "scripted" }
func (p *scriptedProvider) Models() []Model     { return nil }
func (p *scriptedProvider) SupportsTools() bool { return true }

// echoTool returns its input verbatim as its result content.
type echoTool struct{}

func (echoTool) Name() string            { return "echo" }
func (echoTool) Description() string     { return "echoes input" }
func (echoTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (echoTool) Execute(_ context.Context, params json.RawMessage) (*ToolResult, error) {
	return &ToolResult{Content: string(params)}, nil
}

// failTool always returns an error result.
type failTool struct{}

func (failTool) Name() string            { return "fail" }
func (failTool) Description() string     { return "always fails" }
func (failTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (failTool) Execute(_ context.Context, _ json.RawMessage) (*ToolResult, error) {
	return &ToolResult{Content: ErrorMarker() + " boom", IsError: true}, nil
}

func newUserCall(text string) LLMCall {
	return LLMCall{
		Provider: "scripted",
		Model:    "test-model",
		Messages: []models.Message{models.NewTextMessage(models.RoleUser, text)},
	}
}

func TestToolLoop_NoToolCallsReturnsImmediately(t *testing.T) {
	provider := &scriptedProvider{
		results: []*LLMResult{
			{Content: []models.ContentBlock{models.Text("hello there")}},
		},
	}
	loop := NewToolLoop(provider, NewToolRegistry(), DefaultToolLoopConfig())

	result, err := loop.Run(context.Background(), newUserCall("hi"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Iterations != 1 {
		t.Errorf("Iterations = %d, want 1", result.Iterations)
	}
	if result.FinalText != "hello there" {
		t.Errorf("FinalText = %q, want %q", result.FinalText, "hello there")
	}
	if len(result.Messages) != 2 {
		t.Errorf("Messages len = %d, want 2 (user + assistant)", len(result.Messages))
	}
}

func TestToolLoop_SingleToolRoundTrip(t *testing.T) {
	call := models.ToolCall{ID: "call_1", Name: "echo", Input: json.RawMessage(`{"x":1}`)}
	provider := &scriptedProvider{
		results: []*LLMResult{
			{Content: []models.ContentBlock{models.ToolUseBlock(call)}},
			{Content: []models.ContentBlock{models.Text("used the tool")}},
		},
	}
	registry := NewToolRegistry()
	registry.Register(echoTool{})
	loop := NewToolLoop(provider, registry, DefaultToolLoopConfig())

	result, err := loop.Run(context.Background(), newUserCall("echo please"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Iterations != 2 {
		t.Errorf("Iterations = %d, want 2", result.Iterations)
	}
	if result.FinalText != "used the tool" {
		t.Errorf("FinalText = %q", result.FinalText)
	}

	// user, assistant(tool_use), tool(tool_result), assistant(text)
	if len(result.Messages) != 4 {
		t.Fatalf("Messages len = %d, want 4", len(result.Messages))
	}
	toolMsg := result.Messages[2]
	if toolMsg.Role != models.RoleTool {
		t.Fatalf("Messages[2].Role = %v, want tool", toolMsg.Role)
	}
	results := toolMsg.ToolResults()
	if len(results) != 1 || results[0].ToolCallID != "call_1" {
		t.Errorf("tool result = %+v, want one result for call_1", results)
	}
}

func TestToolLoop_IterationCap(t *testing.T) {
	call := models.ToolCall{ID: "call_x", Name: "echo", Input: json.RawMessage(`{"n":1}`)}
	registry := NewToolRegistry()
	registry.Register(echoTool{})

	// Every call requests a *different* tool input so loop detection
	// doesn't trip before the iteration cap does.
	var results []*LLMResult
	for i := 0; i < 20; i++ {
		c := call
		c.Input = json.RawMessage(`{"n":` + itoa(i) + `}`)
		results = append(results, &LLMResult{Content: []models.ContentBlock{models.ToolUseBlock(c)}})
	}
	provider := &scriptedProvider{results: results}

	config := DefaultToolLoopConfig()
	config.MaxIterations = 3
	loop := NewToolLoop(provider, registry, config)

	_, err := loop.Run(context.Background(), newUserCall("loop forever"))
	if !IsKind(err.(*LoopError).Cause, KindIterationCap) {
		t.Fatalf("expected iteration cap error, got %v", err)
	}
}

func TestToolLoop_LoopDetection(t *testing.T) {
	call := models.ToolCall{ID: "call_1", Name: "echo", Input: json.RawMessage(`{"x":1}`)}
	registry := NewToolRegistry()
	registry.Register(echoTool{})

	var results []*LLMResult
	for i := 0; i < 10; i++ {
		results = append(results, &LLMResult{Content: []models.ContentBlock{models.ToolUseBlock(call)}})
	}
	provider := &scriptedProvider{results: results}

	config := DefaultToolLoopConfig()
	config.LoopDetectionWindow = 6
	config.LoopDetectionThreshold = 3
	loop := NewToolLoop(provider, registry, config)

	_, err := loop.Run(context.Background(), newUserCall("repeat"))
	var loopErr *LoopError
	if !errors.As(err, &loopErr) || !IsKind(loopErr.Cause, KindLoopDetected) {
		t.Fatalf("expected loop-detected error, got %v", err)
	}
}

func TestToolLoop_CircuitBreakerOnRepeatedToolErrors(t *testing.T) {
	calls := []models.ContentBlock{
		models.ToolUseBlock(models.ToolCall{ID: "1", Name: "fail", Input: json.RawMessage(`{}`)}),
		models.ToolUseBlock(models.ToolCall{ID: "2", Name: "fail", Input: json.RawMessage(`{}`)}),
		models.ToolUseBlock(models.ToolCall{ID: "3", Name: "fail", Input: json.RawMessage(`{}`)}),
	}
	registry := NewToolRegistry()
	registry.Register(failTool{})
	provider := &scriptedProvider{results: []*LLMResult{{Content: calls}}}

	config := DefaultToolLoopConfig()
	config.CircuitBreakerThreshold = 3
	loop := NewToolLoop(provider, registry, config)

	_, err := loop.Run(context.Background(), newUserCall("fail please"))
	var loopErr *LoopError
	if !errors.As(err, &loopErr) {
		t.Fatalf("expected LoopError, got %v", err)
	}
}

func TestToolLoop_ToolResultGuardRedactsOutput(t *testing.T) {
	call := models.ToolCall{ID: "call_1", Name: "echo", Input: json.RawMessage(`{"key":"secret=value_1234567890"}`)}
	provider := &scriptedProvider{
		results: []*LLMResult{
			{Content: []models.ContentBlock{models.ToolUseBlock(call)}},
			{Content: []models.ContentBlock{models.Text("ok")}},
		},
	}
	registry := NewToolRegistry()
	registry.Register(echoTool{})

	config := DefaultToolLoopConfig()
	config.ToolResultGuard = ToolResultGuard{SanitizeSecrets: true}
	loop := NewToolLoop(provider, registry, config)

	result, err := loop.Run(context.Background(), newUserCall("echo a secret"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	toolResults := result.Messages[2].ToolResults()
	if len(toolResults) != 1 {
		t.Fatalf("expected one tool result")
	}
	if toolResults[0].Content == string(call.Input) {
		t.Errorf("expected tool result content to be redacted, got %q", toolResults[0].Content)
	}
}

func TestToolLoop_ProviderErrorPropagates(t *testing.T) {
	provider := &scriptedProvider{errs: []error{NewDispatchError(KindAuth, "scripted", errors.New("bad key"))}}
	loop := NewToolLoop(provider, NewToolRegistry(), DefaultToolLoopConfig())

	_, err := loop.Run(context.Background(), newUserCall("hi"))
	var loopErr *LoopError
	if !errors.As(err, &loopErr) || !IsKind(loopErr.Cause, KindAuth) {
		t.Fatalf("expected wrapped auth error, got %v", err)
	}
}

func TestToolLoop_RetriesOnceAfterOverflowRecovery(t *testing.T) {
	history := make([]models.Message, 0, 20)
	for i := 0; i < 10; i++ {
		history = append(history,
			models.NewTextMessage(models.RoleUser, "padding to push the estimate over the window "+itoa(i)),
			models.NewTextMessage(models.RoleAssistant, "ack "+itoa(i)),
		)
	}

	provider := &scriptedProvider{
		errs: []error{NewDispatchError(KindTokenOverflow, "scripted", errors.New("prompt is too long"))},
		results: []*LLMResult{
			nil,
			{Model: "test-model", Provider: "scripted", Content: []models.ContentBlock{models.Text("done")}},
		},
	}
	config := DefaultToolLoopConfig()
	config.ContextWindow = 50
	config.OverflowKeepPairs = 1

	loop := NewToolLoop(provider, NewToolRegistry(), config)

	call := newUserCall("one more turn")
	call.Messages = append(history, call.Messages...)

	result, err := loop.Run(context.Background(), call)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.FinalText != "done" {
		t.Fatalf("FinalText = %q, want done", result.FinalText)
	}
	if provider.calls != 2 {
		t.Fatalf("expected exactly one retry after overflow recovery (2 calls total), got %d", provider.calls)
	}
}

func TestToolLoop_StatusAndToolCallbacksFire(t *testing.T) {
	call := models.ToolCall{ID: "call_1", Name: "echo", Input: json.RawMessage(`{"x":1}`)}
	provider := &scriptedProvider{
		results: []*LLMResult{
			{Content: []models.ContentBlock{models.ToolUseBlock(call)}},
			{Content: []models.ContentBlock{models.Text("used the tool")}},
		},
	}
	registry := NewToolRegistry()
	registry.Register(echoTool{})

	var statuses []string
	var toolEvents []string
	config := DefaultToolLoopConfig()
	config.OnStatus = func(status, detail string) { statuses = append(statuses, status) }
	config.OnToolEvent = func(ev *ToolLifecycleEvent) { toolEvents = append(toolEvents, string(ev.Type)) }

	loop := NewToolLoop(provider, registry, config)
	if _, err := loop.Run(context.Background(), newUserCall("echo please")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(statuses) < 3 {
		t.Fatalf("expected at least 3 status transitions (thinking, executing_tools, done), got %v", statuses)
	}
	if statuses[0] != "thinking" || statuses[len(statuses)-1] != "done" {
		t.Errorf("statuses = %v, want to start with thinking and end with done", statuses)
	}
	if len(toolEvents) == 0 {
		t.Errorf("expected at least one tool lifecycle event, got none")
	}
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}
