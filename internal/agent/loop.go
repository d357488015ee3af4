package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/nexus/internal/overflow"
	"github.com/haasonsaas/nexus/pkg/models"
)

// ToolLoop drives the agentic tool-use cycle: call the model, execute any
// requested tools, feed the results back, and repeat until the model stops
// requesting tools or a safety bound trips. It holds no session or approval
// state of its own - the caller owns conversation persistence and passes in
// the full message history on each Run.
type ToolLoop struct {
	provider LLMProvider
	registry *ToolRegistry
	executor *ToolExecutor
	config   ToolLoopConfig
}

// NewToolLoop builds a tool loop around provider and registry. A zero-value
// config resolves every field to DefaultToolLoopConfig's value.
func NewToolLoop(provider LLMProvider, registry *ToolRegistry, config ToolLoopConfig) *ToolLoop {
	config = mergeToolLoopConfig(DefaultToolLoopConfig(), config)
	if registry == nil {
		registry = NewToolRegistry()
	}
	execConfig := ToolExecConfig{
		Concurrency:    config.ToolParallelism,
		PerToolTimeout: config.ToolTimeout,
		MaxAttempts:    config.ToolMaxAttempts,
		RetryBackoff:   config.ToolRetryBackoff,
	}
	return &ToolLoop{
		provider: provider,
		registry: registry,
		executor: NewToolExecutor(registry, execConfig),
		config:   config,
	}
}

// WithCallbacks returns a shallow copy of l with its OnToolEvent/OnStatus
// hooks replaced, leaving nil arguments untouched. The clone shares the
// underlying provider, registry, and executor, so it's cheap enough to
// build per request - e.g. a gateway wiring each session's own callbacks
// without mutating the shared loop other requests are using concurrently.
func (l *ToolLoop) WithCallbacks(onToolEvent func(*ToolLifecycleEvent), onStatus func(status, detail string)) *ToolLoop {
	clone := *l
	if onToolEvent != nil {
		clone.config.OnToolEvent = onToolEvent
	}
	if onStatus != nil {
		clone.config.OnStatus = onStatus
	}
	return &clone
}

// ToolLoopResult is what Run returns once the model produces a turn with no
// further tool calls, or a safety bound stops the loop early.
type ToolLoopResult struct {
	// Messages is the full updated history: call.Messages plus every
	// assistant and tool-result turn the loop appended.
	Messages []models.Message

	// FinalText is the text of the last assistant turn.
	FinalText string

	// Iterations is the number of model calls made.
	Iterations int

	// Usage sums token usage across every model call in this run.
	Usage Usage
}

// Run executes the tool loop for a single user turn. call.Messages must
// already include the new user message; the returned result's Messages
// includes it plus everything the loop appended.
func (l *ToolLoop) Run(ctx context.Context, call LLMCall) (*ToolLoopResult, error) {
	logger := l.config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	history := append([]models.Message(nil), call.Messages...)
	tools := call.Tools
	if tools == nil && l.registry != nil {
		tools = l.registry.Schemas()
	}

	var totalUsage Usage
	var signatures []string

	for iteration := 0; iteration < l.config.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return nil, &LoopError{Phase: PhaseStream, Iteration: iteration, Cause: ErrCancelled}
		}

		iterCall := call
		iterCall.Messages = history
		iterCall.Tools = tools
		iterCall.Stream = false

		if l.config.OnStatus != nil {
			l.config.OnStatus("thinking", fmt.Sprintf("iteration %d", iteration+1))
		}

		result, err := l.provider.Call(ctx, &iterCall)
		if err != nil && IsKind(err, KindTokenOverflow) {
			recovered, stats, recErr := overflow.Recover(history, l.config.ContextWindow, l.config.OverflowKeepPairs)
			if recErr == nil {
				logger.Info("recovered from token overflow",
					"iteration", iteration, "stage", stats.Stage, "pairs_dropped", stats.PairsDropped, "tokens_after", stats.TokensAfter)
				history = recovered
				iterCall.Messages = history
				result, err = l.provider.Call(ctx, &iterCall)
			}
		}
		if err != nil {
			return nil, &LoopError{Phase: PhaseStream, Iteration: iteration, Cause: err}
		}

		totalUsage.InputTokens += result.Usage.InputTokens
		totalUsage.OutputTokens += result.Usage.OutputTokens
		totalUsage.CacheWriteTokens += result.Usage.CacheWriteTokens
		totalUsage.CacheReadTokens += result.Usage.CacheReadTokens

		assistantMsg := models.Message{Role: models.RoleAssistant, Content: result.Content}
		history = append(history, assistantMsg)

		toolCalls := result.ToolCalls()
		if len(toolCalls) == 0 {
			if l.config.OnStatus != nil {
				l.config.OnStatus("done", "")
			}
			return &ToolLoopResult{
				Messages:   history,
				FinalText:  result.Text(),
				Iterations: iteration + 1,
				Usage:      totalUsage,
			}, nil
		}

		for _, tc := range toolCalls {
			signatures = append(signatures, toolSignature(tc))
		}
		if detectLoop(signatures, l.config.LoopDetectionWindow, l.config.LoopDetectionThreshold) {
			return nil, &LoopError{Phase: PhaseExecuteTools, Iteration: iteration, Cause: ErrLoopDetected}
		}

		if l.config.OnStatus != nil {
			l.config.OnStatus("executing_tools", fmt.Sprintf("%d call(s)", len(toolCalls)))
		}

		execResults := l.executor.ExecuteConcurrently(ctx, toolCalls, func(ev *ToolLifecycleEvent) {
			logger.Debug("tool lifecycle event",
				"type", ev.Type, "tool", ev.ToolName, "call_id", ev.ToolCallID, "attempt", ev.Attempt)
			if l.config.OnToolEvent != nil {
				l.config.OnToolEvent(ev)
			}
		})

		errorCount := 0
		resultBlocks := make([]models.ContentBlock, 0, len(execResults))
		for _, er := range execResults {
			guarded := l.config.ToolResultGuard.Apply(er.ToolCall.Name, er.Result)
			if guarded.IsError || strings.HasPrefix(guarded.Content, ErrorMarker()) {
				errorCount++
			}
			resultBlocks = append(resultBlocks, models.ToolResultBlock(guarded))
		}

		if errorCount >= l.config.CircuitBreakerThreshold {
			return nil, &LoopError{Phase: PhaseExecuteTools, Iteration: iteration, Cause: NewDispatchError(KindProviderSchema, call.Provider, fmt.Errorf("%d tool calls failed in one iteration", errorCount))}
		}

		history = append(history, models.Message{Role: models.RoleTool, Content: resultBlocks})
	}

	return nil, &LoopError{Phase: PhaseComplete, Iteration: l.config.MaxIterations, Cause: ErrIterationCap}
}

// toolSignature builds a stable fingerprint of a tool call's name and input
// so repeated identical calls are recognizable regardless of call ID.
func toolSignature(tc models.ToolCall) string {
	h := sha256.New()
	h.Write([]byte(tc.Name))
	h.Write([]byte{0})
	var normalized any
	if err := json.Unmarshal(tc.Input, &normalized); err == nil {
		if b, err := json.Marshal(normalized); err == nil {
			h.Write(b)
		}
	} else {
		h.Write(tc.Input)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// detectLoop reports whether any signature appears at least threshold times
// within the most recent window entries of signatures.
func detectLoop(signatures []string, window, threshold int) bool {
	if window <= 0 || threshold <= 0 {
		return false
	}
	start := 0
	if len(signatures) > window {
		start = len(signatures) - window
	}
	counts := make(map[string]int)
	for _, sig := range signatures[start:] {
		counts[sig]++
		if counts[sig] >= threshold {
			return true
		}
	}
	return false
}
