package agent

import (
	"log/slog"
	"time"

	"github.com/haasonsaas/nexus/internal/overflow"
)

// ToolLoopConfig configures the agentic tool loop: iteration limits, tool
// execution concurrency, and the loop-detection / circuit-breaker windows.
type ToolLoopConfig struct {
	// MaxIterations caps tool-use iterations per turn. Default 12.
	MaxIterations int

	// ToolParallelism caps concurrent tool execution within one iteration.
	// Default 4.
	ToolParallelism int

	// ToolTimeout applies a default timeout to each tool call.
	ToolTimeout time.Duration

	// ToolMaxAttempts controls retry attempts for a single tool call.
	ToolMaxAttempts int

	// ToolRetryBackoff waits between tool retry attempts.
	ToolRetryBackoff time.Duration

	// LoopDetectionWindow is the size of the rolling tool-signature window.
	// Default 6.
	LoopDetectionWindow int

	// LoopDetectionThreshold is the repeat count within the window that
	// trips loop detection. Default 3.
	LoopDetectionThreshold int

	// CircuitBreakerThreshold is the number of error-sentinel-prefixed tool
	// results within the most recent iteration that trips the breaker.
	// Default 3.
	CircuitBreakerThreshold int

	// ToolResultGuard redacts tool results before they're appended to the
	// session history.
	ToolResultGuard ToolResultGuard

	// ContextWindow is the token budget overflow recovery prunes history
	// against when a call fails with KindTokenOverflow. Default 180000.
	ContextWindow int

	// OverflowKeepPairs is the minimum number of user/assistant(/tool)
	// pairs overflow recovery must never drop. Default overflow.DefaultKeepPairs.
	OverflowKeepPairs int

	// Logger receives runtime diagnostics.
	Logger *slog.Logger

	// OnToolEvent, when set, is invoked for every tool lifecycle event the
	// executor emits (start, completion, failure, timeout) - the on_tool_cb
	// hook of §6's external interface. It runs synchronously on the
	// goroutine executing the tool, so a slow callback delays that call.
	OnToolEvent func(*ToolLifecycleEvent)

	// OnStatus, when set, is invoked at status transitions (model call
	// started, tools executing, turn complete) - the on_status_cb hook of
	// §6's external interface.
	OnStatus func(status, detail string)
}

// DefaultToolLoopConfig returns the baseline tool loop configuration.
func DefaultToolLoopConfig() ToolLoopConfig {
	return ToolLoopConfig{
		MaxIterations:           12,
		ToolParallelism:         4,
		ToolTimeout:             30 * time.Second,
		ToolMaxAttempts:         1,
		LoopDetectionWindow:     6,
		LoopDetectionThreshold:  3,
		CircuitBreakerThreshold: 3,
		ContextWindow:           180000,
		OverflowKeepPairs:       overflow.DefaultKeepPairs,
		Logger:                  slog.Default(),
	}
}

func mergeToolLoopConfig(base, override ToolLoopConfig) ToolLoopConfig {
	merged := base
	if override.MaxIterations > 0 {
		merged.MaxIterations = override.MaxIterations
	}
	if override.ToolParallelism > 0 {
		merged.ToolParallelism = override.ToolParallelism
	}
	if override.ToolTimeout > 0 {
		merged.ToolTimeout = override.ToolTimeout
	}
	if override.ToolMaxAttempts > 0 {
		merged.ToolMaxAttempts = override.ToolMaxAttempts
	}
	if override.ToolRetryBackoff > 0 {
		merged.ToolRetryBackoff = override.ToolRetryBackoff
	}
	if override.LoopDetectionWindow > 0 {
		merged.LoopDetectionWindow = override.LoopDetectionWindow
	}
	if override.LoopDetectionThreshold > 0 {
		merged.LoopDetectionThreshold = override.LoopDetectionThreshold
	}
	if override.CircuitBreakerThreshold > 0 {
		merged.CircuitBreakerThreshold = override.CircuitBreakerThreshold
	}
	if override.ContextWindow > 0 {
		merged.ContextWindow = override.ContextWindow
	}
	if override.OverflowKeepPairs > 0 {
		merged.OverflowKeepPairs = override.OverflowKeepPairs
	}
	if override.ToolResultGuard.active() {
		merged.ToolResultGuard = override.ToolResultGuard
	}
	if override.Logger != nil {
		merged.Logger = override.Logger
	}
	if override.OnToolEvent != nil {
		merged.OnToolEvent = override.OnToolEvent
	}
	if override.OnStatus != nil {
		merged.OnStatus = override.OnStatus
	}
	return merged
}
