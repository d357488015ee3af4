package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// FailoverConfig configures the dispatcher's single-hop failover behavior
// and the per-provider circuit breaker that skips a provider known to be
// failing without waiting for it to time out again.
type FailoverConfig struct {
	// MaxRetries is the number of same-provider retry attempts before the
	// dispatcher gives up on that provider and considers failing over.
	MaxRetries int

	// RetryBackoff is the initial backoff between same-provider retries.
	RetryBackoff time.Duration

	// MaxRetryBackoff caps the exponential backoff.
	MaxRetryBackoff time.Duration

	// CircuitBreakerThreshold is the number of consecutive failures before
	// a provider is marked unavailable.
	CircuitBreakerThreshold int

	// CircuitBreakerTimeout is how long a provider stays unavailable after
	// its circuit opens.
	CircuitBreakerTimeout time.Duration
}

// DefaultFailoverConfig returns sensible defaults for failover.
func DefaultFailoverConfig() *FailoverConfig {
	return &FailoverConfig{
		MaxRetries:              2,
		RetryBackoff:            100 * time.Millisecond,
		MaxRetryBackoff:         5 * time.Second,
		CircuitBreakerThreshold: 3,
		CircuitBreakerTimeout:   30 * time.Second,
	}
}

// ProviderState tracks the health of a provider.
type ProviderState struct {
	Name          string
	Failures      int
	LastFailure   time.Time
	CircuitOpen   bool
	CircuitOpenAt time.Time
}

// IsAvailable returns true if the provider can accept requests.
func (s *ProviderState) IsAvailable(cfg *FailoverConfig) bool {
	if !s.CircuitOpen {
		return true
	}
	return time.Since(s.CircuitOpenAt) > cfg.CircuitBreakerTimeout
}

// FailoverOrchestrator wraps a primary provider and, per the dispatcher's
// single-hop failover invariant, at most one fallback. It never tries more
// than two providers for a single call.
type FailoverOrchestrator struct {
	primary  LLMProvider
	fallback LLMProvider
	config   *FailoverConfig

	mu      sync.Mutex
	states  map[string]*ProviderState
	metrics FailoverMetrics
}

// FailoverMetrics tracks failover statistics.
type FailoverMetrics struct {
	TotalRequests    int64
	TotalFailovers   int64
	TotalRetries     int64
	ProviderFailures map[string]int64
	CircuitBreaks    int64
}

// NewFailoverOrchestrator creates an orchestrator around a primary provider.
// Call SetFallback to register the single provider eligible for the
// dispatcher's one cross-provider hop.
func NewFailoverOrchestrator(primary LLMProvider, config *FailoverConfig) *FailoverOrchestrator {
	if config == nil {
		config = DefaultFailoverConfig()
	}
	return &FailoverOrchestrator{
		primary: primary,
		config:  config,
		states:  make(map[string]*ProviderState),
		metrics: FailoverMetrics{ProviderFailures: make(map[string]int64)},
	}
}

// SetFallback registers the one provider the dispatcher may fail over to.
// A second call replaces the previous fallback - the orchestrator never
// holds more than a primary and a single fallback.
func (o *FailoverOrchestrator) SetFallback(p LLMProvider) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fallback = p
}

// Call dispatches req to the primary provider, retrying per MaxRetries, and
// - if the error is failover-eligible and a fallback is registered - makes
// exactly one attempt against the fallback. It never hops more than once.
func (o *FailoverOrchestrator) Call(ctx context.Context, call *LLMCall) (*LLMResult, error) {
	o.mu.Lock()
	o.metrics.TotalRequests++
	primary, fallback := o.primary, o.fallback
	o.mu.Unlock()

	state := o.getOrCreateState(primary.Name())
	var lastErr error

	if state.IsAvailable(o.config) {
		result, err := o.tryProvider(ctx, primary, call)
		if err == nil {
			o.recordSuccess(primary.Name())
			return result, nil
		}
		lastErr = err
		o.recordFailure(primary.Name(), err)
	} else {
		lastErr = NewDispatchError(KindOverloaded, primary.Name(), nil)
	}

	if fallback == nil || !shouldProviderFailover(lastErr) {
		return nil, lastErr
	}

	fbState := o.getOrCreateState(fallback.Name())
	if !fbState.IsAvailable(o.config) {
		return nil, lastErr
	}

	o.mu.Lock()
	o.metrics.TotalFailovers++
	o.mu.Unlock()

	result, err := o.tryProvider(ctx, fallback, call)
	if err != nil {
		o.recordFailure(fallback.Name(), err)
		return nil, err
	}
	o.recordSuccess(fallback.Name())
	return result, nil
}

// tryProvider attempts a call with same-provider retries on retryable
// errors only; non-retryable errors return immediately so the caller can
// decide whether to fail over.
func (o *FailoverOrchestrator) tryProvider(ctx context.Context, provider LLMProvider, call *LLMCall) (*LLMResult, error) {
	var lastErr error
	backoff := o.config.RetryBackoff

	for attempt := 0; attempt <= o.config.MaxRetries; attempt++ {
		result, err := provider.Call(ctx, call)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !isProviderRetryable(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt >= o.config.MaxRetries {
			break
		}

		o.mu.Lock()
		o.metrics.TotalRetries++
		o.mu.Unlock()

		select {
		case <-time.After(backoff):
			backoff *= 2
			if backoff > o.config.MaxRetryBackoff {
				backoff = o.config.MaxRetryBackoff
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, lastErr
}

// isProviderRetryable reports whether the same provider is worth trying
// again before considering a failover hop.
func isProviderRetryable(err error) bool {
	return IsRetryableKind(classifyDispatchKind(err))
}

// shouldProviderFailover reports whether err warrants trying the fallback
// provider rather than surfacing immediately.
func shouldProviderFailover(err error) bool {
	return IsFailoverEligible(classifyDispatchKind(err))
}

// classifyDispatchKind maps a raw provider error to a DispatchErrorKind by
// inspecting the wrapped *DispatchError first, falling back to substring
// classification of the error text for adapters that haven't wrapped it yet.
func classifyDispatchKind(err error) DispatchErrorKind {
	if err == nil {
		return ""
	}
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Kind
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded"):
		return KindTimeout
	case strings.Contains(errStr, "rate limit") || strings.Contains(errStr, "429"):
		return KindRateLimit
	case strings.Contains(errStr, "overloaded") || strings.Contains(errStr, "529"):
		return KindOverloaded
	case strings.Contains(errStr, "unauthorized") || strings.Contains(errStr, "invalid api key") ||
		strings.Contains(errStr, "authentication") || strings.Contains(errStr, "401") || strings.Contains(errStr, "403"):
		return KindAuth
	case strings.Contains(errStr, "context window") || strings.Contains(errStr, "too many tokens") ||
		strings.Contains(errStr, "maximum context length"):
		return KindTokenOverflow
	case strings.Contains(errStr, "canceled") || strings.Contains(errStr, "cancelled"):
		return KindCancelled
	case strings.Contains(errStr, "internal server") || strings.Contains(errStr, "server error") ||
		strings.Contains(errStr, "500") || strings.Contains(errStr, "502") || strings.Contains(errStr, "503") || strings.Contains(errStr, "504"):
		return KindNetwork
	default:
		return KindProviderSchema
	}
}

// getOrCreateState returns the state for a provider.
func (o *FailoverOrchestrator) getOrCreateState(name string) *ProviderState {
	o.mu.Lock()
	defer o.mu.Unlock()

	if state, ok := o.states[name]; ok {
		return state
	}
	state := &ProviderState{Name: name}
	o.states[name] = state
	return state
}

// recordSuccess records a successful request.
func (o *FailoverOrchestrator) recordSuccess(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	state := o.states[name]
	if state == nil {
		return
	}
	state.Failures = 0
	state.CircuitOpen = false
}

// recordFailure records a failed request and trips the circuit breaker
// once failures reach the configured threshold.
func (o *FailoverOrchestrator) recordFailure(name string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	state := o.states[name]
	if state == nil {
		state = &ProviderState{Name: name}
		o.states[name] = state
	}

	state.Failures++
	state.LastFailure = time.Now()

	if state.Failures >= o.config.CircuitBreakerThreshold && !state.CircuitOpen {
		state.CircuitOpen = true
		state.CircuitOpenAt = time.Now()
		o.metrics.CircuitBreaks++
	}

	o.metrics.ProviderFailures[name]++
}

// Name implements LLMProvider.
func (o *FailoverOrchestrator) Name() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.primary == nil {
		return "failover"
	}
	return "failover:" + o.primary.Name()
}

// Stream implements LLMProvider. Streaming never fails over mid-stream -
// it is attempted against the primary only, matching the dispatcher's
// invariant that a failover hop happens before, not during, a response.
func (o *FailoverOrchestrator) Stream(ctx context.Context, call *LLMCall) (<-chan *StreamEvent, error) {
	return o.primary.Stream(ctx, call)
}

// Models implements LLMProvider.
func (o *FailoverOrchestrator) Models() []Model {
	o.mu.Lock()
	defer o.mu.Unlock()

	seen := make(map[string]bool)
	var all []Model
	for _, p := range []LLMProvider{o.primary, o.fallback} {
		if p == nil {
			continue
		}
		for _, m := range p.Models() {
			if !seen[m.ID] {
				seen[m.ID] = true
				all = append(all, m)
			}
		}
	}
	return all
}

// SupportsTools implements LLMProvider.
func (o *FailoverOrchestrator) SupportsTools() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range []LLMProvider{o.primary, o.fallback} {
		if p != nil && p.SupportsTools() {
			return true
		}
	}
	return false
}

// Metrics returns a snapshot of failover metrics.
func (o *FailoverOrchestrator) Metrics() FailoverMetrics {
	o.mu.Lock()
	defer o.mu.Unlock()

	failures := make(map[string]int64)
	for k, v := range o.metrics.ProviderFailures {
		failures[k] = v
	}
	return FailoverMetrics{
		TotalRequests:    o.metrics.TotalRequests,
		TotalFailovers:   o.metrics.TotalFailovers,
		TotalRetries:     o.metrics.TotalRetries,
		ProviderFailures: failures,
		CircuitBreaks:    o.metrics.CircuitBreaks,
	}
}

// ProviderStates returns the current state of all providers.
func (o *FailoverOrchestrator) ProviderStates() []ProviderState {
	o.mu.Lock()
	defer o.mu.Unlock()

	states := make([]ProviderState, 0, len(o.states))
	for _, s := range o.states {
		states = append(states, *s)
	}
	return states
}

// ResetCircuitBreaker resets the circuit breaker for a provider.
func (o *FailoverOrchestrator) ResetCircuitBreaker(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if state, ok := o.states[name]; ok {
		state.Failures = 0
		state.CircuitOpen = false
	}
}

// ResetAllCircuitBreakers resets all circuit breakers.
func (o *FailoverOrchestrator) ResetAllCircuitBreakers() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, state := range o.states {
		state.Failures = 0
		state.CircuitOpen = false
	}
}
