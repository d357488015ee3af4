package agent

import (
	"context"
	"strings"
	"time"

	"github.com/haasonsaas/nexus/internal/cache"
	"github.com/haasonsaas/nexus/internal/credentials"
	"github.com/haasonsaas/nexus/internal/sanitizer"
	"github.com/haasonsaas/nexus/internal/usage"
	"github.com/haasonsaas/nexus/pkg/models"
)

// Router is the subset of routing.Router the dispatcher needs: classify the
// turn and hand back the provider that should service it. Defined here
// (rather than importing routing.Router directly) to keep agent from
// depending on routing, since routing already depends on agent. A
// *routing.Router satisfies this via its RouteProvider method.
type Router interface {
	RouteProvider(ctx context.Context, call *LLMCall, contextDepth int) (LLMProvider, error)
}

// sanitizeTargets maps a provider name to the wire-family its shaping pass
// belongs to. Providers not listed default to the OpenAI-compatible shape,
// since every OpenAI-wire-compatible aggregator (xAI, OpenRouter, Ollama)
// lands there anyway.
var sanitizeTargets = map[string]sanitizer.Target{
	"anthropic": sanitizer.TargetAnthropic,
	"google":    sanitizer.TargetGoogle,
}

// failoverOrder is the dispatcher's small fixed ordering of providers
// eligible for the one cross-provider hop permitted after a terminal
// error, tried in this order for whichever ones have credentials
// configured and a registered adapter.
var failoverOrder = []string{"anthropic", "openai", "google", "openrouter"}

// DispatcherConfig configures a Dispatcher's ambient components. A zero
// value is usable: no cache, no cost cap, default fingerprint fan-out.
type DispatcherConfig struct {
	Cache           *cache.ResponseCache
	CostMeter       *usage.CostMeter
	Tracker         *usage.Tracker
	Metrics         *usage.MetricsSink
	Credentials     *credentials.Resolver
	CacheFanOut     int
	DefaultProvider string
}

// Dispatcher implements §4.7: it is the single choke point between the tool
// loop and the provider adapters, consolidating provider resolution,
// response caching, cost-cap enforcement, message sanitization, usage
// recording, and single-hop cross-provider failover. It implements
// LLMProvider itself, so a ToolLoop can use a Dispatcher exactly as it
// would a bare adapter.
type Dispatcher struct {
	router      Router
	providers   map[string]LLMProvider
	cache       *cache.ResponseCache
	costMeter   *usage.CostMeter
	tracker     *usage.Tracker
	metrics     *usage.MetricsSink
	credentials *credentials.Resolver
	cacheFanOut int
	defaultName string
}

// NewDispatcher builds a Dispatcher around router for provider selection
// and providers for the concrete adapters failover may hop to.
func NewDispatcher(router Router, providers map[string]LLMProvider, cfg DispatcherConfig) *Dispatcher {
	creds := cfg.Credentials
	if creds == nil {
		creds = credentials.NewResolver()
	}
	fanOut := cfg.CacheFanOut
	if fanOut <= 0 {
		fanOut = 6
	}
	return &Dispatcher{
		router:      router,
		providers:   providers,
		cache:       cfg.Cache,
		costMeter:   cfg.CostMeter,
		tracker:     cfg.Tracker,
		metrics:     cfg.Metrics,
		credentials: creds,
		cacheFanOut: fanOut,
		defaultName: strings.ToLower(strings.TrimSpace(cfg.DefaultProvider)),
	}
}

// Name implements LLMProvider.
func (d *Dispatcher) Name() string { return "dispatcher" }

// Models implements LLMProvider, returning the union of every registered
// adapter's catalogue.
func (d *Dispatcher) Models() []Model {
	seen := make(map[string]struct{})
	var all []Model
	for _, p := range d.providers {
		for _, m := range p.Models() {
			if _, ok := seen[m.ID]; ok {
				continue
			}
			seen[m.ID] = struct{}{}
			all = append(all, m)
		}
	}
	return all
}

// SupportsTools implements LLMProvider.
func (d *Dispatcher) SupportsTools() bool {
	for _, p := range d.providers {
		if p.SupportsTools() {
			return true
		}
	}
	return false
}

// Stream implements LLMProvider. Streaming bypasses the response cache and
// cross-provider failover - per §4.3/§4.7, a failover hop happens before a
// response starts, never mid-stream - but still resolves the provider,
// checks the cost cap, and sanitizes messages.
func (d *Dispatcher) Stream(ctx context.Context, call *LLMCall) (<-chan *StreamEvent, error) {
	provider, err := d.resolve(ctx, call)
	if err != nil {
		return nil, err
	}
	if err := d.checkCost(); err != nil {
		return nil, err
	}
	d.sanitizeForProvider(call, provider.Name())
	return provider.Stream(ctx, call)
}

// Call implements LLMProvider and is the dispatcher's main entry point: it
// resolves a provider through the router, serves a cached reply when one
// exists, checks the cost cap, sanitizes the history for the provider, and
// calls it once. A failover-eligible error gets at most one hop to a
// fallback provider; a failed call is not retried on the same provider.
func (d *Dispatcher) Call(ctx context.Context, call *LLMCall) (*LLMResult, error) {
	provider, err := d.resolve(ctx, call)
	if err != nil {
		return nil, err
	}

	if len(call.Tools) == 0 && d.cache != nil {
		fp := cache.Fingerprint(call.Model, call.Messages, d.cacheFanOut)
		if text, ok := d.cache.Get(fp); ok {
			return &LLMResult{
				Model:    call.Model,
				Provider: provider.Name(),
				Content:  []models.ContentBlock{models.Text(text)},
				Cached:   true,
			}, nil
		}
	}

	if err := d.checkCost(); err != nil {
		return nil, err
	}

	d.sanitizeForProvider(call, provider.Name())

	start := time.Now()
	result, err := provider.Call(ctx, call)
	elapsed := time.Since(start)
	if err == nil {
		d.recordAndCache(call, provider.Name(), result, elapsed)
		return result, nil
	}

	kind := classifyDispatchKind(err)
	if d.metrics != nil {
		d.metrics.RecordError(provider.Name(), string(kind))
	}
	if kind == KindTokenOverflow {
		// Bubble up untouched: retrying or failing over a token-overflow
		// error just reproduces it. The caller runs overflow recovery and
		// re-invokes the dispatcher.
		return nil, err
	}
	if !IsFailoverEligible(kind) {
		return nil, err
	}

	fallback := d.selectFailoverProvider(provider.Name(), call)
	if fallback == nil {
		return nil, err
	}

	fallbackCall := *call
	fallbackCall.Provider = fallback.Name()
	fallbackCall.Model = ""
	d.sanitizeForProvider(&fallbackCall, fallback.Name())

	fbStart := time.Now()
	result, fbErr := fallback.Call(ctx, &fallbackCall)
	fbElapsed := time.Since(fbStart)
	if fbErr != nil {
		if d.metrics != nil {
			d.metrics.RecordError(fallback.Name(), string(classifyDispatchKind(fbErr)))
		}
		return nil, fbErr
	}
	d.recordAndCache(&fallbackCall, fallback.Name(), result, fbElapsed)
	return result, nil
}

// resolve splits an incoming "provider/model" id if the caller didn't
// already set call.Provider, then asks the router to pick a provider for
// the turn.
func (d *Dispatcher) resolve(ctx context.Context, call *LLMCall) (LLMProvider, error) {
	if call.Provider == "" && call.Model != "" {
		if idx := strings.Index(call.Model, "/"); idx > 0 {
			call.Provider = call.Model[:idx]
			call.Model = call.Model[idx+1:]
		}
	}
	if call.Provider == "" {
		call.Provider = d.defaultName
	}
	return d.router.RouteProvider(ctx, call, len(call.Messages))
}

func (d *Dispatcher) checkCost() error {
	if d.costMeter == nil {
		return nil
	}
	if err := d.costMeter.Check(); err != nil {
		return NewDispatchError(KindCostCapExceeded, "", err)
	}
	return nil
}

func (d *Dispatcher) sanitizeForProvider(call *LLMCall, providerName string) {
	target, ok := sanitizeTargets[strings.ToLower(providerName)]
	if !ok {
		target = sanitizer.TargetOpenAI
	}
	res := sanitizer.Sanitize(call.Messages, call.System.Static+call.System.Dynamic, target)
	call.Messages = res.Messages
	if target == sanitizer.TargetAnthropic || target == sanitizer.TargetGoogle {
		call.System = SystemPrompt{Static: res.System}
	} else {
		call.System = SystemPrompt{}
	}
}

func (d *Dispatcher) recordAndCache(call *LLMCall, providerName string, result *LLMResult, elapsed time.Duration) {
	u := usage.Usage{
		InputTokens:      int64(result.Usage.InputTokens),
		OutputTokens:     int64(result.Usage.OutputTokens),
		CacheWriteTokens: int64(result.Usage.CacheWriteTokens),
		CacheReadTokens:  int64(result.Usage.CacheReadTokens),
	}

	var cost float64
	if d.costMeter != nil {
		cost = d.costMeter.Record(result.Model, u)
	}
	if d.tracker != nil {
		d.tracker.Record(usage.Record{
			Provider: providerName,
			Model:    result.Model,
			Usage:    u,
			Cost:     cost,
		})
	}
	if d.metrics != nil {
		d.metrics.RecordCall(providerName, result.Model, u, cost, elapsed.Seconds())
	}
	if len(call.Tools) == 0 && d.cache != nil && !result.HasToolCalls() {
		fp := cache.Fingerprint(call.Model, call.Messages, d.cacheFanOut)
		d.cache.Put(fp, result.Text())
	}
}

// selectFailoverProvider picks the first provider in failoverOrder other
// than excludeName that has both a registered adapter and a configured
// credential, implementing the "small fixed ordering of preferred
// providers for which credentials are configured" rule from §4.7 step 7.
func (d *Dispatcher) selectFailoverProvider(excludeName string, call *LLMCall) LLMProvider {
	for _, name := range failoverOrder {
		if name == strings.ToLower(excludeName) {
			continue
		}
		provider, ok := d.providers[name]
		if !ok || provider == nil {
			continue
		}
		if len(call.Tools) > 0 && !provider.SupportsTools() {
			continue
		}
		if _, configured := d.credentials.Resolve(name); !configured {
			continue
		}
		return provider
	}
	return nil
}
