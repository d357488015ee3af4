// Package routing selects an LLM provider and shapes the call for a given
// user turn: the intent classifier decides tool subset, token budget, and
// thinking depth; the Router then picks which provider/model services it,
// honoring rules, a preferred-local policy, and a failure-cooldown health
// check.
package routing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/pkg/models"
)

// Router selects an LLM provider for each call based on rules and heuristics.
type Router struct {
	defaultProvider string
	providers       map[string]agent.LLMProvider
	rules           []Rule
	preferLocal     bool
	localProviders  map[string]struct{}
	classifier      Classifier
	fallback        Target
	failureCooldown time.Duration
	healthMu        sync.Mutex
	unhealthy       map[string]time.Time
}

// Rule defines a routing rule. The first rule whose Match condition is
// satisfied wins.
type Rule struct {
	Name   string
	Match  Match
	Target Target
}

// Match defines rule matching conditions: a rule matches if the last user
// message contains one of Patterns (when given) and the classification
// intent is one of Tags (when given, compared against the intent label).
type Match struct {
	Patterns []string
	Tags     []string
}

// Target defines the destination provider and model.
type Target struct {
	Provider string
	Model    string
}

// Classifier assigns a Classification to a user turn. HeuristicClassifier is
// the reference implementation; tests may substitute a stub.
type Classifier interface {
	Classify(message string, contextDepth int) Classification
}

// Config configures a Router.
type Config struct {
	DefaultProvider string
	PreferLocal     bool
	LocalProviders  []string
	Rules           []Rule
	Classifier      Classifier
	Fallback        Target
	FailureCooldown time.Duration
}

// NewRouter creates a new Router.
func NewRouter(cfg Config, providers map[string]agent.LLMProvider) *Router {
	lp := make(map[string]struct{})
	for _, name := range cfg.LocalProviders {
		if n := normalizeID(name); n != "" {
			lp[n] = struct{}{}
		}
	}

	classifier := cfg.Classifier
	if classifier == nil {
		classifier = &HeuristicClassifier{}
	}

	return &Router{
		defaultProvider: normalizeID(cfg.DefaultProvider),
		providers:       providers,
		rules:           cfg.Rules,
		preferLocal:     cfg.PreferLocal,
		localProviders:  lp,
		classifier:      classifier,
		fallback:        cfg.Fallback,
		failureCooldown: cfg.FailureCooldown,
		unhealthy:       make(map[string]time.Time),
	}
}

// Route classifies the turn and selects a provider/model for it. It sets
// call.MaxTokens from the classification when the caller left it 0 and
// call.Thinking when the caller left it ThinkingNone; call.Tools is not
// changed. It does not invoke the provider; dispatch is
// the caller's responsibility (see the dispatcher), so that retry/failover
// policy stays out of the routing layer.
func (r *Router) Route(ctx context.Context, call *agent.LLMCall, contextDepth int) (agent.LLMProvider, Classification, error) {
	if call == nil {
		return nil, Classification{}, errInvalidRequest("call is nil")
	}
	classification := r.classifier.Classify(lastUserContent(call.Messages), contextDepth)

	if call.MaxTokens == 0 {
		call.MaxTokens = classification.MaxTokens
	}
	if call.Thinking == agent.ThinkingNone {
		call.Thinking = classification.Thinking
	}

	candidates, err := r.candidates(call, classification)
	if err != nil {
		return nil, classification, err
	}

	chosen := candidates[0]
	if call.Model == "" && chosen.model != "" {
		call.Model = chosen.model
	}
	return chosen.provider, classification, nil
}

// RouteProvider adapts Route to the agent.Router interface the dispatcher
// depends on, discarding the classification detail the dispatcher has no
// use for beyond the MaxTokens/Thinking defaults Route already applied to
// call in place.
func (r *Router) RouteProvider(ctx context.Context, call *agent.LLMCall, contextDepth int) (agent.LLMProvider, error) {
	provider, _, err := r.Route(ctx, call, contextDepth)
	return provider, err
}

// Dispatch is a convenience wrapper around Route that calls the chosen
// provider directly, falling back through the remaining candidates in order
// on error. Most callers should prefer the dispatcher (§4.7), which adds
// caching, cost-cap checks, and at most one failover hop around
// RouteProvider's single choice; it does not retry a provider.
func (r *Router) Dispatch(ctx context.Context, call *agent.LLMCall, contextDepth int) (*agent.LLMResult, error) {
	if call == nil {
		return nil, errInvalidRequest("call is nil")
	}
	classification := r.classifier.Classify(lastUserContent(call.Messages), contextDepth)
	if call.MaxTokens == 0 {
		call.MaxTokens = classification.MaxTokens
	}
	if call.Thinking == agent.ThinkingNone {
		call.Thinking = classification.Thinking
	}

	candidates, err := r.candidates(call, classification)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, candidate := range candidates {
		callCopy := *call
		if callCopy.Model == "" && candidate.model != "" {
			callCopy.Model = candidate.model
		}
		result, err := candidate.provider.Call(ctx, &callCopy)
		if err == nil {
			return result, nil
		}
		r.markUnhealthy(candidate.name)
		lastErr = err
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errInvalidRequest("no providers configured")
}

// Name returns the router name.
func (r *Router) Name() string {
	if r.defaultProvider == "" {
		return "router"
	}
	return "router:" + r.defaultProvider
}

// Models returns a union of available models across providers.
func (r *Router) Models() []agent.Model {
	var result []agent.Model
	seen := make(map[string]struct{})
	for _, provider := range r.providers {
		for _, model := range provider.Models() {
			if _, ok := seen[model.ID]; ok {
				continue
			}
			seen[model.ID] = struct{}{}
			result = append(result, model)
		}
	}
	return result
}

// SupportsTools returns true if any provider supports tools.
func (r *Router) SupportsTools() bool {
	for _, provider := range r.providers {
		if provider.SupportsTools() {
			return true
		}
	}
	return false
}

type candidate struct {
	provider agent.LLMProvider
	model    string
	name     string
}

func (r *Router) candidates(call *agent.LLMCall, classification Classification) ([]candidate, error) {
	if r == nil {
		return nil, errInvalidRequest("no providers configured")
	}
	providerName, model := r.selectProvider(call, classification)
	seen := make(map[string]struct{})
	var candidates []candidate
	r.appendCandidate(&candidates, seen, providerName, model)
	r.appendCandidate(&candidates, seen, r.fallback.Provider, r.fallback.Model)
	r.appendCandidate(&candidates, seen, r.defaultProvider, "")

	if len(call.Tools) > 0 {
		filtered := make([]candidate, 0, len(candidates))
		for _, candidate := range candidates {
			if candidate.provider != nil && candidate.provider.SupportsTools() {
				filtered = append(filtered, candidate)
			}
		}
		if len(filtered) == 0 {
			if toolProvider := r.findToolProvider(); toolProvider != nil {
				filtered = append(filtered, candidate{provider: toolProvider, name: toolProvider.Name()})
			}
		}
		candidates = filtered
	}

	if len(candidates) == 0 {
		if len(call.Tools) > 0 {
			return nil, errInvalidRequest("no tool-capable providers available")
		}
		return nil, errInvalidRequest("no providers configured")
	}
	return candidates, nil
}

func (r *Router) appendCandidate(list *[]candidate, seen map[string]struct{}, name string, model string) {
	if r == nil {
		return
	}
	normalized := normalizeID(name)
	if normalized == "" {
		return
	}
	if _, ok := seen[normalized]; ok {
		return
	}
	if !r.isHealthy(normalized) {
		return
	}
	provider := r.lookupProvider(normalized)
	if provider == nil {
		return
	}
	seen[normalized] = struct{}{}
	*list = append(*list, candidate{provider: provider, model: model, name: normalized})
}

func (r *Router) isHealthy(name string) bool {
	if r == nil || r.failureCooldown <= 0 {
		return true
	}
	name = normalizeID(name)
	if name == "" {
		return true
	}
	cutoff := time.Now()
	r.healthMu.Lock()
	defer r.healthMu.Unlock()
	until, ok := r.unhealthy[name]
	if !ok {
		return true
	}
	if cutoff.After(until) {
		delete(r.unhealthy, name)
		return true
	}
	return false
}

func (r *Router) markUnhealthy(name string) {
	if r == nil || r.failureCooldown <= 0 {
		return
	}
	name = normalizeID(name)
	if name == "" {
		return
	}
	r.healthMu.Lock()
	r.unhealthy[name] = time.Now().Add(r.failureCooldown)
	r.healthMu.Unlock()
}

func (r *Router) selectProvider(call *agent.LLMCall, classification Classification) (string, string) {
	tags := []string{string(classification.Intent)}

	for _, rule := range r.rules {
		if ruleMatches(rule.Match, tags, call) {
			return normalizeID(rule.Target.Provider), rule.Target.Model
		}
	}

	if r.preferLocal && len(r.localProviders) > 0 && len(call.Tools) == 0 {
		for name := range r.localProviders {
			if r.lookupProvider(name) != nil {
				return name, ""
			}
		}
	}

	return r.defaultProvider, ""
}

func (r *Router) lookupProvider(name string) agent.LLMProvider {
	if name == "" {
		return nil
	}
	if provider, ok := r.providers[normalizeID(name)]; ok {
		return provider
	}
	return nil
}

func (r *Router) findToolProvider() agent.LLMProvider {
	if defaultProvider := r.lookupProvider(r.defaultProvider); defaultProvider != nil && defaultProvider.SupportsTools() {
		return defaultProvider
	}
	for _, provider := range r.providers {
		if provider.SupportsTools() {
			return provider
		}
	}
	return nil
}

func ruleMatches(match Match, tags []string, call *agent.LLMCall) bool {
	if len(match.Patterns) == 0 && len(match.Tags) == 0 {
		return false
	}
	contentLower := strings.ToLower(lastUserContent(call.Messages))

	if len(match.Patterns) > 0 {
		patternMatch := false
		for _, pattern := range match.Patterns {
			p := strings.ToLower(strings.TrimSpace(pattern))
			if p == "" {
				continue
			}
			if strings.Contains(contentLower, p) {
				patternMatch = true
				break
			}
		}
		if !patternMatch {
			return false
		}
	}

	if len(match.Tags) > 0 {
		for _, tag := range match.Tags {
			if containsTag(tags, tag) {
				return true
			}
		}
		return false
	}

	return true
}

func containsTag(tags []string, tag string) bool {
	needle := strings.ToLower(strings.TrimSpace(tag))
	if needle == "" {
		return false
	}
	for _, t := range tags {
		if strings.EqualFold(t, needle) {
			return true
		}
	}
	return false
}

func lastUserContent(messages []models.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleUser {
			return messages[i].ConcatText()
		}
	}
	if len(messages) == 0 {
		return ""
	}
	return messages[len(messages)-1].ConcatText()
}

func normalizeID(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func errInvalidRequest(msg string) error {
	return fmt.Errorf("routing: %s", msg)
}
