package main

import (
	"fmt"
	"log/slog"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/agent/providers"
	"github.com/haasonsaas/nexus/internal/agent/routing"
	"github.com/haasonsaas/nexus/internal/cache"
	"github.com/haasonsaas/nexus/internal/config"
	"github.com/haasonsaas/nexus/internal/credentials"
	"github.com/haasonsaas/nexus/internal/usage"
)

// Engine bundles everything process_message needs: the dispatcher (and,
// through it, every ambient concern - cache, cost cap, metrics, failover),
// the tool loop built around it, and the metrics sink its HTTP handler
// serves at /metrics.
type Engine struct {
	Dispatcher *agent.Dispatcher
	Loop       *agent.ToolLoop
	Metrics    *usage.MetricsSink
	Sessions   *SessionStore
}

// buildEngine wires every provider adapter the process has credentials for,
// a heuristic router, and the dispatcher's ambient components, following
// cfg. Credentials come from the environment via internal/credentials, not
// from cfg.LLM.Providers directly, so cfg.LLM.Providers entries are only
// used for base-URL/default-model overrides (e.g. pointing an OpenAI
// adapter at an Azure-compatible endpoint).
func buildEngine(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	creds := credentials.NewResolver()

	adapters := make(map[string]agent.LLMProvider)

	if key, ok := creds.Resolve("anthropic"); ok {
		p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       key,
			BaseURL:      providerOverride(cfg, "anthropic").BaseURL,
			DefaultModel: providerOverride(cfg, "anthropic").DefaultModel,
		})
		if err != nil {
			return nil, fmt.Errorf("anthropic provider: %w", err)
		}
		adapters["anthropic"] = p
	}
	if key, ok := creds.Resolve("openai"); ok {
		p, err := providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       key,
			BaseURL:      providerOverride(cfg, "openai").BaseURL,
			DefaultModel: providerOverride(cfg, "openai").DefaultModel,
		})
		if err != nil {
			return nil, fmt.Errorf("openai provider: %w", err)
		}
		adapters["openai"] = p
	}
	if key, ok := creds.Resolve("google"); ok {
		p, err := providers.NewGoogleProvider(providers.GoogleConfig{
			APIKey:       key,
			DefaultModel: providerOverride(cfg, "google").DefaultModel,
		})
		if err != nil {
			return nil, fmt.Errorf("google provider: %w", err)
		}
		adapters["google"] = p
	}
	if key, ok := creds.Resolve("openrouter"); ok {
		p, err := providers.NewOpenRouterProvider(providers.OpenRouterConfig{
			APIKey:       key,
			BaseURL:      providerOverride(cfg, "openrouter").BaseURL,
			DefaultModel: providerOverride(cfg, "openrouter").DefaultModel,
		})
		if err != nil {
			return nil, fmt.Errorf("openrouter provider: %w", err)
		}
		adapters["openrouter"] = p
	}
	// Ollama has no credential requirement - it's a local server probed by
	// base URL alone, so it's wired whenever a base URL override names one.
	if ov := providerOverride(cfg, "ollama"); ov.BaseURL != "" {
		adapters["ollama"] = providers.NewOllamaProvider(providers.OllamaConfig{
			BaseURL:      ov.BaseURL,
			DefaultModel: ov.DefaultModel,
		})
	}

	if len(adapters) == 0 {
		return nil, fmt.Errorf("no LLM provider credentials configured (set ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY, or OPENROUTER_API_KEY)")
	}

	router := routing.NewRouter(routing.Config{
		DefaultProvider: cfg.LLM.DefaultProvider,
		PreferLocal:     true,
		LocalProviders:  []string{"ollama"},
	}, adapters)

	responseCache := cache.NewResponseCache(cache.ResponseCacheOptions{
		TTL:     cfg.Cache.TTL,
		MaxSize: cfg.Cache.MaxSize,
	})
	costMeter := usage.NewCostMeter(cfg.Cost.CapUSD, cfg.Cost.PricingTable())
	tracker := usage.NewTracker(usage.DefaultTrackerConfig())
	metrics := usage.NewMetricsSink()

	dispatcher := agent.NewDispatcher(router, adapters, agent.DispatcherConfig{
		Cache:           responseCache,
		CostMeter:       costMeter,
		Tracker:         tracker,
		Metrics:         metrics,
		Credentials:     creds,
		DefaultProvider: cfg.LLM.DefaultProvider,
	})

	loopConfig := agent.DefaultToolLoopConfig()
	loopConfig.MaxIterations = cfg.Tool.LoopMaxIterations
	loopConfig.ToolParallelism = cfg.Tool.FanoutMax
	loopConfig.ContextWindow = cfg.Overflow.ContextWindow
	loopConfig.OverflowKeepPairs = cfg.Overflow.StageCPairs
	loopConfig.Logger = logger

	loop := agent.NewToolLoop(dispatcher, agent.NewToolRegistry(), loopConfig)

	return &Engine{
		Dispatcher: dispatcher,
		Loop:       loop,
		Metrics:    metrics,
		Sessions:   NewSessionStore(),
	}, nil
}

func providerOverride(cfg *config.Config, name string) config.LLMProviderConfig {
	if cfg == nil || cfg.LLM.Providers == nil {
		return config.LLMProviderConfig{}
	}
	return cfg.LLM.Providers[name]
}
