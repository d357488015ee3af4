// Package config defines the plain Go struct tree that tunes the engine:
// provider credentials and fallback order, retry/backoff, cost caps,
// response-cache TTL, tool-loop bounds, and overflow-recovery thresholds.
// Every tunable named in the engine's configuration surface lands on one of
// these structs with its default already baked in, following the shape of
// LLMConfig in the teacher's internal/config/config_llm.go: a
// Default*Config() constructor plus a sanitize() normalizer that clamps
// zero/negative fields rather than rejecting them.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/nexus/internal/retry"
	"github.com/haasonsaas/nexus/internal/usage"
)

// Config is the root configuration tree for the engine.
type Config struct {
	LLM      LLMConfig      `yaml:"llm"`
	Retry    RetryConfig    `yaml:"retry"`
	Cost     CostConfig     `yaml:"cost"`
	Cache    CacheConfig    `yaml:"cache"`
	Tool     ToolConfig     `yaml:"tool"`
	Overflow OverflowConfig `yaml:"overflow"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// LLMProviderConfig holds one provider's credentials and connection
// overrides.
type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

// LLMConfig holds the provider settings: which provider answers by
// default, per-provider credentials and endpoint overrides, and the
// timeout, fallback-model and per-intent max-token settings. buildEngine
// reads DefaultProvider and Providers; Timeout, FallbackModels and
// IntentMaxTokens are decoded and defaulted, and no component reads them.
type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`

	// FallbackModels lists, per provider, alternative model ids. Failover
	// does not consult it.
	FallbackModels map[string][]string `yaml:"fallback_models"`

	// Timeout is the llm_timeout setting. Default 90s. Provider calls are
	// not bounded by it.
	Timeout time.Duration `yaml:"timeout"`

	// IntentMaxTokens holds per-intent response budgets keyed by
	// routing.Intent string value (e.g. "code", "search"). The router does
	// not read it; its classifier's own per-intent budgets apply.
	IntentMaxTokens map[string]int `yaml:"intent_max_tokens"`
}

// DefaultLLMConfig returns the baseline LLM configuration: no providers
// configured (credentials come from the environment via
// internal/credentials), no fallback overrides, a 90s timeout.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Timeout: 90 * time.Second,
	}
}

func (c *LLMConfig) sanitize() {
	if c.Timeout <= 0 {
		c.Timeout = 90 * time.Second
	}
	c.DefaultProvider = strings.ToLower(strings.TrimSpace(c.DefaultProvider))
}

// RetryConfig holds internal/retry's exponential backoff settings
// (retry_max_attempts, retry_base_delay, retry_max_delay). ToRetryConfig
// converts it for retry.Do; buildEngine does not pass it on, and the
// dispatcher does not retry a failed provider call.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Factor      float64       `yaml:"factor"`
	Jitter      bool          `yaml:"jitter"`
}

// DefaultRetryConfig mirrors retry.DefaultConfig's values so the two stay
// in lockstep.
func DefaultRetryConfig() RetryConfig {
	d := retry.DefaultConfig()
	return RetryConfig{
		MaxAttempts: d.MaxAttempts,
		BaseDelay:   d.InitialDelay,
		MaxDelay:    d.MaxDelay,
		Factor:      d.Factor,
		Jitter:      d.Jitter,
	}
}

func (c *RetryConfig) sanitize() {
	d := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Factor <= 0 {
		c.Factor = d.Factor
	}
}

// ToRetryConfig converts to the internal/retry.Config retry.Do consumes.
func (c RetryConfig) ToRetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:  c.MaxAttempts,
		InitialDelay: c.BaseDelay,
		MaxDelay:     c.MaxDelay,
		Factor:       c.Factor,
		Jitter:       c.Jitter,
	}
}

// ModelPricingConfig is one model's per-million-token rate card.
type ModelPricingConfig struct {
	Input      float64 `yaml:"input"`
	Output     float64 `yaml:"output"`
	CacheWrite float64 `yaml:"cache_write"`
	CacheRead  float64 `yaml:"cache_read"`
}

// CostConfig configures the dispatcher's cost meter (cost_cap_usd and the
// per-model pricing table).
type CostConfig struct {
	CapUSD  float64                        `yaml:"cap_usd"`
	Pricing map[string]ModelPricingConfig `yaml:"pricing"`
}

// DefaultCostConfig disables the cap (0) and carries no pricing overrides;
// callers overlay usage.DefaultPricingTable() for the baseline rate card.
func DefaultCostConfig() CostConfig {
	return CostConfig{}
}

func (c *CostConfig) sanitize() {
	if c.CapUSD < 0 {
		c.CapUSD = 0
	}
}

// PricingTable merges this config's overrides onto usage.DefaultPricingTable().
func (c CostConfig) PricingTable() usage.PricingTable {
	table := usage.DefaultPricingTable()
	for model, p := range c.Pricing {
		table[model] = usage.Cost{Input: p.Input, Output: p.Output, CacheWrite: p.CacheWrite, CacheRead: p.CacheRead}
	}
	return table
}

// CacheConfig configures the dispatcher's response cache (cache_ttl).
type CacheConfig struct {
	TTL     time.Duration `yaml:"ttl"`
	MaxSize int           `yaml:"max_size"`
}

// DefaultCacheConfig returns a 5-minute TTL with a 1000-entry cap.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: 5 * time.Minute, MaxSize: 1000}
}

func (c *CacheConfig) sanitize() {
	if c.TTL <= 0 {
		c.TTL = 5 * time.Minute
	}
	if c.MaxSize <= 0 {
		c.MaxSize = 1000
	}
}

// ToolConfig configures the tool loop's iteration and fan-out bounds
// (tool_loop_max_iterations, tool_fanout_max).
type ToolConfig struct {
	LoopMaxIterations int `yaml:"loop_max_iterations"`
	FanoutMax         int `yaml:"fanout_max"`
}

// DefaultToolConfig mirrors agent.DefaultToolLoopConfig's bounds.
func DefaultToolConfig() ToolConfig {
	return ToolConfig{LoopMaxIterations: 12, FanoutMax: 4}
}

func (c *ToolConfig) sanitize() {
	if c.LoopMaxIterations <= 0 {
		c.LoopMaxIterations = 12
	}
	if c.FanoutMax <= 0 {
		c.FanoutMax = 4
	}
}

// OverflowConfig configures overflow recovery's context window and the
// floor on retained user/assistant pairs (overflow_stage_c_pairs).
type OverflowConfig struct {
	ContextWindow int `yaml:"context_window"`
	StageCPairs   int `yaml:"stage_c_pairs"`
}

// DefaultOverflowConfig mirrors overflow.DefaultKeepPairs and the tool
// loop's default 180000-token context window.
func DefaultOverflowConfig() OverflowConfig {
	return OverflowConfig{ContextWindow: 180000, StageCPairs: 8}
}

func (c *OverflowConfig) sanitize() {
	if c.ContextWindow <= 0 {
		c.ContextWindow = 180000
	}
	if c.StageCPairs <= 0 {
		c.StageCPairs = 8
	}
}

// LoggingConfig holds the log level and format settings. cmd/nexus-gateway
// does not read them: its slog handler is always JSON at info level.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultLoggingConfig returns info-level JSON logging.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{Level: "info", Format: "json"}
}

func (c *LoggingConfig) sanitize() {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}
	if strings.TrimSpace(c.Format) == "" {
		c.Format = "json"
	}
}

// Default returns a fully populated Config with every sub-config at its
// default value.
func Default() Config {
	return Config{
		LLM:      DefaultLLMConfig(),
		Retry:    DefaultRetryConfig(),
		Cost:     DefaultCostConfig(),
		Cache:    DefaultCacheConfig(),
		Tool:     DefaultToolConfig(),
		Overflow: DefaultOverflowConfig(),
		Logging:  DefaultLoggingConfig(),
	}
}

// sanitize clamps every sub-config's zero/negative fields to their
// defaults in place.
func (c *Config) sanitize() {
	c.LLM.sanitize()
	c.Retry.sanitize()
	c.Cost.sanitize()
	c.Cache.sanitize()
	c.Tool.sanitize()
	c.Overflow.sanitize()
	c.Logging.sanitize()
}

// ValidationError reports every structural problem found in a config in
// one error, matching the teacher's "config validation failed:\n- ..."
// format.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validate(cfg *Config) error {
	var issues []string

	if cfg.LLM.DefaultProvider != "" {
		if _, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; !ok {
			issues = append(issues, fmt.Sprintf("llm.default_provider %q has no matching llm.providers entry", cfg.LLM.DefaultProvider))
		}
	}
	if cfg.Cost.CapUSD < 0 {
		issues = append(issues, "cost.cap_usd must not be negative")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

// Load reads path (YAML or JSON5, resolving $include directives via
// LoadRaw), decodes it onto Default(), rejects unknown fields, and
// sanitizes and validates the result.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	cfg.sanitize()
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
