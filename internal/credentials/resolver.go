// Package credentials resolves per-provider API keys from the process
// environment, the way internal/config reads its own settings: a thin,
// always-succeeds-or-nil lookup with no side effects and no panics, since a
// missing key is a normal "not configured" state rather than a fatal error.
package credentials

import (
	"os"
	"strings"
)

// localSentinel is returned for providers that run against a local server
// and have no real API key (Ollama). The dispatcher/provider constructors
// treat a non-empty string as "configured"; a literal placeholder lets them
// skip the "is this provider configured" check without inventing a second
// signaling mechanism.
const localSentinel = "local"

// localProviders never need a real secret - they talk to a server on the
// same host. Listing them here, rather than threading an "IsLocal" flag
// through every provider config, keeps the resolver the single place that
// knows about provider locality.
var localProviders = map[string]struct{}{
	"ollama": {},
}

// aggregatorProviders are resolved through OpenRouter's key rather than
// their own, because traffic for them is actually routed through the
// aggregator (see the dispatcher's failover chain) rather than called
// directly.
var aggregatorProviders = map[string]struct{}{
	"openrouter": {},
	"xai":        {},
	"mistral":    {},
	"meta":       {},
	"cohere":     {},
}

// googleFallbackEnv is tried when GOOGLE_API_KEY is unset; Google's own
// SDK docs and examples commonly use this name instead.
const googleFallbackEnv = "GEMINI_API_KEY"

// Resolver resolves provider API keys from environment variables. The zero
// value reads from os.Getenv; tests can substitute Getenv with a fake.
type Resolver struct {
	// Getenv defaults to os.Getenv; overridable for tests.
	Getenv func(string) string
}

// NewResolver builds a Resolver backed by the real process environment.
func NewResolver() *Resolver {
	return &Resolver{Getenv: os.Getenv}
}

func (r *Resolver) getenv(key string) string {
	if r == nil || r.Getenv == nil {
		return os.Getenv(key)
	}
	return r.Getenv(key)
}

// Resolve returns the API key for provider, or "", false if none is
// configured. It never returns an error: callers translate a false result
// into a user-visible "provider not configured" message rather than a
// crash, per the credential resolver's failure-mode contract.
func (r *Resolver) Resolve(provider string) (string, bool) {
	name := strings.ToLower(strings.TrimSpace(provider))
	if name == "" {
		return "", false
	}

	if _, ok := localProviders[name]; ok {
		return localSentinel, true
	}

	if _, ok := aggregatorProviders[name]; ok {
		if key := strings.TrimSpace(r.getenv(envName("openrouter"))); key != "" {
			return key, true
		}
		return "", false
	}

	if key := strings.TrimSpace(r.getenv(envName(name))); key != "" {
		return key, true
	}

	if name == "google" {
		if key := strings.TrimSpace(r.getenv(googleFallbackEnv)); key != "" {
			return key, true
		}
	}

	return "", false
}

func envName(provider string) string {
	return strings.ToUpper(provider) + "_API_KEY"
}
