package credentials

import "testing"

func fakeEnv(values map[string]string) func(string) string {
	return func(key string) string {
		return values[key]
	}
}

func TestResolveDirectProvider(t *testing.T) {
	r := &Resolver{Getenv: fakeEnv(map[string]string{"ANTHROPIC_API_KEY": "sk-ant-1"})}
	key, ok := r.Resolve("anthropic")
	if !ok || key != "sk-ant-1" {
		t.Fatalf("Resolve(anthropic) = (%q, %v), want (sk-ant-1, true)", key, ok)
	}
}

func TestResolveMissingKeyReturnsFalse(t *testing.T) {
	r := &Resolver{Getenv: fakeEnv(nil)}
	key, ok := r.Resolve("anthropic")
	if ok || key != "" {
		t.Fatalf("Resolve(anthropic) = (%q, %v), want (\"\", false)", key, ok)
	}
}

func TestResolveLocalProviderReturnsSentinel(t *testing.T) {
	r := &Resolver{Getenv: fakeEnv(nil)}
	key, ok := r.Resolve("ollama")
	if !ok || key != localSentinel {
		t.Fatalf("Resolve(ollama) = (%q, %v), want (%q, true)", key, ok, localSentinel)
	}
}

func TestResolveAggregatorProviderUsesOpenRouterKey(t *testing.T) {
	r := &Resolver{Getenv: fakeEnv(map[string]string{"OPENROUTER_API_KEY": "sk-or-1"})}
	key, ok := r.Resolve("xai")
	if !ok || key != "sk-or-1" {
		t.Fatalf("Resolve(xai) = (%q, %v), want (sk-or-1, true)", key, ok)
	}
}

func TestResolveGoogleFallsBackToGeminiKey(t *testing.T) {
	r := &Resolver{Getenv: fakeEnv(map[string]string{"GEMINI_API_KEY": "sk-gem-1"})}
	key, ok := r.Resolve("google")
	if !ok || key != "sk-gem-1" {
		t.Fatalf("Resolve(google) = (%q, %v), want (sk-gem-1, true)", key, ok)
	}
}

func TestResolveGooglePrefersPrimaryKeyOverFallback(t *testing.T) {
	r := &Resolver{Getenv: fakeEnv(map[string]string{
		"GOOGLE_API_KEY": "sk-primary",
		"GEMINI_API_KEY": "sk-fallback",
	})}
	key, ok := r.Resolve("google")
	if !ok || key != "sk-primary" {
		t.Fatalf("Resolve(google) = (%q, %v), want (sk-primary, true)", key, ok)
	}
}

func TestResolveEmptyProviderNameReturnsFalse(t *testing.T) {
	r := &Resolver{Getenv: fakeEnv(map[string]string{"_API_KEY": "oops"})}
	if _, ok := r.Resolve(""); ok {
		t.Fatal("expected empty provider name to resolve to false")
	}
}

func TestResolveIsCaseInsensitive(t *testing.T) {
	r := &Resolver{Getenv: fakeEnv(map[string]string{"ANTHROPIC_API_KEY": "sk-ant-1"})}
	key, ok := r.Resolve("Anthropic")
	if !ok || key != "sk-ant-1" {
		t.Fatalf("Resolve(Anthropic) = (%q, %v), want (sk-ant-1, true)", key, ok)
	}
}
