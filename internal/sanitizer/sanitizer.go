// Package sanitizer reshapes a session's message history into the form a
// specific provider family accepts, without mutating the caller's history:
// every pass returns a new slice. The dispatcher runs this immediately
// before building an LLMCall; the stored session history is never touched.
package sanitizer

import "github.com/haasonsaas/nexus/pkg/models"

// Target names a provider wire-family, since several concrete providers
// (OpenAI, xAI, OpenRouter, Ollama) share one shaping pass.
type Target string

const (
	TargetAnthropic Target = "anthropic"
	TargetGoogle    Target = "google"
	TargetOpenAI    Target = "openai"
)

// Result is the sanitizer's output: the reshaped history plus, for
// providers that lift the system prompt to a separate field, that text.
type Result struct {
	Messages []models.Message
	System   string
}

// Sanitize runs the universal repair pass followed by the per-target
// shaping pass for target. system is the caller's assembled system prompt
// text (static+dynamic already joined); Anthropic-style targets return it
// unchanged in Result.System, others fold it back into the message list as
// a leading system message where that's what the wire format expects.
func Sanitize(history []models.Message, system string, target Target) Result {
	repaired := universalRepair(history)

	switch target {
	case TargetAnthropic:
		return shapeAnthropic(repaired, system)
	case TargetGoogle:
		return shapeGoogle(repaired, system)
	case TargetOpenAI:
		return shapeOpenAI(repaired, system)
	default:
		return Result{Messages: repaired, System: system}
	}
}
