package overflow

// DefaultContextWindow is used for models absent from ModelContextWindows.
const DefaultContextWindow = 128000

// ModelContextWindows maps model ids to their provider-documented context
// window size in tokens, so callers can size Recover's window argument from
// a model id rather than hardcoding it per call site.
var ModelContextWindows = map[string]int{
	"claude-3-opus":     200000,
	"claude-3-sonnet":   200000,
	"claude-3-haiku":    200000,
	"claude-3-5-sonnet":  200000,
	"claude-3-5-haiku":   200000,
	"claude-opus-4":      200000,

	"gpt-4":         8192,
	"gpt-4-32k":     32768,
	"gpt-4-turbo":   128000,
	"gpt-4o":        128000,
	"gpt-4o-mini":   128000,
	"gpt-3.5-turbo": 16385,
	"o1":            200000,
	"o1-mini":       128000,
	"o3-mini":       200000,

	"gemini-pro":       32768,
	"gemini-1.5-pro":   2097152,
	"gemini-1.5-flash": 1048576,
	"gemini-2.0-flash": 1048576,
}

// WindowForModel returns the known context window for model, or
// DefaultContextWindow if the model isn't in the table.
func WindowForModel(model string) int {
	if w, ok := ModelContextWindows[model]; ok {
		return w
	}
	return DefaultContextWindow
}
