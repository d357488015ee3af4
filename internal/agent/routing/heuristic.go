package routing

import (
	"regexp"
	"strings"

	"github.com/haasonsaas/nexus/internal/agent"
)

// Intent is the result of classifying a user turn into one of the core
// buckets the dispatcher shapes a call around.
type Intent string

const (
	IntentChat     Intent = "chat"
	IntentMemory   Intent = "memory"
	IntentCreative Intent = "creative"
	IntentCode     Intent = "code"
	IntentSearch   Intent = "search"
	IntentAnalysis Intent = "analysis"
	IntentMedia    Intent = "media"
)

// Classification is the shaping decision the intent classifier produces for
// a turn: which tool patterns to offer, how large a response budget to
// allow, and how hard to think.
type Classification struct {
	Intent       Intent
	ToolPatterns []string
	MaxTokens    int
	Thinking     agent.ThinkingLevel
}

const (
	baseMaxTokens    = 1024
	detailMultiplier = 4
	codeToolCap      = 15
	searchToolCap    = 10
)

var (
	codeRegex     = regexp.MustCompile(`(?i)\b(func|class|def|package|import|select|insert|update|delete|bug|error|stack trace|refactor|compile)\b`)
	markdownCode  = regexp.MustCompile("```")
	searchRegex   = regexp.MustCompile(`(?i)\b(search|look up|find out|latest|current|news|today)\b`)
	analysisRegex = regexp.MustCompile(`(?i)\b(analyze|analyse|reason|think through|derive|prove|why|tradeoff|compare|evaluate)\b`)
	memoryRegex   = regexp.MustCompile(`(?i)\b(remember|recall|earlier|last time|previously|you said|we discussed)\b`)
	creativeRegex = regexp.MustCompile(`(?i)\b(write a story|poem|lyrics|brainstorm|imagine|creative)\b`)
	mediaRegex    = regexp.MustCompile(`(?i)\b(image|picture|photo|diagram|audio|video|draw|generate.*(image|picture))\b`)

	// detailRegex matches phrases that signal the caller wants an expanded
	// response, multiplying the base token budget.
	detailRegex = regexp.MustCompile(`(?i)(in detail|자세히 설명|go deep|thorough|comprehensive|at length)`)
)

// keywordToolTriggers maps substrings found in the user message to extra
// tool-name patterns injected on top of whatever the intent already grants.
// Matching is case-insensitive substring search, independent of language.
var keywordToolTriggers = map[string][]string{
	"weather": {"weather*"},
	"날씨":      {"weather*"},
	"calendar": {"calendar*"},
	"email":    {"email*", "mail*"},
	"calculate": {"calculator*", "python_eval"},
}

// intentToolPatterns gives the default tool-name pattern set per intent,
// before keyword injection. Chat/memory/creative carry no tools at all -
// offering none saves system-prompt budget and keeps latency down, and is
// safe because the dispatcher is re-entered on the next turn regardless.
var intentToolPatterns = map[Intent][]string{
	IntentChat:     nil,
	IntentMemory:   nil,
	IntentCreative: nil,
	IntentCode:     {"filesystem*", "shell*", "diff*", "python_eval", "code_analysis*"},
	IntentSearch:   {"web_search*", "fetch*"},
	IntentAnalysis: {"filesystem*", "code_analysis*"},
	IntentMedia:    {"image*", "media*"},
}

// HeuristicClassifier implements the intent classifier described in the
// component design: deterministic, regex/keyword-driven, no model call.
type HeuristicClassifier struct{}

// Classify inspects message and contextDepth (the number of prior turns in
// the session, used only to bias ambiguous chat/analysis calls toward
// analysis as a conversation grows) and returns the shaping decision for the
// next LLMCall.
func (c *HeuristicClassifier) Classify(message string, contextDepth int) Classification {
	trimmed := strings.TrimSpace(message)
	lower := strings.ToLower(trimmed)

	intent := classifyIntent(lower, contextDepth)
	patterns := append([]string(nil), intentToolPatterns[intent]...)

	for trigger, extra := range keywordToolTriggers {
		if strings.Contains(lower, strings.ToLower(trigger)) {
			patterns = append(patterns, extra...)
		}
	}
	patterns = capToolPatterns(intent, patterns)

	maxTokens := baseMaxTokens
	if detailRegex.MatchString(trimmed) {
		maxTokens *= detailMultiplier
	}

	return Classification{
		Intent:     intent,
		ToolPatterns: patterns,
		MaxTokens:  maxTokens,
		Thinking:   thinkingForIntent(intent),
	}
}

func classifyIntent(lower string, contextDepth int) Intent {
	if lower == "" {
		return IntentChat
	}

	switch {
	case markdownCode.MatchString(lower) || codeRegex.MatchString(lower):
		return IntentCode
	case mediaRegex.MatchString(lower):
		return IntentMedia
	case searchRegex.MatchString(lower):
		return IntentSearch
	case memoryRegex.MatchString(lower):
		return IntentMemory
	case creativeRegex.MatchString(lower):
		return IntentCreative
	case analysisRegex.MatchString(lower):
		return IntentAnalysis
	}

	// Deep conversations lean toward analysis rather than bare chat even
	// without an explicit trigger word, since by then the turn is likely
	// building on prior context rather than opening small talk.
	if contextDepth > 20 && len(lower) > 120 {
		return IntentAnalysis
	}
	return IntentChat
}

func thinkingForIntent(intent Intent) agent.ThinkingLevel {
	switch intent {
	case IntentAnalysis, IntentCode:
		return agent.ThinkingMedium
	default:
		return agent.ThinkingNone
	}
}

func capToolPatterns(intent Intent, patterns []string) []string {
	limit := 0
	switch intent {
	case IntentCode:
		limit = codeToolCap
	case IntentSearch:
		limit = searchToolCap
	default:
		return patterns
	}
	if len(patterns) <= limit {
		return patterns
	}
	return patterns[:limit]
}
