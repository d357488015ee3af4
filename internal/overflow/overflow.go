// Package overflow implements staged context-window recovery: when a
// session's history grows past its target token window, Recover prunes it
// down in the cheapest way that still produces a valid, provider-acceptable
// history.
package overflow

import (
	"fmt"
	"unicode/utf8"

	"github.com/haasonsaas/nexus/internal/sanitizer"
	"github.com/haasonsaas/nexus/pkg/models"
)

// DefaultKeepPairs is the number of most-recent user+assistant pairs that
// Stage B and Stage C never drop, regardless of how far over budget the
// history runs.
const DefaultKeepPairs = 8

// softTargetRatio is Stage B's target: drop oldest pairs until estimated
// tokens fall to this fraction of the window, leaving headroom so the very
// next turn doesn't immediately overflow again.
const softTargetRatio = 0.85

// Stage names the recovery stage that produced a Stats record.
type Stage string

const (
	StageNone     Stage = "none"
	StageDropOld  Stage = "drop-oldest-pairs"
	StageCritical Stage = "critical"
)

// Stats describes what a Recover call did.
type Stats struct {
	Stage        Stage
	PairsDropped int
	TokensAfter  int
}

// ErrStillOverflowing is returned when even the Stage C tail (system
// messages plus the last keepPairs pairs) exceeds the window.
type ErrStillOverflowing struct {
	TokensAfter int
	Window      int
}

func (e *ErrStillOverflowing) Error() string {
	return fmt.Sprintf("overflow: retained tail is %d tokens, still over the %d-token window", e.TokensAfter, e.Window)
}

// EstimateTokens estimates a message's token cost: chars/4 for ASCII-heavy
// text, chars/2 for CJK-heavy text, since CJK text packs far more meaning
// (and far more provider tokens) per rune than Latin text does.
func EstimateTokens(msg models.Message) int {
	total := 0
	for _, b := range msg.Content {
		total += estimateTextTokens(b.Text)
		if b.ToolUse != nil {
			total += estimateTextTokens(b.ToolUse.Name) + len(b.ToolUse.Input)/4
		}
		if b.ToolResult != nil {
			total += estimateTextTokens(b.ToolResult.Content)
		}
	}
	return total
}

func estimateTextTokens(text string) int {
	if text == "" {
		return 0
	}
	runes := utf8.RuneCountInString(text)
	cjk := 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		}
	}
	if runes > 0 && float64(cjk)/float64(runes) > 0.4 {
		return runes/2 + 1
	}
	return len(text)/4 + 1
}

func isCJK(r rune) bool {
	switch {
	case r >= 0x4E00 && r <= 0x9FFF: // CJK unified ideographs
		return true
	case r >= 0x3040 && r <= 0x30FF: // hiragana/katakana
		return true
	case r >= 0xAC00 && r <= 0xD7A3: // hangul syllables
		return true
	default:
		return false
	}
}

// EstimateTotal sums EstimateTokens over a history.
func EstimateTotal(history []models.Message) int {
	total := 0
	for _, msg := range history {
		total += EstimateTokens(msg)
	}
	return total
}

// Recover applies the three-stage recovery from SPEC_FULL §4.8 against
// window (in tokens), never mutating history. keepPairs overrides
// DefaultKeepPairs when > 0.
func Recover(history []models.Message, window int, keepPairs int) ([]models.Message, Stats, error) {
	if keepPairs <= 0 {
		keepPairs = DefaultKeepPairs
	}

	total := EstimateTotal(history)
	if total <= window {
		return history, Stats{Stage: StageNone, TokensAfter: total}, nil
	}

	pairs, systemMsgs := splitIntoPairs(history)

	target := int(float64(window) * softTargetRatio)
	dropped := 0
	reachedTarget := false
	for len(pairs) > keepPairs {
		remaining := systemTokens(systemMsgs) + pairsTokens(pairs)
		if remaining <= target {
			reachedTarget = true
			break
		}
		pairs = pairs[1:]
		dropped++
	}

	if reachedTarget {
		out := rebuild(systemMsgs, pairs)
		out = sanitizer.RepairOrphans(out)
		return out, Stats{Stage: StageDropOld, PairsDropped: dropped, TokensAfter: EstimateTotal(out)}, nil
	}

	// Stage B dropped down to the keepPairs floor without reaching the soft
	// target; this floor is also what Stage C retains, so there is nothing
	// further to trim. Accept it if it at least fits the hard window,
	// otherwise recovery has genuinely failed.
	out := rebuild(systemMsgs, pairs)
	out = sanitizer.RepairOrphans(out)
	afterC := EstimateTotal(out)
	if afterC > window {
		return nil, Stats{}, &ErrStillOverflowing{TokensAfter: afterC, Window: window}
	}

	return out, Stats{Stage: StageCritical, PairsDropped: dropped, TokensAfter: afterC}, nil
}

// pair is one user+assistant turn, plus any tool messages produced while
// executing the assistant's tool calls. Dropping a pair drops every message
// inside it atomically, so a dropped assistant tool_use never leaves a
// dangling tool_result in the retained tail (the orphan-result pass after
// rebuild catches anything the pairing still missed).
type pair struct {
	messages []models.Message
}

// splitIntoPairs partitions history into leading system messages and a
// sequence of pairs, each starting at a user message and absorbing every
// subsequent non-system, non-user message up to (but not including) the
// next user message.
func splitIntoPairs(history []models.Message) ([]pair, []models.Message) {
	var systemMsgs []models.Message
	i := 0
	for i < len(history) && history[i].Role == models.RoleSystem {
		systemMsgs = append(systemMsgs, history[i])
		i++
	}

	var pairs []pair
	for i < len(history) {
		if history[i].Role != models.RoleUser {
			// Leading non-user, non-system message with no pair to join;
			// keep it attached to the next pair so it isn't silently lost.
			if len(pairs) == 0 {
				pairs = append(pairs, pair{})
			}
			pairs[len(pairs)-1].messages = append(pairs[len(pairs)-1].messages, history[i])
			i++
			continue
		}
		p := pair{messages: []models.Message{history[i]}}
		i++
		for i < len(history) && history[i].Role != models.RoleUser {
			p.messages = append(p.messages, history[i])
			i++
		}
		pairs = append(pairs, p)
	}
	return pairs, systemMsgs
}

func rebuild(systemMsgs []models.Message, pairs []pair) []models.Message {
	out := make([]models.Message, 0, len(systemMsgs)+len(pairs)*2)
	out = append(out, systemMsgs...)
	for _, p := range pairs {
		out = append(out, p.messages...)
	}
	return out
}

func pairsTokens(pairs []pair) int {
	total := 0
	for _, p := range pairs {
		for _, m := range p.messages {
			total += EstimateTokens(m)
		}
	}
	return total
}

func systemTokens(systemMsgs []models.Message) int {
	total := 0
	for _, m := range systemMsgs {
		total += EstimateTokens(m)
	}
	return total
}
