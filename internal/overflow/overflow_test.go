package overflow

import (
	"strings"
	"testing"

	"github.com/haasonsaas/nexus/pkg/models"
)

func userAssistant(n int) []models.Message {
	var out []models.Message
	for i := 0; i < n; i++ {
		out = append(out,
			models.NewTextMessage(models.RoleUser, strings.Repeat("a", 400)),
			models.NewTextMessage(models.RoleAssistant, strings.Repeat("b", 400)),
		)
	}
	return out
}

func TestRecoverNoOpUnderWindow(t *testing.T) {
	history := userAssistant(2)
	out, stats, err := Recover(history, 10_000, 8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Stage != StageNone {
		t.Fatalf("Stage = %q, want %q", stats.Stage, StageNone)
	}
	if len(out) != len(history) {
		t.Fatalf("got %d messages, want unchanged %d", len(out), len(history))
	}
}

func TestRecoverDropsOldestPairsKeepingSystemAndRecent(t *testing.T) {
	history := append([]models.Message{models.NewTextMessage(models.RoleSystem, "be nice")}, userAssistant(20)...)

	out, stats, err := Recover(history, 2000, 8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Stage == StageNone {
		t.Fatal("expected pruning to occur")
	}
	if out[0].Role != models.RoleSystem {
		t.Fatalf("system message was dropped, got role %q first", out[0].Role)
	}
	// the most recent pair's assistant message must survive
	last := out[len(out)-1]
	if last.Role != models.RoleAssistant {
		t.Fatalf("last message role = %q, want assistant", last.Role)
	}
}

func TestRecoverNeverDropsBelowKeepPairs(t *testing.T) {
	history := userAssistant(8)
	out, _, err := Recover(history, 1, 8)
	if err == nil {
		t.Fatalf("expected ErrStillOverflowing, got out=%v", out)
	}
	if _, ok := err.(*ErrStillOverflowing); !ok {
		t.Fatalf("got error type %T, want *ErrStillOverflowing", err)
	}
}

func TestRecoverStageCRepairsOrphanToolResults(t *testing.T) {
	var history []models.Message
	for i := 0; i < 12; i++ {
		history = append(history, models.NewTextMessage(models.RoleUser, strings.Repeat("q", 300)))
		history = append(history, models.Message{
			Role: models.RoleAssistant,
			Content: []models.ContentBlock{
				models.ToolUseBlock(models.ToolCall{ID: "old-tool", Name: "x", Input: []byte(`{}`)}),
			},
		})
		history = append(history, models.Message{
			Role:    models.RoleTool,
			Content: []models.ContentBlock{models.ToolResultBlock(models.ToolResult{ToolCallID: "old-tool", Content: "ok"})},
		})
	}

	out, stats, err := Recover(history, 170, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Stage != StageCritical {
		t.Fatalf("Stage = %q, want %q", stats.Stage, StageCritical)
	}
	for _, m := range out {
		for _, r := range m.ToolResults() {
			found := false
			for _, earlier := range out {
				for _, c := range earlier.ToolUses() {
					if c.ID == r.ToolCallID {
						found = true
					}
				}
			}
			if !found {
				t.Fatalf("tool_result %q has no matching tool_use in retained tail", r.ToolCallID)
			}
		}
	}
}

func TestEstimateTokensCJKHeavyUsesHalfCharRatio(t *testing.T) {
	ascii := models.NewTextMessage(models.RoleUser, strings.Repeat("a", 100))
	cjk := models.NewTextMessage(models.RoleUser, strings.Repeat("日", 100))

	asciiTokens := EstimateTokens(ascii)
	cjkTokens := EstimateTokens(cjk)
	if cjkTokens <= asciiTokens {
		t.Fatalf("CJK estimate (%d) should exceed ASCII estimate (%d) for equal rune counts", cjkTokens, asciiTokens)
	}
}
