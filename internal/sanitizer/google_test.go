package sanitizer

import (
	"testing"

	"github.com/haasonsaas/nexus/pkg/models"
)

func TestSanitizeGoogleMergesConsecutiveSameRoleTurns(t *testing.T) {
	history := []models.Message{
		models.NewTextMessage(models.RoleUser, "first"),
		models.NewTextMessage(models.RoleUser, "second"),
	}

	res := Sanitize(history, "", TargetGoogle)
	if len(res.Messages) != 1 {
		t.Fatalf("got %d messages, want 1 merged message", len(res.Messages))
	}
	if got := res.Messages[0].ConcatText(); got != "firstsecond" {
		t.Fatalf("ConcatText() = %q, want %q", got, "firstsecond")
	}
}

func TestSanitizeGooglePrependsBootstrapWhenFirstTurnIsAssistant(t *testing.T) {
	history := []models.Message{
		models.NewTextMessage(models.RoleAssistant, "hello there"),
	}

	res := Sanitize(history, "", TargetGoogle)
	if len(res.Messages) != 2 {
		t.Fatalf("got %d messages, want [bootstrap, assistant]", len(res.Messages))
	}
	if res.Messages[0].Role != models.RoleUser {
		t.Fatalf("bootstrap role = %q, want user", res.Messages[0].Role)
	}
	if res.Messages[1].Role != models.RoleAssistant {
		t.Fatalf("second message role = %q, want assistant", res.Messages[1].Role)
	}
}

func TestSanitizeGoogleRestrictsToolIDAlphabet(t *testing.T) {
	history := []models.Message{
		{Role: models.RoleAssistant, Content: []models.ContentBlock{
			models.ToolUseBlock(models.ToolCall{ID: "call:1-abc", Name: "x", Input: []byte(`{}`)}),
		}},
		{Role: models.RoleTool, Content: []models.ContentBlock{
			models.ToolResultBlock(models.ToolResult{ToolCallID: "call:1-abc", Content: "ok"}),
		}},
	}

	res := Sanitize(history, "", TargetGoogle)
	var sawUse, sawResult bool
	for _, m := range res.Messages {
		for _, b := range m.Content {
			if b.Type == models.BlockToolUse && b.ToolUse != nil {
				sawUse = true
				if b.ToolUse.ID != "call1abc" {
					t.Fatalf("tool_use ID = %q, want %q", b.ToolUse.ID, "call1abc")
				}
			}
			if b.Type == models.BlockToolResult && b.ToolResult != nil {
				sawResult = true
				if b.ToolResult.ToolCallID != "call1abc" {
					t.Fatalf("tool_result ToolCallID = %q, want %q", b.ToolResult.ToolCallID, "call1abc")
				}
			}
		}
	}
	if !sawUse || !sawResult {
		t.Fatal("expected both a tool_use and tool_result block to survive")
	}
}

func TestSanitizeGoogleDropsSystemMessageFromTurnList(t *testing.T) {
	history := []models.Message{
		models.NewTextMessage(models.RoleSystem, "be nice"),
		models.NewTextMessage(models.RoleUser, "hi"),
	}

	res := Sanitize(history, "be nice", TargetGoogle)
	if res.System != "be nice" {
		t.Fatalf("System = %q, want %q", res.System, "be nice")
	}
	for _, m := range res.Messages {
		if m.Role == models.RoleSystem {
			t.Fatal("system message leaked into the turn list")
		}
	}
}
