package sanitizer

import (
	"regexp"

	"github.com/haasonsaas/nexus/pkg/models"
)

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]`)

// shapeGoogle reshapes history for Gemini: the system prompt is dropped
// from the turn list (Google's adapter sends it as a separate
// SystemInstruction field, mirrored here via Result.System), consecutive
// same-role turns merge since Gemini rejects back-to-back same-role
// content, tool call/result ids are restricted to an alphanumeric alphabet,
// and a synthetic user bootstrap is prepended if the first turn would
// otherwise be from the assistant (Gemini requires the first turn to be
// user).
func shapeGoogle(history []models.Message, system string) Result {
	var out []models.Message
	for _, msg := range history {
		if msg.Role == models.RoleSystem {
			continue
		}
		msg.Content = restrictToolIDs(msg.Content)

		if len(out) > 0 && out[len(out)-1].Role == msg.Role {
			last := out[len(out)-1]
			last.Content = append(append([]models.ContentBlock{}, last.Content...), msg.Content...)
			out[len(out)-1] = last
			continue
		}
		out = append(out, msg)
	}

	if len(out) > 0 && out[0].Role == models.RoleAssistant {
		out = append([]models.Message{models.NewTextMessage(models.RoleUser, "")}, out...)
	}

	return Result{Messages: out, System: system}
}

// restrictToolIDs rewrites tool_use/tool_result ids to strip any character
// outside [A-Za-z0-9], since Gemini's function-call id alphabet is
// restricted and arbitrary ids (e.g. containing ":" from a synthesized
// dedup key) would otherwise be rejected.
func restrictToolIDs(blocks []models.ContentBlock) []models.ContentBlock {
	out := make([]models.ContentBlock, len(blocks))
	for i, b := range blocks {
		switch {
		case b.Type == models.BlockToolUse && b.ToolUse != nil:
			call := *b.ToolUse
			call.ID = nonAlnum.ReplaceAllString(call.ID, "")
			b.ToolUse = &call
		case b.Type == models.BlockToolResult && b.ToolResult != nil:
			result := *b.ToolResult
			result.ToolCallID = nonAlnum.ReplaceAllString(result.ToolCallID, "")
			b.ToolResult = &result
		}
		out[i] = b
	}
	return out
}
