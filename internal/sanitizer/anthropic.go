package sanitizer

import "github.com/haasonsaas/nexus/pkg/models"

// shapeAnthropic reshapes history for the Anthropic wire format: tool
// messages become user messages carrying tool_result blocks, consecutive
// user messages merge, and the system prompt is lifted out of the message
// list into Result.System rather than sent as a turn.
func shapeAnthropic(history []models.Message, system string) Result {
	var out []models.Message
	for _, msg := range history {
		if msg.Role == models.RoleSystem {
			continue
		}
		if msg.Role == models.RoleTool {
			msg.Role = models.RoleUser
		}
		if len(out) > 0 && out[len(out)-1].Role == models.RoleUser && msg.Role == models.RoleUser {
			last := out[len(out)-1]
			last.Content = append(append([]models.ContentBlock{}, last.Content...), msg.Content...)
			out[len(out)-1] = last
			continue
		}
		out = append(out, msg)
	}
	return Result{Messages: out, System: system}
}
