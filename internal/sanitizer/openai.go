package sanitizer

import "github.com/haasonsaas/nexus/pkg/models"

// shapeOpenAI reshapes history for the OpenAI chat-completions wire format:
// the system prompt is folded back into the message list as a leading
// system message (OpenAI-compatible APIs expect it inline, unlike
// Anthropic's separate field), and each message's content blocks are
// flattened to a single concatenated text block except for tool_use/
// tool_result blocks, which OpenAI's adapter maps onto tool_calls/tool
// messages directly from the structured blocks.
func shapeOpenAI(history []models.Message, system string) Result {
	out := make([]models.Message, 0, len(history)+1)
	if system != "" {
		out = append(out, models.NewTextMessage(models.RoleSystem, system))
	}

	for _, msg := range history {
		if msg.Role == models.RoleSystem {
			if msg.ConcatText() != "" {
				out = append(out, msg)
			}
			continue
		}
		out = append(out, flattenText(msg))
	}

	return Result{Messages: out, System: ""}
}

// flattenText collapses a message's text blocks into one, leaving
// tool_use/tool_result/image blocks untouched. A message mixing text and
// tool_use blocks (e.g. an assistant turn that both says something and
// calls a tool) keeps the tool_use blocks distinct since those become
// separate tool_calls entries on the wire.
func flattenText(msg models.Message) models.Message {
	var text string
	var rest []models.ContentBlock
	for _, b := range msg.Content {
		if b.Type == models.BlockText {
			if text != "" && b.Text != "" {
				text += "\n"
			}
			text += b.Text
			continue
		}
		rest = append(rest, b)
	}

	blocks := make([]models.ContentBlock, 0, len(rest)+1)
	if text != "" {
		blocks = append(blocks, models.Text(text))
	}
	blocks = append(blocks, rest...)
	msg.Content = blocks
	return msg
}
