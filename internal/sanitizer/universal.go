package sanitizer

import "github.com/haasonsaas/nexus/pkg/models"

// internalMarkerKeys are caller-bookkeeping metadata entries that exist for
// in-process use (e.g. injection markers the loop uses to recognize
// synthetic turns) and would be rejected by a provider as unknown fields if
// they ever leaked onto the wire. Sanitization strips them unconditionally.
var internalMarkerKeys = []string{
	"_injected",
	"_synthetic",
	"_internal",
}

// universalRepair applies the repairs every provider family needs before
// its own shaping pass runs: drop assistant messages with only blank text,
// drop tool_use blocks missing their input object, drop tool_result blocks
// whose tool_use_id has no matching call in the immediately preceding
// assistant turn, and
// strip internal marker metadata. The input is never mutated.
func universalRepair(history []models.Message) []models.Message {
	if len(history) == 0 {
		return nil
	}

	stage1 := make([]models.Message, 0, len(history))
	for _, msg := range history {
		msg = stripMarkers(msg)

		if msg.Role == models.RoleAssistant {
			msg.Content = dropInvalidToolUse(msg.Content)
		}

		if msg.IsEmpty() {
			continue
		}
		stage1 = append(stage1, msg)
	}

	return repairOrphanToolResults(stage1)
}

// stripMarkers returns a copy of msg with internalMarkerKeys removed from
// Metadata.
func stripMarkers(msg models.Message) models.Message {
	if len(msg.Metadata) == 0 {
		return msg
	}
	var toStrip []string
	for _, key := range internalMarkerKeys {
		if _, ok := msg.Metadata[key]; ok {
			toStrip = append(toStrip, key)
		}
	}
	if len(toStrip) == 0 {
		return msg
	}
	metadata := make(map[string]any, len(msg.Metadata))
	for k, v := range msg.Metadata {
		metadata[k] = v
	}
	for _, key := range toStrip {
		delete(metadata, key)
	}
	msg.Metadata = metadata
	return msg
}

// dropInvalidToolUse filters out tool_use blocks with no input object,
// which a provider would reject outright.
func dropInvalidToolUse(blocks []models.ContentBlock) []models.ContentBlock {
	kept := make([]models.ContentBlock, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == models.BlockToolUse && (b.ToolUse == nil || len(b.ToolUse.Input) == 0) {
			continue
		}
		kept = append(kept, b)
	}
	return kept
}

// RepairOrphans is the exported form of repairOrphanToolResults, for callers
// outside this package (overflow recovery) that reorder or drop messages
// and need the same orphan-tool-result fixup without re-running the rest of
// universalRepair.
func RepairOrphans(history []models.Message) []models.Message {
	return repairOrphanToolResults(history)
}

// repairOrphanToolResults drops tool_result blocks whose ToolCallID doesn't
// match a tool_use block in the immediately preceding assistant turn, and
// drops tool messages left empty by that removal. This is the shared fixup
// every sanitizer pass and overflow-recovery stage runs after trimming or
// reordering history, so a provider never sees a tool_result pointing at a
// tool_use that is no longer present.
func repairOrphanToolResults(history []models.Message) []models.Message {
	pending := make(map[string]struct{})
	repaired := make([]models.Message, 0, len(history))

	for _, msg := range history {
		switch msg.Role {
		case models.RoleAssistant:
			pending = make(map[string]struct{})
			for _, call := range msg.ToolUses() {
				if call.ID != "" {
					pending[call.ID] = struct{}{}
				}
			}
			repaired = append(repaired, msg)

		case models.RoleTool:
			kept := make([]models.ContentBlock, 0, len(msg.Content))
			for _, block := range msg.Content {
				if block.Type != models.BlockToolResult || block.ToolResult == nil {
					continue
				}
				if _, ok := pending[block.ToolResult.ToolCallID]; !ok {
					continue
				}
				delete(pending, block.ToolResult.ToolCallID)
				kept = append(kept, block)
			}
			if len(kept) == 0 {
				continue
			}
			copied := msg
			copied.Content = kept
			repaired = append(repaired, copied)

		default:
			repaired = append(repaired, msg)
		}
	}

	return repaired
}
