package main

import (
	"context"
	"fmt"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/pkg/models"
)

// OnToolCallback is invoked for each tool lifecycle event (§6's
// on_tool_cb): name is the tool's name. args is always nil, because the
// lifecycle events carry no tool input.
type OnToolCallback func(name string, args []byte)

// OnStatusCallback is invoked at status transitions (§6's on_status_cb).
type OnStatusCallback func(status, detail string)

// ProcessMessage implements §6's external entry point: append text (and an
// optional image) to session_id's history, run the tool loop to
// completion, persist the resulting turns, and return the final assistant
// text. modelOverride, if non-empty, is recorded as the session's sticky
// override and used for this and future turns until cleared.
func ProcessMessage(ctx context.Context, eng *Engine, sessionID, text string, imageURL string, modelOverride string, onTool OnToolCallback, onStatus OnStatusCallback) (string, error) {
	session := eng.Sessions.GetOrCreate(sessionID)

	if modelOverride != "" {
		eng.Sessions.SetModelOverride(sessionID, modelOverride)
	}
	model := modelOverride
	if model == "" {
		model, _ = eng.Sessions.LoadModelOverride(sessionID)
	}

	blocks := []models.ContentBlock{models.Text(text)}
	if imageURL != "" {
		blocks = append(blocks, models.ContentBlock{Type: models.BlockImage, Image: &models.ImageBlock{URL: imageURL}})
	}
	userMsg := models.Message{Role: models.RoleUser, Content: blocks}

	var toolEvent func(*agent.ToolLifecycleEvent)
	if onTool != nil {
		toolEvent = func(ev *agent.ToolLifecycleEvent) {
			onTool(ev.ToolName, nil)
		}
	}
	loop := eng.Loop.WithCallbacks(toolEvent, onStatus)

	historyLen := len(session.History)
	call := agent.LLMCall{
		SessionID: sessionID,
		Model:     model,
		Messages:  append(append([]models.Message(nil), session.History...), userMsg),
	}

	result, err := loop.Run(ctx, call)
	if err != nil {
		return "", fmt.Errorf("process message: %w", err)
	}

	for _, msg := range result.Messages[historyLen:] {
		eng.Sessions.Append(sessionID, msg)
	}

	return result.FinalText, nil
}
