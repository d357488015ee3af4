package models

import "testing"

func TestFirstTextAndConcatText(t *testing.T) {
	msg := Message{
		Role: RoleAssistant,
		Content: []ContentBlock{
			Thinking("reasoning...", "sig"),
			Text("hello "),
			Text("world"),
		},
	}

	if got := msg.FirstText(); got != "hello " {
		t.Fatalf("FirstText() = %q, want %q", got, "hello ")
	}
	if got := msg.ConcatText(); got != "hello world" {
		t.Fatalf("ConcatText() = %q, want %q", got, "hello world")
	}
}

func TestToolUsesAndToolResults(t *testing.T) {
	call := ToolCall{ID: "call_1", Name: "calc", Input: []byte(`{"x":1}`)}
	msg := Message{
		Role:    RoleAssistant,
		Content: []ContentBlock{Text("using a tool"), ToolUseBlock(call)},
	}
	uses := msg.ToolUses()
	if len(uses) != 1 || uses[0].ID != "call_1" {
		t.Fatalf("ToolUses() = %+v, want one call_1", uses)
	}

	result := ToolResult{ToolCallID: "call_1", Content: "2"}
	resMsg := Message{Role: RoleTool, Content: []ContentBlock{ToolResultBlock(result)}}
	results := resMsg.ToolResults()
	if len(results) != 1 || results[0].Content != "2" {
		t.Fatalf("ToolResults() = %+v, want one result", results)
	}
}

func TestIsEmpty(t *testing.T) {
	cases := []struct {
		name string
		msg  Message
		want bool
	}{
		{"no blocks", Message{Role: RoleAssistant}, true},
		{"blank text", Message{Role: RoleAssistant, Content: []ContentBlock{Text("")}}, true},
		{"has text", Message{Role: RoleAssistant, Content: []ContentBlock{Text("hi")}}, false},
		{"has tool use", Message{Role: RoleAssistant, Content: []ContentBlock{ToolUseBlock(ToolCall{ID: "1"})}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.msg.IsEmpty(); got != tc.want {
				t.Fatalf("IsEmpty() = %v, want %v", got, tc.want)
			}
		})
	}
}
