package convo

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/agent-command/chatd/internal/protocol"
)

func assistantFrame(blocks ...protocol.ContentBlock) *protocol.Message {
	return &protocol.Message{Role: "assistant", Content: blocks}
}

func textBlock(text string) protocol.ContentBlock {
	return protocol.ContentBlock{Type: "text", Text: text}
}

func toolUseBlock(id, name string, input map[string]any) protocol.ContentBlock {
	return protocol.ContentBlock{Type: "tool_use", ID: id, Name: name, Input: input}
}

func toolResultBlock(id, text string, isErr bool) protocol.ContentBlock {
	content, _ := json.Marshal(text)
	return protocol.ContentBlock{Type: "tool_result", ToolUseID: id, Content: content, IsError: isErr}
}

func TestMergeText(t *testing.T) {
	tests := []struct {
		name string
		prev string
		in   string
		want string
	}{
		{"empty previous", "", "Hello", "Hello"},
		{"snapshot grows", "Hel", "Hello", "Hello"},
		{"stale smaller snapshot", "Hello", "Hel", "Hello"},
		{"true delta", "Hello ", "world", "Hello world"},
		{"identical fragment", "Hello", "Hello", "Hello"},
		{"both empty", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MergeText(tt.prev, tt.in); got != tt.want {
				t.Errorf("MergeText(%q, %q) = %q, want %q", tt.prev, tt.in, got, tt.want)
			}
		})
	}
}

func TestMergeTextLaws(t *testing.T) {
	cases := [][2]string{
		{"", "abc"}, {"abc", "abcdef"}, {"abcdef", "abc"}, {"abc", "xyz"}, {"abc", "abc"},
	}
	for _, c := range cases {
		p, i := c[0], c[1]
		once := MergeText(p, i)
		if again := MergeText(p, once); again != once {
			t.Errorf("merge not stable: merge(%q, merge(%q,%q)) = %q, want %q", p, p, i, again, once)
		}
		if len(once) < len(p) || (len(once) < len(i) && MergeText(p, i) != p) {
			t.Errorf("merge shrank: merge(%q,%q) = %q", p, i, once)
		}
	}
}

func TestSnapshotStyleStream(t *testing.T) {
	r := NewReconstructor()
	r.HandleAssistant(assistantFrame(textBlock("Hel")))
	r.HandleAssistant(assistantFrame(textBlock("Hello")))

	parts := r.Parts()
	if len(parts) != 1 {
		t.Fatalf("expected 1 part, got %d", len(parts))
	}
	if parts[0].Text != "Hello" {
		t.Errorf("merged text = %q, want %q", parts[0].Text, "Hello")
	}
}

func TestDuplicateToolAnnouncement(t *testing.T) {
	r := NewReconstructor()
	input := map[string]any{"command": "ls -la"}

	// Same identity twice.
	r.HandleAssistant(assistantFrame(toolUseBlock("tu_1", "Bash", input)))
	r.HandleAssistant(assistantFrame(toolUseBlock("tu_1", "Bash", input)))
	if n := countTools(r); n != 1 {
		t.Fatalf("same identity announced twice: %d records, want 1", n)
	}

	// Different identity, same (name, salient input) signature.
	r.HandleAssistant(assistantFrame(toolUseBlock("tu_2", "Bash", input)))
	if n := countTools(r); n != 1 {
		t.Fatalf("same signature announced twice: %d records, want 1", n)
	}

	// Genuinely different call.
	r.HandleAssistant(assistantFrame(toolUseBlock("tu_3", "Bash", map[string]any{"command": "pwd"})))
	if n := countTools(r); n != 2 {
		t.Fatalf("distinct call suppressed: %d records, want 2", n)
	}
}

func TestDuplicateAnnouncementAliasesIdentity(t *testing.T) {
	r := NewReconstructor()
	input := map[string]any{"command": "make deploy"}

	// Announced first out-of-band, then again by the assistant under its
	// own identity.
	tc := r.AnnounceTool("req_x", "Bash", input)
	r.HandleAssistant(assistantFrame(toolUseBlock("tu_1", "Bash", input)))
	if n := countTools(r); n != 1 {
		t.Fatalf("records = %d, want 1", n)
	}

	// The result is keyed by the suppressed identity and must still land
	// on the surviving record.
	r.HandleUser(&protocol.Message{Content: []protocol.ContentBlock{toolResultBlock("tu_1", "done", false)}})
	if tc.Output != "done" {
		t.Errorf("output = %q, want result routed to surviving record", tc.Output)
	}

	r.FinishTurn(&protocol.Frame{Type: protocol.TypeResult})
	if got := tc.Status(); got != StatusComplete {
		t.Errorf("status = %s, want complete", got)
	}
}

func countTools(r *Reconstructor) int {
	n := 0
	for _, p := range r.Parts() {
		if p.Kind == PartToolUse {
			n++
		}
	}
	return n
}

func TestToolCallLifecycle(t *testing.T) {
	r := NewReconstructor()
	r.HandleAssistant(assistantFrame(toolUseBlock("tu_1", "Read", map[string]any{"file_path": "/tmp/x"})))
	r.HandleUser(&protocol.Message{Content: []protocol.ContentBlock{toolResultBlock("tu_1", "file contents", false)}})
	turn := r.FinishTurn(&protocol.Frame{Type: protocol.TypeResult, Result: "done"})

	var tc *ToolCall
	for _, p := range turn.Parts {
		if p.Kind == PartToolUse {
			tc = p.Tool
		}
	}
	if tc == nil {
		t.Fatal("no tool record in finished turn")
	}
	if got := tc.Status(); got != StatusComplete {
		t.Errorf("status = %q, want %q", got, StatusComplete)
	}
	if tc.Output != "file contents" {
		t.Errorf("output = %q", tc.Output)
	}
}

func TestToolResultError(t *testing.T) {
	r := NewReconstructor()
	r.HandleAssistant(assistantFrame(toolUseBlock("tu_1", "Bash", nil)))
	r.HandleUser(&protocol.Message{Content: []protocol.ContentBlock{toolResultBlock("tu_1", "boom", true)}})

	tc, ok := r.ToolCallFor("tu_1")
	if !ok {
		t.Fatal("record missing")
	}
	if got := tc.Status(); got != StatusError {
		t.Errorf("status = %q, want %q", got, StatusError)
	}
}

func TestScheduledRunningTransition(t *testing.T) {
	r := NewReconstructor()
	r.runningDelay = 5 * time.Millisecond
	r.HandleAssistant(assistantFrame(toolUseBlock("tu_1", "Bash", nil)))

	tc, _ := r.ToolCallFor("tu_1")
	if got := tc.Status(); got != StatusPending {
		t.Fatalf("status before delay = %q, want %q", got, StatusPending)
	}

	deadline := time.Now().Add(time.Second)
	for tc.Status() != StatusRunning {
		if time.Now().After(deadline) {
			t.Fatal("never transitioned to running")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestScheduledTransitionNeverOverridesRealSignal(t *testing.T) {
	r := NewReconstructor()
	r.runningDelay = 5 * time.Millisecond
	r.HandleAssistant(assistantFrame(toolUseBlock("tu_1", "Bash", nil)))

	// A real error lands before the scheduled pending->running fires.
	r.HandleUser(&protocol.Message{Content: []protocol.ContentBlock{toolResultBlock("tu_1", "denied", true)}})

	time.Sleep(30 * time.Millisecond)
	tc, _ := r.ToolCallFor("tu_1")
	if got := tc.Status(); got != StatusError {
		t.Errorf("scheduled transition clobbered real status: %q", got)
	}
}

func TestUnmatchedToolResultIgnored(t *testing.T) {
	r := NewReconstructor()
	r.HandleUser(&protocol.Message{Content: []protocol.ContentBlock{toolResultBlock("tu_missing", "x", false)}})
	if len(r.Parts()) != 0 {
		t.Error("unmatched result created parts")
	}
}

func TestTurnSummaryFallback(t *testing.T) {
	r := NewReconstructor()
	turn := r.FinishTurn(&protocol.Frame{Type: protocol.TypeResult, Result: "summary text"})
	if turn.FinalText != "summary text" {
		t.Errorf("final text = %q, want fallback summary", turn.FinalText)
	}
}

func TestLocalCommandOutputAppendedLast(t *testing.T) {
	r := NewReconstructor()
	r.HandleUser(&protocol.Message{Content: []protocol.ContentBlock{
		{Type: "text", Text: "<local-command-stdout>cmd echo</local-command-stdout>"},
	}})
	turn := r.FinishTurn(&protocol.Frame{Type: protocol.TypeResult, Result: "summary"})
	if turn.FinalText != "summary\ncmd echo" {
		t.Errorf("final text = %q, want summary then command echo", turn.FinalText)
	}
}

func TestFinishTurnResetsState(t *testing.T) {
	r := NewReconstructor()
	r.HandleAssistant(assistantFrame(textBlock("hi"), toolUseBlock("tu_1", "Bash", nil)))
	r.FinishTurn(&protocol.Frame{Type: protocol.TypeResult})

	if len(r.Parts()) != 0 {
		t.Error("parts survived turn reset")
	}
	// Same identity is announceable again next turn.
	r.HandleAssistant(assistantFrame(toolUseBlock("tu_1", "Bash", nil)))
	if n := countTools(r); n != 1 {
		t.Errorf("announcement after reset: %d records, want 1", n)
	}
}

func TestThinkingSeparateFromText(t *testing.T) {
	r := NewReconstructor()
	r.HandleAssistant(assistantFrame(protocol.ContentBlock{Type: "thinking", Thinking: "hmm"}))
	r.HandleAssistant(assistantFrame(textBlock("answer")))

	parts := r.Parts()
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	if parts[0].Kind != PartThinking || parts[1].Kind != PartText {
		t.Errorf("part kinds = %s, %s", parts[0].Kind, parts[1].Kind)
	}
}

func TestSignatureFallsBackToIdentity(t *testing.T) {
	a := Signature("id_a", "Task", map[string]any{"description": 1})
	b := Signature("id_b", "Task", map[string]any{"description": 1})
	if a == b {
		t.Error("identity fallback collided for distinct calls")
	}
}
