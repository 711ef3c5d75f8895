package convo

import (
	"strings"
	"sync"
	"time"

	"github.com/agent-command/chatd/internal/protocol"
)

// Tool call statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusStreaming = "streaming"
	StatusComplete  = "complete"
	StatusError     = "error"
)

// Part kinds.
const (
	PartText     = "text"
	PartThinking = "thinking"
	PartToolUse  = "tool_use"
)

// ToolCall tracks one tool invocation from announcement to resolution.
// Output and Input are only touched by the consumer loop; status is also
// advanced by scheduled timers, so it sits behind its own mutex.
type ToolCall struct {
	ID     string
	Name   string
	Input  map[string]any
	Output string

	mu     sync.Mutex
	status string
}

func (tc *ToolCall) Status() string {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.status
}

func (tc *ToolCall) setStatus(s string) {
	tc.mu.Lock()
	tc.status = s
	tc.mu.Unlock()
}

// casStatus advances status only if it still holds from. A scheduled
// cosmetic transition must never override a real signal that landed first.
func (tc *ToolCall) casStatus(from, to string) bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.status != from {
		return false
	}
	tc.status = to
	return true
}

// Part is one element of a turn's content: an accumulating text or thinking
// span, or a tool invocation.
type Part struct {
	Kind string
	Text string
	Tool *ToolCall
}

// Turn is the reconstructed state of one agent response.
type Turn struct {
	Parts       []*Part
	FinalText   string
	LocalOutput []string
}

// Reconstructor consumes frames in arrival order and rebuilds the current
// turn. It is owned by the single consumer loop; no two frames are ever
// processed concurrently.
type Reconstructor struct {
	parts      []*Part
	textCursor int // index of the open text part, -1 when none

	// identity map and derived signature index, updated together
	records map[string]*ToolCall
	sigs    map[string]string

	localOutput []string

	runningDelay  time.Duration
	completeDelay time.Duration
	timers        []*time.Timer
}

func NewReconstructor() *Reconstructor {
	return &Reconstructor{
		textCursor:    -1,
		records:       make(map[string]*ToolCall),
		sigs:          make(map[string]string),
		runningDelay:  250 * time.Millisecond,
		completeDelay: 200 * time.Millisecond,
	}
}

// MergeText folds an incoming fragment into previously accumulated text.
// It accepts both full-snapshot and true-delta wire styles: a fragment that
// already contains the prior text replaces it, a stale smaller snapshot is
// ignored, anything else is a genuine delta and is appended. Idempotent
// under repeated delivery of the same fragment.
func MergeText(prev, incoming string) string {
	switch {
	case prev == "":
		return incoming
	case strings.HasPrefix(incoming, prev):
		return incoming
	case strings.HasPrefix(prev, incoming):
		return prev
	default:
		return prev + incoming
	}
}

// HandleAssistant processes one assistant frame's content blocks.
func (r *Reconstructor) HandleAssistant(msg *protocol.Message) {
	if msg == nil {
		return
	}
	for _, blk := range msg.Content {
		switch blk.Type {
		case "text":
			r.mergeInto(PartText, blk.Text)
		case "thinking":
			r.mergeInto(PartThinking, blk.Thinking)
		case "tool_use":
			r.announceTool(blk.ID, blk.Name, blk.Input)
		}
	}
}

// HandleUser processes a user frame, which carries tool results and echoes
// of local command output.
func (r *Reconstructor) HandleUser(msg *protocol.Message) {
	if msg == nil {
		return
	}
	for _, blk := range msg.Content {
		switch blk.Type {
		case "tool_result":
			r.resolveTool(blk.ToolUseID, protocol.ResultContentText(blk.Content), blk.IsError)
		case "text":
			if out, ok := localCommandOutput(blk.Text); ok {
				r.localOutput = append(r.localOutput, out)
			}
		}
	}
}

// mergeInto merges a fragment into the open part of the given kind, or
// opens a new one. A part of a different kind closes the text cursor.
func (r *Reconstructor) mergeInto(kind, fragment string) {
	if fragment == "" {
		return
	}
	if r.textCursor >= 0 && r.parts[r.textCursor].Kind == kind {
		p := r.parts[r.textCursor]
		p.Text = MergeText(p.Text, fragment)
		return
	}
	r.parts = append(r.parts, &Part{Kind: kind, Text: fragment})
	r.textCursor = len(r.parts) - 1
}

// announceTool records a newly announced tool invocation. The same logical
// call can be announced through more than one frame kind, so both the
// identity and a (name, salient input) signature are checked before a
// record is created.
func (r *Reconstructor) announceTool(id, name string, input map[string]any) {
	if id == "" {
		return
	}
	if _, ok := r.records[id]; ok {
		return
	}
	sig := Signature(id, name, input)
	if prior, ok := r.sigs[sig]; ok {
		// Same logical call announced under a second identity. Alias it so
		// a result keyed by either identity resolves the one record.
		r.records[id] = r.records[prior]
		return
	}

	tc := &ToolCall{ID: id, Name: name, Input: input, status: StatusPending}
	r.records[id] = tc
	r.sigs[sig] = id
	r.parts = append(r.parts, &Part{Kind: PartToolUse, Tool: tc})
	r.textCursor = -1

	// Reflect dispatch latency rather than appear to hang; a real signal
	// that lands first wins.
	r.scheduleStatus(tc, StatusPending, StatusRunning, r.runningDelay)
}

// AnnounceTool registers a tool invocation raised outside an assistant
// frame (a permission prompt announcing the call ahead of execution).
// Returns the record, whether freshly created or already known.
func (r *Reconstructor) AnnounceTool(id, name string, input map[string]any) *ToolCall {
	r.announceTool(id, name, input)
	return r.records[id]
}

// resolveTool correlates a tool result with its record. Results for unknown
// identities are dropped; correlation anomalies are never raised.
func (r *Reconstructor) resolveTool(id, text string, isErr bool) {
	tc, ok := r.records[id]
	if !ok {
		return
	}
	tc.Output = MergeText(tc.Output, text)
	if isErr {
		tc.setStatus(StatusError)
		return
	}
	tc.setStatus(StatusStreaming)
	r.scheduleStatus(tc, StatusStreaming, StatusComplete, r.completeDelay)
}

// MarkError force-fails a tool record, used when the permission prompt that
// spawned it is cancelled.
func (r *Reconstructor) MarkError(id string) {
	if tc, ok := r.records[id]; ok {
		tc.setStatus(StatusError)
	}
}

// ToolCallFor returns the record for an identity, if any.
func (r *Reconstructor) ToolCallFor(id string) (*ToolCall, bool) {
	tc, ok := r.records[id]
	return tc, ok
}

func (r *Reconstructor) scheduleStatus(tc *ToolCall, from, to string, delay time.Duration) {
	r.timers = append(r.timers, time.AfterFunc(delay, func() {
		tc.casStatus(from, to)
	}))
}

// Parts returns the current turn's content parts in order.
func (r *Reconstructor) Parts() []*Part {
	return r.parts
}

// FinishTurn ends the current turn on a result frame and resets state for
// the next one. When no text accumulated this turn, the result summary
// becomes the displayable text. Trailing local command output is appended
// last so command echoes surface even when they arrived before the
// terminating frame.
func (r *Reconstructor) FinishTurn(f *protocol.Frame) *Turn {
	// The turn is over: results already delivered settle to complete
	// without waiting out their scheduled transition.
	for _, tc := range r.records {
		tc.casStatus(StatusStreaming, StatusComplete)
	}

	turn := &Turn{Parts: r.parts, LocalOutput: r.localOutput}

	text := ""
	for _, p := range r.parts {
		if p.Kind == PartText {
			text = p.Text
		}
	}
	if text == "" && f != nil {
		text = f.Result
	}
	if len(r.localOutput) > 0 {
		joined := strings.Join(r.localOutput, "\n")
		if text == "" {
			text = joined
		} else {
			text = text + "\n" + joined
		}
	}
	turn.FinalText = text

	r.parts = nil
	r.textCursor = -1
	r.localOutput = nil
	r.records = make(map[string]*ToolCall)
	r.sigs = make(map[string]string)
	for _, t := range r.timers {
		t.Stop()
	}
	r.timers = nil

	return turn
}

// Signature derives the duplicate-suppression key for a tool call: tool
// name plus its most salient input field, falling back to the identity when
// no salient field exists.
func Signature(id, name string, input map[string]any) string {
	for _, key := range []string{"command", "file_path", "path", "pattern", "query", "url"} {
		if v, ok := input[key].(string); ok && v != "" {
			return name + "\x00" + v
		}
	}
	return name + "\x00" + id
}

func localCommandOutput(text string) (string, bool) {
	const openTag, closeTag = "<local-command-stdout>", "</local-command-stdout>"
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, openTag) && strings.HasSuffix(trimmed, closeTag) {
		return strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(trimmed, openTag), closeTag)), true
	}
	return "", false
}
