package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Frame types exchanged over the session websocket.
const (
	TypeSystem               = "system"
	TypeAssistant            = "assistant"
	TypeUser                 = "user"
	TypeResult               = "result"
	TypeControl              = "control"
	TypeControlRequest       = "control_request"
	TypeControlCancelRequest = "control_cancel_request"
	TypeControlResponse      = "control_response"
)

// System frame subtypes.
const (
	SubtypeConnected       = "connected"
	SubtypeError           = "error"
	SubtypeInit            = "init"
	SubtypeSessionNotFound = "session_not_found"
)

// Control frame subtypes.
const (
	SubtypeInitialize           = "initialize"
	SubtypeInterrupt            = "interrupt"
	SubtypeSetModel             = "set_model"
	SubtypeSetMaxThinkingTokens = "set_max_thinking_tokens"
	SubtypeSetMode              = "set_mode"
)

// Frame is the envelope for every message on the wire. Fields are a union
// over all frame kinds; which ones are populated depends on Type.
type Frame struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	// assistant / user frames
	Message *Message `json:"message,omitempty"`

	// result frames
	Result            string             `json:"result,omitempty"`
	IsError           bool               `json:"is_error,omitempty"`
	PermissionDenials []PermissionDenial `json:"permission_denials,omitempty"`

	// control_request / control_cancel_request frames
	Request *ControlRequest `json:"request,omitempty"`

	// system/error frames
	Error string `json:"error,omitempty"`

	// system/connected frames advertise whether the server applies mode
	// changes live or needs a restart.
	CanSetModeLive bool `json:"can_set_mode_live,omitempty"`
}

// Message is the inner message carried by assistant and user frames.
type Message struct {
	Role    string         `json:"role,omitempty"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock is one item of a message's content array. The Type
// discriminator selects which fields are meaningful: "text" and "thinking"
// carry text, "tool_use" carries ID/Name/Input, "tool_result" carries
// ToolUseID/Content/IsError.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     map[string]any  `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ControlRequest is the body of a permission prompt raised by the agent.
type ControlRequest struct {
	Subtype     string           `json:"subtype,omitempty"`
	ToolName    string           `json:"tool_name,omitempty"`
	Input       map[string]any   `json:"input,omitempty"`
	Suggestions []map[string]any `json:"permission_suggestions,omitempty"`
	BlockedPath string           `json:"blocked_path,omitempty"`
	Questions   []Question       `json:"questions,omitempty"`
}

// Question is one entry of a structured multi-question permission request.
type Question struct {
	ID      string   `json:"id,omitempty"`
	Text    string   `json:"question"`
	Options []string `json:"options,omitempty"`
}

// PermissionDenial summarizes a tool call the agent was not allowed to run,
// reported inside a result frame.
type PermissionDenial struct {
	ToolName  string         `json:"tool_name"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`
}

// Parse decodes one raw websocket message into a Frame. A missing type
// discriminator is an error; unknown types parse fine and are skipped by
// the consumer.
func Parse(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame missing type discriminator")
	}
	return &f, nil
}

// ResultContentText flattens a tool_result content payload to plain text.
// The wire sends either a bare string or an array of {type:"text"} blocks.
func ResultContentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var b strings.Builder
	for _, blk := range blocks {
		if blk.Type == "text" {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

// FileRef identifies a previously uploaded attachment.
type FileRef struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

// Capabilities declared in the initialize control frame.
type Capabilities struct {
	Permissions         bool `json:"permissions"`
	DiffRendering       bool `json:"diff_rendering"`
	StructuredQuestions bool `json:"structured_questions"`
}

// Initialize builds the control/initialize frame sent immediately after a
// connection opens.
func Initialize(caps Capabilities) map[string]any {
	return map[string]any{
		"type":         TypeControl,
		"subtype":      SubtypeInitialize,
		"capabilities": caps,
	}
}

// UserMessage builds an outbound user text frame.
func UserMessage(text, mode string, contextFiles []FileRef) map[string]any {
	msg := map[string]any{
		"type": TypeUser,
		"message": map[string]any{
			"role":    "user",
			"content": text,
		},
		"mode": mode,
	}
	if len(contextFiles) > 0 {
		msg["context_files"] = contextFiles
	}
	return msg
}

// Interrupt builds the control frame that cancels the in-flight turn.
func Interrupt() map[string]any {
	return map[string]any{"type": TypeControl, "subtype": SubtypeInterrupt}
}

// SetModel builds the live model-change control frame.
func SetModel(model string) map[string]any {
	return map[string]any{"type": TypeControl, "subtype": SubtypeSetModel, "model": model}
}

// SetMaxThinkingTokens builds the live thinking-budget control frame.
func SetMaxThinkingTokens(tokens int) map[string]any {
	return map[string]any{"type": TypeControl, "subtype": SubtypeSetMaxThinkingTokens, "max_thinking_tokens": tokens}
}

// SetMode builds the live permission-mode control frame.
func SetMode(mode string) map[string]any {
	return map[string]any{"type": TypeControl, "subtype": SubtypeSetMode, "mode": mode}
}

// ControlResponse is the client's answer to a control_request.
type ControlResponse struct {
	Type         string           `json:"type"`
	RequestID    string           `json:"request_id"`
	Decision     string           `json:"decision,omitempty"`
	Answers      []string         `json:"answers,omitempty"`
	ToolInput    map[string]any   `json:"tool_input,omitempty"`
	UpdatedInput map[string]any   `json:"updatedInput,omitempty"`
	Suggestions  []map[string]any `json:"permission_suggestions,omitempty"`
	Message      string           `json:"message,omitempty"`
}

// NewControlResponse builds a control_response for the given request id.
func NewControlResponse(requestID string) *ControlResponse {
	return &ControlResponse{Type: TypeControlResponse, RequestID: requestID}
}
