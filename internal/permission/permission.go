package permission

import (
	"fmt"
	"log"
	"sync"

	"github.com/agent-command/chatd/internal/metrics"
	"github.com/agent-command/chatd/internal/protocol"
)

// Decisions.
const (
	DecisionAllow   = "allow"
	DecisionDeny    = "deny"
	DecisionDismiss = "dismiss"
)

// Request states.
const (
	StatePending   = "pending"
	StateAnswered  = "answered"
	StateCancelled = "cancelled"
)

// Approval scope destinations: how durably an allow is recorded.
const (
	ScopeSession         = "session"
	ScopeLocalSettings   = "localSettings"
	ScopeProjectSettings = "projectSettings"
	ScopeUserSettings    = "userSettings"
)

// Sources: which wire mechanism raised the request. Control requests are
// answered with a control_response; denial notices reported inside a result
// frame are informational and only ever dismissed.
const (
	SourceControl = "control_request"
	SourceDenial  = "result_denial"
)

const (
	denyPreamble    = "The user doesn't want to proceed with this tool use. The tool use was rejected"
	denyDefault     = denyPreamble + " (eg. if this was a file edit, the file was NOT modified)."
	denyPlanDefault = "The user doesn't want to proceed with your plan. Stay in plan mode and address their feedback."
)

// Request is one permission prompt awaiting a decision.
type Request struct {
	ID          string
	ToolName    string
	Input       map[string]any
	Suggestions []map[string]any
	BlockedPath string
	Questions   []protocol.Question
	Source      string

	// ToolUseID links the prompt to the tool record it spawned, so a
	// cancelled prompt can retro-mark the record as failed.
	ToolUseID string

	state    string
	decision string
	answers  []string
}

func (r *Request) State() string    { return r.state }
func (r *Request) Decision() string { return r.decision }

// answered reports whether every question in a batch has an answer.
func (r *Request) answered() bool {
	for _, a := range r.answers {
		if a == "" {
			return false
		}
	}
	return true
}

// SendFunc writes one outbound frame; failures are logged by the transport.
type SendFunc func(payload any) error

// Manager tracks pending permission requests and frames the client's
// answers. Mirrors the pending-approval delivery in the upstream agent
// daemon: one map of in-flight requests, decisions delivered by id.
type Manager struct {
	mu      sync.Mutex
	pending map[string]*Request
	send    SendFunc

	// onCancel runs when a request is externally cancelled.
	onCancel func(*Request)
}

func NewManager(send SendFunc) *Manager {
	return &Manager{
		pending: make(map[string]*Request),
		send:    send,
	}
}

func (m *Manager) SetOnCancel(fn func(*Request)) {
	m.onCancel = fn
}

// HandleRequest registers a control_request as pending. A request id seen
// twice returns the existing entry.
func (m *Manager) HandleRequest(f *protocol.Frame) *Request {
	if f.Request == nil || f.RequestID == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.pending[f.RequestID]; ok {
		return existing
	}
	req := &Request{
		ID:          f.RequestID,
		ToolName:    f.Request.ToolName,
		Input:       f.Request.Input,
		Suggestions: f.Request.Suggestions,
		BlockedPath: f.Request.BlockedPath,
		Questions:   f.Request.Questions,
		Source:      SourceControl,
		state:       StatePending,
		answers:     make([]string, len(f.Request.Questions)),
	}
	m.pending[f.RequestID] = req
	return req
}

// AddDenialNotice registers an informational prompt for a tool call the
// agent reported as blocked. These carry no wire answer; they are dismissed.
func (m *Manager) AddDenialNotice(id string, d protocol.PermissionDenial) *Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.pending[id]; ok {
		return existing
	}
	req := &Request{
		ID:        id,
		ToolName:  d.ToolName,
		Input:     d.ToolInput,
		ToolUseID: d.ToolUseID,
		Source:    SourceDenial,
		state:     StatePending,
	}
	m.pending[id] = req
	return req
}

// HandleCancel force-terminates a pending request. The spawned tool record
// is failed through the onCancel hook.
func (m *Manager) HandleCancel(requestID string) {
	m.mu.Lock()
	req, ok := m.pending[requestID]
	if ok {
		req.state = StateCancelled
		delete(m.pending, requestID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	metrics.PermissionDecisions.WithLabelValues("cancelled").Inc()
	if m.onCancel != nil {
		m.onCancel(req)
	}
}

// Allow answers a request positively. The original tool input rides along
// so the remote side can execute the approved call; updatedInput carries
// user edits; scope, when set, stamps each suggestion with the destination
// the approval should be recorded against.
func (m *Manager) Allow(requestID string, updatedInput map[string]any, scope string) error {
	req, err := m.take(requestID, DecisionAllow)
	if err != nil {
		return err
	}
	if req.Source != SourceControl {
		return nil
	}

	resp := protocol.NewControlResponse(requestID)
	resp.Decision = DecisionAllow
	resp.ToolInput = req.Input
	resp.UpdatedInput = updatedInput
	if scope != "" && len(req.Suggestions) > 0 {
		resp.Suggestions = applyScope(req.Suggestions, scope)
	}
	return m.send(resp)
}

// Deny answers a request negatively with a human-readable rejection. An
// empty reason sends boilerplate (plan-mode boilerplate when planMode is
// set); user free text is appended to the fixed rejection preamble so the
// agent gets both machine-actionable and human-readable context.
func (m *Manager) Deny(requestID, reason string, planMode bool) error {
	req, err := m.take(requestID, DecisionDeny)
	if err != nil {
		return err
	}
	if req.Source != SourceControl {
		return nil
	}

	resp := protocol.NewControlResponse(requestID)
	resp.Decision = DecisionDeny
	switch {
	case reason != "":
		resp.Message = denyPreamble + ". " + reason
	case planMode:
		resp.Message = denyPlanDefault
	default:
		resp.Message = denyDefault
	}
	return m.send(resp)
}

// Dismiss clears a request without sending anything. Used for notices that
// require no decision.
func (m *Manager) Dismiss(requestID string) {
	_, err := m.take(requestID, DecisionDismiss)
	if err != nil {
		log.Printf("Dismiss of unknown permission request %s", requestID)
	}
}

// Answer records one answer of a multi-question batch. The batch is sent as
// a single control_response only once every question has an answer; partial
// batches are held client-side.
func (m *Manager) Answer(requestID string, question int, answer string) error {
	m.mu.Lock()
	req, ok := m.pending[requestID]
	if !ok || question < 0 || question >= len(req.answers) {
		m.mu.Unlock()
		return fmt.Errorf("no pending question %d for request %s", question, requestID)
	}
	req.answers[question] = answer
	if !req.answered() {
		m.mu.Unlock()
		return nil
	}
	req.state = StateAnswered
	req.decision = DecisionAllow
	answers := append([]string(nil), req.answers...)
	delete(m.pending, requestID)
	m.mu.Unlock()

	resp := protocol.NewControlResponse(requestID)
	resp.Answers = answers
	return m.send(resp)
}

// Pending returns the request for an id, if still undecided.
func (m *Manager) Pending(requestID string) (*Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.pending[requestID]
	return req, ok
}

func (m *Manager) take(requestID, decision string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.pending[requestID]
	if !ok {
		return nil, fmt.Errorf("no pending permission request %s", requestID)
	}
	req.state = StateAnswered
	req.decision = decision
	delete(m.pending, requestID)
	metrics.PermissionDecisions.WithLabelValues(decision).Inc()
	return req, nil
}

func applyScope(suggestions []map[string]any, scope string) []map[string]any {
	out := make([]map[string]any, 0, len(suggestions))
	for _, s := range suggestions {
		stamped := make(map[string]any, len(s)+1)
		for k, v := range s {
			stamped[k] = v
		}
		stamped["destination"] = scope
		out = append(out, stamped)
	}
	return out
}
