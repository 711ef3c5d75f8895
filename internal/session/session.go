package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agent-command/chatd/internal/convo"
	"github.com/agent-command/chatd/internal/metrics"
	"github.com/agent-command/chatd/internal/permission"
	"github.com/agent-command/chatd/internal/protocol"
	"github.com/agent-command/chatd/internal/queue"
	"github.com/agent-command/chatd/internal/transcript"
	"github.com/agent-command/chatd/internal/ws"
)

// Error kinds surfaced to the presentation layer. Everything else resolves
// inside the core.
const (
	ErrorTransport = "transport"
	ErrorSession   = "session"
)

// Controller decides when to open a new session vs. resume, when to force a
// hard restart, and drives the single consumer loop that turns inbound
// frames into conversation state. No two frames for the session are ever
// processed concurrently.
type Controller struct {
	manager *ws.Manager
	queue   *queue.Queue
	recon   *convo.Reconstructor
	perms   *permission.Manager
	store   *transcript.Store

	mu        sync.Mutex
	sessionID string
	desired   ws.Params
	dirty     bool // params changed since last open; next connect hard-restarts
	liveMode  bool // server applies set_mode without a restart
	opened    bool

	onTurn       func(*convo.Turn)
	onPermission func(*permission.Request)
	onError      func(kind, message string)

	cancel context.CancelFunc
	done   chan struct{}
}

func NewController(manager *ws.Manager, store *transcript.Store, params ws.Params) *Controller {
	c := &Controller{
		manager: manager,
		queue:   queue.New(),
		recon:   convo.NewReconstructor(),
		store:   store,
		desired: params,
		done:    make(chan struct{}),
	}
	if c.desired.SessionID == "" {
		c.desired.SessionID = uuid.New().String()
	}
	c.sessionID = c.desired.SessionID

	c.perms = permission.NewManager(manager.Send)
	c.perms.SetOnCancel(func(req *permission.Request) {
		if req.ToolUseID != "" {
			c.recon.MarkError(req.ToolUseID)
		}
	})

	manager.SetFrameHandler(c.queue.Push)
	manager.SetDownHandler(func(err error) {
		c.surface(ErrorTransport, err.Error())
	})
	return c
}

func (c *Controller) SetTurnHandler(fn func(*convo.Turn)) {
	c.onTurn = fn
}

func (c *Controller) SetPermissionHandler(fn func(*permission.Request)) {
	c.onPermission = fn
}

func (c *Controller) SetErrorHandler(fn func(kind, message string)) {
	c.onError = fn
}

// Permissions exposes the handshake manager for answering prompts.
func (c *Controller) Permissions() *permission.Manager { return c.perms }

// SessionID returns the authoritative session identifier.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Start connects and launches the consumer loop. When the initial connect
// fails the loop never launches and Stop has nothing to wait for.
func (c *Controller) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	if err := c.connect(false); err != nil {
		cancel()
		return err
	}

	c.cancel = cancel
	go c.run(ctx)
	return nil
}

// connect opens a connection for the current desired parameters. Parameter
// changes since the last successful open escalate a plain connect or resume
// into a hard restart of the remote process.
func (c *Controller) connect(resume bool) error {
	c.mu.Lock()
	params := c.desired
	params.SessionID = c.sessionID
	if c.dirty || !c.opened {
		params.ForceNew = c.dirty
		params.Resume = false
	} else {
		params.ForceNew = false
		params.Resume = resume
	}
	c.mu.Unlock()

	if err := c.manager.Open(params); err != nil {
		return err
	}

	c.mu.Lock()
	c.dirty = false
	c.opened = true
	c.mu.Unlock()
	return nil
}

// run is the consumer loop. It suspends only while awaiting the next frame;
// everything inside one iteration runs to completion before the next
// suspension point.
func (c *Controller) run(ctx context.Context) {
	defer close(c.done)
	for {
		f, err := c.queue.Next(ctx)
		if err != nil {
			if !errors.Is(err, queue.ErrDone) && !errors.Is(err, context.Canceled) {
				log.Printf("Consumer loop stopped: %v", err)
			}
			return
		}
		c.dispatch(f)
	}
}

func (c *Controller) dispatch(f *protocol.Frame) {
	metrics.FramesReceived.WithLabelValues(f.Type).Inc()

	switch f.Type {
	case protocol.TypeSystem:
		c.handleSystem(f)
	case protocol.TypeAssistant:
		c.recon.HandleAssistant(f.Message)
	case protocol.TypeUser:
		c.recon.HandleUser(f.Message)
	case protocol.TypeResult:
		c.handleResult(f)
	case protocol.TypeControl:
		c.handleControlEcho(f)
	case protocol.TypeControlRequest:
		c.handleControlRequest(f)
	case protocol.TypeControlCancelRequest:
		c.perms.HandleCancel(f.RequestID)
	default:
		log.Printf("Ignoring frame type %q", f.Type)
	}
}

func (c *Controller) handleSystem(f *protocol.Frame) {
	switch f.Subtype {
	case protocol.SubtypeConnected:
		c.mu.Lock()
		if f.SessionID != "" && f.SessionID != c.sessionID {
			// Authoritative id from the server, e.g. on resume.
			log.Printf("Session id %s superseded by %s", c.sessionID, f.SessionID)
			c.sessionID = f.SessionID
		}
		c.liveMode = f.CanSetModeLive
		c.mu.Unlock()
		if f.SessionID != "" {
			c.manager.SetSessionID(f.SessionID)
		}
	case protocol.SubtypeSessionNotFound:
		// Recovered transparently: mint a fresh identity and reopen.
		fresh := uuid.New().String()
		log.Printf("Session not found, starting fresh session %s", fresh)
		c.mu.Lock()
		c.sessionID = fresh
		c.dirty = true
		c.mu.Unlock()
		metrics.SessionRestarts.Inc()
		if err := c.connect(false); err != nil {
			c.surface(ErrorTransport, err.Error())
		}
	case protocol.SubtypeError:
		c.surface(ErrorSession, f.Error)
	case protocol.SubtypeInit:
		// Informational.
	default:
		log.Printf("Ignoring system subtype %q", f.Subtype)
	}
}

func (c *Controller) handleResult(f *protocol.Frame) {
	metrics.TurnsCompleted.Inc()

	turn := c.recon.FinishTurn(f)
	c.writeTranscript(turn)

	if f.IsError {
		c.surface(ErrorSession, f.Result)
	}

	// Denials inside a result are actionable prompts, not errors.
	for _, d := range f.PermissionDenials {
		id := d.ToolUseID
		if id == "" {
			id = uuid.New().String()
		}
		req := c.perms.AddDenialNotice(id, d)
		if c.onPermission != nil {
			c.onPermission(req)
		}
	}

	if c.onTurn != nil {
		c.onTurn(turn)
	}
}

func (c *Controller) handleControlEcho(f *protocol.Frame) {
	// Session-level settings echo; nothing to reconcile beyond logging.
	log.Printf("Control echo: subtype=%s", f.Subtype)
}

func (c *Controller) handleControlRequest(f *protocol.Frame) {
	req := c.perms.HandleRequest(f)
	if req == nil {
		return
	}
	// A permission prompt announces the tool call ahead of execution; give
	// it a record now so the prompt and the eventual tool_use correlate.
	if req.ToolName != "" && len(req.Questions) == 0 {
		tc := c.recon.AnnounceTool(f.RequestID, req.ToolName, req.Input)
		if tc != nil {
			req.ToolUseID = tc.ID
		}
	}
	if c.onPermission != nil {
		c.onPermission(req)
	}
}

func (c *Controller) writeTranscript(turn *convo.Turn) {
	if c.store == nil {
		return
	}
	entry := transcript.Entry{
		Time: time.Now().UTC(),
		Role: "assistant",
		Text: turn.FinalText,
	}
	for _, p := range turn.Parts {
		if p.Kind != convo.PartToolUse {
			continue
		}
		status := p.Tool.Status()
		metrics.ToolCalls.WithLabelValues(status).Inc()
		entry.ToolCalls = append(entry.ToolCalls, transcript.ToolCallEntry{
			ID:     p.Tool.ID,
			Name:   p.Tool.Name,
			Status: status,
			Output: p.Tool.Output,
		})
	}
	if err := c.store.Append(c.SessionID(), entry); err != nil {
		log.Printf("Transcript write failed: %v", err)
	}
}

// SendMessage sends a user message for the current turn. Fire-and-forget
// relative to the consumer loop.
func (c *Controller) SendMessage(text string, files []protocol.FileRef) error {
	c.mu.Lock()
	mode := c.desired.Mode
	c.mu.Unlock()
	if c.store != nil {
		err := c.store.Append(c.SessionID(), transcript.Entry{
			Time: time.Now().UTC(),
			Role: "user",
			Text: text,
		})
		if err != nil {
			log.Printf("Transcript write failed: %v", err)
		}
	}
	return c.manager.Send(protocol.UserMessage(text, mode, files))
}

// Interrupt cancels the in-flight turn. The consumer loop keeps running and
// processes whatever frames the remote side still emits.
func (c *Controller) Interrupt() error {
	return c.manager.Send(protocol.Interrupt())
}

// SetMode changes the autonomy level. Applied live when the connection is
// open and the server supports it; otherwise the session restarts with the
// new mode baked into the connection parameters, preserving the session
// identifier.
func (c *Controller) SetMode(mode string) error {
	c.mu.Lock()
	if c.desired.Mode == mode {
		c.mu.Unlock()
		return nil
	}
	c.desired.Mode = mode
	live := c.liveMode && c.manager.Connected()
	if !live {
		c.dirty = true
	}
	c.mu.Unlock()

	if live {
		return c.manager.Send(protocol.SetMode(mode))
	}
	metrics.SessionRestarts.Inc()
	return c.connect(false)
}

// SetModel changes the model: applied live when possible, and baked into
// the parameters so the next connect hard-restarts with it.
func (c *Controller) SetModel(model string) error {
	c.mu.Lock()
	changed := c.desired.Model != model
	c.desired.Model = model
	if changed {
		c.dirty = true
	}
	open := c.manager.Connected()
	c.mu.Unlock()

	if changed && open {
		return c.manager.Send(protocol.SetModel(model))
	}
	return nil
}

// SetMaxThinkingTokens changes the thinking budget, same policy as SetModel.
func (c *Controller) SetMaxThinkingTokens(tokens int) error {
	c.mu.Lock()
	changed := c.desired.MaxThinkingTokens != tokens
	c.desired.MaxThinkingTokens = tokens
	if changed {
		c.dirty = true
	}
	open := c.manager.Connected()
	c.mu.Unlock()

	if changed && open {
		return c.manager.Send(protocol.SetMaxThinkingTokens(tokens))
	}
	return nil
}

// SetFiles replaces the attached-file set; takes effect on the next
// connect, which will hard-restart.
func (c *Controller) SetFiles(files []protocol.FileRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.desired.Files = files
	c.dirty = true
}

// Reconnect re-establishes the connection after a surfaced transport error.
func (c *Controller) Reconnect() error {
	return c.connect(true)
}

// Parts returns the current turn's reconstructed content. Owned by the
// consumer loop; callers treat it as a read-only snapshot between frames.
func (c *Controller) Parts() []*convo.Part {
	return c.recon.Parts()
}

func (c *Controller) surface(kind, message string) {
	log.Printf("%s error: %s", kind, message)
	if c.onError != nil {
		c.onError(kind, message)
	}
}

// Stop shuts the session down. The remote session is never deleted.
func (c *Controller) Stop() {
	c.manager.Close()
	c.queue.Close()
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	if c.store != nil {
		c.store.Close()
	}
}
