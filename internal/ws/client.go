package ws

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agent-command/chatd/internal/metrics"
	"github.com/agent-command/chatd/internal/protocol"
)

// Params are the parameters a connection is opened with. Replacing them
// closes the old connection and opens a new one carrying the same session
// identifier.
type Params struct {
	SessionID         string
	Mode              string
	ForceNew          bool
	Resume            bool
	Model             string
	MaxThinkingTokens int
	MaxTurns          int
	MaxBudgetUSD      float64
	AllowedTools      []string
	DisallowedTools   []string
	Files             []protocol.FileRef
}

// Conn is the subset of *websocket.Conn the manager uses; tests substitute
// their own.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	Close() error
}

// Dialer opens the transport. The default wraps gorilla's dialer.
type Dialer func(rawURL string, header http.Header) (Conn, error)

// FrameHandler receives every parsed inbound frame in arrival order.
type FrameHandler func(f *protocol.Frame)

// Manager owns the transport handle and the open/close lifecycle. Only an
// abnormal transport closure triggers an automatic reconnect, after a fixed
// delay, and only while no newer connection has been opened since; the
// generation counter stands in for handle identity at every async
// resumption point.
type Manager struct {
	baseURL        string
	token          string
	reconnectDelay time.Duration
	caps           protocol.Capabilities

	dial    Dialer
	onFrame FrameHandler
	onDown  func(err error)

	mu     sync.Mutex
	conn   Conn
	params Params
	gen    uint64
}

func NewManager(baseURL, token string, reconnectDelay time.Duration, caps protocol.Capabilities) *Manager {
	return &Manager{
		baseURL:        baseURL,
		token:          token,
		reconnectDelay: reconnectDelay,
		caps:           caps,
		dial:           gorillaDial,
	}
}

func gorillaDial(rawURL string, header http.Header) (Conn, error) {
	c, _, err := websocket.DefaultDialer.Dial(rawURL, header)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// SetDialer overrides the transport dialer; tests use this.
func (m *Manager) SetDialer(d Dialer) {
	m.dial = d
}

func (m *Manager) SetFrameHandler(handler FrameHandler) {
	m.onFrame = handler
}

// SetDownHandler installs the callback invoked when the transport is down
// and no automatic reconnect will follow.
func (m *Manager) SetDownHandler(handler func(err error)) {
	m.onDown = handler
}

// Open dials a new connection with the given parameters, superseding any
// current one. The initialize control frame declaring client capabilities
// is sent before any other traffic.
func (m *Manager) Open(params Params) error {
	target, err := m.buildURL(params)
	if err != nil {
		return err
	}

	headers := http.Header{}
	if m.token != "" {
		headers.Set("Authorization", "Bearer "+m.token)
	}

	c, err := m.dial(target, headers)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	m.mu.Lock()
	if m.conn != nil {
		m.conn.Close()
	}
	m.conn = c
	m.params = params
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	go m.reader(c, gen)

	return m.Send(protocol.Initialize(m.caps))
}

// SetSessionID replaces the session identifier in the stored connection
// parameters. An automatic resume after an abnormal closure must carry the
// id the server answered with, not the one the connection was requested
// under.
func (m *Manager) SetSessionID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.params.SessionID = id
}

// Params returns the parameters of the current connection.
func (m *Manager) Params() Params {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.params
}

func (m *Manager) buildURL(params Params) (string, error) {
	u, err := url.Parse(m.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint url: %w", err)
	}

	q := u.Query()
	q.Set("session_id", params.SessionID)
	q.Set("mode", params.Mode)
	q.Set("force_new", strconv.FormatBool(params.ForceNew))
	q.Set("resume", strconv.FormatBool(params.Resume))
	if params.Model != "" {
		q.Set("model", params.Model)
	}
	if params.MaxThinkingTokens > 0 {
		q.Set("max_thinking_tokens", strconv.Itoa(params.MaxThinkingTokens))
	}
	if params.MaxTurns > 0 {
		q.Set("max_turns", strconv.Itoa(params.MaxTurns))
	}
	if params.MaxBudgetUSD > 0 {
		q.Set("max_budget_usd", strconv.FormatFloat(params.MaxBudgetUSD, 'f', -1, 64))
	}
	if len(params.AllowedTools) > 0 {
		q.Set("allowed_tools", strings.Join(params.AllowedTools, ","))
	}
	if len(params.DisallowedTools) > 0 {
		q.Set("disallowed_tools", strings.Join(params.DisallowedTools, ","))
	}
	for _, f := range params.Files {
		q.Add("file", f.ID+":"+f.Path)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

func (m *Manager) reader(c Conn, gen uint64) {
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			m.handleReadError(c, gen, err)
			return
		}

		frame, perr := protocol.Parse(message)
		if perr != nil {
			// Unparsable frames are dropped; never fatal to the loop.
			log.Printf("Dropping bad frame: %v", perr)
			metrics.FramesDropped.Inc()
			continue
		}

		m.mu.Lock()
		current := gen == m.gen
		m.mu.Unlock()
		if !current {
			return
		}
		if m.onFrame != nil {
			m.onFrame(frame)
		}
	}
}

func (m *Manager) handleReadError(c Conn, gen uint64, err error) {
	c.Close()

	m.mu.Lock()
	if gen != m.gen {
		// Superseded or deliberately closed; never resurrect.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	params := m.params
	m.mu.Unlock()

	if !websocket.IsCloseError(err, websocket.CloseAbnormalClosure) {
		log.Printf("Connection closed: %v", err)
		m.down(err)
		return
	}

	log.Printf("Abnormal closure, reconnecting in %v", m.reconnectDelay)
	time.AfterFunc(m.reconnectDelay, func() {
		m.mu.Lock()
		stale := gen != m.gen
		m.mu.Unlock()
		if stale {
			return
		}
		metrics.Reconnects.Inc()
		params.Resume = true
		params.ForceNew = false
		if rerr := m.Open(params); rerr != nil {
			log.Printf("Reconnect failed: %v", rerr)
			m.down(rerr)
			return
		}
		log.Printf("Reconnected")
	})
}

func (m *Manager) down(err error) {
	if m.onDown != nil {
		m.onDown(err)
	}
}

// Send writes one outbound frame. A send while the transport is not open
// fails silently apart from a log line; correctness rides on identity
// correlation, not on delivery of any individual frame.
func (m *Manager) Send(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil {
		log.Printf("Send while not connected, dropping frame")
		return nil
	}
	return m.conn.WriteMessage(websocket.TextMessage, data)
}

// Connected reports whether a transport handle is currently open.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// Close shuts the connection down deliberately. Deliberate shutdowns are
// never retried.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.gen++
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}
