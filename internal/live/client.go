// Package live keeps one push channel open for a view and reconnects it
// after abnormal closures.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/aofiee/chat-view/internal/metrics"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultReconnectDelay = 3 * time.Second
	DefaultMaxFailures    = 5
	DefaultLogSize        = 200
)

const (
	msgTimeout      = "WebSocket connection timeout - server may not be running"
	msgUnreachable  = "WebSocket server not reachable - check if server is running"
	msgOverloaded   = "WebSocket server reported insufficient resources - server may be overloaded or not properly configured"
	msgMaxAttempts  = "Maximum reconnection attempts reached - server may be offline"
	msgManualNeeded = "Server reported insufficient resources - manual reconnection required"
)

var ErrNotConnected = errors.New("websocket not connected")

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "idle"
	}
}

type Handlers struct {
	OnConnect    func()
	OnMessage    func(Frame)
	OnDisconnect func(code int, reason string)
	OnError      func(error)
}

type Options struct {
	BaseURL        string
	Dialer         Dialer
	Handlers       Handlers
	Logger         zerolog.Logger
	AfterFunc      AfterFunc
	Now            func() time.Time
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	MaxFailures    int
	LogSize        int
}

// Status is a point-in-time snapshot for display.
type Status struct {
	State     State
	Scope     Scope
	Connected bool
	Error     string
	Failures  int
	LastClose int
}

// Client owns at most one connection. Each connection attempt carries a
// generation number; events from an older generation are dropped.
type Client struct {
	opts Options
	log  zerolog.Logger

	mu        sync.Mutex
	scope     Scope
	hasScope  bool
	enabled   bool
	state     State
	gen       uint64
	conn      Conn
	cancel    context.CancelFunc
	timer     Stopper
	failures  int
	lastErr   string
	lastClose int
	entries   []LogEntry

	writeMu sync.Mutex
}

func New(opts Options) *Client {
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{}
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = realAfterFunc
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = DefaultMaxFailures
	}
	if opts.LogSize <= 0 {
		opts.LogSize = DefaultLogSize
	}
	return &Client{opts: opts, log: opts.Logger}
}

// SetScope enables the channel for scope. A scope with a different key tears
// down the current connection and any pending reconnect before dialing.
func (c *Client) SetScope(scope Scope) error {
	c.mu.Lock()
	if c.enabled && c.hasScope && c.scope.Key() == scope.Key() && c.state != StateIdle {
		c.mu.Unlock()
		return nil
	}
	old := c.teardownLocked()
	c.scope = scope
	c.hasScope = true
	c.enabled = true
	c.failures = 0
	c.lastErr = ""
	err := c.connectLocked()
	c.mu.Unlock()

	closeConn(old, "Disconnecting WebSocket for scope change")
	return err
}

// Disconnect closes the channel and stops reconnecting. It is safe to call
// in any state, any number of times.
func (c *Client) Disconnect() {
	c.mu.Lock()
	old := c.teardownLocked()
	c.enabled = false
	c.failures = 0
	c.lastErr = ""
	c.mu.Unlock()

	closeConn(old, "Manual disconnect")
}

// Reconnect is the manual retry after a terminal error.
func (c *Client) Reconnect() error {
	c.mu.Lock()
	if !c.hasScope {
		c.mu.Unlock()
		return errors.New("no channel scope set")
	}
	old := c.teardownLocked()
	c.enabled = true
	c.failures = 0
	c.lastErr = ""
	err := c.connectLocked()
	c.mu.Unlock()

	closeConn(old, "Manual disconnect")
	return err
}

// Send writes v as a text frame: strings as is, anything else as JSON.
func (c *Client) Send(v any) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected && conn != nil
	if !connected {
		c.recordLocked(LogWarning, "Cannot send message: WebSocket not connected")
		c.mu.Unlock()
		return ErrNotConnected
	}
	scope := c.scope
	c.mu.Unlock()

	var data []byte
	switch t := v.(type) {
	case string:
		data = []byte(t)
	case []byte:
		data = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			c.record(LogError, "Failed to send message: "+err.Error())
			return err
		}
		data = b
	}

	c.writeMu.Lock()
	err := conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.record(LogError, "Failed to send message: "+err.Error())
		return err
	}
	metrics.LiveFrames.WithLabelValues(scope.Kind.String(), "out").Inc()
	c.record(LogSent, string(data))
	return nil
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:     c.state,
		Scope:     c.scope,
		Connected: c.state == StateConnected,
		Error:     c.lastErr,
		Failures:  c.failures,
		LastClose: c.lastClose,
	}
}

// teardownLocked invalidates the current generation and returns the
// connection for the caller to close after releasing the lock.
func (c *Client) teardownLocked() Conn {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	old := c.conn
	c.conn = nil
	if old != nil {
		c.recordLocked(LogLog, "Disconnecting WebSocket")
	}
	c.setStateLocked(StateIdle)
	return old
}

func closeConn(conn Conn, reason string) {
	if conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
	_ = conn.Close()
}

func (c *Client) setStateLocked(s State) {
	c.state = s
	if c.hasScope {
		metrics.LiveState.WithLabelValues(c.scope.Kind.String()).Set(float64(s))
	}
}

func (c *Client) connectLocked() error {
	url, err := c.scope.URL(c.opts.BaseURL)
	if err != nil {
		c.lastErr = err.Error()
		c.recordLocked(LogError, err.Error())
		c.setStateLocked(StateIdle)
		return err
	}
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)
	c.cancel = cancel
	c.setStateLocked(StateConnecting)
	metrics.LiveConnectAttempts.WithLabelValues(c.scope.Kind.String()).Inc()
	c.recordLocked(LogLog, "Attempting to connect to: "+url)
	if c.scope.Kind == KindList {
		c.recordLocked(LogLog, fmt.Sprintf("Category: %s | User ID: %s", c.scope.Category, c.scope.Owner))
	}
	go c.dial(ctx, gen, url)
	return nil
}

func (c *Client) dial(ctx context.Context, gen uint64, url string) {
	conn, err := c.opts.Dialer.Dial(ctx, url)
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if err != nil {
		reason := "WebSocket connection failed - " + err.Error()
		c.lastErr = msgUnreachable
		if timedOut {
			reason = msgTimeout
			c.lastErr = msgTimeout
		}
		c.recordLocked(LogError, reason)
		c.mu.Unlock()
		if c.opts.Handlers.OnError != nil {
			c.opts.Handlers.OnError(err)
		}
		c.closed(gen, websocket.CloseAbnormalClosure, reason)
		return
	}
	c.conn = conn
	c.failures = 0
	c.lastErr = ""
	c.setStateLocked(StateConnected)
	c.recordLocked(LogLog, "WebSocket connection established successfully")
	c.mu.Unlock()

	if c.opts.Handlers.OnConnect != nil {
		c.opts.Handlers.OnConnect()
	}
	go c.readLoop(gen, conn)
}

func (c *Client) readLoop(gen uint64, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			code, reason := closeInfo(err)
			c.closed(gen, code, reason)
			return
		}
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		kind := c.scope.Kind.String()
		c.recordLocked(LogMessage, string(data))
		c.mu.Unlock()

		metrics.LiveFrames.WithLabelValues(kind, "in").Inc()
		if c.opts.Handlers.OnMessage != nil {
			c.opts.Handlers.OnMessage(newFrame(data))
		}
	}
}

// closed applies the reconnect policy for a closure of generation gen.
func (c *Client) closed(gen uint64, code int, reason string) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.lastClose = code
	c.setStateLocked(StateDisconnected)
	metrics.LiveClosures.WithLabelValues(c.scope.Kind.String(), strconv.Itoa(code)).Inc()

	closeReason := reason
	switch code {
	case websocket.CloseAbnormalClosure:
		closeReason = "Connection failed - server may not be running"
		if c.lastErr != msgTimeout {
			c.lastErr = msgUnreachable
		}
	case websocket.CloseNormalClosure:
		closeReason = "Normal closure"
	case websocket.CloseInternalServerErr:
		closeReason = "Server error - insufficient resources"
		c.lastErr = msgOverloaded
	default:
		if closeReason == "" {
			closeReason = "No reason provided"
		}
	}
	c.recordLocked(LogLog, fmt.Sprintf("WebSocket disconnected (Code: %d, Reason: %s)", code, closeReason))

	switch {
	case !c.enabled || code == websocket.CloseNormalClosure:
	case code == websocket.CloseInternalServerErr:
		c.recordLocked(LogError, msgManualNeeded)
	default:
		c.failures++
		if c.failures >= c.opts.MaxFailures {
			c.lastErr = msgMaxAttempts
			c.recordLocked(LogError, msgMaxAttempts)
			break
		}
		c.recordLocked(LogLog, fmt.Sprintf("Attempting to reconnect... (%d/%d)", c.failures, c.opts.MaxFailures))
		if c.timer != nil {
			c.timer.Stop()
		}
		c.timer = c.opts.AfterFunc(c.opts.ReconnectDelay, func() { c.retry(gen) })
	}
	c.mu.Unlock()

	if c.opts.Handlers.OnDisconnect != nil {
		c.opts.Handlers.OnDisconnect(code, closeReason)
	}
}

func (c *Client) retry(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || !c.enabled {
		return
	}
	c.timer = nil
	_ = c.connectLocked()
}
