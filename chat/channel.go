package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/time/rate"
)

const (
	// DefaultReconnectDelay is the fixed wait before redialling.
	DefaultReconnectDelay = 3 * time.Second

	// DefaultHeartbeatInterval is the time between two pings.
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultSendRate and DefaultSendBurst throttle outbound messages.
	DefaultSendRate  = 5
	DefaultSendBurst = 5

	// maxPingTimeout caps how long the event loop waits for a pong.
	// The effective timeout is also capped at half the heartbeat.
	maxPingTimeout  = 10 * time.Second
	wsReadLimit     = 1024 * 1024
	inboundChanSize = 64
)

// ChannelState is the lifecycle state of the push channel.
type ChannelState int

const (
	StateIdle ChannelState = iota
	StateConnecting
	StateConnected
	StateDegraded
	StateDisconnected
	StateClosed
)

func (s ChannelState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("ChannelState(%d)", int(s))
	}
}

// FrameHandler consumes inbound text frames in arrival order.
type FrameHandler interface {
	Dispatch(ctx context.Context, frame []byte) error
}

// wsConn abstracts the WebSocket connection so Channel can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
	Ping(ctx context.Context) error
}

type dialFunc func(ctx context.Context, url string) (wsConn, error)

func dialWebSocket(ctx context.Context, url string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// inboundMsg wraps a message read from the WebSocket by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// sendOp is an outbound frame submitted to the event loop.
type sendOp struct {
	data   []byte
	result chan error
}

// ChannelConfig holds the parameters of the push channel.
type ChannelConfig struct {
	// URL is the push endpoint. The token is added as a query parameter.
	URL string

	// Token returns the current session token. Read on every attempt.
	Token func() string

	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
	SendRate          float64
	SendBurst         int
	Clock             Clock

	// OnStateChange is called from the Run goroutine after every
	// transition. It must not call Close.
	OnStateChange func(from, to ChannelState)
}

// Channel keeps one push connection open to the chat server.
//
// A reader goroutine per connection feeds inbound frames to a single event
// loop, which hands them to the FrameHandler in arrival order and performs
// every write (outbound messages and pings). Run redials after a fixed
// delay whenever the connection drops, until Close.
type Channel struct {
	url     string
	token   func() string
	handler FrameHandler
	logger  *slog.Logger
	dial    dialFunc

	reconnectDelay time.Duration
	heartbeat      time.Duration
	pingTimeout    time.Duration
	clock          Clock
	limiter        *rate.Limiter
	onStateChange  func(from, to ChannelState)

	sendCh chan sendOp

	mu       sync.Mutex
	state    ChannelState
	lastErr  error
	conn     wsConn
	loopDone chan struct{}
	cancel   context.CancelFunc
	running  bool
	closed   bool
	closedCh chan struct{}
	runs     sync.WaitGroup

	ready     chan struct{}
	readyOnce sync.Once
}

// NewChannel creates a push channel that delivers frames to handler.
func NewChannel(cfg ChannelConfig, handler FrameHandler, logger *slog.Logger) *Channel {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}

	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}

	if cfg.SendRate <= 0 {
		cfg.SendRate = DefaultSendRate
	}

	if cfg.SendBurst <= 0 {
		cfg.SendBurst = DefaultSendBurst
	}

	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}

	if cfg.Token == nil {
		cfg.Token = func() string { return "" }
	}

	return &Channel{
		url:            cfg.URL,
		token:          cfg.Token,
		handler:        handler,
		logger:         logger,
		dial:           dialWebSocket,
		reconnectDelay: cfg.ReconnectDelay,
		heartbeat:      cfg.HeartbeatInterval,
		pingTimeout:    min(maxPingTimeout, cfg.HeartbeatInterval/2),
		clock:          cfg.Clock,
		limiter:        rate.NewLimiter(rate.Limit(cfg.SendRate), cfg.SendBurst),
		onStateChange:  cfg.OnStateChange,
		sendCh:         make(chan sendOp),
		closedCh:       make(chan struct{}),
		ready:          make(chan struct{}),
	}
}

// Run connects and serves the channel until ctx ends or Close is called.
// Connection failures never end Run; they schedule a reconnect after the
// configured delay. Returns nil after Close, ctx.Err() on cancellation and
// ErrChannelClosed when called on a closed channel.
func (c *Channel) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return chaterrors.ErrChannelClosed
	}

	if c.running {
		c.mu.Unlock()
		return errors.New("push channel already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.runs.Add(1)
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		c.runs.Done()
	}()

	for {
		err := c.connectAndServe(runCtx)

		if runCtx.Err() != nil {
			return c.exitErr(ctx)
		}

		c.logger.Warn("push channel down, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", c.reconnectDelay),
		)

		if !sleep(runCtx, c.clock, c.reconnectDelay) {
			return c.exitErr(ctx)
		}
	}
}

func (c *Channel) exitErr(ctx context.Context) error {
	if c.isClosed() {
		return nil
	}

	return ctx.Err()
}

// connectAndServe performs one connection attempt and serves it until it
// drops. It always returns a non-nil error.
func (c *Channel) connectAndServe(ctx context.Context) error {
	token := c.token()
	if token == "" {
		c.fail(StateDisconnected, chaterrors.ErrNoToken)
		return chaterrors.ErrNoToken
	}

	connID := uuid.NewString()
	logger := c.logger.With(slog.String("conn_id", connID))

	c.setState(StateConnecting)
	c.dropConn(websocket.StatusGoingAway, "reconnecting")

	target, err := withToken(c.url, token)
	if err != nil {
		terr := &TransportError{Op: "dial", Err: err}
		c.fail(StateDisconnected, terr)

		return terr
	}

	logger.Debug("dialing push channel", slog.String("url", redactToken(target)))

	conn, err := c.dial(ctx, target)
	if err != nil {
		terr := &TransportError{Op: "dial", Err: err}
		c.fail(StateDisconnected, terr)

		return terr
	}

	conn.SetReadLimit(wsReadLimit)

	loopDone := make(chan struct{})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "bye")

		return chaterrors.ErrChannelClosed
	}

	c.conn = conn
	c.loopDone = loopDone
	c.mu.Unlock()

	logger.Info("push channel connected")
	c.setState(StateConnected)

	connCtx, connCancel := context.WithCancel(ctx)
	inbound := c.startReader(connCtx, conn)

	err = c.eventLoop(ctx, connCtx, conn, inbound, logger)

	close(loopDone)
	connCancel()

	if ctx.Err() != nil {
		return err
	}

	c.dropConn(websocket.StatusGoingAway, "connection lost")
	c.fail(StateDisconnected, err)

	return err
}

// startReader launches a goroutine that reads from conn and feeds the
// returned channel. It exits when connCtx is cancelled or a read fails;
// the read error is delivered as the final message.
func (c *Channel) startReader(connCtx context.Context, conn wsConn) <-chan inboundMsg {
	ch := make(chan inboundMsg, inboundChanSize)

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	return ch
}

// eventLoop serves one connection. All writes happen here. Returns a
// *TransportError when the connection drops, or the context error.
func (c *Channel) eventLoop(ctx, connCtx context.Context, conn wsConn, inbound <-chan inboundMsg, logger *slog.Logger) error {
	heartbeat := c.clock.NewTimer(c.heartbeat)
	defer func() { heartbeat.Stop() }()

	for {
		select {
		case msg := <-inbound:
			if msg.err != nil {
				return &TransportError{Op: "read", Err: msg.err}
			}

			if msg.typ == websocket.MessageBinary {
				logger.Debug("dropping binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			if err := c.handler.Dispatch(ctx, msg.data); err != nil {
				logger.Warn("dropping frame", slog.String("error", err.Error()))
			}

		case op := <-c.sendCh:
			err := conn.Write(connCtx, websocket.MessageText, op.data)
			if err != nil {
				err = &TransportError{Op: "write", Err: err}
				c.fail(StateDegraded, err)
			} else {
				c.recovered()
			}

			op.result <- err

		case <-heartbeat.C():
			// Ping blocks the loop, so frames and sends wait until the
			// pong arrives or pingTimeout expires.
			pingCtx, cancel := context.WithTimeout(connCtx, c.pingTimeout)
			err := conn.Ping(pingCtx)

			cancel()

			if err != nil && connCtx.Err() == nil {
				logger.Warn("ping failed", slog.String("error", err.Error()))
				c.fail(StateDegraded, &TransportError{Op: "ping", Err: err})
			} else if err == nil {
				c.recovered()
			}

			heartbeat = c.clock.NewTimer(c.heartbeat)

		case <-connCtx.Done():
			return connCtx.Err()
		}
	}
}

// Send writes a message to the conversation. Content is NFC-normalised
// and must not be blank. The channel must be connected or degraded.
func (c *Channel) Send(ctx context.Context, conversationID, content string) error {
	if conversationID == "" {
		return fmt.Errorf("%w: empty conversation id", chaterrors.ErrConversationNotFound)
	}

	content = norm.NFC.String(content)
	if strings.TrimSpace(content) == "" {
		return chaterrors.ErrEmptyMessage
	}

	c.mu.Lock()
	state := c.state
	loopDone := c.loopDone
	c.mu.Unlock()

	if state != StateConnected && state != StateDegraded {
		return fmt.Errorf("%w (state %s)", chaterrors.ErrNotConnected, state)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for send slot: %w", err)
	}

	data, err := json.Marshal(OutboundMessage{ConversationID: conversationID, Content: content})
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	op := sendOp{data: data, result: make(chan error, 1)}

	select {
	case c.sendCh <- op:
	case <-loopDone:
		return chaterrors.ErrNotConnected
	case <-c.closedCh:
		return chaterrors.ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-op.result:
		if err != nil {
			return fmt.Errorf("sending message: %w", err)
		}

		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears the channel down: the state becomes closed for good, the
// live connection is closed normally and no reconnect happens. It waits
// for Run to return. Safe to call more than once.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	prev := c.state
	c.state = StateClosed
	conn := c.conn
	c.conn = nil
	cancel := c.cancel
	close(c.closedCh)
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "bye")
	}

	if cancel != nil {
		cancel()
	}

	c.runs.Wait()

	c.notify(prev, StateClosed)

	if err != nil {
		c.logger.Debug("closing push channel", slog.String("error", err.Error()))
	}

	return nil
}

// State returns the current lifecycle state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// LastError returns the most recent connection error, or nil.
func (c *Channel) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lastErr
}

// Ready is closed the first time the channel reaches connected.
func (c *Channel) Ready() <-chan struct{} {
	return c.ready
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

// dropConn closes the current connection, if any.
func (c *Channel) dropConn(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close(code, reason)
	}
}

func (c *Channel) fail(s ChannelState, err error) {
	c.mu.Lock()
	if c.state != StateClosed {
		c.lastErr = err
	}
	c.mu.Unlock()

	c.setState(s)
}

// recovered moves a degraded channel back to connected.
func (c *Channel) recovered() {
	if c.State() == StateDegraded {
		c.setState(StateConnected)
	}
}

func (c *Channel) setState(s ChannelState) {
	c.mu.Lock()
	if c.state == StateClosed || c.state == s {
		c.mu.Unlock()
		return
	}

	prev := c.state
	c.state = s
	c.mu.Unlock()

	if s == StateConnected {
		c.readyOnce.Do(func() { close(c.ready) })
	}

	c.notify(prev, s)
}

func (c *Channel) notify(from, to ChannelState) {
	c.logger.Debug("push channel state",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)

	if c.onStateChange != nil {
		c.onStateChange(from, to)
	}
}

// withToken adds the session token to the push URL.
func withToken(raw, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing push channel URL: %w", err)
	}

	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// redactToken hides the token query parameter for logging.
func redactToken(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}

	q := u.Query()
	if q.Has("token") {
		q.Set("token", "REDACTED")
		u.RawQuery = q.Encode()
	}

	return u.String()
}
