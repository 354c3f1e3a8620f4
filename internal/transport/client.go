// Package transport owns the one persistent connection to the tracking
// endpoint and hides reconnection and heartbeat from its callers.
package transport

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/trailsense/fieldtrack/internal/wire"
	"github.com/trailsense/fieldtrack/pkg/logger"
)

// writeTimeout bounds every single socket write.
const writeTimeout = 10 * time.Second

// TokenProvider supplies the bearer token embedded in the connection
// URL. Token acquisition and refresh live outside this package.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Config is the static transport configuration; per-session values
// (role, group, heartbeat cadence) arrive with Connect.
type Config struct {
	BaseURL              string
	ConnectTimeout       time.Duration
	HeartbeatInterval    time.Duration
	PongTimeoutEnabled   bool
	ReconnectBaseDelay   time.Duration
	ReconnectMaxAttempts int
	OutboxLimit          int
	SendRatePerSecond    float64
	DisableAutoReconnect bool
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = 2 * time.Second
	}
	if c.ReconnectMaxAttempts <= 0 {
		c.ReconnectMaxAttempts = 8
	}
	if c.OutboxLimit <= 0 {
		c.OutboxLimit = 256
	}
	if c.SendRatePerSecond <= 0 {
		c.SendRatePerSecond = 20
	}
}

// StateListener observes connection state changes.
type StateListener = func(wire.ConnectionState)

// Client maintains one logical connection. At most one connection and
// one reconnect cycle exist at any time.
type Client struct {
	cfg     Config
	logger  *logger.Logger
	tokens  TokenProvider
	dial    Dialer
	limiter *rate.Limiter

	mu           sync.Mutex
	conn         Conn
	connDone     chan struct{} // closed when the current conn is torn down
	state        wire.ConnectionState
	session      wire.SessionConfig
	gen          uint64 // bumped whenever the current connection is torn down
	reconnecting bool
	outbox       []wire.Message
	lastPong     time.Time
	pingsSent    int
	stateSubs    []*stateSub
	stateQueue   []wire.ConnectionState
	notifying    bool
	dispatcher   dispatcher

	writeMu sync.Mutex
}

type stateSub struct {
	fn     StateListener
	active bool
}

// Option customizes a Client.
type Option func(*Client)

// WithDialer replaces the websocket dialer; tests use it to run
// without a network.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dial = d }
}

// NewClient creates a disconnected transport client.
func NewClient(cfg Config, tokens TokenProvider, log *logger.Logger, opts ...Option) *Client {
	cfg.applyDefaults()
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	c := &Client{
		cfg:     cfg,
		logger:  log.WithComponent("transport"),
		tokens:  tokens,
		dial:    DialWebsocket,
		limiter: rate.NewLimiter(rate.Limit(cfg.SendRatePerSecond), int(math.Max(1, cfg.SendRatePerSecond))),
		state:   wire.StateDisconnected,
	}
	c.dispatcher.init()
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current connection state, the single source of
// truth UI layers render from.
func (c *Client) State() wire.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers a state observer. The returned unsubscribe
// is a no-op on double-call.
func (c *Client) OnStateChange(fn StateListener) func() {
	c.mu.Lock()
	sub := &stateSub{fn: fn, active: true}
	c.stateSubs = append(c.stateSubs, sub)
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		sub.active = false
		c.mu.Unlock()
	}
}

// setState must be called with mu held. Changes queue up and a single
// drainer delivers them, so observers always see transitions in the
// order they happened; the last notification they receive matches
// State().
func (c *Client) setState(s wire.ConnectionState) {
	if c.state == s {
		return
	}
	c.state = s
	c.stateQueue = append(c.stateQueue, s)
	if !c.notifying {
		c.notifying = true
		go c.drainStateQueue()
	}
	c.logger.Debug("connection state changed", zap.String("state", s.String()))
}

func (c *Client) drainStateQueue() {
	for {
		c.mu.Lock()
		if len(c.stateQueue) == 0 {
			c.notifying = false
			c.mu.Unlock()
			return
		}
		s := c.stateQueue[0]
		c.stateQueue = c.stateQueue[1:]
		subs := make([]*stateSub, len(c.stateSubs))
		copy(subs, c.stateSubs)
		c.mu.Unlock()

		for _, sub := range subs {
			if sub.active {
				sub.fn(s)
			}
		}
	}
}

// Connect opens the connection for the given session and returns once
// the handshake succeeds or the connect timeout elapses. A failed
// initial connect is not retried; reconnection only guards established
// connections that drop.
func (c *Client) Connect(ctx context.Context, session wire.SessionConfig) error {
	if err := session.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.state == wire.StateConnected {
		same := c.session == session
		c.mu.Unlock()
		if same {
			return nil
		}
		return wire.NewError(wire.CodeConfig, "already connected with a different session config, close first")
	}
	c.gen++
	g := c.gen
	c.session = session
	c.reconnecting = false
	c.setState(wire.StateConnecting)
	c.mu.Unlock()

	conn, err := c.open(ctx, session)

	c.mu.Lock()
	if c.gen != g {
		// A Close or newer Connect superseded this attempt; the late
		// result must not resurrect the client.
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return wire.NewError(wire.CodeConnectivity, "connect superseded")
	}
	if err != nil {
		c.setState(wire.StateDisconnected)
		c.mu.Unlock()
		return wire.WrapError(err, wire.CodeConnectivity, "failed to open tracking connection")
	}
	c.adoptLocked(conn, g)
	c.mu.Unlock()

	c.flushOutbox(g)
	return nil
}

// open fetches a token and dials, bounded by the connect timeout.
func (c *Client) open(ctx context.Context, session wire.SessionConfig) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	bearer, err := c.tokens.Token(dialCtx)
	if err != nil {
		return nil, err
	}
	return c.dial(dialCtx, trackingURL(c.cfg.BaseURL, session, bearer))
}

// adoptLocked installs a freshly dialed conn; mu must be held.
func (c *Client) adoptLocked(conn Conn, g uint64) {
	c.conn = conn
	c.connDone = make(chan struct{})
	c.lastPong = time.Time{}
	c.pingsSent = 0
	c.reconnecting = false
	c.setState(wire.StateConnected)
	go c.readLoop(conn, g)
	go c.heartbeatLoop(conn, g, c.connDone)
}

// Send writes the message immediately when connected and returns true.
// While disconnected it parks the message in the volatile outbound
// buffer (capped, oldest dropped) and returns false; the buffer flushes
// on the next successful handshake and does not survive a restart.
func (c *Client) Send(msg wire.Message) bool {
	c.mu.Lock()
	if c.state != wire.StateConnected || c.conn == nil {
		c.buffer(msg)
		c.mu.Unlock()
		return false
	}
	conn := c.conn
	g := c.gen
	c.mu.Unlock()

	if err := c.write(conn, msg); err != nil {
		c.logger.Warn("send failed", zap.String("type", string(msg.Type)), zap.Error(err))
		c.connectionLost(g, err)
		c.mu.Lock()
		c.buffer(msg)
		c.mu.Unlock()
		return false
	}
	return true
}

// buffer must be called with mu held.
func (c *Client) buffer(msg wire.Message) {
	if len(c.outbox) >= c.cfg.OutboxLimit {
		c.outbox = c.outbox[1:]
		c.logger.Debug("outbound buffer full, dropped oldest message")
	}
	c.outbox = append(c.outbox, msg)
}

func (c *Client) write(conn Conn, msg wire.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return conn.Write(ctx, msg)
}

// flushOutbox drains messages buffered while disconnected, rate-paced
// so a large backlog does not burst-flood the server.
func (c *Client) flushOutbox(g uint64) {
	c.mu.Lock()
	if c.gen != g || len(c.outbox) == 0 {
		c.mu.Unlock()
		return
	}
	pending := c.outbox
	c.outbox = nil
	conn := c.conn
	c.mu.Unlock()

	for i, msg := range pending {
		if err := c.limiter.Wait(context.Background()); err != nil {
			return
		}
		if err := c.write(conn, msg); err != nil {
			c.logger.Warn("outbox flush interrupted", zap.Int("remaining", len(pending)-i), zap.Error(err))
			c.mu.Lock()
			if c.gen == g {
				c.outbox = append(pending[i:], c.outbox...)
			}
			c.mu.Unlock()
			c.connectionLost(g, err)
			return
		}
	}
	c.logger.Debug("outbound buffer flushed", zap.Int("count", len(pending)))
}

// readLoop pumps inbound frames until the connection dies.
func (c *Client) readLoop(conn Conn, g uint64) {
	for {
		data, err := conn.Read(context.Background())
		if err != nil {
			c.connectionLost(g, err)
			return
		}
		msg, perr := parseEnvelope(data)
		if perr != nil {
			// Malformed inbound payloads are dropped, never fatal.
			c.logger.Warn("dropping malformed inbound payload", zap.Error(perr))
			continue
		}
		if msg.Type == wire.TypePong {
			c.mu.Lock()
			c.lastPong = time.Now()
			c.mu.Unlock()
		}
		c.dispatcher.dispatch(msg)
	}
}

// heartbeatLoop sends PING at the session cadence and, when the pong
// watchdog is enabled, tears down a connection whose pongs stopped.
// done releases the loop the moment its connection is torn down, so a
// dropped connection never keeps the goroutine (and the Conn) pinned
// until the next tick.
func (c *Client) heartbeatLoop(conn Conn, g uint64, done <-chan struct{}) {
	interval := c.cfg.HeartbeatInterval
	c.mu.Lock()
	if c.session.HeartbeatInterval > 0 {
		interval = c.session.HeartbeatInterval
	}
	c.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		if c.gen != g {
			c.mu.Unlock()
			return
		}
		stale := c.cfg.PongTimeoutEnabled &&
			c.pingsSent > 1 &&
			(c.lastPong.IsZero() || time.Since(c.lastPong) > 2*interval)
		c.pingsSent++
		c.mu.Unlock()

		if stale {
			c.logger.Warn("no pong within watchdog window, closing connection")
			c.connectionLost(g, wire.NewError(wire.CodeConnectivity, "heartbeat timed out"))
			return
		}
		if err := c.write(conn, wire.MustMessage(wire.TypePing, nil)); err != nil {
			c.connectionLost(g, err)
			return
		}
	}
}

// connectionLost tears down the current connection and, unless
// auto-reconnect is disabled, schedules the backoff cycle. Stale
// callers from superseded generations are ignored.
func (c *Client) connectionLost(g uint64, cause error) {
	c.mu.Lock()
	if c.gen != g {
		c.mu.Unlock()
		return
	}
	c.gen++
	ng := c.gen
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	if c.connDone != nil {
		close(c.connDone)
		c.connDone = nil
	}
	if c.cfg.DisableAutoReconnect || c.reconnecting {
		c.setState(wire.StateDisconnected)
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	session := c.session
	c.setState(wire.StateReconnecting)
	c.mu.Unlock()

	c.logger.Info("connection lost, reconnecting", zap.Error(cause))
	go c.reconnectLoop(ng, session)
}

// reconnectLoop retries with exponential backoff until it succeeds or
// the attempt cap is exceeded, after which the client stays
// disconnected until a fresh Connect call.
func (c *Client) reconnectLoop(g uint64, session wire.SessionConfig) {
	for attempt := 1; attempt <= c.cfg.ReconnectMaxAttempts; attempt++ {
		time.Sleep(BackoffDelay(c.cfg.ReconnectBaseDelay, attempt))

		c.mu.Lock()
		if c.gen != g {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		conn, err := c.open(context.Background(), session)

		c.mu.Lock()
		if c.gen != g {
			c.mu.Unlock()
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err == nil {
			c.adoptLocked(conn, g)
			c.mu.Unlock()
			c.logger.Info("reconnected", zap.Int("attempt", attempt))
			c.flushOutbox(g)
			return
		}
		c.mu.Unlock()
		c.logger.Warn("reconnect attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.cfg.ReconnectMaxAttempts),
			zap.Error(err))
	}

	c.mu.Lock()
	if c.gen == g {
		c.reconnecting = false
		c.setState(wire.StateDisconnected)
	}
	c.mu.Unlock()
	c.logger.Error("reconnect attempts exhausted, staying disconnected")
}

// BackoffDelay is the wait before reconnect attempt n: base·1.5^(n-1).
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(base) * math.Pow(1.5, float64(attempt-1)))
}

// Close tears down the connection without scheduling a reconnect.
func (c *Client) Close() error {
	c.mu.Lock()
	c.gen++
	conn := c.conn
	c.conn = nil
	if c.connDone != nil {
		close(c.connDone)
		c.connDone = nil
	}
	c.reconnecting = false
	c.setState(wire.StateDisconnected)
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// OnAny registers a callback for every inbound envelope.
func (c *Client) OnAny(h Handler) func() {
	return c.dispatcher.onAny(h)
}

// Subscribe registers a callback for one message type. Multiple
// subscribers per type are invoked in registration order; the returned
// unsubscribe is a no-op on double-call.
func (c *Client) Subscribe(t wire.MessageType, h Handler) func() {
	return c.dispatcher.subscribe(t, h)
}
