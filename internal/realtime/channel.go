package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-examsync/internal/protocol"
)

var (
	ErrMissingSession = errors.New("session id is required")
	ErrMissingToken   = errors.New("bearer token is required")
	// ErrSuperseded is returned by Connect when a Disconnect or another
	// Connect replaced the attempt before it completed.
	ErrSuperseded = errors.New("connection attempt superseded")
)

const writeWait = 10 * time.Second

// Conn is the subset of *websocket.Conn the channel uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens the physical socket.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, *http.Response, error)
}

type websocketDialer struct {
	dialer *websocket.Dialer
}

func (d websocketDialer) Dial(ctx context.Context, url string) (Conn, *http.Response, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, resp, err
	}
	return conn, resp, nil
}

// Options configures a Channel. Zero values fall back to the defaults.
type Options struct {
	// ServerURL is the http(s) base URL of the exam server.
	ServerURL         string
	HeartbeatInterval time.Duration
	PingTimeout       time.Duration
	Backoff           Backoff
	HandshakeTimeout  time.Duration

	Dialer    Dialer
	AfterFunc AfterFunc
	Now       func() time.Time
}

func (o *Options) applyDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = DefaultPingTimeout
	}
	if o.Backoff == (Backoff{}) {
		o.Backoff = DefaultBackoff()
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = websocketDialer{dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: o.HandshakeTimeout,
		}}
	}
	if o.AfterFunc == nil {
		o.AfterFunc = systemAfterFunc
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Channel owns the one live socket of an exam attempt and keeps it alive:
// heartbeat, close-code classification and bounded reconnection.
//
// A Channel is constructed and owned by the session context that uses it.
// At most one socket is live at a time; switching sessions tears the old one
// down before dialling.
type Channel struct {
	opts Options
	log  zerolog.Logger

	dispatcher *Dispatcher
	heartbeat  *Heartbeat
	scheduler  *Scheduler

	mu              sync.Mutex
	status          Status
	conn            Conn
	gen             uint64
	sessionID       string
	token           string
	shouldReconnect bool
	lastClose       *CloseEvent

	// gorilla permits one concurrent writer.
	writeMu sync.Mutex

	statusObservers observerList[Status]
	closeObservers  observerList[CloseEvent]
	errorObservers  observerList[error]
}

// NewChannel creates a disconnected Channel.
func NewChannel(opts Options, log zerolog.Logger) *Channel {
	opts.applyDefaults()

	c := &Channel{
		opts:   opts,
		log:    log.With().Str("component", "channel").Logger(),
		status: StatusDisconnected,
	}
	c.scheduler = NewScheduler(opts.Backoff, opts.AfterFunc)
	c.heartbeat = NewHeartbeat(opts.HeartbeatInterval, opts.PingTimeout, opts.AfterFunc, opts.Now, c.sendHeartbeat, c.onPingTimeout)
	c.dispatcher = NewDispatcher(c.log, opts.Now, c.heartbeat.HandlePong)
	return c
}

// Connect opens the channel for a session.
//
// Missing arguments fail before any I/O. Connecting to the session that is
// already connected (or connecting) is a no-op; connecting to a different
// session first tears the current socket down. A manual Connect re-enables
// reconnection and resets the attempt counter.
func (c *Channel) Connect(ctx context.Context, sessionID, token string) error {
	if sessionID == "" {
		return ErrMissingSession
	}
	if token == "" {
		return ErrMissingToken
	}

	c.mu.Lock()
	if c.sessionID == sessionID && (c.status == StatusConnected || c.status == StatusConnecting) {
		c.mu.Unlock()
		return nil
	}

	var (
		old     Conn
		changes []Status
	)
	if c.sessionID != "" && c.sessionID != sessionID {
		old, changes = c.teardownLocked()
	}
	c.scheduler.Cancel()
	c.scheduler.Reset()
	c.sessionID = sessionID
	c.token = token
	c.shouldReconnect = true
	c.lastClose = nil
	c.mu.Unlock()

	c.closeGracefully(old, "switching session")
	c.emitStatus(changes)

	return c.open(ctx, false)
}

// Disconnect closes the channel gracefully and disables reconnection.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.shouldReconnect = false
	c.scheduler.Cancel()
	conn, changes := c.teardownLocked()
	c.mu.Unlock()

	c.closeGracefully(conn, "client disconnect")
	c.emitStatus(changes)
}

// Send writes {type, ...payload, timestamp} to the socket. When the channel is
// not connected it does nothing and returns false; nothing is queued.
func (c *Channel) Send(msgType protocol.OutboundType, payload interface{}) bool {
	c.mu.Lock()
	conn := c.conn
	connected := c.status == StatusConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		return false
	}

	data, err := protocol.Encode(string(msgType), payload, c.opts.Now())
	if err != nil {
		c.log.Error().Err(err).Str("type", string(msgType)).Msg("Encode outbound frame")
		return false
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()

	if err != nil {
		c.log.Warn().Err(err).Str("type", string(msgType)).Msg("Write failed")
		c.errorObservers.notify(fmt.Errorf("send %s: %w", msgType, err), c.log)
		return false
	}
	return true
}

// IsConnected reports whether the socket is open.
func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status == StatusConnected
}

// Status returns the current connection status.
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SessionID returns the session the channel is bound to.
func (c *Channel) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// LastClose returns the most recent close event, if any.
func (c *Channel) LastClose() (CloseEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastClose == nil {
		return CloseEvent{}, false
	}
	return *c.lastClose, true
}

// Latency returns the last heartbeat round-trip time.
func (c *Channel) Latency() time.Duration {
	return c.heartbeat.Latency()
}

// ReconnectAttempts returns the reconnections scheduled since the last successful open.
func (c *Channel) ReconnectAttempts() int {
	return c.scheduler.Attempts()
}

// OnStatus registers fn for every status transition.
func (c *Channel) OnStatus(fn func(Status)) func() { return c.statusObservers.add(fn) }

// OnClose registers fn for every socket closure.
func (c *Channel) OnClose(fn func(CloseEvent)) func() { return c.closeObservers.add(fn) }

// OnError registers fn for transport errors. Errors do not trigger
// reconnection by themselves; the close that follows does.
func (c *Channel) OnError(fn func(error)) func() { return c.errorObservers.add(fn) }

// OnMessage registers fn for every decoded inbound message except pong.
func (c *Channel) OnMessage(fn func(protocol.Message)) func() { return c.dispatcher.Subscribe(fn) }

func (c *Channel) open(ctx context.Context, fromReconnect bool) error {
	c.mu.Lock()
	if !c.shouldReconnect || (fromReconnect && c.status != StatusReconnecting) {
		c.mu.Unlock()
		return ErrSuperseded
	}
	c.gen++
	gen := c.gen
	sessionID, token := c.sessionID, c.token
	var changes []Status
	if c.setStatusLocked(StatusConnecting) {
		changes = append(changes, StatusConnecting)
	}
	c.mu.Unlock()
	c.emitStatus(changes)

	wsURL, err := BuildURL(c.opts.ServerURL, sessionID, token)
	if err != nil {
		c.handleClose(gen, CloseEvent{Code: CloseInvalidSession, Detail: err.Error()})
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	conn, resp, err := c.opts.Dialer.Dial(dialCtx, wsURL)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		ev := CloseEvent{Code: handshakeCloseCode(resp), Detail: err.Error()}
		c.log.Warn().Err(err).Str("session_id", sessionID).Int("code", ev.Code).Msg("Dial failed")
		c.handleClose(gen, ev)
		return fmt.Errorf("dial session %s: %w", sessionID, err)
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		conn.Close()
		return ErrSuperseded
	}
	c.conn = conn
	c.setStatusLocked(StatusConnected)
	c.scheduler.Reset()
	c.heartbeat.Start()
	c.mu.Unlock()

	c.log.Info().Str("session_id", sessionID).Msg("Channel connected")
	c.emitStatus([]Status{StatusConnected})

	go c.readLoop(gen, conn)
	return nil
}

func (c *Channel) readLoop(gen uint64, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(gen, closeEventFromError(err))
			return
		}
		if !c.current(gen) {
			return
		}
		c.dispatcher.Dispatch(data)
	}
}

// handleClose is the single place a socket's end is processed. Events from a
// socket that has already been replaced are ignored.
func (c *Channel) handleClose(gen uint64, ev CloseEvent) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.heartbeat.Stop()
	conn := c.conn
	c.conn = nil

	ev.Terminal = IsTerminal(ev.Code)
	if ev.Reason == "" {
		ev.Reason = CloseReason(ev.Code)
	}
	c.lastClose = &ev

	var changes []Status
	if c.setStatusLocked(StatusDisconnected) {
		changes = append(changes, StatusDisconnected)
	}

	var (
		delay     time.Duration
		scheduled bool
	)
	if ev.Terminal {
		c.shouldReconnect = false
	} else if c.shouldReconnect {
		delay, scheduled = c.scheduler.Schedule(c.reconnect)
		if scheduled {
			c.setStatusLocked(StatusReconnecting)
			changes = append(changes, StatusReconnecting)
		}
	}
	attempts := c.scheduler.Attempts()
	sessionID := c.sessionID
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	evt := c.log.Info()
	if !ev.Terminal {
		evt = c.log.Warn()
	}
	evt.Str("session_id", sessionID).
		Int("code", ev.Code).
		Str("reason", ev.Reason).
		Str("detail", ev.Detail).
		Bool("terminal", ev.Terminal).
		Bool("reconnect_scheduled", scheduled).
		Dur("delay", delay).
		Int("attempt", attempts).
		Msg("Channel closed")

	c.emitStatus(changes)
	c.closeObservers.notify(ev, c.log)
}

func (c *Channel) reconnect() {
	if err := c.open(context.Background(), true); err != nil && !errors.Is(err, ErrSuperseded) {
		c.log.Debug().Err(err).Msg("Reconnect attempt failed")
	}
}

func (c *Channel) sendHeartbeat() bool {
	return c.Send(protocol.OutHeartbeat, nil)
}

func (c *Channel) onPingTimeout() {
	c.mu.Lock()
	gen := c.gen
	connected := c.status == StatusConnected
	c.mu.Unlock()

	if !connected {
		return
	}
	c.log.Warn().Dur("timeout", c.opts.PingTimeout).Msg("No heartbeat response, forcing close")
	c.handleClose(gen, CloseEvent{Code: ClosePingTimeout, Detail: "ping timeout"})
}

func (c *Channel) teardownLocked() (Conn, []Status) {
	c.gen++
	c.heartbeat.Stop()
	conn := c.conn
	c.conn = nil

	var changes []Status
	if c.setStatusLocked(StatusDisconnected) {
		changes = append(changes, StatusDisconnected)
	}
	return conn, changes
}

func (c *Channel) closeGracefully(conn Conn, reason string) {
	if conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(CloseNormal, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		c.log.Debug().Err(err).Msg("Write close frame")
	}
	conn.Close()
}

func (c *Channel) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

func (c *Channel) setStatusLocked(s Status) bool {
	if c.status == s {
		return false
	}
	c.status = s
	return true
}

func (c *Channel) emitStatus(changes []Status) {
	for _, s := range changes {
		c.statusObservers.notify(s, c.log)
	}
}
