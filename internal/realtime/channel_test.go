package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-examsync/internal/protocol"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type serverConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *serverConn) write(t *testing.T, frame string) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func (c *serverConn) closeWith(code int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}

// drop kills the TCP connection without a close frame.
func (c *serverConn) drop() {
	c.conn.UnderlyingConn().Close()
}

type testServer struct {
	*httptest.Server
	upgrader websocket.Upgrader

	mu         sync.Mutex
	conns      []*serverConn
	paths      []string
	reject     int
	autoPong   bool
	frames     chan protocol.ClientFrame
	closeCodes chan int
}

func newTestServer(t *testing.T) *testServer {
	s := &testServer{
		frames:     make(chan protocol.ClientFrame, 64),
		closeCodes: make(chan int, 8),
	}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.paths = append(s.paths, r.URL.Path+"?"+r.URL.RawQuery)
		reject := s.reject
		s.mu.Unlock()

		if reject != 0 {
			http.Error(w, http.StatusText(reject), reject)
			return
		}
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sc := &serverConn{conn: conn}

		s.mu.Lock()
		s.conns = append(s.conns, sc)
		s.mu.Unlock()

		go s.readLoop(t, sc)
	}))
	t.Cleanup(s.Close)

	return s
}

func (s *testServer) readLoop(t *testing.T, sc *serverConn) {
	for {
		_, data, err := sc.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				s.closeCodes <- ce.Code
			}
			return
		}
		var f protocol.ClientFrame
		if json.Unmarshal(data, &f) != nil {
			continue
		}
		s.mu.Lock()
		pong := s.autoPong
		s.mu.Unlock()
		if f.Type == protocol.OutHeartbeat && pong {
			sc.write(t, `{"type":"pong"}`)
		}
		select {
		case s.frames <- f:
		default:
		}
	}
}

func (s *testServer) dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.paths)
}

func (s *testServer) conn(i int) *serverConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[i]
}

func (s *testServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func fastOptions(serverURL string) Options {
	return Options{
		ServerURL:         serverURL,
		HeartbeatInterval: time.Hour,
		PingTimeout:       time.Hour,
		Backoff:           Backoff{Base: 10 * time.Millisecond, Max: 40 * time.Millisecond, MaxAttempts: 5},
	}
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []Status
}

func (r *statusRecorder) record(s Status) {
	r.mu.Lock()
	r.statuses = append(r.statuses, s)
	r.mu.Unlock()
}

func (r *statusRecorder) all() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses...)
}

func TestChannelConnectAndReceiveSessionStarted(t *testing.T) {
	srv := newTestServer(t)
	ch := NewChannel(fastOptions(srv.URL), zerolog.Nop())
	defer ch.Disconnect()

	rec := &statusRecorder{}
	ch.OnStatus(rec.record)

	received := make(chan protocol.Message, 4)
	ch.OnMessage(func(m protocol.Message) { received <- m })

	require.NoError(t, ch.Connect(context.Background(), "session-1", "tok-1"))
	assert.True(t, ch.IsConnected())
	assert.Equal(t, []Status{StatusConnecting, StatusConnected}, rec.all())
	assert.Equal(t, "/ws/v1/sessions/session-1?token=tok-1", srv.paths[0])

	require.Eventually(t, func() bool { return srv.connCount() == 1 }, waitFor, tick)
	srv.conn(0).write(t, `{"type":"session_started","timestamp":1772352000000}`)

	select {
	case m := <-received:
		_, ok := m.(*protocol.SessionStarted)
		assert.True(t, ok, "got %T", m)
	case <-time.After(waitFor):
		t.Fatal("session_started not delivered")
	}
}

func TestChannelPreconditionsFailBeforeIO(t *testing.T) {
	srv := newTestServer(t)
	ch := NewChannel(fastOptions(srv.URL), zerolog.Nop())

	assert.ErrorIs(t, ch.Connect(context.Background(), "", "tok"), ErrMissingSession)
	assert.ErrorIs(t, ch.Connect(context.Background(), "s", ""), ErrMissingToken)
	assert.Equal(t, 0, srv.dials())
	assert.Equal(t, StatusDisconnected, ch.Status())
}

func TestChannelSendWhenDisconnectedIsNoop(t *testing.T) {
	ch := NewChannel(fastOptions("http://127.0.0.1:1"), zerolog.Nop())

	assert.NotPanics(t, func() {
		assert.False(t, ch.Send(protocol.OutViolation, protocol.ViolationPayload{ViolationType: "tab_switch"}))
	})
	assert.False(t, ch.IsConnected())
}

func TestChannelSendDeliversFrame(t *testing.T) {
	srv := newTestServer(t)
	ch := NewChannel(fastOptions(srv.URL), zerolog.Nop())
	defer ch.Disconnect()

	require.NoError(t, ch.Connect(context.Background(), "s", "tok"))
	require.True(t, ch.Send(protocol.OutAnswerUpdate, protocol.AnswerPayload{QuestionID: "Q3", Answer: "TRUE"}))

	select {
	case f := <-srv.frames:
		assert.Equal(t, protocol.OutAnswerUpdate, f.Type)
		assert.Equal(t, "Q3", f.QuestionID)
		assert.Equal(t, "TRUE", f.Answer)
		assert.NotZero(t, f.Timestamp)
	case <-time.After(waitFor):
		t.Fatal("frame not received")
	}
}

func TestChannelReconnectsAfterAbnormalClosure(t *testing.T) {
	srv := newTestServer(t)
	ch := NewChannel(fastOptions(srv.URL), zerolog.Nop())
	defer ch.Disconnect()

	rec := &statusRecorder{}
	ch.OnStatus(rec.record)

	require.NoError(t, ch.Connect(context.Background(), "s", "tok"))
	require.Eventually(t, func() bool { return srv.connCount() == 1 }, waitFor, tick)

	srv.conn(0).drop()

	require.Eventually(t, func() bool { return srv.dials() == 2 && ch.IsConnected() }, waitFor, tick)
	assert.Equal(t, 0, ch.ReconnectAttempts(), "counter resets on open")

	last, ok := ch.LastClose()
	require.True(t, ok)
	assert.Equal(t, CloseAbnormal, last.Code)
	assert.False(t, last.Terminal)
	assert.Contains(t, rec.all(), StatusReconnecting)
}

func TestChannelTerminalCloseSuppressesReconnect(t *testing.T) {
	srv := newTestServer(t)
	ch := NewChannel(fastOptions(srv.URL), zerolog.Nop())
	defer ch.Disconnect()

	closes := make(chan CloseEvent, 1)
	ch.OnClose(func(ev CloseEvent) { closes <- ev })

	require.NoError(t, ch.Connect(context.Background(), "s", "tok"))
	require.Eventually(t, func() bool { return srv.connCount() == 1 }, waitFor, tick)

	srv.conn(0).closeWith(CloseSessionFull, "full")

	select {
	case ev := <-closes:
		assert.Equal(t, CloseSessionFull, ev.Code)
		assert.True(t, ev.Terminal)
		assert.Equal(t, "The exam session is full.", ev.Reason)
	case <-time.After(waitFor):
		t.Fatal("close not observed")
	}

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, srv.dials())
	assert.Equal(t, StatusDisconnected, ch.Status())
}

func TestChannelConnectSameSessionIsNoop(t *testing.T) {
	srv := newTestServer(t)
	ch := NewChannel(fastOptions(srv.URL), zerolog.Nop())
	defer ch.Disconnect()

	require.NoError(t, ch.Connect(context.Background(), "s", "tok"))
	require.NoError(t, ch.Connect(context.Background(), "s", "tok"))
	assert.Equal(t, 1, srv.dials())
}

func TestChannelSwitchingSessionTearsDownOldSocket(t *testing.T) {
	srv := newTestServer(t)
	ch := NewChannel(fastOptions(srv.URL), zerolog.Nop())
	defer ch.Disconnect()

	require.NoError(t, ch.Connect(context.Background(), "s-1", "tok"))
	require.Eventually(t, func() bool { return srv.connCount() == 1 }, waitFor, tick)

	require.NoError(t, ch.Connect(context.Background(), "s-2", "tok"))

	select {
	case code := <-srv.closeCodes:
		assert.Equal(t, CloseNormal, code)
	case <-time.After(waitFor):
		t.Fatal("old socket was not closed")
	}
	assert.Equal(t, 2, srv.dials())
	assert.Equal(t, "s-2", ch.SessionID())
	assert.True(t, ch.IsConnected())
	assert.True(t, strings.HasPrefix(srv.paths[1], "/ws/v1/sessions/s-2"))
}

func TestChannelDisconnectIsGracefulAndFinal(t *testing.T) {
	srv := newTestServer(t)
	ch := NewChannel(fastOptions(srv.URL), zerolog.Nop())

	require.NoError(t, ch.Connect(context.Background(), "s", "tok"))
	ch.Disconnect()

	select {
	case code := <-srv.closeCodes:
		assert.Equal(t, CloseNormal, code)
	case <-time.After(waitFor):
		t.Fatal("close frame not received")
	}

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StatusDisconnected, ch.Status())
	assert.Equal(t, 1, srv.dials())
}

func TestChannelHandshakeRejectionIsTerminal(t *testing.T) {
	srv := newTestServer(t)
	srv.reject = http.StatusUnauthorized
	ch := NewChannel(fastOptions(srv.URL), zerolog.Nop())

	err := ch.Connect(context.Background(), "s", "expired")
	require.Error(t, err)

	last, ok := ch.LastClose()
	require.True(t, ok)
	assert.Equal(t, CloseUnauthorized, last.Code)
	assert.True(t, last.Terminal)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, srv.dials())
}

type failingDialer struct {
	mu    sync.Mutex
	dials int
}

func (d *failingDialer) Dial(context.Context, string) (Conn, *http.Response, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	return nil, nil, errors.New("connection refused")
}

func (d *failingDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func TestChannelBackoffScheduleAndCap(t *testing.T) {
	clock := newFakeClock()
	dialer := &failingDialer{}
	ch := NewChannel(Options{
		ServerURL: "http://exam.invalid",
		Dialer:    dialer,
		AfterFunc: clock.AfterFunc,
		Now:       clock.Now,
	}, zerolog.Nop())

	require.Error(t, ch.Connect(context.Background(), "s", "tok"))
	assert.Equal(t, StatusReconnecting, ch.Status())

	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}
	for i, d := range want {
		require.Equal(t, []time.Duration{d}, clock.armed(), "before attempt %d", i+1)
		clock.fire(t, d)
	}

	assert.Empty(t, clock.armed(), "no sixth reconnection")
	assert.Equal(t, 6, dialer.count())
	assert.Equal(t, 5, ch.ReconnectAttempts())
	assert.Equal(t, StatusDisconnected, ch.Status())

	// A manual connect resets the budget.
	require.Error(t, ch.Connect(context.Background(), "s", "tok"))
	assert.Equal(t, []time.Duration{time.Second}, clock.armed())
	assert.Equal(t, 1, ch.ReconnectAttempts())
}

func TestChannelDisconnectCancelsPendingReconnect(t *testing.T) {
	clock := newFakeClock()
	dialer := &failingDialer{}
	ch := NewChannel(Options{
		ServerURL: "http://exam.invalid",
		Dialer:    dialer,
		AfterFunc: clock.AfterFunc,
		Now:       clock.Now,
	}, zerolog.Nop())

	require.Error(t, ch.Connect(context.Background(), "s", "tok"))
	require.Len(t, clock.armed(), 1)

	ch.Disconnect()
	assert.Empty(t, clock.armed())
	assert.Equal(t, StatusDisconnected, ch.Status())
}

func TestChannelPingTimeoutForcesRetryableClose(t *testing.T) {
	srv := newTestServer(t)
	clock := newFakeClock()
	opts := fastOptions(srv.URL)
	opts.HeartbeatInterval = 0
	opts.PingTimeout = 0
	opts.Backoff = Backoff{}
	opts.AfterFunc = clock.AfterFunc
	opts.Now = clock.Now
	ch := NewChannel(opts, zerolog.Nop())
	defer ch.Disconnect()

	require.NoError(t, ch.Connect(context.Background(), "s", "tok"))

	clock.fire(t, 30*time.Second)
	select {
	case f := <-srv.frames:
		assert.Equal(t, protocol.OutHeartbeat, f.Type)
	case <-time.After(waitFor):
		t.Fatal("heartbeat not sent")
	}

	clock.fire(t, 45*time.Second)

	last, ok := ch.LastClose()
	require.True(t, ok)
	assert.Equal(t, ClosePingTimeout, last.Code)
	assert.False(t, last.Terminal)
	assert.Equal(t, StatusReconnecting, ch.Status())

	clock.fire(t, time.Second)
	assert.True(t, ch.IsConnected())
	assert.Equal(t, 2, srv.dials())
}

func TestChannelPongClearsPingTimeout(t *testing.T) {
	srv := newTestServer(t)
	srv.autoPong = true
	clock := newFakeClock()
	opts := fastOptions(srv.URL)
	opts.HeartbeatInterval = 0
	opts.PingTimeout = 0
	opts.AfterFunc = clock.AfterFunc
	opts.Now = clock.Now
	ch := NewChannel(opts, zerolog.Nop())
	defer ch.Disconnect()

	require.NoError(t, ch.Connect(context.Background(), "s", "tok"))

	clock.fire(t, 30*time.Second)
	require.Eventually(t, func() bool { return !clock.isArmed(45 * time.Second) }, waitFor, tick)
	assert.True(t, ch.IsConnected())
}
