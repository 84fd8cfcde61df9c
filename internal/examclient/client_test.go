package examclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-examsync/internal/attempt"
	"github.com/stemsi/exstem-examsync/internal/examapi"
	"github.com/stemsi/exstem-examsync/internal/integrity"
	"github.com/stemsi/exstem-examsync/internal/model"
	"github.com/stemsi/exstem-examsync/internal/protocol"
	"github.com/stemsi/exstem-examsync/internal/realtime"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// examServer fakes the REST and WebSocket surfaces of one session.
type examServer struct {
	*httptest.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	state       model.SessionState
	attempt     model.Attempt
	savedWrites []string
	conns       []*websocket.Conn
	wsReject    int
	frames      []protocol.ClientFrame
	submitted   bool
	answerFail  int
	requests    int
}

func newExamServer(t *testing.T) *examServer {
	s := &examServer{
		state: model.SessionStateWaitingForStudents,
		attempt: model.Attempt{
			ID:               "att-1",
			SessionID:        "sess-1",
			TestID:           "test-1",
			Status:           model.AttemptStatusInProgress,
			Answers:          map[string]string{},
			RemainingSeconds: 3600,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/sessions/{id}/join", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		writeData(w, s.attempt)
	})
	mux.HandleFunc("GET /api/v1/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		writeData(w, model.Session{ID: r.PathValue("id"), TestID: "test-1", State: s.state})
	})
	mux.HandleFunc("GET /api/v1/attempts/{id}", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		writeData(w, s.attempt)
	})
	mux.HandleFunc("PUT /api/v1/attempts/{id}/answers/{qid}", func(w http.ResponseWriter, r *http.Request) {
		var req model.SaveAnswerRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.answerFail != 0 {
			http.Error(w, http.StatusText(s.answerFail), s.answerFail)
			return
		}
		s.savedWrites = append(s.savedWrites, r.PathValue("qid")+"="+req.Answer)
		s.attempt.Answers[r.PathValue("qid")] = req.Answer
		writeData(w, nil)
	})
	mux.HandleFunc("POST /api/v1/attempts/{id}/violations", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.savedWrites = append(s.savedWrites, "violation")
		s.mu.Unlock()
		writeData(w, nil)
	})
	mux.HandleFunc("POST /api/v1/attempts/{id}/submit", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.submitted = true
		s.attempt.Status = model.AttemptStatusSubmitted
		writeData(w, s.attempt)
	})
	mux.HandleFunc("GET /ws/v1/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		reject := s.wsReject
		s.mu.Unlock()
		if reject != 0 {
			http.Error(w, http.StatusText(reject), reject)
			return
		}
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		_ = protocol.WriteFrame(conn, protocol.TypeConnected, map[string]string{
			"session_id": r.PathValue("id"),
			"attempt_id": "att-1",
		})
		go s.readLoop(conn)
	})

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests++
		s.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

func writeData(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
}

func (s *examServer) readLoop(conn *websocket.Conn) {
	for {
		var f protocol.ClientFrame
		if err := protocol.ReadClientFrame(conn, &f); err != nil {
			return
		}
		s.mu.Lock()
		s.frames = append(s.frames, f)
		s.mu.Unlock()
	}
}

func (s *examServer) push(t *testing.T, msgType protocol.MessageType, payload interface{}) {
	t.Helper()
	s.mu.Lock()
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	require.NoError(t, protocol.WriteFrame(conn, msgType, payload))
}

func (s *examServer) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

func (s *examServer) dropConn() {
	s.mu.Lock()
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	conn.UnderlyingConn().Close()
}

func (s *examServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *examServer) framesOf(kind protocol.OutboundType) []protocol.ClientFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.ClientFrame
	for _, f := range s.frames {
		if f.Type == kind {
			out = append(out, f)
		}
	}
	return out
}

func (s *examServer) writes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.savedWrites...)
}

func newTestClient(t *testing.T, srv *examServer) *Client {
	t.Helper()
	api := examapi.NewClient(srv.URL, "tok")
	c := New(api, "tok", Options{
		Channel: realtime.Options{
			ServerURL: srv.URL,
			Backoff:   realtime.Backoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond, MaxAttempts: 5},
		},
		Debounce:    20 * time.Millisecond,
		OutboxRetry: 20 * time.Millisecond,
	}, zerolog.Nop())
	t.Cleanup(c.Close)
	return c
}

func TestJoinLandsInWaitingRoom(t *testing.T) {
	srv := newExamServer(t)
	c := newTestClient(t, srv)

	require.NoError(t, c.Join(context.Background(), "sess-1"))

	assert.Equal(t, ViewWaiting, c.View())
	snap := c.Snapshot()
	assert.Equal(t, "att-1", snap.Attempt.ID)
	assert.Equal(t, model.SessionStateWaitingForStudents, snap.SessionState)
	assert.Equal(t, 3600, snap.Attempt.RemainingSeconds)
	assert.Equal(t, realtime.StatusConnected, snap.Connectivity)
}

func TestSessionStartedSwitchesToExamView(t *testing.T) {
	srv := newExamServer(t)
	c := newTestClient(t, srv)
	views := make(chan View, 4)
	c.OnView(func(v View) { views <- v })

	require.NoError(t, c.Join(context.Background(), "sess-1"))
	require.Equal(t, ViewWaiting, <-views)

	srv.push(t, protocol.TypeSessionStarted, nil)

	select {
	case v := <-views:
		assert.Equal(t, ViewExam, v)
	case <-time.After(waitFor):
		t.Fatal("no view transition after session_started")
	}
	assert.Equal(t, model.SessionStateInProgress, c.Snapshot().SessionState)
}

func TestServerPushesUpdateStore(t *testing.T) {
	srv := newExamServer(t)
	c := newTestClient(t, srv)
	errs := make(chan string, 1)
	c.OnSessionError(func(e string) { errs <- e })
	require.NoError(t, c.Join(context.Background(), "sess-1"))

	srv.push(t, protocol.TypeParticipantJoined, map[string]interface{}{"connected_count": 12, "student_name": "Rani"})
	srv.push(t, protocol.TypeTimeSync, map[string]interface{}{"remaining_seconds": 1500})
	srv.push(t, protocol.TypeError, map[string]string{"error": "jawaban ditolak"})

	require.Eventually(t, func() bool {
		s := c.Snapshot()
		return s.ConnectedCount == 12 && s.Attempt.RemainingSeconds == 1500
	}, waitFor, tick)
	assert.Equal(t, "jawaban ditolak", <-errs)
}

func TestAnswerIsSentAndPersisted(t *testing.T) {
	srv := newExamServer(t)
	c := newTestClient(t, srv)
	require.NoError(t, c.Join(context.Background(), "sess-1"))

	require.NoError(t, c.Answer("Q1", "B"))

	require.Eventually(t, func() bool { return len(srv.framesOf(protocol.OutAnswerUpdate)) == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return len(srv.writes()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"Q1=B"}, srv.writes())
	assert.Equal(t, "B", c.Snapshot().Attempt.Answers["Q1"])
}

func TestReconnectReconcilesWithServerCopy(t *testing.T) {
	srv := newExamServer(t)
	c := newTestClient(t, srv)
	require.NoError(t, c.Join(context.Background(), "sess-1"))

	require.NoError(t, c.Answer("Q3", "TRUE"))
	require.Eventually(t, func() bool { return len(srv.writes()) == 1 }, waitFor, tick)

	srv.mu.Lock()
	srv.attempt.Answers = map[string]string{"Q3": "FALSE"}
	conn := srv.conns[0]
	srv.mu.Unlock()
	conn.UnderlyingConn().Close()

	require.Eventually(t, func() bool {
		ev, ok := c.Channel().LastClose()
		return ok && ev.Code == realtime.CloseAbnormal
	}, waitFor, tick)
	require.Eventually(t, func() bool { return srv.connCount() == 2 }, waitFor, tick)
	require.Eventually(t, func() bool {
		return c.Snapshot().Attempt.Answers["Q3"] == "FALSE"
	}, waitFor, tick)
	assert.True(t, c.Channel().IsConnected())
}

func TestReconnectKeepsUndeliveredAnswers(t *testing.T) {
	srv := newExamServer(t)
	c := newTestClient(t, srv)
	require.NoError(t, c.Join(context.Background(), "sess-1"))

	srv.mu.Lock()
	srv.answerFail = http.StatusServiceUnavailable
	srv.attempt.Answers = map[string]string{"Q3": "FALSE"}
	srv.attempt.RemainingSeconds = 900
	srv.mu.Unlock()

	require.NoError(t, c.Answer("Q3", "TRUE"))
	srv.dropConn()

	require.Eventually(t, func() bool { return srv.connCount() == 2 && c.Channel().IsConnected() }, waitFor, tick)
	assert.Never(t, func() bool {
		a := c.Snapshot().Attempt
		return a.Answers["Q3"] != "TRUE" || a.RemainingSeconds != 3600
	}, 150*time.Millisecond, tick, "server copy applied while the answer was undelivered")
	pending, err := c.PendingWrites(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pending, "the failed answer waits at the head of the outbox")

	srv.mu.Lock()
	srv.answerFail = 0
	srv.mu.Unlock()

	require.Eventually(t, func() bool { return c.Snapshot().Attempt.RemainingSeconds == 900 }, waitFor, tick)
	assert.Equal(t, "TRUE", c.Snapshot().Attempt.Answers["Q3"])
	assert.Equal(t, []string{"Q3=TRUE"}, srv.writes())
}

func TestTabSwitchesDuringExam(t *testing.T) {
	srv := newExamServer(t)
	srv.state = model.SessionStateInProgress
	c := newTestClient(t, srv)
	var warnings []integrity.Warning
	c.OnWarning(func(w integrity.Warning) { warnings = append(warnings, w) })
	require.NoError(t, c.Join(context.Background(), "sess-1"))
	require.Equal(t, ViewExam, c.View())

	for i := 0; i < 6; i++ {
		assert.True(t, c.Signal(integrity.SignalVisibilityHidden))
	}

	assert.Equal(t, 6, c.Snapshot().Attempt.ViolationCount)
	assert.Len(t, warnings, 1)
	require.Eventually(t, func() bool { return len(srv.framesOf(protocol.OutViolation)) == 6 }, waitFor, tick)
}

func TestSignalsIgnoredOutsideExam(t *testing.T) {
	srv := newExamServer(t)
	c := newTestClient(t, srv)
	require.NoError(t, c.Join(context.Background(), "sess-1"))

	assert.False(t, c.Signal(integrity.SignalWindowBlur))
	assert.Zero(t, c.Snapshot().Attempt.ViolationCount)
}

func TestSessionFullIsTerminal(t *testing.T) {
	srv := newExamServer(t)
	srv.wsReject = http.StatusConflict
	c := newTestClient(t, srv)
	terminal := make(chan realtime.CloseEvent, 1)
	c.OnTerminal(func(ev realtime.CloseEvent) { terminal <- ev })

	err := c.Join(context.Background(), "sess-1")
	require.Error(t, err)

	ev := <-terminal
	assert.Equal(t, realtime.CloseSessionFull, ev.Code)
	assert.Equal(t, ViewEnded, c.View())
	assert.Equal(t, realtime.StatusDisconnected, c.Channel().Status())
}

func TestSessionEndedAfterCompletionKeepsFinishedView(t *testing.T) {
	srv := newExamServer(t)
	srv.state = model.SessionStateInProgress
	c := newTestClient(t, srv)
	terminal := make(chan realtime.CloseEvent, 1)
	c.OnTerminal(func(ev realtime.CloseEvent) { terminal <- ev })
	require.NoError(t, c.Join(context.Background(), "sess-1"))

	srv.push(t, protocol.TypeSessionCompleted, map[string]string{"session_id": "sess-1"})
	require.Eventually(t, func() bool { return c.View() == ViewFinished }, waitFor, tick)

	srv.mu.Lock()
	conn := srv.conns[len(srv.conns)-1]
	srv.mu.Unlock()
	require.NoError(t, protocol.WriteClose(conn, realtime.CloseSessionEnded, "session ended"))

	select {
	case ev := <-terminal:
		assert.Equal(t, realtime.CloseSessionEnded, ev.Code)
	case <-time.After(waitFor):
		t.Fatal("terminal close not observed")
	}
	assert.Equal(t, ViewFinished, c.View())
}

func TestSubmitFlushesAndFinishes(t *testing.T) {
	srv := newExamServer(t)
	srv.state = model.SessionStateInProgress
	c := newTestClient(t, srv)
	require.NoError(t, c.Join(context.Background(), "sess-1"))

	require.NoError(t, c.Answer("Q1", "C"))
	require.NoError(t, c.Submit(context.Background()))

	assert.Contains(t, srv.writes(), "Q1=C")
	assert.True(t, srv.submitted)
	assert.Equal(t, model.AttemptStatusSubmitted, c.Snapshot().Attempt.Status)
	assert.Equal(t, ViewFinished, c.View())
	assert.False(t, c.Signal(integrity.SignalWindowBlur))
}

func TestSubmitMakesAttemptReadOnly(t *testing.T) {
	srv := newExamServer(t)
	srv.state = model.SessionStateInProgress
	c := newTestClient(t, srv)
	terminal := make(chan realtime.CloseEvent, 1)
	c.OnTerminal(func(ev realtime.CloseEvent) { terminal <- ev })
	require.NoError(t, c.Join(context.Background(), "sess-1"))

	require.NoError(t, c.Answer("Q1", "C"))
	require.NoError(t, c.Submit(context.Background()))

	assert.Equal(t, realtime.StatusDisconnected, c.Channel().Status())
	assert.ErrorIs(t, c.Answer("Q9", "late"), attempt.ErrAttemptClosed)
	assert.ErrorIs(t, c.Progress(model.Progress{QuestionIndex: 4}), attempt.ErrAttemptClosed)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{"Q1=C"}, srv.writes())
	assert.LessOrEqual(t, len(srv.framesOf(protocol.OutAnswerUpdate)), 1)
	assert.NotContains(t, c.Snapshot().Attempt.Answers, "Q9")
	assert.Equal(t, 1, srv.connCount(), "no reconnection after submit")
	assert.Equal(t, ViewFinished, c.View())
	assert.Empty(t, terminal)
}

func TestWarningReArmedForNextAttempt(t *testing.T) {
	srv := newExamServer(t)
	srv.state = model.SessionStateInProgress
	c := newTestClient(t, srv)
	var warnings []integrity.Warning
	c.OnWarning(func(w integrity.Warning) { warnings = append(warnings, w) })

	require.NoError(t, c.Join(context.Background(), "sess-1"))
	assert.True(t, c.Signal(integrity.SignalWindowBlur))
	assert.True(t, c.Signal(integrity.SignalWindowBlur))
	c.Close()

	require.NoError(t, c.Join(context.Background(), "sess-1"))
	require.Equal(t, ViewExam, c.View())
	assert.True(t, c.Signal(integrity.SignalVisibilityHidden))

	require.Len(t, warnings, 2)
	assert.Equal(t, model.ViolationTabSwitch, warnings[1].Violation)
}

func TestCloseStopsEverything(t *testing.T) {
	srv := newExamServer(t)
	c := newTestClient(t, srv)
	require.NoError(t, c.Join(context.Background(), "sess-1"))

	c.Close()

	assert.Equal(t, realtime.StatusDisconnected, c.Channel().Status())
	assert.False(t, c.Snapshot().Initialized)
	assert.Equal(t, ViewIdle, c.View())
	assert.ErrorIs(t, c.Submit(context.Background()), ErrNotJoined)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, srv.connCount(), "no reconnection after close")
}

func TestJoinPreconditions(t *testing.T) {
	srv := newExamServer(t)
	c := newTestClient(t, srv)
	assert.ErrorIs(t, c.Join(context.Background(), ""), realtime.ErrMissingSession)

	noToken := New(examapi.NewClient(srv.URL, ""), "", Options{}, zerolog.Nop())
	assert.ErrorIs(t, noToken.Join(context.Background(), "sess-1"), realtime.ErrMissingToken)
	assert.ErrorIs(t, noToken.Resume(context.Background(), "sess-1", "att-1"), realtime.ErrMissingToken)
	assert.Zero(t, srv.requestCount(), "no REST call without a token")
	assert.Zero(t, srv.connCount())
}
