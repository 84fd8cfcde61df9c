package activity

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-examsync/internal/model"
	"github.com/stemsi/exstem-examsync/internal/protocol"
	"github.com/stemsi/exstem-examsync/internal/realtime"
)

type manualTimer struct {
	f       func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type manualClock struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (c *manualClock) AfterFunc(_ time.Duration, f func()) realtime.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{f: f}
	c.timers = append(c.timers, t)
	return t
}

// fireAll runs every armed timer once.
func (c *manualClock) fireAll() {
	c.mu.Lock()
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.stopped {
			t.stopped = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

type sent struct {
	kind    protocol.OutboundType
	payload interface{}
}

type recorder struct {
	mu        sync.Mutex
	connected bool
	sent      []sent
	persisted []Event
	failWith  error
}

func (r *recorder) Send(kind protocol.OutboundType, payload interface{}) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connected {
		return false
	}
	r.sent = append(r.sent, sent{kind, payload})
	return true
}

func (r *recorder) Persist(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persisted = append(r.persisted, ev)
	return r.failWith
}

func newTestReporter(rec *recorder) (*Reporter, *manualClock) {
	clock := &manualClock{}
	r := NewReporter(rec, rec, Options{AfterFunc: clock.AfterFunc}, zerolog.Nop())
	r.SetAttempt("att-1")
	return r, clock
}

func TestAnswersAndViolationsAreImmediate(t *testing.T) {
	rec := &recorder{connected: true}
	r, _ := newTestReporter(rec)

	r.ReportAnswer("q3", "TRUE")
	r.ReportViolation(model.ViolationTabSwitch, time.Unix(10, 0))

	require.Len(t, rec.sent, 2)
	assert.Equal(t, protocol.OutAnswerUpdate, rec.sent[0].kind)
	assert.Equal(t, protocol.AnswerPayload{QuestionID: "q3", Answer: "TRUE"}, rec.sent[0].payload)
	assert.Equal(t, protocol.OutViolation, rec.sent[1].kind)

	require.Len(t, rec.persisted, 2)
	assert.Equal(t, "att-1", rec.persisted[0].AttemptID)
	assert.Equal(t, time.Unix(10, 0), rec.persisted[1].At)
	assert.Zero(t, r.Pending())
}

func TestProgressCoalescesToLatest(t *testing.T) {
	rec := &recorder{connected: true}
	r, clock := newTestReporter(rec)

	for i := 0; i < 5; i++ {
		r.ReportProgress(model.Progress{PassageIndex: 1, QuestionIndex: i})
	}
	assert.Empty(t, rec.sent)
	assert.Equal(t, 1, r.Pending())

	clock.fireAll()

	require.Len(t, rec.sent, 1)
	assert.Equal(t, protocol.ProgressPayload{PassageIndex: 1, QuestionIndex: 4}, rec.sent[0].payload)
	require.Len(t, rec.persisted, 1)
	assert.Zero(t, r.Pending())
}

func TestHighlightsDebouncePerPassage(t *testing.T) {
	rec := &recorder{connected: true}
	r, clock := newTestReporter(rec)

	r.ReportHighlight(model.Highlight{PassageID: "p1", StartOffset: 0, EndOffset: 3})
	r.ReportHighlight(model.Highlight{PassageID: "p1", StartOffset: 0, EndOffset: 9})
	r.ReportHighlight(model.Highlight{PassageID: "p2", StartOffset: 4, EndOffset: 5})
	assert.Equal(t, 2, r.Pending())

	clock.fireAll()

	require.Len(t, rec.sent, 2)
	ends := map[string]int{}
	for _, s := range rec.sent {
		hp := s.payload.(protocol.HighlightPayload)
		ends[hp.PassageID] = hp.EndOffset
	}
	assert.Equal(t, map[string]int{"p1": 9, "p2": 5}, ends)
}

func TestFlushSendsPendingNow(t *testing.T) {
	rec := &recorder{connected: true}
	r, clock := newTestReporter(rec)

	r.ReportProgress(model.Progress{QuestionIndex: 2})
	r.Flush()
	require.Len(t, rec.sent, 1)

	clock.fireAll()
	assert.Len(t, rec.sent, 1, "a flushed event does not fire again")
}

func TestStopDropsPendingAndLaterReports(t *testing.T) {
	rec := &recorder{connected: true}
	r, clock := newTestReporter(rec)

	r.ReportProgress(model.Progress{QuestionIndex: 2})
	r.Stop()
	clock.fireAll()
	r.ReportAnswer("q1", "A")

	assert.Empty(t, rec.sent)
	assert.Empty(t, rec.persisted)

	r.SetAttempt("att-2")
	r.ReportAnswer("q1", "A")
	assert.Len(t, rec.sent, 1)
}

func TestDurablePathRunsWhileOffline(t *testing.T) {
	rec := &recorder{connected: false}
	r, _ := newTestReporter(rec)

	r.ReportAnswer("q3", "TRUE")

	assert.Empty(t, rec.sent)
	require.Len(t, rec.persisted, 1)
	assert.Equal(t, protocol.OutAnswerUpdate, rec.persisted[0].Kind)
}

func TestPersistErrorDoesNotBlockRealtime(t *testing.T) {
	rec := &recorder{connected: true, failWith: errors.New("disk full")}
	r, _ := newTestReporter(rec)

	r.ReportAnswer("q1", "B")

	assert.Len(t, rec.sent, 1)
	assert.Len(t, rec.persisted, 1)
}
