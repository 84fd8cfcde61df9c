package activity

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-examsync/internal/model"
	"github.com/stemsi/exstem-examsync/internal/protocol"
	"github.com/stemsi/exstem-examsync/internal/realtime"
)

// DefaultDebounce is the settle window for progress and highlight events.
const DefaultDebounce = 2 * time.Second

// Event is one report bound for the durable persistence path.
type Event struct {
	Kind      protocol.OutboundType
	AttemptID string
	Payload   interface{}
	At        time.Time
}

// Sender is the realtime path. Send is a no-op when the channel is down.
type Sender interface {
	Send(msgType protocol.OutboundType, payload interface{}) bool
}

// Persister is the durable path.
type Persister interface {
	Persist(ev Event) error
}

// Options tunes a Reporter.
type Options struct {
	Debounce  time.Duration
	AfterFunc realtime.AfterFunc
	Now       func() time.Time
}

type pending struct {
	ev    Event
	timer realtime.Timer
	seq   uint64
}

// Reporter forwards student activity to the server over both the realtime
// channel and the durable path. Progress and highlight events settle for
// the debounce window before they go out; answers and violations do not.
type Reporter struct {
	sender    Sender
	persister Persister
	opts      Options
	log       zerolog.Logger

	mu        sync.Mutex
	attemptID string
	pending   map[string]*pending
	seq       uint64
	stopped   bool
}

// NewReporter creates a reporter. Either sender or persister may be nil.
func NewReporter(sender Sender, persister Persister, opts Options, log zerolog.Logger) *Reporter {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) realtime.Timer { return time.AfterFunc(d, f) }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reporter{
		sender:    sender,
		persister: persister,
		opts:      opts,
		log:       log.With().Str("component", "activity_reporter").Logger(),
		pending:   make(map[string]*pending),
	}
}

// SetAttempt binds subsequent reports to an attempt and re-arms a stopped reporter.
func (r *Reporter) SetAttempt(attemptID string) {
	r.mu.Lock()
	r.attemptID = attemptID
	r.stopped = false
	r.mu.Unlock()
}

// ReportAnswer sends an answer change immediately.
func (r *Reporter) ReportAnswer(questionID, answer string) {
	r.immediate(protocol.OutAnswerUpdate, protocol.AnswerPayload{QuestionID: questionID, Answer: answer})
}

// ReportViolation sends an integrity violation immediately.
func (r *Reporter) ReportViolation(vt model.ViolationType, at time.Time) {
	r.emit(r.event(protocol.OutViolation, protocol.ViolationPayload{ViolationType: vt}, at))
}

// ReportProgress debounces the progress cursor; the latest value wins.
func (r *Reporter) ReportProgress(p model.Progress) {
	r.debounce("progress", protocol.OutProgressUpdate, protocol.ProgressPayload{
		PassageIndex:  p.PassageIndex,
		QuestionIndex: p.QuestionIndex,
	})
}

// ReportHighlight debounces highlights per passage; the latest value wins.
func (r *Reporter) ReportHighlight(h model.Highlight) {
	r.debounce("highlight:"+h.PassageID, protocol.OutHighlightAdded, protocol.HighlightPayload{
		PassageID:   h.PassageID,
		StartOffset: h.StartOffset,
		EndOffset:   h.EndOffset,
		Text:        h.Text,
	})
}

// Flush sends every pending debounced event now.
func (r *Reporter) Flush() {
	r.mu.Lock()
	var due []Event
	for key, p := range r.pending {
		p.timer.Stop()
		due = append(due, p.ev)
		delete(r.pending, key)
	}
	r.mu.Unlock()

	for _, ev := range due {
		r.emit(ev)
	}
}

// Stop drops pending debounced events and ignores further reports until SetAttempt.
func (r *Reporter) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, p := range r.pending {
		p.timer.Stop()
		delete(r.pending, key)
	}
	r.stopped = true
}

// Pending reports how many debounced events are waiting to settle.
func (r *Reporter) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Reporter) immediate(kind protocol.OutboundType, payload interface{}) {
	r.emit(r.event(kind, payload, r.opts.Now()))
}

func (r *Reporter) event(kind protocol.OutboundType, payload interface{}, at time.Time) Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Event{Kind: kind, AttemptID: r.attemptID, Payload: payload, At: at}
}

func (r *Reporter) debounce(key string, kind protocol.OutboundType, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}

	ev := Event{Kind: kind, AttemptID: r.attemptID, Payload: payload, At: r.opts.Now()}
	if p, ok := r.pending[key]; ok {
		p.timer.Stop()
	}
	r.seq++
	seq := r.seq
	p := &pending{ev: ev, seq: seq}
	p.timer = r.opts.AfterFunc(r.opts.Debounce, func() { r.settle(key, seq) })
	r.pending[key] = p
}

func (r *Reporter) settle(key string, seq uint64) {
	r.mu.Lock()
	p, ok := r.pending[key]
	if !ok || p.seq != seq {
		r.mu.Unlock()
		return
	}
	delete(r.pending, key)
	r.mu.Unlock()

	r.emit(p.ev)
}

func (r *Reporter) emit(ev Event) {
	r.mu.Lock()
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		return
	}

	sent := false
	if r.sender != nil {
		sent = r.sender.Send(ev.Kind, ev.Payload)
	}
	if r.persister != nil {
		if err := r.persister.Persist(ev); err != nil {
			r.log.Error().Err(err).Str("kind", string(ev.Kind)).Str("attempt_id", ev.AttemptID).
				Msg("Failed to persist activity")
		}
	}
	r.log.Debug().Str("kind", string(ev.Kind)).Bool("realtime", sent).Msg("Activity reported")
}
