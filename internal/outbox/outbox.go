package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-examsync/internal/activity"
	"github.com/stemsi/exstem-examsync/internal/examapi"
	"github.com/stemsi/exstem-examsync/internal/model"
	"github.com/stemsi/exstem-examsync/internal/protocol"
)

// DefaultRetry is the pause after a transient delivery failure.
const DefaultRetry = 5 * time.Second

// API is the subset of the REST client the outbox delivers to.
type API interface {
	SaveAnswer(ctx context.Context, attemptID, questionID, answer string) error
	RecordHighlight(ctx context.Context, attemptID string, h model.Highlight) error
	RecordViolation(ctx context.Context, attemptID string, vt model.ViolationType, at time.Time) error
	UpdateProgress(ctx context.Context, attemptID string, p model.Progress) error
}

// Outbox buffers durable writes and delivers them in order with retry.
// It implements activity.Persister.
type Outbox struct {
	queue Queue
	api   API
	retry time.Duration
	log   zerolog.Logger

	deliverMu sync.Mutex
	wake      chan struct{}

	hookMu    sync.Mutex
	onDrained []func()
}

// New creates an outbox over queue. A retry of zero uses DefaultRetry.
func New(queue Queue, api API, retry time.Duration, log zerolog.Logger) *Outbox {
	if retry <= 0 {
		retry = DefaultRetry
	}
	return &Outbox{
		queue: queue,
		api:   api,
		retry: retry,
		log:   log.With().Str("component", "outbox").Logger(),
		wake:  make(chan struct{}, 1),
	}
}

// Persist enqueues an activity event and wakes the worker.
func (o *Outbox) Persist(ev activity.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", ev.Kind, err)
	}
	e := Entry{
		ID:        uuid.New().String(),
		Kind:      ev.Kind,
		AttemptID: ev.AttemptID,
		Payload:   payload,
		At:        ev.At,
	}
	if err := o.queue.Push(context.Background(), e); err != nil {
		return fmt.Errorf("enqueue %s: %w", ev.Kind, err)
	}

	select {
	case o.wake <- struct{}{}:
	default:
	}
	return nil
}

// Len reports the number of undelivered entries. An entry in flight counts
// as undelivered, so Len waits for a running delivery to settle.
func (o *Outbox) Len(ctx context.Context) (int, error) {
	o.deliverMu.Lock()
	defer o.deliverMu.Unlock()
	return o.queue.Len(ctx)
}

// Discard drops every undelivered entry.
func (o *Outbox) Discard(ctx context.Context) error {
	return o.queue.Clear(ctx)
}

// OnDrained registers fn to run after every flush that leaves the queue empty,
// including the worker's idle flushes.
func (o *Outbox) OnDrained(fn func()) {
	o.hookMu.Lock()
	o.onDrained = append(o.onDrained, fn)
	o.hookMu.Unlock()
}

// Flush delivers entries until the queue is empty. It stops at the first
// transient failure, leaving that entry at the head, and returns the error.
// Permanently rejected entries are dropped.
func (o *Outbox) Flush(ctx context.Context) error {
	if err := o.flush(ctx); err != nil {
		return err
	}

	o.hookMu.Lock()
	hooks := append([]func(){}, o.onDrained...)
	o.hookMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	return nil
}

func (o *Outbox) flush(ctx context.Context) error {
	o.deliverMu.Lock()
	defer o.deliverMu.Unlock()

	delivered := 0
	defer func() {
		if delivered > 0 {
			o.log.Debug().Int("count", delivered).Msg("Outbox flushed")
		}
	}()

	for {
		e, ok, err := o.queue.Pop(ctx)
		if err != nil {
			return fmt.Errorf("pop outbox entry: %w", err)
		}
		if !ok {
			return nil
		}

		err = o.deliver(ctx, e)
		if err == nil {
			delivered++
			continue
		}
		if Permanent(err) {
			o.log.Error().Err(err).
				Str("entry_id", e.ID).
				Str("kind", string(e.Kind)).
				Str("attempt_id", e.AttemptID).
				Msg("Outbox entry rejected, dropping")
			continue
		}

		e.Tries++
		if pushErr := o.queue.PushFront(context.Background(), e); pushErr != nil {
			o.log.Error().Err(pushErr).Str("entry_id", e.ID).Msg("Failed to requeue outbox entry")
		}
		return err
	}
}

// Start runs the delivery loop until ctx is cancelled, then makes one last
// attempt to drain. Call in a goroutine.
func (o *Outbox) Start(ctx context.Context) {
	o.log.Info().Msg("Worker started")

	for {
		if err := o.Flush(ctx); err != nil && ctx.Err() == nil {
			o.log.Warn().Err(err).Dur("retry_in", o.retry).Msg("Delivery error, retrying")
			select {
			case <-ctx.Done():
			case <-time.After(o.retry):
				continue
			}
		}

		select {
		case <-ctx.Done():
			o.log.Info().Msg("Worker stopping...")
			drainCtx, cancel := context.WithTimeout(context.Background(), o.retry)
			if err := o.Flush(drainCtx); err != nil {
				o.log.Warn().Err(err).Msg("Undelivered entries left in outbox")
			}
			cancel()
			o.log.Info().Msg("Worker stopped")
			return
		case <-o.wake:
		case <-time.After(o.retry):
		}
	}
}

func (o *Outbox) deliver(ctx context.Context, e Entry) error {
	switch e.Kind {
	case protocol.OutAnswerUpdate:
		var p protocol.AnswerPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return malformed(e, err)
		}
		return o.api.SaveAnswer(ctx, e.AttemptID, p.QuestionID, p.Answer)

	case protocol.OutHighlightAdded:
		var p protocol.HighlightPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return malformed(e, err)
		}
		return o.api.RecordHighlight(ctx, e.AttemptID, model.Highlight{
			PassageID:   p.PassageID,
			StartOffset: p.StartOffset,
			EndOffset:   p.EndOffset,
			Text:        p.Text,
			CreatedAt:   e.At,
		})

	case protocol.OutViolation:
		var p protocol.ViolationPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return malformed(e, err)
		}
		return o.api.RecordViolation(ctx, e.AttemptID, p.ViolationType, e.At)

	case protocol.OutProgressUpdate:
		var p protocol.ProgressPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return malformed(e, err)
		}
		return o.api.UpdateProgress(ctx, e.AttemptID, model.Progress{
			PassageIndex:  p.PassageIndex,
			QuestionIndex: p.QuestionIndex,
		})
	}
	return &rejectedError{fmt.Errorf("unsupported outbox kind %q", e.Kind)}
}

type rejectedError struct{ err error }

func (e *rejectedError) Error() string { return e.err.Error() }
func (e *rejectedError) Unwrap() error { return e.err }

func malformed(e Entry, err error) error {
	return &rejectedError{fmt.Errorf("decode %s entry %s: %w", e.Kind, e.ID, err)}
}

// Permanent reports whether retrying a delivery can never succeed.
// A missing token is not permanent: entries wait until one is set.
func Permanent(err error) bool {
	if errors.Is(err, examapi.ErrMissingToken) {
		return false
	}
	var rejected *rejectedError
	if errors.As(err, &rejected) {
		return true
	}
	var apiErr *examapi.APIError
	if errors.As(err, &apiErr) {
		return !apiErr.Temporary()
	}
	return false
}
