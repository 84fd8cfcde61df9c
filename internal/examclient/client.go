package examclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-examsync/internal/activity"
	"github.com/stemsi/exstem-examsync/internal/attempt"
	"github.com/stemsi/exstem-examsync/internal/integrity"
	"github.com/stemsi/exstem-examsync/internal/model"
	"github.com/stemsi/exstem-examsync/internal/outbox"
	"github.com/stemsi/exstem-examsync/internal/protocol"
	"github.com/stemsi/exstem-examsync/internal/realtime"
)

// ErrNotJoined is returned by actions made before Join or Resume.
var ErrNotJoined = errors.New("not joined to a session")

const reconcileTimeout = 15 * time.Second

// API is the REST surface the client needs. *examapi.Client satisfies it.
type API interface {
	outbox.API
	JoinSession(ctx context.Context, sessionID string) (*model.Attempt, error)
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
	GetAttempt(ctx context.Context, attemptID string) (*model.Attempt, error)
	SubmitAttempt(ctx context.Context, attemptID string) (*model.Attempt, error)
}

// Options configures a Client.
type Options struct {
	Channel  realtime.Options
	Debounce time.Duration
	// OutboxQueue defaults to an in-memory queue.
	OutboxQueue outbox.Queue
	OutboxRetry time.Duration
}

// Client is the owning context of one exam attempt. It wires the channel,
// attempt store, activity reporter, integrity monitor and outbox together
// and drives the student's view from server-confirmed session state.
type Client struct {
	api   API
	token string
	log   zerolog.Logger

	channel   *realtime.Channel
	store     *attempt.Store
	reporter  *activity.Reporter
	integrity *integrity.Monitor
	outbox    *outbox.Outbox

	mu           sync.Mutex
	sessionID    string
	view         View
	seenConnect  bool
	closing      bool
	resync       bool
	workerCancel context.CancelFunc
	workerDone   chan struct{}
	reconcileMu  sync.Mutex

	obsMu      sync.Mutex
	onView     []func(View)
	onError    []func(string)
	onTerminal []func(realtime.CloseEvent)
	onWarning  []func(integrity.Warning)
}

// New creates an idle client. token is the bearer token for the socket;
// api carries its own copy for REST calls.
func New(api API, token string, opts Options, log zerolog.Logger) *Client {
	queue := opts.OutboxQueue
	if queue == nil {
		queue = outbox.NewMemoryQueue()
	}
	now := opts.Channel.Now
	if now == nil {
		now = time.Now
	}

	c := &Client{
		api:   api,
		token: token,
		log:   log.With().Str("component", "exam_client").Logger(),
		store: attempt.NewStore(),
		view:  ViewIdle,
	}
	c.channel = realtime.NewChannel(opts.Channel, log)
	c.outbox = outbox.New(queue, api, opts.OutboxRetry, log)
	c.reporter = activity.NewReporter(c.channel, c.outbox, activity.Options{
		Debounce:  opts.Debounce,
		AfterFunc: opts.Channel.AfterFunc,
		Now:       now,
	}, log)
	c.integrity = integrity.NewMonitor(c.store, c.reporter, now, log)

	c.channel.OnStatus(c.store.SetConnectivity)
	c.channel.OnMessage(c.handleMessage)
	c.channel.OnClose(c.handleClose)
	c.outbox.OnDrained(func() {
		c.mu.Lock()
		due := c.resync && !c.closing
		c.resync = false
		c.mu.Unlock()
		if due {
			go c.reconcile()
		}
	})
	c.integrity.OnWarning(func(w integrity.Warning) {
		c.obsMu.Lock()
		fns := append([]func(integrity.Warning){}, c.onWarning...)
		c.obsMu.Unlock()
		for _, fn := range fns {
			fn(w)
		}
	})
	return c
}

// Join enters a session, creating the attempt if needed, and opens the channel.
func (c *Client) Join(ctx context.Context, sessionID string) error {
	if err := c.checkJoin(sessionID); err != nil {
		return err
	}
	a, err := c.api.JoinSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("join session %s: %w", sessionID, err)
	}
	return c.start(ctx, sessionID, a)
}

// Resume re-enters a session with an existing attempt, e.g. after a reload.
func (c *Client) Resume(ctx context.Context, sessionID, attemptID string) error {
	if err := c.checkJoin(sessionID); err != nil {
		return err
	}
	a, err := c.api.GetAttempt(ctx, attemptID)
	if err != nil {
		return fmt.Errorf("fetch attempt %s: %w", attemptID, err)
	}
	return c.start(ctx, sessionID, a)
}

func (c *Client) checkJoin(sessionID string) error {
	if sessionID == "" {
		return realtime.ErrMissingSession
	}
	if c.token == "" {
		return realtime.ErrMissingToken
	}
	return nil
}

func (c *Client) start(ctx context.Context, sessionID string, a *model.Attempt) error {
	sess, err := c.api.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("fetch session %s: %w", sessionID, err)
	}

	c.stopWorker()
	c.integrity.Reset()

	c.store.InitializeAttempt(a.ID, sessionID, a.TestID)
	if err := c.store.SyncState(*a); err != nil {
		return err
	}
	c.store.SetSessionState(sess.State)
	c.store.SetConnectedCount(sess.ConnectedCount)
	c.reporter.SetAttempt(a.ID)

	workerCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.sessionID = sessionID
	c.seenConnect = false
	c.closing = false
	c.resync = false
	c.workerCancel = cancel
	c.workerDone = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.outbox.Start(workerCtx)
	}()

	c.applySessionState(sess.State)
	c.log.Info().Str("session_id", sessionID).Str("attempt_id", a.ID).
		Str("state", string(sess.State)).Msg("Attempt ready")

	if err := c.channel.Connect(ctx, sessionID, c.token); err != nil {
		if c.channel.Status() == realtime.StatusReconnecting {
			c.log.Warn().Err(err).Msg("Initial connect failed, reconnecting")
			return nil
		}
		return err
	}
	return nil
}

// Answer records an answer and reports it immediately.
func (c *Client) Answer(questionID, value string) error {
	if err := c.store.SetAnswer(questionID, value); err != nil {
		return err
	}
	c.reporter.ReportAnswer(questionID, value)
	return nil
}

// Highlight records a highlight; the report settles for the debounce window.
func (c *Client) Highlight(h model.Highlight) error {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now()
	}
	if err := c.store.RecordHighlight(h); err != nil {
		return err
	}
	c.reporter.ReportHighlight(h)
	return nil
}

// Progress moves the cursor; the report settles for the debounce window.
func (c *Client) Progress(p model.Progress) error {
	if err := c.store.UpdateProgress(p); err != nil {
		return err
	}
	c.reporter.ReportProgress(p)
	return nil
}

// Signal feeds an environment event to the integrity monitor.
func (c *Client) Signal(s integrity.Signal) bool {
	return c.integrity.Observe(s)
}

// Submit delivers everything pending and finalizes the attempt. A submitted
// attempt is read-only: the channel is closed, reporting stops and later
// edits fail with attempt.ErrAttemptClosed.
func (c *Client) Submit(ctx context.Context) error {
	a := c.store.Attempt()
	if a.ID == "" {
		return ErrNotJoined
	}

	c.reporter.Flush()
	if err := c.outbox.Flush(ctx); err != nil {
		return fmt.Errorf("flush pending writes: %w", err)
	}
	submitted, err := c.api.SubmitAttempt(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("submit attempt %s: %w", a.ID, err)
	}
	if err := c.store.SyncState(*submitted); err != nil {
		return err
	}
	if submitted.Status == "" || submitted.Status == model.AttemptStatusInProgress {
		_ = c.store.SetStatus(model.AttemptStatusSubmitted)
	}

	c.mu.Lock()
	c.closing = true
	c.resync = false
	c.mu.Unlock()
	c.integrity.Disable()
	c.channel.Disconnect()
	c.reporter.Stop()
	c.stopWorker()
	c.setView(ViewFinished)
	c.log.Info().Str("attempt_id", a.ID).Msg("Attempt submitted")
	return nil
}

// Close tears the attempt down: reconnection is disabled and the channel
// closed before Close returns. Pending debounced reports are dropped;
// outbox entries get one last delivery attempt.
func (c *Client) Close() {
	c.mu.Lock()
	c.closing = true
	c.resync = false
	c.mu.Unlock()

	c.channel.Disconnect()
	c.reporter.Stop()
	c.integrity.Disable()
	c.stopWorker()
	c.store.Clear()

	c.mu.Lock()
	c.sessionID = ""
	c.mu.Unlock()
	c.setView(ViewIdle)
}

// Snapshot returns the current attempt state.
func (c *Client) Snapshot() attempt.State { return c.store.Snapshot() }

// Store exposes the attempt store for read access and subscriptions.
func (c *Client) Store() *attempt.Store { return c.store }

// Channel exposes the transport for status observers and diagnostics.
func (c *Client) Channel() *realtime.Channel { return c.channel }

// PendingWrites reports undelivered durable writes.
func (c *Client) PendingWrites(ctx context.Context) (int, error) { return c.outbox.Len(ctx) }

// View returns the current view.
func (c *Client) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

// OnView registers fn for view transitions.
func (c *Client) OnView(fn func(View)) {
	c.obsMu.Lock()
	c.onView = append(c.onView, fn)
	c.obsMu.Unlock()
}

// OnWarning registers fn for the one-time integrity warning.
func (c *Client) OnWarning(fn func(integrity.Warning)) {
	c.obsMu.Lock()
	c.onWarning = append(c.onWarning, fn)
	c.obsMu.Unlock()
}

// OnSessionError registers fn for error frames pushed by the server.
func (c *Client) OnSessionError(fn func(string)) {
	c.obsMu.Lock()
	c.onError = append(c.onError, fn)
	c.obsMu.Unlock()
}

// OnTerminal registers fn for closes that end the session for this client.
func (c *Client) OnTerminal(fn func(realtime.CloseEvent)) {
	c.obsMu.Lock()
	c.onTerminal = append(c.onTerminal, fn)
	c.obsMu.Unlock()
}

func (c *Client) handleMessage(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Connected:
		c.mu.Lock()
		reconnected := c.seenConnect
		c.seenConnect = true
		c.mu.Unlock()
		if reconnected {
			go c.reconcile()
		}

	case *protocol.SessionStatusChanged:
		c.store.SetSessionState(m.Status)
		c.applySessionState(m.Status)

	case *protocol.WaitingRoomOpened:
		c.store.SetSessionState(model.SessionStateWaitingForStudents)
		c.applySessionState(model.SessionStateWaitingForStudents)

	case *protocol.SessionStarted:
		c.store.SetSessionState(model.SessionStateInProgress)
		c.applySessionState(model.SessionStateInProgress)

	case *protocol.SessionCompleted:
		c.store.SetSessionState(model.SessionStateCompleted)
		c.reporter.Flush()
		c.applySessionState(model.SessionStateCompleted)

	case *protocol.ParticipantJoined:
		c.store.SetConnectedCount(m.ConnectedCount)

	case *protocol.ParticipantDisconnected:
		c.store.SetConnectedCount(m.ConnectedCount)

	case *protocol.TimeSync:
		if err := c.store.SetRemainingTime(m.RemainingSeconds); err != nil {
			c.log.Debug().Err(err).Msg("Time sync without attempt")
		}

	case *protocol.ErrorMessage:
		c.log.Warn().Str("error", m.Error).Msg("Server reported error")
		c.obsMu.Lock()
		fns := append([]func(string){}, c.onError...)
		c.obsMu.Unlock()
		for _, fn := range fns {
			fn(m.Error)
		}

	case *protocol.Unrecognized:
		c.log.Debug().Str("type", string(m.Type())).Msg("Ignoring unrecognized message")
	}
}

// reconcile replays the outbox and then replaces local state with the
// server's durable copy. The server copy is stale while local writes are
// undelivered, so the sync is deferred until the outbox drains.
func (c *Client) reconcile() {
	c.reconcileMu.Lock()
	defer c.reconcileMu.Unlock()

	c.mu.Lock()
	c.resync = false
	closing := c.closing
	c.mu.Unlock()
	attemptID := c.store.Attempt().ID
	if attemptID == "" || closing {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
	defer cancel()

	c.reporter.Flush()
	if err := c.outbox.Flush(ctx); err != nil {
		c.log.Warn().Err(err).Str("attempt_id", attemptID).Msg("Outbox not drained, deferring reconciliation")
		c.deferReconcile()
		return
	}
	server, err := c.api.GetAttempt(ctx, attemptID)
	if err != nil {
		c.log.Warn().Err(err).Str("attempt_id", attemptID).Msg("Reconciliation fetch failed")
		c.deferReconcile()
		return
	}
	if c.store.Attempt().ID != attemptID {
		return
	}
	if n, err := c.outbox.Len(ctx); err != nil || n > 0 {
		c.log.Debug().Int("pending", n).Msg("Writes queued during reconciliation, deferring")
		c.deferReconcile()
		return
	}
	if err := c.store.SyncState(*server); err != nil {
		c.log.Warn().Err(err).Msg("Reconciliation sync failed")
		return
	}
	c.log.Info().Str("attempt_id", attemptID).Int("answers", len(server.Answers)).Msg("Attempt reconciled")
}

// deferReconcile retries reconciliation after the next flush that empties the outbox.
func (c *Client) deferReconcile() {
	c.mu.Lock()
	c.resync = !c.closing
	c.mu.Unlock()
}

func (c *Client) handleClose(ev realtime.CloseEvent) {
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()
	if !ev.Terminal || closing {
		return
	}

	c.integrity.Disable()
	c.reporter.Flush()
	// A completed session or submitted attempt keeps the finished view.
	if c.View() != ViewFinished && c.store.Snapshot().SessionState != model.SessionStateCompleted {
		c.setView(ViewEnded)
	}
	c.obsMu.Lock()
	fns := append([]func(realtime.CloseEvent){}, c.onTerminal...)
	c.obsMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (c *Client) applySessionState(state model.SessionState) {
	if state == model.SessionStateInProgress && c.store.Attempt().Status == model.AttemptStatusInProgress {
		c.integrity.Enable()
	} else {
		c.integrity.Disable()
	}
	c.setView(viewFor(state))
}

func (c *Client) setView(v View) {
	c.mu.Lock()
	if c.view == v {
		c.mu.Unlock()
		return
	}
	c.view = v
	c.mu.Unlock()

	c.obsMu.Lock()
	fns := append([]func(View){}, c.onView...)
	c.obsMu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

func (c *Client) stopWorker() {
	c.mu.Lock()
	cancel, done := c.workerCancel, c.workerDone
	c.workerCancel, c.workerDone = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
