package attempt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stemsi/exstem-examsync/internal/model"
	"github.com/stemsi/exstem-examsync/internal/realtime"
)

// ErrNoAttempt is returned by mutations made before InitializeAttempt.
var ErrNoAttempt = errors.New("no attempt initialized")

// ErrAttemptClosed is returned by student edits once the attempt has left IN_PROGRESS.
var ErrAttemptClosed = errors.New("attempt is no longer in progress")

// State is a read-only snapshot of everything the store holds.
type State struct {
	Attempt        model.Attempt
	SessionState   model.SessionState
	Connectivity   realtime.Status
	ConnectedCount int
	// Initialized is false after Clear and before the first InitializeAttempt.
	Initialized bool
}

// Store is the client-side mirror of one attempt and the single writer of it.
//
// Local mutations are optimistic. SyncState replaces the answer map,
// highlights, progress, violations and remaining time wholesale with the
// server's copy; nothing is merged.
type Store struct {
	mu          sync.RWMutex
	state       State
	subscribers []func(State)
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{state: State{Connectivity: realtime.StatusDisconnected}}
}

// InitializeAttempt resets the store to a blank attempt. Safe to call over an existing one.
func (s *Store) InitializeAttempt(attemptID, sessionID, testID string) {
	s.mutate(func(st *State) {
		st.Attempt = model.Attempt{
			ID:         attemptID,
			SessionID:  sessionID,
			TestID:     testID,
			Status:     model.AttemptStatusInProgress,
			Answers:    make(map[string]string),
			Highlights: []model.Highlight{},
			Violations: []time.Time{},
		}
		st.SessionState = ""
		st.ConnectedCount = 0
		st.Initialized = true
	})
}

// SetAnswer records an answer locally; the last write per question wins.
func (s *Store) SetAnswer(questionID, value string) error {
	if questionID == "" {
		return errors.New("question id is required")
	}
	return s.editAttempt(func(a *model.Attempt) {
		a.Answers[questionID] = value
	})
}

// RecordHighlight appends a highlight.
func (s *Store) RecordHighlight(h model.Highlight) error {
	if h.EndOffset <= h.StartOffset {
		return fmt.Errorf("highlight end offset %d not after start %d", h.EndOffset, h.StartOffset)
	}
	return s.editAttempt(func(a *model.Attempt) {
		a.Highlights = append(a.Highlights, h)
	})
}

// UpdateProgress moves the progress cursor.
func (s *Store) UpdateProgress(p model.Progress) error {
	return s.editAttempt(func(a *model.Attempt) {
		a.Progress = p
	})
}

// RecordViolation increments the violation count and returns the new count.
func (s *Store) RecordViolation(at time.Time) (int, error) {
	var count int
	err := s.editAttempt(func(a *model.Attempt) {
		a.ViolationCount++
		a.Violations = append(a.Violations, at)
		count = a.ViolationCount
	})
	return count, err
}

// SetRemainingTime stores a server-confirmed remaining time. The store never derives it.
func (s *Store) SetRemainingTime(seconds int) error {
	if seconds < 0 {
		seconds = 0
	}
	return s.mutateAttempt(func(a *model.Attempt) {
		a.RemainingSeconds = seconds
	})
}

// SyncState reconciles with server-confirmed attempt data by replacing the
// local copy. The attempt identity is taken from the server.
func (s *Store) SyncState(server model.Attempt) error {
	return s.mutateAttempt(func(a *model.Attempt) {
		synced := server.Clone()
		if synced.Answers == nil {
			synced.Answers = make(map[string]string)
		}
		if synced.Highlights == nil {
			synced.Highlights = []model.Highlight{}
		}
		if synced.Violations == nil {
			synced.Violations = []time.Time{}
		}
		if synced.ID == "" {
			synced.ID = a.ID
		}
		if synced.SessionID == "" {
			synced.SessionID = a.SessionID
		}
		if synced.TestID == "" {
			synced.TestID = a.TestID
		}
		if synced.Status == "" {
			synced.Status = a.Status
		}
		*a = synced
	})
}

// SetStatus updates the attempt status, e.g. after submission.
func (s *Store) SetStatus(status model.AttemptStatus) error {
	return s.mutateAttempt(func(a *model.Attempt) {
		a.Status = status
	})
}

// SetSessionState records a server-pushed or REST-confirmed session state.
func (s *Store) SetSessionState(state model.SessionState) {
	s.mutate(func(st *State) { st.SessionState = state })
}

// SetConnectivity mirrors the channel status.
func (s *Store) SetConnectivity(status realtime.Status) {
	s.mutate(func(st *State) { st.Connectivity = status })
}

// SetConnectedCount records the server's count of connected participants.
func (s *Store) SetConnectedCount(n int) {
	s.mutate(func(st *State) { st.ConnectedCount = n })
}

// Clear tears the attempt down without persisting anything.
func (s *Store) Clear() {
	s.mutate(func(st *State) {
		*st = State{Connectivity: st.Connectivity}
	})
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Attempt returns a deep copy of the current attempt.
func (s *Store) Attempt() model.Attempt {
	return s.Snapshot().Attempt
}

// Subscribe registers fn to receive a snapshot after every change.
func (s *Store) Subscribe(fn func(State)) {
	s.mu.Lock()
	s.subscribers = append(s.subscribers, fn)
	s.mu.Unlock()
}

func (s *Store) mutateAttempt(fn func(a *model.Attempt)) error {
	var err error
	s.mutate(func(st *State) {
		if !st.Initialized {
			err = ErrNoAttempt
			return
		}
		fn(&st.Attempt)
	})
	return err
}

// editAttempt is mutateAttempt for student edits, which a submitted or
// expired attempt no longer accepts.
func (s *Store) editAttempt(fn func(a *model.Attempt)) error {
	var err error
	s.mutate(func(st *State) {
		switch {
		case !st.Initialized:
			err = ErrNoAttempt
		case st.Attempt.Status != model.AttemptStatusInProgress:
			err = ErrAttemptClosed
		default:
			fn(&st.Attempt)
		}
	})
	return err
}

func (s *Store) mutate(fn func(st *State)) {
	s.mu.Lock()
	fn(&s.state)
	snap := s.snapshotLocked()
	subscribers := append([]func(State){}, s.subscribers...)
	s.mu.Unlock()

	for _, sub := range subscribers {
		sub(snap)
	}
}

func (s *Store) snapshotLocked() State {
	out := s.state
	out.Attempt = s.state.Attempt.Clone()
	return out
}
