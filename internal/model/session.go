package model

import (
	"time"
)

// SessionState enumerates the server-authoritative states of a supervised exam session.
type SessionState string

const (
	SessionStateScheduled          SessionState = "SCHEDULED"
	SessionStateWaitingForStudents SessionState = "WAITING_FOR_STUDENTS"
	SessionStateInProgress         SessionState = "IN_PROGRESS"
	SessionStateCompleted          SessionState = "COMPLETED"
	SessionStateCancelled          SessionState = "CANCELLED"
)

// Valid reports whether s is one of the known session states.
func (s SessionState) Valid() bool {
	switch s {
	case SessionStateScheduled, SessionStateWaitingForStudents, SessionStateInProgress,
		SessionStateCompleted, SessionStateCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible from s.
func (s SessionState) Terminal() bool {
	return s == SessionStateCompleted || s == SessionStateCancelled
}

// CanTransition reports whether a supervisor may move a session from one state to another.
// The forward path is SCHEDULED → WAITING_FOR_STUDENTS → IN_PROGRESS → COMPLETED;
// any non-terminal state may be CANCELLED.
func CanTransition(from, to SessionState) bool {
	if from.Terminal() || !to.Valid() {
		return false
	}
	if to == SessionStateCancelled {
		return true
	}
	switch from {
	case SessionStateScheduled:
		return to == SessionStateWaitingForStudents
	case SessionStateWaitingForStudents:
		return to == SessionStateInProgress
	case SessionStateInProgress:
		return to == SessionStateCompleted
	}
	return false
}

// Session represents a scheduled, supervised exam event spanning many attempts.
type Session struct {
	ID              string       `json:"id"`
	TestID          string       `json:"test_id"`
	Title           string       `json:"title"`
	State           SessionState `json:"state"`
	DurationMinutes int          `json:"duration_minutes"`
	StartedAt       *time.Time   `json:"started_at,omitempty"`
	ConnectedCount  int          `json:"connected_count"`
}

// CreateSessionRequest is the payload for a supervisor scheduling a session.
type CreateSessionRequest struct {
	TestID          string `json:"test_id" binding:"required,min=1,max=64"`
	Title           string `json:"title" binding:"required,min=3,max=255"`
	DurationMinutes int    `json:"duration_minutes" binding:"required,min=1,max=480"`
}

// TransitionSessionRequest is the payload for a supervisor moving a session to a new state.
type TransitionSessionRequest struct {
	State SessionState `json:"state" binding:"required,session_state"`
}
