package model

import (
	"time"
)

// AttemptStatus enumerates the states of one student's run of a test.
type AttemptStatus string

const (
	AttemptStatusInProgress AttemptStatus = "IN_PROGRESS"
	AttemptStatusSubmitted  AttemptStatus = "SUBMITTED"
	AttemptStatusAbandoned  AttemptStatus = "ABANDONED"
)

// ViolationType classifies an integrity violation observed on the student's client.
type ViolationType string

const (
	ViolationTabSwitch         ViolationType = "tab_switch"
	ViolationWindowBlur        ViolationType = "window_blur"
	ViolationNavigationAttempt ViolationType = "navigation_attempt"
)

// Valid reports whether v is a known violation type.
func (v ViolationType) Valid() bool {
	switch v {
	case ViolationTabSwitch, ViolationWindowBlur, ViolationNavigationAttempt:
		return true
	}
	return false
}

// Highlight is a span of passage text marked by the student.
type Highlight struct {
	PassageID   string    `json:"passage_id"`
	StartOffset int       `json:"start_offset"`
	EndOffset   int       `json:"end_offset"`
	Text        string    `json:"text"`
	CreatedAt   time.Time `json:"created_at"`
}

// Progress is the student's cursor within the test.
type Progress struct {
	PassageIndex  int `json:"passage_index"`
	QuestionIndex int `json:"question_index"`
}

// Attempt is one student's run of one test within one session.
// RemainingSeconds always comes from the server clock.
type Attempt struct {
	ID               string            `json:"id"`
	SessionID        string            `json:"session_id"`
	TestID           string            `json:"test_id"`
	StudentID        string            `json:"student_id,omitempty"`
	StudentName      string            `json:"student_name,omitempty"`
	Status           AttemptStatus     `json:"status"`
	Answers          map[string]string `json:"answers"`
	Highlights       []Highlight       `json:"highlights"`
	Progress         Progress          `json:"progress"`
	ViolationCount   int               `json:"violation_count"`
	Violations       []time.Time       `json:"violations"`
	RemainingSeconds int               `json:"remaining_seconds"`
}

// Clone returns a deep copy of the attempt.
func (a Attempt) Clone() Attempt {
	out := a
	out.Answers = make(map[string]string, len(a.Answers))
	for k, v := range a.Answers {
		out.Answers[k] = v
	}
	if a.Highlights != nil {
		out.Highlights = make([]Highlight, len(a.Highlights))
		copy(out.Highlights, a.Highlights)
	}
	if a.Violations != nil {
		out.Violations = make([]time.Time, len(a.Violations))
		copy(out.Violations, a.Violations)
	}
	return out
}

// SaveAnswerRequest is the REST payload for persisting a single answer.
type SaveAnswerRequest struct {
	Answer string `json:"answer" binding:"max=4096"`
}

// RecordHighlightRequest is the REST payload for persisting a highlight.
type RecordHighlightRequest struct {
	PassageID   string    `json:"passage_id" binding:"required,max=64"`
	StartOffset int       `json:"start_offset" binding:"min=0"`
	EndOffset   int       `json:"end_offset" binding:"gtfield=StartOffset"`
	Text        string    `json:"text" binding:"required,max=10000"`
	CreatedAt   time.Time `json:"created_at"`
}

// RecordViolationRequest is the REST payload for persisting an integrity violation.
type RecordViolationRequest struct {
	ViolationType ViolationType `json:"violation_type" binding:"required,violation_type"`
	OccurredAt    time.Time     `json:"occurred_at"`
}

// UpdateProgressRequest is the REST payload for persisting the progress cursor.
type UpdateProgressRequest struct {
	PassageIndex  int `json:"passage_index" binding:"min=0"`
	QuestionIndex int `json:"question_index" binding:"min=0"`
}
