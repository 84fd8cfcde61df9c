package model

import "time"

// AnswerJob is queued for the answer persistence worker.
type AnswerJob struct {
	AttemptID  string    `json:"attempt_id"`
	QuestionID string    `json:"question_id"`
	Answer     string    `json:"answer"`
	SavedAt    time.Time `json:"saved_at"`
}

// HighlightJob is queued for the highlight persistence worker.
type HighlightJob struct {
	AttemptID string    `json:"attempt_id"`
	Highlight Highlight `json:"highlight"`
}

// ViolationJob is queued for the violation persistence worker.
type ViolationJob struct {
	AttemptID     string        `json:"attempt_id"`
	ViolationType ViolationType `json:"violation_type"`
	OccurredAt    time.Time     `json:"occurred_at"`
}

// AttemptJob is a snapshot of an attempt's scalar fields, queued whenever one changes.
// The worker keeps only the newest snapshot per attempt within a batch.
type AttemptJob struct {
	AttemptID      string        `json:"attempt_id"`
	Status         AttemptStatus `json:"status"`
	PassageIndex   int           `json:"passage_index"`
	QuestionIndex  int           `json:"question_index"`
	ViolationCount int           `json:"violation_count"`
	SubmittedAt    *time.Time    `json:"submitted_at,omitempty"`
}
