package examclient

import (
	"github.com/stemsi/exstem-examsync/internal/model"
)

// View is the screen the student should be looking at.
type View string

const (
	ViewIdle     View = "idle"
	ViewWaiting  View = "waiting_room"
	ViewExam     View = "exam"
	ViewFinished View = "finished"
	// ViewEnded means the session was closed on the student, e.g. it is full or was cancelled.
	ViewEnded View = "ended"
)

// viewFor maps a confirmed session state to a view.
func viewFor(state model.SessionState) View {
	switch state {
	case model.SessionStateScheduled, model.SessionStateWaitingForStudents:
		return ViewWaiting
	case model.SessionStateInProgress:
		return ViewExam
	case model.SessionStateCompleted:
		return ViewFinished
	case model.SessionStateCancelled:
		return ViewEnded
	}
	return ViewIdle
}
