package protocol

import (
	"time"

	"github.com/stemsi/exstem-examsync/internal/model"
)

// ─── Inbound (Server → Client) ──────────────────────────────────────

// MessageType is the `type` discriminator of every frame on the wire.
type MessageType string

const (
	TypeConnected               MessageType = "connected"
	TypePong                    MessageType = "pong"
	TypeSessionStatusChanged    MessageType = "session_status_changed"
	TypeWaitingRoomOpened       MessageType = "waiting_room_opened"
	TypeParticipantJoined       MessageType = "participant_joined"
	TypeParticipantDisconnected MessageType = "participant_disconnected"
	TypeSessionStarted          MessageType = "session_started"
	TypeSessionCompleted        MessageType = "session_completed"
	TypeTimeSync                MessageType = "time_sync"
	TypeError                   MessageType = "error"
)

// Message is the closed set of inbound frames. Only types in this package implement it.
type Message interface {
	Type() MessageType
	// Timestamp is the server timestamp, or the receipt time when the frame carried none.
	Timestamp() time.Time
	isMessage()
}

// Envelope holds the fields every inbound variant carries.
type Envelope struct {
	MsgType MessageType
	SentAt  time.Time
}

func (e Envelope) Type() MessageType    { return e.MsgType }
func (e Envelope) Timestamp() time.Time { return e.SentAt }
func (Envelope) isMessage()             {}

// Connected acknowledges a freshly opened channel.
type Connected struct {
	Envelope
	SessionID string
	AttemptID string
}

// Pong answers a heartbeat probe.
type Pong struct {
	Envelope
}

// SessionStatusChanged announces a server-side session state transition.
type SessionStatusChanged struct {
	Envelope
	Status model.SessionState
}

// WaitingRoomOpened announces that students may now gather before the start.
type WaitingRoomOpened struct {
	Envelope
}

// ParticipantJoined announces a student connecting to the session.
type ParticipantJoined struct {
	Envelope
	ConnectedCount int
	StudentName    string
}

// ParticipantDisconnected announces a student leaving the session.
type ParticipantDisconnected struct {
	Envelope
	ConnectedCount int
	StudentName    string
}

// SessionStarted announces that the exam is running.
type SessionStarted struct {
	Envelope
}

// SessionCompleted announces that the exam has ended for everyone.
type SessionCompleted struct {
	Envelope
}

// TimeSync carries the server's view of the attempt's remaining time.
type TimeSync struct {
	Envelope
	RemainingSeconds int
}

// ErrorMessage carries a server-side error description.
type ErrorMessage struct {
	Envelope
	Error string
}

// Unrecognized wraps a well-formed frame whose discriminator is not known to this client.
type Unrecognized struct {
	Envelope
	Raw []byte
}

// ─── Outbound (Client → Server) ─────────────────────────────────────

// OutboundType is the `type` discriminator of frames sent by the client.
type OutboundType string

const (
	OutHeartbeat      OutboundType = "heartbeat"
	OutViolation      OutboundType = "violation"
	OutAnswerUpdate   OutboundType = "answer_update"
	OutProgressUpdate OutboundType = "progress_update"
	OutHighlightAdded OutboundType = "highlight_added"
)

// ViolationPayload reports an integrity violation.
type ViolationPayload struct {
	ViolationType model.ViolationType `json:"violation_type"`
}

// AnswerPayload reports a changed answer.
type AnswerPayload struct {
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer"`
}

// ProgressPayload reports the settled progress cursor.
type ProgressPayload struct {
	PassageIndex  int `json:"passage_index"`
	QuestionIndex int `json:"question_index"`
}

// HighlightPayload reports a settled highlight.
type HighlightPayload struct {
	PassageID   string `json:"passage_id"`
	StartOffset int    `json:"start_offset"`
	EndOffset   int    `json:"end_offset"`
	Text        string `json:"text"`
}
