package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/stemsi/exstem-examsync/internal/model"
)

// ErrMalformedFrame is returned for frames that are not valid JSON objects,
// lack a discriminator, or miss a field their variant requires.
var ErrMalformedFrame = errors.New("malformed frame")

// inboundFrame is the union of every field any inbound variant may carry.
// Pointers distinguish "absent" from "zero".
type inboundFrame struct {
	Type             MessageType         `json:"type"`
	Timestamp        json.RawMessage     `json:"timestamp"`
	SessionID        *string             `json:"session_id"`
	AttemptID        *string             `json:"attempt_id"`
	Status           *model.SessionState `json:"status"`
	ConnectedCount   *int                `json:"connected_count"`
	StudentName      *string             `json:"student_name"`
	RemainingSeconds *int                `json:"remaining_seconds"`
	Error            *string             `json:"error"`
}

// Decode parses one inbound frame into its variant. Unknown discriminators
// decode to *Unrecognized; structural problems return ErrMalformedFrame.
// now is used as the timestamp when the frame carries none.
func Decode(data []byte, now time.Time) (Message, error) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	ts, err := parseTimestamp(f.Timestamp, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	env := Envelope{MsgType: f.Type, SentAt: ts}

	switch f.Type {
	case TypeConnected:
		return &Connected{Envelope: env, SessionID: deref(f.SessionID), AttemptID: deref(f.AttemptID)}, nil

	case TypePong:
		return &Pong{Envelope: env}, nil

	case TypeSessionStatusChanged:
		if f.Status == nil || !f.Status.Valid() {
			return nil, missing(f.Type, "status")
		}
		return &SessionStatusChanged{Envelope: env, Status: *f.Status}, nil

	case TypeWaitingRoomOpened:
		return &WaitingRoomOpened{Envelope: env}, nil

	case TypeParticipantJoined, TypeParticipantDisconnected:
		if f.ConnectedCount == nil {
			return nil, missing(f.Type, "connected_count")
		}
		if f.StudentName == nil {
			return nil, missing(f.Type, "student_name")
		}
		if f.Type == TypeParticipantJoined {
			return &ParticipantJoined{Envelope: env, ConnectedCount: *f.ConnectedCount, StudentName: *f.StudentName}, nil
		}
		return &ParticipantDisconnected{Envelope: env, ConnectedCount: *f.ConnectedCount, StudentName: *f.StudentName}, nil

	case TypeSessionStarted:
		return &SessionStarted{Envelope: env}, nil

	case TypeSessionCompleted:
		return &SessionCompleted{Envelope: env}, nil

	case TypeTimeSync:
		if f.RemainingSeconds == nil {
			return nil, missing(f.Type, "remaining_seconds")
		}
		return &TimeSync{Envelope: env, RemainingSeconds: *f.RemainingSeconds}, nil

	case TypeError:
		if f.Error == nil {
			return nil, missing(f.Type, "error")
		}
		return &ErrorMessage{Envelope: env, Error: *f.Error}, nil

	default:
		return &Unrecognized{Envelope: env, Raw: append([]byte(nil), data...)}, nil
	}
}

// Encode builds a frame of the form {type, ...payload, timestamp}.
// payload must marshal to a JSON object or be nil.
func Encode(msgType string, payload interface{}, now time.Time) ([]byte, error) {
	fields := make(map[string]json.RawMessage)

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		if !bytes.Equal(raw, []byte("null")) {
			if err := json.Unmarshal(raw, &fields); err != nil {
				return nil, fmt.Errorf("payload is not an object: %w", err)
			}
		}
	}

	typ, _ := json.Marshal(msgType)
	fields["type"] = typ
	fields["timestamp"] = json.RawMessage(strconv.FormatInt(now.UnixMilli(), 10))

	return json.Marshal(fields)
}

// ClientFrame is the union of every field an outbound variant may carry.
// It is what a server reads off the wire.
type ClientFrame struct {
	Type          OutboundType        `json:"type"`
	Timestamp     int64               `json:"timestamp"`
	ViolationType model.ViolationType `json:"violation_type,omitempty"`
	QuestionID    string              `json:"question_id,omitempty"`
	Answer        string              `json:"answer,omitempty"`
	PassageIndex  int                 `json:"passage_index,omitempty"`
	QuestionIndex int                 `json:"question_index,omitempty"`
	PassageID     string              `json:"passage_id,omitempty"`
	StartOffset   int                 `json:"start_offset,omitempty"`
	EndOffset     int                 `json:"end_offset,omitempty"`
	Text          string              `json:"text,omitempty"`
}

// parseTimestamp accepts RFC 3339 strings and Unix epoch numbers
// (milliseconds when larger than 1e12, seconds otherwise).
func parseTimestamp(raw json.RawMessage, now time.Time) (time.Time, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return now, nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp: %w", err)
		}
		return t, nil
	}

	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return time.Time{}, fmt.Errorf("timestamp: %w", err)
	}
	if n > 1e12 {
		return time.UnixMilli(int64(n)), nil
	}
	return time.Unix(int64(n), 0), nil
}

func missing(t MessageType, field string) error {
	return fmt.Errorf("%w: %s requires %s", ErrMalformedFrame, t, field)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
