package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-examsync/internal/model"
)

func TestDecodeVariants(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		frame string
		check func(t *testing.T, msg Message)
	}{
		{
			name:  "connected",
			frame: `{"type":"connected","session_id":"s1","attempt_id":"a1"}`,
			check: func(t *testing.T, msg Message) {
				c, ok := msg.(*Connected)
				require.True(t, ok)
				assert.Equal(t, "s1", c.SessionID)
				assert.Equal(t, "a1", c.AttemptID)
			},
		},
		{
			name:  "pong",
			frame: `{"type":"pong"}`,
			check: func(t *testing.T, msg Message) {
				_, ok := msg.(*Pong)
				assert.True(t, ok)
			},
		},
		{
			name:  "session status changed",
			frame: `{"type":"session_status_changed","status":"IN_PROGRESS"}`,
			check: func(t *testing.T, msg Message) {
				s, ok := msg.(*SessionStatusChanged)
				require.True(t, ok)
				assert.Equal(t, model.SessionStateInProgress, s.Status)
			},
		},
		{
			name:  "participant joined",
			frame: `{"type":"participant_joined","connected_count":3,"student_name":"Ayu"}`,
			check: func(t *testing.T, msg Message) {
				p, ok := msg.(*ParticipantJoined)
				require.True(t, ok)
				assert.Equal(t, 3, p.ConnectedCount)
				assert.Equal(t, "Ayu", p.StudentName)
			},
		},
		{
			name:  "participant disconnected with zero count",
			frame: `{"type":"participant_disconnected","connected_count":0,"student_name":"Ayu"}`,
			check: func(t *testing.T, msg Message) {
				p, ok := msg.(*ParticipantDisconnected)
				require.True(t, ok)
				assert.Equal(t, 0, p.ConnectedCount)
			},
		},
		{
			name:  "time sync",
			frame: `{"type":"time_sync","remaining_seconds":1200}`,
			check: func(t *testing.T, msg Message) {
				ts, ok := msg.(*TimeSync)
				require.True(t, ok)
				assert.Equal(t, 1200, ts.RemainingSeconds)
			},
		},
		{
			name:  "error",
			frame: `{"type":"error","error":"session full"}`,
			check: func(t *testing.T, msg Message) {
				e, ok := msg.(*ErrorMessage)
				require.True(t, ok)
				assert.Equal(t, "session full", e.Error)
			},
		},
		{
			name:  "unknown type is unrecognized, not an error",
			frame: `{"type":"leaderboard","rank":1}`,
			check: func(t *testing.T, msg Message) {
				u, ok := msg.(*Unrecognized)
				require.True(t, ok)
				assert.Equal(t, MessageType("leaderboard"), u.Type())
				assert.JSONEq(t, `{"type":"leaderboard","rank":1}`, string(u.Raw))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.frame), now)
			require.NoError(t, err)
			assert.Equal(t, now, msg.Timestamp())
			tt.check(t, msg)
		})
	}
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	frames := []string{
		`not json`,
		`[1,2,3]`,
		`{"status":"IN_PROGRESS"}`,
		`{"type":"session_status_changed"}`,
		`{"type":"session_status_changed","status":"PAUSED"}`,
		`{"type":"participant_joined","student_name":"Ayu"}`,
		`{"type":"participant_disconnected","connected_count":2}`,
		`{"type":"time_sync"}`,
		`{"type":"error"}`,
		`{"type":"pong","timestamp":"yesterday"}`,
	}

	for _, frame := range frames {
		_, err := Decode([]byte(frame), time.Now())
		assert.ErrorIs(t, err, ErrMalformedFrame, frame)
	}
}

func TestDecodeTimestampFormats(t *testing.T) {
	now := time.Now()

	msg, err := Decode([]byte(`{"type":"session_started","timestamp":"2026-03-01T08:00:00Z"}`), now)
	require.NoError(t, err)
	assert.True(t, msg.Timestamp().Equal(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)))

	msg, err = Decode([]byte(`{"type":"session_started","timestamp":1772352000000}`), now)
	require.NoError(t, err)
	assert.Equal(t, int64(1772352000000), msg.Timestamp().UnixMilli())

	msg, err = Decode([]byte(`{"type":"session_started","timestamp":1772352000}`), now)
	require.NoError(t, err)
	assert.Equal(t, int64(1772352000), msg.Timestamp().Unix())
}

func TestEncodeMergesPayload(t *testing.T) {
	now := time.UnixMilli(1772352000123)

	data, err := Encode(string(OutViolation), ViolationPayload{ViolationType: model.ViolationTabSwitch}, now)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"violation","violation_type":"tab_switch","timestamp":1772352000123}`, string(data))

	data, err = Encode(string(OutHeartbeat), nil, now)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"heartbeat","timestamp":1772352000123}`, string(data))

	_, err = Encode(string(OutHeartbeat), []int{1}, now)
	assert.Error(t, err)
}

func TestClientFrameReadsEncodedOutbound(t *testing.T) {
	data, err := Encode(string(OutAnswerUpdate), AnswerPayload{QuestionID: "Q3", Answer: "TRUE"}, time.Now())
	require.NoError(t, err)

	var f ClientFrame
	require.NoError(t, json.Unmarshal(data, &f))
	assert.Equal(t, OutAnswerUpdate, f.Type)
	assert.Equal(t, "Q3", f.QuestionID)
	assert.Equal(t, "TRUE", f.Answer)
}
