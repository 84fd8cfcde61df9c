package realtime

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
)

// Close codes understood by the exam channel. 4000–4004 are sent by the server;
// ClosePingTimeout is synthesized locally and never appears on the wire.
const (
	CloseNormal          = websocket.CloseNormalClosure    // 1000
	CloseGoingAway       = websocket.CloseGoingAway        // 1001
	CloseNoStatus        = websocket.CloseNoStatusReceived // 1005
	CloseAbnormal        = websocket.CloseAbnormalClosure  // 1006
	ClosePolicyViolation = websocket.ClosePolicyViolation  // 1008
	CloseInternalError   = websocket.CloseInternalServerErr
	CloseTryAgainLater   = websocket.CloseTryAgainLater
	CloseInvalidSession  = 4000
	CloseSessionNotFound = 4001
	CloseSessionEnded    = 4002
	CloseUnauthorized    = 4003
	CloseSessionFull     = 4004
	ClosePingTimeout     = 4999
)

// CloseEvent describes why a channel closed.
type CloseEvent struct {
	Code int
	// Reason is a human-readable explanation suitable for the student.
	Reason string
	// Detail is the server's close text or the local transport error, if any.
	Detail string
	// Terminal is true when no reconnection will be attempted for this code.
	Terminal bool
}

// IsTerminal reports whether a close code forbids reconnection.
func IsTerminal(code int) bool {
	switch code {
	case CloseNormal, CloseGoingAway, ClosePolicyViolation,
		CloseInvalidSession, CloseSessionNotFound, CloseSessionEnded,
		CloseUnauthorized, CloseSessionFull:
		return true
	}
	return false
}

// CloseReason returns a human-readable explanation for a close code.
func CloseReason(code int) string {
	switch code {
	case CloseNormal:
		return "Connection closed."
	case CloseGoingAway:
		return "The server is going away."
	case ClosePolicyViolation:
		return "The connection was rejected by server policy."
	case CloseInvalidSession:
		return "The exam session is invalid."
	case CloseSessionNotFound:
		return "The exam session was not found."
	case CloseSessionEnded:
		return "The exam session has ended."
	case CloseUnauthorized:
		return "You are not authorized to join this exam session."
	case CloseSessionFull:
		return "The exam session is full."
	case ClosePingTimeout:
		return "The server stopped responding (ping timeout)."
	case CloseAbnormal:
		return "The connection was lost."
	default:
		return "The connection was interrupted."
	}
}

// closeEventFromError classifies a read error from the socket.
// Anything that is not a close frame is a network-level failure.
func closeEventFromError(err error) CloseEvent {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return CloseEvent{Code: ce.Code, Detail: ce.Text}
	}
	return CloseEvent{Code: CloseAbnormal, Detail: err.Error()}
}

// handshakeCloseCode maps a rejected WebSocket handshake onto the close-code policy
// so that, for example, an expired token is not retried forever.
func handshakeCloseCode(resp *http.Response) int {
	if resp == nil {
		return CloseAbnormal
	}
	switch resp.StatusCode {
	case http.StatusBadRequest:
		return CloseInvalidSession
	case http.StatusUnauthorized, http.StatusForbidden:
		return CloseUnauthorized
	case http.StatusNotFound:
		return CloseSessionNotFound
	case http.StatusConflict:
		return CloseSessionFull
	case http.StatusGone:
		return CloseSessionEnded
	}
	return CloseAbnormal
}
