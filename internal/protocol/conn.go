package protocol

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	readWait  = 2 * time.Minute
)

// WriteFrame sends a typed server frame over the WebSocket.
func WriteFrame(conn *websocket.Conn, msgType MessageType, payload interface{}) error {
	data, err := Encode(string(msgType), payload, time.Now())
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// WriteError sends an `error` frame over the WebSocket.
func WriteError(conn *websocket.Conn, errMsg string) error {
	return WriteFrame(conn, TypeError, map[string]string{"error": errMsg})
}

// WriteClose sends a close frame with an application close code.
func WriteClose(conn *websocket.Conn, code int, reason string) error {
	return conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeWait))
}

// ReadClientFrame reads and decodes one client frame.
// The read deadline exceeds the client's heartbeat interval so idle students are not dropped.
func ReadClientFrame(conn *websocket.Conn, f *ClientFrame) error {
	conn.SetReadDeadline(time.Now().Add(readWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, f)
}
