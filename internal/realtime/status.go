package realtime

// Status is the connection state of a Channel. Only the Channel writes it.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
)

func (s Status) String() string { return string(s) }
