package realtime

import (
	"fmt"
	"net/url"
	"strings"
)

// SessionPath is the WebSocket route prefix; the session id is appended to it.
const SessionPath = "/ws/v1/sessions/"

// BuildURL derives the channel URL from the server's base URL by swapping the
// transport scheme (https → wss, http → ws) and appending the session id and
// bearer token.
func BuildURL(serverURL, sessionID, token string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server URL: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported server URL scheme %q", u.Scheme)
	}

	base := strings.TrimRight(u.Path, "/") + SessionPath
	u.Path = base + sessionID
	u.RawPath = base + url.PathEscape(sessionID)

	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	return u.String(), nil
}
