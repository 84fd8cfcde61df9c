package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildURL(t *testing.T) {
	tests := []struct {
		server string
		want   string
	}{
		{"https://exam.example.sch.id", "wss://exam.example.sch.id/ws/v1/sessions/s-1?token=tok"},
		{"http://localhost:8080/", "ws://localhost:8080/ws/v1/sessions/s-1?token=tok"},
		{"https://exam.example.sch.id/cbt", "wss://exam.example.sch.id/cbt/ws/v1/sessions/s-1?token=tok"},
		{"ws://10.0.0.2:9000", "ws://10.0.0.2:9000/ws/v1/sessions/s-1?token=tok"},
	}
	for _, tt := range tests {
		got, err := BuildURL(tt.server, "s-1", "tok")
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestBuildURLEscapes(t *testing.T) {
	got, err := BuildURL("http://localhost", "a/b", "x y&z")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost/ws/v1/sessions/a%2Fb?token=x+y%26z", got)
}

func TestBuildURLRejectsUnknownScheme(t *testing.T) {
	_, err := BuildURL("ftp://localhost", "s", "t")
	assert.Error(t, err)
}
