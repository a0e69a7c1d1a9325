package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildTarget(t *testing.T) {
	tests := []struct {
		endpoint string
		key      string
		want     string
	}{
		{"wss://msoll.de/spe_ed", "abc", "wss://msoll.de/spe_ed?key=abc"},
		{"ws://localhost:8080/spe_ed", "a b&c=d", "ws://localhost:8080/spe_ed?key=a+b%26c%3Dd"},
		{"https://msoll.de/spe_ed", "k", "wss://msoll.de/spe_ed?key=k"},
		{"http://127.0.0.1:9000", "k", "ws://127.0.0.1:9000?key=k"},
		{"ws://host/game?key=stale", "fresh", "ws://host/game?key=fresh"},
	}
	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			u, err := BuildTarget(tt.endpoint, tt.key)
			require.NoError(t, err)
			assert.Equal(t, tt.want, u.String())
			assert.Equal(t, tt.key, u.Query().Get(KeyParam))
		})
	}
}

func TestBuildTargetMalformed(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		key      string
	}{
		{"empty endpoint", "", "k"},
		{"empty key", "wss://msoll.de/spe_ed", ""},
		{"unparsable", "ws://[::1", "k"},
		{"wrong scheme", "ftp://msoll.de/spe_ed", "k"},
		{"no scheme", "msoll.de/spe_ed", "k"},
		{"no host", "ws:///spe_ed", "k"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := BuildTarget(tt.endpoint, tt.key)
			assert.Nil(t, u)
			assert.ErrorIs(t, err, ErrMalformedTarget)
		})
	}
}

func TestRedactedTarget(t *testing.T) {
	u, err := BuildTarget("wss://msoll.de/spe_ed", "secret")
	require.NoError(t, err)

	redacted := redactedTarget(u)
	assert.NotContains(t, redacted, "secret")
	assert.Contains(t, redacted, "key=xxxxx")
	assert.Equal(t, "secret", u.Query().Get(KeyParam), "input url untouched")
}
