package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"HTTP://Books.Example.com:80/a?b=2&a=1#frag", "http://books.example.com/a?a=1&b=2"},
		{"https://example.com:443", "https://example.com/"},
		{"https://example.com:8443/x", "https://example.com:8443/x"},
	}
	for _, tt := range tests {
		got, err := normalizeURL(tt.in)
		require.NoError(t, err)
		require.Equal(t, tt.want, got)
	}

	_, err := normalizeURL("://bad")
	require.Error(t, err)
}
