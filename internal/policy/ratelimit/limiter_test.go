package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterWaitsPerHost(t *testing.T) {
	t.Parallel()

	// 10 RPS with burst 1 hands out a token every 100ms.
	l := New(Config{RPS: 10, Burst: 1})
	require.True(t, l.Enabled())
	ctx := context.Background()

	waited, err := l.Wait(ctx, "https://test.example.com/a")
	require.NoError(t, err)
	require.Less(t, waited, 50*time.Millisecond)

	waited, err = l.Wait(ctx, "https://test.example.com/b")
	require.NoError(t, err)
	require.GreaterOrEqual(t, waited, 80*time.Millisecond)
}

func TestLimiterHostsAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 1, Burst: 1})
	ctx := context.Background()

	_, err := l.Wait(ctx, "https://a.example.com/1")
	require.NoError(t, err)

	waited, err := l.Wait(ctx, "https://b.example.com/1")
	require.NoError(t, err)
	require.Less(t, waited, 50*time.Millisecond, "b.example.com blocked by a.example.com")
}

func TestLimiterDisabled(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	require.False(t, l.Enabled())
	for i := 0; i < 100; i++ {
		waited, err := l.Wait(context.Background(), "https://a.example.com/")
		require.NoError(t, err)
		require.Zero(t, waited)
	}
}

func TestLimiterHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 0.1, Burst: 1})
	_, err := l.Wait(context.Background(), "https://a.example.com/")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Wait(ctx, "https://a.example.com/")
	require.ErrorContains(t, err, "rate limit wait")
}

func TestHostOf(t *testing.T) {
	t.Parallel()

	require.Equal(t, "shop.example.com", hostOf("https://shop.example.com:8443/x"))
	require.Equal(t, "unknown", hostOf("::not a url"))
	require.Equal(t, "unknown", hostOf("/relative"))
}
