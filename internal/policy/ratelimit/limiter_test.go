package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterPacesSameHost(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://test.com/a"))
	start := time.Now()
	// www. and case differences share the bucket.
	require.NoError(t, l.Wait(ctx, "https://WWW.test.com/b"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiterDifferentHosts(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.com/1"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.com/1"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterUnlimitedByDefault(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for i := 0; i < 20; i++ {
		require.NoError(t, l.Wait(context.Background(), "https://example.com"))
	}
}

func TestLimiterPerHostOverrideAndCancel(t *testing.T) {
	t.Parallel()

	l := New(Config{Hosts: []HostRate{{Host: "www.slow.cn", RPS: 0.01}}})
	require.NoError(t, l.Wait(context.Background(), "https://slow.cn/a"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "https://slow.cn/b")
	require.Error(t, err)
	require.Contains(t, err.Error(), "rate limit wait")
}
