package manual

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kekewolf/web-fetcher/internal/browser"
)

func TestSessionTransitions(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	s := newSession("s1", browser.DefaultEndpoint(), "https://example.com", time.Minute, now)
	require.Equal(t, StateStarting, s.State())

	require.ErrorIs(t, s.transition(StateSucceeded, now, ""), ErrInvalidTransition)
	require.ErrorIs(t, s.Complete(), ErrNotWaiting)

	require.NoError(t, s.transition(StateWaiting, now, "attached"))
	require.NoError(t, s.Complete())
	require.NoError(t, s.Complete())
	require.Len(t, s.signal, 1)

	require.NoError(t, s.transition(StateTimedOut, now.Add(time.Minute), "no operator action"))
	require.True(t, s.State().Terminal())
	require.ErrorIs(t, s.transition(StateFailed, now, ""), ErrInvalidTransition)

	view := s.View()
	require.Equal(t, "127.0.0.1:9222", view.Endpoint)
	require.Equal(t, "1m0s", view.Timeout)
	require.Len(t, view.Transitions, 2)
}

func TestTrackerWithoutSession(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	require.ErrorIs(t, tr.Complete(), ErrNoSession)
	_, ok := tr.Current()
	require.False(t, ok)

	s := newSession("s1", browser.DefaultEndpoint(), "https://example.com", time.Minute, time.Now())
	tr.start(s)
	cur, ok := tr.Current()
	require.True(t, ok)
	require.Same(t, s, cur)
	tr.finish(s)
	last, ok := tr.Last()
	require.True(t, ok)
	require.Same(t, s, last)
}

func TestTrackerViews(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	cur, last := tr.Views()
	require.Nil(t, cur)
	require.Nil(t, last)

	s := newSession("s2", browser.DefaultEndpoint(), "https://example.com", 2*time.Minute, time.Now())
	tr.start(s)
	cur, last = tr.Views()
	require.NotNil(t, cur)
	require.Nil(t, last)
	require.Equal(t, "s2", cur.ID)
	require.Equal(t, StateStarting, cur.State)

	tr.finish(s)
	cur, last = tr.Views()
	require.Nil(t, cur)
	require.NotNil(t, last)
	require.Equal(t, "s2", last.ID)
}
