package manual

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kekewolf/web-fetcher/internal/browser"
	"github.com/kekewolf/web-fetcher/internal/webfetch"
)

var article = "<html><head><title>Notice</title></head><body>" + strings.Repeat("<p>Interest rates are unchanged this quarter.</p>", 60) + "</body></html>"

type fakeInspector struct {
	info browser.PortInfo
	err  error
}

func (f fakeInspector) Inspect(context.Context, browser.Endpoint) (browser.PortInfo, error) {
	return f.info, f.err
}

type fakeLauncher struct {
	err   error
	calls atomic.Int32
}

func (f *fakeLauncher) Launch(context.Context, browser.Endpoint) error {
	f.calls.Add(1)
	return f.err
}

type fakeTab struct {
	mu         sync.Mutex
	ready      browser.Readiness
	snap       browser.Snapshot
	extractErr error
	readyErr   error
	navigated  string
	stallNav   bool
	cues       int
	cleared    int
	detached   bool
}

func (f *fakeTab) Navigate(ctx context.Context, rawURL string) error {
	f.mu.Lock()
	f.navigated = rawURL
	stall := f.stallNav
	f.mu.Unlock()
	if stall {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (f *fakeTab) Cue(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cues++
	return nil
}

func (f *fakeTab) ClearCue(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
	return nil
}

func (f *fakeTab) Readiness(context.Context) (browser.Readiness, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready, f.readyErr
}

func (f *fakeTab) Extract(context.Context) (browser.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap, f.extractErr
}

func (f *fakeTab) Detach() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached = true
}

func (f *fakeTab) isDetached() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detached
}

type seqIDs struct{ n atomic.Int32 }

func (s *seqIDs) NewID() (string, error) {
	return "session-" + string(rune('0'+s.n.Add(1))), nil
}

func devtools() fakeInspector {
	return fakeInspector{info: browser.PortInfo{State: browser.PortDevtools, Browser: "Chrome/140"}}
}

func newRunner(cfg Config, inspector PortInspector, launcher Launcher, attach Attacher) *Runner {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	if cfg.AttachBackoff == 0 {
		cfg.AttachBackoff = time.Millisecond
	}
	return NewRunner(cfg, Deps{
		Inspector: inspector,
		Launcher:  launcher,
		Attach:    attach,
		IDs:       &seqIDs{},
		Logger:    zap.NewNop(),
	})
}

func attachTab(tab *fakeTab) Attacher {
	return func(context.Context, browser.Endpoint, time.Duration) (Tab, error) {
		return tab, nil
	}
}

func TestRunnerCompletesOnOperatorSignal(t *testing.T) {
	t.Parallel()

	tab := &fakeTab{snap: browser.Snapshot{HTML: article, Title: "Notice", URL: "https://bank.example.cn/notice"}}
	r := newRunner(Config{Timeout: 5 * time.Second}, devtools(), nil, attachTab(tab))

	go func() {
		assert.Eventually(t, func() bool {
			return r.Tracker().Complete() == nil
		}, 2*time.Second, 5*time.Millisecond)
	}()

	page, err := r.Fetch(context.Background(), webfetch.Request{URL: "https://bank.example.cn/notice"})
	require.NoError(t, err)
	require.True(t, page.Manual)
	require.True(t, page.BrowserConnected)
	require.Equal(t, webfetch.MethodManual, page.Method)
	require.Equal(t, "https://bank.example.cn/notice", page.FinalURL)
	require.Equal(t, "https://bank.example.cn/notice", tab.navigated)
	require.True(t, tab.isDetached())
	require.Positive(t, tab.cleared)

	last, ok := r.Tracker().Last()
	require.True(t, ok)
	require.Equal(t, StateSucceeded, last.State())
	var path []State
	for _, tr := range last.Transitions() {
		path = append(path, tr.To)
	}
	require.Equal(t, []State{StateWaiting, StateExtracting, StateSucceeded}, path)
	_, running := r.Tracker().Current()
	require.False(t, running)
}

func TestRunnerTimesOutWithoutOperator(t *testing.T) {
	t.Parallel()

	tab := &fakeTab{ready: browser.Readiness{ReadyState: "loading"}}
	r := newRunner(Config{Timeout: 40 * time.Millisecond}, devtools(), nil, attachTab(tab))

	_, err := r.Fetch(context.Background(), webfetch.Request{URL: "https://example.com"})
	require.ErrorIs(t, err, webfetch.ErrHumanTimeout)
	require.Equal(t, webfetch.KindHumanTimeout, webfetch.KindOf(err))
	require.True(t, tab.isDetached())

	last, _ := r.Tracker().Last()
	require.Equal(t, StateTimedOut, last.State())
}

func TestRunnerTimesOutDuringStalledNavigation(t *testing.T) {
	t.Parallel()

	tab := &fakeTab{stallNav: true}
	r := newRunner(Config{Timeout: 50 * time.Millisecond}, devtools(), nil, attachTab(tab))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	_, err := r.Fetch(ctx, webfetch.Request{URL: "https://slow.example.com"})
	require.Less(t, time.Since(start), 2*time.Second)
	require.ErrorIs(t, err, webfetch.ErrHumanTimeout)
	require.Equal(t, webfetch.KindHumanTimeout, webfetch.KindOf(err))
	require.True(t, tab.isDetached())

	last, _ := r.Tracker().Last()
	require.Equal(t, StateTimedOut, last.State())
}

func TestRunnerAutoDetectsReadyPage(t *testing.T) {
	t.Parallel()

	tab := &fakeTab{
		ready: browser.Readiness{ReadyState: "complete", URL: "https://example.com/a"},
		snap:  browser.Snapshot{HTML: article, Title: "Notice", URL: "https://example.com/a"},
	}
	r := newRunner(Config{Timeout: 2 * time.Second, AutoDetect: true}, devtools(), nil, attachTab(tab))

	page, err := r.Fetch(context.Background(), webfetch.Request{URL: "https://example.com/a"})
	require.NoError(t, err)
	require.Equal(t, "Notice", page.Title)
	last, _ := r.Tracker().Last()
	require.Equal(t, StateSucceeded, last.State())
}

func TestRunnerAutoDetectIgnoresChallenge(t *testing.T) {
	t.Parallel()

	tab := &fakeTab{
		ready: browser.Readiness{ReadyState: "complete", URL: "https://example.com/a"},
		snap:  browser.Snapshot{HTML: "<html><title>Just a moment...</title><body>checking</body></html>", Title: "Just a moment..."},
	}
	r := newRunner(Config{Timeout: 60 * time.Millisecond, AutoDetect: true}, devtools(), nil, attachTab(tab))

	_, err := r.Fetch(context.Background(), webfetch.Request{URL: "https://example.com/a"})
	require.Equal(t, webfetch.KindHumanTimeout, webfetch.KindOf(err))
}

func TestRunnerRejectsForeignPortHolder(t *testing.T) {
	t.Parallel()

	attached := false
	r := newRunner(Config{}, fakeInspector{info: browser.PortInfo{State: browser.PortForeign, Owner: "nginx", OwnerPID: 42}}, nil,
		func(context.Context, browser.Endpoint, time.Duration) (Tab, error) {
			attached = true
			return &fakeTab{}, nil
		})

	_, err := r.Fetch(context.Background(), webfetch.Request{URL: "https://example.com"})
	require.ErrorIs(t, err, webfetch.ErrPortInUse)
	require.Contains(t, err.Error(), "nginx (pid 42)")
	require.Equal(t, webfetch.KindBrowserConnection, webfetch.KindOf(err))
	require.False(t, attached)
	last, _ := r.Tracker().Last()
	require.Equal(t, StateFailed, last.State())
}

func TestRunnerLaunchesBrowserOnFreePort(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{}
	tab := &fakeTab{
		ready: browser.Readiness{ReadyState: "complete", URL: "https://example.com"},
		snap:  browser.Snapshot{HTML: article},
	}
	r := newRunner(Config{Timeout: time.Second, AutoDetect: true}, fakeInspector{info: browser.PortInfo{State: browser.PortFree}}, launcher, attachTab(tab))

	_, err := r.Fetch(context.Background(), webfetch.Request{URL: "https://example.com"})
	require.NoError(t, err)
	require.EqualValues(t, 1, launcher.calls.Load())
}

func TestRunnerMissingChromeIsFatal(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{err: webfetch.ErrChromeNotFound}
	r := newRunner(Config{}, fakeInspector{info: browser.PortInfo{State: browser.PortFree}}, launcher, attachTab(&fakeTab{}))

	_, err := r.Fetch(context.Background(), webfetch.Request{URL: "https://example.com"})
	require.ErrorIs(t, err, webfetch.ErrChromeNotFound)
	require.True(t, webfetch.IsFatal(err))
}

func TestRunnerRetriesAttachOnce(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	tab := &fakeTab{
		ready: browser.Readiness{ReadyState: "complete", URL: "https://example.com"},
		snap:  browser.Snapshot{HTML: article},
	}
	flaky := func(context.Context, browser.Endpoint, time.Duration) (Tab, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("websocket: bad handshake")
		}
		return tab, nil
	}
	r := newRunner(Config{Timeout: time.Second, AutoDetect: true}, devtools(), nil, flaky)
	_, err := r.Fetch(context.Background(), webfetch.Request{URL: "https://example.com"})
	require.NoError(t, err)
	require.EqualValues(t, 2, calls.Load())

	calls.Store(0)
	broken := func(context.Context, browser.Endpoint, time.Duration) (Tab, error) {
		calls.Add(1)
		return nil, errors.New("websocket: bad handshake")
	}
	r = newRunner(Config{}, devtools(), nil, broken)
	_, err = r.Fetch(context.Background(), webfetch.Request{URL: "https://example.com"})
	require.ErrorIs(t, err, webfetch.ErrAttachment)
	require.EqualValues(t, 2, calls.Load())
}

func TestRunnerHonorsFetchDeadline(t *testing.T) {
	t.Parallel()

	tab := &fakeTab{}
	r := newRunner(Config{Timeout: time.Minute}, devtools(), nil, attachTab(tab))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := r.Fetch(ctx, webfetch.Request{URL: "https://example.com"})
	require.Equal(t, webfetch.KindDeadline, webfetch.KindOf(err))
	require.ErrorIs(t, err, webfetch.ErrDeadline)
	require.True(t, tab.isDetached())
	last, _ := r.Tracker().Last()
	require.Equal(t, StateFailed, last.State())
}

func TestRunnerExtractionLost(t *testing.T) {
	t.Parallel()

	tab := &fakeTab{extractErr: errors.New("target closed")}
	r := newRunner(Config{Timeout: time.Second}, devtools(), nil, attachTab(tab))
	go func() {
		assert.Eventually(t, func() bool { return r.Tracker().Complete() == nil }, time.Second, 2*time.Millisecond)
	}()

	_, err := r.Fetch(context.Background(), webfetch.Request{URL: "https://example.com"})
	require.ErrorIs(t, err, webfetch.ErrAttachment)
	last, _ := r.Tracker().Last()
	require.Equal(t, StateFailed, last.State())
}

func TestStripCue(t *testing.T) {
	t.Parallel()

	snap := stripCue(browser.Snapshot{
		Title: DefaultPrompt + " Notice",
		HTML:  `<html><head><title>` + DefaultPrompt + ` Notice</title></head><body><div id="` + browser.CueElementID + `">cue</div><p>text</p></body></html>`,
	}, DefaultPrompt)
	require.Equal(t, "Notice", snap.Title)
	require.NotContains(t, snap.HTML, browser.CueElementID)
	require.Contains(t, snap.HTML, "<p>text</p>")
}
