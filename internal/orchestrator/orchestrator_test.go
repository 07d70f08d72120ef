package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/text/language"

	"github.com/kekewolf/web-fetcher/internal/browser"
	"github.com/kekewolf/web-fetcher/internal/classify"
	"github.com/kekewolf/web-fetcher/internal/domain"
	"github.com/kekewolf/web-fetcher/internal/report"
	"github.com/kekewolf/web-fetcher/internal/storage/memory"
	"github.com/kekewolf/web-fetcher/internal/webfetch"
)

var (
	article = "<html><head><title>Rates</title></head><body>" +
		strings.Repeat("<p>The quarterly deposit rate stays at 1.5 percent.</p>", 90) +
		"</body></html>"
	tiny     = "<html><body><p>Please</p></body></html>"
	testTime = time.Date(2026, 3, 1, 8, 30, 5, 0, time.UTC)
)

type fetchFunc func(ctx context.Context, call int) (webfetch.Page, error)

type fakeStrategy struct {
	method webfetch.Method
	fn     fetchFunc
	calls  atomic.Int32
}

func (f *fakeStrategy) Method() webfetch.Method { return f.method }

func (f *fakeStrategy) Fetch(ctx context.Context, req webfetch.Request) (webfetch.Page, error) {
	call := int(f.calls.Add(1))
	page, err := f.fn(ctx, call)
	if err == nil {
		page.URL = req.URL
		page.Method = f.method
	}
	return page, err
}

func serve(html string) fetchFunc {
	return func(context.Context, int) (webfetch.Page, error) {
		return webfetch.Page{StatusCode: http.StatusOK, HTML: html}, nil
	}
}

func fail(err error) fetchFunc {
	return func(context.Context, int) (webfetch.Page, error) {
		return webfetch.Page{}, err
	}
}

func browserPage(html string, manual bool) fetchFunc {
	return func(context.Context, int) (webfetch.Page, error) {
		return webfetch.Page{StatusCode: http.StatusOK, HTML: html, BrowserConnected: true, Manual: manual}, nil
	}
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type staticIDs struct{}

func (staticIDs) NewID() (string, error) { return "report-1", nil }

type harness struct {
	direct    *fakeStrategy
	automated *fakeStrategy
	manual    *fakeStrategy
	store     *memory.BlobStore
	deps      Deps
	cfg       Config
}

func newHarness(direct, automated, manual fetchFunc) *harness {
	h := &harness{store: memory.NewBlobStore()}
	if direct != nil {
		h.direct = &fakeStrategy{method: webfetch.MethodDirect, fn: direct}
		h.deps.Direct = h.direct
	}
	if automated != nil {
		h.automated = &fakeStrategy{method: webfetch.MethodAutomated, fn: automated}
		h.deps.Automated = h.automated
	}
	if manual != nil {
		h.manual = &fakeStrategy{method: webfetch.MethodManual, fn: manual}
		h.deps.Manual = h.manual
	}
	h.deps.Reports = report.NewWriter(h.store, "reports", zap.NewNop())
	h.deps.Clock = fixedClock{t: testTime}
	h.deps.IDs = staticIDs{}
	h.deps.Logger = zap.NewNop()
	h.cfg = Config{ReconnectBackoff: time.Millisecond, Language: language.English}
	return h
}

func (h *harness) orchestrator() *Orchestrator {
	return New(h.deps, h.cfg)
}

func calls(s *fakeStrategy) int {
	if s == nil {
		return 0
	}
	return int(s.calls.Load())
}

func requireConsistentAttempts(t *testing.T, m webfetch.FetchMetrics) {
	t.Helper()
	require.Equal(t, m.TotalAttempts, len(m.Attempts))
	for i := 1; i < len(m.Attempts); i++ {
		require.Greater(t, m.Attempts[i].Method.Rank(), m.Attempts[i-1].Method.Rank(), "strategies must run in priority order")
	}
}

func TestDirectSuccess(t *testing.T) {
	t.Parallel()

	h := newHarness(serve(article), serve(article), serve(article))
	res, err := h.orchestrator().Fetch(context.Background(), "https://example.com")
	require.NoError(t, err)

	require.Equal(t, webfetch.StatusSuccess, res.Status)
	require.Equal(t, webfetch.MethodDirect, res.Metrics.PrimaryMethod)
	require.Equal(t, webfetch.MethodNone, res.Metrics.FallbackMethod)
	require.Equal(t, 1, res.Metrics.TotalAttempts)
	require.Equal(t, article, res.Content())
	require.False(t, res.Metrics.ChromeConnected)
	require.Zero(t, calls(h.automated))
	require.Nil(t, res.Report)
	requireConsistentAttempts(t, res.Metrics)
}

func TestProblematicDomainSkipsDirect(t *testing.T) {
	t.Parallel()

	h := newHarness(serve(article), browserPage(article, false), serve(article))
	h.deps.Domains = domain.New([]string{"boc.cn"})
	res, err := h.orchestrator().Fetch(context.Background(), "https://www.BOC.cn/notice/1.html")
	require.NoError(t, err)

	require.Zero(t, calls(h.direct))
	require.Equal(t, webfetch.StatusSuccess, res.Status)
	require.Equal(t, webfetch.MethodAutomated, res.Metrics.PrimaryMethod)
	require.Equal(t, 1, res.Metrics.TotalAttempts)
	require.True(t, res.Metrics.ChromeConnected)
}

func TestDirectFailureEscalatesToAutomated(t *testing.T) {
	t.Parallel()

	forbidden := func(context.Context, int) (webfetch.Page, error) {
		return webfetch.Page{StatusCode: http.StatusForbidden, HTML: "<title>Access Denied</title>"}, nil
	}
	h := newHarness(forbidden, browserPage(article, false), nil)
	res, err := h.orchestrator().Fetch(context.Background(), "https://example.com")
	require.NoError(t, err)

	require.Equal(t, webfetch.StatusSuccess, res.Status)
	require.Equal(t, webfetch.MethodDirect, res.Metrics.PrimaryMethod)
	require.Equal(t, webfetch.MethodAutomated, res.Metrics.FallbackMethod)
	require.Equal(t, 2, res.Metrics.TotalAttempts)
	require.Equal(t, webfetch.KindNetwork, res.Metrics.Attempts[0].ErrorKind)
	requireConsistentAttempts(t, res.Metrics)
}

func TestSmallAutomatedContentEscalatesToManual(t *testing.T) {
	t.Parallel()

	require.Len(t, tiny, 39)
	h := newHarness(nil, browserPage(tiny, false), browserPage(article, true))
	res, err := h.orchestrator().Fetch(context.Background(), "https://example.com")
	require.NoError(t, err)

	require.Equal(t, webfetch.StatusSuccess, res.Status)
	require.Equal(t, webfetch.MethodAutomated, res.Metrics.PrimaryMethod)
	require.Equal(t, webfetch.MethodManual, res.Metrics.FallbackMethod)
	require.True(t, res.Metrics.ManualAssisted)
	require.Equal(t, 2, res.Metrics.TotalAttempts)
	require.Equal(t, 39, res.Metrics.Attempts[0].Bytes)
	require.Equal(t, webfetch.KindContent, res.Metrics.Attempts[0].ErrorKind)
	require.Equal(t, 1, calls(h.automated), "automated strategy must not retry against soft failures")
	requireConsistentAttempts(t, res.Metrics)
}

func TestManualTimeoutFailsWithReport(t *testing.T) {
	t.Parallel()

	timeout := webfetch.HumanTimeout(webfetch.MethodManual, "wait", fmt.Errorf("%w after 2m0s", webfetch.ErrHumanTimeout))
	h := newHarness(nil, browserPage(tiny, false), fail(timeout))
	res, err := h.orchestrator().Fetch(context.Background(), "https://www.boc.cn/notice")
	require.NoError(t, err)

	require.Equal(t, webfetch.StatusFailed, res.Status, "a human timeout is not a partial result")
	require.Empty(t, res.Content())
	require.Equal(t, 2, res.Metrics.TotalAttempts)
	require.Equal(t, webfetch.StatusFailed, res.Metrics.FinalStatus)
	require.NotEmpty(t, res.Metrics.ErrorMessage)
	require.NotNil(t, res.Classification)
	require.Equal(t, classify.TypeHumanTimeout, res.Classification.Type)
	require.Equal(t, webfetch.KindHumanTimeout, res.Classification.Kind)

	require.NotNil(t, res.Report)
	require.Equal(t, "FAILED_20260301-083005-boc", res.Report.Filename)
	require.Equal(t, "memory://reports/FAILED_20260301-083005-boc.json", res.ReportURI)
	require.Equal(t, []string{"reports/FAILED_20260301-083005-boc.json", "reports/FAILED_20260301-083005-boc.md"}, h.store.Paths())
	require.Len(t, res.Report.Chain, 2)
}

func TestAutomatedReconnectsOnce(t *testing.T) {
	t.Parallel()

	unreachable := webfetch.BrowserConnection(webfetch.MethodAutomated, "connect", webfetch.ErrDebugPortUnreachable)
	flaky := func(_ context.Context, call int) (webfetch.Page, error) {
		if call == 1 {
			return webfetch.Page{}, unreachable
		}
		return webfetch.Page{StatusCode: http.StatusOK, HTML: article, BrowserConnected: true}, nil
	}
	h := newHarness(nil, flaky, serve(article))
	res, err := h.orchestrator().Fetch(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.Equal(t, webfetch.StatusSuccess, res.Status)
	require.Equal(t, 2, calls(h.automated))
	require.Equal(t, 1, res.Metrics.TotalAttempts)
	require.True(t, res.Metrics.Attempts[0].Reconnected)
	require.Zero(t, calls(h.manual))

	h = newHarness(nil, fail(unreachable), browserPage(article, true))
	classifier := classify.New()
	h.deps.Classifier = classifier
	res, err = h.orchestrator().Fetch(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.Equal(t, 2, calls(h.automated), "exactly one reconnection")
	require.Equal(t, 1, calls(h.manual))
	require.Equal(t, 2, res.Metrics.TotalAttempts)
	require.Equal(t, webfetch.KindBrowserConnection, res.Metrics.Attempts[0].ErrorKind)
	require.Equal(t, string(classify.TypeBrowserUnreachable), res.Metrics.Attempts[0].ErrorType)
	require.Empty(t, res.Metrics.Attempts[1].ErrorType)
	// Both failures of the reconnect share one rule evaluation.
	require.Equal(t, int64(2), classifier.Calls())
	require.Equal(t, int64(1), classifier.Evaluations())
	require.Equal(t, webfetch.StatusSuccess, res.Status)
}

func TestConfigurationErrorIsFatal(t *testing.T) {
	t.Parallel()

	missing := webfetch.Configuration(webfetch.MethodManual, "launch", webfetch.ErrChromeNotFound)
	h := newHarness(
		fail(webfetch.Network(webfetch.MethodDirect, "request", errors.New("tls: handshake failure"))),
		fail(webfetch.BrowserConnection(webfetch.MethodAutomated, "navigate", errors.New("target crashed"))),
		fail(missing),
	)
	res, err := h.orchestrator().Fetch(context.Background(), "https://example.com")
	require.ErrorIs(t, err, webfetch.ErrChromeNotFound)
	require.Equal(t, webfetch.StatusFailed, res.Status)
	require.Equal(t, classify.TypeBinaryNotFound, res.Classification.Type)
	require.NotEmpty(t, res.ReportURI)
}

func TestFatalErrorStopsBeforeLaterStrategies(t *testing.T) {
	t.Parallel()

	h := newHarness(nil, fail(webfetch.Configuration(webfetch.MethodAutomated, "setup", errors.New("bad user agent"))), serve(article))
	_, err := h.orchestrator().Fetch(context.Background(), "https://example.com")
	require.Error(t, err)
	require.Zero(t, calls(h.manual))
}

func TestDeadlineAbandonsChain(t *testing.T) {
	t.Parallel()

	hang := func(ctx context.Context, _ int) (webfetch.Page, error) {
		<-ctx.Done()
		return webfetch.Page{}, ctx.Err()
	}
	h := newHarness(hang, serve(article), serve(article))
	h.cfg.Deadline = 30 * time.Millisecond
	res, err := h.orchestrator().Fetch(context.Background(), "https://example.com")
	require.NoError(t, err)

	require.Equal(t, webfetch.StatusFailed, res.Status)
	require.Zero(t, calls(h.automated), "an exhausted deadline does not restart the chain")
	require.Equal(t, 1, res.Metrics.TotalAttempts)
	require.Equal(t, webfetch.KindDeadline, res.Metrics.Attempts[0].ErrorKind)
	require.Equal(t, classify.TypeTimeout, res.Classification.Type)
	require.NotEmpty(t, res.ReportURI, "report is written after the deadline")
}

func TestPartialResult(t *testing.T) {
	t.Parallel()

	short := "<html><body><p>" + strings.Repeat("rate ", 60) + "</p></body></html>"
	h := newHarness(serve(short), fail(webfetch.BrowserConnection(webfetch.MethodAutomated, "connect", errors.New("refused"))), nil)
	res, err := h.orchestrator().Fetch(context.Background(), "https://example.com")
	require.NoError(t, err)

	require.Equal(t, webfetch.StatusPartial, res.Status)
	require.Equal(t, short, res.Content())
	require.Equal(t, webfetch.StatusPartial, res.Metrics.FinalStatus)
	require.Nil(t, res.Report)
	require.Empty(t, h.store.Paths())
}

func TestBlockedPageIsNotPartial(t *testing.T) {
	t.Parallel()

	blocked := "<html><head><title>Just a moment...</title></head><body>checking your browser</body></html>"
	h := newHarness(serve(blocked), browserPage(blocked, false), nil)
	res, err := h.orchestrator().Fetch(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.Equal(t, webfetch.StatusFailed, res.Status)
	require.ErrorIs(t, res.Err, webfetch.ErrBlocked)
	require.Equal(t, classify.TypeBlocked, res.Classification.Type)
}

func TestConcurrentFetchesSerializeBrowser(t *testing.T) {
	t.Parallel()

	var active, peak atomic.Int32
	slow := func(ctx context.Context, _ int) (webfetch.Page, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		select {
		case <-time.After(40 * time.Millisecond):
		case <-ctx.Done():
			return webfetch.Page{}, ctx.Err()
		}
		return webfetch.Page{StatusCode: http.StatusOK, HTML: article, BrowserConnected: true}, nil
	}
	h := newHarness(nil, slow, nil)
	h.deps.Leases = browser.NewLeases()
	orch := h.orchestrator()

	var wg sync.WaitGroup
	statuses := make([]webfetch.Status, 2)
	for i := range statuses {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := orch.Fetch(context.Background(), fmt.Sprintf("https://example.com/%d", i))
			assert.NoError(t, err)
			statuses[i] = res.Status
		}(i)
	}
	wg.Wait()

	require.Equal(t, []webfetch.Status{webfetch.StatusSuccess, webfetch.StatusSuccess}, statuses)
	require.EqualValues(t, 1, peak.Load(), "browser strategies must not overlap")
}

func TestLeaseHeldThroughManual(t *testing.T) {
	t.Parallel()

	leases := browser.NewLeases()
	ep := browser.DefaultEndpoint()
	var busyDuringManual bool
	manual := func(context.Context, int) (webfetch.Page, error) {
		busyDuringManual = leases.Busy(ep)
		return webfetch.Page{StatusCode: http.StatusOK, HTML: article, Manual: true}, nil
	}
	h := newHarness(nil, browserPage(tiny, false), manual)
	h.deps.Leases = leases
	_, err := h.orchestrator().Fetch(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.True(t, busyDuringManual)
	require.False(t, leases.Busy(ep))
}

type countingLimiter struct{ waits atomic.Int32 }

func (c *countingLimiter) Wait(context.Context, string) error {
	c.waits.Add(1)
	return nil
}

func TestLimiterOnlyPacesDirect(t *testing.T) {
	t.Parallel()

	limiter := &countingLimiter{}
	h := newHarness(serve(tiny), browserPage(article, false), nil)
	h.deps.Limiter = limiter
	_, err := h.orchestrator().Fetch(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.EqualValues(t, 1, limiter.waits.Load())
}

func TestInvalidURL(t *testing.T) {
	t.Parallel()

	h := newHarness(serve(article), nil, nil)
	for _, raw := range []string{"", "ftp://example.com", "https://", "://nope"} {
		_, err := h.orchestrator().Fetch(context.Background(), raw)
		require.ErrorIs(t, err, webfetch.ErrInvalidURL, raw)
	}
	require.Zero(t, calls(h.direct))
}

func TestNoStrategies(t *testing.T) {
	t.Parallel()

	h := newHarness(nil, nil, nil)
	res, err := h.orchestrator().Fetch(context.Background(), "https://example.com")
	require.Error(t, err)
	require.True(t, webfetch.IsFatal(err))
	require.Equal(t, webfetch.StatusFailed, res.Status)
}
