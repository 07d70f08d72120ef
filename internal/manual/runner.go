package manual

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/kekewolf/web-fetcher/internal/browser"
	"github.com/kekewolf/web-fetcher/internal/clock/system"
	"github.com/kekewolf/web-fetcher/internal/headless/detector"
	"github.com/kekewolf/web-fetcher/internal/id/uuid"
	"github.com/kekewolf/web-fetcher/internal/metrics"
	"github.com/kekewolf/web-fetcher/internal/webfetch"
)

// DefaultPrompt is the cue shown in the operator's tab.
const DefaultPrompt = "[webfetcher] Finish loading this page, then press Enter in the terminal or POST /v1/session/complete"

// Config controls manual sessions.
type Config struct {
	Endpoint      browser.Endpoint
	Timeout       time.Duration
	PollInterval  time.Duration
	AutoDetect    bool
	AttachTimeout time.Duration
	AttachBackoff time.Duration
	Prompt        string
}

func (c Config) withDefaults() Config {
	if c.Endpoint.Port == 0 {
		c.Endpoint = browser.DefaultEndpoint()
	}
	if c.Timeout <= 0 {
		c.Timeout = 120 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.AttachTimeout <= 0 {
		c.AttachTimeout = 10 * time.Second
	}
	if c.AttachBackoff <= 0 {
		c.AttachBackoff = 2 * time.Second
	}
	if c.Prompt == "" {
		c.Prompt = DefaultPrompt
	}
	return c
}

// PortInspector reports who holds the debug port.
type PortInspector interface {
	Inspect(ctx context.Context, ep browser.Endpoint) (browser.PortInfo, error)
}

// Launcher starts a browser serving DevTools on an endpoint.
type Launcher interface {
	Launch(ctx context.Context, ep browser.Endpoint) error
}

// Tab is the operator-visible page driven by a session.
type Tab interface {
	Navigate(ctx context.Context, rawURL string) error
	Cue(ctx context.Context, message string) error
	ClearCue(ctx context.Context, message string) error
	Readiness(ctx context.Context) (browser.Readiness, error)
	Extract(ctx context.Context) (browser.Snapshot, error)
	Detach()
}

// Attacher opens a tab on the endpoint.
type Attacher func(ctx context.Context, ep browser.Endpoint, timeout time.Duration) (Tab, error)

// Evaluator judges extracted content during auto-detection.
type Evaluator interface {
	Evaluate(page webfetch.Page) detector.Verdict
}

// Deps holds the collaborators of a Runner. Nil fields get working defaults
// except Launcher, without which a free port fails the session.
type Deps struct {
	Inspector PortInspector
	Launcher  Launcher
	Attach    Attacher
	Evaluator Evaluator
	Tracker   *Tracker
	IDs       webfetch.IDGenerator
	Clock     webfetch.Clock
	Logger    *zap.Logger
}

// Runner drives manual sessions. It implements webfetch.Strategy.
type Runner struct {
	cfg  Config
	deps Deps
}

// NewRunner builds a runner.
func NewRunner(cfg Config, deps Deps) *Runner {
	if deps.Inspector == nil {
		deps.Inspector = browser.NewInspector(2 * time.Second)
	}
	if deps.Attach == nil {
		deps.Attach = func(ctx context.Context, ep browser.Endpoint, timeout time.Duration) (Tab, error) {
			return browser.Open(ctx, ep, timeout)
		}
	}
	if deps.Evaluator == nil {
		deps.Evaluator = detector.NewHeuristic(0)
	}
	if deps.Tracker == nil {
		deps.Tracker = NewTracker()
	}
	if deps.IDs == nil {
		deps.IDs = uuid.NewUUIDGenerator()
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Runner{cfg: cfg.withDefaults(), deps: deps}
}

// Tracker returns the tracker sessions register with.
func (r *Runner) Tracker() *Tracker {
	return r.deps.Tracker
}

// Method implements webfetch.Strategy.
func (r *Runner) Method() webfetch.Method {
	return webfetch.MethodManual
}

// Fetch runs one session to a terminal state. The browser is detached, never
// closed, whatever the outcome.
func (r *Runner) Fetch(ctx context.Context, request webfetch.Request) (webfetch.Page, error) {
	id, err := r.deps.IDs.NewID()
	if err != nil {
		return webfetch.Page{}, webfetch.Configuration(webfetch.MethodManual, "session id", err)
	}
	sess := newSession(id, r.cfg.Endpoint, request.URL, r.cfg.Timeout, r.deps.Clock.Now())
	r.deps.Tracker.start(sess)
	defer r.deps.Tracker.finish(sess)

	logger := r.deps.Logger.With(zap.String("session_id", id), zap.String("url", request.URL))
	logger.Info("manual session starting", zap.String("endpoint", sess.Endpoint.String()), zap.Duration("timeout", sess.Timeout))

	page, err := r.run(ctx, sess, request, logger)
	state := sess.State()
	metrics.ObserveManualSession(string(state))
	if err != nil {
		logger.Warn("manual session ended", zap.String("state", string(state)), zap.Error(err))
		return webfetch.Page{}, err
	}
	logger.Info("manual session ended", zap.String("state", string(state)), zap.Int("bytes", page.Size()))
	return page, nil
}

func (r *Runner) run(ctx context.Context, sess *Session, request webfetch.Request, logger *zap.Logger) (webfetch.Page, error) {
	start := time.Now()
	if err := r.prepare(ctx, sess.Endpoint, logger); err != nil {
		return webfetch.Page{}, r.fail(sess, err)
	}
	tab, err := r.attach(ctx, sess.Endpoint, logger)
	if err != nil {
		return webfetch.Page{}, r.fail(sess, err)
	}
	defer tab.Detach()

	if err := sess.transition(StateWaiting, r.deps.Clock.Now(), "attached"); err != nil {
		return webfetch.Page{}, err
	}
	// The human timeout runs from here, so a stalled navigation counts
	// against it.
	expires := time.Now().Add(sess.Timeout)
	navCtx, cancelNav := context.WithDeadline(ctx, expires)
	err = tab.Navigate(navCtx, request.URL)
	cancelNav()
	if err != nil {
		switch {
		case ctx.Err() != nil:
			_ = sess.transition(StateFailed, r.deps.Clock.Now(), "fetch deadline")
			return webfetch.Page{}, deadline("navigate", ctx.Err())
		case !time.Now().Before(expires):
			return webfetch.Page{}, r.timedOut(sess)
		}
		// The operator can still recover the tab by hand.
		logger.Warn("initial navigation failed", zap.Error(err))
	}
	if err := tab.Cue(ctx, r.cfg.Prompt); err != nil {
		logger.Debug("cue failed", zap.Error(err))
	}

	snap, err := r.wait(ctx, sess, tab, request, expires, logger)
	if err != nil {
		return webfetch.Page{}, err
	}
	if snap == nil {
		if err := sess.transition(StateExtracting, r.deps.Clock.Now(), "operator signal"); err != nil {
			return webfetch.Page{}, err
		}
		snap, err = r.extract(ctx, tab)
		if err != nil {
			return webfetch.Page{}, r.fail(sess, err)
		}
	}
	if strings.TrimSpace(snap.HTML) == "" {
		return webfetch.Page{}, r.fail(sess, webfetch.Content(webfetch.MethodManual, "extract", webfetch.ErrEmptyContent))
	}
	if err := sess.transition(StateSucceeded, r.deps.Clock.Now(), ""); err != nil {
		return webfetch.Page{}, err
	}
	finalURL := snap.URL
	if finalURL == "" {
		finalURL = request.URL
	}
	return webfetch.Page{
		URL:              request.URL,
		FinalURL:         finalURL,
		StatusCode:       200,
		HTML:             snap.HTML,
		Title:            snap.Title,
		Method:           webfetch.MethodManual,
		Duration:         time.Since(start),
		Manual:           true,
		BrowserConnected: true,
	}, nil
}

// prepare makes sure a DevTools browser is listening on ep.
func (r *Runner) prepare(ctx context.Context, ep browser.Endpoint, logger *zap.Logger) error {
	info, err := r.deps.Inspector.Inspect(ctx, ep)
	if err != nil {
		if ctx.Err() != nil {
			return deadline("inspect", ctx.Err())
		}
		return webfetch.BrowserConnection(webfetch.MethodManual, "inspect", err)
	}
	switch info.State {
	case browser.PortDevtools:
		logger.Debug("reusing browser", zap.String("browser", info.Browser))
		return nil
	case browser.PortForeign:
		return webfetch.BrowserConnection(webfetch.MethodManual, "inspect",
			fmt.Errorf("%w: %s", webfetch.ErrPortInUse, info.Remediation(ep)))
	}
	if r.deps.Launcher == nil {
		return webfetch.Configuration(webfetch.MethodManual, "launch", fmt.Errorf("%w: nothing listens on %s and launching is disabled", webfetch.ErrChromeNotFound, ep))
	}
	if err := r.deps.Launcher.Launch(ctx, ep); err != nil {
		switch {
		case ctx.Err() != nil:
			return deadline("launch", ctx.Err())
		case errors.Is(err, webfetch.ErrChromeNotFound):
			return webfetch.Configuration(webfetch.MethodManual, "launch", err)
		default:
			return webfetch.BrowserConnection(webfetch.MethodManual, "launch", err)
		}
	}
	return nil
}

// attach opens a tab, retrying once after AttachBackoff.
func (r *Runner) attach(ctx context.Context, ep browser.Endpoint, logger *zap.Logger) (Tab, error) {
	tab, err := r.deps.Attach(ctx, ep, r.cfg.AttachTimeout)
	if err == nil {
		return tab, nil
	}
	logger.Warn("attach failed, retrying", zap.Error(err), zap.Duration("backoff", r.cfg.AttachBackoff))
	timer := time.NewTimer(r.cfg.AttachBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, deadline("attach", ctx.Err())
	case <-timer.C:
	}
	tab, err = r.deps.Attach(ctx, ep, r.cfg.AttachTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return nil, deadline("attach", ctx.Err())
		}
		return nil, webfetch.BrowserConnection(webfetch.MethodManual, "attach", fmt.Errorf("%w: %v", webfetch.ErrAttachment, err))
	}
	return tab, nil
}

// wait blocks until the operator signals, auto-detection accepts the page,
// expires passes or ctx ends. A non-nil snapshot means auto-detection
// already extracted the page.
func (r *Runner) wait(ctx context.Context, sess *Session, tab Tab, request webfetch.Request, expires time.Time, logger *zap.Logger) (*browser.Snapshot, error) {
	timeout := time.NewTimer(time.Until(expires))
	defer timeout.Stop()
	poll := time.NewTicker(r.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = sess.transition(StateFailed, r.deps.Clock.Now(), "fetch deadline")
			return nil, deadline("wait", ctx.Err())
		case <-timeout.C:
			return nil, r.timedOut(sess)
		case <-sess.completed():
			logger.Info("operator signalled completion")
			return nil, nil
		case <-poll.C:
			snap, err := r.poll(ctx, tab, request)
			if err != nil {
				if errors.Is(err, webfetch.ErrAttachment) {
					return nil, r.fail(sess, webfetch.BrowserConnection(webfetch.MethodManual, "poll", err))
				}
				logger.Debug("poll failed", zap.Error(err))
				continue
			}
			if snap != nil {
				if err := sess.transition(StateExtracting, r.deps.Clock.Now(), "page ready"); err != nil {
					return nil, err
				}
				logger.Info("page accepted by auto-detection")
				return snap, nil
			}
		}
	}
}

func (r *Runner) poll(ctx context.Context, tab Tab, request webfetch.Request) (*browser.Snapshot, error) {
	ready, err := tab.Readiness(ctx)
	if err != nil {
		return nil, err
	}
	// Navigation drops the banner, so it is re-applied on every tick.
	if err := tab.Cue(ctx, r.cfg.Prompt); err != nil {
		return nil, err
	}
	if !r.cfg.AutoDetect || !ready.Complete() || ready.URL == "about:blank" {
		return nil, nil
	}
	snap, err := tab.Extract(ctx)
	if err != nil {
		return nil, err
	}
	snap = stripCue(snap, r.cfg.Prompt)
	verdict := r.deps.Evaluator.Evaluate(webfetch.Page{
		URL:        request.URL,
		FinalURL:   snap.URL,
		StatusCode: 200,
		HTML:       snap.HTML,
		Title:      snap.Title,
		Method:     webfetch.MethodManual,
	})
	if !verdict.OK() {
		return nil, nil
	}
	if err := tab.ClearCue(ctx, r.cfg.Prompt); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (r *Runner) extract(ctx context.Context, tab Tab) (*browser.Snapshot, error) {
	_ = tab.ClearCue(ctx, r.cfg.Prompt)
	snap, err := tab.Extract(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, deadline("extract", ctx.Err())
		}
		return nil, webfetch.BrowserConnection(webfetch.MethodManual, "extract", fmt.Errorf("%w: %v", webfetch.ErrAttachment, err))
	}
	snap = stripCue(snap, r.cfg.Prompt)
	return &snap, nil
}

func (r *Runner) timedOut(sess *Session) error {
	_ = sess.transition(StateTimedOut, r.deps.Clock.Now(), "no operator action")
	return webfetch.HumanTimeout(webfetch.MethodManual, "wait",
		fmt.Errorf("%w after %s", webfetch.ErrHumanTimeout, sess.Timeout))
}

// fail moves sess to failed unless it already reached a terminal state.
func (r *Runner) fail(sess *Session, err error) error {
	if !sess.State().Terminal() {
		_ = sess.transition(StateFailed, r.deps.Clock.Now(), string(webfetch.KindOf(err)))
	}
	return err
}

func deadline(op string, err error) error {
	return webfetch.NewError(webfetch.KindDeadline, webfetch.MethodManual, op, fmt.Errorf("%w: %v", webfetch.ErrDeadline, err))
}

// stripCue removes the banner and title prefix in case the page was read
// while they were still applied.
func stripCue(snap browser.Snapshot, prompt string) browser.Snapshot {
	snap.Title = strings.TrimSpace(strings.TrimPrefix(snap.Title, prompt))
	if !strings.Contains(snap.HTML, browser.CueElementID) {
		return snap
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(snap.HTML))
	if err != nil {
		return snap
	}
	doc.Find("#" + browser.CueElementID).Remove()
	doc.Find("title").Each(func(_ int, s *goquery.Selection) {
		s.SetText(strings.TrimSpace(strings.TrimPrefix(s.Text(), prompt)))
	})
	if html, err := goquery.OuterHtml(doc.Selection); err == nil {
		snap.HTML = html
	}
	return snap
}
