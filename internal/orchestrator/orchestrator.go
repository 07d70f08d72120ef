// Package orchestrator sequences the fetch strategies for one URL: direct
// HTTP, then the automated browser, then the manual browser session. It owns
// the attempt metrics, the shared browser lease and the failure report.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/language"

	"github.com/kekewolf/web-fetcher/internal/browser"
	"github.com/kekewolf/web-fetcher/internal/classify"
	"github.com/kekewolf/web-fetcher/internal/clock/system"
	"github.com/kekewolf/web-fetcher/internal/domain"
	"github.com/kekewolf/web-fetcher/internal/headless/detector"
	"github.com/kekewolf/web-fetcher/internal/id/uuid"
	"github.com/kekewolf/web-fetcher/internal/metrics"
	"github.com/kekewolf/web-fetcher/internal/report"
	"github.com/kekewolf/web-fetcher/internal/webfetch"
)

// Lease serializes use of the debug-port browser across fetches.
type Lease interface {
	Acquire(ctx context.Context, ep browser.Endpoint) (func(), error)
}

// Limiter paces direct requests per host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Evaluator applies the success criteria to a page.
type Evaluator interface {
	Evaluate(page webfetch.Page) detector.Verdict
}

// ReportWriter persists failure reports.
type ReportWriter interface {
	Write(ctx context.Context, r report.Report) (string, error)
}

// Config tunes the orchestrator.
type Config struct {
	// Deadline bounds a whole fetch, manual wait included.
	Deadline time.Duration
	// ReconnectBackoff is the pause before the single debug-port reconnection.
	ReconnectBackoff time.Duration
	// Endpoint identifies the browser shared by the automated and manual strategies.
	Endpoint browser.Endpoint
	// Language selects the report summary language.
	Language language.Tag
	// Headers are sent with every strategy request.
	Headers http.Header
}

func (c Config) withDefaults() Config {
	if c.Deadline <= 0 {
		c.Deadline = 10 * time.Minute
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = 2 * time.Second
	}
	if c.Endpoint.Port == 0 {
		c.Endpoint = browser.DefaultEndpoint()
	}
	return c
}

// Deps are the collaborators. Nil strategies are left out of the chain.
type Deps struct {
	Domains    *domain.Classifier
	Direct     webfetch.Strategy
	Automated  webfetch.Strategy
	Manual     webfetch.Strategy
	Evaluator  Evaluator
	Classifier *classify.Classifier
	Leases     Lease
	Limiter    Limiter
	Reports    ReportWriter
	Clock      webfetch.Clock
	IDs        webfetch.IDGenerator
	Logger     *zap.Logger
}

// Orchestrator runs fetches. It is safe for concurrent use; every Fetch is
// an independent sequential pipeline.
type Orchestrator struct {
	cfg  Config
	deps Deps
}

// New builds an orchestrator.
func New(deps Deps, cfg Config) *Orchestrator {
	if deps.Domains == nil {
		deps.Domains = domain.New(nil)
	}
	if deps.Evaluator == nil {
		deps.Evaluator = detector.NewHeuristic(0)
	}
	if deps.Classifier == nil {
		deps.Classifier = classify.New(classify.WithLogger(deps.Logger))
	}
	if deps.Leases == nil {
		deps.Leases = browser.NewLeases()
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.IDs == nil {
		deps.IDs = uuid.NewUUIDGenerator()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Orchestrator{cfg: cfg.withDefaults(), deps: deps}
}

// Result is the outcome of one fetch. Page is set for success and partial.
type Result struct {
	Status         webfetch.Status
	Page           webfetch.Page
	Metrics        webfetch.FetchMetrics
	Err            error
	Classification *classify.Classification
	Report         *report.Report
	ReportURI      string
}

// Content returns the extracted HTML, empty on failure.
func (r Result) Content() string {
	return r.Page.HTML
}

// Fetch retrieves rawURL. Strategy failures never surface as a Go error:
// they are reported through Result. The returned error is non-nil only for
// an invalid URL or a ConfigurationError, which abort without escalation.
func (o *Orchestrator) Fetch(ctx context.Context, rawURL string) (Result, error) {
	rawURL = strings.TrimSpace(rawURL)
	if err := validateURL(rawURL); err != nil {
		return Result{Status: webfetch.StatusFailed, Err: err}, err
	}

	begin := time.Now()
	m := webfetch.NewFetchMetrics(rawURL)
	logger := o.deps.Logger.With(zap.String("url", rawURL))

	fetchCtx, cancel := context.WithTimeout(ctx, o.cfg.Deadline)
	defer cancel()

	run := o.runChain(fetchCtx, rawURL, m, logger)
	m.FetchDuration = time.Since(begin)

	var res Result
	switch {
	case run.page != nil:
		m.FinalStatus = webfetch.StatusSuccess
		m.ManualAssisted = run.page.Manual
		res.Status = webfetch.StatusSuccess
		res.Page = *run.page
	case run.best != nil && webfetch.KindOf(run.err).Escalates():
		m.FinalStatus = webfetch.StatusPartial
		m.ManualAssisted = run.best.Manual
		m.ErrorMessage = run.err.Error()
		res.Status = webfetch.StatusPartial
		res.Page = *run.best
		res.Err = run.err
	default:
		m.FinalStatus = webfetch.StatusFailed
		if run.err == nil {
			run.err = webfetch.Configuration(webfetch.MethodNone, "chain", errors.New("no fetch strategy is enabled"))
		}
		m.ErrorMessage = run.err.Error()
		res.Status = webfetch.StatusFailed
		res.Err = run.err
	}
	res.Metrics = m.Snapshot()

	if res.Status == webfetch.StatusFailed {
		o.writeReport(ctx, &res, logger)
	}

	metrics.ObserveFetch(rawURL, string(finalMethod(res)), string(res.Status), res.Page.Size(), m.FetchDuration)
	logger.Info("fetch finished",
		zap.String("status", string(res.Status)),
		zap.String("primary_method", string(m.PrimaryMethod)),
		zap.String("fallback_method", string(m.FallbackMethod)),
		zap.Int("total_attempts", m.TotalAttempts),
		zap.Duration("duration", m.FetchDuration),
		zap.Int("bytes", res.Page.Size()),
		zap.Bool("manual_assisted", m.ManualAssisted),
	)

	if webfetch.IsFatal(res.Err) && res.Status == webfetch.StatusFailed {
		return res, res.Err
	}
	return res, nil
}

type chainResult struct {
	page *webfetch.Page
	best *webfetch.Page
	err  error
}

// runChain tries each strategy in order until one succeeds or escalation
// is no longer allowed.
func (o *Orchestrator) runChain(ctx context.Context, rawURL string, m *webfetch.FetchMetrics, logger *zap.Logger) chainResult {
	var (
		out     chainResult
		release func()
	)
	defer func() {
		if release != nil {
			release()
		}
	}()

	req := webfetch.Request{URL: rawURL, Headers: o.cfg.Headers}
	for _, strategy := range o.chain(rawURL, logger) {
		method := strategy.Method()
		if ctx.Err() != nil {
			out.err = deadlineError(method, "escalate", ctx.Err())
			break
		}
		if method.UsesBrowser() && release == nil {
			rel, err := o.deps.Leases.Acquire(ctx, o.cfg.Endpoint)
			if err != nil {
				out.err = deadlineError(method, "acquire browser", err)
				break
			}
			release = rel
		}
		if method == webfetch.MethodDirect && o.deps.Limiter != nil {
			if err := o.deps.Limiter.Wait(ctx, rawURL); err != nil {
				out.err = deadlineError(method, "rate limit", err)
				break
			}
		}

		page, verdict, err := o.attempt(ctx, strategy, req, m, logger)
		if err == nil {
			out.page = &page
			return out
		}
		out.err = err
		if verdict.Soft() && (out.best == nil || page.Size() > out.best.Size()) {
			best := page
			out.best = &best
		}
		kind := webfetch.KindOf(err)
		if !kind.Escalates() {
			logger.Warn("stopping escalation", zap.String("method", string(method)), zap.String("kind", string(kind)), zap.Error(err))
			break
		}
		logger.Info("escalating", zap.String("method", string(method)), zap.String("kind", string(kind)), zap.Error(err))
	}
	return out
}

// chain returns the strategies to try, in priority order.
func (o *Orchestrator) chain(rawURL string, logger *zap.Logger) []webfetch.Strategy {
	out := make([]webfetch.Strategy, 0, 3)
	if o.deps.Direct != nil {
		if entry, ok := o.deps.Domains.Match(rawURL); ok {
			logger.Info("skipping direct fetch for problematic domain", zap.String("entry", entry))
		} else {
			out = append(out, o.deps.Direct)
		}
	}
	for _, s := range []webfetch.Strategy{o.deps.Automated, o.deps.Manual} {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// attempt runs one strategy and evaluates its page. The automated strategy
// gets exactly one reconnection when the debug port is unreachable; it
// counts toward the same attempt.
func (o *Orchestrator) attempt(ctx context.Context, s webfetch.Strategy, req webfetch.Request, m *webfetch.FetchMetrics, logger *zap.Logger) (webfetch.Page, detector.Verdict, error) {
	method := s.Method()
	start := time.Now()
	m.Begin(method, o.deps.Clock.Now())

	page, err := s.Fetch(ctx, req)
	if err != nil && method == webfetch.MethodAutomated && errors.Is(err, webfetch.ErrDebugPortUnreachable) && ctx.Err() == nil {
		m.MarkReconnected()
		cls := o.deps.Classifier.Classify(err)
		logger.Warn("debug port unreachable, reconnecting once",
			zap.String("error_type", string(cls.Type)),
			zap.Duration("backoff", o.cfg.ReconnectBackoff), zap.Error(err))
		if waitErr := sleep(ctx, o.cfg.ReconnectBackoff); waitErr != nil {
			err = deadlineError(method, "reconnect", waitErr)
		} else {
			page, err = s.Fetch(ctx, req)
		}
	}

	var verdict detector.Verdict
	if err == nil {
		if page.BrowserConnected {
			m.ChromeConnected = true
		}
		if page.Method == webfetch.MethodNone {
			page.Method = method
		}
		verdict = o.deps.Evaluator.Evaluate(page)
		err = verdict.Err(method)
	}
	if err != nil && ctx.Err() != nil && webfetch.KindOf(err) != webfetch.KindDeadline {
		err = deadlineError(method, "fetch", fmt.Errorf("%v: %w", err, ctx.Err()))
	}
	m.End(time.Since(start), page.Size(), err)
	if err != nil {
		m.SetErrorType(string(o.deps.Classifier.Classify(err).Type))
	}

	outcome := "success"
	switch {
	case err != nil && verdict.Reason != "" && !verdict.OK():
		outcome = string(verdict.Reason)
	case err != nil:
		outcome = string(webfetch.KindOf(err))
	}
	metrics.ObserveAttempt(string(method), outcome)
	logger.Debug("attempt finished",
		zap.String("method", string(method)),
		zap.String("outcome", outcome),
		zap.Int("bytes", page.Size()),
		zap.Duration("duration", time.Since(start)),
	)
	return page, verdict, err
}

func (o *Orchestrator) writeReport(ctx context.Context, res *Result, logger *zap.Logger) {
	cls := o.deps.Classifier.Classify(res.Err)
	res.Classification = &cls
	id, err := o.deps.IDs.NewID()
	if err != nil {
		logger.Warn("report id", zap.Error(err))
	}
	r := report.Build(report.Input{
		ID:             id,
		Timestamp:      o.deps.Clock.Now(),
		Metrics:        res.Metrics,
		Classification: cls,
		Err:            res.Err,
		Language:       o.cfg.Language,
	})
	res.Report = &r
	if o.deps.Reports == nil {
		return
	}
	// The fetch deadline may already be spent; the report still gets written.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	uri, err := o.deps.Reports.Write(writeCtx, r)
	if err != nil {
		logger.Error("write failure report", zap.Error(err))
		return
	}
	res.ReportURI = uri
}

func finalMethod(res Result) webfetch.Method {
	if res.Page.Method != webfetch.MethodNone {
		return res.Page.Method
	}
	if n := len(res.Metrics.Attempts); n > 0 {
		return res.Metrics.Attempts[n-1].Method
	}
	return webfetch.MethodNone
}

func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return webfetch.Configuration(webfetch.MethodNone, "validate", fmt.Errorf("%w: %v", webfetch.ErrInvalidURL, err))
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return webfetch.Configuration(webfetch.MethodNone, "validate", fmt.Errorf("%w: %q needs an http(s) scheme and host", webfetch.ErrInvalidURL, rawURL))
	}
	return nil
}

func deadlineError(method webfetch.Method, op string, err error) error {
	return webfetch.NewError(webfetch.KindDeadline, method, op, fmt.Errorf("%w: %w", webfetch.ErrDeadline, err))
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
