// Package collyfetcher implements the direct HTTP strategy using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/kekewolf/web-fetcher/internal/webfetch"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// Config controls collector behavior.
type Config struct {
	UserAgent          string
	Timeout            time.Duration
	MaxBodyBytes       int
	RespectRobots      bool
	InsecureSkipVerify bool
}

// Fetcher implements webfetch.Strategy using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.ParseHTTPErrorResponse = true
	c.DetectCharset = true
	if cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = cfg.MaxBodyBytes
	}

	transport := newHTTPTransport(TransportConfig{
		TLSHandshakeTimeout: cfg.Timeout,
		InsecureSkipVerify:  cfg.InsecureSkipVerify,
	})
	c.WithTransport(transport)
	// Clones share the backend client, so client-wide settings are applied
	// once here and never per request.
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		logger:        logger,
	}
}

// Method implements webfetch.Strategy.
func (f *Fetcher) Method() webfetch.Method {
	return webfetch.MethodDirect
}

// Fetch executes a single HTTP GET. Non-2xx responses are returned as pages
// so the caller can judge them; transport failures are NetworkErrors.
func (f *Fetcher) Fetch(ctx context.Context, request webfetch.Request) (webfetch.Page, error) {
	var (
		result   webfetch.Page
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(ctx, request, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		f.logger.Debug("direct fetch failed", zap.String("url", request.URL), zap.Error(err))
		return webfetch.Page{}, webfetch.Network(webfetch.MethodDirect, "get", err)
	}
	if result.StatusCode == 0 {
		return webfetch.Page{}, webfetch.Network(webfetch.MethodDirect, "get", fmt.Errorf("no response for %s", request.URL))
	}
	if !isHTMLContentType(result.Headers.Get("Content-Type")) {
		return webfetch.Page{}, webfetch.Content(webfetch.MethodDirect, "get",
			fmt.Errorf("%w: content-type %q", webfetch.ErrEmptyContent, result.Headers.Get("Content-Type")))
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	request webfetch.Request,
	start time.Time,
	result *webfetch.Page,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.UserAgent = f.cfg.UserAgent
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	if ctx != nil {
		collector.Context = ctx
	}

	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request webfetch.Request,
	start time.Time,
	result *webfetch.Page,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
		f.copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		body := string(r.Body)
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = webfetch.Page{
			URL:        request.URL,
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			HTML:       body,
			Title:      extractTitle(body),
			Method:     webfetch.MethodDirect,
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("direct fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("response failed: %w", *fetchErr)
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(request webfetch.Request, r *colly.Request) {
	if request.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		r.Headers.Del(key)
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}
