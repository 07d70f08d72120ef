// Package headless contains the automated browser strategy, which drives an
// already running Chrome through its remote-debugging port.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/kekewolf/web-fetcher/internal/browser"
	"github.com/kekewolf/web-fetcher/internal/webfetch"
)

// Config controls the behavior of the automated fetcher.
type Config struct {
	Endpoint          browser.Endpoint
	UserAgent         string
	NavigationTimeout time.Duration
	ConnectTimeout    time.Duration
	SettleDelay       time.Duration
}

// Tab is the subset of browser.Tab used by the fetcher.
type Tab interface {
	Listen(fn func(ev any))
	Run(ctx context.Context, actions ...chromedp.Action) error
	Extract(ctx context.Context) (browser.Snapshot, error)
	Close()
}

// Opener attaches a new tab on the endpoint.
type Opener func(ctx context.Context, ep browser.Endpoint, timeout time.Duration) (Tab, error)

// Fetcher implements webfetch.Strategy over a remote Chrome.
type Fetcher struct {
	cfg    Config
	open   Opener
	logger *zap.Logger
}

// NewChromedp creates an automated fetcher attached to cfg.Endpoint.
func NewChromedp(cfg Config, logger *zap.Logger) (*Fetcher, error) {
	if cfg.Endpoint.Port <= 0 || cfg.Endpoint.Port > 65535 {
		return nil, fmt.Errorf("debug port must be in 1..65535")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg: cfg,
		open: func(ctx context.Context, ep browser.Endpoint, timeout time.Duration) (Tab, error) {
			return browser.Open(ctx, ep, timeout)
		},
		logger: logger,
	}, nil
}

// WithOpener replaces how tabs are attached.
func (f *Fetcher) WithOpener(open Opener) *Fetcher {
	if open != nil {
		f.open = open
	}
	return f
}

// Method implements webfetch.Strategy.
func (f *Fetcher) Method() webfetch.Method {
	return webfetch.MethodAutomated
}

// Fetch opens a tab, navigates and returns the rendered DOM. Connection
// failures are BrowserConnectionErrors wrapping ErrDebugPortUnreachable.
func (f *Fetcher) Fetch(ctx context.Context, request webfetch.Request) (webfetch.Page, error) {
	start := time.Now()
	tab, err := f.open(ctx, f.cfg.Endpoint, f.cfg.ConnectTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return webfetch.Page{}, ctx.Err()
		}
		if !errors.Is(err, webfetch.ErrDebugPortUnreachable) {
			err = fmt.Errorf("%w: %v", webfetch.ErrDebugPortUnreachable, err)
		}
		return webfetch.Page{}, webfetch.BrowserConnection(webfetch.MethodAutomated, "connect", err)
	}
	defer tab.Close()

	taskCtx, cancel := context.WithTimeout(ctx, f.navTimeout())
	defer cancel()

	meta := newResponseMeta()
	tab.Listen(meta.captureEvent)

	if err := f.runHeadless(taskCtx, tab, request); err != nil {
		if ctx.Err() != nil {
			return webfetch.Page{}, ctx.Err()
		}
		if errors.Is(err, webfetch.ErrAttachment) {
			return webfetch.Page{}, webfetch.BrowserConnection(webfetch.MethodAutomated, "navigate", err)
		}
		return webfetch.Page{}, webfetch.Network(webfetch.MethodAutomated, "navigate", err)
	}

	snap, err := tab.Extract(taskCtx)
	if err != nil {
		if ctx.Err() != nil {
			return webfetch.Page{}, ctx.Err()
		}
		return webfetch.Page{}, webfetch.BrowserConnection(webfetch.MethodAutomated, "extract",
			fmt.Errorf("%w: %v", webfetch.ErrAttachment, err))
	}

	status, headers, responseURL := meta.snapshotWithFallbacks(request.URL, snap.URL)
	if headers == nil {
		headers = http.Header{}
	}
	f.logger.Debug("automated fetch complete",
		zap.String("url", request.URL),
		zap.String("final_url", responseURL),
		zap.Int("status", status),
		zap.Int("bytes", len(snap.HTML)),
	)

	return webfetch.Page{
		URL:              request.URL,
		FinalURL:         responseURL,
		StatusCode:       status,
		Headers:          headers,
		HTML:             snap.HTML,
		Title:            snap.Title,
		Method:           webfetch.MethodAutomated,
		Duration:         time.Since(start),
		BrowserConnected: true,
	}, nil
}

func (f *Fetcher) runHeadless(ctx context.Context, tab Tab, request webfetch.Request) error {
	actions := []chromedp.Action{
		f.networkSetupAction(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if settle := f.settleDelay(); settle > 0 {
		actions = append(actions, chromedp.Sleep(settle))
	}
	if err := tab.Run(ctx, actions...); err != nil {
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

func (f *Fetcher) networkSetupAction(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshot() (int, http.Header, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, cloneHeader(m.headers), m.url
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

// snapshotWithFallbacks prefers the live location over the first document
// response so redirects and in-page navigation report where the DOM came from.
func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	status, headers, url := m.snapshot()
	switch {
	case finalURL != "":
		url = finalURL
	case url != "":
	default:
		url = requestURL
	}

	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func (f *Fetcher) navTimeout() time.Duration {
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return 45 * time.Second
}

func (f *Fetcher) settleDelay() time.Duration {
	if f.cfg.SettleDelay > 0 {
		return f.cfg.SettleDelay
	}
	return 500 * time.Millisecond
}

func cloneHeader(src http.Header) http.Header {
	if src == nil {
		return nil
	}
	dst := make(http.Header, len(src))
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
	return dst
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
