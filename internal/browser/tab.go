package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/kekewolf/web-fetcher/internal/webfetch"
)

// CueElementID is the id of the banner injected by Cue.
const CueElementID = "__webfetcher_cue"

// Readiness is a cheap snapshot of the page state used while waiting.
type Readiness struct {
	ReadyState string `json:"ready"`
	Title      string `json:"title"`
	URL        string `json:"url"`
	Length     int    `json:"length"`
}

// Complete reports whether the document finished loading.
func (r Readiness) Complete() bool {
	return r.ReadyState == "complete"
}

// Snapshot is the extracted page.
type Snapshot struct {
	HTML  string
	Title string
	URL   string
}

// Tab is one page attached through chromedp's remote allocator.
type Tab struct {
	ep          Endpoint
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	once        sync.Once
}

// Open connects to ep and creates a fresh tab. Failures wrap
// webfetch.ErrDebugPortUnreachable.
func Open(ctx context.Context, ep Endpoint, connectTimeout time.Duration) (*Tab, error) {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	// The tab outlives ctx: only Close or Detach end it.
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.WithoutCancel(ctx), ep.DevtoolsURL())
	tabCtx, cancel := chromedp.NewContext(allocCtx)
	t := &Tab{ep: ep, ctx: tabCtx, cancel: cancel, allocCancel: allocCancel}

	connectCtx, connectCancel := context.WithTimeout(ctx, connectTimeout)
	defer connectCancel()
	stop := forwardCancel(connectCtx, cancel)
	err := chromedp.Run(tabCtx)
	stop()
	if err != nil {
		t.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %v", webfetch.ErrDebugPortUnreachable, ep, err)
	}
	return t, nil
}

// Run executes actions on the tab, bounded by ctx without tying the tab's
// lifetime to it.
func (t *Tab) Run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if t.ctx.Err() != nil {
			return fmt.Errorf("%w: tab closed: %v", webfetch.ErrAttachment, err)
		}
		return err
	}
	return nil
}

// Listen registers fn for target events.
func (t *Tab) Listen(fn func(ev any)) {
	chromedp.ListenTarget(t.ctx, fn)
}

// Navigate starts loading rawURL without waiting for the load event.
func (t *Tab) Navigate(ctx context.Context, rawURL string) error {
	return t.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, errorText, _, err := page.Navigate(rawURL).Do(ctx)
		if err != nil {
			return err
		}
		if errorText != "" {
			return fmt.Errorf("navigate %s: %s", rawURL, errorText)
		}
		return nil
	}))
}

// Cue prefixes the title and pins a banner so the operator knows the tab is
// waiting for them. It is safe to call repeatedly.
func (t *Tab) Cue(ctx context.Context, message string) error {
	msg, err := json.Marshal(message)
	if err != nil {
		return err
	}
	script := fmt.Sprintf(`(function(msg){
  if (!document.title.startsWith(msg)) { document.title = msg + ' ' + document.title; }
  if (document.body && !document.getElementById(%[2]q)) {
    var d = document.createElement('div');
    d.id = %[2]q;
    d.textContent = msg;
    d.style.cssText = 'position:fixed;top:0;left:0;right:0;z-index:2147483647;background:#ffd54f;color:#000;font:14px sans-serif;padding:6px;text-align:center';
    document.body.appendChild(d);
  }
  return true;
})(%[1]s)`, msg, CueElementID)
	var ok bool
	return t.Run(ctx, chromedp.Evaluate(script, &ok))
}

// ClearCue removes the banner and title prefix.
func (t *Tab) ClearCue(ctx context.Context, message string) error {
	msg, err := json.Marshal(message + " ")
	if err != nil {
		return err
	}
	script := fmt.Sprintf(`(function(msg){
  var d = document.getElementById(%[2]q);
  if (d) { d.remove(); }
  if (document.title.startsWith(msg)) { document.title = document.title.slice(msg.length); }
  return true;
})(%[1]s)`, msg, CueElementID)
	var ok bool
	return t.Run(ctx, chromedp.Evaluate(script, &ok))
}

// Readiness reports the document state.
func (t *Tab) Readiness(ctx context.Context) (Readiness, error) {
	const script = `({
  ready: document.readyState,
  title: document.title,
  url: location.href,
  length: document.documentElement ? document.documentElement.outerHTML.length : 0
})`
	var r Readiness
	if err := t.Run(ctx, chromedp.Evaluate(script, &r)); err != nil {
		return Readiness{}, err
	}
	return r, nil
}

// WaitReady waits for body to be ready and then for settle.
func (t *Tab) WaitReady(ctx context.Context, settle time.Duration) error {
	actions := []chromedp.Action{chromedp.WaitReady("body", chromedp.ByQuery)}
	if settle > 0 {
		actions = append(actions, chromedp.Sleep(settle))
	}
	return t.Run(ctx, actions...)
}

// Extract reads the live DOM.
func (t *Tab) Extract(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := t.Run(ctx,
		chromedp.Location(&snap.URL),
		chromedp.Title(&snap.Title),
		chromedp.OuterHTML("html", &snap.HTML, chromedp.ByQuery),
	)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Title = strings.TrimSpace(snap.Title)
	return snap, nil
}

// Close closes the tab and drops the connection. The browser keeps running.
func (t *Tab) Close() {
	t.once.Do(func() {
		t.cancel()
		t.allocCancel()
	})
}

// Detach drops the connection but leaves the tab open for the operator.
func (t *Tab) Detach() {
	t.once.Do(func() {
		if c := chromedp.FromContext(t.ctx); c != nil {
			// chromedp closes targets it still references on cancel.
			c.Target = nil
		}
		t.cancel()
		t.allocCancel()
	})
}

// Endpoint returns the endpoint the tab is attached to.
func (t *Tab) Endpoint() Endpoint {
	return t.ep
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
