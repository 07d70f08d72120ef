// Package detector decides whether retrieved content counts as a success or
// should push the orchestrator to the next strategy.
package detector

import (
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/kekewolf/web-fetcher/internal/webfetch"
)

// DefaultMinContentBytes is the body size under which a page is treated as a
// likely block page.
const DefaultMinContentBytes = 1024

// challengeTextLimit bounds the visible text of pages checked for embedded
// captcha widgets; long articles with a comment captcha are not challenges.
const challengeTextLimit = 2000

// Reason explains a verdict.
type Reason string

// Verdict reasons.
const (
	ReasonOK         Reason = "ok"
	ReasonHTTPStatus Reason = "http_status"
	ReasonEmpty      Reason = "empty"
	ReasonBlocked    Reason = "blocked"
	ReasonTooSmall   Reason = "too_small"
	ReasonShell      Reason = "shell"
)

// Verdict is the outcome of evaluating one page.
type Verdict struct {
	Reason    Reason
	Signature string
	Detail    string
}

// OK reports whether the page satisfies every success criterion.
func (v Verdict) OK() bool {
	return v.Reason == ReasonOK
}

// Soft reports whether the page carries usable, unblocked content that only
// missed the size or rendering heuristics.
func (v Verdict) Soft() bool {
	return v.Reason == ReasonTooSmall || v.Reason == ReasonShell
}

// Err converts a failing verdict into a tagged error for method.
func (v Verdict) Err(method webfetch.Method) error {
	switch v.Reason {
	case ReasonOK:
		return nil
	case ReasonHTTPStatus:
		return webfetch.Network(method, "evaluate", errors.New(v.Detail))
	case ReasonBlocked:
		return webfetch.Content(method, "evaluate", fmt.Errorf("%w: %s", webfetch.ErrBlocked, v.Signature))
	case ReasonTooSmall:
		return webfetch.Content(method, "evaluate", fmt.Errorf("%w: %s", webfetch.ErrContentTooSmall, v.Detail))
	default:
		return webfetch.Content(method, "evaluate", fmt.Errorf("%w: %s", webfetch.ErrEmptyContent, v.Detail))
	}
}

// Heuristic implements the rule-based success criteria.
type Heuristic struct {
	MinContentBytes int
}

// NewHeuristic creates a new detector. A zero threshold uses the default.
func NewHeuristic(minBytes int) *Heuristic {
	if minBytes <= 0 {
		minBytes = DefaultMinContentBytes
	}
	return &Heuristic{MinContentBytes: minBytes}
}

var spaMarkers = []string{
	"__next",
	"id=\"root\"",
	"id=\"app\"",
	"data-reactroot",
}

// Evaluate checks status, emptiness, anti-bot signatures, size and, for
// direct responses, client-rendered shells, in that order.
func (h *Heuristic) Evaluate(page webfetch.Page) Verdict {
	if page.Method == webfetch.MethodDirect && (page.StatusCode < 200 || page.StatusCode > 299) {
		return Verdict{Reason: ReasonHTTPStatus, Detail: fmt.Sprintf("unexpected status %d", page.StatusCode)}
	}
	body := strings.TrimSpace(page.HTML)
	if body == "" {
		return Verdict{Reason: ReasonEmpty, Detail: "no content extracted"}
	}

	title := page.Title
	text := ""
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(body)); err == nil {
		if title == "" {
			title = strings.TrimSpace(doc.Find("title").First().Text())
		}
		doc.Find("script, style, noscript, template").Remove()
		text = strings.Join(strings.Fields(doc.Find("body").Text()), " ")
	}

	if sig := DetectChallenge(title, body, len(text)); sig != "" {
		return Verdict{Reason: ReasonBlocked, Signature: sig, Detail: title}
	}
	if len(body) < h.MinContentBytes {
		return Verdict{Reason: ReasonTooSmall, Detail: fmt.Sprintf("%d bytes < %d", len(body), h.MinContentBytes)}
	}
	if page.Method == webfetch.MethodDirect && looksLikeShell(body, len(text)) {
		return Verdict{Reason: ReasonShell, Detail: "client-rendered shell"}
	}
	return Verdict{Reason: ReasonOK}
}

// titleSignatures match block and interstitial pages by title.
var titleSignatures = []struct {
	fragment string
	name     string
}{
	{"just a moment", "cloudflare"},
	{"attention required", "cloudflare"},
	{"access denied", "access-denied"},
	{"privacy error", "privacy-error"},
	{"your connection is not private", "privacy-error"},
	{"403 forbidden", "forbidden"},
	{"bot detection", "anti-bot"},
	{"are you a robot", "anti-bot"},
	{"security check", "anti-bot"},
	{"访问被拒绝", "access-denied"},
	{"安全验证", "anti-bot"},
	{"环境异常", "anti-bot"},
	{"验证码", "captcha"},
}

// bodySignatures match challenge widgets in the markup.
var bodySignatures = []struct {
	fragment string
	name     string
}{
	{"cf-challenge", "cloudflare"},
	{"cf_chl_opt", "cloudflare"},
	{"challenges.cloudflare.com/turnstile", "cloudflare-turnstile"},
	{"cf-turnstile", "cloudflare-turnstile"},
	{"hcaptcha.com", "hcaptcha"},
	{"h-captcha", "hcaptcha"},
	{"google.com/recaptcha", "recaptcha"},
	{"g-recaptcha", "recaptcha"},
	{"robot or human", "anti-bot"},
}

// DetectChallenge returns the name of the anti-bot signature matched by the
// page, or "" when none matches. Markup signatures only count on pages with
// little visible text.
func DetectChallenge(title, html string, visibleText int) string {
	titleLower := strings.ToLower(title)
	for _, sig := range titleSignatures {
		if strings.Contains(titleLower, sig.fragment) {
			return sig.name
		}
	}
	if visibleText >= challengeTextLimit {
		return ""
	}
	htmlLower := strings.ToLower(html)
	for _, sig := range bodySignatures {
		if strings.Contains(htmlLower, sig.fragment) {
			return sig.name
		}
	}
	return ""
}

func looksLikeShell(body string, visibleText int) bool {
	if visibleText >= 200 {
		return false
	}
	lower := strings.ToLower(body)
	for _, marker := range spaMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return scriptDensityHigh(lower)
}

func scriptDensityHigh(lower string) bool {
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Treat the rest of the document as part of the malformed script.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		var nextSearch int
		if relativeEnd == -1 {
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	if scriptCoverage == 0 {
		return false
	}
	return scriptCoverage*100/total >= 25
}
