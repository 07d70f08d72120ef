// Package report builds the structured failure report written when a fetch
// ends without usable content.
package report

import (
	"net"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/text/language"

	"github.com/kekewolf/web-fetcher/internal/classify"
	"github.com/kekewolf/web-fetcher/internal/webfetch"
)

// TimestampLayout is used in report filenames. Timestamps are UTC.
const TimestampLayout = "20060102-150405"

const unknownHost = "unknown"

// Step is one attempted strategy.
type Step struct {
	Method      webfetch.Method    `json:"method"`
	Started     time.Time          `json:"started_at"`
	DurationMS  int64              `json:"duration_ms"`
	Bytes       int                `json:"bytes"`
	Reconnected bool               `json:"reconnected,omitempty"`
	ErrorKind   webfetch.ErrorKind `json:"error_kind,omitempty"`
	ErrorType   string             `json:"error_type,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// Report is the failure document.
type Report struct {
	ID              string                  `json:"id"`
	URL             string                  `json:"url"`
	Host            string                  `json:"host"`
	Timestamp       time.Time               `json:"timestamp"`
	Status          webfetch.Status         `json:"status"`
	PrimaryMethod   webfetch.Method         `json:"primary_method"`
	FallbackMethod  webfetch.Method         `json:"fallback_method,omitempty"`
	TotalAttempts   int                     `json:"total_attempts"`
	DurationMS      int64                   `json:"fetch_duration_ms"`
	ChromeConnected bool                    `json:"chrome_connected"`
	BrowserWaitMS   int64                   `json:"browser_wait_ms"`
	ManualAssisted  bool                    `json:"manual_assisted"`
	Chain           []Step                  `json:"chain"`
	Classification  classify.Classification `json:"classification"`
	Error           string                  `json:"error"`
	Language        string                  `json:"language"`
	Summary         string                  `json:"summary"`
	Filename        string                  `json:"filename"`
}

// Input gathers what Build needs.
type Input struct {
	ID             string
	Timestamp      time.Time
	Metrics        webfetch.FetchMetrics
	Classification classify.Classification
	Err            error
	Language       language.Tag
}

// Build assembles a report. The same URL and timestamp always produce the
// same filename.
func Build(in Input) Report {
	m := in.Metrics
	ts := in.Timestamp.UTC()
	r := Report{
		ID:              in.ID,
		URL:             m.URL,
		Host:            ShortHost(m.URL),
		Timestamp:       ts,
		Status:          webfetch.StatusFailed,
		PrimaryMethod:   m.PrimaryMethod,
		FallbackMethod:  m.FallbackMethod,
		TotalAttempts:   m.TotalAttempts,
		DurationMS:      m.FetchDuration.Milliseconds(),
		ChromeConnected: m.ChromeConnected,
		BrowserWaitMS:   m.BrowserWaitTime.Milliseconds(),
		ManualAssisted:  m.ManualAssisted,
		Classification:  in.Classification,
		Language:        Language(in.Language).String(),
		Filename:        Filename(ts, m.URL),
	}
	if m.FinalStatus != "" {
		r.Status = m.FinalStatus
	}
	switch {
	case in.Err != nil:
		r.Error = in.Err.Error()
	default:
		r.Error = m.ErrorMessage
	}
	for _, a := range m.Attempts {
		r.Chain = append(r.Chain, Step{
			Method:      a.Method,
			Started:     a.Started.UTC(),
			DurationMS:  a.Duration.Milliseconds(),
			Bytes:       a.Bytes,
			Reconnected: a.Reconnected,
			ErrorKind:   a.ErrorKind,
			ErrorType:   a.ErrorType,
			Error:       a.Error,
		})
	}
	r.Summary = Summary(r, in.Language)
	return r
}

// Filename returns FAILED_<timestamp>-<short host>.
func Filename(ts time.Time, rawURL string) string {
	return "FAILED_" + ts.UTC().Format(TimestampLayout) + "-" + ShortHost(rawURL)
}

// ShortHost reduces a URL to its registrable name without the public
// suffix: https://www.boc.cn/x becomes "boc". It returns "unknown" when no
// host can be found.
func ShortHost(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL != "" && !strings.Contains(rawURL, "://") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return unknownHost
	}
	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	if host == "" {
		return unknownHost
	}
	if net.ParseIP(host) != nil {
		return sanitize(host)
	}
	name := host
	if etld1, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		suffix, _ := publicsuffix.PublicSuffix(etld1)
		name = strings.TrimSuffix(etld1, "."+suffix)
	} else if i := strings.IndexByte(host, '.'); i > 0 {
		name = host[:i]
	}
	if s := sanitize(name); s != "" {
		return s
	}
	return unknownHost
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		case r == '.' || r == ':' || r == '_':
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
