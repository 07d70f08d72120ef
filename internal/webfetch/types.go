// Package webfetch defines core types shared across the fetch strategies,
// the orchestrator and the reporting layer.
package webfetch

import (
	"net/http"
	"time"
)

// Method identifies a retrieval strategy.
type Method string

// Strategies in escalation order.
const (
	MethodNone      Method = ""
	MethodDirect    Method = "direct"
	MethodAutomated Method = "automated"
	MethodManual    Method = "manual"
)

// Rank returns the escalation position of the method, or -1 when unknown.
func (m Method) Rank() int {
	switch m {
	case MethodDirect:
		return 0
	case MethodAutomated:
		return 1
	case MethodManual:
		return 2
	default:
		return -1
	}
}

// UsesBrowser reports whether the method drives the shared debug-port browser.
func (m Method) UsesBrowser() bool {
	return m == MethodAutomated || m == MethodManual
}

// Status is the final outcome of one fetch.
type Status string

// Final status values.
const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusPartial Status = "partial"
)

// Request describes a single page retrieval.
type Request struct {
	URL     string
	Headers http.Header
}

// Page is what a strategy hands back to the orchestrator.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	Headers    http.Header
	HTML       string
	Title      string
	Method     Method
	Duration   time.Duration
	// Manual is set when a human completed navigation before extraction.
	Manual bool
	// BrowserConnected is set once a strategy held a live debug-port session.
	BrowserConnected bool
}

// Size returns the byte length of the page body.
func (p Page) Size() int {
	return len(p.HTML)
}

// Attempt records one strategy invocation inside a fetch.
type Attempt struct {
	Method      Method        `json:"method"`
	Started     time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	Bytes       int           `json:"bytes"`
	Reconnected bool          `json:"reconnected,omitempty"`
	ErrorKind   ErrorKind     `json:"error_kind,omitempty"`
	ErrorType   string        `json:"error_type,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// Succeeded reports whether the attempt ended without an error.
func (a Attempt) Succeeded() bool {
	return a.Error == ""
}

// FetchMetrics is owned by the orchestrator for the lifetime of one fetch.
type FetchMetrics struct {
	URL             string        `json:"url"`
	PrimaryMethod   Method        `json:"primary_method"`
	FallbackMethod  Method        `json:"fallback_method,omitempty"`
	FinalStatus     Status        `json:"final_status"`
	FetchDuration   time.Duration `json:"fetch_duration"`
	TotalAttempts   int           `json:"total_attempts"`
	ErrorMessage    string        `json:"error_message,omitempty"`
	ChromeConnected bool          `json:"chrome_connected"`
	BrowserWaitTime time.Duration `json:"browser_wait_time"`
	ManualAssisted  bool          `json:"manual_assisted"`
	Attempts        []Attempt     `json:"attempts"`
}

// NewFetchMetrics returns an empty record for rawURL.
func NewFetchMetrics(rawURL string) *FetchMetrics {
	return &FetchMetrics{URL: rawURL}
}

// Begin registers a strategy invocation. The first method becomes the
// primary method, later ones the fallback.
func (m *FetchMetrics) Begin(method Method, started time.Time) {
	m.TotalAttempts++
	if m.PrimaryMethod == MethodNone {
		m.PrimaryMethod = method
	} else {
		m.FallbackMethod = method
	}
	m.Attempts = append(m.Attempts, Attempt{Method: method, Started: started})
}

// End closes the most recent attempt.
func (m *FetchMetrics) End(duration time.Duration, bytes int, err error) {
	if len(m.Attempts) == 0 {
		return
	}
	last := &m.Attempts[len(m.Attempts)-1]
	last.Duration = duration
	last.Bytes = bytes
	if err != nil {
		last.ErrorKind = KindOf(err)
		last.Error = err.Error()
	}
	if last.Method.UsesBrowser() {
		m.BrowserWaitTime += duration
	}
}

// MarkReconnected flags the most recent attempt as having used its one
// debug-port reconnection.
func (m *FetchMetrics) MarkReconnected() {
	if len(m.Attempts) == 0 {
		return
	}
	m.Attempts[len(m.Attempts)-1].Reconnected = true
}

// SetErrorType records the classifier's category on the most recent attempt.
func (m *FetchMetrics) SetErrorType(errorType string) {
	if len(m.Attempts) == 0 {
		return
	}
	m.Attempts[len(m.Attempts)-1].ErrorType = errorType
}

// Methods returns the chain of invoked strategies in order.
func (m *FetchMetrics) Methods() []Method {
	out := make([]Method, 0, len(m.Attempts))
	for _, a := range m.Attempts {
		out = append(out, a.Method)
	}
	return out
}

// Snapshot returns a copy safe to hand to callers once the fetch is final.
func (m *FetchMetrics) Snapshot() FetchMetrics {
	cp := *m
	cp.Attempts = append([]Attempt(nil), m.Attempts...)
	return cp
}
