package classify

import (
	"context"
	"errors"
	"net"
	"os"
	"os/exec"
	"strings"

	"github.com/kekewolf/web-fetcher/internal/webfetch"
)

// Type is the fine-grained error category.
type Type string

// Error categories, in rule order.
const (
	TypeHumanTimeout       Type = "human_timeout"
	TypeTimeout            Type = "timeout"
	TypePortConflict       Type = "port_conflict"
	TypePermissionDenied   Type = "permission_denied"
	TypeBinaryNotFound     Type = "binary_not_found"
	TypeBrowserUnreachable Type = "browser_unreachable"
	TypeAttachment         Type = "attachment"
	TypeHandshake          Type = "tls_handshake"
	TypeBlocked            Type = "content_blocked"
	TypeHTTPStatus         Type = "http_status"
	TypeDNS                Type = "dns"
	TypeGeneric            Type = "generic"
)

// Classification is the immutable result of classifying an error.
// Confidence is advisory: callers escalate on Kind, never on Confidence.
type Classification struct {
	Type            Type               `json:"error_type"`
	Kind            webfetch.ErrorKind `json:"error_kind"`
	Confidence      float64            `json:"confidence"`
	Recoverable     bool               `json:"recoverable"`
	SuggestedAction string             `json:"suggested_action"`
}

// Rule pairs a predicate with the classification it yields.
type Rule struct {
	Name   string
	Match  func(err error, msg string) bool
	Result Classification
}

// Rules is evaluated top to bottom and the first match wins. Message
// fragments come from chromedp, net/http, utls and the OS; they drift as
// those change, so the table is approximate.
var Rules = []Rule{
	{
		Name: "human timeout",
		Match: func(err error, _ string) bool {
			return errors.Is(err, webfetch.ErrHumanTimeout)
		},
		Result: Classification{
			Type: TypeHumanTimeout, Kind: webfetch.KindHumanTimeout, Confidence: 1,
			SuggestedAction: "Complete the page in the opened browser window before the manual timeout, or raise manual.timeout.",
		},
	},
	{
		Name: "fetch deadline",
		Match: func(err error, msg string) bool {
			return errors.Is(err, webfetch.ErrDeadline) || errors.Is(err, context.DeadlineExceeded) ||
				strings.Contains(msg, "context deadline exceeded")
		},
		Result: Classification{
			Type: TypeTimeout, Kind: webfetch.KindDeadline, Confidence: 0.95,
			SuggestedAction: "Raise fetch.deadline or retry the URL on its own.",
		},
	},
	{
		Name: "port conflict",
		Match: func(err error, msg string) bool {
			return errors.Is(err, webfetch.ErrPortInUse) || containsAny(msg,
				"address already in use", "port is already in use", "only one usage of each socket address")
		},
		Result: Classification{
			Type: TypePortConflict, Kind: webfetch.KindBrowserConnection, Confidence: 0.9,
			SuggestedAction: "Stop the process holding the debug port or set browser.debug_port to a free port.",
		},
	},
	{
		Name: "permission denied",
		Match: func(err error, msg string) bool {
			return errors.Is(err, os.ErrPermission) || containsAny(msg,
				"permission denied", "operation not permitted", "access is denied")
		},
		Result: Classification{
			Type: TypePermissionDenied, Kind: webfetch.KindConfiguration, Confidence: 0.85,
			SuggestedAction: "Check file permissions on the browser binary and its profile directory.",
		},
	},
	{
		Name: "binary not found",
		Match: func(err error, msg string) bool {
			return errors.Is(err, webfetch.ErrChromeNotFound) || errors.Is(err, exec.ErrNotFound) ||
				containsAny(msg, "executable file not found", "chrome binary not found")
		},
		Result: Classification{
			Type: TypeBinaryNotFound, Kind: webfetch.KindConfiguration, Confidence: 0.95,
			SuggestedAction: "Install Chrome or Chromium, or set browser.binary to its path.",
		},
	},
	{
		Name: "browser unreachable",
		Match: func(err error, msg string) bool {
			return errors.Is(err, webfetch.ErrDebugPortUnreachable) || containsAny(msg,
				"connection refused", "websocket: bad handshake", "could not dial")
		},
		Result: Classification{
			Type: TypeBrowserUnreachable, Kind: webfetch.KindBrowserConnection, Confidence: 0.8, Recoverable: true,
			SuggestedAction: "Start Chrome with --remote-debugging-port or let the manual session launch it.",
		},
	},
	{
		Name: "attachment",
		Match: func(err error, msg string) bool {
			return errors.Is(err, webfetch.ErrAttachment) || containsAny(msg,
				"target closed", "no target with given id", "session closed")
		},
		Result: Classification{
			Type: TypeAttachment, Kind: webfetch.KindBrowserConnection, Confidence: 0.75,
			SuggestedAction: "Keep the browser tab open until extraction finishes.",
		},
	},
	{
		Name: "tls handshake",
		Match: func(_ error, msg string) bool {
			return containsAny(msg, "handshake failure", "tls: ", "renegotiation",
				"certificate", "remote error", "x509")
		},
		Result: Classification{
			Type: TypeHandshake, Kind: webfetch.KindNetwork, Confidence: 0.7, Recoverable: true,
			SuggestedAction: "The server needs a browser TLS stack; add the host to the problematic domain list.",
		},
	},
	{
		Name: "network timeout",
		Match: func(err error, msg string) bool {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return true
			}
			return containsAny(msg, "timeout", "timed out")
		},
		Result: Classification{
			Type: TypeTimeout, Kind: webfetch.KindNetwork, Confidence: 0.7, Recoverable: true,
			SuggestedAction: "Retry later or raise direct.timeout.",
		},
	},
	{
		Name: "dns",
		Match: func(err error, msg string) bool {
			var dnsErr *net.DNSError
			return errors.As(err, &dnsErr) || strings.Contains(msg, "no such host")
		},
		Result: Classification{
			Type: TypeDNS, Kind: webfetch.KindNetwork, Confidence: 0.8,
			SuggestedAction: "Check the hostname and local DNS resolution.",
		},
	},
	{
		Name: "blocked content",
		Match: func(err error, _ string) bool {
			return errors.Is(err, webfetch.ErrBlocked) || errors.Is(err, webfetch.ErrContentTooSmall) ||
				errors.Is(err, webfetch.ErrEmptyContent)
		},
		Result: Classification{
			Type: TypeBlocked, Kind: webfetch.KindContent, Confidence: 0.6, Recoverable: true,
			SuggestedAction: "Open the page manually and solve any challenge before extraction.",
		},
	},
	{
		Name: "http status",
		Match: func(_ error, msg string) bool {
			return strings.Contains(msg, "status ")
		},
		Result: Classification{
			Type: TypeHTTPStatus, Kind: webfetch.KindNetwork, Confidence: 0.5, Recoverable: true,
			SuggestedAction: "The server rejected the request; a browser session may be accepted.",
		},
	},
}

var generic = Classification{
	Type: TypeGeneric, Kind: webfetch.KindNetwork, Confidence: 0.2,
	SuggestedAction: "Inspect the log output for the underlying error.",
}

func containsAny(msg string, fragments ...string) bool {
	for _, f := range fragments {
		if strings.Contains(msg, f) {
			return true
		}
	}
	return false
}
