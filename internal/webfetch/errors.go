package webfetch

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind tags errors crossing strategy boundaries so the orchestrator can
// decide between escalation and abort without string matching.
type ErrorKind string

// Error kinds.
const (
	KindNone              ErrorKind = ""
	KindNetwork           ErrorKind = "NetworkError"
	KindBrowserConnection ErrorKind = "BrowserConnectionError"
	KindContent           ErrorKind = "ContentError"
	KindHumanTimeout      ErrorKind = "HumanTimeoutError"
	KindConfiguration     ErrorKind = "ConfigurationError"
	KindDeadline          ErrorKind = "DeadlineExceeded"
)

// Escalates reports whether the orchestrator may continue with the next
// strategy after an error of this kind.
func (k ErrorKind) Escalates() bool {
	switch k {
	case KindNetwork, KindContent, KindBrowserConnection:
		return true
	default:
		return false
	}
}

var (
	// ErrChromeNotFound indicates no usable browser binary was found.
	ErrChromeNotFound = errors.New("chrome binary not found")
	// ErrPortInUse indicates the debug port is held by an incompatible process.
	ErrPortInUse = errors.New("debug port in use by another process")
	// ErrDebugPortUnreachable indicates nothing answered on the debug endpoint.
	ErrDebugPortUnreachable = errors.New("debug port unreachable")
	// ErrAttachment indicates the CDP attach or a later read failed.
	ErrAttachment = errors.New("browser attachment failed")
	// ErrHumanTimeout indicates the operator did not finish in time.
	ErrHumanTimeout = errors.New("manual session timed out")
	// ErrBlocked indicates the page matched an anti-bot signature.
	ErrBlocked = errors.New("anti-bot page detected")
	// ErrContentTooSmall indicates the body fell below the minimum size.
	ErrContentTooSmall = errors.New("content below minimum size")
	// ErrEmptyContent indicates nothing was extracted.
	ErrEmptyContent = errors.New("empty content")
	// ErrDeadline indicates the overall fetch deadline expired.
	ErrDeadline = errors.New("fetch deadline exceeded")
	// ErrInvalidURL indicates the input could not be parsed as http(s).
	ErrInvalidURL = errors.New("invalid url")
)

// Error is the tagged error returned by strategies.
type Error struct {
	Kind   ErrorKind
	Method Method
	Op     string
	Err    error
}

// NewError wraps err with a kind and the operation that produced it.
func NewError(kind ErrorKind, method Method, op string, err error) *Error {
	return &Error{Kind: kind, Method: method, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	prefix := string(e.Kind)
	if e.Method != MethodNone {
		prefix = fmt.Sprintf("%s [%s]", prefix, e.Method)
	}
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s %s: %v", prefix, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s %s", prefix, e.Op)
	default:
		return prefix
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the tagged kind from err. Untagged context errors map to
// KindDeadline, anything else untagged maps to KindNetwork.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var tagged *Error
	if errors.As(err, &tagged) && tagged.Kind != KindNone {
		return tagged.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, ErrDeadline) {
		return KindDeadline
	}
	return KindNetwork
}

// IsFatal reports whether err must abort the fetch without escalation.
func IsFatal(err error) bool {
	return KindOf(err) == KindConfiguration
}

// Network tags err as a NetworkError.
func Network(method Method, op string, err error) *Error {
	return NewError(KindNetwork, method, op, err)
}

// BrowserConnection tags err as a BrowserConnectionError.
func BrowserConnection(method Method, op string, err error) *Error {
	return NewError(KindBrowserConnection, method, op, err)
}

// Content tags err as a ContentError.
func Content(method Method, op string, err error) *Error {
	return NewError(KindContent, method, op, err)
}

// Configuration tags err as a ConfigurationError.
func Configuration(method Method, op string, err error) *Error {
	return NewError(KindConfiguration, method, op, err)
}

// HumanTimeout tags err as a HumanTimeoutError.
func HumanTimeout(method Method, op string, err error) *Error {
	return NewError(KindHumanTimeout, method, op, err)
}
