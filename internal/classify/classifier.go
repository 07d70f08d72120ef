// Package classify maps fetch errors to categories with remediation hints,
// caching the result per error signature for the life of the process.
package classify

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"

	"go.uber.org/zap"

	"github.com/kekewolf/web-fetcher/internal/metrics"
	"github.com/kekewolf/web-fetcher/internal/webfetch"
)

const prefixLen = 64

// Signature is the cache key for an error.
type Signature struct {
	Type   string
	Prefix string
}

// Classifier evaluates Rules and memoizes results by Signature.
type Classifier struct {
	rules  []Rule
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[Signature]Classification

	calls       atomic.Int64
	evaluations atomic.Int64
}

// Option customizes a Classifier.
type Option func(*Classifier)

// WithRules replaces the default rule table.
func WithRules(rules []Rule) Option {
	return func(c *Classifier) {
		c.rules = rules
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Classifier) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New returns a classifier using the default rule table.
func New(opts ...Option) *Classifier {
	c := &Classifier{
		rules:  Rules,
		logger: zap.NewNop(),
		cache:  make(map[Signature]Classification),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify returns the classification for err. Identical signatures are
// served from the cache without re-running the rule table.
func (c *Classifier) Classify(err error) Classification {
	c.calls.Add(1)
	if err == nil {
		return Classification{}
	}
	sig := SignatureOf(err)

	c.mu.RLock()
	cached, ok := c.cache[sig]
	c.mu.RUnlock()
	if ok {
		metrics.ObserveClassification(string(cached.Type), true)
		return cached
	}

	result := c.evaluate(err)

	c.mu.Lock()
	if existing, raced := c.cache[sig]; raced {
		result = existing
	} else {
		c.cache[sig] = result
	}
	c.mu.Unlock()

	metrics.ObserveClassification(string(result.Type), false)
	c.logger.Debug("error classified",
		zap.String("signature_type", sig.Type),
		zap.String("signature_prefix", sig.Prefix),
		zap.String("error_type", string(result.Type)),
		zap.Float64("confidence", result.Confidence),
	)
	return result
}

func (c *Classifier) evaluate(err error) Classification {
	c.evaluations.Add(1)
	msg := strings.ToLower(err.Error())
	result := generic
	for _, rule := range c.rules {
		if rule.Match != nil && rule.Match(err, msg) {
			result = rule.Result
			break
		}
	}
	if kind := taggedKind(err); kind != webfetch.KindNone && result.Type == TypeGeneric {
		result.Kind = kind
	}
	return result
}

// Calls returns how many times Classify was called.
func (c *Classifier) Calls() int64 {
	return c.calls.Load()
}

// Evaluations returns how many times the rule table was run.
func (c *Classifier) Evaluations() int64 {
	return c.evaluations.Load()
}

// Len returns the number of cached signatures.
func (c *Classifier) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

// SignatureOf derives the cache key: the tagged kind (or Go type) of the
// error plus a normalized message prefix with digits folded to '#'.
func SignatureOf(err error) Signature {
	typ := fmt.Sprintf("%T", rootCause(err))
	if kind := taggedKind(err); kind != webfetch.KindNone {
		typ = string(kind) + "/" + typ
	}
	return Signature{Type: typ, Prefix: normalizePrefix(err.Error())}
}

func taggedKind(err error) webfetch.ErrorKind {
	var tagged *webfetch.Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	return webfetch.KindNone
}

func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

func normalizePrefix(msg string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(msg) {
		switch {
		case unicode.IsDigit(r):
			b.WriteByte('#')
			space = false
		case unicode.IsSpace(r):
			if !space {
				b.WriteByte(' ')
			}
			space = true
		default:
			b.WriteRune(r)
			space = false
		}
		if b.Len() >= prefixLen {
			break
		}
	}
	return strings.TrimSpace(b.String())
}
