// Package domain routes URLs based on a list of hostnames known to defeat
// direct HTTP retrieval (legacy TLS, heavy client rendering, bot walls).
package domain

import (
	"net/url"
	"sort"
	"strings"
	"sync"
)

// Route is the entry strategy hint for a URL.
type Route string

// Routing hints.
const (
	RouteDirectFirst Route = "direct_first"
	RouteSkipDirect  Route = "skip_direct"
)

// Classifier matches normalized hostnames against substring entries.
// Entries are added under an exclusive lock so concurrent pipelines see a
// consistent list.
type Classifier struct {
	mu      sync.RWMutex
	entries []string
}

// New builds a classifier from the given entries. Blank and duplicate
// entries are ignored.
func New(entries []string) *Classifier {
	c := &Classifier{}
	for _, e := range entries {
		c.Add(e)
	}
	return c
}

// Add inserts entry and reports whether the list changed.
func (c *Classifier) Add(entry string) bool {
	value := normalizeEntry(entry)
	if value == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.entries {
		if existing == value {
			return false
		}
	}
	c.entries = append(c.entries, value)
	return true
}

// Entries returns a sorted copy of the list.
func (c *Classifier) Entries() []string {
	c.mu.RLock()
	out := append([]string(nil), c.entries...)
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Match returns the first entry contained in the URL's normalized host.
func (c *Classifier) Match(rawURL string) (string, bool) {
	host := NormalizeHost(rawURL)
	if host == "" {
		return "", false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, entry := range c.entries {
		if strings.Contains(host, entry) {
			return entry, true
		}
	}
	return "", false
}

// IsProblematic reports whether direct retrieval should be skipped for rawURL.
func (c *Classifier) IsProblematic(rawURL string) bool {
	_, ok := c.Match(rawURL)
	return ok
}

// Route returns the entry hint for rawURL.
func (c *Classifier) Route(rawURL string) Route {
	if c.IsProblematic(rawURL) {
		return RouteSkipDirect
	}
	return RouteDirectFirst
}

// NormalizeHost lowercases the hostname of rawURL and strips a leading
// "www.". Inputs without a scheme are treated as bare hosts.
func NormalizeHost(rawURL string) string {
	raw := strings.TrimSpace(rawURL)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.ToLower(parsed.Hostname())
	return strings.TrimPrefix(host, "www.")
}

func normalizeEntry(entry string) string {
	value := strings.ToLower(strings.TrimSpace(entry))
	value = strings.TrimPrefix(value, "www.")
	return strings.Trim(value, "/")
}
