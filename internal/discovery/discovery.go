// Package discovery accumulates the third-party resources observed during one unblocked page load.
package discovery

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
)

type Mode int

const (
	// Base records distinct scheme://host/path URLs.
	Base Mode = iota
	// Query records full URLs, and only those that carry a query string.
	Query
)

func (m Mode) String() string {
	switch m {
	case Base:
		return "base"
	case Query:
		return "query"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

func ParseMode(s string) Mode {
	if strings.EqualFold(s, "query") {
		return Query
	}
	return Base
}

// Accumulator is scoped to a single discovery pass. Observe is safe for concurrent use.
type Accumulator struct {
	mode     Mode
	pageBase string
	mu       sync.Mutex
	seen     map[string]struct{}
}

func NewAccumulator(pageURL string, mode Mode) (*Accumulator, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}
	return &Accumulator{
		mode:     mode,
		pageBase: strings.TrimRight(BaseURL(u), "/"),
		seen:     make(map[string]struct{}),
	}, nil
}

// Observe records rawURL if it qualifies and returns true when it was new.
func (a *Accumulator) Observe(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	base := BaseURL(u)
	if strings.TrimRight(base, "/") == a.pageBase {
		return false
	}

	key := base
	if a.mode == Query {
		if u.RawQuery == "" {
			return false
		}
		u.Fragment = ""
		u.RawFragment = ""
		key = u.String()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.seen[key]; ok {
		return false
	}
	a.seen[key] = struct{}{}
	return true
}

// Resources returns the recorded URLs in sorted order.
func (a *Accumulator) Resources() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.seen))
	for k := range a.seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.seen)
}

// BaseURL is scheme://host/path without query or fragment.
func BaseURL(u *url.URL) string {
	return fmt.Sprintf("%s://%s%s", u.Scheme, u.Host, u.EscapedPath())
}
