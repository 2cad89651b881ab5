// Package blocker builds the request-interception predicates used by blocking tests.
package blocker

import (
	"fmt"
	"strings"

	"github.com/IliaW/resource-blocking-test/internal/discovery"
	"github.com/IliaW/resource-blocking-test/internal/model"
)

type MatchKind int

const (
	Substring MatchKind = iota
	Prefix
	Exact
)

func (k MatchKind) String() string {
	switch k {
	case Substring:
		return "substring"
	case Prefix:
		return "prefix"
	case Exact:
		return "exact"
	default:
		return fmt.Sprintf("MatchKind(%d)", int(k))
	}
}

// Predicate reports whether a request URL must be aborted.
type Predicate func(requestURL string) bool

func match(requestURL, pattern string, kind MatchKind) bool {
	switch kind {
	case Prefix:
		return strings.HasPrefix(requestURL, pattern)
	case Exact:
		return requestURL == pattern
	default:
		return strings.Contains(requestURL, pattern)
	}
}

func Single(target string, kind MatchKind) Predicate {
	return func(requestURL string) bool {
		return match(requestURL, target, kind)
	}
}

// Any matches a request against every pattern in list, then against the keyword substrings.
func Any(list []string, kind MatchKind, keywords []string) Predicate {
	patterns := append([]string(nil), list...)
	kw := append([]string(nil), keywords...)
	return func(requestURL string) bool {
		for _, p := range patterns {
			if match(requestURL, p, kind) {
				return true
			}
		}
		for _, k := range kw {
			if strings.Contains(requestURL, k) {
				return true
			}
		}
		return false
	}
}

// Rule describes how candidates of one run are matched.
type Rule struct {
	Single   MatchKind
	All      MatchKind
	Keywords []string
}

// RuleFor picks the match kinds for a suite mode. Keywords only apply to query discovery,
// where parametrized media and API endpoints would otherwise slip past the prefix list.
func RuleFor(mode model.Mode, dm discovery.Mode, keywords []string) Rule {
	if mode == model.Predefined {
		return Rule{Single: Substring, All: Substring}
	}
	if dm == discovery.Query {
		return Rule{Single: Exact, All: Prefix, Keywords: keywords}
	}
	return Rule{Single: Prefix, All: Prefix}
}
