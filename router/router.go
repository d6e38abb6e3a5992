// Package router implements the pattern-indexed path to backend table:
// given a list of backends each declaring route patterns, build an
// index sorted by specificity and resolve the most specific backend
// for an incoming request path.
//
// Specificity ranks routes without a double wildcard first, then routes
// without a single wildcard, then the longer literal prefix, then the
// larger segment count. That
// ordering is not something chi's radix-tree matching exposes, so this
// table is hand-built; chi itself is reserved for the admin
// REST surface in internal/wire/httpapi, where routes are static.
package router

import (
	"sort"
	"strings"
)

// Backend is the subset of backend configuration the router needs to
// build its index. The full backend record lives in the breaker/health
// packages; this is intentionally narrow.
type Backend struct {
	Name   string
	Routes []string
}

// Match is a resolved route: the backend selected for a path and any
// named parameters captured along the way.
type Match struct {
	Backend string
	Pattern string
	Params  map[string]string
}

// entry is one compiled route pattern in the index.
type entry struct {
	pattern    string
	backend    string
	segments   []segment
	specificity specificity
}

type segment struct {
	literal  string
	isParam  bool
	isStar   bool // single-segment wildcard "*"
	isDStar  bool // suffix wildcard "**"
	param    string
}

// specificity orders entries from most to least specific: no "**"
// before "**", then no "*" before "*", then longer literal prefix,
// then more segments.
type specificity struct {
	literalPrefixLen int
	hasWildcard      bool
	hasDoubleStar    bool
	segmentCount     int
}

// Router is an immutable, specificity-sorted route index. Build a new
// one with New whenever the backend list changes; Router itself has no
// mutation methods so callers can safely swap pointers under a RWMutex
// without locking reads.
type Router struct {
	entries []entry
}

// New builds a Router from backends, indexing every declared route
// pattern against its owning backend.
func New(backends []Backend) *Router {
	r := &Router{}
	for _, b := range backends {
		for _, pattern := range b.Routes {
			r.entries = append(r.entries, compile(pattern, b.Name))
		}
	}
	sort.SliceStable(r.entries, func(i, j int) bool {
		return moreSpecific(r.entries[i].specificity, r.entries[j].specificity)
	})
	return r
}

func moreSpecific(a, b specificity) bool {
	if a.hasDoubleStar != b.hasDoubleStar {
		return !a.hasDoubleStar // non-double-star wins
	}
	if a.hasWildcard != b.hasWildcard {
		return !a.hasWildcard // exact/param-only wins over single wildcard
	}
	if a.literalPrefixLen != b.literalPrefixLen {
		return a.literalPrefixLen > b.literalPrefixLen
	}
	return a.segmentCount > b.segmentCount
}

func compile(pattern, backend string) entry {
	norm := NormalizePath(pattern)
	parts := splitSegments(norm)
	segs := make([]segment, 0, len(parts))
	literalPrefix := 0
	sawNonLiteral := false
	hasWildcard := false
	hasDoubleStar := false

	for _, p := range parts {
		switch {
		case p == "**":
			segs = append(segs, segment{isDStar: true})
			hasWildcard = true
			hasDoubleStar = true
			sawNonLiteral = true
		case p == "*":
			segs = append(segs, segment{isStar: true})
			hasWildcard = true
			sawNonLiteral = true
		case strings.HasPrefix(p, ":"):
			segs = append(segs, segment{isParam: true, param: p[1:]})
			sawNonLiteral = true
		default:
			segs = append(segs, segment{literal: p})
			if !sawNonLiteral {
				literalPrefix += len(p) + 1
			}
		}
	}

	return entry{
		pattern:  pattern,
		backend:  backend,
		segments: segs,
		specificity: specificity{
			literalPrefixLen: literalPrefix,
			hasWildcard:      hasWildcard,
			hasDoubleStar:    hasDoubleStar,
			segmentCount:     len(segs),
		},
	}
}

// Match resolves the most specific backend for path, or ok=false if no
// route matches.
func (r *Router) Match(path string) (Match, bool) {
	norm := NormalizePath(path)
	parts := splitSegments(norm)

	for _, e := range r.entries {
		if params, ok := matchSegments(e.segments, parts); ok {
			return Match{Backend: e.backend, Pattern: e.pattern, Params: params}, true
		}
	}
	return Match{}, false
}

func matchSegments(pattern []segment, path []string) (map[string]string, bool) {
	var params map[string]string
	i, j := 0, 0
	for i < len(pattern) {
		seg := pattern[i]
		if seg.isDStar {
			// "**" consumes the remainder of the path, including zero
			// segments.
			return ensureParams(params), true
		}
		if j >= len(path) {
			return nil, false
		}
		switch {
		case seg.isStar:
			// matches exactly one segment
		case seg.isParam:
			if params == nil {
				params = make(map[string]string)
			}
			params[seg.param] = path[j]
		default:
			if seg.literal != path[j] {
				return nil, false
			}
		}
		i++
		j++
	}
	if j != len(path) {
		return nil, false
	}
	return ensureParams(params), true
}

func ensureParams(p map[string]string) map[string]string {
	if p == nil {
		return map[string]string{}
	}
	return p
}

// ExtractParams returns the named-parameter captures for path against
// pattern, without performing a full route resolution. Useful once a
// Match has already identified the winning pattern.
func ExtractParams(pattern, path string) map[string]string {
	e := compile(pattern, "")
	params, _ := matchSegments(e.segments, splitSegments(NormalizePath(path)))
	return params
}

// NormalizePath collapses duplicate slashes, strips any query string,
// and canonicalizes the trailing slash (kept except for the root "/").
func NormalizePath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var b strings.Builder
	b.Grow(len(path))
	prevSlash := false
	for i := 0; i < len(path); i++ {
		c := path[i]
		if c == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteByte(c)
	}
	out := b.String()
	if len(out) > 1 && strings.HasSuffix(out, "/") {
		out = strings.TrimSuffix(out, "/")
	}
	if out == "" {
		out = "/"
	}
	return out
}

func splitSegments(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
