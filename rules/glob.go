package rules

import (
	"regexp"
	"strings"
	"sync"
)

// globCache memoizes compiled glob/regex patterns; rules are read far
// more often than written, so compiling once per distinct pattern
// amortizes across the lifetime of the process.
var globCache = struct {
	mu   sync.RWMutex
	compiled map[string]*regexp.Regexp
}{compiled: make(map[string]*regexp.Regexp)}

// compileGlob converts a glob pattern to an anchored regexp and caches it.
// `*` matches within one path segment, `**` matches any suffix including
// segments, `?` matches exactly one character.
func compileGlob(pattern string) *regexp.Regexp {
	globCache.mu.RLock()
	re, ok := globCache.compiled[pattern]
	globCache.mu.RUnlock()
	if ok {
		return re
	}

	re = regexp.MustCompile(globToRegexpSource(pattern))

	globCache.mu.Lock()
	globCache.compiled[pattern] = re
	globCache.mu.Unlock()
	return re
}

func globToRegexpSource(pattern string) string {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); {
		c := pattern[i]
		switch c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				b.WriteString(".*")
				i += 2
			} else {
				b.WriteString("[^/]*")
				i++
			}
		case '?':
			b.WriteString("[^/]")
			i++
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
			i++
		}
	}
	b.WriteString("$")
	return b.String()
}

func globMatch(pattern, value string) bool {
	return compileGlob(pattern).MatchString(value)
}

func segmentDepth(pattern string) int {
	if pattern == "" {
		return 0
	}
	return strings.Count(strings.Trim(pattern, "/"), "/") + 1
}
