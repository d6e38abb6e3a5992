package rules

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/aegis-gateway/aegis/internal/reqctx"
)

// Match-score weights: endpoint match type contributes the bulk of the
// score (plus the pattern's segment depth), and each additional
// predicate adds its own fixed amount. The amounts differ per predicate,
// so a rule with more predicates does not always outrank one with fewer.
const (
	weightEndpointExact  = 100
	weightEndpointPrefix = 50
	weightEndpointGlob   = 30
	weightEndpointRegex  = 20

	weightMethod = 15
	weightTier   = 10
	weightUserID = 25
	weightIP     = 20
	weightAPIKey = 25
	weightHeader = 5
)

// Matcher scans rules in priority order and selects the best scoring match
// for a request context.
type Matcher struct {
	mu    sync.RWMutex
	rules []Rule

	regexCache map[string]*regexp.Regexp
}

// NewMatcher builds a Matcher over rules, sorted by descending priority
// so equal match scores resolve to the higher-priority rule.
func NewMatcher(ruleset []Rule) *Matcher {
	m := &Matcher{rules: append([]Rule(nil), ruleset...), regexCache: make(map[string]*regexp.Regexp)}
	sort.SliceStable(m.rules, func(i, j int) bool { return m.rules[i].Priority > m.rules[j].Priority })
	return m
}

// SetRules atomically replaces the ruleset, e.g. after an admin edit.
func (m *Matcher) SetRules(ruleset []Rule) {
	sorted := append([]Rule(nil), ruleset...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })
	m.mu.Lock()
	m.rules = sorted
	m.mu.Unlock()
}

// Match returns the highest-scoring enabled rule for ctx, or ok=false if no
// rule's predicates are satisfied.
func (m *Matcher) Match(ctx reqctx.Context) (rule Rule, ok bool) {
	m.mu.RLock()
	candidates := m.rules
	m.mu.RUnlock()

	bestScore := -1
	var best Rule
	found := false

	for _, r := range candidates {
		if !r.Enabled {
			continue
		}
		score, matched := m.score(r, ctx)
		if !matched {
			continue
		}
		if score > bestScore || (score == bestScore && r.Priority > best.Priority) {
			bestScore = score
			best = r
			found = true
		}
	}

	return best, found
}

// score evaluates r against ctx. A non-matching predicate short-circuits
// with matched=false; otherwise the accumulated weight is returned.
func (m *Matcher) score(r Rule, ctx reqctx.Context) (int, bool) {
	if r.isCatchAll() {
		return 1, true
	}

	score := 0
	match := r.Match

	if match.Endpoint != "" {
		w, matched := m.scoreEndpoint(match, ctx.Path)
		if !matched {
			return 0, false
		}
		score += w
	}

	if len(match.Methods) > 0 {
		if !containsFold(match.Methods, ctx.Method) {
			return 0, false
		}
		score += weightMethod
	}

	if len(match.Tiers) > 0 {
		if !containsTier(match.Tiers, ctx.EffectiveTier()) {
			return 0, false
		}
		score += weightTier
	}

	if len(match.UserIDs) > 0 {
		if ctx.UserID == "" || !contains(match.UserIDs, ctx.UserID) {
			return 0, false
		}
		score += weightUserID
	}

	if len(match.IPs) > 0 {
		if !anyCIDRMatch(match.IPs, ctx.IP) {
			return 0, false
		}
		score += weightIP
	}

	if len(match.APIKeys) > 0 {
		if ctx.APIKey == "" || !anyGlobMatch(match.APIKeys, ctx.APIKey) {
			return 0, false
		}
		score += weightAPIKey
	}

	if len(match.Headers) > 0 {
		for name, want := range match.Headers {
			got := ctx.Headers.Get(name)
			if !strings.EqualFold(got, want) {
				return 0, false
			}
			score += weightHeader
		}
	}

	return score, true
}

func (m *Matcher) scoreEndpoint(match Match, path string) (int, bool) {
	switch match.EndpointMatchType {
	case MatchExact:
		if match.Endpoint != path {
			return 0, false
		}
		return weightEndpointExact + segmentDepth(match.Endpoint), true
	case MatchPrefix:
		if !strings.HasPrefix(path, match.Endpoint) {
			return 0, false
		}
		return weightEndpointPrefix + segmentDepth(match.Endpoint), true
	case MatchRegex:
		re := m.compiledRegex(match.Endpoint)
		if re == nil || !re.MatchString(path) {
			return 0, false
		}
		return weightEndpointRegex + segmentDepth(match.Endpoint), true
	case MatchGlob, "":
		if !globMatch(match.Endpoint, path) {
			return 0, false
		}
		return weightEndpointGlob + segmentDepth(match.Endpoint), true
	default:
		return 0, false
	}
}

func (m *Matcher) compiledRegex(pattern string) *regexp.Regexp {
	m.mu.RLock()
	re, ok := m.regexCache[pattern]
	m.mu.RUnlock()
	if ok {
		return re
	}
	compiled, err := regexp.Compile(pattern)
	if err != nil {
		return nil
	}
	m.mu.Lock()
	m.regexCache[pattern] = compiled
	m.mu.Unlock()
	return compiled
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

func containsTier(list []reqctx.Tier, v reqctx.Tier) bool {
	for _, t := range list {
		if t == v {
			return true
		}
	}
	return false
}

func anyCIDRMatch(patterns []string, ip string) bool {
	for _, p := range patterns {
		if cidrMatch(p, ip) {
			return true
		}
	}
	return false
}

func anyGlobMatch(patterns []string, v string) bool {
	for _, p := range patterns {
		if globMatch(p, v) {
			return true
		}
	}
	return false
}
