// Package rules implements rate-limit rule matching, bypass checks, and
// limiter key construction.
package rules

import (
	"time"

	"github.com/aegis-gateway/aegis/internal/reqctx"
)

// EndpointMatchType selects how Match.Endpoint is interpreted.
type EndpointMatchType string

const (
	MatchExact  EndpointMatchType = "exact"
	MatchPrefix EndpointMatchType = "prefix"
	MatchGlob   EndpointMatchType = "glob"
	MatchRegex  EndpointMatchType = "regex"
)

// Match holds the optional predicates a Rule is scored against.
type Match struct {
	Endpoint          string
	EndpointMatchType EndpointMatchType
	Methods           []string
	Tiers             []reqctx.Tier
	UserIDs           []string
	IPs               []string // CIDR or bare IP
	APIKeys           []string // glob patterns
	Headers           map[string]string
}

// RateLimitSpec is the effective limit a matched Rule applies.
type RateLimitSpec struct {
	Algorithm     string
	Requests      int64
	WindowSeconds int64
}

// Rule is a rate-limit rule as described by the data model: at most one is
// selected per request (highest match score, then priority).
type Rule struct {
	ID        string
	Name      string
	Enabled   bool
	Priority  int
	Match     Match
	RateLimit RateLimitSpec
	Cooldown  time.Duration
	CreatedAt time.Time
	UpdatedAt time.Time
}

// isCatchAll reports whether r has no match predicates, making it a
// catch-all with score 1.
func (r Rule) isCatchAll() bool {
	m := r.Match
	return m.Endpoint == "" && len(m.Methods) == 0 && len(m.Tiers) == 0 &&
		len(m.UserIDs) == 0 && len(m.IPs) == 0 && len(m.APIKeys) == 0 && len(m.Headers) == 0
}
