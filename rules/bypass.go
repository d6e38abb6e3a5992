package rules

import "github.com/aegis-gateway/aegis/internal/reqctx"

// Bypass holds the whitelists that let a request skip rate limiting
// entirely; a Decision reports which one matched.
type Bypass struct {
	IPWhitelist           []string
	InternalRangesEnabled bool
	UserIDWhitelist       []string
	APIKeyWhitelist       []string // glob patterns
	PathWhitelist         []string // glob patterns
}

// Decision is the result of a bypass check.
type Decision struct {
	Bypass bool
	Reason string
	Detail string
}

// BypassChecker evaluates whitelists in fixed precedence order: IP,
// then internal range (if enabled), then userId, then apiKey, then path
// glob. The first hit wins.
type BypassChecker struct {
	cfg Bypass
}

// NewBypassChecker builds a checker from static bypass configuration.
func NewBypassChecker(cfg Bypass) *BypassChecker {
	return &BypassChecker{cfg: cfg}
}

// Check returns the first matching bypass reason, if any.
func (b *BypassChecker) Check(ctx reqctx.Context) Decision {
	if anyCIDRMatch(b.cfg.IPWhitelist, ctx.IP) {
		return Decision{Bypass: true, Reason: "ip_whitelist", Detail: ctx.IP}
	}
	if b.cfg.InternalRangesEnabled && IsInternal(ctx.IP) {
		return Decision{Bypass: true, Reason: "internal_range", Detail: ctx.IP}
	}
	if ctx.UserID != "" && contains(b.cfg.UserIDWhitelist, ctx.UserID) {
		return Decision{Bypass: true, Reason: "user_whitelist", Detail: ctx.UserID}
	}
	if ctx.APIKey != "" && anyGlobMatch(b.cfg.APIKeyWhitelist, ctx.APIKey) {
		return Decision{Bypass: true, Reason: "api_key_whitelist", Detail: ctx.APIKey}
	}
	if anyGlobMatch(b.cfg.PathWhitelist, ctx.Path) {
		return Decision{Bypass: true, Reason: "path_whitelist", Detail: ctx.Path}
	}
	return Decision{Bypass: false}
}
