package rules

import (
	"strings"

	"github.com/aegis-gateway/aegis/internal/reqctx"
)

// KeyStrategy names a limiter identifier strategy.
type KeyStrategy string

const (
	KeyIP           KeyStrategy = "ip"
	KeyUser         KeyStrategy = "user"
	KeyAPIKey       KeyStrategy = "api-key"
	KeyIPEndpoint   KeyStrategy = "ip-endpoint"
	KeyUserEndpoint KeyStrategy = "user-endpoint"
	KeyComposite    KeyStrategy = "composite"

	DefaultKeyStrategy = KeyComposite
)

// BuildKey derives the limiter identifier for ctx under strategy, then
// prefixes the matched rule's id (if any) so rule-scoped counters stay
// isolated from global ones.
func BuildKey(strategy KeyStrategy, ctx reqctx.Context, rule *Rule) string {
	var key string
	switch strategy {
	case KeyIP:
		key = ctx.IP
	case KeyUser:
		key = firstNonEmpty(ctx.UserID, ctx.IP)
	case KeyAPIKey:
		key = firstNonEmpty(ctx.APIKey, ctx.IP)
	case KeyIPEndpoint:
		key = ctx.IP + ":" + ctx.Path
	case KeyUserEndpoint:
		key = firstNonEmpty(ctx.UserID, ctx.IP) + ":" + ctx.Path
	default:
		key = compositeKey(ctx)
	}

	if rule != nil && rule.ID != "" {
		return rule.ID + ":" + key
	}
	return key
}

// compositeKey combines user-or-ip, the first 8 characters of the API
// key (if any), and tier. This is the default strategy.
func compositeKey(ctx reqctx.Context) string {
	var b strings.Builder
	b.WriteString(firstNonEmpty(ctx.UserID, ctx.IP))
	if ctx.APIKey != "" {
		b.WriteString(":")
		b.WriteString(truncate(ctx.APIKey, 8))
	}
	b.WriteString(":")
	b.WriteString(string(ctx.EffectiveTier()))
	return b.String()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
