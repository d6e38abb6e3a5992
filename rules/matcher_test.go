package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-gateway/aegis/internal/reqctx"
)

func TestMatcherPrecedence(t *testing.T) {
	// A:/api/** prio=10, B:/api/v1/users prio=1. /api/v1/users picks B
	// (higher score); /api/v2/other picks A.
	a := Rule{ID: "A", Enabled: true, Priority: 10, Match: Match{Endpoint: "/api/**", EndpointMatchType: MatchGlob}}
	b := Rule{ID: "B", Enabled: true, Priority: 1, Match: Match{Endpoint: "/api/v1/users", EndpointMatchType: MatchExact}}

	m := NewMatcher([]Rule{a, b})

	got, ok := m.Match(reqctx.Context{Path: "/api/v1/users"})
	require.True(t, ok)
	assert.Equal(t, "B", got.ID)

	got, ok = m.Match(reqctx.Context{Path: "/api/v2/other"})
	require.True(t, ok)
	assert.Equal(t, "A", got.ID)
}

func TestMatcherCatchAll(t *testing.T) {
	catchAll := Rule{ID: "catch", Enabled: true, Priority: 0}
	m := NewMatcher([]Rule{catchAll})

	got, ok := m.Match(reqctx.Context{Path: "/anything"})
	require.True(t, ok)
	assert.Equal(t, "catch", got.ID)
}

func TestMatcherShortCircuitsOnNonMatchingPredicate(t *testing.T) {
	r := Rule{
		ID: "methods-only", Enabled: true, Priority: 5,
		Match: Match{Endpoint: "/api/*", EndpointMatchType: MatchGlob, Methods: []string{"POST"}},
	}
	m := NewMatcher([]Rule{r})

	_, ok := m.Match(reqctx.Context{Path: "/api/widgets", Method: "GET"})
	assert.False(t, ok)

	got, ok := m.Match(reqctx.Context{Path: "/api/widgets", Method: "POST"})
	require.True(t, ok)
	assert.Equal(t, "methods-only", got.ID)
}

func TestGlobMatch(t *testing.T) {
	assert.True(t, globMatch("/api/*", "/api/widgets"))
	assert.False(t, globMatch("/api/*", "/api/widgets/extra"))
	assert.True(t, globMatch("/api/**", "/api/widgets/extra"))
	assert.True(t, globMatch("/api/w?dgets", "/api/widgets"))
}

func TestCIDRBypass(t *testing.T) {
	checker := NewBypassChecker(Bypass{IPWhitelist: []string{"10.0.0.0/8"}})

	d := checker.Check(reqctx.Context{IP: "10.1.2.3"})
	assert.True(t, d.Bypass)
	assert.Equal(t, "ip_whitelist", d.Reason)

	d = checker.Check(reqctx.Context{IP: "11.1.2.3"})
	assert.False(t, d.Bypass)
}

func TestBypassPrecedenceOrder(t *testing.T) {
	checker := NewBypassChecker(Bypass{
		InternalRangesEnabled: true,
		UserIDWhitelist:       []string{"u1"},
		PathWhitelist:         []string{"/health"},
	})

	// internal range wins over userId whitelist when both could apply.
	d := checker.Check(reqctx.Context{IP: "127.0.0.1", UserID: "u1"})
	assert.Equal(t, "internal_range", d.Reason)

	d = checker.Check(reqctx.Context{IP: "8.8.8.8", UserID: "u1"})
	assert.Equal(t, "user_whitelist", d.Reason)

	d = checker.Check(reqctx.Context{IP: "8.8.8.8", Path: "/health"})
	assert.Equal(t, "path_whitelist", d.Reason)
}

func TestBuildKeyComposite(t *testing.T) {
	ctx := reqctx.Context{UserID: "user-42", APIKey: "abcdefghij", Tier: reqctx.TierPro}
	key := BuildKey(KeyComposite, ctx, nil)
	assert.Equal(t, "user-42:abcdefgh:pro", key)
}

func TestBuildKeyFallsBackToIP(t *testing.T) {
	ctx := reqctx.Context{IP: "1.2.3.4"}
	assert.Equal(t, "1.2.3.4", BuildKey(KeyUser, ctx, nil))
	assert.Equal(t, "1.2.3.4", BuildKey(KeyAPIKey, ctx, nil))
}

func TestBuildKeyRulePrefix(t *testing.T) {
	ctx := reqctx.Context{IP: "1.2.3.4"}
	r := &Rule{ID: "rule-1"}
	assert.Equal(t, "rule-1:1.2.3.4", BuildKey(KeyIP, ctx, r))
}
