package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterSpecificityExactBeforeGlob(t *testing.T) {
	r := New([]Backend{
		{Name: "catalog", Routes: []string{"/api/v1/**"}},
		{Name: "users", Routes: []string{"/api/v1/users"}},
	})

	m, ok := r.Match("/api/v1/users")
	require.True(t, ok)
	assert.Equal(t, "users", m.Backend)

	m, ok = r.Match("/api/v1/orders")
	require.True(t, ok)
	assert.Equal(t, "catalog", m.Backend)
}

func TestRouterSingleWildcardBeforeDoubleWildcard(t *testing.T) {
	r := New([]Backend{
		{Name: "deep", Routes: []string{"/api/**"}},
		{Name: "shallow", Routes: []string{"/api/*"}},
	})

	m, ok := r.Match("/api/widgets")
	require.True(t, ok)
	assert.Equal(t, "shallow", m.Backend)

	m, ok = r.Match("/api/widgets/123/reviews")
	require.True(t, ok)
	assert.Equal(t, "deep", m.Backend)
}

func TestRouterLongerLiteralPrefixWins(t *testing.T) {
	r := New([]Backend{
		{Name: "general", Routes: []string{"/api/*"}},
		{Name: "widgets", Routes: []string{"/api/widgets/*"}},
	})

	m, ok := r.Match("/api/widgets/123")
	require.True(t, ok)
	assert.Equal(t, "widgets", m.Backend)
}

func TestRouterNamedParams(t *testing.T) {
	r := New([]Backend{
		{Name: "users", Routes: []string{"/api/users/:id"}},
	})

	m, ok := r.Match("/api/users/42")
	require.True(t, ok)
	assert.Equal(t, "users", m.Backend)
	assert.Equal(t, map[string]string{"id": "42"}, m.Params)
}

func TestNormalizePathCollapsesAndTrims(t *testing.T) {
	assert.Equal(t, "/api/users", NormalizePath("/api//users/?foo=bar"))
	assert.Equal(t, "/", NormalizePath(""))
	assert.Equal(t, "/api/users", NormalizePath("/api/users/"))
}

func TestRouterNoMatch(t *testing.T) {
	r := New([]Backend{{Name: "users", Routes: []string{"/api/users"}}})
	_, ok := r.Match("/api/orders")
	assert.False(t, ok)
}
