package canonical

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalizeNormalizes(t *testing.T) {
	t.Parallel()

	p, err := NewPolicy("https://example.com",
		WithDroppedParams([]string{"utm_source", "utm_campaign"}))
	require.NoError(t, err)

	cases := []struct {
		name string
		raw  string
		base string
		want string
	}{
		{"uppercase host", "HTTPS://EXAMPLE.COM/News", "", "https://example.com/News"},
		{"default https port", "https://example.com:443/a", "", "https://example.com/a"},
		{"default http port", "http://example.com:80/a", "", "http://example.com/a"},
		{"fragment stripped", "https://example.com/a#section", "", "https://example.com/a"},
		{"trailing slash trimmed", "https://example.com/a/b/", "", "https://example.com/a/b"},
		{"root slash kept", "https://example.com/", "", "https://example.com/"},
		{"tracking params dropped", "https://example.com/a?utm_source=x&id=2", "", "https://example.com/a?id=2"},
		{"query sorted", "https://example.com/a?b=2&a=1", "", "https://example.com/a?a=1&b=2"},
		{"relative resolved", "../c", "https://example.com/a/b", "https://example.com/c"},
		{"dot segment resolved", "./d", "https://example.com/a/b", "https://example.com/a/d"},
		{"protocol relative", "//example.com/e", "https://example.com/a", "https://example.com/e"},
		{"fragment only", "#top", "https://example.com/a", "https://example.com/a"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := p.Canonicalize(tc.raw, tc.base)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestCanonicalizeIsIdempotent(t *testing.T) {
	t.Parallel()

	p, err := NewPolicy("https://example.com", WithDroppedParams([]string{"utm_source"}))
	require.NoError(t, err)

	inputs := []string{
		"HTTPS://Example.com:443/a/b/?utm_source=x&z=1&a=2#frag",
		"https://example.com/",
		"http://example.com:80/path/",
	}
	for _, raw := range inputs {
		once, err := p.Canonicalize(raw, "")
		require.NoError(t, err)
		twice, err := p.Canonicalize(once, "")
		require.NoError(t, err)
		require.Equal(t, once, twice)
	}
}

func TestCanonicalizeRejectsNonHTTP(t *testing.T) {
	t.Parallel()

	p, err := NewPolicy("https://example.com")
	require.NoError(t, err)

	for _, raw := range []string{"mailto:a@example.com", "javascript:void(0)", "ftp://example.com/f"} {
		_, err := p.Canonicalize(raw, "https://example.com")
		require.Error(t, err, raw)
	}
}

func TestAcceptScopesToHostAndPatterns(t *testing.T) {
	t.Parallel()

	include := []*regexp.Regexp{regexp.MustCompile(`/news/`)}
	exclude := []*regexp.Regexp{regexp.MustCompile(`/news/archive/`)}
	p, err := NewPolicy("https://example.com", WithPatterns(include, exclude))
	require.NoError(t, err)

	require.True(t, p.Accept("https://example.com/news/today"))
	require.False(t, p.Accept("https://example.com/about"), "include patterns must match")
	require.False(t, p.Accept("https://example.com/news/archive/2020"), "exclude wins")
	require.False(t, p.Accept("https://other.com/news/today"), "external host rejected")
}

func TestAcceptAllowsExternalWhenConfigured(t *testing.T) {
	t.Parallel()

	p, err := NewPolicy("https://example.com", WithExternalHosts())
	require.NoError(t, err)
	require.True(t, p.Accept("https://other.com/page"))
}

func TestCandidate(t *testing.T) {
	t.Parallel()

	p, err := NewPolicy("https://example.com")
	require.NoError(t, err)

	canon, ok := p.Candidate("/a/", "https://example.com/index")
	require.True(t, ok)
	require.Equal(t, "https://example.com/a", canon)

	_, ok = p.Candidate("https://other.com/a", "")
	require.False(t, ok)

	_, ok = p.Candidate("::/bad url", "")
	require.False(t, ok)
}

func TestCompilePatterns(t *testing.T) {
	t.Parallel()

	res, err := CompilePatterns([]string{`/news/`, `\.html$`})
	require.NoError(t, err)
	require.Len(t, res, 2)

	_, err = CompilePatterns([]string{`[`})
	require.Error(t, err)
}
