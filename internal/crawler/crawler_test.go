package crawler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchBeforeStartReportsFailureNotError(t *testing.T) {
	b := New(nil)
	result, err := b.Fetch(context.Background(), "http://example.com", Config{})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.ErrorMessage, "not started")
}

func TestExtractInternalLinksFiltersByHost(t *testing.T) {
	raw := "See [about](https://example.com/about) and [external](https://other.com/x) and [rel](/contact)."
	links := extractInternalLinks(raw, "https://example.com/", false)

	hrefs := make([]string, 0, len(links.Internal))
	for _, l := range links.Internal {
		hrefs = append(hrefs, l.Href)
	}
	assert.Contains(t, hrefs, "https://example.com/about")
	assert.Contains(t, hrefs, "https://example.com/contact")
	assert.NotContains(t, hrefs, "https://other.com/x")
}

func TestExtractInternalLinksDeduplicates(t *testing.T) {
	raw := "[a](/x) [b](/x) [c](/x)"
	links := extractInternalLinks(raw, "https://example.com/", false)
	assert.Len(t, links.Internal, 1)
}

func TestExtractInternalLinksIgnoresMalformedBase(t *testing.T) {
	links := extractInternalLinks("[a](/x)", "://bad-url", false)
	assert.Empty(t, links.Internal)
}

type stubFilter struct {
	out string
	err error
}

func (s stubFilter) Filter(ctx context.Context, raw string) (string, error) {
	return s.out, s.err
}

func TestHTMLToMarkdownConverts(t *testing.T) {
	md, err := htmlToMarkdown("<h1>Hi</h1><p>World</p>", "https://example.com")
	require.NoError(t, err)
	assert.Contains(t, md, "Hi")
	assert.Contains(t, md, "World")
}

func TestContentFilterInterfaceSatisfiedByStub(t *testing.T) {
	var cf ContentFilter = stubFilter{out: "cleaned"}
	out, err := cf.Filter(context.Background(), "raw")
	require.NoError(t, err)
	assert.Equal(t, "cleaned", out)
}

func TestContentFilterErrorIsSurfaced(t *testing.T) {
	var cf ContentFilter = stubFilter{err: errors.New("boom")}
	_, err := cf.Filter(context.Background(), "raw")
	assert.Error(t, err)
}
