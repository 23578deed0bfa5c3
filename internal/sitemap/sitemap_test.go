package sitemap

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchURLSet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sitemap.xml" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/xml")
		w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>` + "http://" + r.Host + `/a</loc></url>
  <url><loc>` + "http://" + r.Host + `/b</loc></url>
</urlset>`))
	}))
	defer srv.Close()

	urls := Fetch(srv.URL)
	assert.Len(t, urls, 2)
	for _, u := range urls {
		assert.True(t, strings.HasPrefix(u, srv.URL))
	}
}

func TestFetchSitemapIndexRecurses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sitemap.xml":
			w.Write([]byte(`<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>http://` + r.Host + `/child.xml</loc></sitemap>
</sitemapindex>`))
		case "/child.xml":
			w.Write([]byte(`<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>http://` + r.Host + `/c</loc></url>
</urlset>`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	urls := Fetch(srv.URL)
	require.Len(t, urls, 1)
	assert.Equal(t, srv.URL+"/c", urls[0])
}

func TestFetchFiltersOffDomainURLs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>http://` + r.Host + `/ours</loc></url>
  <url><loc>http://evil.example.com/theirs</loc></url>
</urlset>`))
	}))
	defer srv.Close()

	urls := Fetch(srv.URL)
	require.Len(t, urls, 1)
	assert.Equal(t, srv.URL+"/ours", urls[0])
}

func TestFetchReturnsEmptyOn404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	assert.Empty(t, Fetch(srv.URL))
}

func TestFetchReturnsEmptyOnMalformedXML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not xml at all`))
	}))
	defer srv.Close()

	assert.Empty(t, Fetch(srv.URL))
}

func TestFetchReturnsEmptyOnUnknownRootElement(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<?xml version="1.0"?><rss><channel></channel></rss>`))
	}))
	defer srv.Close()

	assert.Empty(t, Fetch(srv.URL))
}

func TestFetchReturnsEmptyOnInvalidBaseURL(t *testing.T) {
	assert.Empty(t, Fetch("::not-a-url::"))
	assert.Empty(t, Fetch(""))
}

// TestFetchBoundsRecursionDepth exercises the recursion-depth invariant
// (spec.md §8 invariant #9): a chain of sitemap indexes longer than
// maxRecursion terminates instead of looping forever, even when the chain
// never reaches a urlset.
func TestFetchBoundsRecursionDepth(t *testing.T) {
	var mux http.ServeMux
	srv := httptest.NewServer(&mux)
	defer srv.Close()

	// Build a chain deeper than maxRecursion, each level pointing at the next.
	depth := maxRecursion + 5
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>` + srv.URL + `/level-1.xml</loc></sitemap>
</sitemapindex>`))
	})
	for i := 1; i <= depth; i++ {
		i := i
		mux.HandleFunc("/level-"+itoa(i)+".xml", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>` + srv.URL + `/level-` + itoa(i+1) + `.xml</loc></sitemap>
</sitemapindex>`))
		})
	}

	// Must return (not hang) and, since no branch ever reaches a urlset
	// within the depth bound, yield no URLs.
	urls := Fetch(srv.URL)
	assert.Empty(t, urls)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	pos := len(buf)
	for n > 0 {
		pos--
		buf[pos] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}
