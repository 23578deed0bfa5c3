// Package sitemap resolves a site's sitemap.xml, recursing through sitemap
// indexes, and is read-only and side-effect-free beyond the HTTP GET it
// issues: it never raises to its caller (spec.md §4.B).
//
// Stdlib justification: no example repo in the retrieval pack imports a
// third-party XML or sitemap parser (the pack's parsing libraries —
// goquery, html-to-markdown — are HTML-only). encoding/xml is used directly;
// it never resolves DOCTYPE/entity declarations, so the classic
// billion-laughs/XXE attack surface that a DTD-aware parser would need
// hardening against simply does not exist here.
package sitemap

import (
	"encoding/xml"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	requestBudget = 15 * time.Second
	maxRecursion  = 3
)

type urlset struct {
	XMLName xml.Name `xml:"urlset"`
	URLs    []struct {
		Loc string `xml:"loc"`
	} `xml:"url"`
}

type sitemapIndex struct {
	XMLName  xml.Name `xml:"sitemapindex"`
	Sitemaps []struct {
		Loc string `xml:"loc"`
	} `xml:"sitemap"`
}

// client is shared across calls; Go's http.Client follows redirects by
// default and enforces the per-request budget through its Timeout field.
var client = &http.Client{Timeout: requestBudget}

// Fetch resolves baseURL's sitemap.xml, recursively following sitemapindex
// documents up to maxRecursion deep, and returns every discovered URL whose
// host matches baseURL's, deduplicated. Any failure — non-200, timeout,
// connect error, invalid XML, unknown root element, empty body — yields an
// empty slice rather than an error.
func Fetch(baseURL string) []string {
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Host == "" {
		return nil
	}

	origin := parsed.Scheme + "://" + parsed.Host
	seen := make(map[string]struct{})
	resolve(origin+"/sitemap.xml", parsed.Host, 0, seen)

	urls := make([]string, 0, len(seen))
	for u := range seen {
		urls = append(urls, u)
	}
	return urls
}

func resolve(sitemapURL, host string, depth int, seen map[string]struct{}) {
	if depth > maxRecursion {
		return
	}

	body, ok := get(sitemapURL)
	if !ok || len(body) == 0 {
		return
	}

	// Try urlset first, then sitemapindex; an XML document can only satisfy
	// one root element so a failed decode into one leaves the bytes intact
	// for the other.
	var set urlset
	if err := xml.Unmarshal(body, &set); err == nil && set.XMLName.Local == "urlset" {
		for _, u := range set.URLs {
			if sameHost(u.Loc, host) {
				seen[u.Loc] = struct{}{}
			}
		}
		return
	}

	var index sitemapIndex
	if err := xml.Unmarshal(body, &index); err == nil && index.XMLName.Local == "sitemapindex" {
		for _, child := range index.Sitemaps {
			if child.Loc == "" {
				continue
			}
			resolve(child.Loc, host, depth+1, seen)
		}
		return
	}
	// Unknown root element: return nothing for this branch.
}

func get(target string) ([]byte, bool) {
	req, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		return nil, false
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, false
	}
	return body, true
}

func sameHost(rawURL, host string) bool {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return false
	}
	return u.Host == host
}
