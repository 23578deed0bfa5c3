// Package crawler wraps a headless-browser singleton behind the
// fetch(url, config) → result contract spec.md §1 leaves as an external
// collaborator — given a real body here, grounded on ternarybob-quaero's
// internal/services/crawler/chromedp_pool.go (allocator/browser context
// lifecycle, startup smoke test) and internal/queue/workers/crawler_worker.go
// (stealth flags, user agent, navigate-then-extract sequence, console log
// event routing). The pool's round-robin multi-instance design collapses to
// a single long-lived browser context, matching spec.md §3's "process-wide
// singleton" lifecycle — messageloop/app own restart-on-crash, not this
// package.
package crawler

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	cdplog "github.com/chromedp/cdproto/log"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// LinkInfo mirrors the subset of a crawl result's internal-link structure
// the web handler absorbs alongside regex-discovered links.
type LinkInfo struct {
	Href string
}

// Links groups the structured link list a fetch can surface in addition to
// markdown-embedded links.
type Links struct {
	Internal []LinkInfo
}

// Config is passed per call, per spec.md §4.D: cache/robots/external-link
// knobs plus the markdown generator selection (Filter nil ⇒ default
// generator, no LLM). Fetch reads only Filter and ExcludeExternalLinks;
// CacheEnabled, CheckRobotsTxt and PageTimeoutMS are not read here (no cache
// is kept and robots.txt is not fetched), and the page deadline comes from
// the caller's context.
type Config struct {
	CacheEnabled         bool
	ExcludeExternalLinks bool
	CheckRobotsTxt       bool
	PageTimeoutMS        int
	Filter               ContentFilter
}

// ContentFilter cleans raw markdown into "fit" markdown. internal/llmfilter
// implements this structurally; crawler never imports it directly, keeping
// the dependency one-directional (llmfilter -> nothing, webhandler ->
// llmfilter + crawler).
type ContentFilter interface {
	Filter(ctx context.Context, rawMarkdown string) (string, error)
}

// Result is the crawl outcome: either Success with raw/fit markdown and
// links, or a failure with ErrorMessage set for the caller to classify.
type Result struct {
	Success      bool
	ErrorMessage string
	RawMarkdown  string
	FitMarkdown  string
	Links        Links
}

// Browser is the process-wide headless-browser singleton.
type Browser struct {
	logger arbor.ILogger

	mu             sync.Mutex
	allocatorCtx   context.Context
	allocatorClose context.CancelFunc
	browserCtx     context.Context
	browserClose   context.CancelFunc
	started        bool
}

// New constructs an unstarted Browser; call Start before Fetch.
func New(logger arbor.ILogger) *Browser {
	return &Browser{logger: logger}
}

// Start launches the headless browser and smoke-tests it with a blank
// navigation, matching the teacher pool's startup test.
func (b *Browser) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return fmt.Errorf("crawler: browser already started")
	}

	allocatorOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.UserAgent(userAgent),
	)

	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), allocatorOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx,
		chromedp.WithLogf(func(format string, args ...interface{}) { b.logger.Debug().Msgf(format, args...) }),
		chromedp.WithErrorf(func(format string, args ...interface{}) { b.logger.Warn().Msgf(format, args...) }),
	)

	testCtx, testCancel := context.WithTimeout(browserCtx, 30*time.Second)
	defer testCancel()
	if err := chromedp.Run(testCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocatorCancel()
		return fmt.Errorf("crawler: browser failed startup test: %w", err)
	}

	chromedp.ListenTarget(browserCtx, func(ev interface{}) {
		if entry, ok := ev.(*cdplog.EventEntryAdded); ok {
			b.logger.Trace().Str("source", entry.Entry.Source.String()).Msg(entry.Entry.Text)
		}
	})

	b.allocatorCtx, b.allocatorClose = allocatorCtx, allocatorCancel
	b.browserCtx, b.browserClose = browserCtx, browserCancel
	b.started = true
	return nil
}

// Close tears down the browser. Best-effort: callers never need to check
// its error, matching spec.md §4.F's "all close operations are best-effort".
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		return nil
	}
	if b.browserClose != nil {
		b.browserClose()
	}
	if b.allocatorClose != nil {
		b.allocatorClose()
	}
	b.started = false
	return nil
}

var linkPattern = regexp.MustCompile(`\[[^\]]*\]\(([^)]*)\)`)

// Fetch navigates to target and extracts markdown content and links. A
// non-nil error is reserved for caller-context cancellation; every other
// failure (navigation, empty page, context already closed) is reported via
// Result.Success=false/ErrorMessage, matching the external fetch() contract
// spec.md §1 defers to.
func (b *Browser) Fetch(ctx context.Context, target string, cfg Config) (*Result, error) {
	b.mu.Lock()
	started := b.started
	browserCtx := b.browserCtx
	b.mu.Unlock()

	if !started {
		return &Result{Success: false, ErrorMessage: "browser not started"}, nil
	}

	if err := browserCtx.Err(); err != nil {
		return &Result{Success: false, ErrorMessage: fmt.Sprintf("browser context closed: %v", err)}, nil
	}

	runCtx, cancel := context.WithCancel(browserCtx)
	defer cancel()

	done := make(chan struct{})
	var htmlContent string
	var runErr error

	go func() {
		defer close(done)
		runErr = chromedp.Run(runCtx,
			chromedp.Navigate(target),
			chromedp.Sleep(500*time.Millisecond),
			chromedp.OuterHTML("html", &htmlContent),
		)
	}()

	select {
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	case <-done:
	}

	if runErr != nil {
		return &Result{Success: false, ErrorMessage: runErr.Error()}, nil
	}
	if strings.TrimSpace(htmlContent) == "" {
		return &Result{Success: false, ErrorMessage: "empty page content"}, nil
	}

	rawMarkdown, err := htmlToMarkdown(htmlContent, target)
	if err != nil {
		return &Result{Success: false, ErrorMessage: err.Error()}, nil
	}

	result := &Result{
		Success:     true,
		RawMarkdown: rawMarkdown,
		Links:       extractInternalLinks(rawMarkdown, target, cfg.ExcludeExternalLinks),
	}

	if cfg.Filter != nil {
		if fit, err := cfg.Filter.Filter(ctx, rawMarkdown); err == nil {
			result.FitMarkdown = fit
		} else {
			b.logger.Warn().Err(err).Str("url", target).Msg("content filter failed, falling back to raw markdown")
		}
	}

	return result, nil
}

func htmlToMarkdown(html, baseURL string) (string, error) {
	converter := md.NewConverter(baseURL, true, nil)
	converted, err := converter.ConvertString(html)
	if err != nil {
		return "", fmt.Errorf("crawler: markdown conversion failed: %w", err)
	}
	return converted, nil
}

func extractInternalLinks(rawMarkdown, requestURL string, excludeExternal bool) Links {
	base, err := url.Parse(requestURL)
	if err != nil {
		return Links{}
	}

	seen := make(map[string]struct{})
	var links []LinkInfo
	for _, m := range linkPattern.FindAllStringSubmatch(rawMarkdown, -1) {
		resolved, ok := resolveAgainst(base, m[1])
		if !ok {
			continue
		}
		// Link discovery always restricts to the request URL's own host
		// (spec.md §4.D), whatever excludeExternal says; the flag has no
		// further effect, since the crawler follows no links itself.
		if resolved.Host != base.Host {
			continue
		}
		href := resolved.String()
		if _, dup := seen[href]; dup {
			continue
		}
		seen[href] = struct{}{}
		links = append(links, LinkInfo{Href: href})
	}
	return Links{Internal: links}
}

func resolveAgainst(base *url.URL, ref string) (*url.URL, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, false
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return nil, false
	}
	return base.ResolveReference(parsed), true
}
