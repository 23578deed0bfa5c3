// Package webhandler implements spec.md §4.D: the web task handler —
// LLM-bypass decision, per-attempt outer deadline, retry with backoff,
// content/link extraction, and sitemap merging at the root path.
//
// Grounded on ternarybob-quaero's internal/services/crawler/retry.go for
// the attempt-count/backoff shape, adapted to the taxonomy-driven
// transient/terminal split spec.md §4.D defines rather than the teacher's
// generic retry predicate.
package webhandler

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ingestion-worker/internal/crawler"
	"github.com/ternarybob/ingestion-worker/internal/llmfilter"
	"github.com/ternarybob/ingestion-worker/internal/models"
	"github.com/ternarybob/ingestion-worker/internal/sitemap"
	"github.com/ternarybob/ingestion-worker/internal/taxonomy"
)

const (
	maxAttempts       = 3
	initialBackoffS   = 2
	outerDeadlinePadS = 5 * time.Second
)

var titlePattern = regexp.MustCompile(`(?m)^# (.+)$`)

// Handler holds the collaborators the web task needs per call.
type Handler struct {
	Browser          *crawler.Browser
	CircuitBreaker   *llmfilter.CircuitBreaker
	PageTimeoutMS    int
	Logger           arbor.ILogger
	// DefaultGeminiAPIKey is the env-loaded fallback credential (spec.md §6's
	// GEMINI_API_KEY) used when a task carries none of its own — the task-level
	// key, when present, always overrides it.
	DefaultGeminiAPIKey string

	// newFilter is overridable in tests; defaults to llmfilter.New.
	newFilter func(ctx context.Context, apiKey string, logger arbor.ILogger) (crawler.ContentFilter, error)
	// fetchSitemap is overridable in tests; defaults to sitemap.Fetch.
	fetchSitemap func(baseURL string) []string
}

// New builds a Handler wired to real collaborators. defaultGeminiAPIKey is
// the worker's configured fallback credential, used when a task arrives
// without its own key.
func New(browser *crawler.Browser, cb *llmfilter.CircuitBreaker, pageTimeoutMS int, logger arbor.ILogger, defaultGeminiAPIKey string) *Handler {
	return &Handler{
		Browser:             browser,
		CircuitBreaker:      cb,
		PageTimeoutMS:       pageTimeoutMS,
		Logger:              logger,
		DefaultGeminiAPIKey: defaultGeminiAPIKey,
		newFilter: func(ctx context.Context, apiKey string, logger arbor.ILogger) (crawler.ContentFilter, error) {
			return llmfilter.New(ctx, apiKey, logger)
		},
		fetchSitemap: sitemap.Fetch,
	}
}

// Handle runs the full web-task pipeline for targetURL and returns one
// ContentRecord, per spec.md §4.D. geminiAPIKey is the task-level credential;
// buildCrawlerConfig falls back to the Handler's DefaultGeminiAPIKey when
// it's empty.
func (h *Handler) Handle(ctx context.Context, targetURL, geminiAPIKey string) ([]models.ContentRecord, *taxonomy.Error) {
	cfg := h.buildCrawlerConfig(ctx, targetURL, geminiAPIKey)

	result, llmWasUsed, terr := h.retryCrawl(ctx, targetURL, cfg)
	if terr != nil {
		return nil, terr
	}

	if llmWasUsed {
		h.CircuitBreaker.RecordOutcome(result.FitMarkdown)
	}

	content := strings.TrimSpace(result.FitMarkdown)
	if content == "" {
		content = result.RawMarkdown
	}
	if strings.TrimSpace(content) == "" {
		return nil, taxonomy.New(taxonomy.Empty, "no content extracted")
	}

	links := collectLinks(result, targetURL)
	if shouldMergeSitemap(targetURL) {
		h.mergeSitemap(targetURL, &links)
	}

	record := models.ContentRecord{
		URL:      targetURL,
		Path:     breadcrumbPath(targetURL),
		Title:    extractTitle(result.RawMarkdown),
		Content:  content,
		Links:    links,
		Metadata: map[string]any{},
	}
	return []models.ContentRecord{record}, nil
}

// buildCrawlerConfig resolves the effective Gemini API key — the task-level
// key if set, else the Handler's DefaultGeminiAPIKey — and decides whether
// the LLM content filter should be attached.
func (h *Handler) buildCrawlerConfig(ctx context.Context, targetURL, geminiAPIKey string) crawler.Config {
	cfg := crawler.Config{
		CacheEnabled:         true,
		ExcludeExternalLinks: true,
		CheckRobotsTxt:       true,
		PageTimeoutMS:        h.PageTimeoutMS,
	}

	if geminiAPIKey == "" {
		geminiAPIKey = h.DefaultGeminiAPIKey
	}

	if bypassLLM(targetURL) || h.CircuitBreaker.Open() || geminiAPIKey == "" {
		return cfg
	}

	filter, err := h.newFilter(ctx, geminiAPIKey, h.Logger)
	if err != nil {
		h.Logger.Warn().Err(err).Msg("failed to construct content filter, falling back to default generator")
		return cfg
	}
	cfg.Filter = filter
	return cfg
}

func bypassLLM(targetURL string) bool {
	return strings.HasSuffix(targetURL, ".txt") || strings.HasSuffix(targetURL, "llms.txt")
}

// retryCrawl runs the per-attempt protocol up to maxAttempts times,
// returning the result of the first success or the last transient error.
func (h *Handler) retryCrawl(ctx context.Context, targetURL string, cfg crawler.Config) (*crawler.Result, bool, *taxonomy.Error) {
	llmWasUsed := cfg.Filter != nil
	var lastErr *taxonomy.Error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, terr := h.crawlSingle(ctx, targetURL, cfg)
		if terr == nil {
			return result, llmWasUsed, nil
		}

		if terr.Kind.IsTerminal() {
			return nil, llmWasUsed, terr
		}
		lastErr = terr

		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return nil, llmWasUsed, taxonomy.New(taxonomy.CrawlTimeout, ctx.Err().Error())
			case <-time.After(time.Duration(initialBackoffS*(1<<(attempt-1))) * time.Second):
			}
		}
	}
	return nil, llmWasUsed, lastErr
}

// crawlSingle is the per-attempt protocol (_crawl_single): invoke fetch with
// an outer deadline, classify failure, return.
func (h *Handler) crawlSingle(ctx context.Context, targetURL string, cfg crawler.Config) (*crawler.Result, *taxonomy.Error) {
	deadline := time.Duration(cfg.PageTimeoutMS)*time.Millisecond + outerDeadlinePadS
	attemptCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	result, err := h.Browser.Fetch(attemptCtx, targetURL, cfg)
	if err != nil {
		if attemptCtx.Err() != nil {
			return nil, taxonomy.New(taxonomy.CrawlTimeout, "crawl deadline exceeded")
		}
		return nil, taxonomy.Classify(err.Error())
	}

	if !result.Success {
		return nil, taxonomy.Classify(result.ErrorMessage)
	}
	return result, nil
}

func collectLinks(result *crawler.Result, targetURL string) []string {
	seen := make(map[string]struct{})
	var links []string

	add := func(href string) {
		if href == "" {
			return
		}
		if _, dup := seen[href]; dup {
			return
		}
		seen[href] = struct{}{}
		links = append(links, href)
	}

	for _, l := range result.Links.Internal {
		add(l.Href)
	}
	return links
}

func extractTitle(rawMarkdown string) string {
	m := titlePattern.FindStringSubmatch(rawMarkdown)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

func breadcrumbPath(targetURL string) string {
	trimmed := strings.Trim(targetURL, "/")
	idx := strings.Index(trimmed, "://")
	if idx >= 0 {
		trimmed = trimmed[idx+3:]
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) > 0 {
		parts = parts[1:] // drop the host segment
	}

	var segments []string
	for _, p := range parts {
		if p != "" {
			segments = append(segments, p)
		}
	}
	return strings.Join(segments, " > ")
}

func shouldMergeSitemap(targetURL string) bool {
	idx := strings.Index(targetURL, "://")
	if idx < 0 {
		return false
	}
	rest := targetURL[idx+3:]
	slash := strings.Index(rest, "/")
	if slash < 0 {
		return true // no path at all
	}
	path := rest[slash:]
	return path == "" || path == "/"
}

func (h *Handler) mergeSitemap(targetURL string, links *[]string) {
	defer func() {
		if r := recover(); r != nil {
			h.Logger.Warn().Msgf("sitemap merge panicked: %v", r)
		}
	}()

	discovered := h.fetchSitemap(targetURL)
	if len(discovered) == 0 {
		return
	}

	seen := make(map[string]struct{}, len(*links))
	for _, l := range *links {
		seen[l] = struct{}{}
	}
	for _, u := range discovered {
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		*links = append(*links, u)
	}
}
