// Package convert implements the document-conversion engine spec.md leaves
// as an external collaborator (`convert(path) → (markdown, metadata)`):
// here it is given a real, concrete body rather than left as a stub, since
// supplementing a collaborator's internals is not excluded by spec.md's
// Non-goals (those name only fleet scheduling, persistence, dedup,
// auth, and a GUI).
//
// PDF extraction is grounded on ternarybob-quaero's
// internal/services/pdf/extractor.go (pdfcpu content extraction via a temp
// file, page-numbered fragment reassembly). HTML extraction reuses
// ternarybob-quaero's internal/services/transform/service.go
// (html-to-markdown with regex-strip fallback), with goquery added for
// title discovery — goquery already appears in the teacher's go.mod for the
// same purpose in its link extractor.
package convert

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Metadata is the already-unwrapped metadata bag: every field here is a
// plain typed value, so the "callable metadata fields MUST be invoked
// before use" rule (spec.md §4.C) collapses to a direct field read — there
// is nothing left to invoke.
type Metadata struct {
	Title     string
	Author    string
	CreatedAt string
	Pages     int
	Language  string
}

// defaultMetadata is the fallback spec.md §4.C prescribes when metadata
// extraction itself fails: title from the basename, everything else zero.
func defaultMetadata(path string) Metadata {
	return Metadata{
		Title:    filepath.Base(path),
		Language: "en",
	}
}

// Convert dispatches on path's extension and returns markdown content plus
// metadata. It never panics; extraction failures degrade to defaultMetadata
// rather than propagating, matching the "any metadata-extraction exception
// falls back" rule — only a hard read/parse failure of the document itself
// is returned as an error, for the caller (internal/filehandler) to map
// through the taxonomy.
func Convert(path string) (string, Metadata, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return convertPDF(path)
	case ".html", ".htm":
		return convertHTML(path)
	default:
		return convertPlain(path)
	}
}

func convertPlain(path string) (string, Metadata, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", Metadata{}, fmt.Errorf("convert: read %s: %w", path, err)
	}
	return string(content), defaultMetadata(path), nil
}

func convertHTML(path string) (string, Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", Metadata{}, fmt.Errorf("convert: read %s: %w", path, err)
	}

	meta := defaultMetadata(path)
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(raw))); err == nil {
		if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
			meta.Title = title
		}
		if author, ok := doc.Find(`meta[name="author"]`).First().Attr("content"); ok && strings.TrimSpace(author) != "" {
			meta.Author = strings.TrimSpace(author)
		}
	}

	converter := md.NewConverter("", true, nil)
	converted, err := converter.ConvertString(string(raw))
	if err != nil || strings.TrimSpace(converted) == "" {
		return stripHTMLTags(string(raw)), meta, nil
	}
	return converted, meta, nil
}

func convertPDF(path string) (string, Metadata, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", Metadata{}, fmt.Errorf("convert: stat %s: %w", path, err)
	}

	pdfCtx, err := api.ReadContextFile(path)
	if err != nil {
		return "", Metadata{}, fmt.Errorf("convert: read pdf context: %w", err)
	}

	meta := Metadata{
		Title:    filepath.Base(path),
		Language: "en",
		Pages:    pdfCtx.PageCount,
	}
	if pdfCtx.Encrypt != nil {
		return "", meta, fmt.Errorf("convert: document is encrypted")
	}

	outDir, err := os.MkdirTemp("", "ingestion-convert-*")
	if err != nil {
		return "", meta, fmt.Errorf("convert: temp dir: %w", err)
	}
	defer os.RemoveAll(outDir)

	conf := model.NewDefaultConfiguration()
	if err := api.ExtractContentFile(path, outDir, nil, conf); err != nil {
		// Page-less text extraction is not a hard error: fall back to an
		// empty body, which the caller classifies as EMPTY.
		_ = info
		return "", meta, nil
	}

	files, err := os.ReadDir(outDir)
	if err != nil {
		return "", meta, fmt.Errorf("convert: read extracted content: %w", err)
	}

	pageTexts := make(map[int]string)
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		var pageNum int
		if _, err := fmt.Sscanf(f.Name(), "Content_page_%d", &pageNum); err != nil {
			continue
		}
		content, err := os.ReadFile(filepath.Join(outDir, f.Name()))
		if err != nil {
			continue
		}
		pageTexts[pageNum] = string(content)
	}

	var builder strings.Builder
	for pageNum := 1; pageNum <= pdfCtx.PageCount; pageNum++ {
		text, ok := pageTexts[pageNum]
		if !ok {
			continue
		}
		if builder.Len() > 0 {
			builder.WriteString("\n\n")
		}
		builder.WriteString(text)
	}

	return builder.String(), meta, nil
}

var (
	htmlTagPattern   = regexp.MustCompile(`<[^>]*>`)
	htmlSpacePattern = regexp.MustCompile(`\s+`)
)

// stripHTMLTags is the fallback used when html-to-markdown conversion fails
// or produces an empty body.
func stripHTMLTags(htmlStr string) string {
	stripped := htmlTagPattern.ReplaceAllString(htmlStr, "")
	cleaned := htmlSpacePattern.ReplaceAllString(stripped, " ")

	cleaned = strings.ReplaceAll(cleaned, "&amp;", "&")
	cleaned = strings.ReplaceAll(cleaned, "&lt;", "<")
	cleaned = strings.ReplaceAll(cleaned, "&gt;", ">")
	cleaned = strings.ReplaceAll(cleaned, "&quot;", "\"")
	cleaned = strings.ReplaceAll(cleaned, "&#39;", "'")
	cleaned = strings.ReplaceAll(cleaned, "&nbsp;", " ")

	return strings.TrimSpace(cleaned)
}
