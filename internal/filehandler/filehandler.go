package filehandler

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/ingestion-worker/internal/models"
	"github.com/ternarybob/ingestion-worker/internal/taxonomy"
)

const (
	maxFileSize = 200 * 1 << 20 // 200 MiB
	hardTimeout = 1800 * time.Second
)

// Handle validates path, dispatches conversion to the isolated pool, and
// returns a single-element ContentRecord slice on success — spec.md §4.C.
func Handle(ctx context.Context, pool *Pool, path string) ([]models.ContentRecord, *taxonomy.Error) {
	if terr := preflight(path); terr != nil {
		return nil, terr
	}

	markdown, meta, err := pool.Submit(ctx, path, hardTimeout)
	if err != nil {
		return nil, classifyFileError(err)
	}

	if strings.TrimSpace(markdown) == "" {
		return nil, taxonomy.New(taxonomy.Empty, "converted content is empty")
	}

	record := models.ContentRecord{
		URL:     path,
		Path:    path,
		Title:   meta.Title,
		Content: markdown,
		Links:   []string{},
		Metadata: map[string]any{
			"title":      meta.Title,
			"author":     nonEmptyOrNil(meta.Author),
			"created_at": nonEmptyOrNil(meta.CreatedAt),
			"pages":      meta.Pages,
			"language":   orDefault(meta.Language, "en"),
		},
	}
	return []models.ContentRecord{record}, nil
}

func preflight(path string) *taxonomy.Error {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return taxonomy.New(taxonomy.InvalidFormat, "not found")
	}
	if info.Size() == 0 {
		return taxonomy.New(taxonomy.Empty, "file is empty")
	}
	if info.Size() > maxFileSize {
		return taxonomy.New(taxonomy.InvalidFormat, "file too large: "+strconv.FormatInt(info.Size(), 10)+" bytes")
	}
	return nil
}

// classifyFileError maps a raw conversion failure's lower-cased message to
// the taxonomy, per spec.md §4.C. An unclassified message surfaces as a
// terminal, unexpected failure rather than being silently absorbed.
func classifyFileError(err error) *taxonomy.Error {
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "timeout"):
		return taxonomy.New(taxonomy.Timeout, err.Error())
	case strings.Contains(msg, "password"), strings.Contains(msg, "encrypted"):
		return taxonomy.New(taxonomy.Encrypted, err.Error())
	case strings.Contains(msg, "format"):
		return taxonomy.New(taxonomy.InvalidFormat, err.Error())
	default:
		return taxonomy.New(taxonomy.InvalidFormat, fmt.Sprintf("unexpected conversion failure: %s", err.Error()))
	}
}

func nonEmptyOrNil(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
