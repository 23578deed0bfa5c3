// Package llmfilter implements the LLM-backed markdown cleaner spec.md §1
// leaves as an external collaborator, backed by Gemini — grounded on
// ternarybob-quaero's internal/services/llm/gemini_service.go (genai client
// construction, temperature via GenerateContentConfig, system-instruction
// wiring, candidate/part text extraction).
package llmfilter

import (
	"context"
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"
	"google.golang.org/genai"
)

const (
	defaultModel = "gemini-2.0-flash"

	// chunkThresholdTokens is spec.md §4.D's 8000-token chunk threshold;
	// charsPerToken is a coarse estimate (no tokenizer dependency appears
	// anywhere in the retrieved pack) used only to decide when to split.
	chunkThresholdTokens = 8000
	charsPerToken        = 4
	chunkThresholdChars  = chunkThresholdTokens * charsPerToken
)

const extractionInstruction = `You clean noisy page markdown for downstream indexing. Preserve code blocks, ` +
	`function/type signatures, configuration examples, and technical prose exactly. Remove navigation menus, ` +
	`legal boilerplate, marketing copy, and cookie-consent banners. Return only the cleaned markdown, no commentary.`

// Filter is the per-call Gemini-backed content cleaner: deterministic
// (temperature 0.0), chunked above chunkThresholdChars.
type Filter struct {
	client *genai.Client
	model  string
	logger arbor.ILogger
}

// New constructs a Filter against apiKey. One Filter is built per call in
// the web handler (spec.md §4.D configures the filter per request, not as a
// process-wide singleton like the crawler/pool).
func New(ctx context.Context, apiKey string, logger arbor.ILogger) (*Filter, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("llmfilter: initialize genai client: %w", err)
	}
	return &Filter{client: client, model: defaultModel, logger: logger}, nil
}

// Filter cleans rawMarkdown, chunking above the token threshold and
// reassembling chunk outputs in order. Implements crawler.ContentFilter.
func (f *Filter) Filter(ctx context.Context, rawMarkdown string) (string, error) {
	if strings.TrimSpace(rawMarkdown) == "" {
		return "", nil
	}

	chunks := chunkText(rawMarkdown, chunkThresholdChars)
	cleaned := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		out, err := f.cleanChunk(ctx, chunk)
		if err != nil {
			return "", fmt.Errorf("llmfilter: chunk %d/%d: %w", i+1, len(chunks), err)
		}
		cleaned = append(cleaned, out)
	}
	return strings.Join(cleaned, "\n\n"), nil
}

func (f *Filter) cleanChunk(ctx context.Context, chunk string) (string, error) {
	config := &genai.GenerateContentConfig{
		Temperature:       genai.Ptr(float32(0.0)),
		SystemInstruction: genai.NewContentFromText(extractionInstruction, genai.RoleUser),
	}

	resp, err := f.client.Models.GenerateContent(ctx, f.model,
		[]*genai.Content{{Role: genai.RoleUser, Parts: []*genai.Part{genai.NewPartFromText(chunk)}}},
		config)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}

	var out strings.Builder
	if resp != nil {
		for _, candidate := range resp.Candidates {
			for _, part := range candidate.Content.Parts {
				if part.Text != "" {
					out.WriteString(part.Text)
				}
			}
			if out.Len() > 0 {
				break
			}
		}
	}
	if out.Len() == 0 {
		return "", fmt.Errorf("no response generated")
	}
	return out.String(), nil
}

// chunkText splits text on paragraph boundaries into chunks of at most
// maxChars. Paragraphs are never split: a single paragraph longer than
// maxChars becomes a chunk of its own that exceeds maxChars.
func chunkText(text string, maxChars int) []string {
	if len(text) <= maxChars {
		return []string{text}
	}

	var chunks []string
	paragraphs := strings.Split(text, "\n\n")
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}

	for _, p := range paragraphs {
		if current.Len()+len(p)+2 > maxChars && current.Len() > 0 {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(p)
	}
	flush()
	return chunks
}
