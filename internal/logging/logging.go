// Package logging configures the process-wide structured logger.
//
// Grounded on ternarybob-quaero's cmd/quaero/main.go console-writer setup:
// one arbor.ILogger, a single console writer, TextOutput toggled by
// environment. Every library logger (the crawler's chromedp debug/error
// callbacks included) is routed through the same writer rather than writing
// to stderr directly.
package logging

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arbor/models"
)

// New builds the process logger. development renders human-readable text;
// otherwise one JSON object per line, matching spec.md §6's ENV switch.
func New(development bool) arbor.ILogger {
	logger := arbor.NewLogger()
	return logger.WithConsoleWriter(models.WriterConfiguration{
		Type:             models.LogWriterTypeConsole,
		TimeFormat:       "2006-01-02T15:04:05.000Z07:00",
		TextOutput:       development,
		DisableTimestamp: false,
	})
}

// gemini_api_key must never reach a log record. Redact returns a shallow
// copy of a decoded task body with that single field replaced by
// "[REDACTED]", for use before
// the message_received log line is emitted.
func Redact(body map[string]any) map[string]any {
	if body == nil {
		return nil
	}
	redacted := make(map[string]any, len(body))
	for k, v := range body {
		if k == "gemini_api_key" {
			redacted[k] = "[REDACTED]"
			continue
		}
		redacted[k] = v
	}
	return redacted
}
