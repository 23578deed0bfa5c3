// Package models holds the data types that cross component boundaries:
// the task decoded off the broker, the handler output, and the payload
// published back. Grounded on spec.md §3; no teacher file defines an
// equivalent shape, so these are written directly from the data model.
package models

// Task is one decoded ingestion message. Exactly one of URL or Path is set,
// selected by Type.
type Task struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	URL          string `json:"url,omitempty"`
	Path         string `json:"path,omitempty"`
	Depth        int    `json:"depth,omitempty"`
	GeminiAPIKey string `json:"gemini_api_key,omitempty"`
}

// ContentRecord is one handler's output: markdown content, discovered
// links, and a free-form metadata bag (populated for file tasks, empty for
// web tasks).
type ContentRecord struct {
	URL      string
	Path     string
	Title    string
	Content  string
	Links    []string
	Metadata map[string]any
}

// ResultPayload is published to the broker's result topic — one per
// ContentRecord on success, or exactly one on terminal failure.
type ResultPayload struct {
	SourceID      string `json:"source_id"`
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"` // "success" | "failed"

	// Success fields.
	URL      string         `json:"url,omitempty"`
	Path     string         `json:"path,omitempty"`
	Title    string         `json:"title,omitempty"`
	Content  string         `json:"content,omitempty"`
	Links    []string       `json:"links,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Depth    int            `json:"depth,omitempty"`

	// Failure fields.
	Code            string `json:"code,omitempty"`
	Error           string `json:"error,omitempty"`
	OriginalPayload *Task  `json:"original_payload,omitempty"`
}

// Success builds a ResultPayload from one ContentRecord produced for task.
func Success(task Task, record ContentRecord) ResultPayload {
	return ResultPayload{
		SourceID:      task.ID,
		CorrelationID: task.ID,
		Status:        "success",
		URL:           record.URL,
		Path:          record.Path,
		Title:         record.Title,
		Content:       record.Content,
		Links:         record.Links,
		Metadata:      record.Metadata,
		Depth:         task.Depth,
	}
}

// Failure builds a terminal-failure ResultPayload, preserving the original
// task verbatim so an orchestrator can resubmit it.
func Failure(task Task, code, message, url string) ResultPayload {
	original := task
	return ResultPayload{
		SourceID:        task.ID,
		CorrelationID:   task.ID,
		Status:          "failed",
		Code:            code,
		Error:           message,
		URL:             url,
		OriginalPayload: &original,
	}
}
