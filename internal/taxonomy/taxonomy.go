// Package taxonomy defines the error kinds shared by every handler and the
// message loop, and the classification/transience rules that drive the
// retry-vs-terminal decision end to end.
package taxonomy

import (
	"context"
	"errors"
	"strings"
)

// Kind enumerates the terminal and transient error classes a handler can
// raise. The zero value is never used directly; Error always carries one of
// the named constants.
type Kind string

const (
	Encrypted     Kind = "ENCRYPTED"
	InvalidFormat Kind = "INVALID_FORMAT"
	Empty         Kind = "EMPTY"
	Timeout       Kind = "TIMEOUT"
	CrawlTimeout  Kind = "CRAWL_TIMEOUT"
	CrawlDNS      Kind = "CRAWL_DNS"
	CrawlRefused  Kind = "CRAWL_REFUSED"
	CrawlBlocked  Kind = "CRAWL_BLOCKED"
)

// transientKinds is the canonical TRANSIENT set from spec.md §3.
var transientKinds = map[Kind]bool{
	Timeout:      true,
	CrawlTimeout: true,
	CrawlDNS:     true,
	CrawlRefused: true,
}

// Error is the tagged {kind, message} error value every component raises.
type Error struct {
	Kind    Kind
	Message string
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func (e *Error) Error() string {
	return e.Message
}

// IsTerminal reports whether kind is outside the transient set.
func (k Kind) IsTerminal() bool {
	return !transientKinds[k]
}

// Classify inspects an upper-cased raw error string, in priority order, and
// returns the Error it maps to. Unknown strings default to CRAWL_TIMEOUT —
// spec.md biases toward retrying rather than silently dropping a crawl.
func Classify(raw string) *Error {
	upper := strings.ToUpper(raw)

	switch {
	case strings.Contains(upper, "TIMED_OUT"), strings.Contains(upper, "TIMEOUT"):
		return New(CrawlTimeout, raw)
	case strings.Contains(upper, "ERR_NAME_NOT_RESOLVED"), strings.Contains(upper, "DNS"):
		return New(CrawlDNS, raw)
	case containsAny(upper, "ERR_CONNECTION_REFUSED", "ERR_CONNECTION_RESET", "ERR_CONNECTION_CLOSED", "ECONNREFUSED", "ECONNRESET"):
		return New(CrawlRefused, raw)
	case containsAny(upper, "ROBOTS", "BLOCKED", "FORBIDDEN"):
		return New(CrawlBlocked, raw)
	default:
		return New(CrawlTimeout, raw)
	}
}

// IsTransient reports whether err should be retried rather than surfaced as
// terminal. It recognizes context deadline expiry, classified Errors whose
// Kind is in the transient set, and a string-based catch-all over the raw
// message for errors that were never run through Classify.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var taxErr *Error
	if errors.As(err, &taxErr) {
		return transientKinds[taxErr.Kind]
	}

	upper := strings.ToUpper(err.Error())
	return containsAny(upper, "TIMEOUT", "TIMED_OUT", "CONNECTION", "ERR_NAME_NOT_RESOLVED", "ECONNREFUSED")
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
