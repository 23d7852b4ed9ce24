// Package scraperr classifies scrape failures so the pipeline can decide
// what to retry and how to report what it could not recover.
package scraperr

import (
	"errors"
	"fmt"
	"strings"
)

// Category buckets a failure by its cause.
type Category string

const (
	CategoryNetwork        Category = "network"
	CategoryResource       Category = "resource"
	CategoryBrowser        Category = "browser"
	CategoryParsing        Category = "parsing"
	CategoryValidation     Category = "validation"
	CategoryHTTPClient     Category = "http_client"
	CategoryRecoverable    Category = "recoverable"
	CategoryNonRecoverable Category = "non_recoverable"
)

// Severity grades how badly a failure affects the run.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// HTTPError carries a status code so classification can distinguish a
// missing page from a server fault.
type HTTPError struct {
	Status int
	URL    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http status %d for %s", e.Status, e.URL)
}

// StructuredError is the caller-visible failure shape: category, severity,
// a human message, and short recovery hints.
type StructuredError struct {
	Message             string         `json:"message"`
	Category            Category       `json:"category"`
	Severity            Severity       `json:"severity"`
	Context             map[string]any `json:"context,omitempty"`
	RecoverySuggestions []string       `json:"recovery_suggestions,omitempty"`
	cause               error
}

func (e *StructuredError) Error() string {
	return fmt.Sprintf("%s (%s/%s)", e.Message, e.Category, e.Severity)
}

func (e *StructuredError) Unwrap() error { return e.cause }

// Wrap builds a StructuredError around err, classifying it when no
// category is forced.
func Wrap(err error, msg string, ctx map[string]any) *StructuredError {
	cat, sev := Classify(err)
	return &StructuredError{
		Message:             msg,
		Category:            cat,
		Severity:            sev,
		Context:             ctx,
		RecoverySuggestions: suggestions(cat),
		cause:               err,
	}
}

// Classify maps an arbitrary error to a category and severity. Structured
// errors keep their own classification; everything else is keyword-matched
// against the message.
func Classify(err error) (Category, Severity) {
	if err == nil {
		return CategoryNonRecoverable, SeverityLow
	}

	var se *StructuredError
	if errors.As(err, &se) {
		return se.Category, se.Severity
	}

	var he *HTTPError
	if errors.As(err, &he) {
		if he.Status == 404 {
			return CategoryHTTPClient, SeverityLow
		}
		if he.Status >= 500 {
			return CategoryNetwork, SeverityMedium
		}
		return CategoryHTTPClient, SeverityMedium
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "timeout", "timed out", "connection", "dns", "no such host", "network", "reset by peer", "eof"):
		return CategoryNetwork, SeverityMedium
	case containsAny(msg, "semaphore", "too many", "resource", "memory", "pool exhausted"):
		return CategoryResource, SeverityHigh
	case containsAny(msg, "browser", "page closed", "context closed", "target closed", "session closed", "websocket"):
		return CategoryBrowser, SeverityHigh
	case containsAny(msg, "selector", "element not found", "parse", "unmarshal", "decode"):
		return CategoryParsing, SeverityLow
	case containsAny(msg, "invalid", "validation", "must be"):
		return CategoryValidation, SeverityMedium
	default:
		return CategoryRecoverable, SeverityMedium
	}
}

// Retryable reports whether the pipeline should retry after this error.
// Browser failures are retryable because the pool rebuilds the context on
// the next acquire.
func Retryable(err error) bool {
	cat, _ := Classify(err)
	switch cat {
	case CategoryNetwork, CategoryResource, CategoryRecoverable, CategoryBrowser:
		return true
	case CategoryHTTPClient:
		var he *HTTPError
		if errors.As(err, &he) {
			return he.Status >= 500
		}
		return false
	default:
		return false
	}
}

func suggestions(cat Category) []string {
	switch cat {
	case CategoryNetwork:
		return []string{"check connectivity to the marketplace", "retry after a short delay"}
	case CategoryResource:
		return []string{"lower max_concurrent", "raise max_contexts if memory allows"}
	case CategoryBrowser:
		return []string{"restart the browser process", "check the remote debugging endpoint"}
	case CategoryParsing:
		return []string{"the marketplace markup may have changed; update the selectors"}
	case CategoryValidation:
		return []string{"correct the request parameters"}
	case CategoryHTTPClient:
		return []string{"verify the listing still exists"}
	default:
		return []string{"retry the operation"}
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
