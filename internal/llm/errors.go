package llm

import (
	"context"
	"errors"
	"net"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
)

// Category is the user-facing class of a generation backend failure.
type Category string

const (
	CategoryNetwork   Category = "network"
	CategoryAuth      Category = "auth"
	CategoryQuota     Category = "quota"
	CategoryRateLimit Category = "rate_limit"
	CategoryTimeout   Category = "timeout"
	CategoryGeneric   Category = "generic"
)

var categoryMessages = map[Category]string{
	CategoryNetwork:   "The generation service could not be reached. Check the network connection and try again.",
	CategoryAuth:      "The generation service rejected the API key. Check the configured credentials.",
	CategoryQuota:     "The generation service account has run out of quota or credit.",
	CategoryRateLimit: "Too many requests were sent to the generation service. Wait a moment and try again.",
	CategoryTimeout:   "The generation service took too long to respond. Try again later.",
	CategoryGeneric:   "Survey generation failed. Try again or simplify the request.",
}

// Message returns a human-readable explanation of c.
func (c Category) Message() string {
	if m, ok := categoryMessages[c]; ok {
		return m
	}
	return categoryMessages[CategoryGeneric]
}

// BackendError is a classified failure of the text generation backend.
type BackendError struct {
	Category Category
	Err      error
}

func (e *BackendError) Error() string {
	return "generation backend " + string(e.Category) + ": " + e.Err.Error()
}

func (e *BackendError) Unwrap() error { return e.Err }

// Classify wraps err in a BackendError. Typed SDK and transport errors are
// preferred; message matching is only used for errors that carry no type.
func Classify(err error) *BackendError {
	if err == nil {
		return nil
	}
	var be *BackendError
	if errors.As(err, &be) {
		return be
	}
	return &BackendError{Category: categorize(err), Err: err}
}

func categorize(err error) Category {
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return categoryForStatus(apiErr.StatusCode)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return CategoryTimeout
		}
		return CategoryNetwork
	}
	return categoryForMessage(err.Error())
}

func categoryForStatus(status int) Category {
	switch status {
	case 401, 403:
		return CategoryAuth
	case 402:
		return CategoryQuota
	case 429:
		return CategoryRateLimit
	case 408, 504:
		return CategoryTimeout
	case 502, 503, 529:
		return CategoryNetwork
	default:
		return CategoryGeneric
	}
}

func categoryForMessage(msg string) Category {
	msg = strings.ToLower(msg)
	switch {
	case strings.Contains(msg, "quota") || strings.Contains(msg, "credit") || strings.Contains(msg, "insufficient balance"):
		return CategoryQuota
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "rate_limit") || strings.Contains(msg, "429"):
		return CategoryRateLimit
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return CategoryTimeout
	case strings.Contains(msg, "api key") || strings.Contains(msg, "api_key") ||
		strings.Contains(msg, "authentication") || strings.Contains(msg, "unauthorized"):
		return CategoryAuth
	case strings.Contains(msg, "connection") || strings.Contains(msg, "10054") ||
		strings.Contains(msg, "reset by peer") || strings.Contains(msg, "no such host"):
		return CategoryNetwork
	default:
		return CategoryGeneric
	}
}
