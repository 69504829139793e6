package llm

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

var (
	contextWindowTooSmallRe = regexp.MustCompile(`(?i)context window.*(too small|minimum is)`)
	contextOverflowHintRe   = regexp.MustCompile(`(?i)context.*overflow|context window.*(too (?:large|long)|exceed|over|limit|max(?:imum)?|requested|sent|tokens)|prompt.*(too (?:large|long)|exceed|over|limit|max(?:imum)?)|(?:request|input).*(?:context|window|length|token).*(too (?:large|long)|exceed|over|limit|max(?:imum)?)`)
	rateLimitHintRe         = regexp.MustCompile(`(?i)rate limit|too many requests|requests per (?:minute|hour|day)|quota|throttl|429\b|tpm\b|tpd\b`)

	overflowPhrases = []string{
		"request_too_large",
		"request exceeds the maximum size",
		"context length exceeded",
		"maximum context length",
		"prompt is too long",
		"exceeds model context window",
		"context overflow:",
	}
)

const contextOverflowHint = "The conversation is too long for the model. Start a new session or shorten the request."

func IsLikelyContextOverflowError(err error) bool {
	if err == nil {
		return false
	}
	return IsLikelyContextOverflowText(err.Error())
}

func IsLikelyContextOverflowText(errorMessage string) bool {
	text := strings.TrimSpace(errorMessage)
	if text == "" {
		return false
	}
	if contextWindowTooSmallRe.MatchString(text) {
		return false
	}
	// Rate limit errors can match broad overflow heuristics (e.g. "request reached ... limit").
	if rateLimitHintRe.MatchString(text) {
		return false
	}
	lower := strings.ToLower(text)
	for _, phrase := range overflowPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	hasContextWindow := strings.Contains(lower, "context window") || strings.Contains(lower, "context length")
	if strings.Contains(lower, "request size exceeds") && hasContextWindow {
		return true
	}
	if strings.Contains(lower, "413") && strings.Contains(lower, "too large") {
		return true
	}
	return contextOverflowHintRe.MatchString(text)
}

// DescribeError renders an engine failure for the user.
func DescribeError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return "Request aborted."
	case errors.Is(err, context.DeadlineExceeded):
		return "Error: request timed out."
	case IsLikelyContextOverflowError(err):
		return "Error: " + strings.TrimSpace(err.Error()) + "\n" + contextOverflowHint
	default:
		return "Error: " + strings.TrimSpace(err.Error())
	}
}
