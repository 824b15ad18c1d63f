package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nextlevelbuilder/replydesk/internal/assistant"
)

// formatReplyError turns a pipeline failure into the apology the customer
// sees. Raw API payloads never reach the chat.
func formatReplyError(err error) string {
	var apiErr *assistant.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.RateLimited():
			return "We are receiving a lot of messages right now. Please write again in a minute."
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			slog.Error("assistant credentials rejected", "status", apiErr.StatusCode)
			return genericApology
		case apiErr.StatusCode >= 500:
			return "The assistant is temporarily unavailable. Please try again in a moment."
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return "Preparing the answer took too long. Please try again."
	}

	lower := strings.ToLower(err.Error())
	if isContextOverflowError(lower) {
		return "Your message is too long for me to process. Please shorten it or send /clear and ask again."
	}
	if containsAny(lower, "timeout", "timed out") {
		return "Preparing the answer took too long. Please try again."
	}

	slog.Warn("unclassified reply error", "error", err)
	return genericApology
}

const genericApology = "Sorry, something went wrong while preparing an answer. Please try again."

// isContextOverflowError checks for context window/size overflow patterns.
func isContextOverflowError(lower string) bool {
	return containsAny(lower,
		"request_too_large",
		"context_length_exceeded",
		"context length exceeded",
		"maximum context length",
		"prompt is too long",
	) || (strings.Contains(lower, "context") &&
		containsAny(lower, "overflow", "too large", "too long"))
}

// containsAny returns true if s contains any of the given substrings.
func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
