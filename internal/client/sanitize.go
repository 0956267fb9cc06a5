package client

import (
	"regexp"
	"strings"
)

// DocumentUnavailableMessage replaces server faults raised while the worker
// was extracting text from an uploaded document.
const DocumentUnavailableMessage = "External service unavailable, unable to extract text from document. Please try again later."

var (
	urlPattern       = regexp.MustCompile(`(?i)[ \t]*https?://\S+`)
	trailingForURL   = regexp.MustCompile(`(?i)\s+for\s+url:?\s*$`)
	documentKeywords = []string{"pdf", "document"}
	serverKeywords   = []string{"500", "server error"}
)

// SanitizeError turns a raw upstream error into text safe to show a user.
// URLs are removed; server faults about documents become
// DocumentUnavailableMessage.
func SanitizeError(msg string) string {
	if msg == "" {
		return msg
	}

	lower := strings.ToLower(msg)
	if containsAny(lower, serverKeywords) && containsAny(lower, documentKeywords) {
		return DocumentUnavailableMessage
	}

	// A URL takes the blanks in front of it along; the rest of the text keeps
	// its layout.
	s := urlPattern.ReplaceAllString(msg, "")
	return strings.TrimSpace(trailingForURL.ReplaceAllString(s, ""))
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
