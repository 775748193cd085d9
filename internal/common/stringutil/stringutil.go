// Package stringutil provides common string utility functions.
package stringutil

import (
	"regexp"
	"strings"
)

// ansiRE matches ANSI SGR color/style sequences as emitted by the agent
// binaries and the model server.
var ansiRE = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// TruncateString truncates a string to a maximum length.
// If the string is shorter than maxLen, it returns the original string.
// If the string is longer, it returns the first maxLen characters.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// TruncateStringWithEllipsis truncates a string to a maximum length and adds "..." suffix.
// If the string is shorter than maxLen, it returns the original string.
// If the string is longer, it returns the first (maxLen-3) characters followed by "...".
func TruncateStringWithEllipsis(s string, maxLen int) string {
	if maxLen < 4 {
		return TruncateString(s, maxLen)
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// CollapseLine flattens a possibly multi-line string into a single line:
// newlines become spaces, runs of whitespace collapse to one space, and
// the result is trimmed. Agent stdin is line-delimited, so anything sent
// to an agent must pass through this first.
func CollapseLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// StripANSI removes ANSI SGR escape sequences from a string.
func StripANSI(s string) string {
	return ansiRE.ReplaceAllString(s, "")
}
