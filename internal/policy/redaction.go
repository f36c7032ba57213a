package policy

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern  = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	base64Pattern = regexp.MustCompile(`[A-Za-z0-9+/]{48,}={0,2}`)
	bearerPattern = regexp.MustCompile(`(?i)(bearer\s+|token=|api_key=)[^\s&"]+`)
)

// RedactPII masks common high-risk PII patterns in user-facing text.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Cards before phones so long digit runs are not taken for phone numbers.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}

// RedactFrame makes a wire frame safe to log: credentials are masked and
// long base64 payloads collapse to their length.
func RedactFrame(frame string) string {
	out := bearerPattern.ReplaceAllString(frame, "${1}[REDACTED]")
	out = base64Pattern.ReplaceAllStringFunc(out, func(m string) string {
		return fmt.Sprintf("[base64:%d]", len(m))
	})
	return out
}

// Truncate shortens s to at most n runes for log lines.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + "..."
}
