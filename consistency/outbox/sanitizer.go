package outbox

import (
	"regexp"
	"strings"
)

const maxStoredErrorLength = 1024

// sensitiveDataPatterns cover credential and PII shapes that can leak into
// error messages from drivers and brokers (CWE-209).
var sensitiveDataPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[=:]\s*\S+`),
	regexp.MustCompile(`(?i)(secret|token|apikey|api_key|api-key)\s*[=:]\s*\S+`),
	regexp.MustCompile(`(?i)(authorization|auth)\s*[=:]\s*\S+`),
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-.~+/]+=*`),
	regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9+.-]*://[^@\s]+@`),
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
}

var candidateCardPattern = regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`)

// SanitizeErrorForStorage redacts sensitive data from an error message and
// truncates it before it is written to the last_error column.
func SanitizeErrorForStorage(err error) string {
	if err == nil {
		return ""
	}

	message := err.Error()

	for _, pattern := range sensitiveDataPatterns {
		message = pattern.ReplaceAllString(message, "[REDACTED]")
	}

	message = candidateCardPattern.ReplaceAllStringFunc(message, func(candidate string) string {
		digits := strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' {
				return r
			}

			return -1
		}, candidate)

		if luhnValid(digits) {
			return "[REDACTED]"
		}

		return candidate
	})

	return truncateError(message)
}

func truncateError(message string) string {
	if len(message) <= maxStoredErrorLength {
		return message
	}

	truncated := message[:maxStoredErrorLength]

	// Avoid splitting a multibyte rune at the cut point.
	for len(truncated) > 0 && truncated[len(truncated)-1]&0xC0 == 0x80 {
		truncated = truncated[:len(truncated)-1]
	}

	return truncated + "...(truncated)"
}

func luhnValid(digits string) bool {
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}

	sum := 0
	double := false

	for i := len(digits) - 1; i >= 0; i-- {
		digit := int(digits[i] - '0')

		if double {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}

		sum += digit
		double = !double
	}

	return sum%10 == 0
}
