package logutil

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// maxLogValue bounds how much of a key or value ends up in a log line.
const maxLogValue = 256

// SanitizeForLog removes newlines and control characters from user-provided
// strings so they cannot forge extra log entries.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case r < 32 || r == 0x7f:
		default:
			b.WriteRune(r)
		}
	}
	return truncate(b.String())
}

// Key renders an etcd key for logs. Valid UTF-8 keys are sanitized, anything
// else is quoted with Go escapes so binary keys stay readable.
func Key(k []byte) string {
	if utf8.Valid(k) {
		return SanitizeForLog(string(k))
	}
	return truncate(strconv.Quote(string(k)))
}

func truncate(s string) string {
	if len(s) <= maxLogValue {
		return s
	}
	return s[:maxLogValue] + "..."
}
