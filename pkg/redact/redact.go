package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

var (
	emailRe = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phoneRe = regexp.MustCompile(`\+?\d[\d\s\-]{7,}\d`)
)

// SetEnabled toggles PII redaction.
func SetEnabled(v bool) {
	enabled.Store(v)
}

// Enabled returns true when redaction is active.
func Enabled() bool {
	return enabled.Load()
}

// Text redacts emails and phone numbers when enabled.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := emailRe.ReplaceAllString(in, "[REDACTED_EMAIL]")
	out = phoneRe.ReplaceAllString(out, "[REDACTED_PHONE]")
	return out
}

// Identifier masks a caller address, keeping the scheme prefix and the last
// four characters so log lines stay correlatable.
func Identifier(in string) string {
	if !enabled.Load() {
		return in
	}
	in = strings.TrimSpace(in)
	prefix := ""
	if i := strings.LastIndex(in, ":"); i >= 0 {
		prefix, in = in[:i+1], in[i+1:]
	}
	if len(in) <= 4 {
		return prefix + strings.Repeat("*", len(in))
	}
	return prefix + strings.Repeat("*", len(in)-4) + in[len(in)-4:]
}
