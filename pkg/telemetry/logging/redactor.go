package logging

import (
	"log/slog"
	"regexp"
	"strings"
)

var defaultSensitiveKeys = []string{
	"password", "passwd", "secret", "token",
	"authorization", "api_key", "apikey", "private_key",
	"passphrase",
}

var (
	bearerPattern   = regexp.MustCompile(`Bearer\s+[a-zA-Z0-9\-._~+/]+=*`)
	urlUserPattern  = regexp.MustCompile(`(https?://)[^/@\s]+@`)
	keyValuePattern = regexp.MustCompile(`(?i)(password|passwd|token|secret)[:=]\s*[^\s&]+`)
)

// Redactor masks credential values in log attributes.
type Redactor struct {
	keys []string
}

// NewRedactor creates a redactor for the built-in keys plus extra.
func NewRedactor(extra []string) *Redactor {
	keys := append([]string(nil), defaultSensitiveKeys...)
	for _, k := range extra {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keys = append(keys, k)
		}
	}
	return &Redactor{keys: keys}
}

// ReplaceAttr is a slog.HandlerOptions.ReplaceAttr hook.
func (r *Redactor) ReplaceAttr(_ []string, a slog.Attr) slog.Attr {
	if r.sensitive(a.Key) {
		return slog.String(a.Key, mask(a.Value.String()))
	}
	if a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, r.RedactString(a.Value.String()))
	}
	return a
}

// RedactString masks bearer tokens, URL userinfo and key=value secrets
// inside free text.
func (r *Redactor) RedactString(s string) string {
	if s == "" {
		return s
	}
	s = bearerPattern.ReplaceAllString(s, "Bearer ***")
	s = urlUserPattern.ReplaceAllString(s, "${1}***@")
	return keyValuePattern.ReplaceAllString(s, "$1=***")
}

func (r *Redactor) sensitive(key string) bool {
	lower := strings.ToLower(key)
	for _, k := range r.keys {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

func mask(v string) string {
	if len(v) <= 4 {
		return "***"
	}
	return v[:4] + "***"
}
