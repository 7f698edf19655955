package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces sensitive values in logs.
const RedactedValue = "[REDACTED]"

// Keys that are never secret and pass through MaskField untouched.
var plainKeys = map[string]struct{}{
	"service":   {},
	"env":       {},
	"error":     {},
	"reason":    {},
	"component": {},
	"method":    {},
	"requestid": {},
	"op":        {},
	"issuer":    {},
	"audience":  {},
}

// MaskField returns value under key, redacted unless the key is known to be
// safe or the value is empty.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" {
		return slog.String(key, value)
	}
	if _, ok := plainKeys[strings.ToLower(strings.TrimSpace(key))]; ok {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// MaskToken keeps the first four characters of a bearer token so two tokens
// can be told apart in logs.
func MaskToken(token string) string {
	token = strings.TrimSpace(token)
	switch {
	case token == "":
		return ""
	case len(token) <= 8:
		return RedactedValue
	default:
		return token[:4] + "..." + RedactedValue
	}
}
