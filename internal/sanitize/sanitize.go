// Package sanitize normalizes untrusted client-supplied strings before they
// reach the registry, the wire, or the logs.
package sanitize

import (
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// MaxNameLen bounds display names and room ids.
	MaxNameLen = 32
	// MaxMessageBytes bounds chat message payloads.
	MaxMessageBytes = 4096
	// DefaultName is used when a display name sanitizes to nothing.
	DefaultName = "anonymous"
	// DefaultRoom is used when a room id sanitizes to nothing.
	DefaultRoom = "lobby"
)

// Name normalizes a display name: keep [A-Za-z0-9 _-], lowercase, trim to 32.
// An empty result falls back to "anonymous".
func Name(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == ' ', r == '_', r == '-':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(unicode.ToLower(r))
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return DefaultName
	}
	if len(out) > MaxNameLen {
		out = strings.TrimSpace(out[:MaxNameLen])
		if out == "" {
			return DefaultName
		}
	}
	return out
}

// Room normalizes a room id like Name but disallows spaces; empty falls back
// to "lobby". The result matches [a-z0-9_-]{1,32}.
func Room(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(unicode.ToLower(r))
		}
	}
	out := b.String()
	if out == "" {
		return DefaultRoom
	}
	if len(out) > MaxNameLen {
		out = out[:MaxNameLen]
	}
	return out
}

// Message validates and cleans a chat message body: it must be valid UTF-8
// and at most MaxMessageBytes; control characters other than newline and tab
// are stripped. ok is false when the message cannot be repaired.
func Message(raw string) (clean string, ok bool) {
	if !utf8.ValidString(raw) {
		return "", false
	}
	var b strings.Builder
	for _, r := range raw {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	if len(out) > MaxMessageBytes {
		return "", false
	}
	return out, true
}

// Token masks an auth token for logs as first4…last4. Short tokens are fully
// masked so the log never narrows the search space.
func Token(token string) string {
	if token == "" {
		return "<none>"
	}
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "…" + token[len(token)-4:]
}

// LogValue truncates arbitrary client data for safe log output.
func LogValue(data string) string {
	const max = 64
	if data == "" {
		return "<empty>"
	}
	if len(data) > max {
		return data[:max] + "…"
	}
	return data
}

// Filename reduces a client-supplied file name to a safe basename, blocking
// path traversal. An empty result becomes "unnamed".
func Filename(raw string) string {
	base := filepath.Base(strings.ReplaceAll(raw, "\\", "/"))
	base = strings.ReplaceAll(base, string(filepath.Separator), "_")
	base = strings.ReplaceAll(base, "/", "_")
	if base == "" || base == "." || base == ".." {
		return "unnamed"
	}
	const max = 256
	if len(base) > max {
		base = base[:max]
	}
	return base
}
