package rewriter

import (
	"regexp"
	"strings"

	"github.com/TheHackerDev/uaproxy/internal/canon"
)

// refreshURLPattern matches the boundary between the delay and the URL of a meta refresh.
var refreshURLPattern = regexp.MustCompile(`(?i);\s*url=`)

// Refresh rewrites the URL part of a meta refresh content value ("5; url=/next") and leaves the delay and
// separator exactly as written. Values without a URL part are returned unchanged.
func Refresh(content string, ctx canon.Context) string {
	loc := refreshURLPattern.FindStringIndex(content)
	if loc == nil {
		return content
	}

	prefix, target := content[:loc[1]], content[loc[1]:]

	quote := ""
	if len(target) >= 2 && (target[0] == '\'' || target[0] == '"') && target[len(target)-1] == target[0] {
		quote = target[:1]
		target = target[1 : len(target)-1]
	}

	return prefix + quote + ctx.Canonicalize(target) + quote
}

// Srcset rewrites each candidate URL of a srcset value. Whitespace, commas and descriptors are kept.
// A candidate URL is a run of non-whitespace characters, so data: URLs with embedded commas survive.
func Srcset(value string, ctx canon.Context) string {
	var b strings.Builder
	b.Grow(len(value))

	i := 0
	for i < len(value) {
		// Separators.
		j := i
		for j < len(value) && (isSpace(value[j]) || value[j] == ',') {
			j++
		}
		b.WriteString(value[i:j])
		i = j
		if i >= len(value) {
			break
		}

		// URL.
		for j < len(value) && !isSpace(value[j]) {
			j++
		}
		candidate := value[i:j]
		trailing := len(candidate)
		for trailing > 0 && candidate[trailing-1] == ',' {
			trailing--
		}
		b.WriteString(ctx.Canonicalize(candidate[:trailing]))
		b.WriteString(candidate[trailing:])
		i = j
		if trailing < len(candidate) {
			continue
		}

		// Descriptors.
		for j < len(value) && value[j] != ',' {
			j++
		}
		b.WriteString(value[i:j])
		i = j
	}

	return b.String()
}

// isURLLike reports whether a meta content value is worth treating as a URL.
func isURLLike(value string) bool {
	lower := strings.ToLower(strings.TrimSpace(value))
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "/")
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\f':
		return true
	}
	return false
}
