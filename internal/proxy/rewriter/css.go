package rewriter

import (
	"regexp"

	"github.com/TheHackerDev/uaproxy/internal/canon"
)

// cssURLPattern matches a url(...) token with single, double or no quotes.
var cssURLPattern = regexp.MustCompile(`(?i)url\s*\(\s*(?:'([^']*)'|"([^"]*)"|([^)\s'"]+))\s*\)`)

// CSS rewrites every url(...) token in a stylesheet. Tokens that do not change keep their original
// spelling; rewritten ones are always emitted as url("...").
func CSS(css string, ctx canon.Context) string {
	return cssURLPattern.ReplaceAllStringFunc(css, func(match string) string {
		subMatches := cssURLPattern.FindStringSubmatch(match)

		var rawURL string
		for _, candidate := range subMatches[1:] {
			if candidate != "" {
				rawURL = candidate
				break
			}
		}
		if rawURL == "" || canon.IsPassThrough(rawURL) {
			return match
		}

		proxied := ctx.Canonicalize(rawURL)
		if proxied == rawURL {
			return match
		}

		return `url("` + proxied + `")`
	})
}
