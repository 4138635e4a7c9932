// Package rewriter rewrites URLs inside HTML documents and stylesheets so that every reference leads back
// through the proxy.
package rewriter

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/TheHackerDev/uaproxy/internal/canon"
)

// ReferrerMeta is injected ahead of the loader so no page request leaks the proxy URL as a referrer.
const ReferrerMeta = `<meta name="referrer" content="no-referrer">`

// Options controls one HTML rewrite.
type Options struct {
	// ProcessLinks enables rewriting of anchor targets.
	ProcessLinks bool

	// Inject is the HTML placed before the first script in <head>.
	Inject string
}

// urlAttributes lists the URL-bearing attributes rewritten per element.
var urlAttributes = []struct {
	element string
	attrs   []string
}{
	{"a", []string{"href"}},
	{"img", []string{"src", "data-src", "srcset"}},
	{"script", []string{"src", "data-src"}},
	{"link", []string{"href"}},
	{"iframe", []string{"src"}},
	{"source", []string{"src", "srcset"}},
	{"video", []string{"src", "poster"}},
	{"audio", []string{"src"}},
	{"form", []string{"action"}},
}

// HTML parses a UTF-8 document from r, rewrites it against ctx.TargetBase and injects opts.Inject.
func HTML(r io.Reader, ctx canon.Context, opts Options) ([]byte, error) {
	doc, parseErr := goquery.NewDocumentFromReader(r)
	if parseErr != nil {
		return nil, fmt.Errorf("unable to parse html document: %w", parseErr)
	}

	for _, entry := range urlAttributes {
		if entry.element == "a" && !opts.ProcessLinks {
			continue
		}

		for _, attr := range entry.attrs {
			doc.Find(entry.element + "[" + attr + "]").Each(func(_ int, s *goquery.Selection) {
				value, _ := s.Attr(attr)
				if value == "" {
					return
				}
				if attr == "srcset" {
					s.SetAttr(attr, Srcset(value, ctx))
					return
				}
				s.SetAttr(attr, ctx.Canonicalize(value))
			})
		}
	}

	rewriteMeta(doc, ctx)

	doc.Find("style").Each(func(_ int, s *goquery.Selection) {
		css := s.Text()
		if rewritten := CSS(css, ctx); rewritten != css {
			setRawText(s, rewritten)
		}
	})
	doc.Find("[style]").Each(func(_ int, s *goquery.Selection) {
		style, _ := s.Attr("style")
		if rewritten := CSS(style, ctx); rewritten != style {
			s.SetAttr("style", rewritten)
		}
	})

	inject(doc, ReferrerMeta+opts.Inject)

	out, renderErr := doc.Html()
	if renderErr != nil {
		return nil, fmt.Errorf("unable to render rewritten html document: %w", renderErr)
	}

	return []byte(out), nil
}

// rewriteMeta handles the meta tags that carry URLs. Other meta tags are left alone.
func rewriteMeta(doc *goquery.Document, ctx canon.Context) {
	doc.Find("meta[content]").Each(func(_ int, s *goquery.Selection) {
		content, _ := s.Attr("content")
		httpEquiv := strings.ToLower(s.AttrOr("http-equiv", ""))
		name := strings.ToLower(s.AttrOr("name", ""))
		property := strings.ToLower(s.AttrOr("property", ""))

		switch {
		case httpEquiv == "refresh":
			s.SetAttr("content", Refresh(content, ctx))
		case name == "referrer":
			s.SetAttr("content", "no-referrer")
		case strings.HasPrefix(property, "og:") || strings.HasPrefix(name, "twitter:"):
			if isURLLike(content) {
				s.SetAttr("content", ctx.Canonicalize(content))
			}
		}
	})
}

// inject places snippet immediately before the first script in <head>, else at the start of <head>, else
// at the start of <body>.
func inject(doc *goquery.Document, snippet string) {
	head := doc.Find("head").First()
	if head.Length() > 0 {
		if firstScript := head.Find("script").First(); firstScript.Length() > 0 {
			firstScript.BeforeHtml(snippet)
			return
		}
		head.PrependHtml(snippet)
		return
	}

	if body := doc.Find("body").First(); body.Length() > 0 {
		body.PrependHtml(snippet)
	}
}

// setRawText replaces the children of raw text elements like <style> with text. goquery's SetText would
// escape it, and raw text is never unescaped by the browser.
func setRawText(s *goquery.Selection, text string) {
	for _, n := range s.Nodes {
		for c := n.FirstChild; c != nil; {
			next := c.NextSibling
			n.RemoveChild(c)
			c = next
		}
		n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	}
}

// InjectPrefix splices snippet into the raw, unparsed start of a document that is too large to rewrite:
// before the first <script, else right after the <head> tag, else right after the <body> tag. It reports
// false and returns prefix unchanged when none of them occur.
func InjectPrefix(prefix []byte, snippet string) ([]byte, bool) {
	lower := bytes.ToLower(prefix)

	at := bytes.Index(lower, []byte("<script"))
	if at == -1 {
		at = afterOpenTag(lower, "head")
	}
	if at == -1 {
		at = afterOpenTag(lower, "body")
	}
	if at == -1 {
		return prefix, false
	}

	out := make([]byte, 0, len(prefix)+len(snippet))
	out = append(out, prefix[:at]...)
	out = append(out, snippet...)
	out = append(out, prefix[at:]...)

	return out, true
}

// afterOpenTag returns the offset just past the first <name> or <name ...> tag in lower, or -1.
func afterOpenTag(lower []byte, name string) int {
	tag := []byte("<" + name)
	for offset := 0; ; {
		i := bytes.Index(lower[offset:], tag)
		if i == -1 {
			return -1
		}
		i += offset
		next := i + len(tag)
		if next < len(lower) && (lower[next] == '>' || lower[next] == ' ' || lower[next] == '\t' ||
			lower[next] == '\n' || lower[next] == '\r' || lower[next] == '/') {
			end := bytes.IndexByte(lower[next:], '>')
			if end == -1 {
				return -1
			}
			return next + end + 1
		}
		offset = next
	}
}
