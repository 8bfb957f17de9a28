// Package reader fetches pages and turns their HTML into readable text plus
// page metadata.
package reader

import (
	"bytes"
	"html"
	"net/url"
	"strings"
	"sync"

	readability "codeberg.org/readeck/go-readability/v2"
	"github.com/microcosm-cc/bluemonday"
	nethtml "golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"horse.fit/scout/internal/langdetect"
)

// Metadata is what the page says about itself in its head.
type Metadata struct {
	Title       string
	Description string
	Keywords    []string
	Language    string
}

var (
	strictOnce   sync.Once
	strictPolicy *bluemonday.Policy
)

func stripPolicy() *bluemonday.Policy {
	strictOnce.Do(func() {
		strictPolicy = bluemonday.StrictPolicy()
	})
	return strictPolicy
}

// Extract returns the readable text of raw and its metadata. Readability is
// tried first; pages it cannot make sense of fall back to tag-stripped text of
// the whole document.
func Extract(raw string, pageURL *url.URL) (string, Metadata) {
	meta := ExtractMetadata(raw)

	if pageURL == nil {
		pageURL = &url.URL{}
	}
	if article, err := readability.FromReader(strings.NewReader(raw), pageURL); err == nil {
		var rendered bytes.Buffer
		if err := article.RenderText(&rendered); err == nil {
			if text := CleanText(rendered.String()); text != "" {
				return text, meta
			}
		}
		if excerpt := CleanText(article.Excerpt()); excerpt != "" {
			return excerpt, meta
		}
	}

	return StripTags(raw), meta
}

// StripTags removes every tag, script and style body from raw and returns the
// remaining text with whitespace collapsed.
func StripTags(raw string) string {
	sanitized := stripPolicy().Sanitize(raw)
	return CleanText(html.UnescapeString(sanitized))
}

// ExtractMetadata reads title, description, keywords and language from the
// document head.
func ExtractMetadata(raw string) Metadata {
	var meta Metadata
	doc, err := nethtml.Parse(strings.NewReader(raw))
	if err != nil {
		return meta
	}

	var walk func(*nethtml.Node)
	walk = func(n *nethtml.Node) {
		if n.Type == nethtml.ElementNode {
			switch n.DataAtom {
			case atom.Html:
				if lang := attr(n, "lang"); lang != "" && meta.Language == "" {
					meta.Language = langdetect.NormalizeCode(lang)
				}
			case atom.Title:
				if meta.Title == "" && n.FirstChild != nil {
					meta.Title = strings.TrimSpace(n.FirstChild.Data)
				}
			case atom.Meta:
				applyMetaTag(n, &meta)
			case atom.Body:
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return meta
}

func applyMetaTag(n *nethtml.Node, meta *Metadata) {
	name := strings.ToLower(attr(n, "name"))
	property := strings.ToLower(attr(n, "property"))
	content := strings.TrimSpace(attr(n, "content"))
	if content == "" {
		return
	}

	switch {
	case name == "description" || property == "og:description":
		if meta.Description == "" {
			meta.Description = content
		}
	case name == "keywords":
		if len(meta.Keywords) == 0 {
			for _, kw := range strings.Split(content, ",") {
				if kw = strings.TrimSpace(kw); kw != "" {
					meta.Keywords = append(meta.Keywords, kw)
				}
			}
		}
	case property == "og:title":
		if meta.Title == "" {
			meta.Title = content
		}
	}
}

func attr(n *nethtml.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// CleanText normalizes line endings and collapses extra in-line whitespace.
func CleanText(raw string) string {
	normalized := strings.ReplaceAll(raw, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")

	lines := strings.Split(normalized, "\n")
	paragraphs := make([]string, 0, len(lines))
	for _, line := range lines {
		clean := strings.Join(strings.Fields(strings.TrimSpace(line)), " ")
		if clean == "" {
			continue
		}
		paragraphs = append(paragraphs, clean)
	}

	return strings.TrimSpace(strings.Join(paragraphs, "\n\n"))
}

// TruncateText clips text to maxChars runes and appends a single ellipsis rune when truncated.
func TruncateText(raw string, maxChars int) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}
	if maxChars <= 0 {
		return trimmed, false
	}

	runes := []rune(trimmed)
	if len(runes) <= maxChars {
		return trimmed, false
	}
	if maxChars == 1 {
		return "…", true
	}

	clipped := strings.TrimSpace(string(runes[:maxChars-1]))
	if clipped == "" {
		return "…", true
	}
	return clipped + "…", true
}
