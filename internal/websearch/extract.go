// internal/websearch/extract.go
package websearch

import (
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// parseResults scrapes the search result list out of a DuckDuckGo-style
// HTML results page. Result links carry the result__a class and
// snippets the result__snippet class.
func parseResults(page string) ([]Source, error) {
	root, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return nil, err
	}

	var hits []Source
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch {
			case n.Data == "a" && hasClass(n, "result__a"):
				hits = append(hits, Source{
					URL:   resolveResultURL(attr(n, "href")),
					Title: strings.TrimSpace(textOf(n)),
				})
			case hasClass(n, "result__snippet"):
				if len(hits) > 0 && hits[len(hits)-1].Snippet == "" {
					hits[len(hits)-1].Snippet = strings.TrimSpace(textOf(n))
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return hits, nil
}

// resolveResultURL unwraps the redirect links the HTML endpoint emits
// (//duckduckgo.com/l/?uddg=<encoded target>). Plain links pass through.
func resolveResultURL(href string) string {
	if href == "" {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		if decoded, err := url.QueryUnescape(target); err == nil {
			return decoded
		}
	}
	if u.Scheme == "" && strings.HasPrefix(href, "//") {
		return "https:" + href
	}
	return href
}

// skippedTags are structural elements whose text pollutes extraction.
var skippedTags = map[string]bool{
	"script": true, "style": true, "nav": true, "header": true,
	"footer": true, "aside": true, "iframe": true, "noscript": true,
}

// ExtractText pulls the readable text out of an HTML page, preferring
// the main content region over boilerplate, and truncates to maxLen.
func ExtractText(page string, maxLen int) (string, error) {
	root, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return "", err
	}

	content := findMainContent(root)
	if content == nil {
		content = root
	}

	var lines []string
	for _, line := range strings.Split(textOf(content), "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	text := strings.Join(lines, "\n")

	if maxLen > 0 && len(text) > maxLen {
		text = text[:maxLen] + "..."
	}
	return text, nil
}

// findMainContent looks for the page's primary content container:
// first an <article> or <main> element or role="main", then common
// content ids and classes, falling back to <body>.
func findMainContent(root *html.Node) *html.Node {
	if n := findNode(root, func(n *html.Node) bool {
		return n.Data == "article" || n.Data == "main" || attr(n, "role") == "main"
	}); n != nil {
		return n
	}
	if n := findNode(root, func(n *html.Node) bool {
		return attr(n, "id") == "content" || hasClass(n, "content") ||
			hasClass(n, "post-content") || hasClass(n, "article-content") ||
			hasClass(n, "entry-content") || hasClass(n, "post-body")
	}); n != nil {
		return n
	}
	return findNode(root, func(n *html.Node) bool { return n.Data == "body" })
}

func findNode(root *html.Node, match func(*html.Node) bool) *html.Node {
	if root.Type == html.ElementNode && match(root) {
		return root
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if n := findNode(c, match); n != nil {
			return n
		}
	}
	return nil
}

// textOf collects the text content beneath a node, one line per text
// node, skipping boilerplate elements.
func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skippedTags[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				b.WriteString(t)
				b.WriteString("\n")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimRight(b.String(), "\n")
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}
