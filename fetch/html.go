package fetch

import (
	"strings"

	"golang.org/x/net/html"
)

// findByClassOrTag walks the DOM for the first node matching selector, which
// may be a bare tag name ("h1") or a ".class" hint. This is a simplified
// stand-in for CSS-selector matching: no combinators, no attribute
// selectors, first match wins in document order.
func findByClassOrTag(n *html.Node, selector string) *html.Node {
	var found *html.Node
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if found != nil {
			return
		}
		if node.Type == html.ElementNode && nodeMatches(node, selector) {
			found = node
			return
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return found
}

func nodeMatches(n *html.Node, selector string) bool {
	for _, part := range strings.Split(selector, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.HasPrefix(part, ".") {
			if hasClass(n, strings.TrimPrefix(part, ".")) {
				return true
			}
			continue
		}
		if n.Data == part {
			return true
		}
	}
	return false
}

func hasClass(n *html.Node, class string) bool {
	for _, attr := range n.Attr {
		if attr.Key != "class" {
			continue
		}
		for _, c := range strings.Fields(attr.Val) {
			if c == class {
				return true
			}
		}
	}
	return false
}

// textContent concatenates all text node descendants of n.
func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			b.WriteString(node.Data)
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

// extractField runs findByClassOrTag over a comma-separated fallback chain
// of selectors and returns the first non-empty trimmed text match.
func extractField(doc *html.Node, selector string) string {
	for _, candidate := range strings.Split(selector, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		if node := findByClassOrTag(doc, candidate); node != nil {
			text := strings.TrimSpace(textContent(node))
			if text != "" {
				return text
			}
		}
	}
	return ""
}

// findLinks collects every href attribute value from <a> elements in the
// document.
func findLinks(n *html.Node) []string {
	var links []string
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode && node.Data == "a" {
			for _, attr := range node.Attr {
				if attr.Key == "href" && attr.Val != "" {
					links = append(links, attr.Val)
				}
			}
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return links
}
