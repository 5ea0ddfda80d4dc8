// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package parsers

import (
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// parseDocument parses an HTML document. x/net/html is forgiving: real
// competitor pages are rarely well-formed.
func parseDocument(doc string) (*html.Node, error) {
	return html.Parse(strings.NewReader(doc))
}

// findAll walks the subtree rooted at n depth-first and returns every node
// matching pred, in document order.
func findAll(n *html.Node, pred func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if pred(node) {
			out = append(out, node)
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}

// findFirst returns the first node matching pred in document order.
func findFirst(n *html.Node, pred func(*html.Node) bool) *html.Node {
	var found *html.Node
	var walk func(*html.Node) bool
	walk = func(node *html.Node) bool {
		if pred(node) {
			found = node
			return true
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			if walk(c) {
				return true
			}
		}
		return false
	}
	walk(n)
	return found
}

// isElement reports whether n is an element with one of the given names.
func isElement(n *html.Node, names ...string) bool {
	if n.Type != html.ElementNode {
		return false
	}
	for _, name := range names {
		if n.Data == name {
			return true
		}
	}
	return false
}

// attr returns the value of the named attribute, or "".
func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// classContainsAny reports whether the node's class attribute contains any
// of the given substrings, case-insensitively.
func classContainsAny(n *html.Node, subs ...string) bool {
	class := strings.ToLower(attr(n, "class"))
	if class == "" {
		return false
	}
	for _, sub := range subs {
		if strings.Contains(class, sub) {
			return true
		}
	}
	return false
}

// nodeText returns the concatenated text content of a subtree with
// whitespace collapsed to single spaces. Script and style bodies are
// excluded.
func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			sb.WriteString(node.Data)
			sb.WriteByte(' ')
			return
		}
		if isElement(node, "script", "style", "noscript") {
			return
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}

// isAncestor reports whether a is a strict ancestor of b.
func isAncestor(a, b *html.Node) bool {
	for p := b.Parent; p != nil; p = p.Parent {
		if p == a {
			return true
		}
	}
	return false
}

// firstHeadingText returns the text of the first h1-h6 in the subtree.
func firstHeadingText(n *html.Node) string {
	h := findFirst(n, func(node *html.Node) bool {
		return isElement(node, "h1", "h2", "h3", "h4", "h5", "h6")
	})
	if h == nil {
		return ""
	}
	return nodeText(h)
}

// resolveURL resolves href against base, returning href unchanged when
// either side does not parse.
func resolveURL(base, href string) string {
	b, err := url.Parse(base)
	if err != nil {
		return href
	}
	h, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return href
	}
	return b.ResolveReference(h).String()
}
