// internal/browser/dom/node.go
package dom

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return true
		}
	}
	return false
}

func removeAttr(n *html.Node, key string) {
	for i, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			return
		}
	}
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func findParentForm(n *html.Node) *html.Node {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && strings.EqualFold(p.Data, "form") {
			return p
		}
	}
	return nil
}

func documentElement(doc *html.Node) *html.Node {
	for c := doc.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			return c
		}
	}
	return nil
}

// attached reports whether n is still reachable from doc.
func attached(n, doc *html.Node) bool {
	for cur := n; cur != nil; cur = cur.Parent {
		if cur == doc {
			return true
		}
	}
	return false
}

// nodeKey identifies a live node for the lifetime of its document.
func nodeKey(n *html.Node) string {
	return fmt.Sprintf("%p", n)
}

func isContentEditable(n *html.Node) bool {
	if !hasAttr(n, "contenteditable") {
		return false
	}
	v := strings.ToLower(attr(n, "contenteditable"))
	return v == "" || v == "true" || v == "plaintext-only"
}

var nonRenderingTags = map[string]bool{
	"head": true, "script": true, "style": true, "noscript": true,
	"template": true, "meta": true, "link": true, "title": true,
}

// selfVisible applies the markup-level visibility rules that a static
// document can evaluate: the hidden attribute, inline display, visibility
// and opacity, and hidden inputs.
func selfVisible(n *html.Node) bool {
	tag := strings.ToLower(n.Data)
	if nonRenderingTags[tag] || hasAttr(n, "hidden") {
		return false
	}
	if tag == "input" && strings.EqualFold(attr(n, "type"), "hidden") {
		return false
	}
	style := strings.ToLower(strings.ReplaceAll(attr(n, "style"), " ", ""))
	for _, decl := range strings.Split(style, ";") {
		switch {
		case decl == "display:none", decl == "visibility:hidden", decl == "visibility:collapse":
			return false
		case strings.HasPrefix(decl, "opacity:"):
			if f, err := strconv.ParseFloat(strings.TrimPrefix(decl, "opacity:"), 64); err == nil && f == 0 {
				return false
			}
		}
	}
	return true
}

// isRendered walks up from n checking every ancestor.
func isRendered(n *html.Node) bool {
	for cur := n; cur != nil && cur.Type == html.ElementNode; cur = cur.Parent {
		if !selfVisible(cur) {
			return false
		}
	}
	return true
}

// liveValue is what element.value would return.
func liveValue(n *html.Node) string {
	switch strings.ToLower(n.Data) {
	case "input":
		return attr(n, "value")
	case "textarea":
		return htmlquery.InnerText(n)
	case "select":
		options := htmlquery.Find(n, ".//option")
		for _, opt := range options {
			if hasAttr(opt, "selected") {
				return optionValue(opt)
			}
		}
		if len(options) > 0 {
			return optionValue(options[0])
		}
		return ""
	default:
		if isContentEditable(n) {
			return htmlquery.InnerText(n)
		}
		return ""
	}
}

func optionValue(opt *html.Node) string {
	if hasAttr(opt, "value") {
		return attr(opt, "value")
	}
	return strings.TrimSpace(htmlquery.InnerText(opt))
}

func replaceChildrenWithText(n *html.Node, text string) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		c = next
	}
	if text != "" {
		n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	}
}

// truncateToMaxLength applies maxlength the way a browser limits typed input.
func truncateToMaxLength(n *html.Node, value string) string {
	limit, err := strconv.Atoi(attr(n, "maxlength"))
	if err != nil || limit < 0 || utf8.RuneCountInString(value) <= limit {
		return value
	}
	return string([]rune(value)[:limit])
}

func selectRadio(n *html.Node) {
	name := attr(n, "name")
	if name == "" {
		setAttr(n, "checked", "checked")
		return
	}
	root := findParentForm(n)
	if root == nil {
		root = n
		for root.Parent != nil {
			root = root.Parent
		}
	}
	for _, radio := range htmlquery.Find(root, ".//input[@type='radio']") {
		if attr(radio, "name") != name {
			continue
		}
		if radio == n {
			setAttr(radio, "checked", "checked")
		} else {
			removeAttr(radio, "checked")
		}
	}
}

// labelTarget returns the control a label activates: its for= target or
// its first descendant control.
func labelTarget(doc, label *html.Node) *html.Node {
	if id := attr(label, "for"); id != "" {
		var found *html.Node
		var walk func(*html.Node)
		walk = func(c *html.Node) {
			if found != nil {
				return
			}
			if c.Type == html.ElementNode && attr(c, "id") == id {
				found = c
				return
			}
			for ch := c.FirstChild; ch != nil; ch = ch.NextSibling {
				walk(ch)
			}
		}
		walk(doc)
		return found
	}
	return htmlquery.FindOne(label, ".//input | .//select | .//textarea | .//button")
}
