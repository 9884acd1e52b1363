// internal/browser/snapshot/locator.go
package snapshot

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/browser"
)

// testAttributes are the attributes test suites conventionally pin elements with.
var testAttributes = []string{"data-testid", "data-test", "data-test-id", "data-qa", "data-cy"}

// safeIdent matches ids usable as a bare CSS #id selector.
var safeIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// Candidates returns the ordered ways to re-find n, most robust first. The
// result always ends with a structural path, so it is never empty.
func Candidates(n *browser.RawNode, maxText int) []schemas.Locator {
	var out []schemas.Locator
	seen := make(map[string]bool)
	add := func(kind schemas.LocatorKind, syntax schemas.SelectorSyntax, value string) {
		if value == "" || seen[value] {
			return
		}
		seen[value] = true
		out = append(out, schemas.Locator{Kind: kind, Syntax: syntax, Value: value})
	}

	tag := n.Tag

	// 1. Global id.
	if id := n.Attr("id"); safeIdent.MatchString(id) {
		add(schemas.LocatorID, schemas.SyntaxCSS, "#"+id)
	}

	// 2. Test attributes.
	for _, name := range testAttributes {
		if v := n.Attr(name); v != "" && cssStringSafe(v) {
			add(schemas.LocatorTestAttr, schemas.SyntaxCSS, fmt.Sprintf(`[%s="%s"]`, name, cssEscape(v)))
		}
	}

	// 3. name and aria-label.
	for _, name := range []string{"name", "aria-label"} {
		if v := n.Attr(name); v != "" && cssStringSafe(v) {
			add(schemas.LocatorSemanticAttr, schemas.SyntaxCSS, fmt.Sprintf(`%s[%s="%s"]`, tag, name, cssEscape(v)))
		}
	}

	// 4. Short visible text, plus a variant matching anything button-like.
	if text := locatorText(n); text != "" && utf8.RuneCountInString(text) <= maxText {
		lit := xpathLiteral(text)
		if tag == "input" {
			add(schemas.LocatorTextPath, schemas.SyntaxXPath, fmt.Sprintf("//input[@value=%s]", lit))
		} else {
			add(schemas.LocatorTextPath, schemas.SyntaxXPath, fmt.Sprintf("//%s[normalize-space(.)=%s]", tag, lit))
		}
		if isButtonLike(n) {
			add(schemas.LocatorTextPath, schemas.SyntaxXPath, fmt.Sprintf(
				"//*[(self::button or self::a or @role='button' or (self::input and (@type='submit' or @type='button'))) and (normalize-space(.)=%s or @value=%s)]",
				lit, lit))
		}
	}

	// 5. Position among same-tag siblings.
	if p := n.Parent; p != nil && p.Kind == browser.ElementNode {
		parentSel := p.Tag
		if id := p.Attr("id"); safeIdent.MatchString(id) {
			parentSel = "#" + id
		}
		add(schemas.LocatorPositional, schemas.SyntaxCSS, fmt.Sprintf("%s > %s:nth-of-type(%d)", parentSel, tag, sameTagIndex(n)))
	}

	// 6. Structural path; always present.
	add(schemas.LocatorStructural, schemas.SyntaxXPath, StructuralXPath(n))
	return out
}

// StructuralXPath builds an XPath for n anchored at the nearest ancestor
// (or n itself) carrying an id, falling back to an absolute path from the root.
func StructuralXPath(n *browser.RawNode) string {
	if n == nil {
		return "/"
	}

	var path []string
	anchored := false
	for cur := n; cur != nil; cur = cur.Parent {
		if cur.Kind != browser.ElementNode || cur.Tag == "" {
			continue
		}
		if id := cur.Attr("id"); id != "" {
			path = append(path, fmt.Sprintf("//*[@id=%s]", xpathLiteral(id)))
			anchored = true
			break
		}
		path = append(path, fmt.Sprintf("%s[%d]", cur.Tag, sameTagIndex(cur)))
	}
	if len(path) == 0 {
		return "/"
	}

	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	xpath := strings.Join(path, "/")
	if !anchored {
		xpath = "/" + xpath
	}
	return xpath
}

// sameTagIndex is the 1-based position of n among its parent's element
// children with the same tag.
func sameTagIndex(n *browser.RawNode) int {
	if n.Parent == nil {
		return 1
	}
	index := 1
	for _, sib := range n.Parent.Children {
		if sib == n {
			break
		}
		if sib.Kind == browser.ElementNode && sib.Tag == n.Tag {
			index++
		}
	}
	return index
}

func locatorText(n *browser.RawNode) string {
	if n.Tag == "input" {
		switch strings.ToLower(n.Attr("type")) {
		case "submit", "button", "reset":
			return strings.TrimSpace(n.Attr("value"))
		}
		return ""
	}
	switch n.Tag {
	case "select", "textarea", "html", "body":
		return ""
	}
	return n.InnerText()
}

func isButtonLike(n *browser.RawNode) bool {
	switch n.Tag {
	case "button", "a":
		return true
	case "input":
		t := strings.ToLower(n.Attr("type"))
		return t == "submit" || t == "button"
	}
	return n.Attr("role") == "button"
}

// xpathLiteral quotes s as an XPath 1.0 string literal.
func xpathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, "'")
	quoted := make([]string, 0, len(parts)*2)
	for i, p := range parts {
		if i > 0 {
			quoted = append(quoted, `"'"`)
		}
		if p != "" {
			quoted = append(quoted, "'"+p+"'")
		}
	}
	if len(quoted) < 2 {
		quoted = append(quoted, "''")
	}
	return "concat(" + strings.Join(quoted, ", ") + ")"
}

// cssStringSafe rejects values with control characters, which would need
// CSS escapes most matchers handle inconsistently.
func cssStringSafe(s string) bool {
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}

func cssEscape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}
