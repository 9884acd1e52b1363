// internal/browser/snapshot/rules.go
package snapshot

import (
	"strings"

	"github.com/xkilldash9x/webpilot/internal/browser"
)

// skipTags never render or never carry meaningful text.
var skipTags = map[string]bool{
	"head": true, "script": true, "style": true, "noscript": true, "template": true,
	"meta": true, "link": true, "title": true, "iframe": true, "object": true,
	"path": true, "g": true, "defs": true, "symbol": true, "use": true, "br": true, "wbr": true,
}

// inlineTags are formatting elements whose text belongs to their parent.
var inlineTags = map[string]bool{
	"span": true, "b": true, "i": true, "em": true, "strong": true, "small": true,
	"mark": true, "u": true, "s": true, "sub": true, "sup": true, "abbr": true,
	"time": true, "code": true, "kbd": true, "q": true, "cite": true, "font": true,
}

var interactiveRoles = map[string]bool{
	"button": true, "link": true, "checkbox": true, "radio": true, "tab": true,
	"menuitem": true, "menuitemcheckbox": true, "menuitemradio": true, "switch": true,
	"textbox": true, "combobox": true, "option": true, "slider": true, "searchbox": true,
	"spinbutton": true, "listbox": true, "treeitem": true,
}

var semanticRoles = map[string]bool{
	"alert": true, "status": true, "alertdialog": true, "dialog": true, "heading": true,
	"progressbar": true, "log": true, "banner": true,
}

var structuralTags = map[string]bool{
	"form": true, "fieldset": true, "dialog": true, "nav": true, "main": true,
	"header": true, "footer": true, "aside": true, "table": true, "tr": true,
	"ul": true, "ol": true, "li": true, "menu": true, "details": true,
}

var structuralRoles = map[string]bool{
	"navigation": true, "form": true, "list": true, "listitem": true, "menu": true,
	"tablist": true, "grid": true, "row": true, "group": true, "region": true,
	"toolbar": true, "radiogroup": true, "search": true, "main": true,
}

// attributesKept is the subset of attributes a snapshot node carries.
var attributesKept = []string{
	"type", "name", "role", "href", "placeholder", "aria-label", "title", "alt",
	"aria-expanded", "aria-haspopup", "min", "max", "pattern", "autocomplete",
}

const maxHrefLength = 60

func isFormControl(n *browser.RawNode) bool {
	switch n.Tag {
	case "input":
		return !strings.EqualFold(n.Attr("type"), "hidden")
	case "select", "textarea":
		return true
	}
	if n.HasAttr("contenteditable") {
		v := strings.ToLower(n.Attr("contenteditable"))
		return v == "" || v == "true" || v == "plaintext-only"
	}
	return false
}

// isToggle reports controls whose state is checked-ness rather than a value.
func isToggle(n *browser.RawNode) bool {
	if n.Tag != "input" {
		return false
	}
	switch strings.ToLower(n.Attr("type")) {
	case "checkbox", "radio", "submit", "button", "reset", "image":
		return true
	}
	return false
}

func isInteractive(n *browser.RawNode) bool {
	switch n.Tag {
	case "a":
		return n.HasAttr("href")
	case "button", "summary":
		return true
	}
	if isFormControl(n) {
		return true
	}
	if interactiveRoles[n.Attr("role")] {
		return true
	}
	return n.HasAttr("onclick")
}

func isSemantic(n *browser.RawNode) bool {
	switch n.Tag {
	case "h1", "h2", "h3", "h4", "h5", "h6", "label", "legend", "caption", "th":
		return true
	case "img":
		return strings.TrimSpace(n.Attr("alt")) != ""
	}
	if semanticRoles[n.Attr("role")] || n.HasAttr("aria-live") {
		return true
	}
	return false
}

func isStructural(n *browser.RawNode) bool {
	return structuralTags[n.Tag] || structuralRoles[n.Attr("role")]
}

// containerLabel names n when it scopes the controls inside it.
func containerLabel(n *browser.RawNode) string {
	var kind string
	switch {
	case n.Tag == "form" || n.Attr("role") == "form":
		kind = "form"
	case n.Tag == "dialog" || n.Attr("role") == "dialog" || n.Attr("role") == "alertdialog":
		kind = "dialog"
	case n.Tag == "nav" || n.Attr("role") == "navigation":
		kind = "nav"
	case n.Tag == "header", n.Tag == "footer", n.Tag == "aside", n.Tag == "main", n.Tag == "table":
		kind = n.Tag
	default:
		return ""
	}
	switch {
	case n.Attr("id") != "":
		return kind + "#" + n.Attr("id")
	case n.Attr("aria-label") != "":
		return kind + "[" + n.Attr("aria-label") + "]"
	case n.Attr("name") != "":
		return kind + "[" + n.Attr("name") + "]"
	}
	return kind
}

func attributeSubset(n *browser.RawNode) map[string]string {
	out := make(map[string]string)
	for _, name := range attributesKept {
		v, ok := n.Attrs[name]
		if !ok || v == "" {
			continue
		}
		if name == "href" {
			v = truncateRunes(v, maxHrefLength)
		}
		out[name] = v
	}
	return out
}

func visualStatus(n *browser.RawNode) string {
	var status []string
	if n.HasAttr("disabled") || n.Attr("aria-disabled") == "true" {
		status = append(status, "disabled")
	}
	if n.HasAttr("readonly") {
		status = append(status, "readonly")
	}
	if (isToggle(n) && n.Checked) || n.Attr("aria-checked") == "true" {
		status = append(status, "checked")
	}
	if n.Attr("aria-selected") == "true" {
		status = append(status, "selected")
	}
	switch n.Attr("aria-expanded") {
	case "true":
		status = append(status, "expanded")
	case "false":
		status = append(status, "collapsed")
	}
	if strings.EqualFold(n.Attr("aria-invalid"), "true") {
		status = append(status, "invalid")
	}
	if n.HasAttr("required") || n.Attr("aria-required") == "true" {
		status = append(status, "required")
	}
	return strings.Join(status, ",")
}

func optionSummary(n *browser.RawNode, limit int) string {
	var opts []string
	var walk func(*browser.RawNode)
	walk = func(c *browser.RawNode) {
		for _, ch := range c.Children {
			if ch.IsElement("option") {
				label := ch.InnerText()
				if label == "" {
					label = ch.Attr("value")
				}
				opts = append(opts, label)
				continue
			}
			if ch.IsElement("optgroup") {
				walk(ch)
			}
		}
	}
	walk(n)
	const maxOptions = 12
	if len(opts) > maxOptions {
		opts = append(opts[:maxOptions], "…")
	}
	return truncateRunes(strings.Join(opts, "|"), limit*2)
}

var (
	successClassTokens = []string{"success", "info", "ok", "notice", "confirm", "done"}
	errorWords         = []string{
		"error", "invalid", "fail", "incorrect", "wrong", "denied", "required",
		"not found", "unable", "cannot", "can't", "could not", "try again", "expired", "problem",
	}
)

// isErrorAnnouncement decides whether an alert or assertive live region
// reports a problem. Error classes win, success classes veto, and otherwise
// the wording decides.
func isErrorAnnouncement(class, text string) bool {
	if hasErrorClass(class) {
		return true
	}
	if hasSuccessClass(class) {
		return false
	}
	lower := strings.ToLower(text)
	for _, w := range errorWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// hasSuccessClass matches whole tokens and their last dash segment, so
// "alert-success" and "is-ok" count but "token" does not.
func hasSuccessClass(class string) bool {
	for _, token := range strings.Fields(strings.ToLower(class)) {
		last := token
		if i := strings.LastIndexAny(token, "-_"); i >= 0 {
			last = token[i+1:]
		}
		for _, s := range successClassTokens {
			if token == s || last == s {
				return true
			}
		}
	}
	return false
}

func hasErrorClass(class string) bool {
	for _, token := range strings.Fields(strings.ToLower(class)) {
		if strings.Contains(token, "error") || strings.Contains(token, "invalid") || strings.Contains(token, "danger") {
			return true
		}
	}
	return false
}

func directText(n *browser.RawNode) string {
	var parts []string
	for _, c := range n.Children {
		if c.Kind == browser.TextNode {
			if t := strings.TrimSpace(c.Text); t != "" {
				parts = append(parts, t)
			}
		}
	}
	return strings.Join(parts, " ")
}
