package schemas

import "fmt"

// -- Locator Schemas --

// LocatorKind names the strategy a locator candidate uses to re-find an element.
type LocatorKind string

const (
	LocatorID           LocatorKind = "id"
	LocatorTestAttr     LocatorKind = "test-attr"
	LocatorSemanticAttr LocatorKind = "semantic-attr"
	LocatorTextPath     LocatorKind = "text-path"
	LocatorPositional   LocatorKind = "positional"
	LocatorStructural   LocatorKind = "structural"
)

// SelectorSyntax tells a page backend how to evaluate a locator value.
type SelectorSyntax string

const (
	SyntaxCSS   SelectorSyntax = "css"
	SyntaxXPath SelectorSyntax = "xpath"
)

// Locator is one strategy+value pair for re-finding a previously observed element.
type Locator struct {
	Kind   LocatorKind    `json:"kind"`
	Syntax SelectorSyntax `json:"syntax"`
	Value  string         `json:"value"`
}

func (l Locator) String() string {
	return fmt.Sprintf("%s:%s", l.Kind, l.Value)
}

// -- Fingerprint Schemas --

// Fingerprint is a cheap summary of page state. Two equal fingerprints mean
// no observable change happened between them. It is comparable with ==.
type Fingerprint struct {
	URL              string `json:"url"`
	Title            string `json:"title"`
	TextLength       int    `json:"text_length"`
	InteractiveCount int    `json:"interactive_count"`
	// FormDigest is a hash over every form control's identity and live value.
	FormDigest uint64 `json:"form_digest"`
}

// IsZero reports whether the fingerprint was never computed.
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("%s|%q|text=%d|interactive=%d|forms=%x", f.URL, f.Title, f.TextLength, f.InteractiveCount, f.FormDigest)
}
