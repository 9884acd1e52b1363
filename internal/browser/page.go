// internal/browser/page.go
package browser

import (
	"context"
	"errors"
	"strings"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

var (
	// ErrElementDetached is returned when a reference points at an element
	// that has left the document since it was matched.
	ErrElementDetached = errors.New("element detached from document")
	// ErrNotInteractable is returned when the element exists but cannot take
	// the requested interaction (wrong tag, zero geometry, disabled).
	ErrNotInteractable = errors.New("element not interactable")
	// ErrUnsupported is returned by backends that lack a capability, such as
	// screenshots on the static backend.
	ErrUnsupported = errors.New("operation not supported by this page backend")
)

// Ready states mirror document.readyState.
const (
	ReadyLoading     = "loading"
	ReadyInteractive = "interactive"
	ReadyComplete    = "complete"
)

// ElementRef is a backend-issued handle to one live element, valid until the
// next Match on the same page or until the element leaves the document.
type ElementRef string

// NodeKind distinguishes element nodes from text runs in a RawNode tree.
type NodeKind int

const (
	ElementNode NodeKind = iota
	TextNode
)

// RawNode is one node of the page tree as reported by a backend, before any
// pruning. Attribute values the backend failed to read are simply absent.
type RawNode struct {
	Kind     NodeKind          `json:"kind"`
	Tag      string            `json:"tag,omitempty"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Text     string            `json:"text,omitempty"`
	Visible  bool              `json:"visible"`
	Value    string            `json:"value,omitempty"`
	Checked  bool              `json:"checked,omitempty"`
	Key      string            `json:"key,omitempty"`
	Children []*RawNode        `json:"children,omitempty"`

	Parent *RawNode `json:"-"`
}

// Attr returns the attribute value or "" when absent.
func (n *RawNode) Attr(name string) string {
	if n == nil || n.Attrs == nil {
		return ""
	}
	return n.Attrs[name]
}

// HasAttr reports whether the attribute is present, even if empty.
func (n *RawNode) HasAttr(name string) bool {
	if n == nil || n.Attrs == nil {
		return false
	}
	_, ok := n.Attrs[name]
	return ok
}

// IsElement reports whether n is an element with the given lowercase tag.
func (n *RawNode) IsElement(tag string) bool {
	return n != nil && n.Kind == ElementNode && n.Tag == tag
}

// LinkParents sets Parent pointers throughout the tree rooted at n.
func (n *RawNode) LinkParents() {
	if n == nil {
		return
	}
	stack := []*RawNode{n}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, c := range cur.Children {
			c.Parent = cur
			stack = append(stack, c)
		}
	}
}

// InnerText concatenates the visible descendant text of n with whitespace
// collapsed.
func (n *RawNode) InnerText() string {
	var sb strings.Builder
	var walk func(*RawNode)
	walk = func(c *RawNode) {
		if c == nil || (c.Kind == ElementNode && !c.Visible) {
			return
		}
		if c.Kind == TextNode {
			sb.WriteString(c.Text)
			sb.WriteByte(' ')
			return
		}
		for _, ch := range c.Children {
			walk(ch)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}

// Document is one capture of the page.
type Document struct {
	URL        string   `json:"url"`
	Title      string   `json:"title"`
	ReadyState string   `json:"readyState"`
	Root       *RawNode `json:"root"`
}

// Page is the host page environment the agent perceives and acts on. Only
// the action executor calls the mutating methods.
type Page interface {
	// Capture reports the current tree, truncated at maxDepth levels below the root.
	Capture(ctx context.Context, maxDepth int) (*Document, error)
	// Match counts the currently visible elements the locator selects. When
	// exactly one matches, a reference to it is returned.
	Match(ctx context.Context, loc schemas.Locator) (ElementRef, int, error)

	Navigate(ctx context.Context, url string) error
	// SetValue replaces the element's value and dispatches input, change and blur.
	SetValue(ctx context.Context, ref ElementRef, value string) error
	ReadValue(ctx context.Context, ref ElementRef) (string, error)
	// Click performs a pointer sequence: move, press, release (which yields click).
	Click(ctx context.Context, ref ElementRef) error
	// SelectOption sets a select element's value and dispatches change.
	SelectOption(ctx context.Context, ref ElementRef, value string) error
	ScrollIntoView(ctx context.Context, ref ElementRef) error
	ScrollBy(ctx context.Context, dy int) error

	ReadyState(ctx context.Context) (string, error)
	// ObserveMutations registers a subtree observer (child list, attributes,
	// character data). stop disposes the registration and may be called more
	// than once.
	ObserveMutations(ctx context.Context) (events <-chan struct{}, stop func(), err error)
	Screenshot(ctx context.Context) ([]byte, error)
}
