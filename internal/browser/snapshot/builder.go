// internal/browser/snapshot/builder.go
package snapshot

import (
	"fmt"
	"hash"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/browser"
	"github.com/xkilldash9x/webpilot/internal/config"
)

const textTag = "#text"

// Node is one retained element (or merged text run) of a snapshot.
type Node struct {
	ID            string            `json:"id,omitempty"`
	Tag           string            `json:"tag"`
	Attrs         map[string]string `json:"attrs,omitempty"`
	Text          string            `json:"text,omitempty"`
	Value         *string           `json:"value,omitempty"`
	Children      []*Node           `json:"children,omitempty"`
	VisualIndex   int               `json:"visualIndex,omitempty"`
	VisualLabel   string            `json:"visualLabel,omitempty"`
	VisualStatus  string            `json:"visualStatus,omitempty"`
	ContainerHint string            `json:"containerHint,omitempty"`
	Interactive   bool              `json:"-"`
	// Duplicate marks interactive nodes that share tag, text and label with
	// another one; only these render their visual index.
	Duplicate bool `json:"duplicate,omitempty"`

	// Raw is the captured node this snapshot node was built from.
	Raw *browser.RawNode `json:"-"`
}

// IsText reports whether the node is a merged text run rather than an element.
func (n *Node) IsText() bool { return n.Tag == textTag }

// Snapshot is the pruned view of a page at one instant.
type Snapshot struct {
	Generation  uint64                       `json:"generation"`
	URL         string                       `json:"url"`
	Title       string                       `json:"title"`
	Nodes       []*Node                      `json:"nodes"`
	Locators    map[string][]schemas.Locator `json:"locators"`
	Fingerprint schemas.Fingerprint          `json:"fingerprint"`
	// Indicators are the visible error or invalid-state messages on the page.
	Indicators []string `json:"indicators,omitempty"`
	// Truncated is set when the depth bound cut the traversal short.
	Truncated bool `json:"truncated,omitempty"`

	byID map[string]*Node
}

// Node returns the retained node with the given id in this generation.
func (s *Snapshot) Node(id string) (*Node, bool) {
	n, ok := s.byID[id]
	return n, ok
}

// Len is the number of retained elements.
func (s *Snapshot) Len() int { return len(s.byID) }

// Builder turns captured page trees into snapshots. It owns the id sequence,
// so ids never collide across the generations it produces.
type Builder struct {
	mu             sync.Mutex
	logger         *zap.Logger
	nextID         uint64
	generation     uint64
	maxDepth       int
	maxText        int
	maxLocatorText int
}

// NewBuilder creates a Builder bounded by cfg.
func NewBuilder(cfg config.SnapshotConfig, logger *zap.Logger) *Builder {
	b := &Builder{
		logger:         logger.Named("snapshot"),
		maxDepth:       cfg.MaxDepth,
		maxText:        cfg.MaxTextLength,
		maxLocatorText: cfg.MaxLocatorText,
	}
	if b.maxDepth <= 0 {
		b.maxDepth = 50
	}
	if b.maxText <= 0 {
		b.maxText = 80
	}
	if b.maxLocatorText <= 0 {
		b.maxLocatorText = 40
	}
	return b
}

// Build produces a new snapshot generation from doc. Ids from earlier
// generations are never valid in the new one.
func (b *Builder) Build(doc *browser.Document) *Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.generation++
	snap := &Snapshot{
		Generation: b.generation,
		Locators:   make(map[string][]schemas.Locator),
		byID:       make(map[string]*Node),
	}
	if doc == nil {
		return snap
	}
	snap.URL, snap.Title = doc.URL, doc.Title
	snap.Fingerprint = schemas.Fingerprint{URL: doc.URL, Title: doc.Title}
	if doc.Root == nil {
		return snap
	}

	doc.Root.LinkParents()
	w := &walker{
		b:         b,
		snap:      snap,
		labelFor:  make(map[string]*browser.RawNode),
		byDOMID:   make(map[string]*browser.RawNode),
		hasher:    hasherPool.Get().(hash.Hash64),
		seenAlert: make(map[string]bool),
	}
	defer func() {
		w.hasher.Reset()
		hasherPool.Put(w.hasher)
	}()

	w.index(doc.Root)
	snap.Nodes = w.visit(doc.Root, 0, "")
	markDuplicates(snap.Nodes)

	snap.Fingerprint.TextLength = w.textLen
	snap.Fingerprint.InteractiveCount = w.interactive
	snap.Fingerprint.FormDigest = w.hasher.Sum64()

	if snap.Truncated {
		b.logger.Debug("Snapshot traversal truncated at depth bound", zap.Int("max_depth", b.maxDepth), zap.String("url", doc.URL))
	}
	return snap
}

var hasherPool = sync.Pool{
	New: func() interface{} { return fnv.New64a() },
}

type walker struct {
	b           *Builder
	snap        *Snapshot
	labelFor    map[string]*browser.RawNode
	byDOMID     map[string]*browser.RawNode
	hasher      hash.Hash64
	visual      int
	textLen     int
	interactive int
	seenAlert   map[string]bool
}

// index records label[for] associations and element ids within the depth bound.
func (w *walker) index(root *browser.RawNode) {
	type item struct {
		n     *browser.RawNode
		depth int
	}
	stack := []item{{root, 0}}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if it.depth > w.b.maxDepth || it.n.Kind != browser.ElementNode {
			continue
		}
		if id := it.n.Attr("id"); id != "" {
			if _, dup := w.byDOMID[id]; !dup {
				w.byDOMID[id] = it.n
			}
		}
		if it.n.Tag == "label" {
			if target := it.n.Attr("for"); target != "" {
				if _, dup := w.labelFor[target]; !dup {
					w.labelFor[target] = it.n
				}
			}
		}
		for _, c := range it.n.Children {
			stack = append(stack, item{c, it.depth + 1})
		}
	}
}

func (w *walker) visit(n *browser.RawNode, depth int, container string) []*Node {
	if depth > w.b.maxDepth {
		w.snap.Truncated = true
		return nil
	}

	if n.Kind == browser.TextNode {
		if !n.Visible {
			return nil
		}
		text := collapseSpace(n.Text)
		if text == "" {
			return nil
		}
		w.textLen += utf8.RuneCountInString(text)
		return []*Node{{Tag: textTag, Text: text}}
	}

	if skipTags[n.Tag] || !n.Visible {
		return nil
	}

	if hint := containerLabel(n); hint != "" {
		container = hint
	}
	w.collectIndicator(n)

	if isFormControl(n) {
		w.digestControl(n)
		return []*Node{w.newNode(n, container, true)}
	}

	var kids []*Node
	for _, c := range n.Children {
		kids = append(kids, w.visit(c, depth+1, container)...)
	}
	kids = mergeText(kids)

	interactive := isInteractive(n)
	hasText, hasElem := false, false
	for _, k := range kids {
		if k.IsText() {
			hasText = true
		} else {
			hasElem = true
		}
	}

	if !interactive && !isSemantic(n) {
		if inlineTags[n.Tag] && !hasElem {
			// Formatting runs fold into the parent's text.
			return kids
		}
		if !hasText && !(isStructural(n) && hasElem) {
			// Layout wrapper: hoist whatever it retained.
			return kids
		}
	}

	node := w.newNode(n, container, interactive)
	if len(kids) == 1 && kids[0].IsText() {
		node.Text = truncateRunes(kids[0].Text, w.b.maxText)
	} else {
		for _, k := range kids {
			if k.IsText() {
				k.Text = truncateRunes(k.Text, w.b.maxText)
			}
		}
		node.Children = kids
	}
	return []*Node{node}
}

func (w *walker) newNode(n *browser.RawNode, container string, interactive bool) *Node {
	w.b.nextID++
	w.visual++
	node := &Node{
		ID:           "e" + strconv.FormatUint(w.b.nextID, 10),
		Tag:          n.Tag,
		Attrs:        attributeSubset(n),
		VisualIndex:  w.visual,
		VisualStatus: visualStatus(n),
		Interactive:  interactive,
		Raw:          n,
	}
	if interactive {
		w.interactive++
		node.ContainerHint = container
	}
	if isFormControl(n) {
		node.VisualLabel = truncateRunes(w.resolveLabel(n), w.b.maxText)
		value := truncateRunes(n.Value, w.b.maxText)
		if !isToggle(n) {
			node.Value = &value
		}
		if n.Tag == "select" {
			node.Attrs["options"] = optionSummary(n, w.b.maxText)
		}
	}

	w.snap.byID[node.ID] = node
	w.snap.Locators[node.ID] = Candidates(n, w.b.maxLocatorText)
	return node
}

// resolveLabel walks the label fallback chain for a form control.
func (w *walker) resolveLabel(n *browser.RawNode) string {
	// Explicit label[for].
	if id := n.Attr("id"); id != "" {
		if label, ok := w.labelFor[id]; ok {
			if text := labelText(label, n); text != "" {
				return text
			}
		}
	}
	// Enclosing label.
	for p := n.Parent; p != nil; p = p.Parent {
		if p.IsElement("label") {
			if text := labelText(p, n); text != "" {
				return text
			}
			break
		}
	}
	// aria-labelledby references.
	if refs := strings.Fields(n.Attr("aria-labelledby")); len(refs) > 0 {
		var parts []string
		for _, ref := range refs {
			if target, ok := w.byDOMID[ref]; ok {
				if text := target.InnerText(); text != "" {
					parts = append(parts, text)
				}
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, " ")
		}
	}
	// Preceding sibling element, then preceding text node.
	if p := n.Parent; p != nil {
		var prevElem, prevText *browser.RawNode
		for _, sib := range p.Children {
			if sib == n {
				break
			}
			switch sib.Kind {
			case browser.ElementNode:
				prevElem, prevText = sib, nil
			case browser.TextNode:
				if strings.TrimSpace(sib.Text) != "" {
					prevText = sib
				}
			}
		}
		if prevElem != nil && prevElem.Visible && !isFormControl(prevElem) {
			if text := prevElem.InnerText(); text != "" {
				return text
			}
		}
		if prevText != nil {
			return collapseSpace(prevText.Text)
		}
	}
	return n.Attr("placeholder")
}

// labelText is the label's visible text without the control's own text.
func labelText(label, control *browser.RawNode) string {
	var sb strings.Builder
	var walk func(*browser.RawNode)
	walk = func(c *browser.RawNode) {
		if c == control || (c.Kind == browser.ElementNode && (!c.Visible || isFormControl(c))) {
			return
		}
		if c.Kind == browser.TextNode {
			sb.WriteString(c.Text)
			sb.WriteByte(' ')
			return
		}
		for _, ch := range c.Children {
			walk(ch)
		}
	}
	walk(label)
	return collapseSpace(sb.String())
}

func (w *walker) digestControl(n *browser.RawNode) {
	fmt.Fprintf(w.hasher, "%s|%s|%s|%s|%s|%t\x00", n.Tag, n.Attr("id"), n.Attr("name"), n.Attr("type"), n.Value, n.Checked)
}

func (w *walker) collectIndicator(n *browser.RawNode) {
	var text string
	switch {
	case n.Attr("role") == "alert" || n.Attr("aria-live") == "assertive":
		// Live regions announce successes too; only errors count.
		if t := n.InnerText(); isErrorAnnouncement(n.Attr("class"), t) {
			text = t
		}
	case strings.EqualFold(n.Attr("aria-invalid"), "true"):
		text = "invalid field"
		if name := n.Attr("name"); name != "" {
			text += ": " + name
		}
	case hasErrorClass(n.Attr("class")) && directText(n) != "":
		text = n.InnerText()
	}
	text = truncateRunes(text, w.b.maxText)
	if text != "" && !w.seenAlert[text] {
		w.seenAlert[text] = true
		w.snap.Indicators = append(w.snap.Indicators, text)
	}
}

// markDuplicates flags interactive nodes that are indistinguishable by tag,
// text and label.
func markDuplicates(nodes []*Node) {
	counts := make(map[string]int)
	var interactive []*Node
	var walk func([]*Node)
	walk = func(ns []*Node) {
		for _, n := range ns {
			if n.IsText() {
				continue
			}
			if n.Interactive {
				interactive = append(interactive, n)
				counts[duplicateKey(n)]++
			}
			walk(n.Children)
		}
	}
	walk(nodes)
	for _, n := range interactive {
		n.Duplicate = counts[duplicateKey(n)] > 1
	}
}

func duplicateKey(n *Node) string {
	return n.Tag + "\x00" + n.Text + "\x00" + n.VisualLabel + "\x00" + n.Attrs["name"]
}

func mergeText(nodes []*Node) []*Node {
	out := nodes[:0]
	for _, n := range nodes {
		if n.IsText() && len(out) > 0 && out[len(out)-1].IsText() {
			prev := out[len(out)-1]
			out[len(out)-1] = &Node{Tag: textTag, Text: prev.Text + " " + n.Text}
			continue
		}
		out = append(out, n)
	}
	return out
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit]) + "…"
}
