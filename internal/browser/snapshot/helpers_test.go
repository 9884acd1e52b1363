// internal/browser/snapshot/helpers_test.go
package snapshot

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/webpilot/internal/browser"
	"github.com/xkilldash9x/webpilot/internal/browser/dom"
	"github.com/xkilldash9x/webpilot/internal/config"
)

const testBaseURL = "https://app.example.test/"

func testConfig() config.SnapshotConfig {
	return config.SnapshotConfig{MaxDepth: 50, MaxTextLength: 80, MaxLocatorText: 40}
}

// loadPage parses markup into a static page.
func loadPage(t *testing.T, markup string) *dom.Page {
	t.Helper()
	page := dom.NewPage(zaptest.NewLogger(t))
	require.NoError(t, page.LoadHTML(testBaseURL, strings.NewReader(markup)))
	return page
}

// capture returns the raw document for markup.
func capture(t *testing.T, markup string) *browser.Document {
	t.Helper()
	doc, err := loadPage(t, markup).Capture(context.Background(), 50)
	require.NoError(t, err)
	return doc
}

func build(t *testing.T, markup string) *Snapshot {
	t.Helper()
	return NewBuilder(testConfig(), zaptest.NewLogger(t)).Build(capture(t, markup))
}

// findRaw returns the first element in document order satisfying pred.
func findRaw(root *browser.RawNode, pred func(*browser.RawNode) bool) *browser.RawNode {
	if root == nil {
		return nil
	}
	if root.Kind == browser.ElementNode && pred(root) {
		return root
	}
	for _, c := range root.Children {
		if found := findRaw(c, pred); found != nil {
			return found
		}
	}
	return nil
}

// findNode returns the first retained node satisfying pred.
func findNode(nodes []*Node, pred func(*Node) bool) *Node {
	for _, n := range nodes {
		if !n.IsText() && pred(n) {
			return n
		}
		if found := findNode(n.Children, pred); found != nil {
			return found
		}
	}
	return nil
}

func byTag(tag string) func(*Node) bool {
	return func(n *Node) bool { return n.Tag == tag }
}
