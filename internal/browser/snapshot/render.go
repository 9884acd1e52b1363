// internal/browser/snapshot/render.go
package snapshot

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Text renders the snapshot as an indentation-nested tree, one node per line:
//
//	[e4] input type=text name=user label="Username" value="" {required} in form#login
//	[e5] button "Sign in"
//
// An empty snapshot renders as "".
func (s *Snapshot) Text() string {
	var sb strings.Builder
	for _, n := range s.Nodes {
		renderNode(&sb, n, 0)
	}
	return sb.String()
}

func renderNode(sb *strings.Builder, n *Node, depth int) {
	sb.WriteString(strings.Repeat("  ", depth))
	if n.IsText() {
		sb.WriteString(strconv.Quote(n.Text))
		sb.WriteByte('\n')
		return
	}

	fmt.Fprintf(sb, "[%s] %s", n.ID, n.Tag)
	if n.Duplicate {
		fmt.Fprintf(sb, " #%d", n.VisualIndex)
	}

	keys := make([]string, 0, len(n.Attrs))
	for k := range n.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := n.Attrs[k]
		if strings.ContainsAny(v, " \"=") || v == "" {
			v = strconv.Quote(v)
		}
		fmt.Fprintf(sb, " %s=%s", k, v)
	}

	if n.VisualLabel != "" {
		fmt.Fprintf(sb, " label=%s", strconv.Quote(n.VisualLabel))
	}
	if n.Value != nil {
		fmt.Fprintf(sb, " value=%s", strconv.Quote(*n.Value))
	}
	if n.Text != "" {
		fmt.Fprintf(sb, " %s", strconv.Quote(n.Text))
	}
	if n.VisualStatus != "" {
		fmt.Fprintf(sb, " {%s}", n.VisualStatus)
	}
	if n.ContainerHint != "" {
		fmt.Fprintf(sb, " in %s", n.ContainerHint)
	}
	sb.WriteByte('\n')

	for _, c := range n.Children {
		renderNode(sb, c, depth+1)
	}
}
