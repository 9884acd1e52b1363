// internal/llmclient/accumulator.go
package llmclient

import (
	"sort"
	"strings"
)

// ToolCall is a fully assembled tool call.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

type callBuilder struct {
	id   string
	name strings.Builder
	args strings.Builder
}

// ToolCallAccumulator assembles indexed tool-call fragments. Nothing is
// usable until Finalize, which is only meaningful once the stream has ended.
type ToolCallAccumulator struct {
	calls map[int]*callBuilder
}

// NewToolCallAccumulator returns an empty accumulator.
func NewToolCallAccumulator() *ToolCallAccumulator {
	return &ToolCallAccumulator{calls: make(map[int]*callBuilder)}
}

// Add merges one fragment.
func (a *ToolCallAccumulator) Add(d ToolCallDelta) {
	b, ok := a.calls[d.Index]
	if !ok {
		b = &callBuilder{}
		a.calls[d.Index] = b
	}
	if d.ID != "" {
		b.id = d.ID
	}
	b.name.WriteString(d.Name)
	b.args.WriteString(d.Arguments)
}

// Len reports how many distinct calls have been seen.
func (a *ToolCallAccumulator) Len() int { return len(a.calls) }

// Finalize returns the assembled calls ordered by index. Calls that never
// received a name are dropped.
func (a *ToolCallAccumulator) Finalize() []ToolCall {
	indexes := make([]int, 0, len(a.calls))
	for i := range a.calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	out := make([]ToolCall, 0, len(indexes))
	for _, i := range indexes {
		b := a.calls[i]
		name := strings.TrimSpace(b.name.String())
		if name == "" {
			continue
		}
		out = append(out, ToolCall{ID: b.id, Name: name, Arguments: b.args.String()})
	}
	return out
}
