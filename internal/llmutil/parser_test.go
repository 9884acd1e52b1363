package llmutil

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestParser() *Parser {
	return NewParser("navigate", "fill", "click", "select", "scroll", "wait", "complete")
}

func TestParse_Strategies(t *testing.T) {
	tests := []struct {
		name     string
		native   []NativeCall
		text     string
		wantName string
		wantArgs map[string]interface{}
		wantSrc  Strategy
	}{
		{
			name:     "native call wins over text",
			native:   []NativeCall{{Name: "click", Arguments: `{"target":"e3","description":"press login"}`}},
			text:     `<action>{"name":"wait","arguments":{}}</action>`,
			wantName: "click",
			wantArgs: map[string]interface{}{"target": "e3", "description": "press login"},
			wantSrc:  StrategyNative,
		},
		{
			name:     "unknown native name falls through to text",
			native:   []NativeCall{{Name: "teleport", Arguments: `{}`}},
			text:     `<action>{"name":"scroll","arguments":{"direction":"down"}}</action>`,
			wantName: "scroll",
			wantArgs: map[string]interface{}{"direction": "down"},
			wantSrc:  StrategyTagged,
		},
		{
			name:     "native with empty arguments",
			native:   []NativeCall{{Name: " Complete ", Arguments: ""}},
			wantName: "complete",
			wantArgs: map[string]interface{}{},
			wantSrc:  StrategyNative,
		},
		{
			name:     "tool_call tag with fenced body",
			text:     "thinking...\n<tool_call>\n```json\n{\"tool\":\"navigate\",\"args\":{\"url\":\"https://example.com\"}}\n```\n</tool_call>",
			wantName: "navigate",
			wantArgs: map[string]interface{}{"url": "https://example.com"},
			wantSrc:  StrategyTagged,
		},
		{
			name:     "arguments as JSON string",
			text:     `<action>{"name":"fill","arguments":"{\"target\":\"e1\",\"value\":\"bob\"}"}</action>`,
			wantName: "fill",
			wantArgs: map[string]interface{}{"target": "e1", "value": "bob"},
			wantSrc:  StrategyTagged,
		},
		{
			name:     "flat object in prose",
			text:     `I will now fill the field: {"action": "fill", "target": "e2", "value": "x}y"} and then submit.`,
			wantName: "fill",
			wantArgs: map[string]interface{}{"target": "e2", "value": "x}y"},
			wantSrc:  StrategyScan,
		},
		{
			name:     "nested object found after non-matching outer",
			text:     `{"thoughts":"go on","next":{"name":"wait","parameters":{"seconds":2}}}`,
			wantName: "wait",
			wantArgs: map[string]interface{}{"seconds": float64(2)},
			wantSrc:  StrategyScan,
		},
	}

	p := newTestParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			call, err := p.Parse(tt.native, tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, call.Name)
			assert.Equal(t, tt.wantArgs, call.Arguments)
			assert.Equal(t, tt.wantSrc, call.Source)
		})
	}
}

func TestParse_Unparseable(t *testing.T) {
	p := newTestParser()
	inputs := []string{
		"",
		"I think the page is loading.",
		`{"name": "hover", "target": "e1"}`,
		`<action>not json</action>`,
		`{"unterminated": "`,
	}
	for _, in := range inputs {
		_, err := p.Parse(nil, in)
		assert.True(t, errors.Is(err, ErrUnparseableResponse), "input %q", in)
	}
}

func TestParse_MalformedNativeArgumentsFallsBack(t *testing.T) {
	p := newTestParser()
	call, err := p.Parse([]NativeCall{{Name: "click", Arguments: `{"target":`}}, `{"name":"click","target":"e9"}`)
	require.NoError(t, err)
	assert.Equal(t, StrategyScan, call.Source)
	assert.Equal(t, "e9", call.Arguments["target"])
}

func TestBalancedObjectsRespectsLimit(t *testing.T) {
	text := strings.Repeat("{}", 500)
	assert.Len(t, balancedObjects(text, maxScanObjects), maxScanObjects)
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "", truncateString("abc", 0))
	assert.Equal(t, "abc", truncateString("abc", 10))
	assert.Equal(t, "ab...", truncateString("abcdef", 2))
	// "é" is two bytes; cutting inside it backs up to the rune start.
	assert.Equal(t, "a...", truncateString("aé", 2))
}

func TestStripFence(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripFence("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFence("```{\"a\":1}```"))
	assert.Equal(t, `{"a":1}`, stripFence(`  {"a":1} `))
}
