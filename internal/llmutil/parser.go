// internal/llmutil/parser.go
package llmutil

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	json "github.com/json-iterator/go"
)

// ErrUnparseableResponse means no strategy found a usable action. The caller
// may recover by asking again.
var ErrUnparseableResponse = errors.New("response contained no recognizable action")

// maxScanObjects bounds the balanced-brace scan on adversarial input.
const maxScanObjects = 64

// Strategy names the parsing stage that produced a Call.
type Strategy string

const (
	StrategyNative Strategy = "native"
	StrategyTagged Strategy = "tagged"
	StrategyScan   Strategy = "json-scan"
)

// NativeCall is a tool call delivered by the provider's function-calling API.
type NativeCall struct {
	Name      string
	Arguments string
}

// Call is a parsed action request.
type Call struct {
	Name      string
	Arguments map[string]interface{}
	Source    Strategy
}

// taggedRegex matches <action>...</action> and <tool_call>...</tool_call>.
var taggedRegex = regexp.MustCompile(`(?s)<(action|tool_call)>\s*(.*?)\s*</(?:action|tool_call)>`)

// nameKeys and argKeys are the spellings models use when they write tool
// calls as plain JSON.
var (
	nameKeys = []string{"name", "tool", "action", "kind", "type", "function"}
	argKeys  = []string{"arguments", "args", "parameters", "params", "input"}
)

// Parser turns a model reply into one Call using an ordered chain of
// strategies. The first strategy that yields a known tool name wins.
type Parser struct {
	known map[string]bool
}

// NewParser accepts only the given tool names.
func NewParser(names ...string) *Parser {
	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}
	return &Parser{known: known}
}

// Parse runs the chain: native tool calls, then tagged blocks in text, then a
// balanced-brace scan for an embedded JSON object.
func (p *Parser) Parse(native []NativeCall, text string) (Call, error) {
	for _, nc := range native {
		if call, ok := p.fromNative(nc); ok {
			return call, nil
		}
	}
	for _, m := range taggedRegex.FindAllStringSubmatch(text, -1) {
		if call, ok := p.fromJSON(stripFence(m[2]), StrategyTagged); ok {
			return call, nil
		}
	}
	for _, candidate := range balancedObjects(text, maxScanObjects) {
		if call, ok := p.fromJSON(candidate, StrategyScan); ok {
			return call, nil
		}
	}
	return Call{}, fmt.Errorf("%w (excerpt: %q)", ErrUnparseableResponse, truncateString(strings.TrimSpace(text), 200))
}

func (p *Parser) fromNative(nc NativeCall) (Call, bool) {
	name := normalizeName(nc.Name)
	if !p.known[name] {
		return Call{}, false
	}
	args := map[string]interface{}{}
	if raw := strings.TrimSpace(nc.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return Call{}, false
		}
		if args == nil {
			args = map[string]interface{}{}
		}
	}
	return Call{Name: name, Arguments: args, Source: StrategyNative}, true
}

func (p *Parser) fromJSON(raw string, source Strategy) (Call, bool) {
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return Call{}, false
	}
	for _, nk := range nameKeys {
		s, ok := obj[nk].(string)
		if !ok {
			continue
		}
		name := normalizeName(s)
		if !p.known[name] {
			continue
		}
		return Call{Name: name, Arguments: extractArgs(obj, nk), Source: source}, true
	}
	return Call{}, false
}

// extractArgs returns the nested argument object, or the remaining keys when
// arguments were written inline next to the name.
func extractArgs(obj map[string]interface{}, nameKey string) map[string]interface{} {
	for _, ak := range argKeys {
		switch v := obj[ak].(type) {
		case map[string]interface{}:
			return v
		case string:
			var nested map[string]interface{}
			if err := json.Unmarshal([]byte(v), &nested); err == nil && nested != nil {
				return nested
			}
		}
	}
	args := make(map[string]interface{}, len(obj))
	for k, v := range obj {
		if k != nameKey {
			args[k] = v
		}
	}
	return args
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// stripFence removes a surrounding markdown code fence.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.Contains(s[:nl], "{") {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

// balancedObjects returns up to limit substrings of s that start at a '{'
// and end at its matching '}', honouring JSON string escapes. Outer objects
// come before the objects nested in them.
func balancedObjects(s string, limit int) []string {
	var out []string
	for start := 0; start < len(s) && len(out) < limit; start++ {
		if s[start] != '{' {
			continue
		}
		if end := matchBrace(s, start); end > start {
			out = append(out, s[start:end+1])
		}
	}
	return out
}

func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// truncateString truncates s to maxLen bytes on a rune boundary.
func truncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }
