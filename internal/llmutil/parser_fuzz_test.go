package llmutil

import (
	"errors"
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
)

func FuzzParse(f *testing.F) {
	f.Add([]byte(`<action>{"name":"click","arguments":{"target":"e1"}}</action>`))
	f.Add([]byte(`{"tool":"fill","args":"{\"value\":\"x\"}"}`))
	f.Add([]byte(`{{{{"name":"wait"}`))
	f.Add([]byte("```json\n{}\n```"))

	p := newTestParser()
	f.Fuzz(func(t *testing.T, data []byte) {
		fuzzConsumer := fuzz.NewConsumer(data)
		nativeName, err := fuzzConsumer.GetString()
		if err != nil {
			return
		}
		nativeArgs, err := fuzzConsumer.GetString()
		if err != nil {
			return
		}
		text, err := fuzzConsumer.GetString()
		if err != nil {
			return
		}

		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("Parse panicked: %v", r)
			}
		}()

		call, err := p.Parse([]NativeCall{{Name: nativeName, Arguments: nativeArgs}}, text)
		if err != nil {
			if !errors.Is(err, ErrUnparseableResponse) {
				t.Fatalf("unexpected error type: %v", err)
			}
			return
		}
		if !p.known[call.Name] {
			t.Fatalf("parsed unknown tool %q", call.Name)
		}
		if call.Arguments == nil {
			t.Fatalf("nil arguments for %q", call.Name)
		}
	})
}
