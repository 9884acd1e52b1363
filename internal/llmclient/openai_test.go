package llmclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/webpilot/internal/config"
)

func sseEvents(w http.ResponseWriter, events ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	flusher, _ := w.(http.Flusher)
	for _, e := range events {
		fmt.Fprintf(w, "data: %s\n\n", e)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func newOpenAITestClient(t *testing.T, handler http.HandlerFunc) *OpenAIClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewOpenAIClient(testLLMConfig(config.ProviderOpenAI, server.URL), zaptest.NewLogger(t))
	require.NoError(t, err)
	return client
}

func testRequest() Request {
	return Request{
		System:   "You operate a browser.",
		Messages: []Message{{Role: RoleUser, Content: "Log in as alice."}},
		Tools: []ToolSpec{{
			Name:        "fill",
			Description: "Fill a field.",
			Params: []Param{
				{Name: "target", Type: ParamString, Required: true},
				{Name: "subgoal_done", Type: ParamBoolean},
			},
		}},
	}
}

func TestOpenAIStreamAssemblesToolCalls(t *testing.T) {
	var captured map[string]interface{}
	client := newOpenAITestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-api-key", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &captured))

		sseEvents(w,
			`{"choices":[{"delta":{"content":"Filling the "}}]}`,
			`{"choices":[{"delta":{"content":"username."}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"fill","arguments":"{\"target\":"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"e4\",\"value\":\"alice\"}"}}]}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
			`[DONE]`,
		)
	})

	ch, err := client.Stream(context.Background(), testRequest())
	require.NoError(t, err)
	got := drain(t, ch)

	require.NoError(t, got.err)
	assert.Equal(t, "Filling the username.", got.text)
	assert.Equal(t, []ToolCall{{ID: "call_1", Name: "fill", Arguments: `{"target":"e4","value":"alice"}`}}, got.calls)

	assert.Equal(t, true, captured["stream"])
	assert.Equal(t, "auto", captured["tool_choice"])
	messages := captured["messages"].([]interface{})
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].(map[string]interface{})["role"])
}

func TestOpenAIStreamSendsAttachmentAsImagePart(t *testing.T) {
	var captured string
	client := newOpenAITestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		captured = string(body)
		sseEvents(w, `[DONE]`)
	})

	req := testRequest()
	req.Attachment = &Attachment{MIMEType: "image/png", Data: []byte("png")}
	ch, err := client.Stream(context.Background(), req)
	require.NoError(t, err)
	drain(t, ch)

	assert.Contains(t, captured, `"type":"image_url"`)
	assert.Contains(t, captured, "data:image/png;base64,cG5n")
}

func TestOpenAIStreamRetriesTransientStatus(t *testing.T) {
	var hits atomic.Int32
	client := newOpenAITestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		sseEvents(w, `{"choices":[{"delta":{"content":"ok"}}]}`, `[DONE]`)
	})

	ch, err := client.Stream(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "ok", drain(t, ch).text)
	assert.Equal(t, int32(2), hits.Load())
}

func TestOpenAIStreamErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		attachment bool
		wantErr    error
	}{
		{"ImageRejected", http.StatusBadRequest, `{"error":{"message":"Invalid image: unsupported MIME type"}}`, true, ErrAttachmentRejected},
		{"BadRequestWithoutImage", http.StatusBadRequest, `{"error":{"message":"Invalid image"}}`, false, ErrTransport},
		{"Unauthorized", http.StatusUnauthorized, `{"error":{"message":"bad key"}}`, false, ErrTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			client := newOpenAITestClient(t, func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})
			req := testRequest()
			if tt.attachment {
				req.Attachment = &Attachment{MIMEType: "image/png", Data: []byte{1}}
			}
			_, err := client.Stream(context.Background(), req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, int32(1), hits.Load(), "client errors are not retried")
		})
	}
}

func TestOpenAIStreamMalformedEvent(t *testing.T) {
	client := newOpenAITestClient(t, func(w http.ResponseWriter, r *http.Request) {
		sseEvents(w, `{"choices":[{"delta":{"content":"partial"}}]}`, `{not json`)
	})
	ch, err := client.Stream(context.Background(), testRequest())
	require.NoError(t, err)
	got := drain(t, ch)
	assert.Equal(t, "partial", got.text)
	assert.ErrorIs(t, got.err, ErrTransport)
}

func TestOpenAIStreamStopsOnCancel(t *testing.T) {
	release := make(chan struct{})
	client := newOpenAITestClient(t, func(w http.ResponseWriter, r *http.Request) {
		sseEvents(w, `{"choices":[{"delta":{"content":"first"}}]}`)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := client.Stream(ctx, testRequest())
	require.NoError(t, err)
	first := <-ch
	assert.Equal(t, "first", first.Text)

	cancel()
	select {
	case _, ok := <-ch:
		for ok {
			_, ok = <-ch
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream channel not closed after cancellation")
	}
}

func TestJSONSchemaDeclaresRequired(t *testing.T) {
	s := jsonSchema([]Param{
		{Name: "target", Type: ParamString, Required: true},
		{Name: "direction", Type: ParamString, Enum: []string{"up", "down"}},
	})
	assert.Equal(t, "object", s["type"])
	assert.Equal(t, []string{"target"}, s["required"])
	props := s["properties"].(map[string]interface{})
	assert.Equal(t, []string{"up", "down"}, props["direction"].(map[string]interface{})["enum"])
	assert.True(t, strings.Contains(fmt.Sprint(props["target"]), "string"))
}
