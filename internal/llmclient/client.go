// internal/llmclient/client.go
package llmclient

import (
	"context"
	"errors"
	"net/http"
	"time"
)

var (
	// ErrTransport wraps every failure to reach the model or read its reply.
	ErrTransport = errors.New("model transport failure")
	// ErrAttachmentRejected reports that the provider refused the attached
	// image. Callers may retry the same request without it.
	ErrAttachmentRejected = errors.New("provider rejected the attachment")
)

// Role of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of the conversation sent to the model.
type Message struct {
	Role    Role
	Content string
}

// ParamType is the JSON type of a tool parameter.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamBoolean ParamType = "boolean"
	ParamInteger ParamType = "integer"
)

// Param declares one tool argument.
type Param struct {
	Name        string
	Type        ParamType
	Description string
	Required    bool
	Enum        []string
}

// ToolSpec declares a function the model may call.
type ToolSpec struct {
	Name        string
	Description string
	Params      []Param
}

// Attachment is binary context sent alongside the last user message.
type Attachment struct {
	MIMEType string
	Data     []byte
}

// Request is one streamed completion.
type Request struct {
	System     string
	Messages   []Message
	Tools      []ToolSpec
	Attachment *Attachment
}

// ToolCallDelta is a fragment of a tool call. Fragments with the same Index
// belong to the same call; Name and Arguments are concatenated in order.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// Chunk is one streamed piece of the model's reply. A chunk with a non-nil
// Err is the last one on the channel.
type Chunk struct {
	Text      string
	ToolCalls []ToolCallDelta
	Err       error
}

// Client streams completions from a model provider. The returned channel is
// closed when the reply is complete, the stream fails, or ctx is cancelled.
type Client interface {
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// newStreamingHTTPClient bounds the wait for response headers only. A total
// client timeout would also cut off a long, healthy stream; stalls are the
// caller's idle timer's job.
func newStreamingHTTPClient(headerTimeout time.Duration) *http.Client {
	return &http.Client{Transport: &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: headerTimeout,
	}}
}
