// internal/llmclient/openai.go
package llmclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cenkalti/backoff/v4"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/internal/config"
)

const defaultOpenAIEndpoint = "https://api.openai.com/v1"

// OpenAIClient streams chat completions from any OpenAI-compatible endpoint.
type OpenAIClient struct {
	endpoint   string
	apiKey     string
	cfg        config.LLMConfig
	httpClient *http.Client
	pacer      *pacer
	logger     *zap.Logger
}

// NewOpenAIClient creates a client. cfg.Endpoint is the API base URL, for
// example "https://api.openai.com/v1".
func NewOpenAIClient(cfg config.LLMConfig, logger *zap.Logger) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = defaultOpenAIEndpoint
	}
	log := logger.Named("llm_client.openai")
	return &OpenAIClient{
		endpoint:   endpoint,
		apiKey:     cfg.APIKey,
		cfg:        cfg,
		httpClient: newStreamingHTTPClient(cfg.APITimeout),
		pacer:      newPacer(cfg, log),
		logger:     log,
	}, nil
}

// -- wire types --

type oaContentPart struct {
	Type     string      `json:"type"`
	Text     string      `json:"text,omitempty"`
	ImageURL *oaImageURL `json:"image_url,omitempty"`
}

type oaImageURL struct {
	URL string `json:"url"`
}

type oaMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type oaFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type oaTool struct {
	Type     string     `json:"type"`
	Function oaFunction `json:"function"`
}

type oaRequest struct {
	Model       string      `json:"model"`
	Messages    []oaMessage `json:"messages"`
	Tools       []oaTool    `json:"tools,omitempty"`
	ToolChoice  string      `json:"tool_choice,omitempty"`
	Temperature float32     `json:"temperature"`
	TopP        float32     `json:"top_p,omitempty"`
	MaxTokens   int         `json:"max_tokens,omitempty"`
	Stream      bool        `json:"stream"`
}

type oaToolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type oaStreamResponse struct {
	Choices []struct {
		Delta struct {
			Content   string            `json:"content"`
			ToolCalls []oaToolCallDelta `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Stream posts the request and returns the parsed SSE stream.
func (c *OpenAIClient) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	payload, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request payload: %w", err)
	}

	var body io.ReadCloser
	err = c.pacer.do(ctx, func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
		if resp.StatusCode >= 400 {
			defer resp.Body.Close()
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return c.statusError(resp.StatusCode, string(msg), req.Attachment != nil)
		}
		body = resp.Body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return streamSSE(ctx, body), nil
}

func (c *OpenAIClient) statusError(code int, msg string, hadAttachment bool) error {
	if code == http.StatusBadRequest && hadAttachment && mentionsAttachment(msg) {
		return backoff.Permanent(fmt.Errorf("%w: %s", ErrAttachmentRejected, msg))
	}
	err := fmt.Errorf("%w: status %d: %s", ErrTransport, code, strings.TrimSpace(msg))
	if retryableStatus(code) {
		return err
	}
	return backoff.Permanent(err)
}

func (c *OpenAIClient) buildRequest(req Request) oaRequest {
	out := oaRequest{
		Model:       c.cfg.Model,
		Temperature: c.cfg.Temperature,
		TopP:        c.cfg.TopP,
		MaxTokens:   c.cfg.MaxTokens,
		Stream:      true,
	}
	if req.System != "" {
		out.Messages = append(out.Messages, oaMessage{Role: "system", Content: req.System})
	}
	for i, m := range req.Messages {
		if i == len(req.Messages)-1 && req.Attachment != nil {
			dataURL := "data:" + req.Attachment.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(req.Attachment.Data)
			out.Messages = append(out.Messages, oaMessage{Role: string(m.Role), Content: []oaContentPart{
				{Type: "text", Text: m.Content},
				{Type: "image_url", ImageURL: &oaImageURL{URL: dataURL}},
			}})
			continue
		}
		out.Messages = append(out.Messages, oaMessage{Role: string(m.Role), Content: m.Content})
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, oaTool{Type: "function", Function: oaFunction{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  jsonSchema(t.Params),
		}})
	}
	if len(out.Tools) > 0 {
		out.ToolChoice = "auto"
	}
	return out
}

func jsonSchema(params []Param) map[string]interface{} {
	props := make(map[string]interface{}, len(params))
	required := []string{}
	for _, p := range params {
		prop := map[string]interface{}{"type": string(p.Type)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]interface{}{"type": "object", "properties": props, "required": required}
}

// streamSSE parses an OpenAI-style event stream into chunks.
func streamSSE(ctx context.Context, body io.ReadCloser) <-chan Chunk {
	ch := make(chan Chunk)
	go func() {
		defer close(ch)
		defer body.Close()

		send := func(c Chunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		reader := bufio.NewReader(body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF && ctx.Err() == nil {
					send(Chunk{Err: fmt.Errorf("%w: stream read failed: %v", ErrTransport, err)})
				}
				return
			}
			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var resp oaStreamResponse
			if err := json.Unmarshal([]byte(data), &resp); err != nil {
				send(Chunk{Err: fmt.Errorf("%w: malformed stream event: %v", ErrTransport, err)})
				return
			}
			if resp.Error != nil {
				send(Chunk{Err: fmt.Errorf("%w: %s", ErrTransport, resp.Error.Message)})
				return
			}
			for _, choice := range resp.Choices {
				chunk := Chunk{Text: choice.Delta.Content}
				for _, tc := range choice.Delta.ToolCalls {
					chunk.ToolCalls = append(chunk.ToolCalls, ToolCallDelta{
						Index:     tc.Index,
						ID:        tc.ID,
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					})
				}
				if chunk.Text == "" && len(chunk.ToolCalls) == 0 {
					continue
				}
				if !send(chunk) {
					return
				}
			}
		}
	}()
	return ch
}
