// internal/llmclient/gemini.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"

	"github.com/cenkalti/backoff/v4"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/webpilot/internal/config"
)

// GeminiClient streams from the Gemini API with native function calling.
type GeminiClient struct {
	client     *genai.Client
	httpClient *http.Client
	cfg        config.LLMConfig
	pacer      *pacer
	logger     *zap.Logger
}

// NewGeminiClient creates a client. cfg.Endpoint, when set, overrides the
// API base URL.
func NewGeminiClient(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}
	httpClient := newStreamingHTTPClient(cfg.APITimeout)
	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if cfg.Endpoint != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.Endpoint}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	log := logger.Named("llm_client.gemini")
	return &GeminiClient{client: client, httpClient: httpClient, cfg: cfg, pacer: newPacer(cfg, log), logger: log}, nil
}

// Stream starts a streamed generation. Connection failures and transient API
// errors are retried before the channel is returned.
func (c *GeminiClient) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	contents := c.buildContents(req)
	genCfg := c.buildConfig(req)

	var (
		next  func() (*genai.GenerateContentResponse, error, bool)
		stop  func()
		first *genai.GenerateContentResponse
	)
	err := c.pacer.do(ctx, func() error {
		stream := c.client.Models.GenerateContentStream(ctx, c.cfg.Model, contents, genCfg)
		n, s := iter.Pull2(stream)
		resp, err, ok := n()
		if err != nil {
			s()
			return c.classify(err, req.Attachment != nil)
		}
		next, stop, first = n, s, resp
		if !ok {
			first = nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ch := make(chan Chunk)
	go func() {
		defer close(ch)
		defer stop()
		index := 0
		resp := first
		for resp != nil {
			if chunk, ok := c.toChunk(resp, &index); ok {
				select {
				case ch <- chunk:
				case <-ctx.Done():
					return
				}
			}
			var err error
			var ok bool
			resp, err, ok = next()
			if err != nil {
				select {
				case ch <- Chunk{Err: c.classify(err, req.Attachment != nil)}:
				case <-ctx.Done():
				}
				return
			}
			if !ok {
				return
			}
		}
	}()
	return ch, nil
}

// toChunk converts one streamed response. Gemini delivers whole function
// calls, so each call becomes a single fragment with its own index.
func (c *GeminiClient) toChunk(resp *genai.GenerateContentResponse, index *int) (Chunk, bool) {
	var chunk Chunk
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return chunk, false
	}
	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil {
			continue
		}
		if part.Thought {
			continue
		}
		if part.Text != "" {
			text.WriteString(part.Text)
		}
		if fc := part.FunctionCall; fc != nil {
			args, err := json.Marshal(fc.Args)
			if err != nil {
				c.logger.Warn("Dropping function call with unencodable arguments", zap.String("name", fc.Name), zap.Error(err))
				continue
			}
			chunk.ToolCalls = append(chunk.ToolCalls, ToolCallDelta{Index: *index, ID: fc.ID, Name: fc.Name, Arguments: string(args)})
			*index++
		}
	}
	chunk.Text = text.String()
	return chunk, chunk.Text != "" || len(chunk.ToolCalls) > 0
}

func (c *GeminiClient) buildContents(req Request) []*genai.Content {
	contents := make([]*genai.Content, 0, len(req.Messages))
	for i, m := range req.Messages {
		role := genai.RoleUser
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		parts := []*genai.Part{genai.NewPartFromText(m.Content)}
		if i == len(req.Messages)-1 && req.Attachment != nil {
			parts = append(parts, genai.NewPartFromBytes(req.Attachment.Data, req.Attachment.MIMEType))
		}
		contents = append(contents, genai.NewContentFromParts(parts, genai.Role(role)))
	}
	return contents
}

func (c *GeminiClient) buildConfig(req Request) *genai.GenerateContentConfig {
	temperature := c.cfg.Temperature
	topP := c.cfg.TopP
	gc := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		TopP:            &topP,
		MaxOutputTokens: int32(c.cfg.MaxTokens),
	}
	if req.System != "" {
		gc.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  geminiSchema(t.Params),
			})
		}
		gc.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
		gc.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAuto},
		}
	}
	return gc
}

func geminiSchema(params []Param) *genai.Schema {
	s := &genai.Schema{Type: genai.TypeObject, Properties: make(map[string]*genai.Schema, len(params))}
	for _, p := range params {
		prop := &genai.Schema{Description: p.Description, Enum: p.Enum}
		switch p.Type {
		case ParamBoolean:
			prop.Type = genai.TypeBoolean
		case ParamInteger:
			prop.Type = genai.TypeInteger
		default:
			prop.Type = genai.TypeString
		}
		s.Properties[p.Name] = prop
		if p.Required {
			s.Required = append(s.Required, p.Name)
		}
	}
	return s
}

// classify maps a genai error into the package's taxonomy and marks
// non-retryable ones permanent.
func (c *GeminiClient) classify(err error, hadAttachment bool) error {
	code, msg, ok := apiError(err)
	if !ok {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if code == http.StatusBadRequest && hadAttachment && mentionsAttachment(msg) {
		return backoff.Permanent(fmt.Errorf("%w: %s", ErrAttachmentRejected, msg))
	}
	wrapped := fmt.Errorf("%w: gemini API error %d: %s", ErrTransport, code, msg)
	if retryableStatus(code) {
		return wrapped
	}
	return backoff.Permanent(wrapped)
}

func apiError(err error) (int, string, bool) {
	var val genai.APIError
	if errors.As(err, &val) {
		return val.Code, val.Message, true
	}
	var ptr *genai.APIError
	if errors.As(err, &ptr) && ptr != nil {
		return ptr.Code, ptr.Message, true
	}
	return 0, "", false
}

func mentionsAttachment(msg string) bool {
	msg = strings.ToLower(msg)
	for _, hint := range []string{"image", "mime", "inline_data", "inlinedata", "attachment"} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}
