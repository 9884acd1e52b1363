package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/webpilot/internal/browser/dom"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/llmclient"
)

// testConfig shrinks every wait so a full run finishes in well under a second.
func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Browser.Backend = config.BackendStatic
	cfg.Browser.NavigationTimeout = 2 * time.Second
	cfg.Agent.MaxSteps = 8
	cfg.Agent.GuardWait = 10 * time.Millisecond
	cfg.Agent.MaxGuardDeferrals = 2
	cfg.Executor.ResolveTimeout = 300 * time.Millisecond
	cfg.Executor.PollInterval = 20 * time.Millisecond
	cfg.Executor.StabilityTimeout = 300 * time.Millisecond
	cfg.Executor.StabilitySilence = 20 * time.Millisecond
	cfg.Executor.DefaultWait = 10 * time.Millisecond
	cfg.Executor.MaxWait = 50 * time.Millisecond
	cfg.LLM.StreamIdleTimeout = 2 * time.Second
	return cfg
}

func newStaticPage(t *testing.T, markup string) *dom.Page {
	t.Helper()
	page := dom.NewPage(zaptest.NewLogger(t))
	require.NoError(t, page.LoadHTML("https://app.example.test/", strings.NewReader(markup)))
	return page
}

// scriptStep is the canned reply for one Stream call.
type scriptStep struct {
	chunks []llmclient.Chunk
	err    error
}

// scriptedClient replays one step per Stream call. Each step sees the
// request, so it can pick element ids out of the rendered snapshot.
type scriptedClient struct {
	mu       sync.Mutex
	steps    []func(req llmclient.Request) scriptStep
	requests []llmclient.Request
}

func newScriptedClient(steps ...func(req llmclient.Request) scriptStep) *scriptedClient {
	return &scriptedClient{steps: steps}
}

func (c *scriptedClient) Stream(ctx context.Context, req llmclient.Request) (<-chan llmclient.Chunk, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	idx := len(c.requests) - 1
	c.mu.Unlock()

	if idx >= len(c.steps) {
		return nil, fmt.Errorf("%w: script exhausted after %d calls", llmclient.ErrTransport, len(c.steps))
	}
	step := c.steps[idx](req)
	if step.err != nil {
		return nil, step.err
	}
	ch := make(chan llmclient.Chunk, len(step.chunks))
	for _, chunk := range step.chunks {
		ch <- chunk
	}
	close(ch)
	return ch, nil
}

func (c *scriptedClient) prompt(i int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= len(c.requests) || len(c.requests[i].Messages) == 0 {
		return ""
	}
	msgs := c.requests[i].Messages
	return msgs[len(msgs)-1].Content
}

func (c *scriptedClient) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// toolCall streams a native call with its arguments split over two chunks.
func toolCall(name, args string) scriptStep {
	half := len(args) / 2
	return scriptStep{chunks: []llmclient.Chunk{
		{Text: "Looking at the page. ", ToolCalls: []llmclient.ToolCallDelta{{Index: 0, ID: "call_1", Name: name, Arguments: args[:half]}}},
		{ToolCalls: []llmclient.ToolCallDelta{{Index: 0, Arguments: args[half:]}}},
	}}
}

func textReply(text string) scriptStep {
	return scriptStep{chunks: []llmclient.Chunk{{Text: text}}}
}

var snapshotIDPattern = regexp.MustCompile(`\[(e\d+)\]`)

// findID returns the id of the first snapshot line containing every needle.
func findID(prompt string, needles ...string) string {
	for _, line := range strings.Split(prompt, "\n") {
		m := snapshotIDPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		match := true
		for _, n := range needles {
			if !strings.Contains(line, n) {
				match = false
				break
			}
		}
		if match {
			return m[1]
		}
	}
	return ""
}

func lastPrompt(req llmclient.Request) string {
	if len(req.Messages) == 0 {
		return ""
	}
	return req.Messages[len(req.Messages)-1].Content
}
