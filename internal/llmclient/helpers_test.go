package llmclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/webpilot/internal/config"
)

// testLLMConfig returns a config with pacing disabled and fast failures.
func testLLMConfig(provider, endpoint string) config.LLMConfig {
	cfg := config.NewDefaultConfig().LLM
	cfg.Provider = provider
	cfg.Endpoint = endpoint
	cfg.APIKey = "test-api-key"
	cfg.Model = "test-model"
	cfg.APITimeout = 5 * time.Second
	cfg.RequestsPerMinute = 0
	cfg.MaxRetries = 2
	return cfg
}

type collected struct {
	text  string
	calls []ToolCall
	err   error
}

// drain reads the stream to the end the way the planner does.
func drain(t *testing.T, ch <-chan Chunk) collected {
	t.Helper()
	acc := NewToolCallAccumulator()
	var out collected
	timeout := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				out.calls = acc.Finalize()
				return out
			}
			if chunk.Err != nil {
				out.err = chunk.Err
				continue
			}
			out.text += chunk.Text
			for _, d := range chunk.ToolCalls {
				acc.Add(d)
			}
		case <-timeout:
			require.FailNow(t, "stream did not finish")
		}
	}
}
