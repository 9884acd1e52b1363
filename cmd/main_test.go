package cmd

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/observability"
)

// resetForTest isolates a test from config files and environment on the
// host running it.
func resetForTest(t *testing.T) {
	t.Helper()

	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	homedir.DisableCache = true
	t.Cleanup(func() { homedir.DisableCache = false })
	for _, key := range []string{"WEBPILOT_LLM_API_KEY", "GEMINI_API_KEY", "OPENAI_API_KEY", "DATABASE_URL", "WEBPILOT_DATABASE_URL"} {
		t.Setenv(key, "")
	}

	observability.Initialize(config.LoggerConfig{Level: "fatal", Format: "console", ServiceName: "test"}, zapcore.AddSync(io.Discard))
	t.Cleanup(observability.ResetForTest)
}

// execute runs a fresh command tree with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}
