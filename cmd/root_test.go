package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmd_VersionFlag(t *testing.T) {
	resetForTest(t)
	out, err := execute(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "webpilot version "+Version)
}

func TestVersionCmd(t *testing.T) {
	resetForTest(t)
	// An invalid environment must not break the version command.
	t.Setenv("WEBPILOT_BROWSER_BACKEND", "netscape")

	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "webpilot version "+Version+"\n", out)
}

func TestLoadConfig_Layers(t *testing.T) {
	resetForTest(t)
	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
agent:
  max_steps: 7
  loop_window: 4
executor:
  resolve_timeout: 2s
llm:
  provider: openai
  model: local-model
`), 0o600))

	t.Run("file over defaults", func(t *testing.T) {
		cfg, err := loadConfig(viper.New(), path)
		require.NoError(t, err)
		assert.Equal(t, 7, cfg.Agent.MaxSteps)
		assert.Equal(t, 4, cfg.Agent.LoopWindow)
		assert.Equal(t, 2*time.Second, cfg.Executor.ResolveTimeout)
		assert.Equal(t, "local-model", cfg.LLM.Model)
		// Untouched keys keep their defaults.
		assert.Equal(t, 3, cfg.Agent.MaxGuardDeferrals)
	})

	t.Run("environment over file", func(t *testing.T) {
		t.Setenv("WEBPILOT_AGENT_MAX_STEPS", "9")
		t.Setenv("WEBPILOT_LLM_API_KEY", "sk-test")
		cfg, err := loadConfig(viper.New(), path)
		require.NoError(t, err)
		assert.Equal(t, 9, cfg.Agent.MaxSteps)
		assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	})

	t.Run("missing explicit file is an error", func(t *testing.T) {
		_, err := loadConfig(viper.New(), filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("no file at all uses defaults", func(t *testing.T) {
		cfg, err := loadConfig(viper.New(), "")
		require.NoError(t, err)
		assert.Equal(t, 25, cfg.Agent.MaxSteps)
	})
}

func TestRunCmd_RejectsInvalidConfig(t *testing.T) {
	resetForTest(t)

	_, err := execute(t, "run", "--backend", "firefox", "do something")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "browser.backend")
}

func TestRunCmd_RequiresGoal(t *testing.T) {
	resetForTest(t)

	_, err := execute(t, "run", "--backend", "static")
	assert.Error(t, err)
}
