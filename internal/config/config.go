// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	Agent    AgentConfig    `mapstructure:"agent" yaml:"agent"`
	Executor ExecutorConfig `mapstructure:"executor" yaml:"executor"`
	Snapshot SnapshotConfig `mapstructure:"snapshot" yaml:"snapshot"`
	LLM      LLMConfig      `mapstructure:"llm" yaml:"llm"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig names the terminal color used for each log level.
type ColorConfig struct {
	Debug string `mapstructure:"debug" yaml:"debug"`
	Info  string `mapstructure:"info" yaml:"info"`
	Warn  string `mapstructure:"warn" yaml:"warn"`
	Error string `mapstructure:"error" yaml:"error"`
	Fatal string `mapstructure:"fatal" yaml:"fatal"`
}

// Browser backends.
const (
	BackendChrome = "chrome"
	BackendStatic = "static"
)

// BrowserConfig selects and tunes the page backend.
type BrowserConfig struct {
	Backend           string         `mapstructure:"backend" yaml:"backend"`
	Headless          bool           `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors   bool           `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Args              []string       `mapstructure:"args" yaml:"args"`
	Viewport          map[string]int `mapstructure:"viewport" yaml:"viewport"`
	UserAgent         string         `mapstructure:"user_agent" yaml:"user_agent"`
	NavigationTimeout time.Duration  `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	StartURL          string         `mapstructure:"start_url" yaml:"start_url"`
	Languages         []string       `mapstructure:"languages" yaml:"languages"`
	Locale            string         `mapstructure:"locale" yaml:"locale"`
	Timezone          string         `mapstructure:"timezone" yaml:"timezone"`
}

// AgentConfig tunes the orchestration loop and the planner.
type AgentConfig struct {
	MaxSteps          int           `mapstructure:"max_steps" yaml:"max_steps"`
	LoopWindow        int           `mapstructure:"loop_window" yaml:"loop_window"`
	MaxGuardDeferrals int           `mapstructure:"max_guard_deferrals" yaml:"max_guard_deferrals"`
	GuardWait         time.Duration `mapstructure:"guard_wait" yaml:"guard_wait"`
	AttachScreenshot  bool          `mapstructure:"attach_screenshot" yaml:"attach_screenshot"`
	HistoryLimit      int           `mapstructure:"history_limit" yaml:"history_limit"`
	EventBuffer       int           `mapstructure:"event_buffer" yaml:"event_buffer"`
}

// ExecutorConfig bounds every wait the action executor performs.
type ExecutorConfig struct {
	ResolveTimeout   time.Duration `mapstructure:"resolve_timeout" yaml:"resolve_timeout"`
	PollInterval     time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	StabilityTimeout time.Duration `mapstructure:"stability_timeout" yaml:"stability_timeout"`
	StabilitySilence time.Duration `mapstructure:"stability_silence" yaml:"stability_silence"`
	DefaultWait      time.Duration `mapstructure:"default_wait" yaml:"default_wait"`
	MaxWait          time.Duration `mapstructure:"max_wait" yaml:"max_wait"`
	ScrollStep       int           `mapstructure:"scroll_step" yaml:"scroll_step"`
}

// SnapshotConfig bounds page perception.
type SnapshotConfig struct {
	MaxDepth       int `mapstructure:"max_depth" yaml:"max_depth"`
	MaxTextLength  int `mapstructure:"max_text_length" yaml:"max_text_length"`
	MaxLocatorText int `mapstructure:"max_locator_text" yaml:"max_locator_text"`
}

// LLM providers.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// LLMConfig holds the configuration for the planning model.
type LLMConfig struct {
	Provider          string        `mapstructure:"provider" yaml:"provider"`
	Model             string        `mapstructure:"model" yaml:"model"`
	APIKey            string        `mapstructure:"api_key" yaml:"-"`
	Endpoint          string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout        time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	StreamIdleTimeout time.Duration `mapstructure:"stream_idle_timeout" yaml:"stream_idle_timeout"`
	Temperature       float32       `mapstructure:"temperature" yaml:"temperature"`
	TopP              float32       `mapstructure:"top_p" yaml:"top_p"`
	MaxTokens         int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	MaxRetries        int           `mapstructure:"max_retries" yaml:"max_retries"`
}

// DatabaseConfig holds the audit store connection details.
type DatabaseConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	URL     string `mapstructure:"url" yaml:"-"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "webpilot")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	v.SetDefault("browser.backend", BackendChrome)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.viewport", map[string]int{"width": 1280, "height": 900})
	v.SetDefault("browser.navigation_timeout", "30s")
	v.SetDefault("browser.start_url", "")
	v.SetDefault("browser.user_agent", "")

	// -- Agent --
	v.SetDefault("agent.max_steps", 25)
	v.SetDefault("agent.loop_window", 3)
	v.SetDefault("agent.max_guard_deferrals", 3)
	v.SetDefault("agent.guard_wait", "1500ms")
	v.SetDefault("agent.attach_screenshot", false)
	v.SetDefault("agent.history_limit", 30)
	v.SetDefault("agent.event_buffer", 64)

	// -- Executor --
	v.SetDefault("executor.resolve_timeout", "5s")
	v.SetDefault("executor.poll_interval", "150ms")
	v.SetDefault("executor.stability_timeout", "3s")
	v.SetDefault("executor.stability_silence", "300ms")
	v.SetDefault("executor.default_wait", "1s")
	v.SetDefault("executor.max_wait", "10s")
	v.SetDefault("executor.scroll_step", 600)

	// -- Snapshot --
	v.SetDefault("snapshot.max_depth", 50)
	v.SetDefault("snapshot.max_text_length", 80)
	v.SetDefault("snapshot.max_locator_text", 40)

	// -- LLM --
	v.SetDefault("llm.provider", ProviderGemini)
	v.SetDefault("llm.model", "gemini-2.5-flash")
	v.SetDefault("llm.endpoint", "")
	v.SetDefault("llm.api_timeout", "90s")
	v.SetDefault("llm.stream_idle_timeout", "45s")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.top_p", 0.95)
	v.SetDefault("llm.max_tokens", 2048)
	v.SetDefault("llm.requests_per_minute", 30)
	v.SetDefault("llm.max_retries", 3)

	// -- Database --
	v.SetDefault("database.enabled", false)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Secrets come from the environment, never from the config file.
	_ = v.BindEnv("llm.api_key", "WEBPILOT_LLM_API_KEY", "GEMINI_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("database.url", "WEBPILOT_DATABASE_URL", "DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch c.Browser.Backend {
	case BackendChrome, BackendStatic:
	default:
		return fmt.Errorf("browser.backend must be %q or %q, got %q", BackendChrome, BackendStatic, c.Browser.Backend)
	}
	if c.Agent.MaxSteps <= 0 {
		return fmt.Errorf("agent.max_steps must be a positive integer")
	}
	if c.Agent.LoopWindow < 2 {
		return fmt.Errorf("agent.loop_window must be at least 2")
	}
	if c.Agent.MaxGuardDeferrals <= 0 {
		return fmt.Errorf("agent.max_guard_deferrals must be a positive integer")
	}
	if c.Snapshot.MaxDepth <= 0 {
		return fmt.Errorf("snapshot.max_depth must be a positive integer")
	}
	if err := c.Executor.Validate(); err != nil {
		return fmt.Errorf("executor configuration invalid: %w", err)
	}
	if err := c.LLM.Validate(); err != nil {
		return fmt.Errorf("llm configuration invalid: %w", err)
	}
	if c.Database.Enabled && c.Database.URL == "" {
		return fmt.Errorf("database.url is required when database.enabled is true")
	}
	return nil
}

// Validate checks that every executor wait is bounded.
func (e *ExecutorConfig) Validate() error {
	if e.ResolveTimeout <= 0 || e.StabilityTimeout <= 0 || e.MaxWait <= 0 {
		return fmt.Errorf("resolve_timeout, stability_timeout and max_wait must be positive")
	}
	if e.PollInterval <= 0 || e.PollInterval > e.ResolveTimeout {
		return fmt.Errorf("poll_interval must be positive and not exceed resolve_timeout")
	}
	if e.StabilitySilence <= 0 || e.StabilitySilence >= e.StabilityTimeout {
		return fmt.Errorf("stability_silence must be positive and shorter than stability_timeout")
	}
	return nil
}

// Validate checks the model provider settings.
func (l *LLMConfig) Validate() error {
	switch l.Provider {
	case ProviderGemini, ProviderOpenAI:
	default:
		return fmt.Errorf("unsupported provider %q", l.Provider)
	}
	if l.Model == "" {
		return fmt.Errorf("model is required")
	}
	if l.StreamIdleTimeout <= 0 {
		return fmt.Errorf("stream_idle_timeout must be positive")
	}
	return nil
}
