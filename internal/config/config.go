// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// LLM provider identifiers. Selection happens once, at session creation.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// Execution modes for a session.
const (
	ModeConfirmEach = "confirm-each"
	ModeAutonomous  = "autonomous"
)

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	LLM      LLMConfig      `mapstructure:"llm" yaml:"llm"`
	Agent    AgentConfig    `mapstructure:"agent" yaml:"agent"`
	Security SecurityConfig `mapstructure:"security" yaml:"security"`
	Search   SearchConfig   `mapstructure:"search" yaml:"search"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
	Quiet       bool   `mapstructure:"quiet" yaml:"quiet"`
}

// LLMConfig selects and parameterizes the language model backend.
type LLMConfig struct {
	Provider    string        `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature"`
}

// AgentConfig bounds the orchestrator loop and the conversation window.
type AgentConfig struct {
	Mode            string        `mapstructure:"mode" yaml:"mode"`
	StepLimit       int           `mapstructure:"step_limit" yaml:"step_limit"`
	WindowSize      int           `mapstructure:"window_size" yaml:"window_size"`
	WindowTokens    int           `mapstructure:"window_tokens" yaml:"window_tokens"`
	LocalTimeout    time.Duration `mapstructure:"local_timeout" yaml:"local_timeout"`
	RemoteTimeout   time.Duration `mapstructure:"remote_timeout" yaml:"remote_timeout"`
	PlanFile        string        `mapstructure:"plan_file" yaml:"plan_file"`
	MaxParseRetries int           `mapstructure:"max_parse_retries" yaml:"max_parse_retries"`
}

// SecurityConfig tunes the command classification gate.
type SecurityConfig struct {
	// KillSwitch disables command execution entirely: every command is
	// classified blocked regardless of content.
	KillSwitch     bool     `mapstructure:"kill_switch" yaml:"kill_switch"`
	ExtraDangerous []string `mapstructure:"extra_dangerous" yaml:"extra_dangerous"`
	AllowedPaths   []string `mapstructure:"allowed_paths" yaml:"allowed_paths"`
}

// SearchConfig bounds the web search sub-agent.
type SearchConfig struct {
	Endpoint      string        `mapstructure:"endpoint" yaml:"endpoint"`
	MaxIterations int           `mapstructure:"max_iterations" yaml:"max_iterations"`
	MaxSources    int           `mapstructure:"max_sources" yaml:"max_sources"`
	MinConfidence float64       `mapstructure:"min_confidence" yaml:"min_confidence"`
	FetchTimeout  time.Duration `mapstructure:"fetch_timeout" yaml:"fetch_timeout"`
	MaxContentLen int           `mapstructure:"max_content_len" yaml:"max_content_len"`
	UserAgent     string        `mapstructure:"user_agent" yaml:"user_agent"`
}

// StoreConfig locates the durable session archive.
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "taskpilot")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.quiet", false)

	v.SetDefault("llm.provider", ProviderOpenAI)
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.api_timeout", 2*time.Minute)
	v.SetDefault("llm.max_tokens", 2048)
	v.SetDefault("llm.temperature", 0.5)

	v.SetDefault("agent.mode", ModeConfirmEach)
	v.SetDefault("agent.step_limit", 100)
	v.SetDefault("agent.window_size", 20)
	v.SetDefault("agent.window_tokens", 24000)
	v.SetDefault("agent.local_timeout", 2*time.Minute)
	v.SetDefault("agent.remote_timeout", 5*time.Minute)
	v.SetDefault("agent.plan_file", "")
	v.SetDefault("agent.max_parse_retries", 3)

	v.SetDefault("security.kill_switch", false)
	v.SetDefault("security.allowed_paths", []string{"/tmp", "/var/tmp", "/home", "/usr/local", "/opt"})

	v.SetDefault("search.endpoint", "https://html.duckduckgo.com/html/")
	v.SetDefault("search.max_iterations", 5)
	v.SetDefault("search.max_sources", 5)
	v.SetDefault("search.min_confidence", 0.7)
	v.SetDefault("search.fetch_timeout", 30*time.Second)
	v.SetDefault("search.max_content_len", 10000)
	v.SetDefault("search.user_agent", "Mozilla/5.0 (X11; Linux x86_64) TaskPilot/1.0")

	v.SetDefault("store.path", "~/.taskpilot/sessions.db")
}

// Load unmarshals the viper state into a typed Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandPaths resolves "~" in user-supplied file paths.
func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.Store.Path, &c.Agent.PlanFile, &c.Logger.LogFile} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks cross-field constraints that viper cannot express.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case ProviderGemini, ProviderOpenAI, ProviderOllama:
	default:
		return fmt.Errorf("unknown llm provider %q, supported: %s",
			c.LLM.Provider, strings.Join([]string{ProviderGemini, ProviderOpenAI, ProviderOllama}, ", "))
	}
	switch c.Agent.Mode {
	case ModeConfirmEach, ModeAutonomous:
	default:
		return fmt.Errorf("unknown agent mode %q, supported: %s, %s",
			c.Agent.Mode, ModeConfirmEach, ModeAutonomous)
	}
	if c.Agent.StepLimit <= 0 {
		return fmt.Errorf("agent.step_limit must be positive, got %d", c.Agent.StepLimit)
	}
	if c.Agent.WindowSize <= 0 {
		return fmt.Errorf("agent.window_size must be positive, got %d", c.Agent.WindowSize)
	}
	if c.Agent.MaxParseRetries <= 0 {
		return fmt.Errorf("agent.max_parse_retries must be positive, got %d", c.Agent.MaxParseRetries)
	}
	if c.Search.MinConfidence < 0 || c.Search.MinConfidence > 1 {
		return fmt.Errorf("search.min_confidence must be in [0,1], got %f", c.Search.MinConfidence)
	}
	return nil
}
