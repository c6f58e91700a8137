// Package config loads runtime configuration from an optional YAML file and
// the environment. Environment variables always win, keeping parity with the
// dotenv-style deployment the relay started with.
package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/williamsonf/fylgja/pkg/errors"
	"github.com/williamsonf/fylgja/pkg/logging"
)

// Environment variable names. These predate the YAML file and stay stable so
// existing .env files keep working.
const (
	EnvWhitelist     = "CSV_WHITELIST"
	EnvChatLogs      = "CHATLOGS"
	EnvSystemPrompt  = "SYSTEM_PROMPT"
	EnvModel         = "MODEL"
	EnvOpenAIKey     = "OPENAI_API_KEY"
	EnvOpenAIBaseURL = "OPENAI_BASE_URL"
	EnvDiscordToken  = "DISCORD_API_KEY"
	EnvLogDir        = "LOG_DIR"
	EnvLogLevel      = "LOG_LEVEL"
	EnvMetricsAddr   = "METRICS_ADDR"
	EnvQueueCapacity = "QUEUE_CAPACITY"
	EnvRetryLimit    = "RETRY_LIMIT"
)

// ModelConfig selects the completion provider endpoint.
type ModelConfig struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// CLIConfig configures the command-line front-end.
type CLIConfig struct {
	Enabled bool   `yaml:"enabled"`
	UserID  string `yaml:"user_id"`
}

// DiscordConfig configures the Discord front-end. An empty token disables it.
type DiscordConfig struct {
	Token string `yaml:"token"`
}

// FrontendsConfig groups the per-adapter settings.
type FrontendsConfig struct {
	CLI     CLIConfig     `yaml:"cli"`
	Discord DiscordConfig `yaml:"discord"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

// MetricsConfig configures the optional Prometheus listener. An empty
// address disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Config is the full runtime configuration.
type Config struct {
	Whitelist     string          `yaml:"whitelist"`
	ChatLogDir    string          `yaml:"chatlog_dir"`
	SystemPrompt  string          `yaml:"system_prompt"`
	Model         ModelConfig     `yaml:"model"`
	Frontends     FrontendsConfig `yaml:"frontends"`
	Log           LogConfig       `yaml:"log"`
	Metrics       MetricsConfig   `yaml:"metrics"`
	RetryLimit    int             `yaml:"retry_limit"`
	QueueCapacity int             `yaml:"queue_capacity"`
}

// Default returns the baseline configuration before file and environment
// overrides.
func Default() *Config {
	return &Config{
		Whitelist:  "whitelist.csv",
		ChatLogDir: "chatlogs",
		Model: ModelConfig{
			Name: "gpt-4o-mini",
		},
		Frontends: FrontendsConfig{
			CLI: CLIConfig{Enabled: true, UserID: "1"},
		},
		Log: LogConfig{
			Dir:   "logs",
			Level: string(logging.LevelInfo),
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path if one
// is given, then environment overrides, then validation.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeConfigLoad, "reading config file").
				WithContext("path", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeConfigParse, "parsing config file").
				WithContext("path", path)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Whitelist, EnvWhitelist)
	setString(&c.ChatLogDir, EnvChatLogs)
	setString(&c.SystemPrompt, EnvSystemPrompt)
	setString(&c.Model.Name, EnvModel)
	setString(&c.Model.APIKey, EnvOpenAIKey)
	setString(&c.Model.BaseURL, EnvOpenAIBaseURL)
	setString(&c.Frontends.Discord.Token, EnvDiscordToken)
	setString(&c.Log.Dir, EnvLogDir)
	setString(&c.Log.Level, EnvLogLevel)
	setString(&c.Metrics.Addr, EnvMetricsAddr)
	setInt(&c.QueueCapacity, EnvQueueCapacity)
	setInt(&c.RetryLimit, EnvRetryLimit)
}

func setString(target *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*target = v
	}
}

func setInt(target *int, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

// Validate rejects configurations the pipeline cannot start with.
func (c *Config) Validate() error {
	if c.Whitelist == "" {
		return errors.New(errors.ErrCodeConfigInvalid, "whitelist path is required")
	}
	if c.ChatLogDir == "" {
		return errors.New(errors.ErrCodeConfigInvalid, "chat log directory is required")
	}
	if c.Model.Name == "" {
		return errors.New(errors.ErrCodeConfigInvalid, "model name is required")
	}
	if c.Model.APIKey == "" {
		return errors.New(errors.ErrCodeConfigInvalid, "model API key is required").
			WithContext("env", EnvOpenAIKey)
	}
	if !c.Frontends.CLI.Enabled && c.Frontends.Discord.Token == "" {
		return errors.New(errors.ErrCodeConfigInvalid, "no front-end enabled")
	}
	if c.Frontends.CLI.Enabled && c.Frontends.CLI.UserID == "" {
		return errors.New(errors.ErrCodeConfigInvalid, "cli front-end needs a user id")
	}
	switch logging.Level(c.Log.Level) {
	case logging.LevelDebug, logging.LevelInfo, logging.LevelWarn, logging.LevelError:
	default:
		return errors.New(errors.ErrCodeConfigInvalid, "unknown log level").
			WithContext("level", c.Log.Level)
	}
	if c.RetryLimit < 0 {
		return errors.New(errors.ErrCodeConfigInvalid, "retry limit cannot be negative")
	}
	return nil
}
