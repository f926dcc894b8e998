package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

const envConfigPath = "SHELLRELAY_CONFIG"

// Config is the root runtime configuration loaded from config.toml.
type Config struct {
	Telegram TelegramConfig `toml:"telegram" json:"telegram"`
	MCP      MCPConfig      `toml:"mcp" json:"mcp"`
	Executor ExecutorConfig `toml:"executor" json:"executor"`
	Planner  PlannerConfig  `toml:"planner" json:"planner"`
	Logging  LoggingConfig  `toml:"logging" json:"logging"`
	Status   StatusConfig   `toml:"status" json:"status"`
}

// TelegramConfig configures the Telegram channel gateway.
type TelegramConfig struct {
	BotToken                 string  `toml:"bot_token" json:"bot_token"`
	AllowedChatIDs           []int64 `toml:"allowed_chat_ids" json:"allowed_chat_ids"`
	PollTimeoutSecs          int     `toml:"poll_timeout_secs" json:"poll_timeout_secs"`
	SendRatePerSec           float64 `toml:"send_rate_per_sec" json:"send_rate_per_sec"`
	DropPendingUpdates       bool    `toml:"drop_pending_updates" json:"drop_pending_updates"`
	AdvanceOnDeliveryFailure bool    `toml:"advance_on_delivery_failure" json:"advance_on_delivery_failure"`
}

// MCPConfig describes how to launch and talk to the tool server.
type MCPConfig struct {
	Command              string            `toml:"command" json:"command"`
	Args                 []string          `toml:"args" json:"args"`
	Env                  map[string]string `toml:"env" json:"env"`
	WorkingDir           string            `toml:"working_dir" json:"working_dir"`
	ToolName             string            `toml:"tool_name" json:"tool_name"`
	ToolArgument         string            `toml:"tool_argument" json:"tool_argument"`
	HandshakeTimeoutSecs int               `toml:"handshake_timeout_secs" json:"handshake_timeout_secs"`
	RequestTimeoutSecs   int               `toml:"request_timeout_secs" json:"request_timeout_secs"`
	RestartOnFailure     bool              `toml:"restart_on_failure" json:"restart_on_failure"`
	MaxRestarts          int               `toml:"max_restarts" json:"max_restarts"`
}

// ExecutorConfig controls how returned commands are run and reported.
type ExecutorConfig struct {
	WorkingDir         string            `toml:"working_dir" json:"working_dir"`
	TimeoutSecs        int               `toml:"timeout_secs" json:"timeout_secs"`
	EchoResult         bool              `toml:"echo_result" json:"echo_result"`
	Shell              string            `toml:"shell" json:"shell"`
	Env                map[string]string `toml:"env" json:"env"`
	OutputLimitBytes   int               `toml:"output_limit_bytes" json:"output_limit_bytes"`
	KillGraceSecs      int               `toml:"kill_grace_secs" json:"kill_grace_secs"`
	ConfineDirs        bool              `toml:"confine_dirs" json:"confine_dirs"`
	PartialSuccess     bool              `toml:"partial_success" json:"partial_success"`
	MaxConcurrentChats int               `toml:"max_concurrent_chats" json:"max_concurrent_chats"`
}

// PlannerConfig configures the language-model backend used by the serve command.
type PlannerConfig struct {
	Provider           string  `toml:"provider" json:"provider"`
	Model              string  `toml:"model" json:"model"`
	Agent              string  `toml:"agent" json:"agent"`
	BaseURL            string  `toml:"base_url" json:"base_url"`
	APIKey             string  `toml:"api_key" json:"api_key"`
	Organization       string  `toml:"organization" json:"organization"`
	Project            string  `toml:"project" json:"project"`
	Username           string  `toml:"username" json:"username"`
	PasswordEnv        string  `toml:"password_env" json:"password_env"`
	RequestTimeoutSecs int     `toml:"request_timeout_secs" json:"request_timeout_secs"`
	MaxOutputTokens    int64   `toml:"max_output_tokens" json:"max_output_tokens"`
	Temperature        float64 `toml:"temperature" json:"temperature"`
	SystemPrompt       string  `toml:"system_prompt" json:"system_prompt"`
}

// LoggingConfig controls structured log output format, verbosity and destination.
type LoggingConfig struct {
	Format     string `toml:"format" json:"format,omitempty"`
	Level      string `toml:"level" json:"level,omitempty"`
	AddSource  bool   `toml:"add_source" json:"add_source,omitempty"`
	File       string `toml:"file" json:"file,omitempty"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb,omitempty"`
	MaxBackups int    `toml:"max_backups" json:"max_backups,omitempty"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days,omitempty"`
	Compress   bool   `toml:"compress" json:"compress,omitempty"`
}

// StatusConfig configures the health/readiness HTTP listener. Empty Listen disables it.
type StatusConfig struct {
	Listen string `toml:"listen" json:"listen"`
}

// envOverrides are applied on top of the file.
type envOverrides struct {
	TelegramBotToken string  `env:"TELEGRAM_BOT_TOKEN"`
	AllowedChatIDs   []int64 `env:"TELEGRAM_ALLOWED_CHAT_IDS" envSeparator:","`
	MCPCommand       string  `env:"SHELLRELAY_MCP_COMMAND"`
	WorkingDir       string  `env:"SHELLRELAY_WORKING_DIR"`
	EchoResult       *bool   `env:"SHELLRELAY_ECHO_RESULT"`
	OpenAIAPIKey     string  `env:"OPENAI_API_KEY"`
}

// Default returns the configuration used for every key the file leaves unset.
func Default() Config {
	return Config{
		Telegram: TelegramConfig{
			PollTimeoutSecs:          30,
			SendRatePerSec:           20,
			AdvanceOnDeliveryFailure: true,
		},
		MCP: MCPConfig{
			ToolName:             "plan_commands",
			ToolArgument:         "instruction",
			HandshakeTimeoutSecs: 30,
			RequestTimeoutSecs:   120,
			RestartOnFailure:     true,
			MaxRestarts:          3,
		},
		Executor: ExecutorConfig{
			TimeoutSecs:        120,
			EchoResult:         true,
			Shell:              "/bin/sh",
			OutputLimitBytes:   64 << 10,
			KillGraceSecs:      3,
			ConfineDirs:        true,
			MaxConcurrentChats: 4,
		},
		Planner: PlannerConfig{
			Provider:           "openai",
			Model:              "gpt-4.1-mini",
			RequestTimeoutSecs: 60,
			MaxOutputTokens:    2048,
		},
		Logging: LoggingConfig{
			Format:     "text",
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads the config file at path, or discovers one when path is empty,
// applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	configPath := strings.TrimSpace(path)
	if configPath == "" {
		found, err := findConfigPath()
		if err != nil {
			return nil, err
		}
		configPath = found
	}

	cfg, err := decodeFile(configPath)
	if err != nil {
		return nil, err
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func decodeFile(path string) (*Config, error) {
	cfg := Default()

	if strings.EqualFold(filepath.Ext(path), ".json") {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		decoder := json.NewDecoder(bytes.NewReader(content))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
		return &cfg, nil
	}

	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("parse config file %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}

	return &cfg, nil
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) error {
	overrides, err := env.ParseAs[envOverrides]()
	if err != nil {
		return fmt.Errorf("parse environment overrides: %w", err)
	}

	if token := strings.TrimSpace(overrides.TelegramBotToken); token != "" {
		cfg.Telegram.BotToken = token
	}
	if len(overrides.AllowedChatIDs) > 0 {
		cfg.Telegram.AllowedChatIDs = overrides.AllowedChatIDs
	}
	if command := strings.TrimSpace(overrides.MCPCommand); command != "" {
		cfg.MCP.Command = command
	}
	if dir := strings.TrimSpace(overrides.WorkingDir); dir != "" {
		cfg.Executor.WorkingDir = dir
	}
	if overrides.EchoResult != nil {
		cfg.Executor.EchoResult = *overrides.EchoResult
	}
	if cfg.Planner.APIKey == "" {
		cfg.Planner.APIKey = strings.TrimSpace(overrides.OpenAIAPIKey)
	}

	return nil
}

// Validate checks the settings every command depends on.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.MCP.Command) == "" {
		errs = append(errs, errors.New("mcp.command is required"))
	}
	if strings.TrimSpace(c.MCP.ToolName) == "" {
		errs = append(errs, errors.New("mcp.tool_name is required"))
	}
	if strings.TrimSpace(c.MCP.ToolArgument) == "" {
		errs = append(errs, errors.New("mcp.tool_argument is required"))
	}
	if c.MCP.HandshakeTimeoutSecs <= 0 {
		errs = append(errs, errors.New("mcp.handshake_timeout_secs must be positive"))
	}
	if c.MCP.RequestTimeoutSecs <= 0 {
		errs = append(errs, errors.New("mcp.request_timeout_secs must be positive"))
	}
	if c.MCP.MaxRestarts < 0 {
		errs = append(errs, errors.New("mcp.max_restarts must not be negative"))
	}
	if c.Executor.TimeoutSecs <= 0 {
		errs = append(errs, errors.New("executor.timeout_secs must be positive"))
	}
	if c.Executor.OutputLimitBytes <= 0 {
		errs = append(errs, errors.New("executor.output_limit_bytes must be positive"))
	}
	if c.Executor.MaxConcurrentChats <= 0 {
		errs = append(errs, errors.New("executor.max_concurrent_chats must be positive"))
	}
	if c.Telegram.PollTimeoutSecs < 0 {
		errs = append(errs, errors.New("telegram.poll_timeout_secs must not be negative"))
	}
	if c.Telegram.SendRatePerSec < 0 {
		errs = append(errs, errors.New("telegram.send_rate_per_sec must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// ValidateTelegram checks the settings the Telegram gateway needs on top of Validate.
func (c *Config) ValidateTelegram() error {
	if strings.TrimSpace(c.Telegram.BotToken) == "" {
		return errors.New("invalid configuration: telegram.bot_token is required (or set TELEGRAM_BOT_TOKEN)")
	}
	return nil
}

func (e ExecutorConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSecs) * time.Second
}

func (e ExecutorConfig) KillGrace() time.Duration {
	return time.Duration(e.KillGraceSecs) * time.Second
}

func (m MCPConfig) HandshakeTimeout() time.Duration {
	return time.Duration(m.HandshakeTimeoutSecs) * time.Second
}

func (m MCPConfig) RequestTimeout() time.Duration {
	return time.Duration(m.RequestTimeoutSecs) * time.Second
}

func (t TelegramConfig) PollTimeout() time.Duration {
	return time.Duration(t.PollTimeoutSecs) * time.Second
}

func (p PlannerConfig) RequestTimeout() time.Duration {
	return time.Duration(p.RequestTimeoutSecs) * time.Second
}

// findConfigPath resolves the active config file location.
//
// Precedence is SHELLRELAY_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.toml"),
		filepath.Join(cwd, "config", "config.toml"),
		filepath.Join(cwd, "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config file not found (checked %s)", strings.Join(candidates, ", "))
}
