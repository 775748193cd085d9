// Package config provides configuration management for the agentos daemon.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/agentos/agentos/internal/common/constants"
)

// Config holds all configuration sections for the daemon.
type Config struct {
	Watcher   WatcherConfig   `mapstructure:"watcher"`
	API       APIConfig       `mapstructure:"api"`
	Models    ModelsConfig    `mapstructure:"models"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	History   HistoryConfig   `mapstructure:"history"`
	Assistant AssistantConfig `mapstructure:"assistant"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	Channels  ChannelsConfig  `mapstructure:"channels"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Lock      LockConfig      `mapstructure:"lock"`
}

// WatcherConfig holds trigger-file polling configuration.
type WatcherConfig struct {
	TranscriptDir  string `mapstructure:"transcriptDir"`
	PollIntervalMs int    `mapstructure:"pollIntervalMs"`
}

// APIConfig holds the status HTTP server configuration.
type APIConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// ModelsConfig holds model-server arbitration configuration.
type ModelsConfig struct {
	ServerBinary   string `mapstructure:"serverBinary"`
	KillPattern    string `mapstructure:"killPattern"`
	TextModel      string `mapstructure:"textModel"`
	TextPort       int    `mapstructure:"textPort"`
	VisionModel    string `mapstructure:"visionModel"`
	VisionPort     int    `mapstructure:"visionPort"`
	GPULayers      int    `mapstructure:"gpuLayers"`
	ContextSize    int    `mapstructure:"contextSize"`
	HealthTimeout  int    `mapstructure:"healthTimeout"` // in seconds
	HealthAttempts int    `mapstructure:"healthAttempts"`
}

// AgentsConfig holds persistent-agent process configuration.
type AgentsConfig struct {
	BinDir               string `mapstructure:"binDir"`
	StartupSettleMs      int    `mapstructure:"startupSettleMs"`
	ClearSettleMs        int    `mapstructure:"clearSettleMs"`
	StopGrace            int    `mapstructure:"stopGrace"` // in seconds
	QuiescenceInitialMs  int    `mapstructure:"quiescenceInitialMs"`
	QuiescenceIntervalMs int    `mapstructure:"quiescenceIntervalMs"`
	QuiescenceSamples    int    `mapstructure:"quiescenceSamples"`
}

// HistoryConfig holds completion-log configuration.
type HistoryConfig struct {
	Dir              string `mapstructure:"dir"`
	MaxEntries       int    `mapstructure:"maxEntries"`
	MaxResponseChars int    `mapstructure:"maxResponseChars"`
	DedupWindowMs    int    `mapstructure:"dedupWindowMs"`
	ContextEntries   int    `mapstructure:"contextEntries"`
}

// AssistantConfig holds external assistant CLI configuration.
type AssistantConfig struct {
	Command         string   `mapstructure:"command"`
	ExtraArgs       []string `mapstructure:"extraArgs"`
	ContextFile     string   `mapstructure:"contextFile"`
	MaxContextChars int      `mapstructure:"maxContextChars"`
	WorkspaceDir    string   `mapstructure:"workspaceDir"`
	Timeout         int      `mapstructure:"timeout"`        // in seconds
	CompactTimeout  int      `mapstructure:"compactTimeout"` // in seconds
}

// CaptureConfig holds the exclusive-GPU capture command configuration.
type CaptureConfig struct {
	Command []string `mapstructure:"command"`
	Timeout int      `mapstructure:"timeout"` // in seconds
}

// ChannelsConfig points at an optional channel registry file.
type ChannelsConfig struct {
	File string `mapstructure:"file"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// LockConfig holds the single-instance lock configuration.
type LockConfig struct {
	File    string `mapstructure:"file"`
	PIDFile string `mapstructure:"pidFile"`
}

// PollInterval returns the watcher poll cadence as a time.Duration.
func (w *WatcherConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalMs) * time.Millisecond
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (a *APIConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(a.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (a *APIConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(a.WriteTimeout) * time.Second
}

// HealthTimeoutDuration returns the single-request health timeout as a time.Duration.
func (m *ModelsConfig) HealthTimeoutDuration() time.Duration {
	return time.Duration(m.HealthTimeout) * time.Second
}

// StartupSettle returns the post-spawn settle as a time.Duration.
func (a *AgentsConfig) StartupSettle() time.Duration {
	return time.Duration(a.StartupSettleMs) * time.Millisecond
}

// ClearSettle returns the post-clear settle as a time.Duration.
func (a *AgentsConfig) ClearSettle() time.Duration {
	return time.Duration(a.ClearSettleMs) * time.Millisecond
}

// StopGraceDuration returns the stop grace period as a time.Duration.
func (a *AgentsConfig) StopGraceDuration() time.Duration {
	return time.Duration(a.StopGrace) * time.Second
}

// QuiescenceInitial returns the pre-sampling delay as a time.Duration.
func (a *AgentsConfig) QuiescenceInitial() time.Duration {
	return time.Duration(a.QuiescenceInitialMs) * time.Millisecond
}

// QuiescenceInterval returns the sampling gap as a time.Duration.
func (a *AgentsConfig) QuiescenceInterval() time.Duration {
	return time.Duration(a.QuiescenceIntervalMs) * time.Millisecond
}

// DedupWindow returns the duplicate-suppression window as a time.Duration.
func (h *HistoryConfig) DedupWindow() time.Duration {
	return time.Duration(h.DedupWindowMs) * time.Millisecond
}

// TimeoutDuration returns the assistant call timeout as a time.Duration.
func (a *AssistantConfig) TimeoutDuration() time.Duration {
	return time.Duration(a.Timeout) * time.Second
}

// CompactTimeoutDuration returns the compaction call timeout as a time.Duration.
func (a *AssistantConfig) CompactTimeoutDuration() time.Duration {
	return time.Duration(a.CompactTimeout) * time.Second
}

// TimeoutDuration returns the capture command timeout as a time.Duration.
func (c *CaptureConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" when the daemon runs unattended, "text" for terminal use.
func detectDefaultLogFormat() string {
	if env := os.Getenv("AGENTOS_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	// Watcher defaults
	v.SetDefault("watcher.transcriptDir", filepath.Join(home, "transcripts"))
	v.SetDefault("watcher.pollIntervalMs", int(constants.PollInterval/time.Millisecond))

	// Status API defaults
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.host", "127.0.0.1")
	v.SetDefault("api.port", 9092)
	v.SetDefault("api.readTimeout", 30)
	v.SetDefault("api.writeTimeout", 30)

	// Model server defaults
	v.SetDefault("models.serverBinary", "llama-server")
	v.SetDefault("models.killPattern", "llama-server")
	v.SetDefault("models.textModel", filepath.Join(home, "workspace/models/qwen2.5-coder-14b-instruct-q4_k_m.gguf"))
	v.SetDefault("models.textPort", 9090)
	v.SetDefault("models.visionModel", filepath.Join(home, "workspace/models/Qwen3-VL-8B-Instruct-Q8_0.gguf"))
	v.SetDefault("models.visionPort", 9091)
	v.SetDefault("models.gpuLayers", 34)
	v.SetDefault("models.contextSize", 8192)
	v.SetDefault("models.healthTimeout", int(constants.HealthCheckTimeout/time.Second))
	v.SetDefault("models.healthAttempts", constants.HealthPollAttempts)

	// Agent process defaults
	v.SetDefault("agents.binDir", filepath.Join(home, "workspace/agent-os"))
	v.SetDefault("agents.startupSettleMs", int(constants.AgentStartupSettle/time.Millisecond))
	v.SetDefault("agents.clearSettleMs", int(constants.AgentClearSettle/time.Millisecond))
	v.SetDefault("agents.stopGrace", int(constants.AgentStopGrace/time.Second))
	v.SetDefault("agents.quiescenceInitialMs", int(constants.QuiescenceInitialWait/time.Millisecond))
	v.SetDefault("agents.quiescenceIntervalMs", int(constants.QuiescenceSampleInterval/time.Millisecond))
	v.SetDefault("agents.quiescenceSamples", constants.QuiescenceStableSamples)

	// Completion log defaults
	v.SetDefault("history.dir", filepath.Join(home, "agent-logs"))
	v.SetDefault("history.maxEntries", 50)
	v.SetDefault("history.maxResponseChars", 500)
	v.SetDefault("history.dedupWindowMs", int(constants.HistoryDedupWindow/time.Millisecond))
	v.SetDefault("history.contextEntries", 5)

	// Assistant defaults
	v.SetDefault("assistant.command", "claude")
	v.SetDefault("assistant.extraArgs", []string{"--permission-mode", "acceptEdits"})
	v.SetDefault("assistant.contextFile", filepath.Join(home, "agent-logs/claude_context.log"))
	v.SetDefault("assistant.maxContextChars", 8000)
	v.SetDefault("assistant.workspaceDir", filepath.Join(home, "workspace"))
	v.SetDefault("assistant.timeout", int(constants.AssistantTimeout/time.Second))
	v.SetDefault("assistant.compactTimeout", int(constants.CompactTimeout/time.Second))

	// Capture defaults - empty command disables the capture channel
	v.SetDefault("capture.command", []string{})
	v.SetDefault("capture.timeout", int(constants.CaptureTimeout/time.Second))

	// Channel registry defaults - empty means compiled-in channels
	v.SetDefault("channels.file", "")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Lock defaults
	v.SetDefault("lock.file", "/tmp/agentosd.lock")
	v.SetDefault("lock.pidFile", "/tmp/agentosd.pid")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTOS_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/agentos/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AGENTOS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("watcher.transcriptDir", "AGENTOS_WATCHER_TRANSCRIPT_DIR")
	_ = v.BindEnv("models.serverBinary", "AGENTOS_MODELS_SERVER_BINARY")
	_ = v.BindEnv("models.textModel", "AGENTOS_MODELS_TEXT_MODEL")
	_ = v.BindEnv("models.textPort", "AGENTOS_MODELS_TEXT_PORT")
	_ = v.BindEnv("models.visionModel", "AGENTOS_MODELS_VISION_MODEL")
	_ = v.BindEnv("models.visionPort", "AGENTOS_MODELS_VISION_PORT")
	_ = v.BindEnv("agents.binDir", "AGENTOS_AGENTS_BIN_DIR")
	_ = v.BindEnv("history.dir", "AGENTOS_HISTORY_DIR")
	_ = v.BindEnv("assistant.contextFile", "AGENTOS_ASSISTANT_CONTEXT_FILE")
	_ = v.BindEnv("assistant.workspaceDir", "AGENTOS_ASSISTANT_WORKSPACE_DIR")
	_ = v.BindEnv("channels.file", "AGENTOS_CHANNELS_FILE")
	_ = v.BindEnv("lock.file", "AGENTOS_LOCK_FILE")
	_ = v.BindEnv("lock.pidFile", "AGENTOS_LOCK_PID_FILE")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentos/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Watcher.TranscriptDir == "" {
		errs = append(errs, "watcher.transcriptDir is required")
	}
	if cfg.Watcher.PollIntervalMs <= 0 {
		errs = append(errs, "watcher.pollIntervalMs must be positive")
	}

	if cfg.API.Enabled {
		if cfg.API.Port <= 0 || cfg.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}
	}

	if cfg.Models.ServerBinary == "" {
		errs = append(errs, "models.serverBinary is required")
	}
	if cfg.Models.TextPort <= 0 || cfg.Models.TextPort > 65535 {
		errs = append(errs, "models.textPort must be between 1 and 65535")
	}
	if cfg.Models.VisionPort <= 0 || cfg.Models.VisionPort > 65535 {
		errs = append(errs, "models.visionPort must be between 1 and 65535")
	}
	if cfg.Models.HealthAttempts <= 0 {
		errs = append(errs, "models.healthAttempts must be positive")
	}

	if cfg.Agents.BinDir == "" {
		errs = append(errs, "agents.binDir is required")
	}
	if cfg.Agents.QuiescenceSamples <= 0 {
		errs = append(errs, "agents.quiescenceSamples must be positive")
	}

	if cfg.History.Dir == "" {
		errs = append(errs, "history.dir is required")
	}
	if cfg.History.MaxEntries <= 0 {
		errs = append(errs, "history.maxEntries must be positive")
	}
	if cfg.History.MaxResponseChars <= 0 {
		errs = append(errs, "history.maxResponseChars must be positive")
	}

	if cfg.Assistant.MaxContextChars <= 0 {
		errs = append(errs, "assistant.maxContextChars must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Lock.File == "" {
		errs = append(errs, "lock.file is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
